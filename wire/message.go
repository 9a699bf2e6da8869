// Package wire defines the self-describing message envelope and the typed
// payloads carried between formix nodes, plus JSON helpers for encoding and
// decoding them. Encoding is an implementation choice, not part of the
// contract — JSON is used here for compatibility and debuggability over
// raw throughput.
package wire

import (
	"encoding/json"
	"io"
	"time"
)

// Type identifies the kind of message carried in an Envelope's Payload.
type Type string

const (
	TypePropose       Type = "propose"
	TypeInit          Type = "init"
	TypeInitAck       Type = "init_ack"
	TypeAnnounce      Type = "announce"
	TypeShare         Type = "share"
	TypeRevealRequest Type = "reveal_request"
	TypePartialSum    Type = "partial_sum"
	TypeHealth        Type = "health"
)

// Envelope is the common wire format for every message exchanged between
// nodes: {type, payload, sender_id, timestamp}. The payload is decoded into
// its typed struct (ProposePayload, InitPayload, ...) based on Type.
type Envelope struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	SenderID  string          `json:"sender_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope marshals payload and wraps it with the common header fields.
func NewEnvelope(typ Type, senderID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      typ,
		Payload:   raw,
		SenderID:  senderID,
		Timestamp: time.Now().UTC(),
	}, nil
}

// DecodePayload unmarshals the envelope's payload into T.
func DecodePayload[T any](e *Envelope) (T, error) {
	var out T
	err := json.Unmarshal(e.Payload, &out)
	return out, err
}

// DecodeEnvelope reads one JSON-encoded Envelope from r.
func DecodeEnvelope(r io.Reader) (*Envelope, error) {
	var e Envelope
	if err := json.NewDecoder(r).Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Encode serializes the envelope to JSON bytes.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// CoordinatorTriple names the three coordinators assigned to a computation,
// C1 designated primary.
type CoordinatorTriple [3]string

// ProposePayload is sent by the façade to C1 to kick off a computation.
type ProposePayload struct {
	CompID          string            `json:"comp_id"`
	ProposerID      string            `json:"proposer_id"`
	Coordinators    CoordinatorTriple `json:"coordinators"`
	Prompt          string            `json:"prompt"`
	SchemaTag       string            `json:"schema_tag"`
	Deadline        time.Time         `json:"deadline"`
	MinParticipants int               `json:"min_participants"`
}

// InitPayload is sent by C1 to C2 and C3 to initialize their local state.
type InitPayload struct {
	CompID          string            `json:"comp_id"`
	ProposerID      string            `json:"proposer_id"`
	Coordinators    CoordinatorTriple `json:"coordinators"`
	Prompt          string            `json:"prompt"`
	SchemaTag       string            `json:"schema_tag"`
	Deadline        time.Time         `json:"deadline"`
	MinParticipants int               `json:"min_participants"`
}

// InitAckPayload is the reply from C2/C3 to C1's init.
type InitAckPayload struct {
	CompID string `json:"comp_id"`
	Ready  bool   `json:"ready"`
}

// AnnouncePayload is fanned out by C1 to every active contributor.
type AnnouncePayload struct {
	CompID       string            `json:"comp_id"`
	Coordinators CoordinatorTriple `json:"coordinators"`
	Prompt       string            `json:"prompt"`
	SchemaTag    string            `json:"schema_tag"`
	Deadline     time.Time         `json:"deadline"`
}

// SharePayload carries one contributor's share to one coordinator.
type SharePayload struct {
	CompID        string `json:"comp_id"`
	ContributorID string `json:"contributor_id"`
	ShareValue    uint32 `json:"share_value"`
	ShareIndex    int    `json:"share_index"`
}

// RevealRequestPayload is sent by the primary to C2/C3 to start the reveal.
type RevealRequestPayload struct {
	CompID             string   `json:"comp_id"`
	ExpectedParticipants []string `json:"expected_participants"`
}

// PartialSumPayload is the reply from C2/C3 carrying their restricted sum.
type PartialSumPayload struct {
	CompID       string   `json:"comp_id"`
	PartialSum   uint32   `json:"partial_sum"`
	Participants []string `json:"participants"`
}

// HealthPayload is an empty liveness probe payload.
type HealthPayload struct{}
