package contributor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/openformix/formix/localstore"
	"github.com/openformix/formix/transport"
	"github.com/openformix/formix/wire"
)

type fixedPolicy struct{ value uint32 }

func (f fixedPolicy) GenerateResponse(context.Context, string) (uint32, error) {
	return f.value, nil
}

// recordingCoordinator is a bare HTTP server that decodes incoming share
// envelopes and records them, standing in for a coordinator node.
type recordingCoordinator struct {
	mu     sync.Mutex
	shares []wire.SharePayload
}

func newRecordingCoordinator() (*recordingCoordinator, *httptest.Server) {
	rc := &recordingCoordinator{}
	mux := http.NewServeMux()
	mux.HandleFunc("/message", func(w http.ResponseWriter, r *http.Request) {
		env, err := wire.DecodeEnvelope(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p, err := wire.DecodePayload[wire.SharePayload](env)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rc.mu.Lock()
		rc.shares = append(rc.shares, p)
		rc.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return rc, httptest.NewServer(mux)
}

func TestHandleAnnounceDeliversThreeSharesSummingToResponse(t *testing.T) {
	c1, s1 := newRecordingCoordinator()
	c2, s2 := newRecordingCoordinator()
	c3, s3 := newRecordingCoordinator()
	defer s1.Close()
	defer s2.Close()
	defer s3.Close()

	store := localstore.NewMemoryStore()
	n := New(Config{
		NodeID: "contributor-1",
		Store:  store,
		Client: transport.NewClient(transport.DefaultClientConfig()),
		Logger: zerolog.Nop(),
		Policy: fixedPolicy{value: 42},
	})

	err := n.handleAnnounce(context.Background(), wire.AnnouncePayload{
		CompID:       "comp-1",
		Coordinators: wire.CoordinatorTriple{s1.URL, s2.URL, s3.URL},
		Prompt:       "sum test",
	})
	require.NoError(t, err)

	require.Len(t, c1.shares, 1)
	require.Len(t, c2.shares, 1)
	require.Len(t, c3.shares, 1)

	sum := uint64(c1.shares[0].ShareValue) + uint64(c2.shares[0].ShareValue) + uint64(c3.shares[0].ShareValue)
	require.Equal(t, uint32(42), uint32(sum%(1<<32)))

	resp, err := store.GetResponse("comp-1")
	require.NoError(t, err)
	require.Equal(t, uint32(42), resp.Value)
}

func TestHandleAnnounceIgnoresDuplicateForSameComputation(t *testing.T) {
	c1, s1 := newRecordingCoordinator()
	defer s1.Close()

	store := localstore.NewMemoryStore()
	n := New(Config{
		NodeID: "contributor-1",
		Store:  store,
		Client: transport.NewClient(transport.DefaultClientConfig()),
		Logger: zerolog.Nop(),
		Policy: fixedPolicy{value: 7},
	})

	announce := wire.AnnouncePayload{
		CompID:       "comp-1",
		Coordinators: wire.CoordinatorTriple{s1.URL, s1.URL, s1.URL},
	}
	require.NoError(t, n.handleAnnounce(context.Background(), announce))
	require.NoError(t, n.handleAnnounce(context.Background(), announce))

	require.Len(t, c1.shares, 3) // 3 from the first announce, none from the duplicate
}
