package node

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/openformix/formix/registry"
	"github.com/openformix/formix/wire"
)

type recordingRole struct {
	received []*wire.Envelope
}

func (r *recordingRole) HandleEnvelope(_ context.Context, env *wire.Envelope) error {
	r.received = append(r.received, env)
	return nil
}

func TestRuntimeHealthEndpoint(t *testing.T) {
	role := &recordingRole{}
	rt, err := New(Config{
		NodeID:     "n1",
		NodeRole:   registry.RoleCoordinator,
		ListenAddr: "127.0.0.1:0",
		Handler:    role,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	rt.Start()
	defer rt.Shutdown(context.Background())

	resp, err := http.Get(rt.Endpoint() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, "n1", got.NodeID)
	require.Equal(t, "coordinator", got.Role)
}

func TestRuntimeDispatchesMessageToHandler(t *testing.T) {
	role := &recordingRole{}
	rt, err := New(Config{
		NodeID:     "n1",
		NodeRole:   registry.RoleContributor,
		ListenAddr: "127.0.0.1:0",
		Handler:    role,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	rt.Start()
	defer rt.Shutdown(context.Background())

	env, err := wire.NewEnvelope(wire.TypeHealth, "peer", wire.HealthPayload{})
	require.NoError(t, err)
	body, err := env.Encode()
	require.NoError(t, err)

	resp, err := http.Post(rt.Endpoint()+"/message", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool { return len(role.received) == 1 }, time.Second, 10*time.Millisecond)
}
