package network

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/openformix/formix/registry"
)

// Config parameterizes a Network façade.
type Config struct {
	// Postgres selects the registry backend: a PostgresStore when set, or
	// an in-process MemoryStore when nil.
	Postgres *registry.PostgresConfig

	// LocalStoreDir, if set, roots one Badger directory per spawned node
	// under it. Empty means every node gets an in-memory localstore.
	LocalStoreDir string

	// ListenHost is the loopback host every spawned node binds to.
	ListenHost string

	Logger zerolog.Logger

	// HealthCheckTimeout bounds how long start_network waits for every
	// spawned node to become reachable before failing.
	HealthCheckTimeout time.Duration
	// InitWindow and PendingWindow are forwarded to every coordinator.
	InitWindow    time.Duration
	PendingWindow time.Duration
	// There is no metrics setting: nodes spawned by the façade leave
	// node.Config.MetricsAddr empty, so none of them serves /metrics.
}

func (c *Config) setDefaults() {
	if c.ListenHost == "" {
		c.ListenHost = "127.0.0.1"
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = 10 * time.Second
	}
}

// NodeStatus mirrors one registry.Node record for status_of_network.
type NodeStatus struct {
	ID        string             `json:"id"`
	Role      registry.Role      `json:"role"`
	Endpoint  string             `json:"endpoint"`
	Status    registry.NodeStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
}

// NetworkStatus is the return value of status_of_network.
type NetworkStatus struct {
	Nodes             []NodeStatus `json:"nodes"`
	CoordinatorCount  int          `json:"coordinator_count"`
	ContributorCount  int          `json:"contributor_count"`
}

// ComputationView is the return value of await_result / status: the
// external, read-only projection of a registry.Computation.
type ComputationView struct {
	ID               string                     `json:"id"`
	Status           registry.ComputationStatus `json:"status"`
	Prompt           string                     `json:"prompt"`
	Result           *uint32                    `json:"result,omitempty"`
	ParticipantsCount *int                      `json:"participants_count,omitempty"`
	Deadline         time.Time                  `json:"deadline"`
	CreatedAt        time.Time                  `json:"created_at"`
}

func viewOf(c *registry.Computation) *ComputationView {
	return &ComputationView{
		ID:                c.ID,
		Status:            c.Status,
		Prompt:            c.Prompt,
		Result:            c.Result,
		ParticipantsCount: c.Participants,
		Deadline:          c.Deadline,
		CreatedAt:         c.CreatedAt,
	}
}
