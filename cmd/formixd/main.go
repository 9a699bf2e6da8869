// Command formixd runs a single formix node: either a coordinator or a
// contributor, depending on --role. Point several instances at the same
// Postgres registry (--pg-host and the other --pg-* flags) to form a
// network; omit --pg-host to run against an in-process memory registry,
// useful for local smoke tests only since nothing else can discover the node.
//
//	formixd --role=coordinator --node-id=coordinator-1 --addr=:9001 \
//	  --pg-host=localhost --pg-database=formix
//
//	formixd --role=contributor --node-id=contributor-1 --addr=:9101 \
//	  --pg-host=localhost --pg-database=formix
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/openformix/formix/contributor"
	"github.com/openformix/formix/coordinator"
	"github.com/openformix/formix/localstore"
	"github.com/openformix/formix/node"
	"github.com/openformix/formix/registry"
	"github.com/openformix/formix/transport"
)

func main() {
	var (
		role          = flag.String("role", "", "node role: coordinator or contributor")
		nodeID        = flag.String("node-id", "", "unique node id registered in the registry")
		addr          = flag.String("addr", ":0", "address to bind the message/health listener")
		metricsAddr   = flag.String("metrics-addr", "", "address to bind the /metrics listener, empty disables it")
		dataDir       = flag.String("data-dir", "", "directory for this node's Badger-backed local store, empty uses an in-memory store")
		pgHost        = flag.String("pg-host", "", "registry Postgres host, empty uses an in-memory registry")
		pgPort        = flag.Int("pg-port", 5432, "registry Postgres port")
		pgUser        = flag.String("pg-user", "formix", "registry Postgres user")
		pgPassword    = flag.String("pg-password", "", "registry Postgres password")
		pgDatabase    = flag.String("pg-database", "formix", "registry Postgres database")
		pgSSLMode     = flag.String("pg-sslmode", "disable", "registry Postgres sslmode")
		initWindow    = flag.Duration("init-window", 5*time.Second, "coordinator: time to wait for init_acks before failing a computation")
		pendingWindow = flag.Duration("pending-window", 10*time.Second, "coordinator: time to hold messages for an unseen computation id")
		uniformMax    = flag.Int64("uniform-max", 100, "contributor: inclusive upper bound for the default uniform response policy")
		shutdownGrace = flag.Duration("shutdown-grace", 10*time.Second, "time allowed to drain in-flight requests on shutdown")
	)
	flag.Parse()

	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	if *nodeID == "" {
		log.Fatal().Msg("--node-id is required")
	}

	var nodeRole registry.Role
	switch *role {
	case "coordinator":
		nodeRole = registry.RoleCoordinator
	case "contributor":
		nodeRole = registry.RoleContributor
	default:
		log.Fatal().Str("role", *role).Msg("--role must be coordinator or contributor")
	}

	regStore, err := openRegistry(*pgHost, *pgPort, *pgUser, *pgPassword, *pgDatabase, *pgSSLMode)
	if err != nil {
		log.Fatal().Err(err).Msg("opening registry")
	}
	defer regStore.Close()

	localStore, err := openLocalStore(*dataDir, *nodeID)
	if err != nil {
		log.Fatal().Err(err).Msg("opening local store")
	}
	defer localStore.Close()

	client := transport.NewClient(transport.DefaultClientConfig())

	var handler node.Role
	switch nodeRole {
	case registry.RoleCoordinator:
		handler = coordinator.New(coordinator.Config{
			NodeID:        *nodeID,
			Registry:      regStore,
			Store:         localStore,
			Client:        client,
			Logger:        log,
			InitWindow:    *initWindow,
			PendingWindow: *pendingWindow,
		})
	case registry.RoleContributor:
		handler = contributor.New(contributor.Config{
			NodeID: *nodeID,
			Store:  localStore,
			Client: client,
			Logger: log,
			Policy: contributor.NewUniformPolicy(*uniformMax),
		})
	}

	rt, err := node.New(node.Config{
		NodeID:      *nodeID,
		NodeRole:    nodeRole,
		ListenAddr:  *addr,
		MetricsAddr: *metricsAddr,
		Handler:     handler,
		Logger:      log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("constructing node runtime")
	}
	rt.Start()

	ctx := context.Background()
	if err := regStore.SaveNode(ctx, &registry.Node{
		ID:        *nodeID,
		Role:      nodeRole,
		Endpoint:  rt.Endpoint(),
		Status:    registry.NodeActive,
		CreatedAt: time.Now(),
	}); err != nil {
		log.Fatal().Err(err).Msg("registering node")
	}

	log.Info().Str("node_id", *nodeID).Str("role", string(nodeRole)).Str("endpoint", rt.Endpoint()).Msg("formixd started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")
	_ = regStore.UpdateNodeStatus(ctx, *nodeID, registry.NodeStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownGrace)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown did not complete cleanly")
	}
	_ = regStore.DeleteNode(context.Background(), *nodeID)
}

func openRegistry(host string, port int, user, password, database, sslMode string) (registry.Store, error) {
	if host == "" {
		return registry.NewMemoryStore(), nil
	}
	return registry.NewPostgresStore(&registry.PostgresConfig{
		Host:     host,
		Port:     port,
		User:     user,
		Password: password,
		Database: database,
		SSLMode:  sslMode,
	})
}

func openLocalStore(dataDir, nodeID string) (localstore.Store, error) {
	if dataDir == "" {
		return localstore.NewMemoryStore(), nil
	}
	return localstore.NewBadgerStore(fmt.Sprintf("%s/%s", dataDir, nodeID))
}
