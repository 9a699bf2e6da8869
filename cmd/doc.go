// Package cmd provides the formix CLI binaries.
//
// # Commands
//
// formixd: runs a single coordinator or contributor node, registering
// itself in a shared registry (Postgres-backed, or in-memory for local
// smoke tests).
//
//	go run ./cmd/formixd --role=coordinator --node-id=coordinator-1 --addr=:9001 --pg-host=localhost --pg-database=formix
//	go run ./cmd/formixd --role=contributor --node-id=contributor-1 --addr=:9101 --pg-host=localhost --pg-database=formix
//
// formix-demo: spins up a complete in-process network and drives one
// computation against it end to end, for exercising the pipeline without
// standing up Postgres or multiple processes.
//
//	go run ./cmd/formix-demo run --contributors 5 --min-participants 1
package cmd
