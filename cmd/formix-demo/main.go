// Command formix-demo spins up a complete in-process formix network (three
// coordinators, N contributors) and drives one computation against it,
// printing the result. It exists to let a reader exercise the whole
// propose/announce/collect/reveal pipeline without standing up a Postgres
// instance or multiple binaries.
//
//	formix-demo run --prompt "sum raw values" --contributors 5 --min-participants 1
//	formix-demo run --contributors 100 --deadline 10s
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openformix/formix/network"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != "run" {
		printUsage()
		os.Exit(1)
	}

	args := os.Args[2:]
	var (
		prompt          = "sum raw values"
		contributors    = 5
		minParticipants = 1
		deadline        = 5 * time.Second
		awaitTimeout    = 15 * time.Second
		verbose         = false
	)

	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.StringVar(&prompt, "prompt", prompt, "computation prompt string")
	fs.IntVar(&contributors, "contributors", contributors, "number of contributor nodes to spawn")
	fs.IntVar(&minParticipants, "min-participants", minParticipants, "minimum contributors required for a valid result")
	fs.DurationVar(&deadline, "deadline", deadline, "computation collection deadline")
	fs.DurationVar(&awaitTimeout, "await-timeout", awaitTimeout, "how long to wait for the computation to finish")
	fs.BoolVar(&verbose, "verbose", verbose, "log node activity to stderr")
	_ = fs.Parse(args)

	if err := run(prompt, contributors, minParticipants, deadline, awaitTimeout, verbose); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`formix-demo - run a self-contained formix network

Usage:
  formix-demo run [options]

Options:
  --prompt            Computation prompt string (default "sum raw values")
  --contributors      Number of contributor nodes to spawn (default 5)
  --min-participants  Minimum contributors required for a valid result (default 1)
  --deadline          Collection deadline (default 5s)
  --await-timeout     How long to wait for the computation to finish (default 15s)
  --verbose           Log node activity to stderr`)
}

func run(prompt string, contributors, minParticipants int, deadline, awaitTimeout time.Duration, verbose bool) error {
	log := zerolog.Nop()
	if verbose {
		log = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	}

	ctx := context.Background()
	n, err := network.New(network.Config{Logger: log})
	if err != nil {
		return fmt.Errorf("constructing network: %w", err)
	}
	defer n.Shutdown(context.Background())

	fmt.Printf("Starting network: 3 coordinators, %d contributors...\n", contributors)
	if err := n.StartNetwork(ctx, contributors); err != nil {
		return fmt.Errorf("starting network: %w", err)
	}

	status, err := n.StatusOfNetwork(ctx)
	if err != nil {
		return fmt.Errorf("fetching network status: %w", err)
	}
	fmt.Printf("Network ready: %d coordinators, %d contributors\n", status.CoordinatorCount, status.ContributorCount)

	fmt.Printf("Proposing computation %q (deadline=%s, min_participants=%d)...\n", prompt, deadline, minParticipants)
	compID, err := n.ProposeComputation(ctx, prompt, deadline, minParticipants)
	if err != nil {
		return fmt.Errorf("proposing computation: %w", err)
	}
	fmt.Printf("Computation id: %s\n", compID)

	view, err := n.AwaitResult(ctx, compID, awaitTimeout)
	if err != nil {
		fmt.Printf("Computation did not complete: %v (status=%s)\n", err, view.Status)
		return nil
	}

	fmt.Printf("Result: %d (participants: %d)\n", *view.Result, *view.ParticipantsCount)
	return nil
}
