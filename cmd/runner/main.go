// Package main is a flag-driven single-run CLI harness for the
// orchestrator, the composition-runner counterpart to
// flowjs-works/engine/cmd/runner: instead of a process file + trigger data,
// it takes an action reference + an inputs JSON file and prints the final
// outputs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/starthubhq/cli/internal/artifactstore"
	"github.com/starthubhq/cli/internal/events"
	"github.com/starthubhq/cli/internal/orchestrator"
)

func main() {
	actionRef := flag.String("action", "", "Action reference to run (ns/name:version)")
	inputsFile := flag.String("inputs", "", "Path to a JSON file of initial inputs (optional)")
	endpoint := flag.String("endpoint", envOrDefault("ARTIFACT_ENDPOINT", "https://artifacts.starthub.dev"), "Artifact store endpoint")
	cacheDir := flag.String("cache-dir", envOrDefault("CACHE_DIR", os.TempDir()+"/starthub-cache"), "Local artifact cache directory")
	authToken := flag.String("auth-token", os.Getenv("AUTH_TOKEN"), "Bearer token for the artifact store")
	natsURL := flag.String("nats", os.Getenv("NATS_URL"), "NATS server URL for event publishing (optional)")
	flag.Parse()

	if *actionRef == "" {
		log.Fatal("runner: -action is required")
	}

	initialInputs := map[string]interface{}{}
	if *inputsFile != "" {
		data, err := os.ReadFile(*inputsFile)
		if err != nil {
			log.Fatalf("runner: read inputs file: %v", err)
		}
		if err := json.Unmarshal(data, &initialInputs); err != nil {
			log.Fatalf("runner: parse inputs file: %v", err)
		}
	}

	sink, closeSink := buildSink(*natsURL)
	defer closeSink()

	store := artifactstore.New(*endpoint, *cacheDir, *authToken)

	result, err := orchestrator.Run(context.Background(), *actionRef, initialInputs, store, orchestrator.Options{Sink: sink})
	if err != nil {
		log.Fatalf("runner: run failed: %v", err)
	}

	fmt.Println("\n========== RUN RESULT ==========")
	out, err := json.MarshalIndent(result.Outputs, "", "  ")
	if err != nil {
		log.Printf("runner: marshal outputs: %v", err)
	} else {
		fmt.Println(string(out))
	}
	fmt.Println("=================================")
}

// buildSink connects to NATS when a URL is supplied, falling back to the
// stderr log sink otherwise — never fail the run because a broker is down.
func buildSink(natsURL string) (events.Sink, func()) {
	if natsURL == "" {
		return events.LogSink{}, func() {}
	}
	sink, err := events.NewNATSEventSink(natsURL)
	if err != nil {
		log.Printf("runner: connect to NATS at %s: %v. Falling back to log events.", natsURL, err)
		return events.LogSink{}, func() {}
	}
	return sink, sink.Close
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
