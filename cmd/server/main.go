// Package main is the HTTP server entry point for the composition runner.
// It mirrors flowjs-works/engine/cmd/server's shape (ServeMux + CORS +
// /health + one POST endpoint that drives the executor) with /v1/flow
// replaced by /v1/run, which drives the orchestrator instead of a flat
// Process.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/starthubhq/cli/internal/artifactstore"
	"github.com/starthubhq/cli/internal/events"
	"github.com/starthubhq/cli/internal/orchestrator"
)

func main() {
	httpAddr := envOrDefault("HTTP_ADDR", ":9090")
	endpoint := envOrDefault("ARTIFACT_ENDPOINT", "https://artifacts.starthub.dev")
	cacheDir := envOrDefault("CACHE_DIR", os.TempDir()+"/starthub-cache")
	authToken := os.Getenv("AUTH_TOKEN")
	natsURL := os.Getenv("NATS_URL")
	requestTimeout := parseDurationEnv("REQUEST_TIMEOUT", 120*time.Second)

	store := artifactstore.New(endpoint, cacheDir, authToken)

	sink, closeSink := buildSink(natsURL)
	defer closeSink()

	mux := http.NewServeMux()
	registerRoutes(mux, store, sink)

	server := &http.Server{
		Addr:         httpAddr,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  requestTimeout,
		WriteTimeout: requestTimeout,
	}

	log.Printf("runner-server: HTTP API listening on %s", httpAddr)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("runner-server: %v", err)
	}
}

func registerRoutes(mux *http.ServeMux, store *artifactstore.Store, sink events.Sink) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		jsonOK(w, map[string]string{"status": "ok", "service": "runner"})
	})

	// POST /v1/run — flatten, order, and execute an action reference.
	mux.HandleFunc("/v1/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Action string                 `json:"action"`
			Inputs map[string]interface{} `json:"inputs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if req.Action == "" {
			jsonError(w, `"action" is required`, http.StatusBadRequest)
			return
		}
		if req.Inputs == nil {
			req.Inputs = map[string]interface{}{}
		}

		result, err := orchestrator.Run(r.Context(), req.Action, req.Inputs, store, orchestrator.Options{Sink: sink})

		type response struct {
			Outputs map[string]interface{} `json:"outputs,omitempty"`
			PerNode map[string]interface{} `json:"per_node,omitempty"`
			Error   string                  `json:"error,omitempty"`
		}
		resp := response{}
		if result != nil {
			resp.Outputs = result.Outputs
			resp.PerNode = result.PerNodeOutputs
		}
		if err != nil {
			resp.Error = err.Error()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(resp)
			return
		}

		jsonOK(w, resp)
	})
}

func buildSink(natsURL string) (events.Sink, func()) {
	if natsURL == "" {
		return events.LogSink{}, func() {}
	}
	sink, err := events.NewNATSEventSink(natsURL)
	if err != nil {
		log.Printf("runner-server: connect to NATS at %s: %v. Falling back to log events.", natsURL, err)
		return events.LogSink{}, func() {}
	}
	return sink, sink.Close
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonOK(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("runner-server: invalid %s=%q, using default %s", key, v, def)
		return def
	}
	return d
}
