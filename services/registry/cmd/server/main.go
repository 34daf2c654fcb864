// Package main is the artifact registry's HTTP server (§6.2 Artifact
// endpoint), the same ServeMux + CORS + /health shape as the root runner's
// cmd/server, grounded on flowjs-works/engine/cmd/server/main.go.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/starthubhq/registry/internal/blobstore"
	"github.com/starthubhq/registry/internal/registrystore"
)

func main() {
	httpAddr := envOrDefault("HTTP_ADDR", ":9191")
	dsn := os.Getenv("DATABASE_URL")
	bucket := envOrDefault("S3_BUCKET", "starthub-artifacts")
	region := envOrDefault("AWS_REGION", "us-east-1")
	requestTimeout := parseDurationEnv("REQUEST_TIMEOUT", 60*time.Second)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("registry: open database: %v", err)
	}
	defer db.Close()

	blobs, err := blobstore.New(context.Background(), bucket, region)
	if err != nil {
		log.Fatalf("registry: init blob store: %v", err)
	}

	store := registrystore.New(db)

	mux := http.NewServeMux()
	registerRoutes(mux, store, blobs)

	server := &http.Server{
		Addr:         httpAddr,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  requestTimeout,
		WriteTimeout: requestTimeout,
	}

	log.Printf("registry: HTTP API listening on %s", httpAddr)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("registry: %v", err)
	}
}

// registerRoutes implements the two artifact endpoints (§6.2):
//
//	GET /artifacts/{ns}/{name}/{version}/starthub-lock.json
//	GET /artifacts/{ns}/{name}/{version}/{filename}
func registerRoutes(mux *http.ServeMux, store *registrystore.Store, blobs *blobstore.Store) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		jsonOK(w, map[string]string{"status": "ok", "service": "registry"})
	})

	mux.HandleFunc("/artifacts/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ns, name, version, filename, err := parseArtifactPath(r.URL.Path)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if filename == "starthub-lock.json" {
			rec, err := store.Get(r.Context(), ns, name, version)
			if err != nil {
				jsonError(w, err.Error(), http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write(rec.LockFile)
			return
		}

		data, err := blobs.Get(r.Context(), ns, name, version, filename)
		if err != nil {
			jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)
	})

	mux.HandleFunc("/publish", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Namespace string          `json:"namespace"`
			Name      string          `json:"name"`
			Version   string          `json:"version"`
			Digest    string          `json:"digest"`
			LockFile  json.RawMessage `json:"lock_file"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		rec, err := store.Upsert(r.Context(), req.Namespace, req.Name, req.Version, req.Digest, req.LockFile)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		jsonOK(w, rec)
	})
}

// parseArtifactPath splits "/artifacts/{ns}/{name}/{version}/{filename}".
func parseArtifactPath(p string) (ns, name, version, filename string, err error) {
	trimmed := strings.TrimPrefix(p, "/artifacts/")
	parts := strings.SplitN(trimmed, "/", 4)
	if len(parts) != 4 || parts[0] == "" || parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return "", "", "", "", fmt.Errorf("registry: malformed artifact path %q, expected /artifacts/{ns}/{name}/{version}/{file}", p)
	}
	return parts[0], parts[1], parts[2], path.Base(parts[3]), nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
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
		log.Printf("registry: invalid %s=%q, using default %s", key, v, def)
		return def
	}
	return d
}
