// Package artifactstore implements the Artifact Store (§4.1): given an
// action reference "namespace/name:version", it resolves the action's lock
// file and, for atomic actions, a local path (wasm) or validated image
// reference (container) for its binary.
//
// This generalizes flowjs-works/engine/internal/activities/http.go's
// one-shot http.Client request into a content-addressed, cached, retried
// fetch — the same net/http request/response shape, now backed by a
// digest-verified on-disk cache with flock-serialised writes
// (github.com/gofrs/flock) and exponential-backoff retry
// (github.com/cenkalti/backoff/v4), matching the libraries the retrieval
// pack's manifest-fetching examples use for this exact concern.
package artifactstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"

	"github.com/starthubhq/cli/internal/manifest"
)

// Store fetches and caches action manifests and their binaries.
type Store struct {
	endpoint   string
	cacheDir   string
	authToken  string
	httpClient *http.Client
	maxRetries uint64
}

// Option configures a Store.
type Option func(*Store)

// WithHTTPClient overrides the default http.Client (e.g. for tests).
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.httpClient = c }
}

// WithMaxRetries overrides the default retry attempt count for transient
// network errors (§7 Propagation policy: default 3).
func WithMaxRetries(n uint64) Option {
	return func(s *Store) { s.maxRetries = n }
}

// New builds a Store rooted at cacheDir, fetching from endpoint. Both are
// typically sourced from CACHE_DIR / ARTIFACT_ENDPOINT (§6.4).
func New(endpoint, cacheDir, authToken string, opts ...Option) *Store {
	s := &Store{
		endpoint:   strings.TrimRight(endpoint, "/"),
		cacheDir:   cacheDir,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type actionRef struct {
	namespace, name, version string
}

func parseRef(ref string) (actionRef, error) {
	nsAndName, version, ok := strings.Cut(ref, ":")
	if !ok {
		return actionRef{}, fmt.Errorf("artifactstore: malformed reference %q (want ns/name:version)", ref)
	}
	ns, name, ok := strings.Cut(nsAndName, "/")
	if !ok {
		return actionRef{}, fmt.Errorf("artifactstore: malformed reference %q (want ns/name:version)", ref)
	}
	return actionRef{namespace: ns, name: name, version: version}, nil
}

func (s *Store) entryDir(r actionRef) string {
	return filepath.Join(s.cacheDir, r.namespace, r.name, r.version)
}

// FetchManifest implements flatten.ManifestFetcher: it GETs and parses the
// lock file for ref, serving from cache when already present.
func (s *Store) FetchManifest(ctx context.Context, ref string) (*manifest.Action, error) {
	r, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	dir := s.entryDir(r)
	lockPath := filepath.Join(dir, "starthub-lock.json")

	if data, err := os.ReadFile(lockPath); err == nil {
		a, decErr := manifest.Load(lockPath, data)
		if decErr != nil {
			return nil, &DecodeError{Ref: ref, Err: decErr}
		}
		return a, nil
	}

	url := fmt.Sprintf("%s/artifacts/%s/%s/%s/starthub-lock.json", s.endpoint, r.namespace, r.name, r.version)
	data, err := s.getWithRetry(ctx, ref, url)
	if err != nil {
		return nil, err
	}

	a, err := manifest.Load(lockPath, data)
	if err != nil {
		return nil, &DecodeError{Ref: ref, Err: err}
	}

	if err := s.writeAtomic(dir, "starthub-lock.json", data); err != nil {
		return nil, err
	}
	return a, nil
}

// FetchBinary resolves an atomic action's distribution artifact: for wasm,
// a downloaded-and-cached local path under the action's digest; for
// container, the image reference unchanged (the container daemon performs
// the pull).
func (s *Store) FetchBinary(ctx context.Context, ref string, a *manifest.Action) (string, error) {
	if a.Kind == manifest.KindContainer {
		return a.Distribution.Primary, nil
	}

	r, err := parseRef(ref)
	if err != nil {
		return "", err
	}
	dir := s.entryDir(r)
	filename := filepath.Base(a.Distribution.Primary)
	binPath := filepath.Join(dir, filename)

	if data, err := os.ReadFile(binPath); err == nil {
		if digestOf(data) == a.Digest {
			return binPath, nil
		}
		// stale/corrupt cache entry: fall through and re-download
	}

	data, err := s.getWithRetry(ctx, ref, a.Distribution.Primary)
	if err != nil {
		return "", err
	}

	got := digestOf(data)
	if a.Digest != "" && got != a.Digest {
		return "", &DigestMismatch{Ref: ref, Want: a.Digest, Got: got}
	}

	if err := s.writeAtomic(dir, filename, data); err != nil {
		return "", err
	}
	return binPath, nil
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// getWithRetry performs a GET with exponential-backoff retry on transport
// failures and 5xx responses, bounded by s.maxRetries (§7 Propagation policy).
func (s *Store) getWithRetry(ctx context.Context, ref, url string) ([]byte, error) {
	var body []byte

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if s.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+s.authToken)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return &NetworkError{Ref: ref, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(&ManifestNotFound{Ref: ref})
		}
		if resp.StatusCode >= 500 {
			return &NetworkError{Ref: ref, Err: fmt.Errorf("server error: %d", resp.StatusCode)}
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("artifactstore: %q: request failed with status %d", ref, resp.StatusCode))
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &NetworkError{Ref: ref, Err: err}
		}
		body = data
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries)
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

// writeAtomic serialises concurrent writers for the same cache entry with
// an advisory file lock, then writes via a ".part" sibling and rename so
// interrupted downloads never leave a partial file visible to readers
// (§4.1 Guarantees).
func (s *Store) writeAtomic(dir, filename string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifactstore: create cache dir %q: %w", dir, err)
	}

	lock := flock.New(filepath.Join(dir, ".lock"))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("artifactstore: acquire cache lock in %q: %w", dir, err)
	}
	defer lock.Unlock()

	target := filepath.Join(dir, filename)
	part := target + ".part"
	if err := os.WriteFile(part, data, 0o644); err != nil {
		return fmt.Errorf("artifactstore: write %q: %w", part, err)
	}
	if err := os.Rename(part, target); err != nil {
		return fmt.Errorf("artifactstore: rename %q to %q: %w", part, target, err)
	}
	return nil
}
