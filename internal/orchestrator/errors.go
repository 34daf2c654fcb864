package orchestrator

import "fmt"

// SandboxStartFailed wraps a failure to even launch a step's sandbox (wazero
// instantiation, docker daemon dial) — distinct from the sandbox running to
// completion with a non-zero exit (§7 Error taxonomy).
type SandboxStartFailed struct {
	NodeID string
	Path   string
	Err    error
}

func (e *SandboxStartFailed) Error() string {
	return fmt.Sprintf("orchestrator: node %s (%s): sandbox failed to start: %v", e.NodeID, e.Path, e.Err)
}

func (e *SandboxStartFailed) Unwrap() error { return e.Err }

// Cancelled is returned when ctx is done before a run completes; partial
// results up to that point are returned in the Result that accompanies
// this error (§7 Cancellation).
type Cancelled struct {
	NodeID string
	Path   string
}

func (e *Cancelled) Error() string {
	return fmt.Sprintf("orchestrator: cancelled while executing node %s (%s)", e.NodeID, e.Path)
}

// AuthError reports a registry fetch rejected for credentials rather than
// for the reference being unknown (§7 Error taxonomy: distinct from
// artifactstore.ManifestNotFound).
type AuthError struct {
	Ref    string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("orchestrator: %q: authentication failed (status %d)", e.Ref, e.Status)
}

// UnknownKind is raised when a resolved node declares a Kind this
// orchestrator has no sandbox dispatch for.
type UnknownKind struct {
	NodeID string
	Path   string
	Kind   string
}

func (e *UnknownKind) Error() string {
	return fmt.Sprintf("orchestrator: node %s (%s): unknown kind %q", e.NodeID, e.Path, e.Kind)
}
