package typecheck

import "fmt"

// TypeMismatch is raised when a resolved value's runtime shape disagrees
// with its declared TypeDescriptor (§7 Error taxonomy: TypeMismatch).
type TypeMismatch struct {
	At       string
	Expected string
	Actual   string
}

func (e *TypeMismatch) Error() string {
	return fmt.Sprintf("typecheck: %s: expected %s, got %s", e.At, e.Expected, e.Actual)
}
