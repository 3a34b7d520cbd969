package lifecycle

import "context"

// Component is a long running part of the process started and stopped by
// the Manager.
type Component interface {
	// Start brings the component up. The context bounds startup only; it is
	// not a lifetime context.
	Start(ctx context.Context) error

	// Stop shuts the component down within the context deadline. A failed
	// Stop does not keep other components from stopping.
	Stop(ctx context.Context) error

	// Name identifies the component in logs and errors. Must be non-empty.
	Name() string
}
