// Package gateway defines the interface for codebox's network entry points.
package gateway

import "context"

// Gateway accepts job submissions from clients and hands them to the runner.
type Gateway interface {
	// Start serves until the gateway fails or the context is canceled.
	Start(ctx context.Context) error

	// Stop shuts down gracefully within the context's deadline. Jobs already
	// submitted keep running until their own deadline.
	Stop(ctx context.Context) error
}
