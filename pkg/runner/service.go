package runner

import "context"

// Service is a long-running component managed by the Runner, such as a
// projection worker or the append notifier.
type Service interface {
	// Name identifies the service in logs.
	Name() string

	// Start begins the service's work. It must return once the service
	// is running; long-running work happens in background goroutines.
	Start(ctx context.Context) error

	// Stop shuts the service down gracefully within the context's
	// deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is optionally implemented by services that can report
// their own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
