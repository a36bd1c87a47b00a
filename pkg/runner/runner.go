// Package runner manages the lifecycle of the process's long-running
// services: ordered startup, reverse-order graceful shutdown, signal
// handling and error aggregation.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Runner starts services in registration order and stops them in reverse
// order when the context is cancelled or a shutdown signal arrives.
type Runner struct {
	services        []Service
	logger          Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
	handleSignals   bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(logger Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithShutdownTimeout bounds graceful shutdown. Default 30s.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) { r.shutdownTimeout = timeout }
}

// WithStartupTimeout bounds each service's Start. Default 1m.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) { r.startupTimeout = timeout }
}

// WithoutSignalHandling disables SIGINT/SIGTERM handling; shutdown then
// only happens through context cancellation. Used in tests.
func WithoutSignalHandling() Option {
	return func(r *Runner) { r.handleSignals = false }
}

// New creates a Runner over the given services.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          NewNoopLogger(),
		shutdownTimeout: 30 * time.Second,
		startupTimeout:  time.Minute,
		handleSignals:   true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts all services and blocks until the context is cancelled or a
// shutdown signal arrives, then stops them gracefully.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if r.handleSignals {
		go func() {
			WaitForShutdownSignal()
			r.logger.Info("shutdown signal received")
			cancel()
		}()
	}

	r.logger.Info("starting services", "count", len(r.services))
	var started []Service
	for _, service := range r.services {
		startCtx, startCancel := context.WithTimeout(ctx, r.startupTimeout)
		err := service.Start(startCtx)
		startCancel()
		if err != nil {
			r.logger.Error("failed to start service", "service", service.Name(), "error", err)
			r.stopServices(started)
			return fmt.Errorf("start service %s: %w", service.Name(), err)
		}
		started = append(started, service)
		r.logger.Info("service started", "service", service.Name())
	}

	<-ctx.Done()

	r.logger.Info("shutting down services", "timeout", r.shutdownTimeout)
	return r.stopServices(started)
}

// HealthCheck checks every service implementing HealthChecker.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, service := range r.services {
		if hc, ok := service.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				return fmt.Errorf("service %s unhealthy: %w", service.Name(), err)
			}
		}
	}
	return nil
}

func (r *Runner) stopServices(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(services))
	for i := len(services) - 1; i >= 0; i-- {
		service := services[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := service.Stop(shutdownCtx); err != nil {
				r.logger.Error("error stopping service", "service", service.Name(), "error", err)
				errCh <- fmt.Errorf("stop %s: %w", service.Name(), err)
				return
			}
			r.logger.Info("service stopped", "service", service.Name())
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errCh)
		var errs []error
		for err := range errCh {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return fmt.Errorf("shutdown errors: %v", errs)
		}
		return nil
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timeout exceeded after %s", r.shutdownTimeout)
	}
}
