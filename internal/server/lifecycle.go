// Package server runs the chat server's long-lived components and tears them
// down in reverse order on a signal, a cancelled context, or a component failure.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service is a component with a blocking Start and an idempotent Stop.
type Service interface {
	// Start runs the component until Stop is called. Returning nil means
	// a clean exit; an error aborts the whole process.
	Start() error
	Stop()
}

// FuncService adapts a start/stop pair into a Service.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls StartFn.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls StopFn.
func (f *FuncService) Stop() { f.StopFn() }

// ErrStopTimeout is logged and returned from Run when a service Stop did not
// return within the shutdown budget.
var ErrStopTimeout = errors.New("service stop timed out")

// Lifecycle starts services concurrently and stops them in reverse order of
// registration.
type Lifecycle struct {
	logger  *zap.Logger
	timeout time.Duration
	signals []os.Signal

	mu       sync.Mutex
	services []namedService
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates a Lifecycle whose shutdown is bounded by timeout.
// A non-positive timeout waits for every Stop indefinitely.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger, timeout time.Duration) *Lifecycle {
	return &Lifecycle{
		logger:  logger,
		timeout: timeout,
		signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Add registers svc under name. Registration after Run has started is ignored
// by that run.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// Run starts every service and blocks until SIGINT/SIGTERM, ctx is done, or a
// service fails.
//
// Postcondition: every Stop has been called (or has exceeded the shutdown
// budget). The first service error is returned, joined with ErrStopTimeout
// when shutdown overran.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()
	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	l.mu.Unlock()

	errCh := make(chan error, len(services))
	for _, ns := range services {
		go func() {
			l.logger.Info("starting service", zap.String("service", ns.name))
			svcStart := time.Now()
			err := ns.service.Start()
			if err == nil {
				l.logger.Info("service exited", zap.String("service", ns.name))
				return
			}
			l.logger.Error("service failed",
				zap.String("service", ns.name),
				zap.Error(err),
				zap.Duration("uptime", time.Since(svcStart)),
			)
			errCh <- fmt.Errorf("service %s: %w", ns.name, err)
		}()
	}
	l.logger.Info("all services started", zap.Int("count", len(services)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, l.signals...)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case runErr = <-errCh:
		l.logger.Error("service error, shutting down", zap.Error(runErr))
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
	}

	if err := l.shutdown(services); err != nil {
		runErr = errors.Join(runErr, err)
	}
	l.logger.Info("shutdown complete", zap.Duration("total_uptime", time.Since(start)))
	return runErr
}

// shutdown stops services in reverse order under one shared deadline. A Stop
// that overruns is abandoned and the remaining services are still stopped.
func (l *Lifecycle) shutdown(services []namedService) error {
	shutdownStart := time.Now()
	var deadline <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var timedOut []string
	expired := false
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		done := make(chan struct{})
		go func() {
			defer close(done)
			ns.service.Stop()
		}()
		if expired {
			// Budget already spent: fire Stop without waiting.
			timedOut = append(timedOut, ns.name)
			continue
		}
		select {
		case <-done:
			l.logger.Info("service stopped",
				zap.String("service", ns.name),
				zap.Duration("elapsed", time.Since(svcStart)),
			)
		case <-deadline:
			expired = true
			timedOut = append(timedOut, ns.name)
			l.logger.Warn("service stop timed out", zap.String("service", ns.name))
		}
	}
	l.logger.Info("all services stopped",
		zap.Duration("shutdown_elapsed", time.Since(shutdownStart)),
		zap.Strings("timed_out", timedOut),
	)
	if len(timedOut) > 0 {
		return fmt.Errorf("%w: %v", ErrStopTimeout, timedOut)
	}
	return nil
}
