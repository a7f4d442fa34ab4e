package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var ErrAlreadyStarted = errors.New("runner already started")

// LifecycleRunner drives a Drainer through start, run and drain. Run
// blocks until the context is canceled or Stop is called, then drains
// with a timeout so a wedged session cannot hang shutdown forever.
type LifecycleRunner struct {
	drainer Drainer
	hooks   Hooks
	logger  *slog.Logger
	timeout time.Duration

	state    atomic.Int32
	cancel   context.CancelFunc
	onceStop sync.Once
	stopErr  error
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := &LifecycleRunner{
		drainer: drainer,
		hooks:   hooks,
		logger:  slog.Default(),
		timeout: timeout,
	}
	r.state.Store(int32(StateNew))
	return r
}

func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return ErrAlreadyStarted
	}
	PrintBanner()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, r.cancel = context.WithCancel(ctx)
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.state.Store(int32(StateRunning))
	<-ctx.Done()
	return r.stop()
}

func (r *LifecycleRunner) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.state.Store(int32(StateDraining))
		if r.drainer != nil {
			done := make(chan struct{})
			go func() {
				defer close(done)
				if err := r.drainer.Drain(); err != nil {
					r.logger.Warn("drain_error", "error", err)
				}
			}()
			select {
			case <-done:
			case <-time.After(r.timeout):
				r.logger.Error("drain_timeout", "timeout", r.timeout.String())
				r.stopErr = errors.New("drain timeout")
			}
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.state.Store(int32(StateStopped))
	})
	return r.stopErr
}
