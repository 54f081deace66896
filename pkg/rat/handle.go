package rat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Sink receives the signals of a running driver. The receiver must check,
// under its own lock, that h is still the handle it expects and has not been
// stopped, since a signal may race with Stop.
type Sink func(h *Handle, sig Signal, data []byte)

// Handle owns the goroutine of one running driver.
type Handle struct {
	role   Role
	scheme string
	driver Driver
	sink   Sink
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	stopped  bool
	finished bool
}

// Start creates the driver for p.Role and p.Scheme from the registry and runs
// it on a new goroutine. p.Emit is replaced by the handle.
func Start(ctx context.Context, reg *Registry, p Params, sink Sink) (*Handle, error) {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}

	h := &Handle{
		role:   p.Role,
		scheme: p.Scheme,
		sink:   sink,
		logger: p.Logger,
		done:   make(chan struct{}),
	}
	p.Emit = h.emit

	d, err := reg.New(p)
	if err != nil {
		return nil, err
	}
	h.driver = d

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	go h.run(runCtx)
	return h, nil
}

// Role returns the role of the driver.
func (h *Handle) Role() Role { return h.role }

// Scheme returns the scheme of the driver.
func (h *Handle) Scheme() string { return h.scheme }

// Delegate forwards a peer message to the driver.
func (h *Handle) Delegate(msg []byte) error {
	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	return h.driver.Delegate(msg)
}

// Stop cancels the driver. It marks the handle stopped before cancelling so
// the driver cannot deliver any further signal. Stop does not wait for the
// driver goroutine to exit.
func (h *Handle) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	h.cancel()
}

// Stopped reports whether Stop has been called.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Done is closed when the driver goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the driver goroutine exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)
	defer h.cancel()

	func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("attestation driver panicked",
					"scheme", h.scheme,
					"role", h.role.String(),
					"panic", r)
			}
		}()
		h.driver.Run(ctx)
	}()

	// A driver returning without a verdict failed, unless it was stopped.
	h.mu.Lock()
	report := !h.stopped && !h.finished
	h.finished = true
	h.mu.Unlock()

	if report {
		h.sink(h, FailedSignal(h.role), []byte(fmt.Sprintf("%s %q exited without result", h.role, h.scheme)))
	}
}

func (h *Handle) emit(sig Signal, data []byte) {
	if sig.Role() != h.role {
		h.logger.Warn("attestation driver emitted foreign signal",
			"scheme", h.scheme,
			"role", h.role.String(),
			"signal", sig.String())
		return
	}

	h.mu.Lock()
	if h.stopped || h.finished {
		h.mu.Unlock()
		h.logger.Debug("dropping signal of retired driver",
			"scheme", h.scheme,
			"signal", sig.String())
		return
	}
	if sig.Terminal() {
		h.finished = true
	}
	h.mu.Unlock()

	h.sink(h, sig, data)
}
