package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/vyrodovalexey/svcgw/internal/observability"
)

// Server defaults. There is no read or write timeout: per-service
// timeouts bound proxied calls and streamed responses may be long.
const (
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultIdleTimeout       = 2 * time.Minute
	DefaultMaxHeaderBytes    = 1 << 20
)

// Listener serves one handler on one TCP address. A stopped Listener can
// be started again.
type Listener struct {
	name    string
	address string
	handler http.Handler
	logger  observability.Logger

	readHeaderTimeout time.Duration
	idleTimeout       time.Duration

	mu     sync.Mutex
	server *http.Server
	bound  net.Addr
	done   chan struct{} // closed when Serve returns
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the logger.
func WithListenerLogger(logger observability.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithServerTimeouts overrides the header read and keep-alive idle
// timeouts. Zero keeps the default.
func WithServerTimeouts(readHeader, idle time.Duration) ListenerOption {
	return func(l *Listener) {
		if readHeader > 0 {
			l.readHeaderTimeout = readHeader
		}
		if idle > 0 {
			l.idleTimeout = idle
		}
	}
}

// NewListener creates a listener for address. Port 0 picks a free port;
// Addr reports it once started.
func NewListener(name, address string, handler http.Handler, opts ...ListenerOption) *Listener {
	l := &Listener{
		name:              name,
		address:           address,
		handler:           handler,
		logger:            observability.NopLogger(),
		readHeaderTimeout: DefaultReadHeaderTimeout,
		idleTimeout:       DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(observability.String("listener", name))
	return l
}

// Name returns the listener name.
func (l *Listener) Name() string { return l.name }

// Addr returns the bound address while running and the configured one
// otherwise.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bound != nil {
		return l.bound.String()
	}
	return l.address
}

// IsRunning reports whether the listener is serving.
func (l *Listener) IsRunning() bool {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Start binds the address and serves in the background.
func (l *Listener) Start(ctx context.Context) error {
	if l.IsRunning() {
		return fmt.Errorf("listener %s is already running", l.name)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.address, err)
	}

	server := &http.Server{
		Handler:           l.handler,
		ReadHeaderTimeout: l.readHeaderTimeout,
		IdleTimeout:       l.idleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
	done := make(chan struct{})

	l.mu.Lock()
	l.server = server
	l.bound = ln.Addr()
	l.done = done
	l.mu.Unlock()

	go func() {
		defer close(done)
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("listener failed", observability.Error(err))
		}
	}()

	l.logger.Info("listener started", observability.String("address", ln.Addr().String()))
	return nil
}

// Stop drains in-flight requests until ctx expires and then closes the
// connections that are left.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	server, done := l.server, l.done
	l.mu.Unlock()
	if server == nil {
		return nil
	}

	err := server.Shutdown(ctx)
	if err != nil {
		if closeErr := server.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		err = fmt.Errorf("listener %s did not drain: %w", l.name, err)
	}
	<-done

	l.mu.Lock()
	l.server, l.bound = nil, nil
	l.mu.Unlock()

	l.logger.Info("listener stopped")
	return err
}
