// Package wsserver implements the accept loop (spec.md section 4.4): it
// owns the listening socket, accepts client connections, and spawns one
// proxychannel.Channel per connection under a cancellation tree rooted at
// the server's own context.
package wsserver

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/balookrd/ws2tcp/internal/proxychannel"
	"github.com/balookrd/ws2tcp/internal/wslog"
	"github.com/balookrd/ws2tcp/internal/wsmetrics"
)

// Config configures the accept loop and is passed through, per-connection,
// to every proxychannel.Channel it spawns.
type Config struct {
	BindAddr         string
	Channel          proxychannel.Config
	AcceptBurstDelay time.Duration // backoff applied after a transient Accept error
}

func (c Config) withDefaults() Config {
	if c.AcceptBurstDelay <= 0 {
		c.AcceptBurstDelay = 50 * time.Millisecond
	}
	return c
}

// Server binds a listening socket and accepts WebSocket clients, handing
// each one to a fresh proxychannel.Channel. It never returns an error for a
// single channel's failure (those are logged by the channel itself); Serve
// only returns once the listener itself is gone, either due to ctx
// cancellation or a fatal Accept error.
type Server struct {
	cfg     Config
	log     *zap.Logger
	metrics *wsmetrics.Metrics

	wg sync.WaitGroup
}

// New returns a Server ready to Serve. cfg.BindAddr and cfg.Channel.BackendAddr
// must already be set by the caller (spec.md section 6, CLI).
func New(cfg Config, log *zap.Logger, metrics *wsmetrics.Metrics) *Server {
	return &Server{cfg: cfg.withDefaults(), log: log, metrics: metrics}
}

// Serve listens on cfg.BindAddr and runs the accept loop until ctx is
// cancelled. On cancellation it stops accepting new connections and waits
// for in-flight channels to drain before returning (spec.md section 5,
// Shutdown).
func (s *Server) Serve(ctx context.Context) error {
	return s.serveWithReadyNotify(ctx, nil)
}

// serveWithReadyNotify is Serve's implementation, with an optional channel
// that receives the bound address once the listener is up. It exists so
// tests can discover an ephemeral port without duplicating the bind logic.
func (s *Server) serveWithReadyNotify(ctx context.Context, ready chan<- string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.BindAddr)
	if err != nil {
		return err
	}
	s.log.Info("listening", zap.String("addr", ln.Addr().String()))
	if ready != nil {
		ready <- ln.Addr().String()
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	defer func() {
		s.log.Info("accept loop stopped, draining channels")
		s.wg.Wait()
		s.log.Info("all channels drained")
	}()

	var consecutiveErrors int
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				// Listener was closed as part of shutdown; not a fatal error.
				return nil
			}
			if isTemporary(err) {
				consecutiveErrors++
				delay := s.cfg.AcceptBurstDelay * time.Duration(consecutiveErrors)
				s.log.Warn("transient accept error, backing off", zap.Error(err), zap.Duration("delay", delay))
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil
				}
				continue
			}
			s.log.Error("fatal accept error", zap.Error(err))
			return err
		}
		consecutiveErrors = 0
		s.spawn(ctx, conn)
	}
}

func (s *Server) spawn(parentCtx context.Context, conn net.Conn) {
	id := uuid.NewString()
	chLog := wslog.ForChannel(s.log, id)
	ch := proxychannel.New(id, conn, s.cfg.Channel, chLog, s.metrics)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ch.Run(parentCtx)
	}()
}

// isTemporary reports whether err is the kind of Accept failure worth
// retrying (e.g. a transient file-descriptor exhaustion) rather than one
// that means the listener itself is broken.
func isTemporary(err error) bool {
	type temporary interface {
		Temporary() bool
	}
	te, ok := err.(temporary)
	return ok && te.Temporary()
}
