// Package proxychannel implements the per-connection proxy channel: the
// duplex state machine that performs the WebSocket handshake, dials the
// backend, and relays bytes between the two sockets (spec.md section 4.3).
package proxychannel

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/balookrd/ws2tcp/internal/handshake"
	"github.com/balookrd/ws2tcp/internal/wsframe"
	"github.com/balookrd/ws2tcp/internal/wsmetrics"
	"github.com/balookrd/ws2tcp/internal/wsproto"
)

// Phase is one of the five channel phases in spec.md section 3.
type Phase int32

const (
	PhaseHandshake Phase = iota
	PhaseConnecting
	PhaseRelaying
	PhaseClosingWS
	PhaseDrained
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshake:
		return "handshake"
	case PhaseConnecting:
		return "connecting"
	case PhaseRelaying:
		return "relaying"
	case PhaseClosingWS:
		return "closing_ws"
	case PhaseDrained:
		return "drained"
	default:
		return "unknown"
	}
}

// Config tunes the channel's buffers and timeouts. Zero values are replaced
// with the defaults recommended by spec.md section 4.3.
type Config struct {
	// BackendAddr is the TCP address dialed once the handshake succeeds.
	BackendAddr string
	// WriteBufCap bounds each direction's pending write-buffer size in
	// bytes (spec.md section 4.3: 1 MiB per direction).
	WriteBufCap int
	// ReadChunkSize is the size of each read(2) call's buffer.
	ReadChunkSize int
	// DialTimeout bounds the backend TCP connect attempt.
	DialTimeout time.Duration
	// CancelGrace is how long a cancelled channel waits for a best-effort
	// flush before the sockets are forced closed (spec.md section 5: ~1s).
	CancelGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.WriteBufCap <= 0 {
		c.WriteBufCap = 1 << 20 // 1 MiB
	}
	if c.ReadChunkSize <= 0 {
		c.ReadChunkSize = 32 * 1024
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = time.Second
	}
	return c
}

// Channel drives one client connection through the handshake, backend
// dial, and relay phases to completion. It exclusively owns its client and
// backend sockets and the four write/read buffers (spec.md section 3,
// Ownership).
type Channel struct {
	ID      string
	cfg     Config
	log     *zap.Logger
	metrics *wsmetrics.Metrics

	client  net.Conn
	backend net.Conn

	phase atomic.Int32

	wsReadEOF      atomic.Bool
	wsWriteClosed  atomic.Bool
	tcpReadEOF     atomic.Bool
	tcpWriteClosed atomic.Bool

	outcome atomic.Value // string, set once by whichever pump terminates first
}

// New creates a channel for an already-accepted client connection. The
// backend connection is absent until the handshake succeeds and Connecting
// completes (spec.md section 3, Lifecycle).
func New(id string, client net.Conn, cfg Config, log *zap.Logger, metrics *wsmetrics.Metrics) *Channel {
	c := &Channel{
		ID:      id,
		cfg:     cfg.withDefaults(),
		log:     log,
		metrics: metrics,
		client:  client,
	}
	c.phase.Store(int32(PhaseHandshake))
	return c
}

func (c *Channel) setPhase(p Phase) {
	c.phase.Store(int32(p))
	c.log.Debug("phase transition", zap.String("phase", p.String()))
}

// Phase returns the channel's current phase.
func (c *Channel) Phase() Phase { return Phase(c.phase.Load()) }

func (c *Channel) setOutcome(kind string) {
	c.outcome.CompareAndSwap(nil, kind)
}

// failChannel classifies cause under kind, records the kind as the
// channel's outcome label, and returns the wrapped error so the caller can
// log both the classified error and (via wsproto.Cause) the original
// unwrapped cause.
func (c *Channel) failChannel(kind wsproto.Kind, cause error) *wsproto.Error {
	werr := wsproto.Wrap(kind, cause)
	c.setOutcome(werr.Kind.String())
	return werr
}

func (c *Channel) outcomeOrDefault(def string) string {
	if v, ok := c.outcome.Load().(string); ok {
		return v
	}
	return def
}

// Run drives the channel through Handshake -> Connecting -> Relaying ->
// Drained. It returns nothing: per-channel failures are logged and recorded
// as the channel's outcome here (spec.md section 7's policy: channel errors
// never propagate to the accept loop).
func (c *Channel) Run(parentCtx context.Context) {
	c.metrics.ChannelStarted()
	defer func() {
		c.setPhase(PhaseDrained)
		_ = c.client.Close()
		if c.backend != nil {
			_ = c.backend.Close()
		}
		c.metrics.ChannelEnded(c.outcomeOrDefault("normal"))
	}()

	req, err := c.runHandshake(parentCtx)
	if err != nil {
		werr := c.failChannel(wsproto.KindHandshake, err)
		c.log.Info("handshake failed", zap.Error(werr), zap.NamedError("cause", wsproto.Cause(werr)))
		return
	}

	c.setPhase(PhaseConnecting)
	if err := c.dialBackend(parentCtx); err != nil {
		werr := c.failChannel(wsproto.KindBackend, err)
		c.log.Warn("backend dial failed", zap.Error(werr), zap.NamedError("cause", wsproto.Cause(werr)))
		c.sendBestEffortClose(wsframe.StatusInternalError, "backend unreachable")
		return
	}

	c.setPhase(PhaseRelaying)
	c.relay(parentCtx, req.Trailing)
}

// runHandshake buffers client bytes until a full HTTP header block is seen,
// validates it, and writes the upgrade response (or an error response).
func (c *Channel) runHandshake(ctx context.Context) (*handshake.Request, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for {
		req, needMore, err := handshake.Parse(buf)
		if err != nil {
			hsErr, _ := err.(*handshake.Error)
			kind := handshake.KindMalformed
			if hsErr != nil {
				kind = hsErr.Kind
			}
			_, _ = c.client.Write(handshake.BuildErrorResponse(kind))
			return nil, err
		}
		if req != nil {
			resp := handshake.BuildSuccessResponse(req.Key)
			if _, err := c.client.Write(resp); err != nil {
				return nil, err
			}
			return req, nil
		}
		_ = needMore

		if dl, ok := ctx.Deadline(); ok {
			_ = c.client.SetReadDeadline(dl)
		}
		n, err := c.client.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *Channel) dialBackend(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.BackendAddr)
	if err != nil {
		return err
	}
	c.backend = conn
	return nil
}

// sendBestEffortClose writes a single close frame directly to the client
// with a short deadline; used when the relay loops haven't started yet
// (e.g. backend dial failure) so there is no outbox to enqueue onto.
func (c *Channel) sendBestEffortClose(status uint16, reason string) {
	_ = c.client.SetWriteDeadline(time.Now().Add(c.cfg.CancelGrace))
	_, _ = c.client.Write(wsframe.EncodeClose(status, reason))
}

// relay runs the Relaying phase: two read pumps and two write-drain loops,
// coordinated by an errgroup derived from parentCtx so that a cancellation
// of the accept loop's parent signal reaches every suspension point
// (spec.md section 5). leading holds any WebSocket bytes that arrived
// appended to the handshake request on the same read.
func (c *Channel) relay(parentCtx context.Context, leading []byte) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	wsOut := newWSOutbox(c.cfg.WriteBufCap)
	tcpOut := newOutbox(c.cfg.WriteBufCap)

	// Best-effort flush under cancellation: give in-flight writes a short
	// grace period before the deadlines below force every blocked syscall
	// to return (spec.md section 5, Cancellation).
	go func() {
		<-ctx.Done()
		deadline := time.Now().Add(c.cfg.CancelGrace)
		_ = c.client.SetDeadline(deadline)
		if c.backend != nil {
			_ = c.backend.SetDeadline(deadline)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.wsToTCPPump(gctx, cancel, leading, wsOut, tcpOut)
		return nil
	})
	g.Go(func() error {
		c.tcpToWSPump(gctx, cancel, wsOut)
		return nil
	})
	g.Go(func() error {
		c.wsWriterLoop(gctx, wsOut)
		return nil
	})
	g.Go(func() error {
		c.tcpWriterLoop(gctx, tcpOut)
		return nil
	})

	_ = g.Wait()

	if parentCtx.Err() != nil {
		werr := c.failChannel(wsproto.KindCancelled, parentCtx.Err())
		c.log.Debug("relay cancelled", zap.Error(werr))
	}
	c.log.Debug("relay complete", zap.Bool("all_half_closed", c.allHalfClosed()))
}

func (c *Channel) allHalfClosed() bool {
	return c.wsReadEOF.Load() && c.wsWriteClosed.Load() && c.tcpReadEOF.Load() && c.tcpWriteClosed.Load()
}
