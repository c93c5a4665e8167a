package proxychannel

import (
	"context"
	"errors"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/balookrd/ws2tcp/internal/wsframe"
	"github.com/balookrd/ws2tcp/internal/wsproto"
)

// closeWriter is implemented by *net.TCPConn (and similar stream sockets);
// asserting it lets a pump half-close one direction without tearing down
// the whole connection (spec.md section 3, Half-close).
type closeWriter interface {
	CloseWrite() error
}

func halfCloseWrite(conn net.Conn) {
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

// wsToTCPPump implements spec.md section 4.3's WS->TCP pump: it fills a
// read buffer from the client socket, decodes as many frames as possible,
// and forwards data-frame payload bytes into the TCP-write outbox.
func (c *Channel) wsToTCPPump(ctx context.Context, cancel context.CancelFunc, leading []byte, wsOut *wsOutbox, tcpOut *outbox) {
	buf := append([]byte(nil), leading...)
	chunk := make([]byte, c.cfg.ReadChunkSize)
	haveFragment := false

	finish := func() {
		c.wsReadEOF.Store(true)
		tcpOut.closeForWrites()
	}

	for {
		consumed := 0
		for {
			res := wsframe.Decode(buf[consumed:], wsframe.MaskRequired)
			if res.Err != nil {
				werr := c.failChannel(wsproto.KindProtocol, res.Err)
				c.log.Info("protocol error from client", zap.Error(werr), zap.NamedError("cause", wsproto.Cause(werr)))
				wsOut.pushClose(wsframe.EncodeClose(wsframe.StatusProtocolError, res.Err.Error()))
				finish()
				return
			}
			if res.Frame == nil {
				break
			}
			consumed += res.Frame.Size
			c.metrics.Frame(opcodeName(res.Frame.Opcode))

			switch res.Frame.Opcode {
			case wsframe.OpText, wsframe.OpBinary:
				if haveFragment {
					werr := c.failChannel(wsproto.KindProtocol, errors.New("new data frame while fragment pending"))
					c.log.Info("protocol error from client", zap.Error(werr))
					wsOut.pushClose(wsframe.EncodeClose(wsframe.StatusProtocolError, "new data frame while fragment pending"))
					finish()
					return
				}
				if !res.Frame.Fin {
					haveFragment = true
				}
				if err := c.forwardToBackend(ctx, tcpOut, res.Frame.Payload); err != nil {
					return
				}
				c.metrics.Bytes("ws_to_tcp", len(res.Frame.Payload))
			case wsframe.OpContinuation:
				if !haveFragment {
					werr := c.failChannel(wsproto.KindProtocol, errors.New("continuation without pending fragment"))
					c.log.Info("protocol error from client", zap.Error(werr))
					wsOut.pushClose(wsframe.EncodeClose(wsframe.StatusProtocolError, "continuation without pending fragment"))
					finish()
					return
				}
				if res.Frame.Fin {
					haveFragment = false
				}
				if err := c.forwardToBackend(ctx, tcpOut, res.Frame.Payload); err != nil {
					return
				}
				c.metrics.Bytes("ws_to_tcp", len(res.Frame.Payload))
			case wsframe.OpPing:
				wsOut.pushPong(wsframe.Encode(wsframe.OpPong, res.Frame.Payload))
			case wsframe.OpPong:
				// ignored
			case wsframe.OpClose:
				code, _ := wsframe.ParseClosePayload(res.Frame.Payload)
				if code == 0 {
					code = wsframe.StatusNormalClosure
				}
				if !wsOut.closed() {
					wsOut.pushClose(wsframe.EncodeClose(code, ""))
				}
				finish()
				return
			}
		}
		buf = buf[consumed:]

		if ctx.Err() != nil {
			return
		}
		if dl, ok := ctx.Deadline(); ok {
			_ = c.client.SetReadDeadline(dl)
		}
		n, err := c.client.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !wsOut.closed() {
					wsOut.pushClose(wsframe.EncodeClose(wsframe.StatusNormalClosure, ""))
				}
				finish()
				return
			}
			if ctx.Err() != nil {
				finish()
				return
			}
			werr := c.failChannel(wsproto.KindClientIO, err)
			c.log.Warn("client read error", zap.Error(werr), zap.NamedError("cause", wsproto.Cause(werr)))
			finish()
			cancel()
			return
		}
	}
}

func (c *Channel) forwardToBackend(ctx context.Context, tcpOut *outbox, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	cp := append([]byte(nil), payload...)
	if err := tcpOut.push(ctx, cp); err != nil {
		return err
	}
	return nil
}

// tcpToWSPump implements spec.md section 4.3's TCP->WS pump: it reads from
// the backend and wraps whatever arrived as a single binary frame.
func (c *Channel) tcpToWSPump(ctx context.Context, cancel context.CancelFunc, wsOut *wsOutbox) {
	chunk := make([]byte, c.cfg.ReadChunkSize)
	for {
		if ctx.Err() != nil {
			c.tcpReadEOF.Store(true)
			return
		}
		if dl, ok := ctx.Deadline(); ok {
			_ = c.backend.SetReadDeadline(dl)
		}
		n, err := c.backend.Read(chunk)
		if n > 0 {
			frame := wsframe.Encode(wsframe.OpBinary, chunk[:n])
			if pushErr := wsOut.pushData(ctx, frame); pushErr == nil {
				c.metrics.Bytes("tcp_to_ws", n)
			}
		}
		if err != nil {
			c.tcpReadEOF.Store(true)
			if errors.Is(err, io.EOF) {
				if !wsOut.closed() {
					wsOut.pushClose(wsframe.EncodeClose(wsframe.StatusNormalClosure, ""))
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			werr := c.failChannel(wsproto.KindBackend, err)
			c.log.Warn("backend read error", zap.Error(werr), zap.NamedError("cause", wsproto.Cause(werr)))
			if !wsOut.closed() {
				wsOut.pushClose(wsframe.EncodeClose(wsframe.StatusInternalError, "backend failure"))
			}
			cancel()
			return
		}
	}
}

// wsWriterLoop drains wsOut to the client socket. Once the queued Close
// frame has been written (the next pop returns ok=false), it half-closes the
// client's write side, per spec.md section 4.3's shutdown sequencing step 1.
func (c *Channel) wsWriterLoop(ctx context.Context, wsOut *wsOutbox) {
	for {
		frame, ok := wsOut.pop(ctx)
		if !ok {
			halfCloseWrite(c.client)
			c.wsWriteClosed.Store(true)
			return
		}
		if dl, hasDL := ctx.Deadline(); hasDL {
			_ = c.client.SetWriteDeadline(dl)
		}
		if _, err := c.client.Write(frame); err != nil {
			c.wsWriteClosed.Store(true)
			return
		}
	}
}

// tcpWriterLoop drains tcpOut to the backend socket. Once drained and
// closed for writes, it half-closes the backend's write side, per
// spec.md section 4.3's shutdown sequencing step 2.
func (c *Channel) tcpWriterLoop(ctx context.Context, tcpOut *outbox) {
	for {
		chunk, ok := tcpOut.pop(ctx)
		if !ok {
			if c.backend != nil {
				halfCloseWrite(c.backend)
			}
			c.tcpWriteClosed.Store(true)
			return
		}
		if c.backend == nil {
			continue
		}
		if dl, hasDL := ctx.Deadline(); hasDL {
			_ = c.backend.SetWriteDeadline(dl)
		}
		if _, err := c.backend.Write(chunk); err != nil {
			c.tcpWriteClosed.Store(true)
			return
		}
	}
}

func opcodeName(op wsframe.Opcode) string {
	switch op {
	case wsframe.OpContinuation:
		return "continuation"
	case wsframe.OpText:
		return "text"
	case wsframe.OpBinary:
		return "binary"
	case wsframe.OpClose:
		return "close"
	case wsframe.OpPing:
		return "ping"
	case wsframe.OpPong:
		return "pong"
	default:
		return "unknown"
	}
}
