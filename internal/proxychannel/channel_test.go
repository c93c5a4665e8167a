package proxychannel

import (
	"context"
	"encoding/binary"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/balookrd/ws2tcp/internal/wsframe"
	"github.com/balookrd/ws2tcp/internal/wsmetrics"
)

const testHandshakeKey = "dGhlIHNhbXBsZSBub25jZQ=="

func testHandshakeRequest() []byte {
	return []byte("GET / HTTP/1.1\r\n" +
		"Host: example.test\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Sec-WebSocket-Key: " + testHandshakeKey + "\r\n" +
		"\r\n")
}

// maskedFrame builds a client->server frame the way a real browser would:
// masked, minimal-length encoding, with the given fin bit.
func maskedFrame(op wsframe.Opcode, fin bool, payload []byte) []byte {
	var b0 byte = byte(op)
	if fin {
		b0 |= 0x80
	}
	n := len(payload)
	var header []byte
	switch {
	case n < 126:
		header = []byte{b0, 0x80 | byte(n)}
	case n <= 65535:
		header = make([]byte, 4)
		header[0] = b0
		header[1] = 0x80 | 126
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = b0
		header[1] = 0x80 | 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}
	var mask [4]byte
	rand.Read(mask[:])
	out := append([]byte(nil), header...)
	out = append(out, mask[:]...)
	masked := make([]byte, n)
	for i := range payload {
		masked[i] = payload[i] ^ mask[i%4]
	}
	return append(out, masked...)
}

func newTestChannel(t *testing.T, backendAddr string) (*Channel, net.Conn) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	log := zap.NewNop()
	metrics, _ := wsmetrics.New()
	ch := New("test-channel", serverSide, Config{
		BackendAddr:   backendAddr,
		WriteBufCap:   1 << 16,
		ReadChunkSize: 4096,
		DialTimeout:   time.Second,
		CancelGrace:   100 * time.Millisecond,
	}, log, metrics)
	return ch, clientSide
}

func startEchoBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				_, _ = conn.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func readFullHandshakeResponse(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	buf := make([]byte, 0, 256)
	chunk := make([]byte, 256)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if len(buf) >= 4 && string(buf[len(buf)-4:]) == "\r\n\r\n" {
			return buf
		}
		require.NoError(t, err)
	}
}

func TestChannel_HappyPath(t *testing.T) {
	backendAddr := startEchoBackend(t)
	ch, client := newTestChannel(t, backendAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		ch.Run(ctx)
		close(done)
	}()

	_, err := client.Write(testHandshakeRequest())
	require.NoError(t, err)
	resp := readFullHandshakeResponse(t, client)
	require.Contains(t, string(resp), "101 Switching Protocols")

	_, err = client.Write(maskedFrame(wsframe.OpBinary, true, []byte("hello backend")))
	require.NoError(t, err)

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	readBuf := make([]byte, 512)
	n, err := client.Read(readBuf)
	require.NoError(t, err)
	res := wsframe.Decode(readBuf[:n], wsframe.MaskForbidden)
	require.NotNil(t, res.Frame)
	require.Equal(t, wsframe.OpBinary, res.Frame.Opcode)
	require.Equal(t, "hello backend", string(res.Frame.Payload))

	_, err = client.Write(maskedFrame(wsframe.OpClose, true, wsframe.EncodeClose(wsframe.StatusNormalClosure, "")[2:]))
	require.NoError(t, err)
	_ = client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not terminate")
	}
}

func TestChannel_Fragmentation(t *testing.T) {
	backendAddr := startEchoBackend(t)
	ch, client := newTestChannel(t, backendAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		ch.Run(ctx)
		close(done)
	}()

	_, err := client.Write(testHandshakeRequest())
	require.NoError(t, err)
	readFullHandshakeResponse(t, client)

	_, err = client.Write(maskedFrame(wsframe.OpText, false, []byte("hello ")))
	require.NoError(t, err)
	_, err = client.Write(maskedFrame(wsframe.OpContinuation, true, []byte("world")))
	require.NoError(t, err)

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	readBuf := make([]byte, 512)
	// The echo backend may return the two fragments in one read or two, so
	// the proxy may answer with one binary frame or several; compare the
	// concatenated payloads.
	var got, payload []byte
	for len(payload) < len("hello world") {
		n, err := client.Read(readBuf)
		require.NoError(t, err)
		got = append(got, readBuf[:n]...)
		for {
			res := wsframe.Decode(got, wsframe.MaskForbidden)
			require.NoError(t, res.Err)
			if res.Frame == nil {
				break
			}
			require.Equal(t, wsframe.OpBinary, res.Frame.Opcode)
			payload = append(payload, res.Frame.Payload...)
			got = got[res.Frame.Size:]
		}
	}
	require.Equal(t, "hello world", string(payload))

	_ = client.Close()
	<-done
}

func TestChannel_PingPong(t *testing.T) {
	backendAddr := startEchoBackend(t)
	ch, client := newTestChannel(t, backendAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		ch.Run(ctx)
		close(done)
	}()

	_, err := client.Write(testHandshakeRequest())
	require.NoError(t, err)
	readFullHandshakeResponse(t, client)

	_, err = client.Write(maskedFrame(wsframe.OpPing, true, []byte("ping-data")))
	require.NoError(t, err)

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	readBuf := make([]byte, 512)
	n, err := client.Read(readBuf)
	require.NoError(t, err)
	res := wsframe.Decode(readBuf[:n], wsframe.MaskForbidden)
	require.NotNil(t, res.Frame)
	require.Equal(t, wsframe.OpPong, res.Frame.Opcode)
	require.Equal(t, "ping-data", string(res.Frame.Payload))

	_ = client.Close()
	<-done
}

func TestChannel_ProtocolError(t *testing.T) {
	backendAddr := startEchoBackend(t)
	ch, client := newTestChannel(t, backendAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		ch.Run(ctx)
		close(done)
	}()

	_, err := client.Write(testHandshakeRequest())
	require.NoError(t, err)
	readFullHandshakeResponse(t, client)

	// Unmasked client frame: a protocol violation per RFC 6455 section 5.1.
	unmasked := wsframe.Encode(wsframe.OpBinary, []byte("nope"))
	_, err = client.Write(unmasked)
	require.NoError(t, err)

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	readBuf := make([]byte, 512)
	n, err := client.Read(readBuf)
	require.NoError(t, err)
	res := wsframe.Decode(readBuf[:n], wsframe.MaskForbidden)
	require.NotNil(t, res.Frame)
	require.Equal(t, wsframe.OpClose, res.Frame.Opcode)
	code, _ := wsframe.ParseClosePayload(res.Frame.Payload)
	require.Equal(t, wsframe.StatusProtocolError, code)

	_ = client.Close()
	<-done
}

func TestChannel_BackendDown(t *testing.T) {
	// A listener opened then immediately closed frees the port without
	// anything willing to accept on it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ch, client := newTestChannel(t, addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		ch.Run(ctx)
		close(done)
	}()

	_, err = client.Write(testHandshakeRequest())
	require.NoError(t, err)
	readFullHandshakeResponse(t, client)

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	readBuf := make([]byte, 512)
	n, err := client.Read(readBuf)
	require.NoError(t, err)
	res := wsframe.Decode(readBuf[:n], wsframe.MaskForbidden)
	require.NotNil(t, res.Frame)
	require.Equal(t, wsframe.OpClose, res.Frame.Opcode)
	code, _ := wsframe.ParseClosePayload(res.Frame.Payload)
	require.Equal(t, wsframe.StatusInternalError, code)

	<-done
}

func TestChannel_ClientInitiatedClose(t *testing.T) {
	backendAddr := startEchoBackend(t)
	ch, client := newTestChannel(t, backendAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		ch.Run(ctx)
		close(done)
	}()

	_, err := client.Write(testHandshakeRequest())
	require.NoError(t, err)
	readFullHandshakeResponse(t, client)

	_, err = client.Write(maskedFrame(wsframe.OpClose, true, wsframe.EncodeClose(wsframe.StatusNormalClosure, "")[2:]))
	require.NoError(t, err)

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	readBuf := make([]byte, 512)
	n, err := client.Read(readBuf)
	require.NoError(t, err)
	res := wsframe.Decode(readBuf[:n], wsframe.MaskForbidden)
	require.NotNil(t, res.Frame)
	require.Equal(t, wsframe.OpClose, res.Frame.Opcode)

	_ = client.Close()
	<-done
}
