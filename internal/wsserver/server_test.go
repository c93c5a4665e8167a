package wsserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/balookrd/ws2tcp/internal/proxychannel"
	"github.com/balookrd/ws2tcp/internal/wsmetrics"
)

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

func TestServer_AcceptsAndCompletesHandshake(t *testing.T) {
	backendAddr := startEchoBackend(t)
	metrics, _ := wsmetrics.New()

	srv := New(Config{
		BindAddr: "127.0.0.1:0",
		Channel: proxychannel.Config{
			BackendAddr: backendAddr,
			DialTimeout: time.Second,
			CancelGrace: 100 * time.Millisecond,
		},
	}, zap.NewNop(), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	readyAddr := make(chan string, 1)
	go func() { done <- srv.serveWithReadyNotify(ctx, readyAddr) }()

	var boundAddr string
	select {
	case boundAddr = <-readyAddr:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not report a bound address")
	}

	conn, err := net.Dial("tcp", boundAddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\n" +
		"Host: example.test\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"\r\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "101 Switching Protocols")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down after cancellation")
	}
}

func TestServer_BindFailureReturnsError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	metrics, _ := wsmetrics.New()
	srv := New(Config{BindAddr: ln.Addr().String()}, zap.NewNop(), metrics)

	err = srv.Serve(context.Background())
	require.Error(t, err)
}
