package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"walletwire/internal/testutil/tlstest"
)

// echoServer is a wss endpoint that echoes every text message back on
// the same socket.
type echoServer struct {
	listener net.Listener
	server   *http.Server
}

func startEchoServer(t *testing.T) (*echoServer, string, *tls.Config) {
	t.Helper()

	ca := tlstest.NewAuthority(t, "relay test ca")
	cert := ca.ServerCert(t, "localhost", []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})

	raw, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	listener := tls.NewListener(raw, &tls.Config{Certificates: []tls.Certificate{cert}})

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(listener)
	t.Cleanup(func() { srv.Close() })

	url := "wss://" + raw.Addr().String()
	return &echoServer{listener: raw, server: srv}, url, &tls.Config{RootCAs: ca.Pool(), ServerName: "localhost"}
}

func waitFor(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case data := <-ch:
		return data
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for payload")
		return nil
	}
}

func TestWebsocketConnEchoOverTLS(t *testing.T) {
	_, url, tlsCfg := startEchoServer(t)

	conn := NewWebsocketConnTLS(tlsCfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Open(ctx, url); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	payloads := make(chan []byte, 1)
	conn.Bind(ConnCallbacks{OnPayload: func(data []byte) { payloads <- data }})

	if err := conn.Send(ctx, []byte(`{"id":1}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := string(waitFor(t, payloads)); got != `{"id":1}` {
		t.Fatalf("echo mismatch: %q", got)
	}
	if !conn.Connected() || conn.URL() != url {
		t.Fatalf("connection state wrong: connected=%v url=%q", conn.Connected(), conn.URL())
	}
}

func TestWebsocketConnDoubleOpenRejected(t *testing.T) {
	_, url, tlsCfg := startEchoServer(t)

	conn := NewWebsocketConnTLS(tlsCfg)
	ctx := context.Background()
	if err := conn.Open(ctx, url); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.Open(ctx, url); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("second open: %v", err)
	}
}

func TestWebsocketConnSendAfterClose(t *testing.T) {
	_, url, tlsCfg := startEchoServer(t)

	conn := NewWebsocketConnTLS(tlsCfg)
	if err := conn.Open(context.Background(), url); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Send(context.Background(), []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after close: %v", err)
	}
}

func TestWebsocketConnServerDropFiresOnClose(t *testing.T) {
	srv, url, tlsCfg := startEchoServer(t)

	conn := NewWebsocketConnTLS(tlsCfg)
	if err := conn.Open(context.Background(), url); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	var once sync.Once
	closed := make(chan struct{})
	conn.Bind(ConnCallbacks{OnClose: func() { once.Do(func() { close(closed) }) }})

	srv.server.Close()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("OnClose never fired after server drop")
	}
	if conn.Connected() {
		t.Fatalf("conn still reports connected")
	}
}

func TestWebsocketConnUntrustedCARejected(t *testing.T) {
	_, url, _ := startEchoServer(t)

	other := tlstest.NewAuthority(t, "unrelated ca")
	conn := NewWebsocketConnTLS(&tls.Config{RootCAs: other.Pool(), ServerName: "localhost"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Open(ctx, url); err == nil {
		conn.Close()
		t.Fatalf("dial against untrusted ca must fail")
	}
}
