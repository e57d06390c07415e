package relay

import (
	"context"
	"crypto/tls"
	"sync"

	"github.com/gorilla/websocket"
)

// WebsocketConn is the production Conn over gorilla/websocket.
type WebsocketConn struct {
	mu      sync.Mutex
	writeMu sync.Mutex
	dialer  *websocket.Dialer
	conn    *websocket.Conn
	url     string
	cb      ConnCallbacks
}

var _ Conn = (*WebsocketConn)(nil)

func NewWebsocketConn() *WebsocketConn {
	return &WebsocketConn{dialer: websocket.DefaultDialer}
}

// NewWebsocketConnTLS dials with the given TLS configuration; used for
// relays behind a private CA.
func NewWebsocketConnTLS(cfg *tls.Config) *WebsocketConn {
	dialer := *websocket.DefaultDialer
	dialer.TLSClientConfig = cfg
	return &WebsocketConn{dialer: &dialer}
}

func (w *WebsocketConn) Open(ctx context.Context, url string) error {
	w.mu.Lock()
	if w.conn != nil {
		w.mu.Unlock()
		return ErrAlreadyOpen
	}
	w.mu.Unlock()

	conn, resp, err := w.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	w.mu.Lock()
	w.conn = conn
	w.url = url
	w.mu.Unlock()

	go w.readPump(conn)
	return nil
}

func (w *WebsocketConn) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			cb := w.cb
			closed := w.conn == nil
			w.conn = nil
			w.mu.Unlock()

			if !closed && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if cb.OnError != nil {
					cb.OnError(err)
				}
			}
			if cb.OnClose != nil {
				cb.OnClose()
			}
			return
		}
		w.mu.Lock()
		cb := w.cb
		w.mu.Unlock()
		if cb.OnPayload != nil {
			cb.OnPayload(data)
		}
	}
}

func (w *WebsocketConn) Close() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	// Best effort close handshake; the read pump exits on the closed
	// socket either way.
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}

func (w *WebsocketConn) Send(ctx context.Context, data []byte) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	// gorilla permits one concurrent writer only.
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WebsocketConn) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

func (w *WebsocketConn) URL() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.url
}

func (w *WebsocketConn) Bind(cb ConnCallbacks) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cb = cb
}

func (w *WebsocketConn) Unbind() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cb = ConnCallbacks{}
}
