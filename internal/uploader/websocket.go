package uploader

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/webmproject/webmlive-sub001/internal/util"
)

// WebSocketTransport keeps one connection to the relay open and sends each
// chunk as one binary message.
type WebSocketTransport struct {
	dialer *websocket.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	readErr error
}

// NewWebSocketTransport uses dialer, or websocket.DefaultDialer when nil.
func NewWebSocketTransport(dialer *websocket.Dialer, logger *slog.Logger) *WebSocketTransport {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if logger == nil {
		logger = util.GetLogger()
	}
	return &WebSocketTransport{dialer: dialer, logger: logger.With("component", "ws_transport")}
}

func (t *WebSocketTransport) connect(ctx context.Context, target Target) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil && t.readErr == nil {
		return t.conn, nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}

	header := http.Header{}
	header.Set(HeaderStreamID, target.StreamID)
	if target.StreamName != "" {
		header.Set(HeaderStreamName, target.StreamName)
	}
	conn, _, err := t.dialer.DialContext(ctx, target.URL, header)
	if err != nil {
		return nil, errors.Wrap(err, "failed to establish WebSocket connection")
	}
	t.conn = conn
	t.readErr = nil
	go t.readLoop(conn)

	t.logger.Info("WebSocket connected", "url", target.URL)
	return conn, nil
}

// readLoop processes control frames and notices when the relay closes the
// stream.
func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.readErr = err
			}
			t.mu.Unlock()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.logger.Debug("WebSocket read ended", "error", err)
			}
			return
		}
	}
}

// Send implements Transport.
func (t *WebSocketTransport) Send(ctx context.Context, target Target, data []byte, progress ProgressFunc) error {
	conn, err := t.connect(ctx, target)
	if err != nil {
		return err
	}

	w, err := conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return errors.Wrap(err, "open message writer")
	}
	total := int64(len(data))
	for sent := int64(0); sent < total; {
		if progress != nil {
			if err := progress(sent, total); err != nil {
				// Closing the writer would deliver a truncated chunk.
				t.drop(conn)
				return err
			}
		}
		end := sent + progressStep
		if end > total {
			end = total
		}
		if _, err := w.Write(data[sent:end]); err != nil {
			t.drop(conn)
			return errors.Wrap(err, "write chunk")
		}
		sent = end
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "flush chunk")
	}

	t.mu.Lock()
	readErr := t.readErr
	t.mu.Unlock()
	if readErr != nil {
		return errors.Wrap(readErr, "relay closed the stream")
	}
	return nil
}

func (t *WebSocketTransport) drop(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.conn = nil
	}
	conn.Close()
}

// Close sends a close frame and drops the connection.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteMessage(websocket.CloseMessage, msg)
	err := t.conn.Close()
	t.conn = nil
	return err
}
