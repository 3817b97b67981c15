package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/asclepius/streamrelay/pkg/storage"
)

// Control message types exchanged with the browser.
const (
	TypeSessionStart = "SESSION_START"
	TypeEndStream    = "END_STREAM"
	TypeStreamEnded  = "STREAM_ENDED"
	TypeAudioSaved   = "AUDIO_SAVED"
)

// ErrConnClosed is returned when writing to a browser connection that the
// session already closed or that failed.
var ErrConnClosed = errors.New("relay: browser connection closed")

// controlMessage is any typed message.
type controlMessage struct {
	Type string `json:"type"`
}

type sessionStartMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type audioSavedMessage struct {
	Type     string           `json:"type"`
	Location storage.Location `json:"location"`
}

type transcriptMessage struct {
	Channel       string `json:"channel"`
	Transcription string `json:"transcription"`
	IsPartial     bool   `json:"isPartial"`
}

type errorMessage struct {
	Error string `json:"error"`
}

// parseControl decodes a text frame. Frames that are not a JSON object with a
// type are malformed.
func parseControl(data []byte) (controlMessage, error) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return controlMessage{}, fmt.Errorf("relay: malformed control message: %w", err)
	}
	if msg.Type == "" {
		return controlMessage{}, errors.New("relay: control message without type")
	}
	return msg, nil
}

// browserConn is the part of *websocket.Conn the session writes to.
type browserConn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// browserSender serialises writes to the browser and refuses them once the
// connection was closed, so no message is ever written after close.
type browserSender struct {
	conn    browserConn
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newBrowserSender(conn browserConn, timeout time.Duration) *browserSender {
	return &browserSender{conn: conn, timeout: timeout}
}

// send writes v as one JSON text frame. A failed write marks the connection
// closed.
func (b *browserSender) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("relay: encode message: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrConnClosed
	}
	wctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.conn.Write(wctx, websocket.MessageText, data); err != nil {
		b.closed = true
		return fmt.Errorf("%w: %w", ErrConnClosed, err)
	}
	return nil
}

// open reports whether writes are still attempted.
func (b *browserSender) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// markClosed stops further writes without closing the connection. The read
// loop calls it when the browser went away.
func (b *browserSender) markClosed() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// close closes the connection once.
func (b *browserSender) close(code websocket.StatusCode, reason string) error {
	b.mu.Lock()
	wasClosed := b.closed
	b.closed = true
	b.mu.Unlock()
	err := b.conn.Close(code, reason)
	if wasClosed {
		return nil
	}
	return err
}
