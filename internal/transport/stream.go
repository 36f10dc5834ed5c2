package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Stream is the cancellable request/response mechanism. Each send dials
// the collector's websocket endpoint, writes the envelope as one text
// frame, and waits for an acknowledgement frame. Cancelling the context
// aborts the dial, the write, and the ack wait.
type Stream struct {
	url   string
	creds Credentials
}

// NewStream creates a stream mechanism against the collector's websocket
// URL (ws:// or wss://).
func NewStream(url string, creds Credentials) *Stream {
	return &Stream{url: url, creds: creds}
}

func (s *Stream) Name() string { return MechanismStream }

// Send delivers the payload and waits for the collector's ack.
func (s *Stream) Send(ctx context.Context, payload []byte) error {
	header := http.Header{}
	header.Set("X-App-ID", s.creds.AppID)
	if s.creds.AppKey != "" {
		token, err := s.creds.BearerToken()
		if err != nil {
			return err
		}
		header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range s.creds.Headers {
		header.Set(k, v)
	}

	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("transport: stream dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("transport: stream write: %w", err)
	}

	// The collector acks every envelope; anything else is a rejection.
	_, ack, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("transport: stream ack: %w", err)
	}
	if string(ack) != "ok" {
		return fmt.Errorf("%w: stream ack %q", ErrRejected, ack)
	}
	return nil
}
