package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

// Beacon is the durable fire-and-forget mechanism. It posts the payload
// and only observes whether the collector accepted it; the response body
// is never read. The short hand-off timeout keeps it usable on teardown
// paths where the caller cannot wait for a full round trip.
type Beacon struct {
	url   string
	creds Credentials
	http  *http.Client
}

// NewBeacon creates a beacon mechanism against the collector URL.
func NewBeacon(url string, creds Credentials) *Beacon {
	return &Beacon{
		url:   url,
		creds: creds,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (b *Beacon) Name() string { return MechanismBeacon }

// Send posts the payload. Accepted means any 2xx status.
func (b *Beacon) Send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("transport: beacon request: %w", err)
	}
	if err := b.creds.Apply(req); err != nil {
		return err
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("transport: beacon send: %w", err)
	}
	// Fire-and-forget: the body is discarded unread.
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: beacon status %d", ErrRejected, resp.StatusCode)
	}
	return nil
}
