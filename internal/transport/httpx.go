package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTP is the blocking fallback mechanism: a plain POST that waits for
// and drains the full response.
type HTTP struct {
	url   string
	creds Credentials
	http  *http.Client
}

// NewHTTP creates the fallback mechanism against the collector URL.
func NewHTTP(url string, creds Credentials) *HTTP {
	return &HTTP{
		url:   url,
		creds: creds,
		http:  &http.Client{},
	}
}

func (h *HTTP) Name() string { return MechanismHTTP }

// Send posts the payload and waits for the collector's response.
func (h *HTTP) Send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("transport: http request: %w", err)
	}
	if err := h.creds.Apply(req); err != nil {
		return err
	}

	resp, err := h.http.Do(req)
	if err != nil {
		return fmt.Errorf("transport: http send: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: http status %d", ErrRejected, resp.StatusCode)
	}
	return nil
}
