// Package notify pushes best-effort notifications for stored SMS.
package notify

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Notifier delivers one notification. Implementations are selected at
// startup and must be safe for concurrent use. Errors are advisory; the
// caller logs and moves on.
type Notifier interface {
	Send(title, body string) error
}

// Bark pushes through a Bark server:
// GET {server}/{device_key}/{title}/{body}, any 2xx is a success.
type Bark struct {
	serverURL string
	deviceKey string
	client    *http.Client
}

func NewBark(serverURL, deviceKey string) *Bark {
	return &Bark{
		serverURL: strings.TrimRight(serverURL, "/"),
		deviceKey: deviceKey,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *Bark) Send(title, body string) error {
	endpoint := fmt.Sprintf("%s/%s/%s/%s",
		b.serverURL, b.deviceKey, url.PathEscape(title), url.PathEscape(body))

	resp, err := b.client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("bark request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("bark responded with status %d", resp.StatusCode)
	}
	slog.Debug("Bark notification sent", "title", title)
	return nil
}

// Nop discards notifications. Used when notifications are disabled.
type Nop struct{}

func (Nop) Send(title, body string) error { return nil }
