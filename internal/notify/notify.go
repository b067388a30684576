// Package notify delivers terminal-run webhooks to an optional external
// endpoint.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute
)

// Notifier posts JSON payloads with retries. A zero URL disables it.
type Notifier struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

func New(callbackURL string, log *zap.Logger) *Notifier {
	return &Notifier{
		url:    callbackURL,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log.Named("notify"),
	}
}

// Send dispatches the payload asynchronously with full-jitter exponential
// backoff. ctx should survive job cancellation (use context.WithoutCancel)
// but stop on server shutdown.
func (n *Notifier) Send(ctx context.Context, payload []byte) {
	if n.url == "" {
		return
	}
	if err := validateURL(n.url); err != nil {
		n.log.Warn("rejected callback URL", zap.String("url", n.url), zap.Error(err))
		return
	}
	go n.send(ctx, payload)
}

// validateURL blocks non-HTTP schemes and private/internal IP ranges.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	ips, err := net.LookupHost(u.Hostname())
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}
	return nil
}

func (n *Notifier) send(ctx context.Context, payload []byte) {
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := n.post(ctx, payload)
		if err == nil {
			return
		}
		n.log.Warn("webhook attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < retryAttempts {
			time.Sleep(jitter(attempt))
		}
	}
	n.log.Error("webhook retries exhausted", zap.String("url", n.url))
}

// jitter returns a random duration between 0 and min(retryCap,
// retryBase * 2^attempt). Full jitter avoids synchronized retries.
func jitter(attempt int) time.Duration {
	exp := retryBase * (1 << attempt)
	if exp > retryCap {
		exp = retryCap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func (n *Notifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
