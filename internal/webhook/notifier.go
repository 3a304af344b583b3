// Package webhook fires the out-of-band block notification described
// in spec.md §4.6: a process-wide cooldown gates a JSON POST to the
// configured block_url, with the documented per-IP timestamp-overwrite
// quirk preserved exactly as the source has it (see DESIGN.md's
// resolution of Open Question #2).
package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sidcorp/pingwall/pkg/config"
	"github.com/sidcorp/pingwall/pkg/metrics"
)

// cooldown is the process-wide minimum gap between fired webhooks.
const cooldown = 10 * time.Second

// timeout bounds the outbound POST; it never blocks the client's 429.
const timeout = 5 * time.Second

// Params carries the fields of the §6.4 JSON payload.
type Params struct {
	IP            string
	BlockDuration uint64
	Domain        string
	Path          string
	RequestURL    string
	UserAgent     string
	CurrentCount  int
	MaxRequests   int
}

type payload struct {
	Message      string `json:"message"`
	IP           string `json:"ip"`
	LockDuration uint64 `json:"lock_duration"`
	Domain       *string `json:"domain"`
	Path         string  `json:"path"`
	RequestURL   *string `json:"request_url"`
	UserAgent    *string `json:"user_agent"`
	CurrentCount int     `json:"current_count"`
	MaxRequests  int     `json:"max_requests"`
	Timestamp    string  `json:"timestamp"`
}

// Notifier posts block notifications, subject to the process-wide
// cooldown. Safe for concurrent use.
type Notifier struct {
	url      string
	apiKey   string
	client   *http.Client
	lastSent atomic.Int64 // unix nanoseconds of the last successful attempt
	clock    func() time.Time
}

// New builds a Notifier. TLS verification is intentionally disabled
// for the webhook destination, per spec.md §4.6.
func New(url, apiKey string) *Notifier {
	return &Notifier{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
		},
		clock: time.Now,
	}
}

// NotifyBlock implements notify_block. It never returns an error that
// should affect the caller's response — failures are logged and
// counted only.
func (n *Notifier) NotifyBlock(ctx context.Context, p Params) {
	if n.url == "" {
		return
	}

	now := n.clock()
	last := n.lastSent.Load()
	if now.UnixNano()-last < int64(cooldown) {
		return
	}
	// Record now, then immediately stagger by a small per-IP
	// deterministic offset (0-4s) derived from the IP — preserved as
	// documented by spec.md §9 Open Question #2 rather than treated as
	// a bug, since the spec explicitly says to keep this behavior.
	n.lastSent.Store(now.UnixNano())
	offset := time.Duration(offsetSeconds(p.IP)) * time.Second
	n.lastSent.Store(now.Add(-offset).UnixNano())

	body, err := json.Marshal(buildPayload(p, now))
	if err != nil {
		log.Error().Err(err).Msg("webhook: marshal payload")
		metrics.WebhookNotifications.WithLabelValues("marshal_error").Inc()
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Msg("webhook: build request")
		metrics.WebhookNotifications.WithLabelValues("request_error").Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if !config.IsPlaceholderAPIKey(n.apiKey) && n.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.apiKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		log.Error().Err(err).Str("url", n.url).Msg("webhook: request failed")
		metrics.WebhookNotifications.WithLabelValues(failureCategory(err)).Inc()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		log.Warn().Int("status", resp.StatusCode).Msg("webhook: non-2xx response")
		metrics.WebhookNotifications.WithLabelValues("non_2xx").Inc()
		return
	}
	metrics.WebhookNotifications.WithLabelValues("success").Inc()
}

func buildPayload(p Params, now time.Time) payload {
	pl := payload{
		Message:      fmt.Sprintf("blocked %s for %s", p.IP, p.Path),
		IP:           p.IP,
		LockDuration: p.BlockDuration,
		Path:         p.Path,
		CurrentCount: p.CurrentCount,
		MaxRequests:  p.MaxRequests,
		Timestamp:    now.UTC().Format(time.RFC3339),
	}
	if p.Domain != "" {
		pl.Domain = &p.Domain
	}
	if p.RequestURL != "" {
		pl.RequestURL = &p.RequestURL
	}
	if p.UserAgent != "" {
		pl.UserAgent = &p.UserAgent
	}
	return pl
}

// offsetSeconds derives a deterministic 0-4s stagger from the IP
// string so concurrent proxy processes blocking the same address
// don't all retry their next webhook at the identical instant.
func offsetSeconds(ip string) int {
	var sum int
	for _, r := range ip {
		sum += int(r)
	}
	return sum % 5
}

func failureCategory(err error) string {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok && te.Timeout() {
		return "timeout"
	}
	return "connect_error"
}
