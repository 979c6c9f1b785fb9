// Package notify posts push notifications to a chat webhook as a single embed.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/austindbirch/pushtrigger/internal/tracing"
)

const (
	EmbedColor   = 5814783
	TitlePrefix  = "🔄 Run Configuration Triggered: "
	FooterPrefix = "Commit by: "

	DefaultTimeout = 15 * time.Second
)

// Message is one notification embed
type Message struct {
	Title       string
	Description string
	FooterText  string
	Timestamp   string // RFC 3339
}

// Title is the embed title for a rerun of task
func Title(task string) string {
	return TitlePrefix + task
}

// Description is the embed description for a push to branch in repo
func Description(branch, repo, commitMessage string) string {
	return fmt.Sprintf("Branch `%s` in repo `%s` was updated.\n%s", branch, repo, commitMessage)
}

// Build assembles a message stamped with now
func Build(title, description, author string, now time.Time) Message {
	return Message{
		Title:       title,
		Description: description,
		FooterText:  FooterPrefix + author,
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
}

var escaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

func escape(s string) string {
	return escaper.Replace(s)
}

// Body renders the webhook payload. Field order is fixed.
func Body(m Message) []byte {
	var b bytes.Buffer
	b.WriteString(`{"embeds":[{"title":"`)
	b.WriteString(escape(m.Title))
	b.WriteString(`","description":"`)
	b.WriteString(escape(m.Description))
	fmt.Fprintf(&b, `","color":%d,"footer":{"text":"`, EmbedColor)
	b.WriteString(escape(m.FooterText))
	b.WriteString(`"},"timestamp":"`)
	b.WriteString(escape(m.Timestamp))
	b.WriteString(`"}]}`)
	return b.Bytes()
}

// StatusError is returned for a non-2xx response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("notify: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("notify: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Sender posts messages over HTTP
type Sender struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewSender uses client, or a client with DefaultTimeout when nil
func NewSender(client *http.Client) *Sender {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Sender{client: client}
}

// WithRateLimit paces posts to perMinute, bursting up to a tenth of that.
// Chat webhooks answer 429 well before a busy push stream runs out.
func (s *Sender) WithRateLimit(perMinute int) *Sender {
	if perMinute <= 0 {
		s.limiter = nil
		return s
	}
	burst := perMinute / 10
	if burst < 1 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
	return s
}

// Send POSTs m to webhookURL. A non-2xx answer yields *StatusError; a
// transport failure is wrapped and returned.
func (s *Sender) Send(ctx context.Context, webhookURL string, m Message) error {
	ctx, span := tracing.StartSpan(ctx, "notify.send",
		attribute.String("http.host", Host(webhookURL)),
	)
	defer span.End()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			err = fmt.Errorf("notify: rate limit: %w", err)
			tracing.SetSpanError(ctx, err)
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(Body(m)))
	if err != nil {
		err = fmt.Errorf("notify: build request: %w", err)
		tracing.SetSpanError(ctx, err)
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		err = fmt.Errorf("notify: post: %w", err)
		span.SetAttributes(attribute.String("http.error", err.Error()))
		tracing.SetSpanError(ctx, err)
		return err
	}
	defer resp.Body.Close()

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		tracing.SetSpanError(ctx, err)
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil
}

// ClassifyFailure maps a Send error onto a bounded metrics reason
func ClassifyFailure(err error) string {
	if err == nil {
		return ""
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode >= 500:
			return "http_5xx"
		case se.StatusCode == http.StatusTooManyRequests:
			return "http_429"
		case se.StatusCode >= 400:
			return "http_4xx"
		default:
			return "other"
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	errLower := strings.ToLower(err.Error())
	if strings.Contains(errLower, "timeout") {
		return "timeout"
	}
	if strings.Contains(errLower, "connection refused") {
		return "connection_refused"
	}
	if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
		return "dns_error"
	}
	return "network"
}

// Host returns the host of a webhook URL. Webhook tokens live in the path
// and must stay out of spans and logs.
func Host(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Host
}
