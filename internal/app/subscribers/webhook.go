package subscribers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/pricegate/errs"
)

// KindWebhook identifies Webhook subscribers.
const KindWebhook = "webhook"

// WebhookConfig tunes outbound delivery.
type WebhookConfig struct {
	URL           string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	MaxRetries    uint
}

// PricePayload is the JSON body posted to webhooks and written to streams.
type PricePayload struct {
	Pair   string          `json:"pair"`
	Rate   decimal.Decimal `json:"rate"`
	SentAt time.Time       `json:"sentAt"`
}

// Webhook posts each price to an HTTP endpoint.
type Webhook struct {
	name   string
	cfg    WebhookConfig
	client *http.Client
	logger *log.Logger

	ops interrupter
}

// NewWebhook validates cfg and constructs a Webhook. A nil transport uses http.DefaultTransport.
func NewWebhook(name string, cfg WebhookConfig, transport http.RoundTripper, logger *log.Logger) (*Webhook, error) {
	target, err := url.Parse(cfg.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, errs.New("subscribers/webhook", errs.CodeInvalid,
			errs.WithMessage("webhook url must be an absolute http(s) url"),
			errs.WithField("url", cfg.URL))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = log.New(os.Stdout, "webhook ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Webhook{
		name: name,
		cfg:  cfg,
		client: &http.Client{
			Transport: &throttledTransport{limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst), next: transport},
			Timeout:   cfg.Timeout,
		},
		logger: logger,
	}, nil
}

// OnPrice posts the price, retrying transport failures and 5xx responses with
// exponential backoff.
func (w *Webhook) OnPrice(ctx context.Context, instrument string, price float64) error {
	opCtx, done := w.ops.begin(ctx)
	defer done()

	body, err := json.Marshal(PricePayload{Pair: instrument, Rate: decimal.NewFromFloat(price), SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("webhook %s: encode payload: %w", w.name, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	attempts := 0
	_, err = backoff.Retry(opCtx, func() (struct{}, error) {
		attempts++
		return struct{}{}, w.post(opCtx, body)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(w.cfg.MaxRetries+1))
	if err != nil {
		return fmt.Errorf("webhook %s %s after %d attempt(s): %w", w.name, instrument, attempts, err)
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(context.Cause(ctx))
		}
		return fmt.Errorf("post: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("post: status %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return backoff.Permanent(errs.New("subscribers/webhook", errs.CodeInvalid,
			errs.WithMessage("webhook rejected delivery"),
			errs.WithField("status", strconv.Itoa(resp.StatusCode))))
	}
	return nil
}

// Cancel aborts in-progress requests and retries. It always succeeds.
func (w *Webhook) Cancel() bool {
	if n := w.ops.interruptAll(); n > 0 {
		w.logger.Printf("delivery cancelled: name=%s requests=%d", w.name, n)
	}
	return true
}

// Close aborts outstanding requests and releases idle connections.
func (w *Webhook) Close() error {
	w.ops.interruptAll()
	w.client.CloseIdleConnections()
	return nil
}

// Kind returns KindWebhook.
func (w *Webhook) Kind() string { return KindWebhook }

// Name returns the configured name.
func (w *Webhook) Name() string { return w.name }

// Config returns the effective configuration.
func (w *Webhook) Config() WebhookConfig { return w.cfg }

var errLimiterWait = errors.New("rate limiter wait failed")

// throttledTransport is an http.RoundTripper restricting outbound calls with a token bucket.
type throttledTransport struct {
	limiter *rate.Limiter
	next    http.RoundTripper
}

func (t *throttledTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(r.Context()); err != nil {
		return nil, fmt.Errorf("%w: %w", errLimiterWait, err)
	}
	return t.next.RoundTrip(r)
}
