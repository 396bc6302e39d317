package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/settlement/internal/circuitbreaker"
	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/retry"
)

// DefaultDelays is the wait before each retry after the first attempt.
var DefaultDelays = []time.Duration{5 * time.Second, 25 * time.Second, 125 * time.Second}

var (
	webhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by final result.",
	}, []string{"result"})

	webhookAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "webhook",
		Name:      "attempts_total",
		Help:      "Individual webhook HTTP attempts by outcome.",
	}, []string{"outcome"})

	webhookQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "webhook",
		Name:      "queue_depth",
		Help:      "Events waiting for a delivery worker.",
	})
)

func init() {
	prometheus.MustRegister(webhookDeliveries, webhookAttempts, webhookQueueDepth)
}

// Options configures a Dispatcher.
type Options struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	// AllowPrivate permits loopback and private network targets.
	AllowPrivate bool

	// A subscription whose deliveries fail BreakerThreshold times in a row
	// is skipped for BreakerCooldown.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// job is one delivery. attempt 0 is a fresh event; later attempts carry the
// subscription and payload resolved the first time.
type job struct {
	accountID  string
	event      *Event
	attempt    int
	sub        *Subscription
	payload    []byte
	deliveryID string
}

// Dispatcher sends events to subscriptions from a bounded queue. A worker
// makes one HTTP attempt per job; failed attempts wait on a timer and come
// back through the retry channel, so a slow or dead endpoint never holds a
// worker during backoff.
type Dispatcher struct {
	store        Store
	client       *http.Client
	queue        chan job
	retries      chan job
	workers      int
	delays       []time.Duration
	urlValidator func(string) error
	breaker      *circuitbreaker.Breaker
	logger       *slog.Logger
	wg           sync.WaitGroup

	mu      sync.Mutex
	pending map[*time.Timer]job
	stopped bool
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	validator := ValidateURL
	if opts.AllowPrivate {
		validator = validateScheme
	}
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: opts.Timeout},
		queue:        make(chan job, opts.QueueSize),
		retries:      make(chan job),
		pending:      make(map[*time.Timer]job),
		workers:      opts.Workers,
		delays:       DefaultDelays,
		urlValidator: validator,
		breaker:      circuitbreaker.New("webhooks", opts.BreakerThreshold, opts.BreakerCooldown),
		logger:       logger,
	}
}

// WithDelays overrides the retry schedule.
func (d *Dispatcher) WithDelays(delays ...time.Duration) *Dispatcher {
	d.delays = delays
	return d
}

// Validate checks a subscription URL against the dispatcher's policy.
func (d *Dispatcher) Validate(raw string) error {
	return d.urlValidator(raw)
}

// ResetEndpoint clears failure history for a subscription whose URL changed.
func (d *Dispatcher) ResetEndpoint(subscriptionID string) {
	d.breaker.Reset(subscriptionID)
}

// Enqueue schedules event for accountID's subscription. It never blocks:
// when the queue is full the event is dropped and false is returned.
func (d *Dispatcher) Enqueue(accountID string, event *Event) bool {
	select {
	case d.queue <- job{accountID: accountID, event: event}:
		webhookQueueDepth.Set(float64(len(d.queue)))
		return true
	default:
		webhookDeliveries.WithLabelValues("dropped").Inc()
		d.logger.Warn("webhook queue full, dropping event",
			"event_id", event.ID, "type", event.Type, "account_id", accountID)
		return false
	}
}

// Run starts the workers and blocks until ctx is done. Retries still
// waiting on their timer at shutdown are abandoned.
func (d *Dispatcher) Run(ctx context.Context) error {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
	<-ctx.Done()

	d.mu.Lock()
	d.stopped = true
	for t, j := range d.pending {
		if t.Stop() {
			d.abandon(j)
			d.wg.Done()
		}
		delete(d.pending, t)
	}
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

// Pending reports how many retries are waiting on their backoff timer.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.retries:
			d.attempt(ctx, j)
		case j := <-d.queue:
			webhookQueueDepth.Set(float64(len(d.queue)))
			if d.prepare(ctx, &j) {
				d.attempt(ctx, j)
			}
		}
	}
}

// prepare resolves the subscription and payload for a fresh event. It
// returns false when there is nothing to send.
func (d *Dispatcher) prepare(ctx context.Context, j *job) bool {
	sub, err := d.store.GetByAccount(ctx, j.accountID)
	if errors.Is(err, ErrNotFound) {
		return false
	}
	if err != nil {
		webhookDeliveries.WithLabelValues("failed").Inc()
		d.logger.Warn("webhook subscription lookup failed", "account_id", j.accountID, "error", err)
		return false
	}
	if !sub.Wants(j.event.Type) {
		return false
	}
	if !d.breaker.Allow(sub.ID) {
		webhookDeliveries.WithLabelValues("short_circuited").Inc()
		d.logger.Debug("webhook endpoint circuit open, skipping",
			"subscription_id", sub.ID, "event_id", j.event.ID)
		return false
	}

	payload, err := json.Marshal(j.event)
	if err != nil {
		webhookDeliveries.WithLabelValues("failed").Inc()
		d.logger.Error("failed to marshal webhook event", "event_id", j.event.ID, "error", err)
		return false
	}
	j.sub, j.payload = sub, payload
	j.deliveryID = idgen.WithPrefix("dlv_")
	return true
}

func (d *Dispatcher) attempt(ctx context.Context, j job) {
	err := d.send(ctx, j.sub, j.event.Type, j.deliveryID, j.payload)
	if err == nil {
		d.finish(ctx, j, nil)
		return
	}
	d.logger.Warn("webhook delivery attempt failed",
		"delivery_id", j.deliveryID,
		"subscription_id", j.sub.ID,
		"attempt", j.attempt+1,
		"error", err,
	)

	if ctx.Err() != nil {
		d.abandon(j)
		return
	}
	delay, ok := retry.Next(d.delays, j.attempt)
	if !ok || retry.IsPermanent(err) {
		d.finish(ctx, j, err)
		return
	}
	j.attempt++
	d.retryLater(ctx, j, delay)
}

// retryLater hands j back to a worker after delay.
func (d *Dispatcher) retryLater(ctx context.Context, j job, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		d.abandon(j)
		return
	}
	d.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		defer d.wg.Done()
		d.mu.Lock()
		delete(d.pending, t)
		d.mu.Unlock()
		select {
		case d.retries <- j:
		case <-ctx.Done():
			d.abandon(j)
		}
	})
	d.pending[t] = j
}

func (d *Dispatcher) abandon(j job) {
	webhookDeliveries.WithLabelValues("abandoned").Inc()
	d.logger.Warn("webhook retry abandoned at shutdown",
		"delivery_id", j.deliveryID, "subscription_id", j.sub.ID, "attempt", j.attempt+1)
}

func (d *Dispatcher) finish(ctx context.Context, j job, err error) {
	now := time.Now()
	bg := context.WithoutCancel(ctx)
	if err != nil {
		d.breaker.RecordFailure(j.sub.ID)
		webhookDeliveries.WithLabelValues("failed").Inc()
		_ = d.store.RecordResult(bg, j.sub.ID, now, err.Error())
		return
	}
	d.breaker.RecordSuccess(j.sub.ID)
	webhookDeliveries.WithLabelValues("delivered").Inc()
	_ = d.store.RecordResult(bg, j.sub.ID, now, "")
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, eventType, deliveryID string, payload []byte) error {
	if err := d.urlValidator(sub.URL); err != nil {
		webhookAttempts.WithLabelValues("rejected").Inc()
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", Sign(payload, sub.Secret))
	req.Header.Set("X-Event-Type", eventType)
	req.Header.Set("X-Delivery-Id", deliveryID)

	resp, err := d.client.Do(req)
	if err != nil {
		webhookAttempts.WithLabelValues("error").Inc()
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		webhookAttempts.WithLabelValues("non_2xx").Inc()
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	webhookAttempts.WithLabelValues("ok").Inc()
	return nil
}

// Sign returns the X-Signature value for payload: "sha256=" followed by
// the hex HMAC-SHA256 under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// ValidateURL rejects non-HTTP URLs and targets on loopback, private or
// link-local addresses.
func ValidateURL(raw string) error {
	if err := validateScheme(raw); err != nil {
		return err
	}
	u, _ := url.Parse(raw)
	host := strings.ToLower(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("webhook host %q is not allowed", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("webhook address %s is not allowed", ip)
		}
	}
	return nil
}

func validateScheme(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url must include a host")
	}
	return nil
}
