// Package notify delivers tenant lifecycle events to an external webhook.
// Delivery is fire-and-forget: callers never block on or observe failures.
package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/config"
	"github.com/nikhilbhutani/tenantctl/internal/metrics"
)

type EventType string

const (
	EventCredentialsIssued  EventType = "credentials_issued"
	EventProvisioningFailed EventType = "provisioning_failed"
	EventTrialExpiring      EventType = "trial_expiring"
	EventTrialExpired       EventType = "trial_expired"
	EventLimitWarning       EventType = "limit_warning"
	EventLimitBreached      EventType = "limit_breached"
	EventTenantSuspended    EventType = "tenant_suspended"
	EventTenantCancelled    EventType = "tenant_cancelled"
)

type Event struct {
	ID         uuid.UUID      `json:"id"`
	Type       EventType      `json:"type"`
	TenantID   uuid.UUID      `json:"tenant_id"`
	Handle     string         `json:"handle"`
	Email      string         `json:"email,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// Notifier is what the orchestrator and sweeper depend on.
type Notifier interface {
	Notify(ev Event)
}

type Dispatcher struct {
	client  *resty.Client
	url     string
	secret  string
	events  chan Event
	log     *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts the delivery loop. With an empty webhook URL events
// are only logged.
func NewDispatcher(cfg config.NotifyConfig, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = 1000
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	d := &Dispatcher{
		client:  client,
		url:     cfg.WebhookURL,
		secret:  cfg.Secret,
		events:  make(chan Event, size),
		log:     log,
		metrics: m,
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *Dispatcher) Notify(ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.events <- ev:
	default:
		d.metrics.Notification(string(ev.Type), "dropped")
		d.log.Warn("notification queue full, dropping",
			zap.String("event", string(ev.Type)), zap.String("tenant", ev.Handle))
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for ev := range d.events {
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev Event) {
	log := d.log.With(zap.String("event", string(ev.Type)), zap.String("tenant", ev.Handle))
	if d.url == "" {
		log.Info("notification", zap.Any("data", ev.Data))
		d.metrics.Notification(string(ev.Type), "logged")
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error("failed to encode notification", zap.Error(err))
		d.metrics.Notification(string(ev.Type), "failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("X-Webhook-Event", string(ev.Type)).
		SetHeader("X-Webhook-ID", ev.ID.String()).
		SetHeader("X-Webhook-Signature", Sign(payload, d.secret)).
		SetBody(payload).
		Post(d.url)
	if err != nil {
		log.Error("notification delivery failed", zap.Error(err))
		d.metrics.Notification(string(ev.Type), "failed")
		return
	}
	if resp.IsError() {
		log.Warn("notification endpoint returned error", zap.Int("status", resp.StatusCode()))
		d.metrics.Notification(string(ev.Type), "failed")
		return
	}
	d.metrics.Notification(string(ev.Type), "delivered")
}

// Sign returns the HMAC-SHA256 signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
