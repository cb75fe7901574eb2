// Package webhook delivers signed event notifications to tenant endpoints.
// Delivery is fire-and-forget from the scoring pipeline's point of view: a
// bounded in-process queue feeds a fixed worker pool.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sentinel/fraud-engine/internal/models"
)

// Event is the wire envelope POSTed to tenant endpoints.
type Event struct {
	EventID   string      `json:"event_id"`
	EventType string      `json:"event_type"`
	CreatedAt time.Time   `json:"created_at"`
	Data      interface{} `json:"data"`
}

type delivery struct {
	event    Event
	tenantID string
	url      string
	secret   string
}

// Config tunes the dispatcher. Zero values fall back to defaults.
type Config struct {
	Workers     int
	QueueSize   int
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
}

// Dispatcher owns the queue and worker pool.
type Dispatcher struct {
	cfg      Config
	client   *http.Client
	queue    chan delivery
	stopCh   chan struct{}
	wg       sync.WaitGroup
	overflow int64
}

// NewDispatcher creates a dispatcher; call Start to launch the workers.
func NewDispatcher(cfg Config) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		queue:  make(chan delivery, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop()
	}
	log.Info().
		Int("workers", d.cfg.Workers).
		Int("queue_size", d.cfg.QueueSize).
		Msg("Webhook dispatcher started")
}

// Stop drains nothing: pending deliveries in flight finish, queued ones are
// abandoned with the process.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	log.Info().Int64("overflow_dropped", d.Overflow()).Msg("Webhook dispatcher stopped")
}

// Overflow returns the number of deliveries dropped because the queue was
// full.
func (d *Dispatcher) Overflow() int64 {
	return atomic.LoadInt64(&d.overflow)
}

// Enqueue queues one event for delivery. Never blocks: when the queue is
// full the oldest pending delivery is dropped to make room.
func (d *Dispatcher) Enqueue(tenant *models.Tenant, eventType string, data interface{}) {
	if tenant.WebhookURL == "" {
		return
	}

	del := delivery{
		event: Event{
			EventID:   uuid.NewString(),
			EventType: eventType,
			CreatedAt: time.Now().UTC(),
			Data:      data,
		},
		tenantID: tenant.TenantID,
		url:      tenant.WebhookURL,
		secret:   tenant.WebhookSecret,
	}

	for {
		select {
		case d.queue <- del:
			return
		default:
		}
		select {
		case dropped := <-d.queue:
			atomic.AddInt64(&d.overflow, 1)
			log.Warn().
				Str("tenant_id", dropped.tenantID).
				Str("event_id", dropped.event.EventID).
				Msg("Webhook queue full, dropped oldest delivery")
		default:
		}
	}
}

func (d *Dispatcher) workerLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case del := <-d.queue:
			d.deliver(del)
		}
	}
}

// Sign computes the signature header value for a request body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// deliver posts one event with retries. 4xx responses are terminal; 5xx and
// transport errors retry with exponential backoff.
func (d *Dispatcher) deliver(del delivery) {
	body, err := json.Marshal(del.event)
	if err != nil {
		log.Error().Err(err).
			Str("tenant_id", del.tenantID).
			Str("event_id", del.event.EventID).
			Msg("Webhook payload marshal failed")
		return
	}

	signature := Sign(del.secret, body)

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		status, err := d.post(del.url, body, signature, del.event.EventType)

		entry := log.Info()
		if err != nil || status >= 400 {
			entry = log.Warn()
		}
		entry.
			Str("tenant_id", del.tenantID).
			Str("event_id", del.event.EventID).
			Int("attempt", attempt).
			Int("status", status).
			Err(err).
			Msg("Webhook delivery attempt")

		switch {
		case err == nil && status < 300:
			return
		case err == nil && status >= 400 && status < 500:
			return // the endpoint rejected the event; retrying cannot help
		}

		if attempt < d.cfg.MaxAttempts {
			time.Sleep(d.backoff(attempt))
		}
	}

	log.Error().
		Str("tenant_id", del.tenantID).
		Str("event_id", del.event.EventID).
		Msg("Webhook delivery exhausted retries")
}

func (d *Dispatcher) post(url string, body []byte, signature, eventType string) (int, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sentinel-Signature", signature)
	req.Header.Set("X-Sentinel-Event", eventType)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	backoff := d.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > d.cfg.BackoffCap {
		backoff = d.cfg.BackoffCap
	}
	return backoff
}
