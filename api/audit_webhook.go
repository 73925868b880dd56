package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	webhookQueueSize   = 1024
	webhookMaxAttempts = 2
	webhookUserAgent   = "Gatewarden-Audit-Webhook/1.0"
	headerWebhookEvent = "X-Gatewarden-Event"
	headerWebhookSeq   = "X-Gatewarden-Sequence"
)

// webhookEvent is the JSON body posted for one audit event. Seq increases
// by one per accepted event so receivers can spot drops.
type webhookEvent struct {
	Seq        uint64            `json:"seq"`
	Event      string            `json:"event"`
	UserID     string            `json:"user_id,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

type webhookConfig struct {
	url        string
	authHeader string // "Header: Value"
	limit      rate.Limit
	burst      int
}

// auditWebhook forwards audit events to an HTTP endpoint from a single
// background goroutine. enqueue never blocks; when the queue is full the
// event is counted as dropped.
type auditWebhook struct {
	cfg        webhookConfig
	client     *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	retryDelay time.Duration
	events     chan webhookEvent
	dropped    atomic.Uint64
	wg         sync.WaitGroup
}

// newAuditWebhook starts the sender. A non-positive limit disables
// throttling.
func newAuditWebhook(cfg webhookConfig, logger *slog.Logger) *auditWebhook {
	if cfg.limit <= 0 {
		cfg.limit = rate.Inf
	}
	if cfg.burst < 1 {
		cfg.burst = 1
	}
	w := &auditWebhook{
		cfg:        cfg,
		client:     &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(cfg.limit, cfg.burst),
		logger:     logger,
		retryDelay: time.Second,
		events:     make(chan webhookEvent, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *auditWebhook) enqueue(evt webhookEvent) {
	select {
	case w.events <- evt:
	default:
		w.dropped.Add(1)
		w.logger.Warn("queue full, dropping event", "event", evt.Event)
	}
}

// close delivers what is queued and stops the sender.
func (w *auditWebhook) close() {
	close(w.events)
	w.wg.Wait()
	if n := w.dropped.Load(); n > 0 {
		w.logger.Warn("events dropped over lifetime", "dropped", n)
	}
}

func (w *auditWebhook) loop() {
	defer w.wg.Done()
	var seq uint64
	for evt := range w.events {
		seq++
		evt.Seq = seq
		if err := w.limiter.Wait(context.Background()); err != nil {
			w.logger.Warn("throttle failed", "error", err)
			continue
		}
		w.send(evt)
	}
}

func (w *auditWebhook) send(evt webhookEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("marshal failed", "event", evt.Event, "error", err)
		return
	}
	for attempt := 1; attempt <= webhookMaxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(w.retryDelay)
		}
		retry, err := w.deliver(evt, body)
		if err == nil {
			return
		}
		w.logger.Warn("delivery failed", "event", evt.Event, "seq", evt.Seq, "attempt", attempt, "error", err)
		if !retry {
			return
		}
	}
}

// deliver makes one POST. Transport errors and 5xx are retryable; other
// non-2xx statuses are not.
func (w *auditWebhook) deliver(evt webhookEvent, body []byte) (retry bool, err error) {
	req, err := http.NewRequest(http.MethodPost, w.cfg.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	req.Header.Set(headerWebhookEvent, evt.Event)
	req.Header.Set(headerWebhookSeq, strconv.FormatUint(evt.Seq, 10))
	if name, value, ok := strings.Cut(w.cfg.authHeader, ":"); ok {
		req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return true, err
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("status %d", resp.StatusCode)
	}
}
