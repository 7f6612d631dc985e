package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehrsync/ehrsync/internal/platform/audit"
)

// Signature and metadata headers sent with every delivery. Consumers verify
// the signature and deduplicate on the event ID.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEventID   = "X-Webhook-Event-Id"
	HeaderEventType = "X-Webhook-Event-Type"
	HeaderSequence  = "X-Webhook-Sequence"
)

// Dispatcher fans sync events out to subscribers and drains the pending
// delivery table on a poll loop. Delivery is best effort and fully
// decoupled from the sync jobs that produce events.
type Dispatcher struct {
	store   Store
	policy  RetryPolicy
	client  *http.Client
	auditor audit.Emitter
	log     zerolog.Logger

	poll time.Duration
	now  func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewDispatcher wires a dispatcher; poll is the drain interval.
func NewDispatcher(store Store, policy RetryPolicy, client *http.Client, auditor audit.Emitter, poll time.Duration, log zerolog.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Dispatcher{
		store:   store,
		policy:  policy,
		client:  client,
		auditor: auditor,
		log:     log,
		poll:    poll,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Notify enqueues one delivery per active subscription matching eventType.
// recordKey scopes the per-subscriber ordering guarantee.
func (d *Dispatcher) Notify(ctx context.Context, eventType, recordKey string, payload any) error {
	subs, err := d.store.ListSubscriptions(ctx, true)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"event_type": eventType,
		"record_key": recordKey,
		"occurred":   d.now().UTC().Format(time.RFC3339),
		"data":       payload,
	})
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}

	eventID := uuid.NewString()
	hash := HashPayload(body)
	for _, sub := range subs {
		if !sub.Matches(eventType) {
			continue
		}
		delivery := &Delivery{
			SubscriptionID: sub.ID,
			EventID:        eventID,
			EventType:      eventType,
			RecordKey:      recordKey,
			Payload:        body,
			PayloadHash:    hash,
		}
		if err := d.store.EnqueueDelivery(ctx, delivery); err != nil {
			return fmt.Errorf("enqueue delivery for %s: %w", sub.ID, err)
		}
	}
	return nil
}

// Start launches the drain loop. Close stops it.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		go d.run(ctx)
	})
}

func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() {
		close(d.stop)
		<-d.done
	})
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			if err := d.Drain(ctx); err != nil {
				d.log.Error().Err(err).Msg("webhook drain failed")
			}
		}
	}
}

// Drain sends every due head-of-line delivery once. Exported so tests and
// the sandbox can step the dispatcher deterministically.
func (d *Dispatcher) Drain(ctx context.Context) error {
	due, err := d.store.DueHead(ctx, d.now(), 100)
	if err != nil {
		return err
	}
	for _, delivery := range due {
		d.attempt(ctx, delivery)
	}
	return nil
}

func (d *Dispatcher) attempt(ctx context.Context, delivery *Delivery) {
	sub, err := d.store.GetSubscription(ctx, delivery.SubscriptionID)
	if err != nil {
		// Subscriber deleted after enqueue; nothing left to deliver to.
		d.settleFailure(ctx, delivery, "subscription deleted", true)
		return
	}

	err = d.send(ctx, sub, delivery)
	if err == nil {
		if err := d.store.MarkDelivered(ctx, delivery.ID, d.now()); err != nil {
			d.log.Error().Err(err).Str("delivery_id", delivery.ID.String()).Msg("mark delivered failed")
		}
		return
	}

	maxAttempts := sub.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.policy.DefaultMaxAttempts
	}
	exhausted := delivery.Attempts+1 >= maxAttempts
	d.settleFailure(ctx, delivery, err.Error(), exhausted)
}

func (d *Dispatcher) settleFailure(ctx context.Context, delivery *Delivery, msg string, exhausted bool) {
	nextRetry := d.now().Add(d.policy.Backoff(delivery.Attempts + 1))
	if err := d.store.MarkFailed(ctx, delivery.ID, msg, nextRetry, exhausted); err != nil {
		d.log.Error().Err(err).Str("delivery_id", delivery.ID.String()).Msg("mark failed failed")
		return
	}
	if exhausted {
		d.log.Warn().
			Str("delivery_id", delivery.ID.String()).
			Str("event_type", delivery.EventType).
			Int("attempts", delivery.Attempts+1).
			Msg("webhook delivery exhausted")
		d.auditor.Emit(ctx, audit.Event{
			Action:   audit.ActionWebhookExhausted,
			RecordID: delivery.RecordKey,
			Detail: map[string]any{
				"delivery_id":     delivery.ID.String(),
				"subscription_id": delivery.SubscriptionID.String(),
				"event_type":      delivery.EventType,
				"last_error":      msg,
			},
		})
	}
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, delivery *Delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "sha256="+SignPayload(delivery.Payload, sub.Secret))
	req.Header.Set(HeaderEventID, delivery.EventID)
	req.Header.Set(HeaderEventType, delivery.EventType)
	req.Header.Set(HeaderSequence, strconv.FormatInt(delivery.Seq, 10))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("subscriber returned %d", resp.StatusCode)
	}
	return nil
}
