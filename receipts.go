package adminchat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// HubSender is the part of HubClient the receipt tracker uses. Send is for
// best-effort notifications; Invoke waits for the hub's completion.
type HubSender interface {
	State() ConnState
	Send(ctx context.Context, target string, args ...interface{}) error
	Invoke(ctx context.Context, target string, args ...interface{}) (json.RawMessage, error)
}

var _ HubSender = (*HubClient)(nil)

// ReceiptConfig configures a ReceiptTracker.
type ReceiptConfig struct {
	// TypingInterval is the minimum gap between "typing" notifications.
	TypingInterval time.Duration
	Viewer         *Viewer
	Clock          Clock
	Logger         *slog.Logger
	Metrics        *Metrics
}

func (c *ReceiptConfig) defaults() {
	if c.TypingInterval == 0 {
		c.TypingInterval = 3 * time.Second
	}
	if c.Viewer == nil {
		c.Viewer = NewViewer("")
	}
	if c.Clock == nil {
		c.Clock = SystemClock
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ReceiptTracker sends delivery, read and typing notifications and applies
// the receipts the hub pushes back.
type ReceiptTracker struct {
	hub     HubSender
	api     ChatAPI
	store   *MessageStore
	viewer  *Viewer
	clock   Clock
	logger  *slog.Logger
	metrics *Metrics
	typing  *rate.Limiter
}

func NewReceiptTracker(hub HubSender, api ChatAPI, store *MessageStore, config ReceiptConfig) *ReceiptTracker {
	config.defaults()
	return &ReceiptTracker{
		hub:     hub,
		api:     api,
		store:   store,
		viewer:  config.Viewer,
		clock:   config.Clock,
		logger:  config.Logger,
		metrics: config.Metrics,
		typing:  rate.NewLimiter(rate.Every(config.TypingInterval), 1),
	}
}

// MarkDelivered acknowledges delivery of id over the hub, or over REST when
// the hub is down. Failures are logged, never returned.
func (t *ReceiptTracker) MarkDelivered(ctx context.Context, id string) {
	if id == "" {
		return
	}
	err := t.viaHub(ctx, MethodMessageDelivered, id)
	if errors.Is(err, ErrNotConnected) {
		err = t.api.MarkDelivered(ctx, id)
	}
	if err != nil {
		t.bestEffortFailed("mark_delivered", id, err)
		return
	}
	t.store.MarkDelivered(id)
}

// MarkMessagesRead marks ids read in one call, over the hub when connected
// and over REST otherwise. The hub call waits for the server's completion.
// On success the store is updated and each counterpart's unread count drops
// by the messages that were unread; on failure nothing changes.
func (t *ReceiptTracker) MarkMessagesRead(ctx context.Context, ids []string) error {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	err := t.invokeHub(ctx, MethodMessagesRead, ids)
	if errors.Is(err, ErrNotConnected) {
		err = t.api.MarkRead(ctx, ids)
	}
	if err != nil {
		return err
	}
	t.applyRead(ids)
	return nil
}

// SendTyping tells the counterpart the viewer started or stopped typing.
// Starts are throttled; stops always go out. Best effort.
func (t *ReceiptTracker) SendTyping(ctx context.Context, isTyping bool, toUserID *string) {
	if isTyping && !t.typing.AllowN(t.clock.Now(), 1) {
		return
	}
	if err := t.viaHub(ctx, MethodSendTypingIndicator, isTyping, toUserID); err != nil {
		t.bestEffortFailed("send_typing", "", err)
	}
}

// HandleRead applies a pushed read receipt.
func (t *ReceiptTracker) HandleRead(receipts []Receipt) {
	ids := make([]string, 0, len(receipts))
	for _, r := range receipts {
		ids = append(ids, r.MessageID)
	}
	t.applyRead(ids)
}

// HandleDelivered applies a pushed delivery receipt.
func (t *ReceiptTracker) HandleDelivered(receipts []Receipt) {
	for _, r := range receipts {
		t.store.MarkDelivered(r.MessageID)
	}
}

func (t *ReceiptTracker) applyRead(ids []string) {
	flipped := t.store.MarkRead(ids, t.clock.Now())
	perUser := make(map[string]int)
	var order []string
	for _, m := range flipped {
		if t.viewer.Authored(m) {
			continue
		}
		u := m.Counterpart()
		if _, ok := perUser[u]; !ok {
			order = append(order, u)
		}
		perUser[u]++
	}
	for _, u := range order {
		t.store.DecrementUnread(u, perUser[u])
	}
}

func (t *ReceiptTracker) viaHub(ctx context.Context, target string, args ...interface{}) error {
	if err := t.hubReady(target); err != nil {
		return err
	}
	return t.hub.Send(ctx, target, args...)
}

func (t *ReceiptTracker) invokeHub(ctx context.Context, target string, args ...interface{}) error {
	if err := t.hubReady(target); err != nil {
		return err
	}
	_, err := t.hub.Invoke(ctx, target, args...)
	return err
}

func (t *ReceiptTracker) hubReady(target string) error {
	if t.hub == nil {
		return &NotConnectedError{Target: target, State: StateDisconnected}
	}
	if st := t.hub.State(); st != StateConnected {
		return &NotConnectedError{Target: target, State: st}
	}
	return nil
}

func (t *ReceiptTracker) bestEffortFailed(op, messageID string, err error) {
	t.metrics.bestEffortFailure(op)
	err = &RequestFailure{Op: op, Err: err, BestEffort: true}
	attrs := []any{slog.String("event", op), slog.String("error", err.Error())}
	if messageID != "" {
		attrs = append(attrs, slog.String("message_id", messageID))
	}
	t.logger.Warn("best-effort notification failed", attrs...)
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
