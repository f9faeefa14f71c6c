package adminchat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// ChatAPI is the REST surface the reconciler and receipt tracker need.
// *Client implements it.
type ChatAPI interface {
	History(ctx context.Context, userID *string, page, size int) (*HistoryPage, error)
	Conversations(ctx context.Context, page, size int) (*ConversationsPage, error)
	SendMessage(ctx context.Context, req *SendRequest) (*Message, error)
	SendWithAttachment(ctx context.Context, req *AttachmentRequest) (*Message, error)
	MarkRead(ctx context.Context, ids []string) error
	MarkDelivered(ctx context.Context, id string) error
	UnreadCount(ctx context.Context) (int, error)
	DeleteMessage(ctx context.Context, id string) error
}

var _ ChatAPI = (*Client)(nil)

// Viewer identifies the local user. Messages the viewer wrote never count
// as unread. With no id known, admin messages are taken as the viewer's.
type Viewer struct {
	mu sync.RWMutex
	id string
}

func NewViewer(id string) *Viewer { return &Viewer{id: id} }

func (v *Viewer) ID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.id
}

func (v *Viewer) SetID(id string) {
	v.mu.Lock()
	v.id = id
	v.mu.Unlock()
}

// Authored reports whether m was written by the local viewer.
func (v *Viewer) Authored(m Message) bool {
	if id := v.ID(); id != "" {
		return m.FromUserID == id
	}
	return m.IsAdminMessage
}

// countsAsUnread is the single rule for unread bookkeeping.
func (v *Viewer) countsAsUnread(m Message) bool {
	return !m.IsRead && !v.Authored(m)
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	PageSize             int
	ConversationPageSize int
	Viewer               *Viewer
	Logger               *slog.Logger
	Metrics              *Metrics
}

func (c *ReconcilerConfig) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.ConversationPageSize <= 0 {
		c.ConversationPageSize = 20
	}
	if c.Viewer == nil {
		c.Viewer = NewViewer("")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Reconciler merges paginated history, confirmed sends and live pushes into
// the store so that each message appears once, in order, and is counted as
// unread at most once.
type Reconciler struct {
	api     ChatAPI
	store   *MessageStore
	viewer  *Viewer
	logger  *slog.Logger
	metrics *Metrics

	pageSize     int
	convPageSize int

	sending atomic.Bool
	// loadingMore holds generation+1 of the load-more in flight, 0 when idle.
	loadingMore atomic.Uint64

	amu     sync.Mutex
	applied map[string]struct{}
}

// NewReconciler wires a reconciler to its REST collaborator and store.
func NewReconciler(api ChatAPI, store *MessageStore, config ReconcilerConfig) *Reconciler {
	config.defaults()
	return &Reconciler{
		api:          api,
		store:        store,
		viewer:       config.Viewer,
		logger:       config.Logger,
		metrics:      config.Metrics,
		pageSize:     config.PageSize,
		convPageSize: config.ConversationPageSize,
		applied:      make(map[string]struct{}),
	}
}

// ── History ──────────────────────────────────────────────

// OpenConversation switches the active context to userID (nil for the
// administrative channel) and loads its first page. The page is merged into
// the emptied log so messages pushed meanwhile are kept.
func (r *Reconciler) OpenConversation(ctx context.Context, userID *string) error {
	gen := r.store.ResetContext(userID)
	return r.fetchPage(ctx, gen, userID, 0, false)
}

// LoadHistory reloads the first page of the active context.
func (r *Reconciler) LoadHistory(ctx context.Context) error {
	gen, userID, cur := r.store.PagingState()
	return r.fetchPage(ctx, gen, userID, 0, cur.Loaded)
}

// LoadMore fetches the next page of the active context. It is a no-op when
// the last page has been seen or a load-more for the same context is
// running.
func (r *Reconciler) LoadMore(ctx context.Context) error {
	gen, userID, cur := r.store.PagingState()
	if !cur.Loaded {
		return r.fetchPage(ctx, gen, userID, 0, false)
	}
	if !cur.HasMore {
		return nil
	}
	mark := gen + 1
	for {
		v := r.loadingMore.Load()
		if v == mark {
			return nil
		}
		if r.loadingMore.CompareAndSwap(v, mark) {
			break
		}
	}
	defer r.loadingMore.CompareAndSwap(mark, 0)
	return r.fetchPage(ctx, gen, userID, cur.PageNumber+1, false)
}

// fetchPage requests one page for the context captured as gen. The store and
// cursor only change on success and only if gen is still current.
func (r *Reconciler) fetchPage(ctx context.Context, gen uint64, userID *string, page int, replace bool) error {
	hp, err := r.api.History(ctx, userID, page, r.pageSize)
	if err != nil {
		return err
	}
	c := Cursor{
		PageNumber: page,
		PageSize:   r.pageSize,
		TotalCount: hp.TotalCount,
		HasMore:    computeHasMore(len(hp.Messages), page, r.pageSize, hp.TotalCount),
		Loaded:     true,
	}
	if !r.store.ApplyPage(gen, hp.Messages, c, replace) {
		r.logger.Debug("discarding stale history page",
			slog.String("event", "stale_page"),
			slog.String("context", deref(userID)),
			slog.Int("page", page))
		return nil
	}

	r.amu.Lock()
	for _, m := range hp.Messages {
		r.applied[m.ID] = struct{}{}
	}
	r.amu.Unlock()
	for range hp.Messages {
		r.metrics.messageApplied("history")
	}
	return nil
}

// ── Conversations ────────────────────────────────────────

// LoadConversations loads the first page of the conversation list, or the
// next one when more is set.
func (r *Reconciler) LoadConversations(ctx context.Context, more bool) error {
	page := 0
	if more {
		cur := r.store.ConversationCursor()
		if cur.Loaded {
			if !cur.HasMore {
				return nil
			}
			page = cur.PageNumber + 1
		}
	}
	cp, err := r.api.Conversations(ctx, page, r.convPageSize)
	if err != nil {
		return err
	}
	if page == 0 {
		r.store.SetConversations(cp.Conversations)
	} else {
		r.store.AppendConversations(cp.Conversations)
	}
	r.store.SetConversationCursor(Cursor{
		PageNumber: page,
		PageSize:   r.convPageSize,
		HasMore:    len(cp.Conversations) == r.convPageSize,
		Loaded:     true,
	})
	return nil
}

// RefreshUnreadCount replaces the global unread total with the server's.
func (r *Reconciler) RefreshUnreadCount(ctx context.Context) (int, error) {
	n, err := r.api.UnreadCount(ctx)
	if err != nil {
		return 0, err
	}
	r.store.SetUnreadTotal(n)
	return r.store.UnreadTotal(), nil
}

// ── Sending ──────────────────────────────────────────────

// SendText sends a text message. Nothing is shown before the server
// confirms; a second send while one is in flight gets ErrSendInProgress.
func (r *Reconciler) SendText(ctx context.Context, content string, toUserID *string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, &ValidationFailure{Field: "content", Reason: "must not be empty"}
	}
	if !r.sending.CompareAndSwap(false, true) {
		return nil, ErrSendInProgress
	}
	defer r.sending.Store(false)

	m, err := r.api.SendMessage(ctx, &SendRequest{Content: content, Type: TypeText, ToUserID: toUserID})
	if err != nil {
		return nil, err
	}
	r.applyConfirmed(*m)
	return m, nil
}

// SendWithAttachment sends a message carrying a file. Size limits are the
// server's to enforce.
func (r *Reconciler) SendWithAttachment(ctx context.Context, req *AttachmentRequest) (*Message, error) {
	if req == nil || req.FileName == "" || len(req.Data) == 0 {
		return nil, &ValidationFailure{Field: "attachment", Reason: "file is required"}
	}
	if !req.Type.Valid() {
		return nil, &ValidationFailure{Field: "type", Reason: "unknown message type " + req.Type.String()}
	}
	if !r.sending.CompareAndSwap(false, true) {
		return nil, ErrSendInProgress
	}
	defer r.sending.Store(false)

	m, err := r.api.SendWithAttachment(ctx, req)
	if err != nil {
		return nil, err
	}
	r.applyConfirmed(*m)
	return m, nil
}

func (r *Reconciler) applyConfirmed(m Message) {
	if r.store.InContext(m) && r.store.Upsert(m) {
		r.metrics.messageApplied("send")
	}
	r.applyToConversations(m)
}

// ── Live ─────────────────────────────────────────────────

// HandleIncomingMessage applies a pushed message. Redelivery of a message
// already seen changes nothing but its read and delivery state.
func (r *Reconciler) HandleIncomingMessage(m Message) {
	if m.ID == "" {
		return
	}
	if r.store.InContext(m) && r.store.AppendLive(m) {
		r.metrics.messageApplied("live")
	}
	r.applyToConversations(m)
}

// applyToConversations updates the conversation list once per message id.
func (r *Reconciler) applyToConversations(m Message) {
	r.amu.Lock()
	_, seen := r.applied[m.ID]
	r.applied[m.ID] = struct{}{}
	r.amu.Unlock()
	if seen {
		return
	}
	r.store.TouchConversation(m, r.viewer.countsAsUnread(m))
}

// DeleteMessage deletes id on the server, then locally.
func (r *Reconciler) DeleteMessage(ctx context.Context, id string) error {
	if id == "" {
		return &ValidationFailure{Field: "id", Reason: "must not be empty"}
	}
	if err := r.api.DeleteMessage(ctx, id); err != nil {
		return err
	}
	r.store.Remove(id)
	return nil
}

// Reset forgets which messages were applied, as at session end.
func (r *Reconciler) Reset() {
	r.amu.Lock()
	r.applied = make(map[string]struct{})
	r.amu.Unlock()
}
