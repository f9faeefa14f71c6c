package adminchat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeAPI serves history newest page first from an in-memory log per
// conversation ("" is the administrative channel).
type fakeAPI struct {
	mu sync.Mutex

	history       map[string][]Message
	conversations []Conversation
	unread        int

	// gates holds a History call for "user/page" until the channel closes.
	gates   map[string]chan struct{}
	started chan string

	sendGate chan struct{}
	sendErr  error
	nextID   int

	historyCalls []string
	sent         []SendRequest
	attachments  []AttachmentRequest
	readCalls    [][]string
	delivered    []string
	deleted      []string
	readErr      error
	deliverErr   error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		history: make(map[string][]Message),
		gates:   make(map[string]chan struct{}),
		started: make(chan string, 16),
	}
}

func (f *fakeAPI) gate(key string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[key] = ch
	return ch
}

func (f *fakeAPI) History(ctx context.Context, userID *string, page, size int) (*HistoryPage, error) {
	key := fmt.Sprintf("%s/%d", deref(userID), page)
	f.mu.Lock()
	f.historyCalls = append(f.historyCalls, key)
	gate := f.gates[key]
	all := f.history[deref(userID)]
	f.mu.Unlock()

	f.started <- key
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	end := len(all) - page*size
	if end < 0 {
		end = 0
	}
	start := end - size
	if start < 0 {
		start = 0
	}
	return &HistoryPage{
		Messages:   append([]Message(nil), all[start:end]...),
		TotalCount: len(all),
		PageNumber: page,
		PageSize:   size,
	}, nil
}

func (f *fakeAPI) Conversations(ctx context.Context, page, size int) (*ConversationsPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := page * size
	if start > len(f.conversations) {
		start = len(f.conversations)
	}
	end := start + size
	if end > len(f.conversations) {
		end = len(f.conversations)
	}
	return &ConversationsPage{Conversations: append([]Conversation(nil), f.conversations[start:end]...), PageNumber: page, PageSize: size}, nil
}

func (f *fakeAPI) confirm(content string, typ MessageType, to *string) *Message {
	f.nextID++
	return &Message{
		ID:             fmt.Sprintf("srv-%d", f.nextID),
		FromUserID:     "admin",
		ToUserID:       to,
		Content:        content,
		Type:           typ,
		IsAdminMessage: true,
		SentAt:         time.Date(2026, 6, 1, 12, 0, f.nextID, 0, time.UTC),
	}
}

func (f *fakeAPI) SendMessage(ctx context.Context, req *SendRequest) (*Message, error) {
	if f.sendGate != nil {
		<-f.sendGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, *req)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return f.confirm(req.Content, req.Type, req.ToUserID), nil
}

func (f *fakeAPI) SendWithAttachment(ctx context.Context, req *AttachmentRequest) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments = append(f.attachments, *req)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	m := f.confirm(req.Content, req.Type, req.ToUserID)
	m.AttachmentURL = StringPtr("/uploads/" + req.FileName)
	return m, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls = append(f.readCalls, ids)
	return f.readErr
}

func (f *fakeAPI) MarkDelivered(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, id)
	return f.deliverErr
}

func (f *fakeAPI) UnreadCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, nil
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeAPI) HistoryCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.historyCalls)
}

// userLog builds count messages from userID, oldest first, ids prefix0..n.
func userLog(userID, prefix string, count int) []Message {
	out := make([]Message, count)
	for i := range out {
		out[i] = Message{
			ID:         fmt.Sprintf("%s%d", prefix, i),
			FromUserID: userID,
			ToUserID:   StringPtr("admin"),
			Content:    "hello",
			SentAt:     time.Date(2026, 6, 1, 8, i, 0, 0, time.UTC),
		}
	}
	return out
}

func newTestReconciler(api ChatAPI, pageSize int) (*Reconciler, *MessageStore) {
	store := NewMessageStore(pageSize, nil)
	r := NewReconciler(api, store, ReconcilerConfig{
		PageSize:             pageSize,
		ConversationPageSize: 2,
		Viewer:               NewViewer("admin"),
		Logger:               quietLogger(),
	})
	return r, store
}

// ============================================================================
// History
// ============================================================================

func TestReconcilerPaging(t *testing.T) {
	api := newFakeAPI()
	var log []Message
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		log = append(log, Message{ID: id, FromUserID: "u1", SentAt: time.Date(2026, 6, 1, 8, i, 0, 0, time.UTC)})
	}
	api.history["u1"] = log
	r, store := newTestReconciler(api, 2)
	ctx := context.Background()

	if err := r.OpenConversation(ctx, StringPtr("u1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := storeOrder(store); got != "de" {
		t.Fatalf("expected de after first page, got %s", got)
	}
	if c := store.Cursor(); !c.HasMore || c.TotalCount != 5 {
		t.Fatalf("expected more pages, got %+v", c)
	}

	// A live message for the open conversation arrives between pages.
	r.HandleIncomingMessage(Message{ID: "f", FromUserID: "u1", SentAt: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)})

	for i := 0; i < 2; i++ {
		if err := r.LoadMore(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := storeOrder(store); got != "abcdef" {
		t.Fatalf("expected abcdef, got %s", got)
	}
	if store.Cursor().HasMore {
		t.Fatal("expected the short last page to end paging")
	}

	calls := api.HistoryCalls()
	if err := r.LoadMore(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.HistoryCalls() != calls {
		t.Fatal("expected no request once the last page is loaded")
	}
}

func TestReconcilerPagingTermination(t *testing.T) {
	api := newFakeAPI()
	api.history[""] = userLog("u1", "m", 30)
	r, store := newTestReconciler(api, 50)
	ctx := context.Background()

	if err := r.OpenConversation(ctx, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.Len() != 30 || store.Cursor().HasMore {
		t.Fatalf("expected 30 messages and no more pages, got %d %+v", store.Len(), store.Cursor())
	}
	if err := r.LoadMore(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.HistoryCalls() != 1 {
		t.Fatalf("expected a single history request, got %d", api.HistoryCalls())
	}
}

func TestReconcilerExactMultiple(t *testing.T) {
	api := newFakeAPI()
	api.history["u1"] = userLog("u1", "m", 4)
	r, store := newTestReconciler(api, 2)
	ctx := context.Background()

	_ = r.OpenConversation(ctx, StringPtr("u1"))
	_ = r.LoadMore(ctx)
	if store.Len() != 4 || store.Cursor().HasMore {
		t.Fatalf("expected total count to end paging at 4, got %d %+v", store.Len(), store.Cursor())
	}
}

func TestReconcilerContextSwitchDiscardsStalePage(t *testing.T) {
	api := newFakeAPI()
	api.history["A"] = userLog("A", "a", 4)
	api.history["B"] = userLog("B", "b", 1)
	r, store := newTestReconciler(api, 2)
	ctx := context.Background()

	if err := r.OpenConversation(ctx, StringPtr("A")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-api.started

	release := api.gate("A/1")
	done := make(chan error, 1)
	go func() { done <- r.LoadMore(ctx) }()
	if key := <-api.started; key != "A/1" {
		t.Fatalf("expected A/1 to be requested, got %s", key)
	}

	if err := r.OpenConversation(ctx, StringPtr("B")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-api.started
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := store.Messages()
	if len(msgs) != 1 || msgs[0].ID != "b0" {
		t.Fatalf("expected only B's message, got %+v", msgs)
	}
	if c := store.Cursor(); c.PageNumber != 0 || c.TotalCount != 1 || c.HasMore {
		t.Fatalf("expected B's cursor, got %+v", c)
	}
}

func TestReconcilerLoadMoreSingleFlight(t *testing.T) {
	api := newFakeAPI()
	api.history["u1"] = userLog("u1", "m", 6)
	r, _ := newTestReconciler(api, 2)
	ctx := context.Background()

	_ = r.OpenConversation(ctx, StringPtr("u1"))
	<-api.started

	release := api.gate("u1/1")
	done := make(chan error, 1)
	go func() { done <- r.LoadMore(ctx) }()
	<-api.started

	if err := r.LoadMore(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.HistoryCalls() != 2 {
		t.Fatalf("expected the concurrent load-more to be dropped, got %d calls", api.HistoryCalls())
	}
	close(release)
	<-done
}

func TestReconcilerLoadMoreAfterContextSwitch(t *testing.T) {
	api := newFakeAPI()
	api.history["A"] = userLog("A", "a", 4)
	api.history["B"] = userLog("B", "b", 4)
	r, store := newTestReconciler(api, 2)
	ctx := context.Background()

	_ = r.OpenConversation(ctx, StringPtr("A"))
	<-api.started

	release := api.gate("A/1")
	done := make(chan error, 1)
	go func() { done <- r.LoadMore(ctx) }()
	<-api.started

	_ = r.OpenConversation(ctx, StringPtr("B"))
	<-api.started

	if err := r.LoadMore(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key := <-api.started; key != "B/1" {
		t.Fatalf("expected B/1 to be requested, got %s", key)
	}
	if got := storeOrder(store); got != "b0b1b2b3" {
		t.Fatalf("expected all of B, got %s", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := storeOrder(store); got != "b0b1b2b3" {
		t.Fatalf("expected A's late page discarded, got %s", got)
	}
}

func TestComputeHasMore(t *testing.T) {
	tests := []struct {
		name                             string
		returned, page, pageSize, total int
		want                             bool
	}{
		{"full page with more", 2, 0, 2, 5, true},
		{"short page", 1, 2, 2, 5, false},
		{"exact multiple", 2, 1, 2, 4, false},
		{"oversized page", 3, 0, 2, 10, false},
		{"empty page", 0, 0, 2, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := computeHasMore(tc.returned, tc.page, tc.pageSize, tc.total); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestReconcilerPushDuringFirstPage(t *testing.T) {
	api := newFakeAPI()
	api.history["A"] = userLog("A", "h", 2)
	r, store := newTestReconciler(api, 10)
	ctx := context.Background()

	live := Message{ID: "live", FromUserID: "A", ToUserID: StringPtr("admin"), SentAt: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}

	release := api.gate("A/0")
	done := make(chan error, 1)
	go func() { done <- r.OpenConversation(ctx, StringPtr("A")) }()
	<-api.started

	r.HandleIncomingMessage(live)
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := storeOrder(store); got != "h0h1live" {
		t.Fatalf("expected h0h1live, got %s", got)
	}
	if c, _ := store.Conversation("A"); c.UnreadCount != 1 {
		t.Fatalf("expected one unread for A, got %d", c.UnreadCount)
	}

	t.Run("reload keeps newer live messages", func(t *testing.T) {
		release := api.gate("A/0")
		done := make(chan error, 1)
		go func() { done <- r.LoadHistory(ctx) }()
		<-api.started

		later := live
		later.ID = "later"
		later.SentAt = live.SentAt.Add(time.Minute)
		r.HandleIncomingMessage(later)
		close(release)
		if err := <-done; err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := storeOrder(store); got != "h0h1livelater" {
			t.Fatalf("expected h0h1livelater, got %s", got)
		}
	})
}

// ============================================================================
// Live messages and unread
// ============================================================================

func TestReconcilerRedelivery(t *testing.T) {
	api := newFakeAPI()
	r, store := newTestReconciler(api, 10)
	_ = r.OpenConversation(context.Background(), StringPtr("u1"))

	m := Message{ID: "m1", FromUserID: "u1", Content: "hi", SentAt: time.Now()}
	r.HandleIncomingMessage(m)
	r.HandleIncomingMessage(m)

	if store.Len() != 1 {
		t.Fatalf("expected one copy, got %d", store.Len())
	}
	c, ok := store.Conversation("u1")
	if !ok || c.UnreadCount != 1 || store.UnreadTotal() != 1 {
		t.Fatalf("expected unread 1, got %+v total %d", c, store.UnreadTotal())
	}

	read := m
	read.IsRead = true
	r.HandleIncomingMessage(read)
	if got, _ := store.Message("m1"); !got.IsRead {
		t.Fatal("expected redelivery to carry the read state")
	}
	if c, _ := store.Conversation("u1"); c.UnreadCount != 1 {
		t.Fatalf("expected redelivery not to touch unread, got %d", c.UnreadCount)
	}
}

func TestReconcilerUnreadRules(t *testing.T) {
	api := newFakeAPI()
	api.history["u1"] = userLog("u1", "h", 1)
	r, store := newTestReconciler(api, 10)
	_ = r.OpenConversation(context.Background(), StringPtr("u1"))

	t.Run("other conversation counts but is not shown", func(t *testing.T) {
		r.HandleIncomingMessage(Message{ID: "x1", FromUserID: "u2", SentAt: time.Now()})
		if _, ok := store.Message("x1"); ok {
			t.Fatal("expected out-of-context message to stay out of the log")
		}
		c, ok := store.Conversation("u2")
		if !ok || c.UnreadCount != 1 || c.UserName != unknownUserName {
			t.Fatalf("unexpected conversation %+v", c)
		}
	})

	t.Run("own messages never count", func(t *testing.T) {
		r.HandleIncomingMessage(Message{ID: "x2", FromUserID: "admin", ToUserID: StringPtr("u1"), IsAdminMessage: true, SentAt: time.Now()})
		if c, _ := store.Conversation("u1"); c.UnreadCount != 0 {
			t.Fatalf("expected own message not to count, got %d", c.UnreadCount)
		}
	})

	t.Run("history then push counts once", func(t *testing.T) {
		h0, _ := store.Message("h0")
		r.HandleIncomingMessage(h0)
		if c, _ := store.Conversation("u1"); c.UnreadCount != 0 {
			t.Fatalf("expected message already loaded as history not to count, got %d", c.UnreadCount)
		}
	})

	if store.UnreadTotal() != 1 {
		t.Fatalf("expected total 1, got %d", store.UnreadTotal())
	}
}

func TestViewerWithoutID(t *testing.T) {
	v := NewViewer("")
	if !v.Authored(Message{IsAdminMessage: true}) || v.Authored(Message{FromUserID: "u1"}) {
		t.Fatal("expected admin messages to be the viewer's without an id")
	}
	v.SetID("u1")
	if !v.Authored(Message{FromUserID: "u1"}) || v.Authored(Message{IsAdminMessage: true, FromUserID: "other"}) {
		t.Fatal("expected the id to decide authorship once known")
	}
	if v.countsAsUnread(Message{FromUserID: "u2", IsRead: true}) {
		t.Fatal("expected read messages not to count")
	}
}

// ============================================================================
// Sending
// ============================================================================

func TestReconcilerSendText(t *testing.T) {
	api := newFakeAPI()
	r, store := newTestReconciler(api, 10)
	ctx := context.Background()
	_ = r.OpenConversation(ctx, StringPtr("u1"))

	m, err := r.SendText(ctx, "hello", StringPtr("u1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.Message(m.ID); !ok {
		t.Fatal("expected the confirmed message in the log")
	}
	c, ok := store.Conversation("u1")
	if !ok || c.LastMessage != "hello" || c.UnreadCount != 0 {
		t.Fatalf("unexpected conversation %+v", c)
	}

	// The hub echoes the same message back.
	r.HandleIncomingMessage(*m)
	if store.Len() != 1 {
		t.Fatalf("expected echo to be deduplicated, got %d", store.Len())
	}
}

func TestReconcilerComposeLock(t *testing.T) {
	api := newFakeAPI()
	api.sendGate = make(chan struct{})
	r, _ := newTestReconciler(api, 10)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := r.SendText(ctx, "first", nil)
		done <- err
	}()
	waitFor(t, "send in flight", r.sending.Load)

	if _, err := r.SendText(ctx, "second", nil); !errors.Is(err, ErrSendInProgress) {
		t.Fatalf("expected ErrSendInProgress, got %v", err)
	}
	if _, err := r.SendWithAttachment(ctx, &AttachmentRequest{FileName: "a.png", Data: []byte{1}, Type: TypeImage}); !errors.Is(err, ErrSendInProgress) {
		t.Fatalf("expected ErrSendInProgress for attachment, got %v", err)
	}

	close(api.sendGate)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.SendText(ctx, "third", nil); err != nil {
		t.Fatalf("expected lock released after completion, got %v", err)
	}
}

func TestReconcilerSendFailure(t *testing.T) {
	api := newFakeAPI()
	api.sendErr = &RequestFailure{Op: "send message", StatusCode: 500}
	r, store := newTestReconciler(api, 10)
	ctx := context.Background()

	_, err := r.SendText(ctx, "hello", nil)
	var rf *RequestFailure
	if !errors.As(err, &rf) || rf.StatusCode != 500 {
		t.Fatalf("expected request failure, got %v", err)
	}
	if store.Len() != 0 || len(store.Conversations()) != 0 {
		t.Fatal("expected nothing shown for a failed send")
	}
	if r.sending.Load() {
		t.Fatal("expected lock released after failure")
	}
}

func TestReconcilerSendValidation(t *testing.T) {
	api := newFakeAPI()
	r, _ := newTestReconciler(api, 10)
	ctx := context.Background()

	tests := []struct {
		name string
		send func() error
	}{
		{"blank text", func() error { _, err := r.SendText(ctx, "   ", nil); return err }},
		{"nil attachment", func() error { _, err := r.SendWithAttachment(ctx, nil); return err }},
		{"empty file", func() error {
			_, err := r.SendWithAttachment(ctx, &AttachmentRequest{FileName: "a.png", Type: TypeImage})
			return err
		}},
		{"bad type", func() error {
			_, err := r.SendWithAttachment(ctx, &AttachmentRequest{FileName: "a.png", Data: []byte{1}, Type: MessageType(9)})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var vf *ValidationFailure
			if err := tt.send(); !errors.As(err, &vf) {
				t.Fatalf("expected ValidationFailure, got %v", err)
			}
		})
	}
	if len(api.sent) != 0 || len(api.attachments) != 0 {
		t.Fatal("expected no request for invalid input")
	}
}

func TestReconcilerSendAttachment(t *testing.T) {
	api := newFakeAPI()
	r, store := newTestReconciler(api, 10)
	m, err := r.SendWithAttachment(context.Background(), &AttachmentRequest{
		FileName: "shot.png",
		Data:     []byte("png"),
		Type:     TypeImage,
		ToUserID: StringPtr("u4"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deref(m.AttachmentURL) != "/uploads/shot.png" {
		t.Fatalf("unexpected attachment url %v", m.AttachmentURL)
	}
	if c, _ := store.Conversation("u4"); c.LastMessage != "[image]" {
		t.Fatalf("expected image preview, got %q", c.LastMessage)
	}
}

// ============================================================================
// Conversations, unread and delete
// ============================================================================

func TestReconcilerConversations(t *testing.T) {
	api := newFakeAPI()
	api.conversations = []Conversation{{UserID: "u1"}, {UserID: "u2"}, {UserID: "u3"}}
	api.unread = 7
	r, store := newTestReconciler(api, 10)
	ctx := context.Background()

	if err := r.LoadConversations(ctx, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.Conversations()) != 2 || !store.ConversationCursor().HasMore {
		t.Fatalf("expected a full first page, got %+v", store.ConversationCursor())
	}
	_ = r.LoadConversations(ctx, true)
	if len(store.Conversations()) != 3 || store.ConversationCursor().HasMore {
		t.Fatalf("expected the short page to end the list, got %d", len(store.Conversations()))
	}
	_ = r.LoadConversations(ctx, true)
	if len(store.Conversations()) != 3 {
		t.Fatal("expected no further loading")
	}

	n, err := r.RefreshUnreadCount(ctx)
	if err != nil || n != 7 {
		t.Fatalf("expected unread 7, got %d (%v)", n, err)
	}
}

func TestReconcilerDelete(t *testing.T) {
	api := newFakeAPI()
	api.history["u1"] = userLog("u1", "m", 2)
	r, store := newTestReconciler(api, 10)
	ctx := context.Background()
	_ = r.OpenConversation(ctx, StringPtr("u1"))

	if err := r.DeleteMessage(ctx, "m0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.Message("m0"); ok || len(api.deleted) != 1 {
		t.Fatal("expected m0 deleted remotely and locally")
	}
	var vf *ValidationFailure
	if err := r.DeleteMessage(ctx, ""); !errors.As(err, &vf) {
		t.Fatalf("expected ValidationFailure, got %v", err)
	}
}
