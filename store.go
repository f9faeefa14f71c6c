package adminchat

import (
	"sort"
	"sync"
	"time"
)

// StoreEventKind says which part of the store changed.
type StoreEventKind string

const (
	StoreMessages      StoreEventKind = "messages"
	StoreConversations StoreEventKind = "conversations"
	StoreContext       StoreEventKind = "context"
	StoreUnread        StoreEventKind = "unread"
)

// StoreEvent is delivered to OnChange observers after a mutation.
type StoreEvent struct {
	Kind       StoreEventKind
	MessageIDs []string
	UserID     string
}

const unknownUserName = "Unknown User"

// MessageStore is the in-memory message log of the active conversation
// context plus the conversation list. Messages are unique by id and kept in
// SentAt order, ties in arrival order, so prepended history and appended
// live messages converge on the same sequence.
type MessageStore struct {
	mu         sync.RWMutex
	messages   []Message
	index      map[string]int
	context    *string
	generation uint64
	cursor     Cursor
	pageSize   int

	conversations []Conversation
	convCursor    Cursor
	unreadTotal   int

	observers []func(StoreEvent)
	metrics   *Metrics
}

// NewMessageStore creates an empty store whose history cursor uses pageSize.
func NewMessageStore(pageSize int, metrics *Metrics) *MessageStore {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &MessageStore{
		index:    make(map[string]int),
		pageSize: pageSize,
		cursor:   Cursor{PageSize: pageSize, HasMore: true},
		metrics:  metrics,
	}
}

// OnChange registers a mutation observer. Observers run after the store lock
// is released.
func (s *MessageStore) OnChange(fn func(StoreEvent)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

func (s *MessageStore) emit(ev StoreEvent) {
	s.mu.RLock()
	observers := append([]func(StoreEvent){}, s.observers...)
	s.mu.RUnlock()
	for _, fn := range observers {
		fn(ev)
	}
}

// ── Messages ─────────────────────────────────────────────

// Upsert inserts m at its ordered position, or merges the read and delivery
// state of an already present copy in place. It reports whether m was new.
func (s *MessageStore) Upsert(m Message) bool {
	s.mu.Lock()
	inserted, changed := s.upsertLocked(m)
	s.mu.Unlock()
	if changed {
		s.emit(StoreEvent{Kind: StoreMessages, MessageIDs: []string{m.ID}})
	}
	return inserted
}

func (s *MessageStore) upsertLocked(m Message) (inserted, changed bool) {
	if m.ID == "" {
		return false, false
	}
	if i, ok := s.index[m.ID]; ok {
		return false, mergeInto(&s.messages[i], m)
	}
	pos := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].SentAt.After(m.SentAt)
	})
	s.messages = append(s.messages, Message{})
	copy(s.messages[pos+1:], s.messages[pos:])
	s.messages[pos] = m
	s.reindexFrom(pos)
	return true, true
}

// mergeInto applies the newer copy's read state (last write wins) and its
// delivery state (never reverts). ReadAt survives a read copy that omits it.
func mergeInto(dst *Message, src Message) bool {
	before := *dst
	dst.IsRead = src.IsRead
	switch {
	case src.IsRead && src.ReadAt != nil:
		dst.ReadAt = src.ReadAt
	case !src.IsRead:
		dst.ReadAt = nil
	}
	if src.IsDelivered {
		dst.IsDelivered = true
	}
	if dst.AttachmentURL == nil && src.AttachmentURL != nil {
		dst.AttachmentURL = src.AttachmentURL
	}
	return before.IsRead != dst.IsRead ||
		before.IsDelivered != dst.IsDelivered ||
		!sameTime(before.ReadAt, dst.ReadAt) ||
		before.AttachmentURL != dst.AttachmentURL
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (s *MessageStore) reindexFrom(pos int) {
	for i := pos; i < len(s.messages); i++ {
		s.index[s.messages[i].ID] = i
	}
}

// PrependHistory merges an older page. It returns how many were new.
func (s *MessageStore) PrependHistory(msgs []Message) int {
	return s.upsertAll(msgs)
}

// AppendLive merges a live message.
func (s *MessageStore) AppendLive(m Message) bool {
	return s.Upsert(m)
}

// ReplaceHistory drops the log and loads msgs in its place.
func (s *MessageStore) ReplaceHistory(msgs []Message) {
	s.mu.Lock()
	s.messages = nil
	s.index = make(map[string]int, len(msgs))
	for _, m := range msgs {
		s.upsertLocked(m)
	}
	s.mu.Unlock()
	s.emit(StoreEvent{Kind: StoreMessages, MessageIDs: messageIDs(msgs)})
}

func (s *MessageStore) upsertAll(msgs []Message) int {
	var inserted int
	var changed []string
	s.mu.Lock()
	for _, m := range msgs {
		ins, ch := s.upsertLocked(m)
		if ins {
			inserted++
		}
		if ch {
			changed = append(changed, m.ID)
		}
	}
	s.mu.Unlock()
	if len(changed) > 0 {
		s.emit(StoreEvent{Kind: StoreMessages, MessageIDs: changed})
	}
	return inserted
}

// MarkRead flags the present ids as read at the given time and returns the
// messages that were unread before. Unknown ids are ignored.
func (s *MessageStore) MarkRead(ids []string, at time.Time) []Message {
	var flipped []Message
	s.mu.Lock()
	for _, id := range ids {
		i, ok := s.index[id]
		if !ok || s.messages[i].IsRead {
			continue
		}
		s.messages[i].IsRead = true
		readAt := at
		s.messages[i].ReadAt = &readAt
		flipped = append(flipped, s.messages[i])
	}
	s.mu.Unlock()
	if len(flipped) > 0 {
		s.emit(StoreEvent{Kind: StoreMessages, MessageIDs: messageIDs(flipped)})
	}
	return flipped
}

// MarkDelivered flags id as delivered. It reports whether anything changed.
func (s *MessageStore) MarkDelivered(id string) bool {
	s.mu.Lock()
	i, ok := s.index[id]
	changed := ok && !s.messages[i].IsDelivered
	if changed {
		s.messages[i].IsDelivered = true
	}
	s.mu.Unlock()
	if changed {
		s.emit(StoreEvent{Kind: StoreMessages, MessageIDs: []string{id}})
	}
	return changed
}

// Remove deletes id from the log.
func (s *MessageStore) Remove(id string) bool {
	s.mu.Lock()
	i, ok := s.index[id]
	if ok {
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
		delete(s.index, id)
		s.reindexFrom(i)
	}
	s.mu.Unlock()
	if ok {
		s.emit(StoreEvent{Kind: StoreMessages, MessageIDs: []string{id}})
	}
	return ok
}

// Message returns the stored copy of id.
func (s *MessageStore) Message(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return s.messages[i], true
}

// Messages returns a copy of the log in display order.
func (s *MessageStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages...)
}

func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// ── Context ──────────────────────────────────────────────

// ResetContext switches the active conversation: the log and cursor are
// cleared and the generation advances, so responses requested for the old
// context can be recognised. A nil userID selects the administrative
// channel. It returns the new generation.
func (s *MessageStore) ResetContext(userID *string) uint64 {
	s.mu.Lock()
	s.messages = nil
	s.index = make(map[string]int)
	s.cursor = Cursor{PageSize: s.pageSize, HasMore: true}
	s.generation++
	gen := s.generation
	if userID != nil {
		id := *userID
		s.context = &id
	} else {
		s.context = nil
	}
	s.mu.Unlock()
	s.emit(StoreEvent{Kind: StoreContext, UserID: deref(userID)})
	return gen
}

// Context returns the active conversation user id, nil for the
// administrative channel.
func (s *MessageStore) Context() *string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.context == nil {
		return nil
	}
	id := *s.context
	return &id
}

func (s *MessageStore) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// InContext reports whether m belongs to the active context. With no
// conversation selected every message does.
func (s *MessageStore) InContext(m Message) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.context == nil {
		return true
	}
	return m.FromUserID == *s.context || deref(m.ToUserID) == *s.context
}

func (s *MessageStore) Cursor() Cursor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}

// SetCursor stores c if gen is still the current generation.
func (s *MessageStore) SetCursor(gen uint64, c Cursor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return false
	}
	s.cursor = c
	return true
}

// PagingState returns the generation, context and cursor as one consistent
// snapshot.
func (s *MessageStore) PagingState() (gen uint64, userID *string, c Cursor) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.context != nil {
		id := *s.context
		userID = &id
	}
	return s.generation, userID, s.cursor
}

// ApplyPage merges a history page and advances the cursor in one step,
// provided gen is still current. replace drops the log first, except for
// messages newer than the newest one in the page: those arrived live while
// the page was in flight.
func (s *MessageStore) ApplyPage(gen uint64, msgs []Message, c Cursor, replace bool) bool {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.metrics.staleResponse()
		return false
	}
	var kept []Message
	if replace {
		if len(msgs) > 0 {
			newest := msgs[0].SentAt
			for _, m := range msgs[1:] {
				if m.SentAt.After(newest) {
					newest = m.SentAt
				}
			}
			for _, m := range s.messages {
				if m.SentAt.After(newest) {
					kept = append(kept, m)
				}
			}
		}
		s.messages = nil
		s.index = make(map[string]int, len(msgs)+len(kept))
	}
	for _, m := range msgs {
		s.upsertLocked(m)
	}
	for _, m := range kept {
		s.upsertLocked(m)
	}
	s.cursor = c
	s.mu.Unlock()
	s.emit(StoreEvent{Kind: StoreMessages, MessageIDs: messageIDs(msgs)})
	return true
}

// ── Conversations ────────────────────────────────────────

// SetConversations replaces the list. Later duplicates of a user id are
// dropped.
func (s *MessageStore) SetConversations(list []Conversation) {
	s.mu.Lock()
	s.conversations = nil
	s.appendConversationsLocked(list)
	s.mu.Unlock()
	s.emit(StoreEvent{Kind: StoreConversations})
}

// AppendConversations adds a further page, skipping users already listed.
func (s *MessageStore) AppendConversations(list []Conversation) {
	s.mu.Lock()
	s.appendConversationsLocked(list)
	s.mu.Unlock()
	s.emit(StoreEvent{Kind: StoreConversations})
}

func (s *MessageStore) appendConversationsLocked(list []Conversation) {
	for _, c := range list {
		if c.UserID == "" || s.conversationIndexLocked(c.UserID) >= 0 {
			continue
		}
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		s.conversations = append(s.conversations, c)
	}
}

func (s *MessageStore) conversationIndexLocked(userID string) int {
	for i := range s.conversations {
		if s.conversations[i].UserID == userID {
			return i
		}
	}
	return -1
}

// Conversations returns a copy of the list, most recently active first.
func (s *MessageStore) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Conversation(nil), s.conversations...)
}

func (s *MessageStore) Conversation(userID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.conversationIndexLocked(userID); i >= 0 {
		return s.conversations[i], true
	}
	return Conversation{}, false
}

// TouchConversation moves the counterpart of m to the front of the list
// with m as its preview, creating the entry if needed. bumpUnread adds one
// unread message to the entry and to the global total.
func (s *MessageStore) TouchConversation(m Message, bumpUnread bool) {
	userID := m.Counterpart()
	if userID == "" {
		return
	}
	s.mu.Lock()
	var c Conversation
	if i := s.conversationIndexLocked(userID); i >= 0 {
		c = s.conversations[i]
		s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
	} else {
		c = Conversation{UserID: userID, UserName: m.counterpartName()}
		if c.UserName == "" {
			c.UserName = unknownUserName
		}
	}
	c.LastMessage = previewText(m)
	c.LastMessageTime = m.SentAt
	if bumpUnread {
		c.UnreadCount++
		s.unreadTotal++
	}
	s.conversations = append([]Conversation{c}, s.conversations...)
	total := s.unreadTotal
	s.mu.Unlock()

	s.metrics.setUnread(total)
	s.emit(StoreEvent{Kind: StoreConversations, UserID: userID})
}

func previewText(m Message) string {
	if m.Content != "" || m.Type == TypeText {
		return m.Content
	}
	return "[" + m.Type.String() + "]"
}

// DecrementUnread lowers the unread count of userID and the global total by
// n, never below zero.
func (s *MessageStore) DecrementUnread(userID string, n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	if i := s.conversationIndexLocked(userID); i >= 0 {
		s.conversations[i].UnreadCount = clampSub(s.conversations[i].UnreadCount, n)
	}
	s.unreadTotal = clampSub(s.unreadTotal, n)
	total := s.unreadTotal
	s.mu.Unlock()

	s.metrics.setUnread(total)
	s.emit(StoreEvent{Kind: StoreUnread, UserID: userID})
}

func clampSub(v, n int) int {
	if v -= n; v < 0 {
		return 0
	}
	return v
}

// SetUnreadTotal records the server-reported global unread count.
func (s *MessageStore) SetUnreadTotal(n int) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	s.unreadTotal = n
	s.mu.Unlock()
	s.metrics.setUnread(n)
	s.emit(StoreEvent{Kind: StoreUnread})
}

func (s *MessageStore) UnreadTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreadTotal
}

func (s *MessageStore) ConversationCursor() Cursor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.convCursor
}

func (s *MessageStore) SetConversationCursor(c Cursor) {
	s.mu.Lock()
	s.convCursor = c
	s.mu.Unlock()
}

// Reset drops everything, as at session end.
func (s *MessageStore) Reset() {
	s.mu.Lock()
	s.messages = nil
	s.index = make(map[string]int)
	s.context = nil
	s.generation++
	s.cursor = Cursor{PageSize: s.pageSize, HasMore: true}
	s.conversations = nil
	s.convCursor = Cursor{}
	s.unreadTotal = 0
	s.mu.Unlock()
	s.metrics.setUnread(0)
	s.emit(StoreEvent{Kind: StoreContext})
}

func messageIDs(msgs []Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
