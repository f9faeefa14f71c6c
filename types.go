package adminchat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Messages
// ============================================================================

// MessageType is the wire enumeration of message kinds.
type MessageType int

const (
	TypeText   MessageType = 0
	TypeImage  MessageType = 1
	TypeFile   MessageType = 2
	TypeVoice  MessageType = 3
	TypeReport MessageType = 4
)

var messageTypeNames = map[MessageType]string{
	TypeText:   "text",
	TypeImage:  "image",
	TypeFile:   "file",
	TypeVoice:  "voice",
	TypeReport: "report",
}

func (t MessageType) String() string {
	if s, ok := messageTypeNames[t]; ok {
		return s
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

// Valid reports whether t is one of the known message kinds.
func (t MessageType) Valid() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// ParseMessageType accepts either the name ("image") or the wire number ("1").
func ParseMessageType(s string) (MessageType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range messageTypeNames {
		if name == s {
			return t, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && MessageType(n).Valid() {
		return MessageType(n), nil
	}
	return 0, fmt.Errorf("unknown message type %q", s)
}

// Message is the canonical shape of a chat message, whatever casing it
// arrived in.
type Message struct {
	ID             string      `json:"id"`
	FromUserID     string      `json:"fromUserId"`
	FromUserName   string      `json:"fromUserName,omitempty"`
	ToUserID       *string     `json:"toUserId"`
	ToUserName     *string     `json:"toUserName,omitempty"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	AttachmentURL  *string     `json:"attachmentUrl,omitempty"`
	IsRead         bool        `json:"isRead"`
	ReadAt         *time.Time  `json:"readAt,omitempty"`
	SentAt         time.Time   `json:"sentAt"`
	IsAdminMessage bool        `json:"isAdminMessage"`
	IsDelivered    bool        `json:"isDelivered,omitempty"`
}

// Counterpart returns the non-admin participant of the message, or "" when
// the message is not attributable to a conversation.
func (m *Message) Counterpart() string {
	if m.IsAdminMessage {
		return deref(m.ToUserID)
	}
	return m.FromUserID
}

// counterpartName mirrors Counterpart for the display name.
func (m *Message) counterpartName() string {
	if m.IsAdminMessage {
		return deref(m.ToUserName)
	}
	return m.FromUserName
}

// Conversation is one entry of the admin conversation list.
type Conversation struct {
	UserID          string    `json:"userId"`
	UserName        string    `json:"userName"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	UnreadCount     int       `json:"unreadCount"`
}

// ============================================================================
// Hub event payloads
// ============================================================================

// TypingIndicator is pushed when a counterpart starts or stops typing.
type TypingIndicator struct {
	UserID    string    `json:"userId"`
	IsTyping  bool      `json:"isTyping"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// UserConnection describes a presence change or an entry of GetOnlineUsers.
type UserConnection struct {
	UserID    string    `json:"userId"`
	Role      string    `json:"role,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Receipt is pushed for MessageRead and MessageDelivered.
type Receipt struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId,omitempty"`
}

// ============================================================================
// Pagination
// ============================================================================

// Cursor tracks paging through one conversation context.
type Cursor struct {
	PageNumber int  `json:"pageNumber"`
	PageSize   int  `json:"pageSize"`
	HasMore    bool `json:"hasMore"`
	TotalCount int  `json:"totalCount"`
	// Loaded is false until the first page of the context has arrived.
	Loaded bool `json:"loaded"`
}

// computeHasMore applies the paging rule: only a full page can have a
// successor, and then the server-reported total decides.
func computeHasMore(returned, pageNumber, pageSize, totalCount int) bool {
	if pageSize <= 0 || returned != pageSize {
		return false
	}
	return (pageNumber+1)*pageSize < totalCount
}

// HistoryPage is one page of the message history endpoint.
type HistoryPage struct {
	Messages   []Message
	TotalCount int
	PageNumber int
	PageSize   int
}

// ConversationsPage is one page of the conversation list endpoint.
type ConversationsPage struct {
	Conversations []Conversation
	PageNumber    int
	PageSize      int
}

// ============================================================================
// Requests
// ============================================================================

// SendRequest is the body of a text send.
type SendRequest struct {
	Content  string      `json:"content"`
	Type     MessageType `json:"type"`
	ToUserID *string     `json:"toUserId,omitempty"`
}

// AttachmentRequest is a send carrying a file. The attachment is streamed as
// multipart form data; report fields are only sent for TypeReport.
type AttachmentRequest struct {
	Content  string
	Type     MessageType
	ToUserID *string

	FileName string
	MimeType string
	Data     []byte

	ReportTitle         string
	ReportDescription   string
	ReportCategoryID    string
	ReportSubCategoryID string
}

// APIResponse is the generic REST envelope.
type APIResponse struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Errors  json.RawMessage `json:"errors,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *APIResponse) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Helpers
// ============================================================================

// StringPtr returns a pointer to s, or nil when s is empty. Handy for the
// optional ToUserID fields where nil means the admin channel.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func sameContext(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
