package adminchat

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// The hub and the REST API do not agree on field casing: some payloads use
// camelCase, others PascalCase. Everything inbound goes through the
// functions below, which accept both and produce the canonical structs.
// Nothing past this file looks at raw payloads.

// pick returns the field under its camelCase name, falling back to the
// PascalCase name when the former is missing or null.
func pick(doc gjson.Result, name string) gjson.Result {
	if v := doc.Get(name); v.Exists() && v.Type != gjson.Null {
		return v
	}
	return doc.Get(pascal(name))
}

func pascal(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func pickString(doc gjson.Result, name string) string {
	v := pick(doc, name)
	if !v.Exists() || v.Type == gjson.Null {
		return ""
	}
	return v.String()
}

func pickOptString(doc gjson.Result, name string) *string {
	return StringPtr(pickString(doc, name))
}

func pickBool(doc gjson.Result, name string) bool {
	return pick(doc, name).Bool()
}

func pickInt(doc gjson.Result, name string) int {
	return int(pick(doc, name).Int())
}

func pickTime(doc gjson.Result, name string) (time.Time, bool) {
	return parseTimestamp(pickString(doc, name))
}

func pickType(doc gjson.Result) MessageType {
	v := pick(doc, "type")
	if v.Type == gjson.String {
		if t, err := ParseMessageType(v.Str); err == nil {
			return t
		}
		return TypeText
	}
	return MessageType(v.Int())
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05Z0700",
}

// parseTimestamp accepts RFC3339 and the zone-less forms the backend emits;
// zone-less values are taken as UTC.
func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// normalizeMessage returns false when the payload has no usable id.
func normalizeMessage(doc gjson.Result) (Message, bool) {
	if !doc.IsObject() {
		return Message{}, false
	}
	m := Message{
		ID:             pickString(doc, "id"),
		FromUserID:     pickString(doc, "fromUserId"),
		FromUserName:   pickString(doc, "fromUserName"),
		ToUserID:       pickOptString(doc, "toUserId"),
		ToUserName:     pickOptString(doc, "toUserName"),
		Content:        pickString(doc, "content"),
		Type:           pickType(doc),
		AttachmentURL:  pickOptString(doc, "attachmentUrl"),
		IsRead:         pickBool(doc, "isRead"),
		IsAdminMessage: pickBool(doc, "isAdminMessage"),
		IsDelivered:    pickBool(doc, "isDelivered"),
	}
	if m.ID == "" {
		return Message{}, false
	}
	if t, ok := pickTime(doc, "sentAt"); ok {
		m.SentAt = t
	}
	if t, ok := pickTime(doc, "readAt"); ok {
		m.ReadAt = &t
	}
	return m, true
}

func normalizeConversation(doc gjson.Result) (Conversation, bool) {
	if !doc.IsObject() {
		return Conversation{}, false
	}
	c := Conversation{
		UserID:      pickString(doc, "userId"),
		UserName:    pickString(doc, "userName"),
		LastMessage: pickString(doc, "lastMessage"),
		UnreadCount: pickInt(doc, "unreadCount"),
	}
	if c.UserID == "" {
		return Conversation{}, false
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	if t, ok := pickTime(doc, "lastMessageTime"); ok {
		c.LastMessageTime = t
	}
	return c, true
}

// normalizeUserConnection accepts an object or a bare user id string.
// now stamps events that carry no timestamp.
func normalizeUserConnection(doc gjson.Result, now time.Time) (UserConnection, bool) {
	u := UserConnection{Timestamp: now}
	switch {
	case doc.Type == gjson.String:
		u.UserID = doc.Str
		u.Role = "User"
	case doc.IsObject():
		u.UserID = pickString(doc, "userId")
		u.Role = pickString(doc, "role")
		if u.Role == "" {
			u.Role = "User"
		}
		if t, ok := pickTime(doc, "timestamp"); ok {
			u.Timestamp = t
		}
	}
	return u, u.UserID != ""
}

func normalizeTyping(doc gjson.Result, now time.Time) (TypingIndicator, bool) {
	if !doc.IsObject() {
		return TypingIndicator{}, false
	}
	ti := TypingIndicator{
		UserID:    pickString(doc, "userId"),
		IsTyping:  pickBool(doc, "isTyping"),
		Timestamp: now,
	}
	if t, ok := pickTime(doc, "timestamp"); ok {
		ti.Timestamp = t
	}
	return ti, ti.UserID != ""
}

// normalizeReceipts accepts {messageId, userId}, {messageIds: [...], userId}
// or a bare message id.
func normalizeReceipts(doc gjson.Result) []Receipt {
	switch {
	case doc.Type == gjson.String:
		if doc.Str == "" {
			return nil
		}
		return []Receipt{{MessageID: doc.Str}}
	case doc.IsArray():
		var out []Receipt
		for _, v := range doc.Array() {
			out = append(out, normalizeReceipts(v)...)
		}
		return out
	case doc.IsObject():
		userID := pickString(doc, "userId")
		if ids := pick(doc, "messageIds"); ids.IsArray() {
			var out []Receipt
			for _, id := range ids.Array() {
				if id.String() != "" {
					out = append(out, Receipt{MessageID: id.String(), UserID: userID})
				}
			}
			return out
		}
		if id := pickString(doc, "messageId"); id != "" {
			return []Receipt{{MessageID: id, UserID: userID}}
		}
	}
	return nil
}

// decodeMessages normalizes a JSON array of messages, dropping entries
// without an id.
func decodeMessages(data []byte) []Message {
	arr := gjson.ParseBytes(data)
	if !arr.IsArray() {
		return nil
	}
	out := make([]Message, 0, len(arr.Array()))
	for _, v := range arr.Array() {
		if m, ok := normalizeMessage(v); ok {
			out = append(out, m)
		}
	}
	return out
}

func decodeConversations(data []byte) []Conversation {
	arr := gjson.ParseBytes(data)
	if !arr.IsArray() {
		return nil
	}
	out := make([]Conversation, 0, len(arr.Array()))
	for _, v := range arr.Array() {
		if c, ok := normalizeConversation(v); ok {
			out = append(out, c)
		}
	}
	return out
}
