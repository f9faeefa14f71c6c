// Package adminchat is the client-side chat session core of the admin
// dashboard: hub connection, presence, message store, conversation
// reconciliation and receipts, plus the REST calls they depend on.
//
// Example:
//
//	sess := adminchat.NewSession(adminchat.SessionConfig{
//		BaseURL: "https://dashboard.example.com/api",
//		HubURL:  "https://dashboard.example.com/chatHub",
//		Token:   token,
//	})
//	defer sess.Close()
//
//	_ = sess.Connect(ctx)
//	_ = sess.Reconciler.OpenConversation(ctx, adminchat.StringPtr("user-42"))
//	_, _ = sess.Reconciler.SendText(ctx, "hello", adminchat.StringPtr("user-42"))
package adminchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL = "http://localhost:5000/api"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST collaborator for history, conversations, sends and
// read/delivery marks.
type Client struct {
	baseURL     string
	assetsURL   string
	tokenSource func() string
	httpClient  *http.Client
	logger      *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithAssetsURL sets the origin relative attachment paths resolve against.
// It defaults to the base URL without its path.
func WithAssetsURL(u string) ClientOption {
	return func(c *Client) { c.assetsURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithTokenSource sets the credential supplier consulted on every request.
func WithTokenSource(fn func() string) ClientOption {
	return func(c *Client) { c.tokenSource = fn }
}

// NewClient creates a REST client. token may be empty when a TokenSource
// option is given.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	c.SetToken(token)
	for _, opt := range opts {
		opt(c)
	}
	if c.assetsURL == "" {
		c.assetsURL = originOf(c.baseURL)
	}
	return c
}

// SetToken replaces the credential with a fixed token.
func (c *Client) SetToken(token string) {
	c.tokenSource = func() string { return token }
}

func (c *Client) token() string {
	if c.tokenSource == nil {
		return ""
	}
	return c.tokenSource()
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}

// AssetURL resolves an attachment path. Absolute URLs are returned as is.
func (c *Client) AssetURL(path string) string {
	if path == "" || strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.assetsURL + path
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, op, method, path string, body interface{}, query url.Values) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, query, bodyReader)
	if err != nil {
		return nil, &RequestFailure{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(op, req)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) send(op string, req *http.Request) ([]byte, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RequestFailure{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestFailure{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	c.logger.Debug("api request",
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
		slog.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestFailure{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	return data, nil
}

// errorMessage extracts the server's explanation from an error body.
func errorMessage(data []byte) string {
	if !gjson.ValidBytes(data) {
		return strings.TrimSpace(string(data))
	}
	doc := gjson.ParseBytes(data)
	for _, name := range []string{"message", "title", "error"} {
		if v := pickString(doc, name); v != "" {
			return v
		}
	}
	return ""
}

func pageQuery(page, size int) url.Values {
	q := url.Values{}
	q.Set("pageNumber", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(size))
	return q
}

// ============================================================================
// Messages API
// ============================================================================

// History fetches one page of a conversation, or of the administrative
// channel when userID is nil.
func (c *Client) History(ctx context.Context, userID *string, page, size int) (*HistoryPage, error) {
	path := "/message/history"
	if userID != nil {
		path = "/message/conversation/" + url.PathEscape(*userID)
	}
	data, err := c.doRequest(ctx, "load history", http.MethodGet, path, nil, pageQuery(page, size))
	if err != nil {
		return nil, err
	}
	doc := gjson.ParseBytes(data)
	return &HistoryPage{
		Messages:   decodeMessages([]byte(pick(doc, "data").Raw)),
		TotalCount: pickInt(doc, "totalCount"),
		PageNumber: page,
		PageSize:   size,
	}, nil
}

// Conversations fetches one page of the conversation list.
func (c *Client) Conversations(ctx context.Context, page, size int) (*ConversationsPage, error) {
	data, err := c.doRequest(ctx, "load conversations", http.MethodGet, "/message/conversations", nil, pageQuery(page, size))
	if err != nil {
		return nil, err
	}
	doc := gjson.ParseBytes(data)
	return &ConversationsPage{
		Conversations: decodeConversations([]byte(pick(doc, "data").Raw)),
		PageNumber:    page,
		PageSize:      size,
	}, nil
}

// SendMessage posts a text message and returns the server's copy.
func (c *Client) SendMessage(ctx context.Context, req *SendRequest) (*Message, error) {
	data, err := c.doRequest(ctx, "send message", http.MethodPost, "/message/send", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessageEnvelope("send message", data)
}

// SendWithAttachment posts a message carrying a file as multipart form data.
func (c *Client) SendWithAttachment(ctx context.Context, ar *AttachmentRequest) (*Message, error) {
	const op = "send attachment"

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("Content", ar.Content)
	_ = w.WriteField("Type", strconv.Itoa(int(ar.Type)))
	if ar.ToUserID != nil {
		_ = w.WriteField("ToUserId", *ar.ToUserID)
	}
	if ar.Type == TypeReport {
		for k, v := range map[string]string{
			"ReportTitle":         ar.ReportTitle,
			"ReportDescription":   ar.ReportDescription,
			"ReportCategoryId":    ar.ReportCategoryID,
			"ReportSubCategoryId": ar.ReportSubCategoryID,
		} {
			if v != "" {
				_ = w.WriteField(k, v)
			}
		}
	}

	mimeType := ar.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(ar.FileName)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="Attachment"; filename="%s"`, escapeQuotes(ar.FileName)))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, &RequestFailure{Op: op, Err: fmt.Errorf("failed to create form file: %w", err)}
	}
	if _, err := part.Write(ar.Data); err != nil {
		return nil, &RequestFailure{Op: op, Err: fmt.Errorf("failed to write file data: %w", err)}
	}
	_ = w.Close()

	req, err := c.newRequest(ctx, http.MethodPost, "/message/send-with-attachment", nil, &buf)
	if err != nil {
		return nil, &RequestFailure{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	data, err := c.send(op, req)
	if err != nil {
		return nil, err
	}
	return decodeMessageEnvelope(op, data)
}

func decodeMessageEnvelope(op string, data []byte) (*Message, error) {
	m, ok := normalizeMessage(pick(gjson.ParseBytes(data), "data"))
	if !ok {
		return nil, &RequestFailure{Op: op, Message: "response carried no message"}
	}
	return &m, nil
}

// MarkRead marks a batch of messages read.
func (c *Client) MarkRead(ctx context.Context, ids []string) error {
	_, err := c.doRequest(ctx, "mark read", http.MethodPost, "/message/mark-read", ids, nil)
	return err
}

// MarkDelivered marks one message delivered.
func (c *Client) MarkDelivered(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, "mark delivered", http.MethodPut, "/message/mark-delivered/"+url.PathEscape(id), nil, nil)
	return err
}

// UnreadCount returns the server's global unread total.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	data, err := c.doRequest(ctx, "unread count", http.MethodGet, "/message/unread-count", nil, nil)
	if err != nil {
		return 0, err
	}
	return pickInt(gjson.ParseBytes(data), "data"), nil
}

// DeleteMessage deletes one message.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, "delete message", http.MethodDelete, "/message/"+url.PathEscape(id), nil, nil)
	return err
}

// ============================================================================
// Helpers
// ============================================================================

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

// guessMimeType returns the MIME type for a file name's extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".webp": "image/webp", ".m4a": "audio/mp4", ".ogg": "audio/ogg",
		".opus": "audio/ogg", ".md": "text/markdown",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

// TypeForFile picks the message type for an attachment from its MIME type.
func TypeForFile(fileName string) MessageType {
	switch m := guessMimeType(fileName); {
	case strings.HasPrefix(m, "image/"):
		return TypeImage
	case strings.HasPrefix(m, "audio/"):
		return TypeVoice
	default:
		return TypeFile
	}
}
