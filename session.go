package adminchat

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	BaseURL   string
	AssetsURL string
	HubURL    string

	Token       string
	TokenSource func() string
	// ViewerID overrides the user id read from the token.
	ViewerID string

	PageSize             int
	ConversationPageSize int
	TypingInterval       time.Duration

	// Hub carries reconnect and heartbeat tuning; its URL and credentials
	// are taken from the fields above.
	Hub HubConfig

	// AutoDeliver acknowledges delivery of every pushed message not written
	// by the viewer.
	AutoDeliver bool

	HTTPClient *http.Client
	Clock      Clock
	Logger     *slog.Logger
	Metrics    *Metrics
}

// Session is the composition root: one hub connection feeding presence,
// store, reconciler and receipts. Nothing is global; tests build as many
// sessions as they like.
type Session struct {
	Client     *Client
	Hub        *HubClient
	Presence   *PresenceTracker
	Store      *MessageStore
	Reconciler *Reconciler
	Receipts   *ReceiptTracker
	Viewer     *Viewer

	config SessionConfig
	logger *slog.Logger
}

// NewSession wires the components and subscribes them to the hub.
func NewSession(config SessionConfig) *Session {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = SystemClock
	}
	tokens := config.TokenSource
	if tokens == nil {
		token := config.Token
		tokens = func() string { return token }
	}

	viewerID := config.ViewerID
	if viewerID == "" {
		if info, err := InspectToken(tokens()); err == nil {
			viewerID = info.UserID
		} else if tokens() != "" {
			config.Logger.Debug("token carries no readable claims", slog.String("error", err.Error()))
		}
	}
	viewer := NewViewer(viewerID)

	opts := []ClientOption{WithTokenSource(tokens), WithLogger(config.Logger)}
	if config.BaseURL != "" {
		opts = append(opts, WithBaseURL(config.BaseURL))
	}
	if config.AssetsURL != "" {
		opts = append(opts, WithAssetsURL(config.AssetsURL))
	}
	if config.HTTPClient != nil {
		opts = append(opts, WithHTTPClient(config.HTTPClient))
	}
	client := NewClient("", opts...)

	hubConfig := config.Hub
	hubConfig.URL = config.HubURL
	hubConfig.TokenSource = tokens
	if hubConfig.Clock == nil {
		hubConfig.Clock = config.Clock
	}
	if hubConfig.Logger == nil {
		hubConfig.Logger = config.Logger
	}
	if hubConfig.Metrics == nil {
		hubConfig.Metrics = config.Metrics
	}
	if hubConfig.Dialer == nil && config.HTTPClient != nil {
		hubConfig.Dialer = WebSocketDialer(config.HTTPClient)
	}
	hub := NewHubClient(hubConfig)

	store := NewMessageStore(config.PageSize, config.Metrics)
	s := &Session{
		Client:   client,
		Hub:      hub,
		Presence: NewPresenceTracker(config.Metrics),
		Store:    store,
		Reconciler: NewReconciler(client, store, ReconcilerConfig{
			PageSize:             config.PageSize,
			ConversationPageSize: config.ConversationPageSize,
			Viewer:               viewer,
			Logger:               config.Logger,
			Metrics:              config.Metrics,
		}),
		Receipts: NewReceiptTracker(hub, client, store, ReceiptConfig{
			TypingInterval: config.TypingInterval,
			Viewer:         viewer,
			Clock:          config.Clock,
			Logger:         config.Logger,
			Metrics:        config.Metrics,
		}),
		Viewer: viewer,
		config: config,
		logger: config.Logger,
	}
	s.subscribe()
	return s
}

func (s *Session) subscribe() {
	s.Hub.OnReceiveMessage(func(m Message) {
		s.Reconciler.HandleIncomingMessage(m)
		if s.config.AutoDeliver && !s.Viewer.Authored(m) && !m.IsDelivered {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				s.Receipts.MarkDelivered(ctx, m.ID)
			}()
		}
	})
	s.Hub.OnUserOnline(func(u UserConnection) { s.Presence.MarkOnline(u.UserID) })
	s.Hub.OnUserOffline(func(u UserConnection) { s.Presence.MarkOffline(u.UserID, u.Timestamp) })
	s.Hub.OnTypingIndicator(func(t TypingIndicator) { s.Presence.SetTyping(t.UserID, t.IsTyping) })
	s.Hub.OnMessageRead(s.Receipts.HandleRead)
	s.Hub.OnMessageDelivered(s.Receipts.HandleDelivered)
}

// Connect opens the hub connection. A session without a hub URL is
// REST-only.
func (s *Session) Connect(ctx context.Context) error {
	if s.config.HubURL == "" {
		return &ValidationFailure{Field: "hub url", Reason: "not configured"}
	}
	return s.Hub.Connect(ctx)
}

// SyncPresence replaces the online set with the hub's view.
func (s *Session) SyncPresence(ctx context.Context) error {
	users, err := s.Hub.GetOnlineUsers(ctx)
	if err != nil {
		return err
	}
	s.Presence.Seed(users, s.config.Clock.Now())
	return nil
}

// Close ends the session: the hub is disconnected and all state dropped.
func (s *Session) Close() {
	s.Hub.Disconnect()
	s.Store.Reset()
	s.Reconciler.Reset()
}
