package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/archivedesk/adminchat"
	"github.com/dustin/go-humanize"
)

// sessionOptions are the per-command additions to the configured session.
type sessionOptions struct {
	needHub     bool
	autoDeliver bool
	metrics     *adminchat.Metrics
}

// newSession builds a session from the config file and environment.
func newSession(opts sessionOptions) (*adminchat.Session, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyEnv(cfg)
	if cfg.Auth.Token == "" {
		return nil, nil, fmt.Errorf("no token; run 'adminchat login <token>' or set %s", envToken)
	}
	if opts.needHub && cfg.Default.HubURL == "" {
		return nil, nil, fmt.Errorf("no hub url; run 'adminchat config set default.hub_url <url>' or set %s", envHubURL)
	}

	hub := adminchat.HubConfig{MaxReconnectAttempts: cfg.Hub.MaxReconnectAttempts}
	if cfg.Hub.KeepAlive != "" {
		if hub.KeepAliveInterval, err = time.ParseDuration(cfg.Hub.KeepAlive); err != nil {
			return nil, nil, fmt.Errorf("invalid hub.keep_alive: %w", err)
		}
	}
	if cfg.Hub.ServerTimeout != "" {
		if hub.ServerTimeout, err = time.ParseDuration(cfg.Hub.ServerTimeout); err != nil {
			return nil, nil, fmt.Errorf("invalid hub.server_timeout: %w", err)
		}
	}

	sess := adminchat.NewSession(adminchat.SessionConfig{
		BaseURL:     cfg.Default.BaseURL,
		AssetsURL:   cfg.Default.AssetsURL,
		HubURL:      cfg.Default.HubURL,
		Token:       cfg.Auth.Token,
		ViewerID:    cfg.Auth.UserID,
		PageSize:    cfg.Default.PageSize,
		Hub:         hub,
		AutoDeliver: opts.autoDeliver,
		Logger:      logger,
		Metrics:     opts.metrics,
	})
	return sess, cfg, nil
}

// conversationArg maps a user id argument to a conversation context;
// "admin" selects the administrative channel.
func conversationArg(arg string) *string {
	if arg == "admin" || arg == "-" {
		return nil
	}
	return adminchat.StringPtr(arg)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatMessage renders one message as a history line.
func formatMessage(sess *adminchat.Session, m adminchat.Message) string {
	from := m.FromUserName
	if from == "" {
		from = m.FromUserID
	}
	if sess.Viewer.Authored(m) {
		from = "you"
	}
	body := m.Content
	if m.AttachmentURL != nil {
		body = strings.TrimSpace(body + " [" + m.Type.String() + "] " + sess.Client.AssetURL(*m.AttachmentURL))
	}
	var flags string
	switch {
	case m.IsRead:
		flags = " ✓✓"
	case m.IsDelivered:
		flags = " ✓"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.SentAt.Local().Format("2006-01-02 15:04"), from, body, flags)
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return strings.Repeat("*", len(token))
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// ago renders t relative to now, or def for the zero time.
func ago(t time.Time, def string) string {
	if t.IsZero() {
		return def
	}
	return humanize.Time(t)
}
