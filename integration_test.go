//go:build integration

package adminchat_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/archivedesk/adminchat"
)

// helpers ---------------------------------------------------------------

func testToken(t *testing.T) string {
	t.Helper()
	token := os.Getenv("ADMINCHAT_TOKEN_TEST")
	if token == "" {
		t.Fatal("ADMINCHAT_TOKEN_TEST environment variable is required")
	}
	return token
}

func testBaseURL() string {
	if v := os.Getenv("ADMINCHAT_BASE_URL_TEST"); v != "" {
		return v
	}
	return "" // empty means use default
}

// testPeer is a non-admin user the tests may message.
func testPeer(t *testing.T) string {
	t.Helper()
	peer := os.Getenv("ADMINCHAT_PEER_TEST")
	if peer == "" {
		t.Skip("ADMINCHAT_PEER_TEST not set")
	}
	return peer
}

func newSession(t *testing.T, withHub bool) *adminchat.Session {
	t.Helper()
	cfg := adminchat.SessionConfig{
		BaseURL: testBaseURL(),
		Token:   testToken(t),
	}
	if withHub {
		cfg.HubURL = os.Getenv("ADMINCHAT_HUB_URL_TEST")
		if cfg.HubURL == "" {
			t.Skip("ADMINCHAT_HUB_URL_TEST not set")
		}
	}
	sess := adminchat.NewSession(cfg)
	t.Cleanup(sess.Close)
	return sess
}

// =======================================================================
// Group 1: REST
// =======================================================================

func TestIntegration_Conversations(t *testing.T) {
	sess := newSession(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sess.Reconciler.LoadConversations(ctx, false); err != nil {
		t.Fatalf("LoadConversations returned error: %v", err)
	}
	list := sess.Store.Conversations()
	t.Logf("Conversations: %d entries, hasMore=%v", len(list), sess.Store.ConversationCursor().HasMore)

	n, err := sess.Reconciler.RefreshUnreadCount(ctx)
	if err != nil {
		t.Fatalf("RefreshUnreadCount returned error: %v", err)
	}
	if n < 0 {
		t.Errorf("expected non-negative unread count, got %d", n)
	}
}

func TestIntegration_HistoryPaging(t *testing.T) {
	sess := newSession(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := sess.Reconciler.OpenConversation(ctx, nil); err != nil {
		t.Fatalf("OpenConversation returned error: %v", err)
	}
	for i := 0; i < 3 && sess.Store.Cursor().HasMore; i++ {
		if err := sess.Reconciler.LoadMore(ctx); err != nil {
			t.Fatalf("LoadMore returned error: %v", err)
		}
	}

	msgs := sess.Store.Messages()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].SentAt.Before(msgs[i-1].SentAt) {
			t.Fatalf("history out of order at %d: %s before %s", i, msgs[i].SentAt, msgs[i-1].SentAt)
		}
	}
	t.Logf("History: %d messages, total=%d", len(msgs), sess.Store.Cursor().TotalCount)
}

// =======================================================================
// Group 2: Send lifecycle
// =======================================================================

func TestIntegration_SendReadDelete(t *testing.T) {
	peer := testPeer(t)
	sess := newSession(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := sess.Reconciler.OpenConversation(ctx, adminchat.StringPtr(peer)); err != nil {
		t.Fatalf("OpenConversation returned error: %v", err)
	}

	content := fmt.Sprintf("integration test %d", time.Now().UnixNano())
	m, err := sess.Reconciler.SendText(ctx, content, adminchat.StringPtr(peer))
	if err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	if m.ID == "" {
		t.Fatal("expected server-assigned message id")
	}
	if _, ok := sess.Store.Message(m.ID); !ok {
		t.Errorf("expected confirmed message %s in the store", m.ID)
	}

	if err := sess.Receipts.MarkMessagesRead(ctx, []string{m.ID}); err != nil {
		t.Errorf("MarkMessagesRead returned error: %v", err)
	}

	if err := sess.Reconciler.DeleteMessage(ctx, m.ID); err != nil {
		t.Fatalf("DeleteMessage returned error: %v", err)
	}
	if _, ok := sess.Store.Message(m.ID); ok {
		t.Errorf("expected message %s removed from the store", m.ID)
	}
}

// =======================================================================
// Group 3: Hub
// =======================================================================

func TestIntegration_HubPresence(t *testing.T) {
	sess := newSession(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if sess.Hub.State() != adminchat.StateConnected {
		t.Fatalf("expected connected, got %s", sess.Hub.State())
	}

	if err := sess.SyncPresence(ctx); err != nil {
		t.Fatalf("SyncPresence returned error: %v", err)
	}
	count, err := sess.Hub.GetOnlineUsersCount(ctx)
	if err != nil {
		t.Fatalf("GetOnlineUsersCount returned error: %v", err)
	}
	t.Logf("Hub: %d online (count=%d)", sess.Presence.Count(), count)

	sess.Receipts.SendTyping(ctx, true, nil)
	sess.Receipts.SendTyping(ctx, false, nil)

	sess.Hub.Disconnect()
	if sess.Hub.State() != adminchat.StateDisconnected {
		t.Errorf("expected disconnected, got %s", sess.Hub.State())
	}
}
