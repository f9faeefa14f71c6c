package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/archivedesk/adminchat"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	watchMetricsAddr  string
	watchAutoDeliver  bool
	watchConversation string
)

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9464")
	watchCmd.Flags().BoolVar(&watchAutoDeliver, "auto-deliver", false, "Acknowledge delivery of every received message")
	watchCmd.Flags().StringVar(&watchConversation, "conversation", "", "Open a conversation (user id or 'admin') and stream its messages")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected to the hub and print live events",
	Long: "Connect to the chat hub and print incoming messages, presence changes and\n" +
		"connection state until interrupted. Reconnects automatically after drops.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var metrics *adminchat.Metrics
		if watchMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics = adminchat.NewMetrics(reg)
			srv := serveMetrics(watchMetricsAddr, reg)
			defer srv.Close()
		}

		sess, _, err := newSession(sessionOptions{needHub: true, autoDeliver: watchAutoDeliver, metrics: metrics})
		if err != nil {
			return err
		}
		defer sess.Close()

		w := &watcher{sess: sess, printed: make(map[string]struct{})}
		if watchConversation != "" {
			w.context = conversationArg(watchConversation)
			w.streaming = true
			if err := sess.Reconciler.OpenConversation(ctx, w.context); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			for _, m := range sess.Store.Messages() {
				w.printMessage(m)
			}
		}
		w.observe()

		terminal := make(chan error, 1)
		sess.Hub.OnTerminal(func(err error) {
			select {
			case terminal <- err:
			default:
			}
		})

		if err := sess.Connect(ctx); err != nil {
			return err
		}
		if err := sess.SyncPresence(ctx); err != nil {
			logger.Warn("presence sync failed", "error", err)
		} else {
			w.println(fmt.Sprintf("* %d user(s) online", sess.Presence.Count()))
		}

		select {
		case <-ctx.Done():
			w.println("* interrupted")
			return nil
		case err := <-terminal:
			return err
		}
	},
}

// watcher prints store, presence and connection events. Observers run on the
// hub read loop, so output is serialized here.
type watcher struct {
	sess *adminchat.Session

	mu        sync.Mutex
	printed   map[string]struct{}
	context   *string
	streaming bool
}

func (w *watcher) println(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Println(line)
}

// printMessage prints m once, however often it is redelivered.
func (w *watcher) printMessage(m adminchat.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.printed[m.ID]; ok {
		return
	}
	w.printed[m.ID] = struct{}{}
	fmt.Println(formatMessage(w.sess, m))
}

func (w *watcher) observe() {
	sess := w.sess

	sess.Store.OnChange(func(ev adminchat.StoreEvent) {
		switch ev.Kind {
		case adminchat.StoreMessages:
			for _, id := range ev.MessageIDs {
				if m, ok := sess.Store.Message(id); ok {
					w.printMessage(m)
				}
			}
		case adminchat.StoreConversations:
			if ev.UserID == "" {
				return
			}
			// Messages of the streamed conversation are printed in full.
			if w.streaming && w.context != nil && *w.context == ev.UserID {
				return
			}
			c, ok := sess.Store.Conversation(ev.UserID)
			if !ok {
				return
			}
			w.println(fmt.Sprintf("> %s (%s): %s  [%d unread]", c.UserName, c.UserID, c.LastMessage, c.UnreadCount))
		}
	})

	sess.Presence.OnChange(func(userID string) {
		switch {
		case sess.Presence.IsTyping(userID):
			w.println(fmt.Sprintf("* %s is typing", userID))
		case sess.Presence.IsOnline(userID):
			w.println(fmt.Sprintf("* %s online", userID))
		default:
			seen := "now"
			if t, ok := sess.Presence.LastSeen(userID); ok {
				seen = ago(t, "now")
			}
			w.println(fmt.Sprintf("* %s offline (last seen %s)", userID, seen))
		}
	})

	sess.Hub.OnStateChange(func(old, new adminchat.ConnState) {
		logger.Info("hub state", "from", string(old), "to", string(new))
		w.println(fmt.Sprintf("* hub %s", new))
	})
	sess.Hub.OnReconnecting(func(attempt int, delay time.Duration) {
		w.println(fmt.Sprintf("* reconnect attempt %d in %s", attempt, delay))
	})
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}
