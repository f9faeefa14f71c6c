package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/archivedesk/adminchat"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	jsonOutput bool

	// conversations
	conversationsPages int

	// history
	historyPages    int
	historyMarkRead bool

	// send
	sendFile           string
	sendType           string
	sendReportTitle    string
	sendReportDesc     string
	sendReportCategory string
	sendReportSubcat   string

	// online
	onlineUser string
)

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, _, err := newSession(sessionOptions{})
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, cancel := requestContext()
		defer cancel()

		if err := sess.Reconciler.LoadConversations(ctx, false); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		for i := 1; i < conversationsPages && sess.Store.ConversationCursor().HasMore; i++ {
			if err := sess.Reconciler.LoadConversations(ctx, true); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
		}
		unread, err := sess.Reconciler.RefreshUnreadCount(ctx)
		if err != nil {
			logger.Warn("unread count unavailable", "error", err)
		}

		list := sess.Store.Conversations()
		if jsonOutput {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range list {
			badge := ""
			if c.UnreadCount > 0 {
				badge = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("  %-24s %-20s %s%s\n", c.UserID, c.UserName, ago(c.LastMessageTime, "-"), badge)
			if c.LastMessage != "" {
				fmt.Printf("      %s\n", c.LastMessage)
			}
		}
		if sess.Store.ConversationCursor().HasMore {
			fmt.Println("  ... more available (use --pages)")
		}
		fmt.Printf("\nTotal unread: %s\n", humanize.Comma(int64(unread)))
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <user-id|admin>",
	Short: "Show the messages of a conversation",
	Long:  "Show the messages of a conversation, oldest first. Use 'admin' for the administrative channel.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, _, err := newSession(sessionOptions{})
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, cancel := requestContext()
		defer cancel()

		if err := sess.Reconciler.OpenConversation(ctx, conversationArg(args[0])); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		for i := 1; i < historyPages && sess.Store.Cursor().HasMore; i++ {
			if err := sess.Reconciler.LoadMore(ctx); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
		}

		msgs := sess.Store.Messages()
		if historyMarkRead {
			var unread []string
			for _, m := range msgs {
				if !m.IsRead && !sess.Viewer.Authored(m) {
					unread = append(unread, m.ID)
				}
			}
			if err := sess.Receipts.MarkMessagesRead(ctx, unread); err != nil {
				return fmt.Errorf("mark read failed: %w", err)
			}
			msgs = sess.Store.Messages()
		}

		if jsonOutput {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		cur := sess.Store.Cursor()
		if cur.HasMore {
			fmt.Printf("  ... %s older messages (use --pages)\n", humanize.Comma(int64(cur.TotalCount-len(msgs))))
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(sess, m))
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <user-id|admin> [message]",
	Short: "Send a message, optionally with an attachment",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		to := conversationArg(args[0])
		var content string
		if len(args) == 2 {
			content = args[1]
		}

		sess, _, err := newSession(sessionOptions{})
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, cancel := requestContext()
		defer cancel()

		var m *adminchat.Message
		if sendFile == "" {
			m, err = sess.Reconciler.SendText(ctx, content, to)
		} else {
			m, err = sendAttachment(ctx, sess, content, to)
		}
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(m)
		}
		fmt.Printf("Message sent\n")
		fmt.Printf("  Message ID: %s\n", m.ID)
		fmt.Printf("  Type:       %s\n", m.Type)
		if m.AttachmentURL != nil {
			fmt.Printf("  Attachment: %s\n", sess.Client.AssetURL(*m.AttachmentURL))
		}
		return nil
	},
}

func sendAttachment(ctx context.Context, sess *adminchat.Session, content string, to *string) (*adminchat.Message, error) {
	data, err := os.ReadFile(sendFile)
	if err != nil {
		return nil, fmt.Errorf("cannot read file: %w", err)
	}
	typ := adminchat.TypeForFile(sendFile)
	if sendType != "" {
		if typ, err = adminchat.ParseMessageType(sendType); err != nil {
			return nil, err
		}
	}
	logger.Info("uploading attachment", "file", sendFile, "size", humanize.Bytes(uint64(len(data))), "type", typ.String())

	return sess.Reconciler.SendWithAttachment(ctx, &adminchat.AttachmentRequest{
		Content:             content,
		Type:                typ,
		ToUserID:            to,
		FileName:            filepath.Base(sendFile),
		Data:                data,
		ReportTitle:         sendReportTitle,
		ReportDescription:   sendReportDesc,
		ReportCategoryID:    sendReportCategory,
		ReportSubCategoryID: sendReportSubcat,
	})
}

// ============================================================================
// read / delete
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <message-id>...",
	Short: "Mark messages as read",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, _, err := newSession(sessionOptions{})
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, cancel := requestContext()
		defer cancel()

		if err := sess.Receipts.MarkMessagesRead(ctx, args); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Marked %d message(s) read\n", len(args))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, _, err := newSession(sessionOptions{})
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, cancel := requestContext()
		defer cancel()

		if err := sess.Reconciler.DeleteMessage(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Deleted message %s\n", args[0])
		return nil
	},
}

// ============================================================================
// online
// ============================================================================

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "List users currently connected to the hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, _, err := newSession(sessionOptions{needHub: true})
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, cancel := requestContext()
		defer cancel()

		if err := sess.Connect(ctx); err != nil {
			return err
		}

		if onlineUser != "" {
			ok, err := sess.Hub.IsUserOnline(ctx, onlineUser)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			state := "offline"
			if ok {
				state = "online"
			}
			fmt.Printf("%s is %s\n", onlineUser, state)
			return nil
		}

		if err := sess.SyncPresence(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		users := sess.Presence.Online()
		if jsonOutput {
			return printJSON(users)
		}
		count, err := sess.Hub.GetOnlineUsersCount(ctx)
		if err != nil {
			count = len(users)
		}
		fmt.Printf("%s user(s) online\n", humanize.Comma(int64(count)))
		for _, id := range users {
			fmt.Printf("  %s\n", id)
		}
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	for _, c := range []*cobra.Command{conversationsCmd, historyCmd, sendCmd, onlineCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "Output JSON")
	}

	conversationsCmd.Flags().IntVar(&conversationsPages, "pages", 1, "Number of pages to load")

	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "Number of pages to load")
	historyCmd.Flags().BoolVar(&historyMarkRead, "mark-read", false, "Mark the loaded messages read")

	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "Attach a file")
	sendCmd.Flags().StringVar(&sendType, "type", "", "Message type for the attachment: image, file, voice, report (default: from the file)")
	sendCmd.Flags().StringVar(&sendReportTitle, "report-title", "", "Report title (type report)")
	sendCmd.Flags().StringVar(&sendReportDesc, "report-description", "", "Report description (type report)")
	sendCmd.Flags().StringVar(&sendReportCategory, "report-category", "", "Report category id (type report)")
	sendCmd.Flags().StringVar(&sendReportSubcat, "report-subcategory", "", "Report subcategory id (type report)")

	onlineCmd.Flags().StringVar(&onlineUser, "user", "", "Check a single user")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(onlineCmd)
}
