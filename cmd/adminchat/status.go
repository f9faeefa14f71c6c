package main

import (
	"context"
	"fmt"
	"time"

	"github.com/archivedesk/adminchat"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the effective configuration, check whether the token has expired, and fetch the live unread count.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyEnv(cfg)

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, adminchat.DefaultBaseURL+" (default)"))
		fmt.Printf("  Hub URL:   %s\n", valueOrDefault(cfg.Default.HubURL, "(not set)"))
		if cfg.Default.AssetsURL != "" {
			fmt.Printf("  Assets:    %s\n", cfg.Default.AssetsURL)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:     (not set)")
			return nil
		}
		fmt.Printf("  Token:     %s\n", maskToken(cfg.Auth.Token))

		// The claims are read from the token itself so env-provided tokens
		// are reported correctly.
		info, err := adminchat.InspectToken(cfg.Auth.Token)
		if err != nil {
			fmt.Printf("  Claims:    unreadable (%v)\n", err)
		} else {
			fmt.Printf("  User ID:   %s\n", valueOrDefault(info.UserID, "(not in token)"))
			fmt.Printf("  Role:      %s\n", valueOrDefault(info.Role, "(not in token)"))
			switch {
			case info.ExpiresAt.IsZero():
				fmt.Println("  Expiry:    none")
			case info.Expired(time.Now()):
				fmt.Printf("  Expiry:    EXPIRED %s\n", humanize.Time(info.ExpiresAt))
				return nil
			default:
				fmt.Printf("  Expiry:    valid, expires %s\n", humanize.Time(info.ExpiresAt))
			}
		}

		sess, _, err := newSession(sessionOptions{})
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		n, err := sess.Reconciler.RefreshUnreadCount(ctx)
		if err != nil {
			fmt.Printf("  Error fetching unread count: %v\n", err)
			return nil
		}
		fmt.Printf("  Unread:    %s\n", humanize.Comma(int64(n)))
		return nil
	},
}
