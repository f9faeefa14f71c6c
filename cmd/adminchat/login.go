package main

import (
	"fmt"
	"time"

	"github.com/archivedesk/adminchat"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a bearer token in ~/.adminchat/config.toml",
	Long: "Store the dashboard bearer token locally. The user id, role and expiry are read\n" +
		"from the token claims; the signature is not checked, the server does that.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]
		info, err := adminchat.InspectToken(token)
		if err != nil {
			return err
		}
		if info.Expired(time.Now()) {
			return fmt.Errorf("token expired %s", ago(info.ExpiresAt, ""))
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{Token: token, UserID: info.UserID, Role: info.Role}
		if !info.ExpiresAt.IsZero() {
			cfg.Auth.TokenExpires = info.ExpiresAt.UTC().Format(time.RFC3339)
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		fmt.Printf("  User ID: %s\n", valueOrDefault(info.UserID, "(not in token)"))
		fmt.Printf("  Role:    %s\n", valueOrDefault(info.Role, "(not in token)"))
		if !info.ExpiresAt.IsZero() {
			fmt.Printf("  Expires: %s\n", humanizeUntil(info.ExpiresAt))
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Token removed.")
		return nil
	},
}

func humanizeUntil(t time.Time) string {
	return fmt.Sprintf("%s (%s)", t.Local().Format(time.RFC1123), ago(t, ""))
}
