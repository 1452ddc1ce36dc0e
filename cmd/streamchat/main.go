package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"StreamChat/internal/chatbot"
	"StreamChat/internal/config"
	"StreamChat/internal/store"
	"StreamChat/internal/telemetry"
	"StreamChat/internal/transport"
)

var version = "dev"

func main() {
	var configPath string

	loadConfig := func(cmd *cobra.Command) (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		flags := cmd.Flags()
		if flags.Changed("stream-url") {
			cfg.StreamURL, _ = flags.GetString("stream-url")
		}
		if flags.Changed("api-url") {
			cfg.APIURL, _ = flags.GetString("api-url")
		}
		if flags.Changed("token") {
			cfg.Token, _ = flags.GetString("token")
		}
		if flags.Changed("debug") {
			cfg.Debug, _ = flags.GetBool("debug")
		}
		if flags.Changed("require-stream-credential") {
			cfg.RequireStreamCredential, _ = flags.GetBool("require-stream-credential")
		}
		cfg.SessionID, _ = flags.GetString("session-id")
		return cfg, cfg.Validate()
	}

	rootCmd := &cobra.Command{
		Use:           "streamchat",
		Short:         "Terminal chat client for a streaming assistant backend",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bot, err := chatbot.NewChatBot(cfg, version)
			if err != nil {
				return errors.Wrap(err, "failed to initialize chatbot")
			}
			return bot.Run(ctx)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().String("stream-url", config.DefaultStreamURL, "Websocket endpoint of the chat stream")
	rootCmd.PersistentFlags().String("api-url", config.DefaultAPIURL, "Base URL of the HTTP API")
	rootCmd.PersistentFlags().String("token", "", "Bearer token of the signed-in user")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.Flags().String("session-id", "", "Resume a stored session by ID")
	rootCmd.Flags().Bool("require-stream-credential", false, "Only use the stream while a token is set")

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored chat sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
			if err != nil {
				return err
			}
			defer closeLog()

			st, err := store.Open(cfg.DBPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			sessions, err := st.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No stored sessions.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTARTED\tMESSAGES")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%d\n", s.ID, s.StartTime.Local().Format(time.DateTime), s.MessageCount)
			}
			return w.Flush()
		},
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Query the server health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
			if err != nil {
				return err
			}
			defer closeLog()

			api, err := transport.NewHTTPClient(cfg.APIURL, logger, transport.WithTimeout(10*time.Second))
			if err != nil {
				return err
			}
			report, err := api.Health(cmd.Context())
			if err != nil {
				return errors.Wrap(err, "server unreachable")
			}
			fmt.Printf("state:    %s\n", report.State)
			fmt.Printf("passed:   %d\n", report.Passed)
			fmt.Printf("failed:   %d\n", report.Failed)
			fmt.Printf("duration: %.2fs\n", report.TestDurationSec)
			return nil
		},
	}

	rootCmd.AddCommand(sessionsCmd, healthCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
