package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/ini.v1"

	"sipgateway/call"
	"sipgateway/secure"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "sipgw",
		Short:        "SIP to WebRTC media gateway",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "settings.ini", "Path to settings file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadSettings() (*ini.File, *Settings, error) {
	cfg, err := ini.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load settings: %w", err)
	}
	settings, err := LoadSettings(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	return cfg, settings, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, settings, err := loadSettings()
			if err != nil {
				return err
			}
			if err := initLogging(cfg); err != nil {
				return fmt.Errorf("failed to init logging: %w", err)
			}
			defer closeLogging()
			coreLog.Info("settings loaded from ", configPath)

			gw, err := NewGateway(settings)
			if err != nil {
				coreLog.Errorf("failed to start gateway: %v", err)
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := gw.Start(ctx); err != nil {
				coreLog.Errorf("gateway stopped: %v", err)
				return err
			}
			coreLog.Info("performed a graceful shutdown")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var callID, direction string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a call token for debugging",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, settings, err := loadSettings()
			if err != nil {
				return err
			}
			dir := call.Direction(direction)
			if dir != call.DirectionIn && dir != call.DirectionOut {
				return fmt.Errorf("direction must be %q or %q", call.DirectionIn, call.DirectionOut)
			}
			token, err := secure.NewTokens(settings.HTTPSecret(), settings.CallTokenTTL()).Issue(dir, callID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.OutOrStdout(), "%s/ws/call/%s?token=%s\n", settings.PublicURL(), callID, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&callID, "call-id", "", "Call id the token grants access to")
	cmd.Flags().StringVar(&direction, "direction", string(call.DirectionIn), "Call direction (in or out)")
	_ = cmd.MarkFlagRequired("call-id")
	return cmd
}
