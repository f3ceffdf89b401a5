package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/labscan/internal/api"
	"github.com/andresmejia3/labscan/internal/config"
	"github.com/andresmejia3/labscan/internal/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Commands annotated with annLogin log in up front when credentials are configured.
const annLogin = "labscan/login"

var (
	// Cfg is the resolved configuration shared by subcommands
	Cfg config.Config
	// Log is the process logger
	Log *logrus.Logger
	// Client talks to the borrowing API
	Client *api.Client

	cfgPath string
	rootFlags struct {
		API      string
		LogLevel string
		Username string
		Password string
	}
)

// errReported marks errors a command already printed through utils.ShowError.
var errReported = errors.New("reported")

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "labscan",
	Short:         "Lab equipment borrowing kiosk: face detection and QR verification",
	Version:       Version, // This enables the --version flag
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		cfg.ApplyEnv()
		applyRootFlags(&cfg)

		logger, err := utils.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
		if err != nil {
			return err
		}
		Cfg = cfg
		Log = logger

		Client = api.New(api.Options{
			BaseURL:  cfg.API.BaseURL,
			Timeout:  cfg.API.Timeout,
			AppType:  cfg.API.AppType,
			Username: cfg.API.Username,
			Password: cfg.API.Password,
		}, logger.WithField("component", "api"))

		if cmd.Annotations[annLogin] == "" {
			return nil
		}
		// Use the command's context so Ctrl+C aborts a hanging login
		ident, err := Client.Login(cmd.Context())
		if errors.Is(err, api.ErrNoCredentials) {
			logger.Warn("no API credentials configured, requests will be sent without a token")
			return nil
		}
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		logger.WithFields(logrus.Fields{"user": ident.Username, "role": ident.RoleID}).Info("logged in")
		return nil
	},
}

// applyRootFlags layers explicit flags over file and environment values.
func applyRootFlags(cfg *config.Config) {
	if rootFlags.API != "" {
		cfg.API.BaseURL = rootFlags.API
	}
	if rootFlags.LogLevel != "" {
		cfg.Log.Level = rootFlags.LogLevel
	}
	if rootFlags.Username != "" {
		cfg.API.Username = rootFlags.Username
	}
	if rootFlags.Password != "" {
		cfg.API.Password = rootFlags.Password
	}
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if c, err := rootCmd.ExecuteContextC(ctx); err != nil {
		if c == nil {
			c = rootCmd
		}
		if !errors.Is(err, errReported) {
			utils.ShowError(c.CommandPath()+" failed", err, nil)
		}
		stop()
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgPath, "config", "c", "", "Path to YAML config (default: ./labscan.yaml if present)")
	pf.StringVar(&rootFlags.API, "api", "", "Borrowing API base URL (default: http://localhost:5234/api)")
	pf.StringVar(&rootFlags.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVarP(&rootFlags.Username, "username", "u", "", "API username (or LABSCAN_USERNAME)")
	pf.StringVarP(&rootFlags.Password, "password", "p", "", "API password (or LABSCAN_PASSWORD)")
}
