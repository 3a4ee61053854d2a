package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vaultctl/walletctl/internal/config"
	"github.com/vaultctl/walletctl/internal/logging"
	"github.com/vaultctl/walletctl/internal/metrics"
	"github.com/vaultctl/walletctl/internal/secrets"
	"github.com/vaultctl/walletctl/internal/session"
	"github.com/vaultctl/walletctl/internal/storage"
	"github.com/vaultctl/walletctl/internal/wallet"
)

var (
	cfgFile  string
	logLevel string

	cfg        *config.Config
	logger     zerolog.Logger
	metricsOut *metrics.Metrics
	store      storage.Store
	svc        *wallet.Service
	sessionMgr *session.SessionManager
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "walletctl",
	Short: "An encrypted wallet for SSI records",
	Long: `walletctl keeps typed, named records with searchable tags in a local
encrypted store. Every field is encrypted before it reaches disk; backups are
encrypted with their own passphrase and can be archived in DynamoDB.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		logger, err = logging.New(cfg.LogLevel, os.Stderr)
		if err != nil {
			return err
		}
		metricsOut = metrics.New()
		sessionMgr = session.NewSessionManager(cfg.GetSessionPath(), cfg.SessionTimeout, sessionKeySource(cmd))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return shutdown()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		// PersistentPostRunE is skipped when RunE fails
		if cerr := shutdown(); cerr != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", cerr)
		}
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.walletctl/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// sessionKeySource picks Secrets Manager when a secret is configured and
// falls back to the host-derived key when AWS is unreachable
func sessionKeySource(cmd *cobra.Command) session.KeySource {
	if cfg.SessionSecretName == "" {
		return nil
	}
	client, err := secrets.NewSecretsManagerClient(cmd.Context(), cfg.SessionSecretName, cfg.AWSRegion)
	if err != nil || !client.IsAvailable(cmd.Context()) {
		logger.Warn().Err(err).Msg("secrets manager not available, using host session key")
		return nil
	}
	return client
}

// openService opens the configured store and wraps it in a wallet service
func openService() (*wallet.Service, error) {
	if svc != nil {
		return svc, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.WalletPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create wallet directory: %w", err)
	}
	s, err := storage.Open(cfg.Backend, cfg.WalletPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open wallet store: %w", err)
	}
	store = s
	svc = wallet.NewService(store,
		wallet.WithLogger(logger),
		wallet.WithMetrics(metricsOut),
	)
	return svc, nil
}

// shutdown closes the wallet and store and flushes metrics
func shutdown() error {
	if svc != nil {
		svc.Close()
		svc = nil
	}
	if store != nil {
		if err := store.Close(); err != nil {
			return fmt.Errorf("failed to close wallet store: %w", err)
		}
		store = nil
	}
	if cfg != nil && cfg.MetricsTextfile != "" {
		if err := metricsOut.WriteTextfile(cfg.MetricsTextfile); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	return nil
}
