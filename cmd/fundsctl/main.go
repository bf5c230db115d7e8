// Command fundsctl runs one-off maintenance tasks against the funds-service database:
// migrations, the pending-transfer sweep, one-time code purges, a single outbox flush and
// issuing API tokens for operators.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bms/funds-service/internal/api"
	"github.com/bms/funds-service/internal/app"
	"github.com/bms/funds-service/internal/config"
	"github.com/bms/funds-service/internal/otp"
	"github.com/bms/funds-service/internal/store"
	"github.com/bms/funds-service/pkg/mailclient"
	"github.com/bms/funds-service/pkg/rabbitmq"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configDir string
	timeout   time.Duration

	// token flags
	tokenTTL time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "fundsctl",
	Short: "Maintenance commands for the funds-service",
	Long: `fundsctl runs the funds-service background tasks on demand.

Configuration is read the same way the service reads it: environment variables,
optionally seeded by a .env file in --config-dir.`,
	SilenceUsage: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), func(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) error {
			applied, err := store.Migrate(ctx, pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations")
				return nil
			}
			for _, version := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", version)
			}
			return nil
		})
	},
}

var sweepPendingCmd = &cobra.Command{
	Use:   "sweep-pending",
	Short: "Fail PENDING transfers older than the configured TTL",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), func(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) error {
			repository := store.NewPostgresRepository(pool)
			service := app.NewService(repository, newGate(cfg, repository), serviceConfig(cfg))
			expired, err := service.ExpirePendingTransfers(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d pending transfers\n", expired)
			return nil
		})
	},
}

var purgeOtpsCmd = &cobra.Command{
	Use:   "purge-otps",
	Short: "Delete expired and consumed one-time codes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), func(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) error {
			repository := store.NewPostgresRepository(pool)
			purged, err := newGate(cfg, repository).Purge(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d one-time codes\n", purged)
			return nil
		})
	},
}

var flushOutboxCmd = &cobra.Command{
	Use:   "flush-outbox",
	Short: "Publish one batch of due outbox events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), func(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) error {
			if strings.TrimSpace(cfg.RabbitMQURL) == "" {
				return fmt.Errorf("RABBITMQ_URL is required")
			}
			repository := store.NewPostgresRepository(pool)
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
			dispatcher := app.NewOutboxDispatcher(repository, func() (rabbitmq.Publisher, error) {
				producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
				if err != nil {
					return nil, err
				}
				return producer, nil
			}, logger, cfg.OutboxPollInterval())

			published, err := dispatcher.FlushOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d outbox events\n", published)
			return nil
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <username>",
	Short: "Issue an API token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configDir)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if strings.TrimSpace(cfg.JWTSecret) == "" {
			return fmt.Errorf("JWT_SECRET is required")
		}
		now := time.Now()
		token, err := api.SignToken([]byte(cfg.JWTSecret), cfg.JWTIssuer, args[0], jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "Directory holding an optional .env file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Maximum run time of the command")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")

	rootCmd.AddCommand(migrateCmd, sweepPendingCmd, purgeOtpsCmd, flushOutboxCmd, tokenCmd)
}

func main() {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withPool(parent context.Context, run func(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()
	return run(ctx, cfg, pool)
}

// newGate builds a gate that never delivers codes; maintenance commands do not issue any.
func newGate(cfg config.Config, repository *store.PostgresRepository) *otp.Gate {
	return otp.NewGate(repository, repository, mailclient.LogDeliverer{}, otp.Config{
		Length:                   cfg.OtpLength,
		Expiry:                   cfg.OtpExpiry(),
		MaxAttempts:              cfg.OtpMaxAttempts,
		HashCost:                 cfg.OtpHashCost,
		VerifyRateLimitPerMinute: cfg.OtpVerifyRateLimitPerMin,
	})
}

func serviceConfig(cfg config.Config) app.Config {
	return app.Config{
		StepUpThreshold:            cfg.StepUpThreshold,
		DefaultDailyLimit:          cfg.DefaultDailyLimit,
		DefaultPerTransactionLimit: cfg.DefaultPerTransactionLimit,
		DefaultMinimumBalance:      cfg.DefaultMinimumBalance,
		PendingTransferTTL:         cfg.PendingTransferTTL(),
		EventsExchange:             cfg.EventsExchange,
		Location:                   cfg.Location(),
	}
}
