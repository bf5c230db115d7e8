/**
 * @description
 * This is the main entry point for the funds-service. It loads configuration, connects to
 * PostgreSQL, Redis and RabbitMQ, builds the funds engine with its step-up gate, and runs
 * the HTTP API next to the background workers (outbox dispatcher, side-effect consumer and
 * scheduled sweeps) until a shutdown signal arrives.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Verification rate limiting.
 * - github.com/prometheus/client_golang: Metrics registry and /metrics.
 * - golang.org/x/sync/errgroup: Supervises the server and the workers.
 * - internal/api, internal/app, internal/config, internal/otp, internal/store: Service packages.
 * - pkg/mailclient, pkg/rabbitmq: Mail delivery and messaging.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bms/funds-service/internal/api"
	"github.com/bms/funds-service/internal/app"
	"github.com/bms/funds-service/internal/config"
	"github.com/bms/funds-service/internal/metrics"
	"github.com/bms/funds-service/internal/otp"
	"github.com/bms/funds-service/internal/store"
	"github.com/bms/funds-service/pkg/mailclient"
	"github.com/bms/funds-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}
	log.Printf("level=info component=bootstrap msg=\"starting funds-service\" port=%s", cfg.ServerPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbpool, err := connectDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	applied, err := store.Migrate(ctx, dbpool)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"migrations failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"migrations applied\" count=%d", len(applied))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewPrometheusCollector(cfg.MetricsNamespace)
	if err := collector.Register(registry); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"metrics registration failed\" err=%v", err)
	}

	repository := store.NewPostgresRepository(dbpool)

	var deliverer otp.Deliverer = mailclient.LogDeliverer{}
	if strings.TrimSpace(cfg.MailAPIBaseURL) != "" {
		deliverer = mailclient.NewClient(cfg.MailAPIBaseURL, cfg.MailAPIKey, cfg.MailFrom, mailclient.Options{
			OnStateChange: collector.RecordCircuitState,
		})
	} else {
		log.Println("level=warn component=bootstrap msg=\"mail api not configured; verification codes are not delivered\" env=MAIL_API_BASE_URL")
	}

	gate := otp.NewGate(repository, repository, deliverer, otp.Config{
		Length:                   cfg.OtpLength,
		Expiry:                   cfg.OtpExpiry(),
		MaxAttempts:              cfg.OtpMaxAttempts,
		HashCost:                 cfg.OtpHashCost,
		VerifyRateLimitPerMinute: cfg.OtpVerifyRateLimitPerMin,
	})
	gate.SetMetrics(collector)
	if redisClient := connectRedis(ctx, cfg.RedisURL); redisClient != nil {
		defer redisClient.Close()
		gate.SetRateLimiter(otp.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix))
	}
	defer gate.WaitForDeliveries()

	fundsService := app.NewService(repository, gate, app.Config{
		StepUpThreshold:            cfg.StepUpThreshold,
		DefaultDailyLimit:          cfg.DefaultDailyLimit,
		DefaultPerTransactionLimit: cfg.DefaultPerTransactionLimit,
		DefaultMinimumBalance:      cfg.DefaultMinimumBalance,
		PendingTransferTTL:         cfg.PendingTransferTTL(),
		EventsExchange:             cfg.EventsExchange,
		Location:                   cfg.Location(),
	})
	fundsService.SetMetrics(collector)

	sideEffects := app.NewSideEffectConsumer(repository, logger)
	sideEffects.SetMetrics(collector)

	var connect app.PublisherFactory
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; side effects are delivered in-process\" env=RABBITMQ_URL")
		connect = func() (rabbitmq.Publisher, error) {
			return sideEffects, nil
		}
	} else {
		connect = func() (rabbitmq.Publisher, error) {
			producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
			if err != nil {
				return nil, err
			}
			return producer, nil
		}

		rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
		}
		defer rabbitConsumer.Close()
		if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.SideEffectQueue, sideEffects.Bindings()); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"side-effect consumer start failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"side-effect consumer started\"")
	}

	dispatcher := app.NewOutboxDispatcher(repository, connect, logger, cfg.OutboxPollInterval())
	dispatcher.SetMetrics(collector)

	scheduler := app.NewScheduler(app.NewJobs(fundsService, gate, logger), logger, cfg)
	scheduler.Start()

	handlers := api.NewHandlers(fundsService)
	router := api.NewRouter(handlers, api.RouterConfig{
		JWTSecret: []byte(cfg.JWTSecret),
		JWTIssuer: cfg.JWTIssuer,
		Users:     repository,
		Metrics:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		dispatcher.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Println("level=info component=http msg=\"shutdown started\"")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
		}
		<-scheduler.Stop().Done()
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Printf("level=error component=bootstrap msg=\"service stopped with error\" err=%v", err)
	}
	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func connectDatabase(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("database url parse failed: %w", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Prepared statement caching conflicts with transaction-mode poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, err
	}
	return dbpool, nil
}

// connectRedis returns nil when Redis is not configured or unreachable; verification
// attempts are then unthrottled beyond the per-code attempt limit.
func connectRedis(ctx context.Context, redisURL string) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; otp rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; otp rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; otp rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
