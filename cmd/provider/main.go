package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cfn-custom-resource/internal/aws"
	"github.com/imrishuroy/go-cfn-custom-resource/internal/config"
	"github.com/imrishuroy/go-cfn-custom-resource/internal/handlers"
	"github.com/imrishuroy/go-cfn-custom-resource/internal/idempotency"
	"github.com/imrishuroy/go-cfn-custom-resource/internal/items"
	"github.com/imrishuroy/go-cfn-custom-resource/internal/logger"
)

func setupRouter(p *handlers.Provider) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterLocalRoutes(r, p, handlers.NewCallbackSink())

	return r
}

func newProvider(ctx context.Context, cfg *config.Config) (*handlers.Provider, error) {
	clients, err := aws.NewAWSClients(ctx, cfg.AWS)
	if err != nil {
		return nil, fmt.Errorf("failed to init aws clients: %w", err)
	}

	pc := handlers.ProviderConfig{
		HTTPClient:      &http.Client{Timeout: cfg.Provider.CallbackTimeout},
		Items:           items.NewStore(clients.DynamoDB),
		CallbackTimeout: cfg.Provider.CallbackTimeout,
		Logger:          logger.L(),
	}
	if cfg.Provider.IdempotencyTable != "" {
		pc.Requests = idempotency.NewStore(clients.DynamoDB, cfg.Provider.IdempotencyTable, cfg.Provider.IdempotencyTTL)
	} else {
		logger.Warn("IDEMPOTENCY_TABLE not set, re-invoked requests repeat their work")
	}
	if cfg.Provider.NotifyQueueURL != "" {
		pc.Publisher = aws.NewPublisher(clients.SQS, cfg.Provider.NotifyQueueURL)
	}
	if cfg.Provider.MetricsNamespace != "" {
		pc.Metrics = aws.NewMetrics(clients.CloudWatch, cfg.Provider.MetricsNamespace)
	}
	return handlers.NewProvider(pc), nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Debug("configuration loaded",
		zap.String("region", cfg.AWS.Region),
		zap.String("idempotency_table", cfg.Provider.IdempotencyTable),
		zap.String("notify_queue_url", cfg.Provider.NotifyQueueURL),
		zap.String("metrics_namespace", cfg.Provider.MetricsNamespace),
		zap.Duration("callback_timeout", cfg.Provider.CallbackTimeout),
	)

	p, err := newProvider(context.Background(), cfg)
	if err != nil {
		logger.Fatal("failed to build provider", zap.Error(err))
	}

	// RUN_LOCAL=true serves the provider over HTTP for development.
	if cfg.Local.Enabled {
		r := setupRouter(p)
		logger.Info("running local server", zap.String("addr", cfg.Local.Addr))
		if err := r.Run(cfg.Local.Addr); err != nil {
			logger.Fatal("failed to run local server", zap.Error(err))
		}
		return
	}

	lambda.Start(p.Handle)
}
