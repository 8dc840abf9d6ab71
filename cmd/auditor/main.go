package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cfn-custom-resource/internal/aws"
	"github.com/imrishuroy/go-cfn-custom-resource/internal/config"
	"github.com/imrishuroy/go-cfn-custom-resource/internal/idempotency"
	"github.com/imrishuroy/go-cfn-custom-resource/internal/items"
	"github.com/imrishuroy/go-cfn-custom-resource/internal/logger"
)

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

	ctx := context.Background()
	clients, err := aws.NewAWSClients(ctx, cfg.AWS)
	if err != nil {
		logger.Fatal("failed to init aws clients", zap.Error(err))
	}

	var metrics *aws.Metrics
	if cfg.Provider.MetricsNamespace != "" {
		metrics = aws.NewMetrics(clients.CloudWatch, cfg.Provider.MetricsNamespace)
	}
	var removals *idempotency.Store
	if cfg.Provider.IdempotencyTable != "" {
		removals = idempotency.NewStore(clients.DynamoDB, cfg.Provider.IdempotencyTable, cfg.Provider.IdempotencyTTL)
	} else {
		logger.Warn("IDEMPOTENCY_TABLE not set, items missing after a Create or Update are not audited")
	}
	auditor := NewAuditor(items.NewStore(clients.DynamoDB), removals, metrics, logger.L())

	// RUN_LOCAL=true audits a single notification taken from LOCAL_SQS_BODY.
	if cfg.Local.Enabled {
		if cfg.Local.SQSBody == "" {
			logger.Fatal("LOCAL_SQS_BODY is required in local mode")
		}
		resp, err := auditor.Handle(ctx, events.SQSEvent{
			Records: []events.SQSMessage{{MessageId: "local-1", Body: cfg.Local.SQSBody}},
		})
		if err != nil || len(resp.BatchItemFailures) > 0 {
			logger.Error("local audit failed", zap.Error(err), zap.Int("failures", len(resp.BatchItemFailures)))
			logger.Sync()
			os.Exit(1)
		}
		logger.Info("local audit finished")
		return
	}

	lambda.Start(auditor.Handle)
}
