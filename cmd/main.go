package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/avkus/openai-cf/handler"
	"github.com/avkus/openai-cf/internal/integrations/paramstore"
	"github.com/avkus/openai-cf/internal/integrations/workersai"
	"github.com/avkus/openai-cf/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	paramPrefix := mustEnv("PARAM_PREFIX")
	accountID := mustEnv("WORKERS_AI_ACCOUNT_ID")

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}

	llmClient, err := workersai.NewClient(ssmClient, paramPrefix, accountID)
	if err != nil {
		slog.Error("failed to create Workers AI client", "err", err)
		os.Exit(1)
	}

	// The gateway access token gates callers of this endpoint, distinct from
	// the Workers AI token. A missing token is an operator fault the handler
	// surfaces as 500 on every request, so a failed fetch must not crash-loop
	// the function.
	accessToken, err := loadAccessToken(ctx, ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to load access token; requests will be rejected", "err", err)
	}

	// ---- Handler ----
	svc, err := usecase.NewCompletionService(ssmClient, llmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create completion service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(handler.Config{AccessToken: accessToken}, svc)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func loadAccessToken(ctx context.Context, ps paramstore.Getter, paramPrefix string) (string, error) {
	name := strings.TrimRight(paramPrefix, "/") + "/access-token"
	token, err := ps.GetParameter(ctx, name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(token), nil
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}
