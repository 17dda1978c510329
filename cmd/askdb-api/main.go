package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/askdb/askdb/internal/agent"
	"github.com/askdb/askdb/internal/api"
	"github.com/askdb/askdb/internal/audit"
	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/completion"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/conversation"
	"github.com/askdb/askdb/internal/dbpool"
	"github.com/askdb/askdb/internal/executor"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/pipeline"
	"github.com/askdb/askdb/internal/schema"
	"github.com/askdb/askdb/internal/suggest"
	"github.com/askdb/askdb/internal/viz"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("askdb-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	mongoCtx, cancelMongo := context.WithTimeout(context.Background(), cfg.Mongo.ConnectTimeout)
	defer cancelMongo()
	mongoClient, err := mongo.Connect(mongoCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		logger.Error("failed to connect to mongo", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()
	if err := mongoClient.Ping(mongoCtx, readpref.Primary()); err != nil {
		logger.Error("mongo ping failed", slog.Any("error", err))
		os.Exit(1)
	}
	mongoDB := mongoClient.Database(cfg.Mongo.Database)

	pools, err := dbpool.Open(context.Background(), dbpool.Config{
		Spec:            cfg.Databases.Spec,
		MaxOpenConns:    cfg.Databases.MaxOpenConns,
		MaxIdleConns:    cfg.Databases.MaxIdleConns,
		ConnMaxIdleTime: cfg.Databases.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Databases.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open target databases", slog.Any("error", err))
		os.Exit(1)
	}
	defer pools.Close()

	completionClient, err := newCompletionClient(cfg)
	if err != nil {
		logger.Error("failed to initialize completion client", slog.Any("error", err))
		os.Exit(1)
	}

	schemaProvider := schema.NewPostgresProvider(pools)
	conversations := conversation.NewMongoStore(mongoDB)
	auditLog := audit.NewMongoRecorder(mongoDB, logger)

	controller := pipeline.New(pipeline.Dependencies{
		Router:             agent.NewRouter(completionClient, logger),
		Generator:          agent.NewGenerator(completionClient, schemaProvider),
		Refiner:            agent.NewRefiner(completionClient, schemaProvider, logger),
		Verifier:           agent.NewVerifier(completionClient, schemaProvider, logger),
		Interpreter:        agent.NewInterpreter(completionClient),
		SmallTalk:          agent.NewSmallTalk(completionClient),
		Composer:           viz.NewComposer(completionClient, logger),
		Executor:           executor.New(pools, cfg.Pipeline.SampleLimit, logger),
		Conversations:      conversations,
		Audit:              auditLog,
		Completion:         completionClient,
		Logger:             logger,
		HistoryLimit:       cfg.Pipeline.HistoryLimit,
		TitleAfterMessages: cfg.Pipeline.TitleAfterMessages,
	})

	suggester := suggest.NewService(completionClient, schemaProvider, conversations, suggest.Config{
		CacheTTL:      cfg.Suggestions.CacheTTL,
		MinedLimit:    cfg.Suggestions.MinedLimit,
		MaxContextual: cfg.Suggestions.MaxContextual,
	}, logger)

	deps := api.Dependencies{
		Logger:        logger,
		Pipeline:      controller,
		Conversations: conversations,
		Suggestions:   suggester,
		Schema:        schemaProvider,
		Completion:    completionClient,
		Readiness: func(ctx context.Context) error {
			if err := mongoClient.Ping(ctx, readpref.Primary()); err != nil {
				return err
			}
			return pools.Ping(ctx)
		},
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func newCompletionClient(cfg config.Config) (completion.Client, error) {
	aiCfg := completion.OpenAIConfig{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		Timeout:     cfg.AI.Timeout,
	}
	switch cfg.AI.Provider {
	case "openai":
		return completion.NewSDKClient(aiCfg)
	default:
		return completion.NewOpenAICompatClient(aiCfg)
	}
}
