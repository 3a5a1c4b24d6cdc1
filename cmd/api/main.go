package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/internal/api/handlers"
	"github.com/textbook-tutor/backend/internal/cache/redis"
	"github.com/textbook-tutor/backend/internal/embedding"
	"github.com/textbook-tutor/backend/internal/illustration"
	"github.com/textbook-tutor/backend/internal/ingestion"
	"github.com/textbook-tutor/backend/internal/llm"
	"github.com/textbook-tutor/backend/internal/metrics"
	authmw "github.com/textbook-tutor/backend/internal/middleware/auth"
	"github.com/textbook-tutor/backend/internal/middleware/ratelimit"
	"github.com/textbook-tutor/backend/internal/middleware/security"
	"github.com/textbook-tutor/backend/internal/middleware/validation"
	"github.com/textbook-tutor/backend/internal/pages"
	"github.com/textbook-tutor/backend/internal/query"
	"github.com/textbook-tutor/backend/internal/realtime"
	"github.com/textbook-tutor/backend/internal/relevance"
	"github.com/textbook-tutor/backend/internal/retrieval"
	"github.com/textbook-tutor/backend/internal/storage/sqlite"
	"github.com/textbook-tutor/backend/internal/vector"
	"github.com/textbook-tutor/backend/internal/vector/milvus"
	"github.com/textbook-tutor/backend/pkg/auth"
	"github.com/textbook-tutor/backend/pkg/config"
	appLogger "github.com/textbook-tutor/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Textbook Tutor API Server")
	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	checks := map[string]handlers.Check{"sqlite": sqliteClient.Ping}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL())
		if err != nil {
			appLogger.Warn("Redis unavailable, embedding cache disabled", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
			checks["redis"] = redisClient.Ping
		}
	}

	embedder := newEmbedder(cfg, redisClient)

	var index vector.Store
	switch cfg.Vector.Backend {
	case "milvus":
		milvusStore, err := milvus.NewStore(context.Background(),
			cfg.Vector.Milvus.Endpoint,
			cfg.Vector.Milvus.APIKey,
			cfg.Vector.Milvus.CollectionName,
			embedder,
			cfg.Vector.MinScore,
			cfg.Embedding.BatchSize,
		)
		if err != nil {
			appLogger.Fatal("Failed to create Milvus store", zap.Error(err))
		}
		defer milvusStore.Close()
		index = milvusStore
	default:
		fileStore, err := vector.NewFileStore(cfg.Vector.Dir, embedder, cfg.Vector.MinScore, cfg.Embedding.BatchSize)
		if err != nil {
			appLogger.Fatal("Failed to create file vector store", zap.Error(err))
		}
		index = fileStore
	}

	llmClient := llm.NewClient(cfg.LLM, cfg.Illustration.ImageModel, cfg.Illustration.Size)

	deps := query.Deps{
		Store:     sqliteClient,
		Retriever: retrieval.NewOrchestrator(index),
		Gate:      relevance.NewGate(relevance.NewLLMClassifier(llmClient)),
		Text:      llmClient,
		Vision:    llmClient,
		Renderer:  pages.NewRenderer(cfg.Pages.Command, cfg.Pages.DPI, cfg.Pages.Timeout()),
	}

	if cfg.Illustration.Enabled {
		var images illustration.ImageGenerator = llmClient
		if cfg.Illustration.Provider == "huggingface" {
			images = illustration.NewHuggingFaceGenerator(
				cfg.Illustration.HuggingFaceToken,
				cfg.Illustration.HuggingFaceURL,
				cfg.Illustration.FallbackURL,
				&http.Client{Timeout: cfg.Illustration.Timeout()},
			)
		}

		pipeline, err := illustration.NewPipeline(llmClient, images,
			cfg.Illustration.Dir, cfg.Illustration.PublicPrefix, cfg.Illustration.Timeout())
		if err != nil {
			appLogger.Fatal("Failed to create illustration pipeline", zap.Error(err))
		}
		deps.Illustrator = pipeline
	}

	queryEngine := query.NewEngine(deps, query.Options{
		TopK:                   cfg.Vector.TopK,
		HistoryLimit:           cfg.Chat.HistoryLimit,
		RejectInactiveSessions: cfg.Chat.RejectInactiveSessions,
		Temperature:            cfg.LLM.Temperature,
		MaxTokens:              cfg.LLM.MaxTokens,
	})
	processor := ingestion.NewProcessor(sqliteClient, index, cfg.Ingestion.ChunkWords)
	if cfg.Ingestion.ValidateContent {
		validatorLLM := cfg.LLM
		validatorLLM.TextModel = cfg.Ingestion.ValidationModel
		processor.WithValidator(ingestion.NewValidator(llm.NewClient(validatorLLM, "", "")))
	}

	authCfg := authmw.Config{
		Enabled:  cfg.Auth.Enabled,
		Verifier: auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
	}
	if !cfg.Auth.Enabled {
		appLogger.Warn("Authentication disabled, trusting the X-User-ID header")
	}

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		KeyFunc:           authmw.Identity,
		Logger:            appLogger.GetLogger(),
	})
	defer limiter.Stop()

	validationCfg := validation.Config{
		MaxQuestionLength: cfg.Chat.MaxQuestionLength,
		MaxDocumentSize:   cfg.Server.BodyLimit,
		Logger:            appLogger.GetLogger(),
	}

	registry := realtime.NewRegistry()
	hub := realtime.NewHub(registry, queryEngine, limiter, cfg.Chat.MaxQuestionLength)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.Server.AllowedOrigins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, PATCH, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))

	chatHandler := handlers.NewChatHandler(queryEngine, sqliteClient)
	documentHandler := handlers.NewDocumentHandler(processor, sqliteClient, index, cfg.Pages.DocumentsDir)
	imageHandler := handlers.NewImageHandler(cfg.Illustration.Dir)
	healthHandler := handlers.NewHealthHandler(checks)
	wsHandler := handlers.NewWebSocketHandler(hub, authCfg)

	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", wsHandler.Upgrade)
	app.Get("/ws", websocket.New(wsHandler.HandleConnection))

	api := app.Group("/api/v1")

	api.Get("/health", healthHandler.Health)
	api.Get("/ready", healthHandler.Ready)
	api.Get("/images/:filename", imageHandler.ServeImage)

	protected := api.Group("", authmw.Middleware(authCfg), limiter.Middleware())

	protected.Post("/chat/ask", validation.AskMiddleware(validationCfg), chatHandler.Ask)
	protected.Get("/chat/sessions", chatHandler.ListSessions)
	protected.Post("/chat/sessions", chatHandler.CreateSession)
	protected.Get("/chat/sessions/:id/messages", chatHandler.Messages)
	protected.Patch("/chat/sessions/:id", chatHandler.UpdateStatus)
	protected.Delete("/chat/sessions/:id", chatHandler.DeleteSession)

	protected.Post("/documents", validation.DocumentMiddleware(validationCfg), documentHandler.UploadDocument)
	protected.Get("/documents/:id", documentHandler.GetDocument)
	protected.Delete("/documents/:id", documentHandler.DeleteDocument)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	registry.CloseAll()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

// newEmbedder builds the process-wide embedder. The OpenAI model is created on
// first use; a Redis client, when present, caches its vectors.
func newEmbedder(cfg *config.Config, cache *redis.Client) embedding.Embedder {
	var embedder embedding.Embedder
	if cfg.Embedding.Provider == "hash" {
		embedder = embedding.NewHashEmbedder(cfg.Embedding.Dimension)
	} else {
		embedder = embedding.NewLazy(cfg.Embedding.Model, cfg.Embedding.Dimension, func() (embedding.Embedder, error) {
			return embedding.New(cfg.Embedding, cfg.LLM)
		})
	}

	if cache == nil {
		return embedder
	}
	return embedding.NewCachedEmbedder(embedder, cache)
}
