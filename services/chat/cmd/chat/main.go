package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"artifactchat/internal/ratelimit"
	"artifactchat/internal/usertoken"
	"artifactchat/internal/util"
	"artifactchat/pkg/ai"
	"artifactchat/pkg/domain"
	"artifactchat/pkg/storage"
	"artifactchat/pkg/store"
	"artifactchat/pkg/streamlog"
	"artifactchat/services/chat/internal/app"
	"artifactchat/services/chat/internal/config"
	"artifactchat/services/chat/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, cleanup := util.InitLogger(cfg.LogLevel, "chat", cfg.LogsDir)
	if cleanup != nil {
		defer cleanup()
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		util.Fatal("failed to init model provider", "err", err)
	}

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}

	deltaLog, closeLog, err := buildLog(cfg, dataStore)
	if err != nil {
		util.Fatal("failed to init delta log", "stream_log", cfg.StreamLog, "err", err)
	}
	defer closeLog()

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			util.Fatal("failed to init object storage", "err", err)
		}
	}

	var messageLimiter, guestLimiter *ratelimit.FixedWindowLimiter
	if cfg.RedisAddr != "" {
		// AllowN overrides the limit per user type; the window is what matters here.
		messageLimiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "artifactchat:entitlements", cfg.RegularMessagesPerDay+1, 24*time.Hour)
		if err != nil {
			util.Fatal("failed to init message limiter", "err", err)
		}
		defer messageLimiter.Close()
		guestLimiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "artifactchat:guest", cfg.GuestRateLimitPerMinute, time.Minute)
		if err != nil {
			util.Fatal("failed to init guest limiter", "err", err)
		}
		defer guestLimiter.Close()
	}

	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		util.Fatal("failed to parse jwt leeway", "err", err)
	}
	tokens, err := usertoken.NewAuthority(usertoken.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		util.Fatal("failed to init token authority", "err", err)
	}

	appCore, err := app.New(app.Config{
		Store:    dataStore,
		Log:      deltaLog,
		Provider: provider,
		Objects:  objects,
		Tokens:   tokens,
		Limiter:  messageLimiter,
		MessageLimit: map[domain.UserType]int{
			domain.UserGuest:   cfg.GuestMessagesPerDay,
			domain.UserRegular: cfg.RegularMessagesPerDay,
		},
		InactivityTimeout: cfg.InactivityTimeout(),
		Retention:         cfg.Retention(),
		MaxToolSteps:      cfg.MaxToolSteps,
		Logger:            logger,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("invalid trusted proxy cidrs", "err", err)
	}
	httpServer := server.New(server.Config{
		App:            appCore,
		GuestLimiter:   guestLimiter,
		TrustedProxies: trusted,
	})

	addr := ":" + cfg.Port
	// No WriteTimeout: event streams last as long as a turn. The SSE handler
	// clears its own deadline as well.
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("chat server listening", "addr", addr, "provider", provider.Name(), "stream_log", cfg.StreamLog)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return appCore.RunPruner(gctx, cfg.PruneInterval())
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
		return appCore.Close(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	logger.Info("chat server stopped")
}

func buildProvider(cfg config.FileConfig) (*ai.Provider, error) {
	if cfg.Provider == "scripted" {
		reply := ai.NewScriptedModel(ai.TextScript("This is a scripted reply."))
		return ai.NewProvider("scripted", ai.ModelChat, map[string]ai.ChatModel{
			ai.ModelChat:          reply,
			ai.ModelChatReasoning: reply,
			ai.ModelTitle:         ai.NewScriptedModel(ai.TextScript("Scripted chat")),
			ai.ModelArtifact:      ai.NewScriptedModel(ai.TextScript("Scripted document content.")),
		}, nil)
	}

	backend := cfg.Provider
	if backend == "openai-compat" {
		backend = "openai"
	}
	modelFor := func(name string, reasoning bool) (ai.ChatModel, error) {
		if name == "" {
			name = cfg.ChatModel
		}
		return ai.NewLangchainModel(ai.ModelConfig{
			Provider:    backend,
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       name,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			Reasoning:   reasoning,
		})
	}
	models := map[string]ai.ChatModel{}
	for _, m := range []struct {
		id        string
		name      string
		reasoning bool
	}{
		{ai.ModelChat, cfg.ChatModel, false},
		{ai.ModelChatReasoning, cfg.ReasoningModel, true},
		{ai.ModelTitle, cfg.TitleModel, false},
		{ai.ModelArtifact, cfg.ArtifactModel, false},
	} {
		model, err := modelFor(m.name, m.reasoning)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.id, err)
		}
		models[m.id] = model
	}

	var images ai.ImageGenerator
	if cfg.ImageModel != "" {
		baseURL := cfg.ImageBaseURL
		if baseURL == "" {
			baseURL = cfg.BaseURL
		}
		images = ai.NewOpenAICompatImageGenerator(baseURL, cfg.APIKey, cfg.ImageModel, cfg.ImageSize)
	}
	return ai.NewProvider(cfg.Provider, ai.ModelChat, models, images)
}

func buildLog(cfg config.FileConfig, dataStore *store.GormStore) (streamlog.Log, func(), error) {
	switch cfg.StreamLog {
	case "redis":
		l, err := streamlog.NewRedisLog(streamlog.RedisLogConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			TTL:      cfg.Retention(),
		})
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	case "memory":
		return streamlog.NewMemoryLog(), func() {}, nil
	default:
		l, err := streamlog.NewGormLog(dataStore.DB())
		if err != nil {
			return nil, nil, err
		}
		return l, func() {}, nil
	}
}
