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

	"chatforge/internal/app"
	"chatforge/internal/artifacts"
	"chatforge/internal/config"
	"chatforge/internal/identity"
	"chatforge/internal/mcp"
	"chatforge/internal/ratelimit"
	"chatforge/internal/server"
	"chatforge/internal/tools"
	"chatforge/internal/util"
	"chatforge/pkg/ai"
	"chatforge/pkg/queue"
	"chatforge/pkg/storage"
	"chatforge/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	util.InitLogger(cfg.LogLevel)

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		util.Fatal("failed to parse jwt leeway", "err", err)
	}
	tokenVerifier, err := identity.NewVerifier(identity.Config{
		JWKSURL:    cfg.IdentityJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init jwks verifier", "err", err)
	}
	profileClient := identity.NewClient(cfg.IdentityProfileURL, cfg.IdentityAPIToken)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init postgres store", "err", err)
	}

	generator := ai.NewOpenAICompatGenerator(cfg.ModelBaseURL, cfg.ModelAPIKey, cfg.GenerationModel)
	titler := ai.TextGenerator(generator)
	if cfg.TitleModel != "" && cfg.TitleModel != cfg.GenerationModel {
		titler = ai.NewOpenAICompatGenerator(cfg.ModelBaseURL, cfg.ModelAPIKey, cfg.TitleModel)
	}

	handlers := []artifacts.Handler{artifacts.NewTextHandler(generator)}
	if cfg.MinioEndpoint != "" && cfg.ImageModel != "" {
		objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			util.Fatal("failed to init object store", "err", err)
		}
		imageGen := ai.NewOpenAICompatImageGenerator(cfg.ModelBaseURL, cfg.ModelAPIKey, cfg.ImageModel)
		handlers = append(handlers, artifacts.NewImageHandler(imageGen, objects))
	}

	var newRemote func() mcp.Transport
	if cfg.MCPCommand != "" {
		command := cfg.MCPCommand
		newRemote = func() mcp.Transport { return mcp.NewStdioTransport(command) }
	}
	registry := tools.NewRegistry(tools.Config{
		Store:     dataStore,
		Handlers:  handlers,
		Weather:   tools.NewWeatherClient(cfg.WeatherBaseURL),
		Suggester: titler,
		NewRemote: newRemote,
	})

	var publisher app.Publisher
	var events *queue.Publisher
	if cfg.AMQPURL != "" {
		events = queue.NewPublisher(cfg.AMQPURL, cfg.EventExchange)
		defer events.Close()
		publisher = chatEventPublisher{events: events}
	}

	var chatLimiter *ratelimit.FixedWindowLimiter
	if cfg.ChatRateLimitPerMinute > 0 {
		chatLimiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "chatforge:chat", cfg.ChatRateLimitPerMinute, time.Minute)
		if err != nil {
			util.Fatal("failed to init rate limiter", "err", err)
		}
	}

	appCore, err := app.New(app.Config{
		Store:     dataStore,
		Generator: generator,
		Titler:    titler,
		Profiles:  profileClient,
		Tools:     registry,
		Publisher: publisher,
		MaxSteps:  cfg.MaxToolSteps,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		ChatLimiter:    chatLimiter,
		TrustedProxies: trustedProxies,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming responses manage their own lifetime
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if err := group.Wait(); err != nil {
		util.Fatal("server error", "err", err)
	}
}

// chatEventPublisher routes app events onto the queue by event type.
type chatEventPublisher struct {
	events *queue.Publisher
}

func (p chatEventPublisher) PublishChatEvent(ctx context.Context, event app.ChatEvent) error {
	return p.events.Publish(ctx, event.Type, event)
}
