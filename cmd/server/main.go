package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ticket-chat/internal/auth"
	"ticket-chat/internal/broker"
	"ticket-chat/internal/config"
	"ticket-chat/internal/database"
	"ticket-chat/internal/handlers"
	"ticket-chat/internal/media"
	"ticket-chat/internal/notify"
	"ticket-chat/internal/presence"
	"ticket-chat/internal/services"
	"ticket-chat/internal/websocket"
	"ticket-chat/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to open database: %v", err)
	}
	defer db.Close()

	blobs, mediaHandler, err := openBlobStore(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("Failed to open blob storage: %v", err)
	}

	registry := websocket.NewRegistry()

	roomBroker, err := openBroker(ctx, cfg.Broker, registry)
	if err != nil {
		logger.Fatal("Failed to start room broker: %v", err)
	}
	defer roomBroker.Close()

	notifier, err := openNotifier(cfg.Notify)
	if err != nil {
		logger.Fatal("Failed to start notifier: %v", err)
	}
	defer notifier.Close()

	authService := auth.NewService(cfg.JWT)
	accessService := services.NewAccessService(db, nil)
	messageService := services.NewMessageService(db, blobs, roomBroker, notifier, services.MessageServiceConfig{
		MaxImageSize:   cfg.Chat.MaxImageSize,
		PublishTimeout: cfg.Chat.PublishTimeout,
		NotifyTimeout:  cfg.Notify.Timeout,
		NotifyWorkers:  cfg.Notify.Workers,
	})
	defer messageService.Wait()
	throttler := presence.NewThrottler(roomBroker, cfg.Chat.TypingInterval)

	deps := websocket.Deps{
		Registry: registry,
		Gate:     accessService,
		Messages: messageService,
		Presence: throttler,
		Config: websocket.ClientConfig{
			PingInterval:   cfg.WebSocket.PingInterval,
			PongWait:       cfg.WebSocket.PongWait,
			WriteWait:      cfg.WebSocket.WriteWait,
			MaxMessageSize: cfg.WebSocket.MaxMessageSize,
			SendBuffer:     cfg.WebSocket.SendBuffer,
			HistoryLimit:   cfg.Chat.HistoryLimit,
			HandleTimeout:  cfg.Chat.PublishTimeout,
			CleanupTimeout: cfg.Chat.CleanupTimeout,
		},
	}

	router := handlers.Router{
		WebSocket:    handlers.NewWebSocketHandlers(authService, deps, cfg.Server.AllowOrigins),
		Messages:     handlers.NewMessageHandlers(authService, accessService, messageService, registry, cfg.Chat.HistoryLimit),
		Media:        mediaHandler,
		MediaPrefix:  mediaPrefix(cfg.Storage.Local.BaseURL),
		AllowOrigins: cfg.Server.AllowOrigins,
		Logger:       logger.L(),
	}

	// WriteTimeout is left unset: it would cut off hijacked WebSocket
	// connections.
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	go func() {
		logger.Info("Server started on %s", cfg.Server.Addr())
		logger.Info("WebSocket endpoint: ws://%s/ws/ticket/{ticket_id}/chat/", cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error: %v", err)
	}
	// Hijacked connections are not tracked by the server; kick them so
	// every session runs its cleanup.
	registry.Shutdown()
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (database.Database, error) {
	if cfg.URL == "" {
		logger.Info("DATABASE_URL not set, using in-memory store")
		return database.NewMemoryDB(), nil
	}

	db, err := database.NewPostgresDB(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func openBlobStore(ctx context.Context, cfg config.StorageConfig) (media.BlobStore, http.Handler, error) {
	if cfg.Driver == "s3" {
		store, err := media.NewS3Store(ctx, media.S3Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			PublicURL:       cfg.S3.PublicURL,
			URLExpiry:       cfg.URLExpiry,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	}

	store, err := media.NewLocalStore(media.LocalConfig{
		BasePath: cfg.Local.BasePath,
		BaseURL:  cfg.Local.BaseURL,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, store.Handler(), nil
}

func openBroker(ctx context.Context, cfg config.BrokerConfig, registry *websocket.Registry) (broker.Broker, error) {
	if cfg.Driver != "redis" {
		return broker.NewLocal(registry), nil
	}

	b, err := broker.NewRedis(ctx, broker.RedisConfig{
		Address:       cfg.Redis.Address,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		ChannelPrefix: cfg.Redis.ChannelPrefix,
	}, registry)
	if err != nil {
		return nil, err
	}
	if err := b.Start(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func openNotifier(cfg config.NotifyConfig) (notify.Publisher, error) {
	switch cfg.Driver {
	case "amqp":
		p, err := notify.NewAMQPPublisher(notify.AMQPConfig{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			RoutingKey: cfg.AMQP.RoutingKey,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "kafka":
		p, err := notify.NewKafkaPublisher(notify.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return notify.Nop{}, nil
	}
}

// mediaPrefix turns storage.local.base_url into the path the file server is
// mounted on.
func mediaPrefix(baseURL string) string {
	if u, err := url.Parse(baseURL); err == nil && u.Path != "" {
		return u.Path
	}
	return "/" + strings.Trim(baseURL, "/")
}
