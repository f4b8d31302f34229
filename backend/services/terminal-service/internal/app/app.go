package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	paho "github.com/eclipse/paho.mqtt.golang"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	libdb "fuelterminal/backend/libs/db"
	libmqtt "fuelterminal/backend/libs/mqtt"
	libredis "fuelterminal/backend/libs/redis"
	"fuelterminal/backend/services/terminal-service/internal/clients"
	"fuelterminal/backend/services/terminal-service/internal/config"
	"fuelterminal/backend/services/terminal-service/internal/credential"
	"fuelterminal/backend/services/terminal-service/internal/dispenser"
	httpserver "fuelterminal/backend/services/terminal-service/internal/http"
	"fuelterminal/backend/services/terminal-service/internal/http/handlers"
	"fuelterminal/backend/services/terminal-service/internal/http/middleware"
	"fuelterminal/backend/services/terminal-service/internal/mqtt"
	"fuelterminal/backend/services/terminal-service/internal/presence"
	redisstore "fuelterminal/backend/services/terminal-service/internal/redis"
	"fuelterminal/backend/services/terminal-service/internal/repository"
	"fuelterminal/backend/services/terminal-service/internal/service"
	"fuelterminal/backend/services/terminal-service/internal/ws"
)

// App wires terminal service dependencies.
type App struct {
	db     *sql.DB
	redis  *goredis.Client
	mqtt   paho.Client
	hub    *ws.Hub
	server *httpserver.Server
	logger *zap.Logger
}

// New constructs application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var store repository.SessionStore
	if cfg.Database.DSN != "" {
		db, err := libdb.NewPostgresDB(cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		a.db = db
		repo := repository.NewSessionRepository(db)
		if err := repo.Migrate(context.Background()); err != nil {
			return nil, fmt.Errorf("migrate sessions: %w", err)
		}
		store = repo
	} else {
		logger.Warn("database dsn empty, sessions kept in memory only")
		store = repository.NewMemoryStore()
	}

	detector, err := presence.NewDetector(cfg.PresenceConfig())
	if err != nil {
		return nil, err
	}

	hub := ws.NewHub(cfg.WebSocket.PingInterval, logger)
	a.hub = hub

	deps := service.Dependencies{
		Store:     store,
		Detector:  detector,
		Codec:     credential.NewCodec(),
		Hasher:    credential.NewPinHasher(cfg.Pin.BcryptCost),
		Publisher: hub,
		Logger:    logger,
	}

	if cfg.Redis.Addr != "" {
		client, err := libredis.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("init redis: %w", err)
		}
		a.redis = client
		deps.Bays = redisstore.NewStore(client, cfg.Redis.BayTTL)
	}
	if cfg.Notifier.URL != "" {
		deps.Notifier = clients.NewNotifierClient(cfg.Notifier.URL, cfg.Notifier.Timeout, logger)
	} else {
		logger.Warn("notifier url empty, PINs are not delivered")
	}
	if cfg.Dispenser.URL != "" {
		deps.Dispenser = dispenser.NewGateway(dispenser.Config{
			URL:           cfg.Dispenser.URL,
			PresetTimeout: cfg.Dispenser.PresetTimeout,
			ProbeTimeout:  cfg.Dispenser.ProbeTimeout,
		}, nil, logger)
	}

	svc, err := service.NewTerminalService(deps, service.Options{
		PinLength:       cfg.Pin.Length,
		PinTTL:          cfg.Pin.TTL,
		RequirePresence: cfg.Terminal.RequirePresence,
	})
	if err != nil {
		return nil, err
	}

	if cfg.MQTTEnabled() {
		subscriber := mqtt.NewPresenceSubscriber(svc, cfg.MQTT.QoS, logger)
		client, err := libmqtt.NewClient(libmqtt.Options{
			Brokers:  cfg.MQTT.Brokers,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			OnConnect: func(c paho.Client) {
				if err := subscriber.Subscribe(c); err != nil {
					logger.Error("presence subscribe failed", zap.Error(err))
				}
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init mqtt: %w", err)
		}
		a.mqtt = client
	}

	var kioskAuth func(http.Handler) http.Handler
	if cfg.Kiosk.JWTSecret != "" {
		kioskAuth = middleware.KioskAuth(cfg.Kiosk.JWTSecret)
	} else {
		logger.Warn("kiosk jwt secret empty, kiosk routes are unauthenticated")
	}

	wsServer := ws.NewServer(hub, cfg.WebSocket.WriteTimeout, logger)
	router := httpserver.NewRouter(httpserver.RouterDeps{
		Scan:          handlers.NewScanHandler(svc, logger),
		Pin:           handlers.NewPinHandler(svc, logger),
		Dispense:      handlers.NewDispenseHandler(svc, logger),
		Presence:      handlers.NewPresenceHandler(svc, logger),
		Sessions:      handlers.NewSessionsHandler(svc, logger),
		Admin:         handlers.NewAdminHandler(svc, logger),
		EventsFeed:    wsServer.HandleWS,
		HealthHandler: handlers.NewHealthHandler(),
	}, kioskAuth)

	a.server = httpserver.NewServer(
		cfg.HTTPAddress(),
		router,
		logger,
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
	)
	ok = true
	return a, nil
}

// Run starts the event hub and serves HTTP traffic.
func (a *App) Run(ctx context.Context) error {
	go a.hub.Start(ctx)
	return a.server.Run(ctx)
}

// Close releases resources.
func (a *App) Close() {
	if a.mqtt != nil {
		a.mqtt.Disconnect(250)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("postgres close failed", zap.Error(err))
		}
	}
}
