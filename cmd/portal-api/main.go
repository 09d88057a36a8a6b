// Command portal-api serves accounts, consultations and notifications.
//
//	@title						Village Health Portal API
//	@version					1.0
//	@description				Accounts, consultations and notifications for the village health portal.
//	@BasePath					/
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/villagehealth/portal/internal/api"
	"github.com/villagehealth/portal/internal/api/handler"
	"github.com/villagehealth/portal/internal/core/ports"
	"github.com/villagehealth/portal/internal/core/service"
	"github.com/villagehealth/portal/internal/infrastructure/db/memory"
	mongostore "github.com/villagehealth/portal/internal/infrastructure/db/mongo"
	redisstore "github.com/villagehealth/portal/internal/infrastructure/db/redis"
	"github.com/villagehealth/portal/internal/infrastructure/mqtt"
	"github.com/villagehealth/portal/internal/infrastructure/queue"
	"github.com/villagehealth/portal/internal/pkg/config"
	"github.com/villagehealth/portal/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

// repositories is the persistence the server runs on.
type repositories struct {
	users         ports.UserRepository
	consultations ports.ConsultationRepository
	messages      ports.MessageRepository
	notifications ports.NotificationStore
}

func main() {
	cfg := config.MustLoadServer()
	log := logger.Init(logger.Options{Service: "portal-api", Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("portal-api stopped")
	}
	log.Info().Msg("portal-api stopped")
}

func run(ctx context.Context, cfg *config.Server, log zerolog.Logger) error {
	checks := map[string]handler.DependencyCheck{}

	repos, closeStore, err := openStore(ctx, cfg, checks)
	if err != nil {
		return err
	}
	defer closeStore()

	var debouncer ports.Debouncer = memory.NewDebouncer()
	if cfg.Redis.Addr != "" {
		rdb, err := redisstore.Open(ctx, redisstore.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			return err
		}
		defer rdb.Close()
		debouncer = redisstore.NewDebouncer(rdb)
		checks["redis"] = handler.RedisCheck(rdb)
	}

	hub := service.NewNotificationHub(repos.notifications, debouncer, cfg.Notify.Debounce, logger.For("notifications"))
	consultations := service.NewConsultationService(repos.consultations, repos.messages, repos.users, hub, logger.For("consultations"))
	auth := service.NewAuthService(repos.users, cfg.JWTSecret, cfg.TokenTTL)
	dispatcher := queue.NewDispatcher(cfg.Dispatch.Workers, service.NewIngestService(hub, logger.For("ingest")), logger.For("dispatcher"))

	e := api.NewRouter(api.Deps{
		Auth:          auth,
		Consultations: consultations,
		Notifications: hub,
		Dispatcher:    dispatcher,
		JWTSecret:     cfg.JWTSecret,
		Checks:        checks,
		Log:           log,
	})

	g, gctx := errgroup.WithContext(ctx)

	dispatcher.Start(gctx)
	g.Go(func() error {
		dispatcher.Wait()
		return nil
	})

	if cfg.MQTT.Broker != "" {
		bridge := mqtt.NewBridge(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
		}, dispatcher, log)
		g.Go(func() error { return bridge.Run(gctx) })
	}

	g.Go(func() error {
		addr := ":" + cfg.Port
		log.Info().Str("addr", addr).Str("env", cfg.Env).Str("store", cfg.StoreDriver).Msg("portal-api listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore picks the persistence driver. Memory is meant for local runs;
// nothing survives a restart.
func openStore(ctx context.Context, cfg *config.Server, checks map[string]handler.DependencyCheck) (repositories, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		return repositories{
			users:         memory.NewUserRepository(),
			consultations: memory.NewConsultationRepository(),
			messages:      memory.NewMessageRepository(),
			notifications: memory.NewNotificationStore(),
		}, func() {}, nil
	case "mongo":
		client, db, err := mongostore.Connect(ctx, mongostore.Config{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database})
		if err != nil {
			return repositories{}, nil, err
		}
		closeFn := func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = client.Disconnect(disconnectCtx)
		}

		store := mongostore.NewStore(db)
		if err := store.EnsureIndexes(ctx); err != nil {
			closeFn()
			return repositories{}, nil, err
		}
		checks["mongo"] = handler.MongoCheck(db)
		return repositories{
			users:         store.Users,
			consultations: store.Consultations,
			messages:      store.Messages,
			notifications: store.Notifications,
		}, closeFn, nil
	default:
		return repositories{}, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}
