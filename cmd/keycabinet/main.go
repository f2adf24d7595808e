package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/service"
	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/store"
	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/store/redisstore"
	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/store/sqlite"
	"github.com/BrandonDHaskell/keycabinet/internal/canbus"
	"github.com/BrandonDHaskell/keycabinet/internal/config"
	"github.com/BrandonDHaskell/keycabinet/internal/db"
	"github.com/BrandonDHaskell/keycabinet/internal/hardware"
	"github.com/BrandonDHaskell/keycabinet/internal/hardware/candoor"
	"github.com/BrandonDHaskell/keycabinet/internal/hardware/serialpanel"
	"github.com/BrandonDHaskell/keycabinet/internal/hardware/sim"
	"github.com/BrandonDHaskell/keycabinet/internal/httpapi"
	"github.com/BrandonDHaskell/keycabinet/internal/logging"
	"github.com/BrandonDHaskell/keycabinet/internal/notify"
	"github.com/BrandonDHaskell/keycabinet/internal/statusapi"
)

func main() {
	configPath := flag.String("config", os.Getenv("CABINET_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "keycabinet")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("controller stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	sqlDB, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env})
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if cfg.Env == "dev" {
		if err := db.SeedDev(ctx, sqlDB, db.SeedDevOptions{Strips: 1}); err != nil {
			return fmt.Errorf("seed dev: %w", err)
		}
	}

	writer := db.NewWorker(sqlDB)
	defer writer.Close()

	keyStore := sqlite.NewKeyStore(sqlDB, writer)
	accessStore := sqlite.NewAccessStore(sqlDB)
	sessionStore := sqlite.NewSessionStore(sqlDB, writer)
	eventStore := sqlite.NewEventStore(sqlDB, writer)

	checks := map[string]statusapi.Check{
		statusapi.ServiceStore: func(ctx context.Context) error { return sqlDB.PingContext(ctx) },
	}

	var prompted store.PromptedKeyStore = sqlite.NewPromptedKeyStore(sqlDB, writer)
	if cfg.Redis.Addr != "" {
		client := redisstore.NewClient(redisstore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		rp := redisstore.NewPromptedKeys(client, cfg.Redis.Key)
		if err := rp.Ping(ctx); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		prompted = rp
		checks[statusapi.ServiceStore] = func(ctx context.Context) error {
			if err := sqlDB.PingContext(ctx); err != nil {
				return err
			}
			return rp.Ping(ctx)
		}
		logger.Info("prompted keys kept in redis", zap.String("addr", cfg.Redis.Addr))
	}

	// CAN bus
	bus, err := canbus.DialSocketCAN(ctx, cfg.CANInterface)
	if err != nil {
		return err
	}
	defer bus.Close()

	strips := service.NewStripRegistry(logger)
	ctl := canbus.NewController(bus, logger, canbus.Options{
		ResponseWindow: cfg.Timing.ResponseWindow,
		Observer:       strips.Observe,
	})
	go func() {
		if err := ctl.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("can receive loop stopped", zap.Error(err))
			stop()
		}
	}()

	found, err := ctl.DiscoverAndGetStrips(ctx, cfg.MaxStrips)
	if err != nil {
		return fmt.Errorf("strip discovery: %w", err)
	}
	logger.Info("strips discovered", zap.Ints("strips", found))
	checks[statusapi.ServiceCANBus] = func(context.Context) error {
		if len(ctl.KnownStrips()) == 0 {
			return errors.New("no strips answering")
		}
		return nil
	}

	// Front panel
	hw, closePanel, err := openPanel(cfg, logger)
	if err != nil {
		return err
	}
	defer closePanel()
	if cfg.DoorStrip > 0 {
		door := candoor.New(ctl, cfg.DoorStrip)
		hw.Lock = door
		hw.Door = door
		logger.Info("door driven over CAN", zap.Int("strip", cfg.DoorStrip))
	}

	// Alarm notification
	var notifier service.Notifier
	if cfg.MQTT.Broker != "" {
		pub, err := notify.NewMQTTPublisher(notify.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, logger)
		if err != nil {
			// Alarms still reach the panel and the event log.
			logger.Warn("alarm publishing disabled", zap.Error(err))
		} else {
			defer pub.Close()
			notifier = pub
		}
	}

	// Services
	gate := &service.Gate{}
	recorder := service.NewRecorder(eventStore, notifier, logger)
	inventory := service.NewInventory(keyStore, logger)
	auth := service.NewAuthenticator(accessStore, hw.Fingerprint, service.AuthConfig{
		BiometricThreshold: cfg.Policy.BiometricThreshold,
		MaxFailures:        cfg.Policy.LoginFailures,
		FailureWindow:      cfg.Policy.LoginWindow,
	})
	policy := service.NewActivityPolicy(accessStore, sessionStore)
	pegs := service.NewPegRegistrar(keyStore, keyStore, inventory, recorder, cfg.Policy.PegRetries, logger)

	esc := service.NewEscalator(service.EscalatorDeps{
		Inventory:  inventory,
		Sessions:   sessionStore,
		Activities: accessStore,
		Events:     eventStore,
		Prompted:   prompted,
		Recorder:   recorder,
		Panel:      hw,
		Gate:       gate,
		Logger:     logger,
	}, service.EscalationConfig{
		Interval:              cfg.Timing.EscalationInterval,
		Lookback:              cfg.Timing.OverdueLookback,
		DefaultTimeoutMinutes: cfg.Policy.DefaultTimeoutMinutes,
		ReminderInterval:      cfg.Timing.ReminderInterval,
	})
	started := time.Now()
	checks[statusapi.ServiceEscalation] = func(context.Context) error { return esc.Alive(started) }

	session := service.NewSession(service.SessionDeps{
		Panel:     hw,
		Bus:       ctl,
		Inventory: inventory,
		Auth:      auth,
		Policy:    policy,
		Sessions:  sessionStore,
		Escalator: esc,
		Recorder:  recorder,
		Gate:      gate,
		Logger:    logger,
	}, service.SessionConfig{
		Tick:               cfg.Timing.SessionTick,
		DoorGrace:          cfg.Timing.DoorGrace,
		DoorCeilingTicks:   cfg.Timing.DoorCeilingTicks,
		DoorPendingTimeout: cfg.Timing.DoorPendingTimeout,
		Capabilities:       service.ParseCapabilities(cfg.Policy.AuthModes, cfg.Policy.AdminMenu),
	})

	runner := service.NewRunner(service.RunnerDeps{
		Panel:     hw,
		Bus:       ctl,
		Session:   session,
		Inventory: inventory,
		Escalator: esc,
		Pegs:      pegs,
		Auth:      auth,
		Recorder:  recorder,
		Logger:    logger,
	})

	// Status surfaces
	var status *statusapi.Server
	if cfg.StatusAddr != "" {
		status = statusapi.NewServer(statusapi.Dependencies{
			Logger: logger,
			Addr:   cfg.StatusAddr,
			Checks: checks,
		})
		go func() {
			if err := status.Start(); err != nil {
				logger.Error("status server error", zap.Error(err))
			}
		}()
	}

	var api *httpapi.Server
	if cfg.HTTPAddr != "" {
		api = httpapi.NewServer(httpapi.Dependencies{
			Logger: logger,
			Addr:   cfg.HTTPAddr,
			Keys:   inventory,
			Strips: strips,
			Alarms: esc,
			Gate:   gate,
		})
		go func() {
			logger.Info("http status api listening", zap.String("addr", cfg.HTTPAddr))
			if err := api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", zap.Error(err))
			}
		}()
	}

	esc.Start(ctx)
	logger.Info("key cabinet ready",
		zap.String("env", cfg.Env),
		zap.Strings("auth_modes", cfg.Policy.AuthModes),
		zap.Bool("admin_menu", cfg.Policy.AdminMenu),
	)

	err = runner.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	esc.Stop()
	if api != nil {
		_ = api.Shutdown(shutdownCtx)
	}
	if status != nil {
		_ = status.Shutdown(shutdownCtx)
	}
	if err := hw.Safe(); err != nil {
		logger.Warn("panel safe state on shutdown", zap.Error(err))
	}
	return err
}

// openPanel returns the serial front panel, or the simulated one when no
// port is configured.
func openPanel(cfg config.Config, logger *zap.Logger) (hardware.Panel, func(), error) {
	if cfg.PanelPort == "" {
		logger.Warn("no panel port configured, using simulated panel")
		return sim.New().Hardware(), func() {}, nil
	}
	p := serialpanel.New(serialpanel.Config{PortPath: cfg.PanelPort, BaudRate: cfg.PanelBaud}, logger)
	if err := p.Open(); err != nil {
		return hardware.Panel{}, nil, err
	}
	return p.Hardware(), func() { _ = p.Close() }, nil
}
