package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/Benites031407/UpCarSistema-sub002/internal/api"
	"github.com/Benites031407/UpCarSistema-sub002/internal/audit"
	"github.com/Benites031407/UpCarSistema-sub002/internal/auth"
	"github.com/Benites031407/UpCarSistema-sub002/internal/config"
	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/events"
	"github.com/Benites031407/UpCarSistema-sub002/internal/iot"
	"github.com/Benites031407/UpCarSistema-sub002/internal/machines"
	"github.com/Benites031407/UpCarSistema-sub002/internal/metrics"
	"github.com/Benites031407/UpCarSistema-sub002/internal/middleware"
	"github.com/Benites031407/UpCarSistema-sub002/internal/monitor"
	"github.com/Benites031407/UpCarSistema-sub002/internal/notify"
	"github.com/Benites031407/UpCarSistema-sub002/internal/ratelimit"
	"github.com/Benites031407/UpCarSistema-sub002/internal/rental"
	"github.com/Benites031407/UpCarSistema-sub002/internal/reports"
	"github.com/Benites031407/UpCarSistema-sub002/internal/tariff"
	"github.com/Benites031407/UpCarSistema-sub002/internal/tokens"
	"github.com/Benites031407/UpCarSistema-sub002/internal/users"
	"github.com/Benites031407/UpCarSistema-sub002/internal/ws"
)

const version = "1.4.0"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", defaultConfigPath(), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Postgres is a hard dependency, everything else degrades.
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		log.Fatalf("server: open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifeMins) * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	cancelPing()
	if err != nil {
		log.Fatalf("server: database unreachable: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("server: redis unreachable, operator auth fails closed until it returns: %v", err)
	}

	// NATS is optional. The dashboard runs on the local fanout either way,
	// only external consumers (BI, alerting) miss out.
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("upcar-server"), nats.MaxReconnects(-1))
		if err != nil {
			log.Printf("server: nats connect failed, continuing without external stream: %v", err)
			nc = nil
		} else {
			defer nc.Close()
		}
	}
	bus := events.NewBus(nc, 3)
	defer bus.Close()

	models := data.NewModels(db)

	// Audit trail, with disk failover and scheduled retention purges.
	auditSvc := audit.NewService(db)
	audit.ConfigureFailover(cfg.Audit.SpoolDir, 0)
	auditSvc.StartReplayer(ctx)
	purger, err := audit.NewPurger(auditSvc, cfg.Audit.RetentionDays, cfg.Audit.PurgeSchedule)
	if err != nil {
		log.Fatalf("server: audit retention: %v", err)
	}
	if err := purger.Start(); err != nil {
		log.Fatalf("server: audit purger: %v", err)
	}
	defer purger.Stop()

	// Pricing reloads from the config file on change, no restart needed.
	tariffMgr := tariff.NewManager(cfgPath, cfg.Tariff, auditSvc)
	tariffMgr.StartWatcher(ctx)

	tokenMgr := tokens.NewManager(cfg.Auth.SigningKey,
		time.Duration(cfg.Auth.AccessTTLMins)*time.Minute,
		time.Duration(cfg.Auth.RefreshTTLHours)*time.Hour)
	blacklist := auth.NewRedisBlacklist(rdb)

	notifySvc := notify.NewService(models.Notifications, cfg.Notify)
	dispatcher := notify.NewDispatcher(models.Notifications, nil,
		time.Duration(cfg.Notify.FlushIntervalS)*time.Second)
	dispatcher.Start()
	defer dispatcher.Stop()

	machineSvc := machines.NewService(models.Machines, models.StatusEvents, models.Sessions,
		bus, auditSvc, notifySvc, machines.MaintenancePolicy{
			UsageLimitMins: int64(cfg.Maintenance.UsageIntervalMin),
			SessionLimit:   cfg.Maintenance.SessionInterval,
			AutoPromote:    cfg.Maintenance.AutoPromote,
		})

	// Heartbeat payloads live in Redis twice the offline cutoff; once a
	// station is silent past that it has already been swept offline.
	telemetry := iot.NewTelemetryCache(rdb, 2*time.Duration(cfg.Monitor.OfflineAfterS)*time.Second)

	// The MQTT client wants a session sink at construction and the rental
	// service wants the client as its commander. The bridge is filled in
	// before Connect, so no inbound message ever sees a nil service.
	bridge := &sessionBridge{}
	var commander rental.Commander = iot.NopCommander{}
	var iotClient *iot.Client
	if cfg.MQTT.Enabled {
		iotClient = iot.NewClient(cfg.MQTT, machineSvc, bridge, telemetry)
		commander = iotClient
	}

	rentalSvc := rental.NewService(models.Sessions, models.Payments, machineSvc,
		tariffMgr, commander, bus, auditSvc, notifySvc, nil, "gateway")
	bridge.svc = rentalSvc
	defer rentalSvc.Shutdown()

	if iotClient != nil {
		if err := iotClient.Connect(ctx); err != nil {
			log.Printf("server: mqtt connect: %v", err)
		}
		defer iotClient.Close()
	}

	// Crash recovery: rearm timers for sessions still running, close out the
	// ones whose deadline passed while the server was down.
	if resumed, closed, err := rentalSvc.ResumeTimers(ctx); err != nil {
		log.Printf("server: resume timers: %v", err)
	} else {
		log.Printf("server: resumed %d session timers, closed %d overdue", resumed, closed)
	}

	expiry := rental.NewExpiryWorker(rentalSvc, "", func() time.Duration {
		return tariffMgr.Current().PaymentTTL
	})
	if err := expiry.Start(); err != nil {
		log.Fatalf("server: expiry worker: %v", err)
	}
	defer expiry.Stop()

	mon := monitor.New(monitor.Config{
		SweepInterval:  time.Duration(cfg.Monitor.SweepIntervalS) * time.Second,
		OfflineAfter:   time.Duration(cfg.Monitor.OfflineAfterS) * time.Second,
		ConfirmTimeout: time.Duration(cfg.Monitor.ConfirmTimeoutS) * time.Second,
	}, machineSvc, rentalSvc, notifySvc, nil)
	mon.Start()
	defer mon.Stop()

	fleetWatcher := metrics.NewFleetWatcher(machineSvc, 15*time.Second)
	fleetWatcher.Start()
	defer fleetWatcher.Stop()

	snapshot := func(ctx context.Context, limit int) (*ws.Snapshot, error) {
		fleet, err := machineSvc.List(ctx, data.MachineFilter{Limit: limit})
		if err != nil {
			return nil, err
		}
		active, err := rentalSvc.List(ctx, data.SessionFilter{Status: data.SessionActive, Limit: limit})
		if err != nil {
			return nil, err
		}
		counts, err := machineSvc.FleetCounts(ctx)
		if err != nil {
			return nil, err
		}

		codes := make([]string, len(fleet))
		for i, mc := range fleet {
			codes[i] = mc.Code
		}
		heartbeats, err := telemetry.Fetch(ctx, codes)
		if err != nil {
			// Dashboards still render from Postgres state alone.
			log.Printf("server: telemetry fetch: %v", err)
			heartbeats = nil
		}

		return &ws.Snapshot{
			Machines:       fleet,
			ActiveSessions: active,
			Counts:         counts,
			Telemetry:      heartbeats,
			GeneratedAt:    time.Now().UTC(),
		}, nil
	}

	hub := ws.NewHub(bus, snapshot, cfg.Dashboard)
	go hub.Run()
	defer hub.Stop()
	wsHandler := ws.NewHandler(hub, tokenMgr)

	authSvc := auth.NewService(models.Users, models.Tokens, tokenMgr, blacklist,
		notifySvc, auditSvc, cfg.Auth)
	userSvc := users.NewService(models.Users, authSvc, auditSvc)
	reportSvc := reports.NewService(models.Reports)

	machineHandler := api.NewMachineHandler(machineSvc, tariffMgr)
	if iotClient != nil {
		machineHandler.Unknown = iotClient.UnknownDevices
	}

	router := api.NewRouter(api.RouterDeps{
		Auth:          api.NewAuthHandler(authSvc, tokenMgr, userSvc),
		Machines:      machineHandler,
		Sessions:      api.NewSessionHandler(rentalSvc),
		Webhooks:      api.NewWebhookHandler(rentalSvc, &api.MapKeyProvider{Keys: webhookKeys()}),
		Reports:       api.NewReportHandler(reportSvc),
		Users:         api.NewUserHandler(userSvc, authSvc),
		Audit:         api.NewAuditHandler(auditSvc),
		Notifications: api.NewNotificationHandler(models.Notifications),
		Dashboard:     api.NewDashboardHandler(snapshot, reportSvc),
		Tariff:        api.NewTariffHandler(tariffMgr),
		Health: &api.HealthHandler{
			Version:   version,
			DBPing:    db.PingContext,
			RedisPing: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			MQTTUp:    func() bool { return iotClient != nil && iotClient.Connected() },
			StreamUp:  bus.StreamConnected,
			WSClients: hub.ClientCount,
			Timers:    rentalSvc.ActiveTimers,
		},
		ServeWS: wsHandler.ServeWS,

		JWT:         middleware.NewJWTAuth(tokenMgr, blacklist),
		RateLimits:  middleware.NewRateLimitMiddleware(ratelimit.NewLimiter(rdb, os.Getenv("RATELIMIT_SALT")), cfg.RateLimit),
		AuditLog:    middleware.NewAuditMiddleware(auditSvc),
		CORSOrigins: cfg.HTTP.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutS) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutS) * time.Second,
		IdleTimeout:  time.Duration(cfg.HTTP.IdleTimeoutS) * time.Second,
	}

	go func() {
		log.Printf("upcar-server %s listening on %s", version, cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server: shutdown: %v", err)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/default.yaml"
}

// webhookKeys loads the gateway HMAC keys from the environment, keyed by kid
// so the gateway can rotate without a deploy.
func webhookKeys() map[string][]byte {
	keys := make(map[string][]byte)
	for i := 1; i <= 5; i++ {
		if k := os.Getenv(fmt.Sprintf("WEBHOOK_HMAC_KEY_V%d", i)); k != "" {
			keys[fmt.Sprintf("v%d", i)] = []byte(k)
		}
	}
	if len(keys) == 0 {
		log.Printf("server: WEBHOOK_HMAC_KEY_V1 not set, using dev key")
		keys["v1"] = []byte("dev-webhook-secret")
	}
	return keys
}

// sessionBridge breaks the construction cycle between the MQTT client and the
// rental service. svc is set before the broker connection opens.
type sessionBridge struct {
	svc *rental.Service
}

func (b *sessionBridge) MarkDeviceConfirmed(ctx context.Context, id uuid.UUID) error {
	return b.svc.MarkDeviceConfirmed(ctx, id)
}

func (b *sessionBridge) DeviceCompleted(ctx context.Context, id uuid.UUID) {
	b.svc.DeviceCompleted(ctx, id)
}

func (b *sessionBridge) MarkInterrupted(ctx context.Context, id uuid.UUID, reason string) (*data.Session, error) {
	return b.svc.MarkInterrupted(ctx, id, reason)
}
