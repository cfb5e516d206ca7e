package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"echohub/config"
	"echohub/internal/admin"
	"echohub/internal/db"
	"echohub/internal/health"
	"echohub/internal/hub"
	"echohub/internal/integration"
	"echohub/internal/logs"
	"echohub/internal/metrics"
	"echohub/internal/middleware"
	"echohub/internal/models"
	"echohub/internal/monitor"
	"echohub/internal/permissions"
	"echohub/internal/repo"
	"echohub/internal/secrets"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	db         *gorm.DB
	Router     *mux.Router
	httpServer *http.Server
	monitor    *monitor.Monitor

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	/* 1) Логи */
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	/* 2) DB */
	d, err := db.Open(a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	a.db = d

	if err := a.db.AutoMigrate(
		&models.User{},
		&models.App{},
		&models.Permission{},
		&models.AccessLog{},
	); err != nil {
		log.Fatalf("db migrate failed: %v", err)
	}

	/* 3) Стор + сервисы */
	users := repo.NewUserStore(a.db)
	apps := repo.NewAppStore(a.db)
	permStore := repo.NewPermissionStore(a.db)
	alog := repo.NewAccessLogStore(a.db)

	keys, err := secrets.New(a.cfg.Hub.MasterKey)
	if err != nil {
		log.Fatalf("secrets init failed: %v", err)
	}

	perms := permissions.New(permStore, users)
	integ := integration.New(apps, permStore, alog, keys, integration.Options{
		Timeout:       a.cfg.Integration.Timeout,
		HealthTimeout: a.cfg.Integration.HealthTimeout,
		Retries:       a.cfg.Integration.Retries,
		RetryInterval: a.cfg.Integration.RetryInterval,
	})

	a.monitor = monitor.New(apps, integ, a.cfg.Monitor.SyncMetadata)

	/* 4) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
	)

	health.RegisterRoutes(a.Router, a.db) // /healthz, /readyz
	a.Router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	h := hub.NewHandler(users, apps, alog, perms, integ, keys)
	hub.RegisterRoutes(a.Router, h, a.cfg.Hub.APIToken)

	admin.Attach(a.Router, admin.Dependencies{
		DB:    a.db,
		APPS:  apps,
		ALOG:  alog,
		PERMS: perms,
		INTEG: integ,
		KEYS:  keys,
		CFG:   a.cfg,
	})

	/* (необязательно) вывести известные маршруты в лог при старте */
	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		log.Printf("route: %-6v %s", methods, path)
		return nil
	})
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		logs.Logger.Infof("shutdown signal: %s", s)
		a.cancel()
	}()

	if err := a.monitor.Start(a.cfg.Monitor.Schedule); err != nil {
		return fmt.Errorf("monitor start: %w", err)
	}

	// Жёсткие таймауты — это важно для production
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second, // исходящие вызовы к приложениям могут быть медленными
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Logger.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()

	a.monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logs.Logger.Errorf("http shutdown: %v", err)
	}
	return nil
}
