package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/enpowerstack/rulesrv/internal/action"
	"github.com/enpowerstack/rulesrv/internal/condition"
	"github.com/enpowerstack/rulesrv/internal/config"
	"github.com/enpowerstack/rulesrv/internal/engine"
	"github.com/enpowerstack/rulesrv/internal/ingest"
	"github.com/enpowerstack/rulesrv/internal/logger"
	"github.com/enpowerstack/rulesrv/internal/rule"
	"github.com/enpowerstack/rulesrv/internal/server"
	"github.com/enpowerstack/rulesrv/internal/shadow"
)

var version = "dev"

func main() {
	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}

	// Rule store: Postgres when configured, in-memory otherwise (useful for
	// local development and tests).
	var store rule.Store
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Error("database open failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		store = rule.NewPostgresStore(db)
		log.Info("using postgres rule store")
	} else {
		store = rule.NewMemoryStore()
		log.Warn("DATABASE_URL not set, using in-memory rule store")
	}

	values, err := shadow.New(cfg.RedisURL, cfg.Engine.ReadTimeout(), cfg.Engine.WriteTimeout())
	if err != nil {
		log.Error("value store connect failed", "error", err)
		os.Exit(1)
	}
	defer values.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var mqttClient *ingest.Client
	if cfg.MQTT.Broker != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		mqttClient, err = ingest.Connect(connectCtx, cfg.MQTT.Broker, cfg.MQTT.ClientID, log)
		cancel()
		if err != nil {
			log.Error("mqtt connect failed", "error", err)
			os.Exit(1)
		}
		defer mqttClient.Close()
	} else {
		log.Warn("MQTT_BROKER not set, event ingest and publish actions disabled")
	}

	retry := action.Policy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		Timeout:      time.Duration(cfg.Retry.NotifyTimeoutMillis) * time.Millisecond,
		InitialDelay: time.Duration(cfg.Retry.InitialDelayMillis) * time.Millisecond,
		Multiplier:   cfg.Retry.Multiplier,
		MaxDelay:     time.Duration(cfg.Retry.MaxDelayMillis) * time.Millisecond,
	}

	actions := action.NewTable(log)
	actions.Register(&action.Control{Shadow: values, Retry: retry})
	actions.Register(&action.SetValue{Shadow: values, Retry: retry})
	actions.Register(&action.Notify{
		Client: &http.Client{Timeout: time.Duration(cfg.Retry.NotifyTimeoutMillis) * time.Millisecond},
		Retry:  retry,
	})
	if mqttClient != nil {
		actions.Register(&action.Alarm{Pub: mqttClient, Topic: cfg.MQTT.AlarmOut})
		actions.Register(&action.Publish{Pub: mqttClient})
	}

	eval := condition.New(cfg.Engine.Epsilon)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := engine.NewMetrics(reg)

	eng := engine.New(store, values, eval, actions, engine.Config{
		MaxParallel:      cfg.Engine.MaxParallelExecutions,
		QueueSize:        cfg.Engine.QueueSize,
		ExecutionTimeout: cfg.Engine.ExecutionTimeout(),
		HistoryLimit:     cfg.Engine.HistoryLimit,
	}, log, metrics)

	sched := engine.NewScheduler(eng, log)
	eng.SetOnRulesChanged(func() {
		if err := sched.ReloadSchedules(context.Background()); err != nil {
			log.Error("schedule reload failed", "error", err)
		}
	})
	if err := sched.Start(ctx); err != nil {
		log.Error("scheduler start failed", "error", err)
		os.Exit(1)
	}

	if mqttClient != nil {
		if err := mqttClient.SubscribeData(cfg.MQTT.DataTopic, sched); err != nil {
			log.Error("data subscription failed", "topic", cfg.MQTT.DataTopic, "error", err)
			os.Exit(1)
		}
		if err := mqttClient.SubscribeAlarms(cfg.MQTT.AlarmTopic, sched); err != nil {
			log.Error("alarm subscription failed", "topic", cfg.MQTT.AlarmTopic, "error", err)
			os.Exit(1)
		}
	}

	srv := server.New(eng, store, reg, version, log)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server starting", "addr", cfg.HTTPAddr, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	sched.Stop()
	log.Info("server stopped")
}
