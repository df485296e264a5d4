/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/crabhq/crabd/internal/api"
	"github.com/crabhq/crabd/internal/cleaner"
	"github.com/crabhq/crabd/internal/config"
	"github.com/crabhq/crabd/internal/logging"
	"github.com/crabhq/crabd/internal/metrics"
	"github.com/crabhq/crabd/internal/monitor"
	"github.com/crabhq/crabd/internal/notifier"
	"github.com/crabhq/crabd/internal/store"
)

func main() {
	flags := pflag.NewFlagSet("crabd", pflag.ExitOnError)
	config.BindFlags(flags)

	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "failed to parse flags:", err)
		os.Exit(1)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logging.SetOutput(level, false)
	log := logging.Base().WithName("setup")

	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(level).With().Timestamp().Logger()
	api.SetLogger(&zl) // request-logging middleware uses its own zerolog.Logger, not logr

	if cfg.ConfigFileUsed() != "" {
		log.Info("configuration loaded", "file", cfg.ConfigFileUsed(), "level", cfg.LogLevel)
	} else {
		log.Info("no config file found, using defaults and flags", "level", cfg.LogLevel)
	}

	dataStore, err := store.NewGormStore(cfg.Storage.Type, dsnFor(cfg), cfg.Storage.OutputBackend, cfg.Storage.OutputDir)
	if err != nil {
		log.Error(err, "unable to create store")
		os.Exit(1)
	}
	if err := dataStore.Init(); err != nil {
		log.Error(err, "unable to initialize store")
		os.Exit(1)
	}
	defer func() { _ = dataStore.Close() }()
	log.Info("initialized store", "type", cfg.Storage.Type)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mon := monitor.New(monitor.Options{
		Store:              dataStore,
		PollInterval:       cfg.Schedule.PollInterval,
		TickInterval:       cfg.Schedule.TickInterval,
		DefaultGracePeriod: cfg.Schedule.DefaultGracePeriod,
		DefaultTimeout:     cfg.Schedule.DefaultTimeout,
		Logger:             logging.Base().WithName("monitor"),
	})

	clean, err := cleaner.New(cleaner.Options{
		Store:          dataStore,
		CronExpression: cfg.Retention.CronExpression,
		KeepDays:       cfg.Retention.KeepDays,
		Logger:         logging.Base().WithName("cleaner"),
	})
	if err != nil {
		log.Error(err, "unable to create cleaner")
		os.Exit(1)
	}

	notify, err := notifier.New(notifier.Options{
		Store:               dataStore,
		Reporter:            noopReporter{},
		DailyCronExpression: cfg.Notify.DailySchedule,
		DailyTimezone:       cfg.Notify.DailyTimezone,
		MaxReportsPerMinute: cfg.Notify.MaxReportsPerMinute,
		Logger:              logging.Base().WithName("notifier"),
	})
	if err != nil {
		log.Error(err, "unable to create notifier")
		os.Exit(1)
	}

	apiServer := api.NewServer(api.ServerOptions{
		Store:         dataStore,
		Monitor:       mon,
		BindAddress:   cfg.Server.BindAddress,
		ShutdownGrace: cfg.Server.ShutdownTimeout,
	})

	var metricsServer *http.Server
	if cfg.Metrics.BindAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.BindAddress, Handler: mux}
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				log.Error(err, "worker stopped with error", "worker", name)
			}
		}()
	}

	run("monitor", mon.Run)
	run("cleaner", clean.Run)
	run("notifier", notify.Run)
	run("api", apiServer.Start)
	if metricsServer != nil {
		run("metrics", func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = metricsServer.Shutdown(shutdownCtx)
			}()
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	log.Info("crabd started",
		"server", cfg.Server.BindAddress,
		"metrics", cfg.Metrics.BindAddress,
		"storage", cfg.Storage.Type,
	)

	<-ctx.Done()
	log.Info("shutdown signal received, stopping workers")
	wg.Wait()
	log.Info("crabd stopped")
}

// dsnFor builds the DSN for the configured storage backend.
func dsnFor(cfg *config.Config) string {
	switch cfg.Storage.Type {
	case "sqlite":
		return cfg.Storage.SQLite.Path + "?_journal_mode=WAL&_busy_timeout=5000"
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Storage.Postgres.Host, cfg.Storage.Postgres.Port,
			cfg.Storage.Postgres.Username, cfg.Storage.Postgres.Password,
			cfg.Storage.Postgres.Database, cfg.Storage.Postgres.SSLMode)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			cfg.Storage.MySQL.Username, cfg.Storage.MySQL.Password,
			cfg.Storage.MySQL.Host, cfg.Storage.MySQL.Port,
			cfg.Storage.MySQL.Database)
	default:
		return ""
	}
}

// noopReporter is the default Reporter until a rendering/delivery
// backend (email, RSS, HTML) is wired in.
type noopReporter struct{}

func (noopReporter) Report(ctx context.Context, recipients []notifier.RecipientKey, jobs []notifier.JobWindow) error {
	return nil
}
