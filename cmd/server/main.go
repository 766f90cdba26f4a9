package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wfm_ohs/backend/internal/ai"
	"github.com/wfm_ohs/backend/internal/config"
	"github.com/wfm_ohs/backend/internal/db"
	httpapi "github.com/wfm_ohs/backend/internal/http"
	"github.com/wfm_ohs/backend/internal/notify"
	"github.com/wfm_ohs/backend/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	logger := log.Level(level).With().Str("service", "wfm-ohs-backend").Logger()

	ctx := context.Background()
	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect db")
	}
	defer store.Close()

	var advisor ai.Advisor
	if cfg.AssistantBaseURL == "" {
		advisor = ai.MockAdvisor{ModelVersion: "mock-v1"}
		logger.Info().Msg("using mock retention advisor")
	} else {
		advisor = ai.OpenAICompatAdvisor{
			BaseURL: cfg.AssistantBaseURL,
			Model:   cfg.AssistantModel,
			APIKey:  cfg.AssistantAPIKey,
		}
	}

	health := &service.HealthService{
		Repo:    store,
		Writer:  store,
		Logger:  logger,
		Workers: cfg.HealthWorkers,
	}
	dispatcher := notify.LogDispatcher{Logger: logger}

	var scheduler *cron.Cron
	if cfg.HealthCron != "" {
		scheduler = cron.New()
		_, err := scheduler.AddFunc(cfg.HealthCron, func() {
			runHealthBatch(ctx, store, health, logger)
		})
		if err != nil {
			logger.Fatal().Err(err).Str("spec", cfg.HealthCron).Msg("invalid health cron expression")
		}
		scheduler.Start()
		logger.Info().Str("spec", cfg.HealthCron).Msg("health batch scheduled")
	}

	router := httpapi.Router(cfg, store, advisor, dispatcher, health, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
	logger.Info().Msg("server stopped")
}

func runHealthBatch(ctx context.Context, store *db.Store, health *service.HealthService, logger zerolog.Logger) {
	runID, err := store.CreateRun(ctx, "RUNNING")
	if err != nil {
		logger.Error().Err(err).Msg("scheduled run: failed to create run")
		return
	}

	summary, err := health.ComputeAll(ctx)
	status := "SUCCESS"
	if err != nil {
		status = "FAILED"
		logger.Error().Err(err).Msg("scheduled health batch failed")
	}
	b, _ := json.Marshal(summary)
	if finishErr := store.FinishRun(ctx, runID, status, b); finishErr != nil {
		logger.Error().Err(finishErr).Msg("scheduled run: failed to finish run")
	}
	logger.Info().
		Int("partners", summary.Partners).
		Int("computed", summary.Computed).
		Int("failed", summary.Failed).
		Int64("elapsed_ms", summary.ElapsedMs).
		Msg("scheduled health batch finished")
}
