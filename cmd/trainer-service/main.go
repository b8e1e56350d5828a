package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anneal-ml/anneal/pkg/api/auth"
	"github.com/anneal-ml/anneal/pkg/api/middleware"
	"github.com/anneal-ml/anneal/pkg/common/config"
	"github.com/anneal-ml/anneal/pkg/common/database"
	"github.com/anneal-ml/anneal/pkg/common/kafka"
	"github.com/anneal-ml/anneal/pkg/common/logger"
	"github.com/anneal-ml/anneal/pkg/observability/metrics"
	"github.com/anneal-ml/anneal/pkg/storage"
	"github.com/anneal-ml/anneal/pkg/trainer"
	"github.com/gorilla/mux"
)

func main() {
	logger.Init()
	metrics.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to connect to PostgreSQL")
	}

	repo := trainer.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate run registry")
	}
	corpus := storage.NewCorpusStore(db)
	if err := corpus.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate corpus store")
	}

	progress := storage.NewProgressCache(database.GetRedis(), cfg.ProgressTTL)
	producer := kafka.NewProducer(cfg.KafkaRunEventsTopic)
	defer producer.Close()

	service, err := trainer.NewService(repo, corpus, progress, producer,
		cfg.ArtifactDir, cfg.CheckpointDir, cfg.CheckpointKeep, cfg.TrainerMaxWorkers)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to initialize trainer service")
	}

	router := mux.NewRouter()
	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.CORS)
	router.Use(middleware.BodyLimit(cfg.MaxRequestBody))
	router.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))

	router.HandleFunc("/health", healthCheck).Methods(http.MethodGet)
	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	if cfg.OIDCIssuer != "" {
		oidcAuth, err := auth.NewOIDCAuthenticator(cfg.OIDCIssuer, cfg.OIDCClientID, cfg.OIDCClientSecret)
		if err != nil {
			logger.Log.WithError(err).Fatal("Failed to configure OIDC")
		}
		api.Use(middleware.Authenticate(oidcAuth))
	}
	trainer.NewHandler(service).Register(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	consumer := kafka.NewConsumer(cfg.KafkaRunRequestsTopic, cfg.KafkaGroupID)
	go func() {
		err := consumer.Consume(consumerCtx, func(ctx context.Context, event kafka.Event) error {
			if event.Type != kafka.EventRunRequested {
				return nil
			}
			input, err := decodeRunRequest(event)
			if err != nil {
				logger.Log.WithError(err).WithField("event_id", event.ID).Error("Invalid run request event")
				return nil // malformed requests are dropped, not retried
			}
			run, err := service.Create(ctx, input)
			if err != nil {
				return err
			}
			logger.Log.WithFields(map[string]interface{}{
				"run_id":   run.ID,
				"event_id": event.ID,
			}).Info("Run created from event")
			return nil
		})
		if err != nil && err != context.Canceled {
			logger.Log.WithError(err).Error("Run request consumer stopped")
		}
	}()

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Trainer Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Trainer Service...")
	stopConsumer()
	consumer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}
	database.ClosePostgres()
	database.CloseRedis()

	logger.Log.Info("Trainer Service stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

func decodeRunRequest(event kafka.Event) (trainer.CreateRunInput, error) {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return trainer.CreateRunInput{}, err
	}
	var input trainer.CreateRunInput
	if err := json.Unmarshal(payload, &input); err != nil {
		return trainer.CreateRunInput{}, err
	}
	if input.Corpus == "" {
		return trainer.CreateRunInput{}, fmt.Errorf("run request missing corpus")
	}
	return input, nil
}
