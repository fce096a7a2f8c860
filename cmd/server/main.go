package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"evcharge/config"
	"evcharge/internal/api"
	"evcharge/internal/broker"
	"evcharge/internal/gateway"
	"evcharge/internal/memstore"
	"evcharge/internal/models"
	"evcharge/internal/notify"
	"evcharge/internal/redisclient"
	"evcharge/internal/service"
	"evcharge/internal/store"
	"evcharge/internal/util"
	"evcharge/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// keyValue is what the coordinator needs from Redis or its in-memory stand-in
type keyValue interface {
	notify.Sequencer
	service.IdempotencyStore
	worker.Locker
}

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting evcharge coordinator",
		zap.String("store", cfg.Database.Driver),
		zap.Strings("transports", cfg.Notify.Transports),
	)

	tp, err := util.InitTracer("evcharge", cfg.Observ.JaegerEndpoint, cfg.Observ.TraceSampleRate)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	if tp != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	ctx := context.Background()
	readiness := map[string]api.Pinger{}

	var (
		st service.Store
		kv keyValue
	)
	switch cfg.Database.Driver {
	case "memory":
		mem := memstore.New()
		for i := 0; i < cfg.Database.SeedSpots; i++ {
			mem.AddSpot(demoSpot(i))
		}
		st = mem
		kv = memstore.NewKV()
		logger.Warn("Using in-memory store, state is lost on restart")
	default:
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to apply schema", zap.Error(err))
		}
		for i := 0; i < cfg.Database.SeedSpots; i++ {
			spot := demoSpot(i)
			if err := db.CreateSpot(ctx, &spot); err != nil {
				logger.Fatal("Failed to seed spot", zap.Error(err))
			}
		}
		logger.Info("Database connected")

		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		logger.Info("Redis connected")

		st = db
		kv = redisClient
		readiness["postgres"] = db
		readiness["redis"] = redisClient
	}

	// Notification transports
	var (
		transports notify.Multi
		hub        *notify.Hub
	)
	if cfg.Notify.HasTransport("websocket") {
		hub = notify.NewHub(cfg.Notify.Timeout)
		transports = append(transports, hub)
	}
	if cfg.Notify.HasTransport("kafka") {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
		defer producer.Close()
		transports = append(transports, broker.NewNotificationPublisher(producer))
		logger.Info("Kafka notification producer initialized", zap.String("topic", cfg.Kafka.TopicNotifications))
	}
	if cfg.Notify.HasTransport("nats") {
		np, err := notify.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer np.Close()
		transports = append(transports, np)
	}

	fanout := notify.NewFanout(transports, kv, notify.Config{
		Workers:     cfg.Notify.Workers,
		QueueSize:   cfg.Notify.QueueSize,
		Timeout:     cfg.Notify.Timeout,
		MaxAttempts: cfg.Notify.MaxAttempts,
	})

	gateways := gateway.NewRegistry(
		gateway.NewVNPay(gateway.VNPayConfig{
			TmnCode:    cfg.Payment.VNPay.TmnCode,
			HashSecret: cfg.Payment.VNPay.HashSecret,
			PayURL:     cfg.Payment.VNPay.PayURL,
			ReturnURL:  cfg.Payment.VNPay.ReturnURL,
		}),
		gateway.NewMoMo(gateway.MoMoConfig{
			PartnerCode: cfg.Payment.MoMo.PartnerCode,
			AccessKey:   cfg.Payment.MoMo.AccessKey,
			SecretKey:   cfg.Payment.MoMo.SecretKey,
			Endpoint:    cfg.Payment.MoMo.Endpoint,
			ReturnURL:   cfg.Payment.MoMo.ReturnURL,
			IPNURL:      cfg.Payment.MoMo.IPNURL,
		}),
	)

	deps := service.Deps{
		Store:          st,
		Notifier:       fanout,
		Idempotency:    kv,
		PersistTimeout: cfg.Business.PersistTimeout,
		IdempotencyTTL: cfg.Business.IdempotencyTTL,
	}
	paymentService := service.NewPaymentService(deps, gateways, cfg.Payment.Currency)
	sessionService := service.NewSessionService(deps, paymentService)
	reservationService := service.NewReservationService(deps, service.ReservationConfig{
		MaxDuration: cfg.Business.MaxReservation,
		HoldLead:    cfg.Business.HoldLead,
		NoShowGrace: cfg.Business.NoShowGrace,
	})
	spotService := service.NewSpotService(deps, sessionService)

	sweeper := worker.NewSweeper(reservationService, kv, cfg.Business.SweepSchedule)
	if err := sweeper.Start(); err != nil {
		logger.Fatal("Failed to start reservation sweeper", zap.Error(err))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var (
		callbackWorker *worker.CallbackWorker
		callbacks      api.CallbackQueue
	)
	if cfg.Payment.AsyncCallbacks {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCallbacks)
		defer producer.Close()
		callbacks = broker.NewCallbackPublisher(producer)

		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCallbacks, cfg.Kafka.ConsumerGroup)
		callbackWorker = worker.NewCallbackWorker(consumer, paymentService)
		go func() {
			if err := callbackWorker.Start(workerCtx); err != nil {
				logger.Error("Callback worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Options{
		Reservations: reservationService,
		Sessions:     sessionService,
		Payments:     paymentService,
		Spots:        spotService,
		Hub:          hub,
		Callbacks:    callbacks,
		Readiness:    readiness,
		RequestLog:   cfg.Server.Env != "production",
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// A separate metrics listener when PROMETHEUS_PORT differs from the API port
	var metricsSrv *http.Server
	if port := cfg.Observ.PrometheusPort; port != "" && port != cfg.Server.Port {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: fmt.Sprintf(":%s", port), Handler: mux}
		go func() {
			logger.Info("Starting metrics server", zap.String("port", port))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	sweeper.Stop()
	workerCancel()
	if callbackWorker != nil {
		if err := callbackWorker.Stop(); err != nil {
			logger.Error("Error stopping callback worker", zap.Error(err))
		}
	}
	if err := fanout.Close(); err != nil {
		logger.Error("Error draining notifications", zap.Error(err))
	}
	if hub != nil {
		hub.Close()
	}

	logger.Info("Server exited")
}

// demoSpot describes the i-th spot created by SEED_SPOTS
func demoSpot(i int) models.ChargingSpot {
	return models.ChargingSpot{
		StationID:   int64(i/4 + 1),
		Status:      models.SpotStatusAvailable,
		PowerKW:     60,
		PricePerKWh: 3500,
		IsOnline:    true,
	}
}
