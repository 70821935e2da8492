// Command orderd runs the order service: it owns the order aggregate, drives
// the order-creation saga, and relays staged events through the outbox.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/ordercore/internal/adapter/bus/kafka"
	"github.com/fairyhunter13/ordercore/internal/adapter/observability"
	"github.com/fairyhunter13/ordercore/internal/adapter/ops"
	"github.com/fairyhunter13/ordercore/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ordercore/internal/config"
	"github.com/fairyhunter13/ordercore/internal/dlq"
	"github.com/fairyhunter13/ordercore/internal/domain"
	"github.com/fairyhunter13/ordercore/internal/inbox"
	"github.com/fairyhunter13/ordercore/internal/order"
	"github.com/fairyhunter13/ordercore/internal/outbox"
	"github.com/fairyhunter13/ordercore/internal/resilience"
	"github.com/fairyhunter13/ordercore/internal/saga"
)

const consumerGroup = "order-service"

func main() {
	if err := run(); err != nil {
		slog.Error("orderd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("op=config.load: %w", err)
	}
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observability.InitMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		return fmt.Errorf("op=tracing.setup: %w", err)
	}
	if shutdownTracing != nil {
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			if err := shutdownTracing(shutdownCtx); err != nil {
				slog.Error("tracing shutdown failed", slog.Any("error", err))
			}
		}()
	}

	if err := postgres.Migrate(ctx, cfg.DBURL); err != nil {
		return err
	}
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("op=db.connect: %w", err)
	}
	defer pool.Close()

	uow := postgres.NewUnitOfWork(pool)
	outboxRepo := postgres.NewOutboxRepo(pool)
	inboxRepo := postgres.NewInboxRepo(pool)
	dlqRepo := postgres.NewDLQRepo(pool)
	sagaRepo := postgres.NewSagaRepo(pool)
	orderRepo := postgres.NewOrderRepo(pool)

	breaker := resilienceBreaker(cfg)
	producer, err := kafka.NewProducer(kafka.ProducerOptions{
		Brokers:        cfg.BusBootstrap,
		ClientID:       cfg.BusClientID,
		TopicPrefix:    cfg.BusTopicPrefix,
		PublishTimeout: cfg.BusPublishTimeout,
		Retry:          resilience.RetryPolicy{Base: cfg.RetryBase, Cap: cfg.RetryCap, MaxAttempts: 5},
		Breaker:        breaker,
	})
	if err != nil {
		return err
	}
	defer producer.Close()

	for _, svc := range []string{domain.ServiceOrder, domain.ServiceInventory, domain.ServicePayment} {
		if err := kafka.EnsureTopic(ctx, producer.Client(), kafka.Topic(cfg.BusTopicPrefix, svc), 3, 1); err != nil {
			return err
		}
	}

	reg := domain.NewRegistry()
	domain.RegisterCoreEvents(reg)

	dlqSvc := dlq.NewService(dlqRepo, inboxRepo)

	def := order.NewCreationSaga(orderRepo, order.SagaTimeouts{
		Inventory: cfg.SagaInventoryStepTimeout,
		Payment:   cfg.SagaPaymentStepTimeout,
	}, cfg.ReservationDefaultTTL)
	orch := saga.NewOrchestrator(def, sagaRepo, outboxRepo, uow, reg)
	orderSvc := order.NewService(orderRepo, outboxRepo, uow, orch)

	engine, err := inbox.NewEngine(inboxRepo, uow, dlqSvc, consumerGroup, cfg.InboxMaxHandlerRetries)
	if err != nil {
		return err
	}

	dispatcher := kafka.NewDispatcher()
	for _, eventType := range []string{
		domain.EventInventoryReservationConfirmed,
		domain.EventInventoryReservationFailed,
		domain.EventPaymentConfirmed,
		domain.EventPaymentFailed,
	} {
		dispatcher.On(eventType, orch.HandleEvent)
	}

	proc := outbox.NewProcessor(outboxRepo, uow, producer, dlqSvc, domain.ServiceOrder, outbox.Options{
		BatchSize:    cfg.OutboxBatchSize,
		MaxRetries:   cfg.OutboxMaxRetries,
		PollInterval: cfg.OutboxPollInterval,
		Retention:    cfg.OutboxRetention(),
		RetryBase:    cfg.RetryBase,
		RetryCap:     cfg.RetryCap,
	})
	go func() {
		if err := proc.Run(ctx); err != nil {
			slog.Error("outbox processor stopped", slog.Any("error", err))
		}
	}()
	go func() {
		if err := proc.RunCleanup(ctx, time.Hour); err != nil {
			slog.Error("outbox cleanup stopped", slog.Any("error", err))
		}
	}()

	scanner := saga.NewTimeoutScanner(orch, sagaRepo, cfg.SagaTimeoutScanInterval)
	go scanner.Run(ctx)

	consumer, err := kafka.NewConsumer(kafka.ConsumerOptions{
		Brokers:  cfg.BusBootstrap,
		ClientID: cfg.BusClientID,
		GroupID:  consumerGroup,
		Topics: []string{
			kafka.Topic(cfg.BusTopicPrefix, domain.ServiceInventory),
			kafka.Topic(cfg.BusTopicPrefix, domain.ServicePayment),
		},
	}, engine, dispatcher, dlqSvc)
	if err != nil {
		return err
	}
	defer consumer.Close()
	go func() {
		if err := consumer.Run(ctx); err != nil {
			slog.Error("consumer stopped", slog.Any("error", err))
		}
	}()

	ops.RegisterCommon(mux, dlqSvc, producer.Publish)
	registerOrderRoutes(mux, orderSvc)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		slog.Info("ops server listening", slog.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("ops server stopped", slog.Any("error", err))
		}
	}()

	slog.Info("orderd started", slog.String("env", cfg.AppEnv), slog.String("group", consumerGroup))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	slog.Info("shutting down", slog.String("signal", s.String()))
	cancel()
	return nil
}

// resilienceBreaker builds the publish breaker and mirrors its state into the
// Prometheus gauge.
func resilienceBreaker(cfg config.Config) *resilience.CircuitBreaker {
	b := resilience.NewCircuitBreaker("bus-publish", cfg.BreakerFailureThreshold, cfg.BreakerReset)
	b.OnTransition(func(name string, _, to resilience.BreakerState) {
		observability.BreakerState.WithLabelValues(name).Set(float64(to))
	})
	return b
}

func registerOrderRoutes(mux *http.ServeMux, svc *order.Service) {
	mux.HandleFunc("POST /orders", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CustomerID uuid.UUID          `json:"customerId"`
			Items      []domain.OrderLine `json:"items"`
			Currency   string             `json:"currency"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			ops.Error(w, http.StatusBadRequest, "malformed order body")
			return
		}
		o, err := svc.CreateOrder(r.Context(), order.CreateOrderInput{
			CustomerID: req.CustomerID,
			Items:      req.Items,
			Currency:   req.Currency,
		})
		if err != nil {
			ops.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		ops.JSON(w, http.StatusCreated, o)
	})

	mux.HandleFunc("GET /orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			ops.Error(w, http.StatusBadRequest, "order id must be a UUID")
			return
		}
		o, err := svc.Get(r.Context(), id)
		if err != nil {
			ops.Error(w, http.StatusNotFound, err.Error())
			return
		}
		ops.JSON(w, http.StatusOK, o)
	})
}
