// Command inventoryd runs the inventory service: it reserves, confirms, and
// releases stock in response to order events and reclaims expired holds.
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
	"github.com/fairyhunter13/ordercore/internal/inventory"
	"github.com/fairyhunter13/ordercore/internal/outbox"
	"github.com/fairyhunter13/ordercore/internal/resilience"
)

const consumerGroup = "inventory-service"

func main() {
	if err := run(); err != nil {
		slog.Error("inventoryd exited", slog.Any("error", err))
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
	productRepo := postgres.NewProductRepo(pool)

	breaker := resilience.NewCircuitBreaker("bus-publish", cfg.BreakerFailureThreshold, cfg.BreakerReset)
	breaker.OnTransition(func(name string, _, to resilience.BreakerState) {
		observability.BreakerState.WithLabelValues(name).Set(float64(to))
	})
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

	if err := kafka.EnsureTopic(ctx, producer.Client(), kafka.Topic(cfg.BusTopicPrefix, domain.ServiceInventory), 3, 1); err != nil {
		return err
	}

	reg := domain.NewRegistry()
	domain.RegisterCoreEvents(reg)

	dlqSvc := dlq.NewService(dlqRepo, inboxRepo)
	invSvc := inventory.NewService(productRepo, outboxRepo, uow, cfg.ReservationDefaultTTL)

	engine, err := inbox.NewEngine(inboxRepo, uow, dlqSvc, consumerGroup, cfg.InboxMaxHandlerRetries)
	if err != nil {
		return err
	}

	dispatcher := kafka.NewDispatcher()
	dispatcher.On(domain.EventInventoryReservationRequested, func(ctx domain.Context, ev domain.Envelope) error {
		p, err := reg.Decode(ev)
		if err != nil {
			return err
		}
		return invSvc.ReserveForOrder(ctx, ev, *p.(*domain.InventoryReservationRequested))
	})
	dispatcher.On(domain.EventReleaseReservation, func(ctx domain.Context, ev domain.Envelope) error {
		p, err := reg.Decode(ev)
		if err != nil {
			return err
		}
		return invSvc.ReleaseForOrder(ctx, ev, p.(*domain.ReleaseReservation).OrderID)
	})
	dispatcher.On(domain.EventOrderConfirmed, func(ctx domain.Context, ev domain.Envelope) error {
		p, err := reg.Decode(ev)
		if err != nil {
			return err
		}
		return invSvc.ConfirmForOrder(ctx, ev, p.(*domain.OrderConfirmed).OrderID)
	})
	dispatcher.On(domain.EventOrderCancelled, func(ctx domain.Context, ev domain.Envelope) error {
		p, err := reg.Decode(ev)
		if err != nil {
			return err
		}
		return invSvc.ReleaseForOrder(ctx, ev, p.(*domain.OrderCancelled).OrderID)
	})

	proc := outbox.NewProcessor(outboxRepo, uow, producer, dlqSvc, domain.ServiceInventory, outbox.Options{
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

	expirer := inventory.NewExpirer(invSvc, cfg.ReservationScanInterval)
	go expirer.Run(ctx)

	consumer, err := kafka.NewConsumer(kafka.ConsumerOptions{
		Brokers:  cfg.BusBootstrap,
		ClientID: cfg.BusClientID,
		GroupID:  consumerGroup,
		Topics:   []string{kafka.Topic(cfg.BusTopicPrefix, domain.ServiceOrder)},
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
	registerInventoryRoutes(mux, productRepo, invSvc)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		slog.Info("ops server listening", slog.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("ops server stopped", slog.Any("error", err))
		}
	}()

	slog.Info("inventoryd started", slog.String("env", cfg.AppEnv), slog.String("group", consumerGroup))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	slog.Info("shutting down", slog.String("signal", s.String()))
	cancel()
	return nil
}

func registerInventoryRoutes(mux *http.ServeMux, products *postgres.ProductRepo, svc *inventory.Service) {
	mux.HandleFunc("POST /products", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SKU             string `json:"sku"`
			Name            string `json:"name"`
			StockQuantity   int64  `json:"stockQuantity"`
			ReorderLevel    int64  `json:"reorderLevel"`
			ReorderQuantity int64  `json:"reorderQuantity"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SKU == "" {
			ops.Error(w, http.StatusBadRequest, "malformed product body")
			return
		}
		p := domain.Product{
			ID:              uuid.New(),
			SKU:             req.SKU,
			Name:            req.Name,
			StockQuantity:   req.StockQuantity,
			ReorderLevel:    req.ReorderLevel,
			ReorderQuantity: req.ReorderQuantity,
		}
		if err := products.Create(r.Context(), p); err != nil {
			ops.Error(w, http.StatusConflict, err.Error())
			return
		}
		ops.JSON(w, http.StatusCreated, map[string]string{"id": p.ID.String()})
	})

	mux.HandleFunc("POST /products/{id}/adjust", func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			ops.Error(w, http.StatusBadRequest, "product id must be a UUID")
			return
		}
		var req struct {
			Delta  int64  `json:"delta"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			ops.Error(w, http.StatusBadRequest, "malformed adjustment body")
			return
		}
		if err := svc.AdjustStock(r.Context(), id, req.Delta, req.Reason); err != nil {
			ops.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		ops.JSON(w, http.StatusOK, map[string]string{"id": id.String()})
	})
}
