// Command paymentd runs the payment service: it authorizes charges for
// PaymentRequested commands and refunds them on compensation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/ordercore/internal/adapter/bus/kafka"
	"github.com/fairyhunter13/ordercore/internal/adapter/observability"
	"github.com/fairyhunter13/ordercore/internal/adapter/ops"
	"github.com/fairyhunter13/ordercore/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ordercore/internal/config"
	"github.com/fairyhunter13/ordercore/internal/dlq"
	"github.com/fairyhunter13/ordercore/internal/domain"
	"github.com/fairyhunter13/ordercore/internal/inbox"
	"github.com/fairyhunter13/ordercore/internal/outbox"
	"github.com/fairyhunter13/ordercore/internal/payment"
	"github.com/fairyhunter13/ordercore/internal/resilience"
)

const consumerGroup = "payment-service"

func main() {
	if err := run(); err != nil {
		slog.Error("paymentd exited", slog.Any("error", err))
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
	paymentRepo := postgres.NewPaymentRepo(pool)

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

	if err := kafka.EnsureTopic(ctx, producer.Client(), kafka.Topic(cfg.BusTopicPrefix, domain.ServicePayment), 3, 1); err != nil {
		return err
	}

	reg := domain.NewRegistry()
	domain.RegisterCoreEvents(reg)

	dlqSvc := dlq.NewService(dlqRepo, inboxRepo)
	paySvc := payment.NewService(paymentRepo, outboxRepo, payment.LimitAuthorizer{LimitCents: cfg.PaymentAuthLimitCents})

	engine, err := inbox.NewEngine(inboxRepo, uow, dlqSvc, consumerGroup, cfg.InboxMaxHandlerRetries)
	if err != nil {
		return err
	}

	dispatcher := kafka.NewDispatcher()
	dispatcher.On(domain.EventPaymentRequested, func(ctx domain.Context, ev domain.Envelope) error {
		p, err := reg.Decode(ev)
		if err != nil {
			return err
		}
		return paySvc.HandlePaymentRequested(ctx, ev, *p.(*domain.PaymentRequested))
	})
	dispatcher.On(domain.EventRefundPayment, func(ctx domain.Context, ev domain.Envelope) error {
		p, err := reg.Decode(ev)
		if err != nil {
			return err
		}
		return paySvc.HandleRefund(ctx, ev, *p.(*domain.RefundPayment))
	})
	// Cancellation after authorization also reverses the charge; HandleRefund
	// is a no-op when nothing was authorized.
	dispatcher.On(domain.EventOrderCancelled, func(ctx domain.Context, ev domain.Envelope) error {
		p, err := reg.Decode(ev)
		if err != nil {
			return err
		}
		c := p.(*domain.OrderCancelled)
		return paySvc.HandleRefund(ctx, ev, domain.RefundPayment{OrderID: c.OrderID, Reason: c.Reason})
	})

	proc := outbox.NewProcessor(outboxRepo, uow, producer, dlqSvc, domain.ServicePayment, outbox.Options{
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
	go func() {
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		slog.Info("ops server listening", slog.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("ops server stopped", slog.Any("error", err))
		}
	}()

	slog.Info("paymentd started", slog.String("env", cfg.AppEnv), slog.String("group", consumerGroup))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	slog.Info("shutting down", slog.String("signal", s.String()))
	cancel()
	return nil
}
