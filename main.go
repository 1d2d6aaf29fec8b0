package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/application"
	appNotification "github.com/Zhima-Mochi/fulfillment-engine/internal/application/notification"
	appOrder "github.com/Zhima-Mochi/fulfillment-engine/internal/application/order"
	appPayment "github.com/Zhima-Mochi/fulfillment-engine/internal/application/payment"
	appReconciliation "github.com/Zhima-Mochi/fulfillment-engine/internal/application/reconciliation"
	appStock "github.com/Zhima-Mochi/fulfillment-engine/internal/application/stock"
	appWebhook "github.com/Zhima-Mochi/fulfillment-engine/internal/application/webhook"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/config"
	domcart "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/cart"
	domorder "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/outbox"
	dompayment "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/payment"
	domstock "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/stock"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/infrastructure/cart"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/infrastructure/email"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/infrastructure/memory"
	infraobs "github.com/Zhima-Mochi/fulfillment-engine/internal/infrastructure/observability"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/infrastructure/observability/oteltrace"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/infrastructure/observability/prometrics"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/infrastructure/observability/zaplogger"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/infrastructure/payos"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/infrastructure/paypal"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/infrastructure/postgres"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability"
	httppresentation "github.com/Zhima-Mochi/fulfillment-engine/internal/presentation/http"
	worker "github.com/Zhima-Mochi/fulfillment-engine/internal/presentation/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// repositories is the storage surface main wires into the services; both
// the postgres and the in-memory store provide it.
type repositories struct {
	tx           application.TxManager
	catalog      domstock.Catalog
	orders       domorder.Repository
	invoices     domorder.InvoiceRepository
	transactions dompayment.Repository
	outbox       domoutbox.Repository
	carts        domcart.Store
	close        func()
}

func main() {
	os.Exit(run())
}

// run wires and serves the engine; it returns the process exit code so every
// deferred flush and close runs before main exits.
func run() int {
	configDir := flag.String("config", getenvDefault("FULFILLMENT_CONFIG_DIR", "configs"), "directory holding base.yaml and <env>.yaml")
	envName := flag.String("env", getenvDefault("FULFILLMENT_ENV", "dev"), "configuration overlay to apply")
	flag.Parse()

	cfg, err := config.Load(*configDir, *envName)
	if err != nil {
		// No logger yet; the config decides where logs go.
		_, _ = os.Stderr.WriteString("load config: " + err.Error() + "\n")
		return 1
	}

	baseLogger := zaplogger.MustNew(zaplogger.Options{File: cfg.Log.File},
		observability.F("service", cfg.App.Name),
		observability.F("env", cfg.App.Env),
	)
	defer func() { _ = baseLogger.Sync() }()
	systemLogger := baseLogger.With(observability.F("trace_id", "system"))

	oteltrace.InstallPropagator()
	counters, histograms := infraobs.Instruments(prometrics.New("fulfillment", ""))
	tel := infraobs.New(oteltrace.New(cfg.App.Name), baseLogger, counters, histograms)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repos, err := openStorage(ctx, cfg)
	if err != nil {
		systemLogger.Error("storage_open_failed", observability.F("driver", cfg.Storage.Driver), observability.F("error", err.Error()))
		return 1
	}
	defer repos.close()
	systemLogger.Info("storage_ready", observability.F("driver", cfg.Storage.Driver))

	outbox := appNotification.NewOutbox(repos.outbox, tel, nil)

	paypalClient := paypal.NewClient(paypal.Config{
		BaseURL:      cfg.PayPal.BaseURL,
		ClientID:     cfg.PayPal.ClientID,
		ClientSecret: cfg.PayPal.ClientSecret,
		Currency:     cfg.PayPal.Currency,
		VNDToUSDRate: cfg.VNDRate(),
		Timeout:      cfg.PayPal.Timeout,
	}, nil)
	payosClient := payos.NewClient(payos.Config{
		BaseURL:     cfg.PayOS.BaseURL,
		ClientID:    cfg.PayOS.ClientID,
		APIKey:      cfg.PayOS.APIKey,
		ChecksumKey: cfg.PayOS.ChecksumKey,
		Timeout:     cfg.PayOS.Timeout,
	}, nil)

	paymentService := appPayment.NewService(repos.tx, repos.orders, repos.transactions, outbox, tel,
		appPayment.WithGateway(paypalClient),
		appPayment.WithGateway(payosClient),
	)
	orderService := appOrder.NewService(appOrder.Deps{
		Tx:       repos.tx,
		Orders:   repos.orders,
		Invoices: repos.invoices,
		Catalog:  repos.catalog,
		Ledger:   appStock.NewLedger(repos.catalog, tel),
		Carts:    repos.carts,
		Payments: paymentService,
		Outbox:   outbox,
	}, cfg.Order.PaymentWindow, tel)
	paymentService.SetOrderHooks(orderService)

	webhookService := appWebhook.NewService(paymentService, repos.transactions, paypalClient, payosClient,
		appWebhook.Config{PayPalWebhookID: cfg.PayPal.WebhookID}, tel)

	sender, closeSender := emailSender(cfg, baseLogger, systemLogger)
	defer closeSender()
	renderer, err := email.NewRenderer()
	if err != nil {
		systemLogger.Error("email_templates_invalid", observability.F("error", err.Error()))
		return 1
	}
	dispatcher := appNotification.NewDispatcher(repos.outbox, appNotification.DispatcherConfig{
		BatchSize:      cfg.Outbox.BatchSize,
		MaxAttempts:    cfg.Outbox.MaxAttempts,
		RetryBackoff:   cfg.Outbox.RetryBackoff,
		ClaimLease:     cfg.Outbox.ClaimLease,
		Workers:        cfg.Outbox.Workers,
		HandlerTimeout: cfg.Outbox.HandlerTimeout,
	}, tel, nil)
	appNotification.NewActions(renderer, sender, repos.orders, repos.invoices, repos.transactions, appNotification.Settings{
		From:           cfg.Email.From,
		FrontendURL:    cfg.Email.FrontendURL,
		SupportEmail:   cfg.Email.SupportEmail,
		OrderDetailURL: cfg.Email.OrderDetailURL,
	}).Register(dispatcher)

	scheduler := appReconciliation.NewScheduler(repos.orders, orderService, paymentService, cfg.Order.CleanupRetention, tel, nil)

	runner := worker.NewRunner(tel,
		worker.Job{
			Name:     "outbox.dispatch",
			Schedule: worker.Every(cfg.Outbox.PollInterval),
			Run: func(ctx context.Context) error {
				_, err := dispatcher.DispatchPending(ctx)
				return err
			},
		},
		worker.Job{
			Name:     "orders.expire",
			Schedule: worker.Every(cfg.Reconciliation.ExpiryInterval),
			Timeout:  cfg.Reconciliation.ExpiryInterval,
			Run: func(ctx context.Context) error {
				_, err := scheduler.ExpireOrders(ctx)
				return err
			},
		},
		worker.Job{
			Name:     "orders.cleanup",
			Schedule: worker.DailyAt(cfg.Reconciliation.CleanupHour, time.Local),
			Timeout:  10 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := scheduler.CleanupOrders(ctx)
				return err
			},
		},
	)
	runner.Start(ctx)

	handler := httppresentation.NewHandler(orderService, paymentService, webhookService, outbox,
		httppresentation.Options{MockWebhooks: cfg.Webhooks.MockEnabled}, tel)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:         cfg.App.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		systemLogger.Info("http_server_start",
			observability.F("addr", server.Addr),
			observability.F("mock_webhooks", cfg.Webhooks.MockEnabled),
		)
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			systemLogger.Error("http_server_error", observability.F("error", err.Error()))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		systemLogger.Error("http_server_shutdown_error", observability.F("error", err.Error()))
	} else {
		systemLogger.Info("http_server_stopped")
	}
	if err := runner.Stop(shutdownCtx); err != nil {
		systemLogger.Error("job_runner_stop_error", observability.F("error", err.Error()))
	}

	select {
	case <-serveErr:
		return 1
	default:
		return 0
	}
}

func openStorage(ctx context.Context, cfg config.Config) (*repositories, error) {
	if cfg.Storage.Driver == config.DriverMemory {
		store := memory.NewStore()
		return &repositories{
			tx:           store,
			catalog:      store.Catalog(),
			orders:       store.Orders(),
			invoices:     store.Invoices(),
			transactions: store.Transactions(),
			outbox:       store.Outbox(),
			carts:        memory.NewCartStore(),
			close:        func() {},
		}, nil
	}

	store, err := postgres.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		store.Close()
		return nil, err
	}
	return &repositories{
		tx:           store,
		catalog:      store.Catalog(),
		orders:       store.Orders(),
		invoices:     store.Invoices(),
		transactions: store.Transactions(),
		outbox:       store.Outbox(),
		carts:        cart.NewRedisStore(rdb, cfg.Redis.CartTTL),
		close: func() {
			_ = rdb.Close()
			store.Close()
		},
	}, nil
}

// emailSender publishes to Kafka when brokers are configured and otherwise
// only logs the rendered message.
func emailSender(cfg config.Config, logger, systemLogger observability.Logger) (appNotification.Sender, func()) {
	if len(cfg.Kafka.Brokers) == 0 {
		systemLogger.Warn("email_transport_log_only")
		return email.NewLogSender(logger), func() {}
	}
	sender, err := email.NewKafkaSender(cfg.Kafka.Brokers, cfg.Kafka.EmailTopic)
	if err != nil {
		systemLogger.Error("email_transport_invalid", observability.F("error", err.Error()))
		return email.NewLogSender(logger), func() {}
	}
	return sender, func() {
		if err := sender.Close(); err != nil {
			systemLogger.Error("email_transport_close_error", observability.F("error", err.Error()))
		}
	}
}

func shutdownTimeout(cfg config.Config) time.Duration {
	if cfg.HTTP.ShutdownTimeout > 0 {
		return cfg.HTTP.ShutdownTimeout
	}
	return 10 * time.Second
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
