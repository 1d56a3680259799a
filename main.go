package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"coldchain-cloud/internal/alerts/application"
	alerts "coldchain-cloud/internal/alerts/domain"
	alertmemory "coldchain-cloud/internal/alerts/infrastructure/memory"
	alertrepo "coldchain-cloud/internal/alerts/infrastructure/postgres"
	"coldchain-cloud/internal/alerts/infrastructure/rulefile"
	alerthttp "coldchain-cloud/internal/alerts/interfaces/http"
	"coldchain-cloud/internal/alerts/notify"
	"coldchain-cloud/internal/audit"
	"coldchain-cloud/internal/auth"
	"coldchain-cloud/internal/config"
	"coldchain-cloud/internal/eventing"
	eventingmemory "coldchain-cloud/internal/eventing/infrastructure/memory"
	eventingrepo "coldchain-cloud/internal/eventing/infrastructure/postgres"
	"coldchain-cloud/internal/logging"
	"coldchain-cloud/internal/observability/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := logging.NewLogger(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *sql.DB
	if !cfg.InMemory() {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("db open error", zap.Error(err))
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("db ping error", zap.Error(err))
		}
	}
	st := openStores(db, cfg)
	logger.Info("stores ready", zap.Bool("in_memory", cfg.InMemory()))

	if cfg.RulesFile != "" {
		seed, err := rulefile.Load(cfg.RulesFile)
		if err != nil {
			logger.Fatal("rules file error", zap.String("path", cfg.RulesFile), zap.Error(err))
		}
		if err := seed.Apply(ctx, st.units, st.rules); err != nil {
			logger.Fatal("rules seed error", zap.String("path", cfg.RulesFile), zap.Error(err))
		}
		logger.Info("rules seeded", zap.Int("units", len(seed.Units)), zap.Int("rules", len(seed.Rules)))
	}

	metrics.Init(db, logger)

	// The dispatcher sink is bound once the notifier exists; the notifier
	// escalates through the lifecycle, which queues into the dispatcher.
	var notifier *notify.Notifier
	sink := eventing.SinkFunc(func(ctx context.Context, env eventing.Envelope) error {
		return notifier.Deliver(ctx, env)
	})
	dispatcher, err := eventing.NewDispatcher(sink, st.outbox, st.dlq,
		eventing.WithMaxAttempts(cfg.Notify.OutboxMaxAttempts),
		eventing.WithDeliveryTimeout(cfg.Notify.Timeout*2),
		eventing.WithDispatcherLogger(logger),
	)
	if err != nil {
		logger.Fatal("outbox dispatcher error", zap.Error(err))
	}
	publisher, err := eventing.NewPublisher(st.outbox, dispatcher)
	if err != nil {
		logger.Fatal("outbox publisher error", zap.Error(err))
	}
	queue, err := notify.NewOutboxQueue(publisher)
	if err != nil {
		logger.Fatal("notification queue error", zap.Error(err))
	}
	broker := notify.NewBroker(cfg.StreamBuffer)

	resolver, err := application.NewRuleResolver(st.rules, st.units, logger)
	if err != nil {
		logger.Fatal("rule resolver error", zap.Error(err))
	}
	lifecycle, err := application.NewLifecycle(st.alerts,
		application.WithDispatcher(notify.NewMultiDispatcher(queue, broker)),
		application.WithAuditor(st.auditor),
		application.WithLifecycleLogger(logger),
	)
	if err != nil {
		logger.Fatal("alert lifecycle error", zap.Error(err))
	}

	channel, err := buildChannel(cfg.Notify, logger)
	if err != nil {
		logger.Fatal("notification channel error", zap.Error(err))
	}
	tpl, err := notify.NewTemplate(cfg.Notify.Template)
	if err != nil {
		logger.Fatal("notification template error", zap.Error(err))
	}
	notifier, err = notify.NewNotifier(st.units, st.alerts, channel, tpl,
		notify.WithEscalation(cfg.Notify.EscalationAfter, lifecycle),
		notify.WithEscalationSeverity(alerts.Severity(cfg.Notify.EscalationSeverity)),
		notify.WithCooldown(cfg.Notify.Cooldown),
		notify.WithDedupeWindow(cfg.Notify.DedupeWindow),
		notify.WithRequestTimeout(cfg.Notify.Timeout),
		notify.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal("notifier error", zap.Error(err))
	}
	defer notifier.Close()

	engine, err := application.NewEngine(st.units, st.states, resolver, lifecycle,
		application.WithMaxClockSkew(cfg.ReadingMaxSkew),
		application.WithRejectionLog(st.rejections),
		application.WithStatusListener(broker),
		application.WithEngineLogger(logger),
	)
	if err != nil {
		logger.Fatal("alert engine error", zap.Error(err))
	}
	monitor, err := application.NewMonitor(st.units, engine,
		application.WithMonitorInterval(cfg.MonitorInterval),
		application.WithMonitorWorkers(cfg.MonitorWorkers),
		application.WithMonitorLogger(logger),
	)
	if err != nil {
		logger.Fatal("offline monitor error", zap.Error(err))
	}

	handlerOpts := []alerthttp.Option{
		alerthttp.WithResolver(resolver),
		alerthttp.WithRejections(st.rejections),
		alerthttp.WithBroker(broker),
		alerthttp.WithTenantChecker(auth.NewUnitChecker(st.units)),
		alerthttp.WithLogger(logger),
	}
	if cfg.IngestSecret != "" {
		handlerOpts = append(handlerOpts, alerthttp.WithIngestAuth(auth.NewIngestAuthMiddleware([]byte(cfg.IngestSecret), cfg.IngestMaxSkew)))
	}
	handler, err := alerthttp.NewHandler(engine, lifecycle, st.alerts, handlerOpts...)
	if err != nil {
		logger.Fatal("alerts handler error", zap.Error(err))
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/api/v1/ingest/"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger.Named("http")))
	router.Use(corsHandler(cfg.CORSOrigins))
	router.Use(authMiddleware.Wrap)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				http.Error(w, "db unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	handler.Register(router)

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		dispatcher.Run(ctx, cfg.Notify.OutboxInterval)
	}()
	go func() {
		defer workers.Done()
		monitor.Start(ctx)
	}()

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// cancels open alert streams on shutdown
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	workers.Wait()
}

type unitStore interface {
	application.UnitDirectory
	rulefile.UnitWriter
}

type ruleStore interface {
	application.RuleStore
	rulefile.RuleWriter
}

type outboxStore interface {
	eventing.OutboxWriter
	eventing.OutboxStore
}

type stores struct {
	units      unitStore
	rules      ruleStore
	states     application.StateStore
	alerts     application.AlertStore
	rejections application.RejectionLog
	outbox     outboxStore
	dlq        eventing.DLQStore
	auditor    audit.Logger
}

func openStores(db *sql.DB, cfg config.Config) stores {
	if db == nil {
		return stores{
			units:      alertmemory.NewUnitDirectory(),
			rules:      alertmemory.NewRuleStore(),
			states:     alertmemory.NewStateStore(),
			alerts:     alertmemory.NewAlertStore(),
			rejections: alertmemory.NewRejectionLog(cfg.RejectionLog),
			outbox:     eventingmemory.NewOutboxStore(),
			dlq:        eventingmemory.NewDLQStore(),
			auditor:    audit.NewMemoryLog(),
		}
	}
	return stores{
		units:      alertrepo.NewUnitRepository(db),
		rules:      alertrepo.NewRuleRepository(db),
		states:     alertrepo.NewStateRepository(db),
		alerts:     alertrepo.NewAlertRepository(db),
		rejections: alertrepo.NewRejectionRepository(db),
		outbox:     eventingrepo.NewOutboxStore(db),
		dlq:        eventingrepo.NewDLQStore(db),
		auditor:    audit.NewRepository(db),
	}
}

func buildChannel(cfg config.NotifyConfig, logger *zap.Logger) (notify.Channel, error) {
	notifyLog := logger.Named("notification")
	logChannel := notify.NewLogChannel(func(msg notify.Message) {
		notifyLog.Info(msg.Subject,
			zap.String("alert_id", msg.Outcome.Alert.ID),
			zap.String("unit_id", msg.Outcome.Alert.UnitID),
			zap.String("action", string(msg.Outcome.Action)),
		)
	})
	if cfg.WebhookURL == "" {
		return logChannel, nil
	}
	webhook, err := notify.NewWebhookChannel(cfg.WebhookURL, notify.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	if err != nil {
		return nil, err
	}
	return notify.NewMultiChannel(webhook, logChannel), nil
}

func corsHandler(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		return cors.AllowAll().Handler
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", auth.HeaderIngestTimestamp, auth.HeaderIngestSignature},
		AllowCredentials: true,
		MaxAge:           300,
	})
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
