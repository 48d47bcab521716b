package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"boardwatch/internal/config"
	"boardwatch/internal/database"
	"boardwatch/internal/fetcher"
	"boardwatch/internal/ingest"
	"boardwatch/internal/metrics"
	"boardwatch/internal/notify"
	"boardwatch/internal/notify/kakao"
	"boardwatch/internal/notify/push"
	"boardwatch/internal/notify/telegram"
	"boardwatch/internal/queue"
	"boardwatch/internal/ratelimiter"
	"boardwatch/internal/resolver"
	"boardwatch/internal/scheduler"
	"boardwatch/internal/summarizer"
	"boardwatch/internal/worker"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

func main() {
	scanNow := flag.Bool("scan-now", false, "enqueue a scan of every watched page at startup")
	flag.Parse()

	start := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.ErrorContext(ctx, "Failed to load .env file",
			"error", err)

		return
	}

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load config",
			"error", err)

		return
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(log)

	db, err := database.New(ctx, cfg.DBPath, log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize db",
			"error", err,
			"dbPath", cfg.DBPath)

		return
	}
	defer func() {
		if err = db.Close(); err != nil {
			log.ErrorContext(ctx, "Failed to close db",
				"error", err,
				"dbPath", cfg.DBPath)
		}
	}()
	log.InfoContext(ctx, "DB is initialized",
		"dbPath", cfg.DBPath)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() {
		if err = rdb.Close(); err != nil {
			log.ErrorContext(ctx, "Failed to close redis client",
				"error", err,
				"redisAddr", cfg.RedisAddr)
		}
	}()

	if err = rdb.Ping(ctx).Err(); err != nil {
		log.ErrorContext(ctx, "Failed to reach redis",
			"error", err,
			"redisAddr", cfg.RedisAddr)

		return
	}
	log.InfoContext(ctx, "Redis is connected",
		"redisAddr", cfg.RedisAddr,
		"redisDB", cfg.RedisDB)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, m, log)

	loader, closeLoader := initLoader(cfg, log)
	defer closeLoader()

	f := fetcher.New(loader, fetcher.Config{
		MaxPages: cfg.FetchMaxPages,
		Timeout:  cfg.FetchTimeout,
	}, log)

	scanner := ingest.New(db, f, m, cfg.EmptyScanAlertThreshold, log)
	res := resolver.New(db, log)
	messages := notify.NewMessageBuilder(f, initOpenAISummarizer(ctx, cfg, log), log)

	senders, err := initSenders(ctx, cfg, db, m, log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize senders",
			"error", err)

		return
	}

	dispatcher := notify.NewDispatcher(db, senders, messages,
		ratelimiter.New(cfg.SendDelay),
		notify.DispatcherConfig{SendTimeout: cfg.SendTimeout},
		m, log)

	w := worker.New(db, scanner, res, dispatcher, log)

	q := queue.New(rdb, queue.Config{
		Name:        cfg.QueueName,
		Consumer:    cfg.QueueConsumer,
		Workers:     cfg.QueueWorkers,
		MaxAttempts: cfg.QueueMaxAttempts,
	}, m, log)

	var wg sync.WaitGroup

	wg.Go(func() {
		if runErr := q.Run(ctx, w.Handle); runErr != nil {
			log.ErrorContext(ctx, "Queue has stopped",
				"error", runErr,
				"queue", cfg.QueueName)
			cancel()
		}
	})
	log.InfoContext(ctx, "Queue workers are started",
		"queue", cfg.QueueName,
		"workers", cfg.QueueWorkers)

	sched, err := scheduler.New(ctx, db, q, scheduler.Config{
		Hours:    cfg.ScheduleHours,
		Location: cfg.Location(),
	}, log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to create scheduler",
			"error", err,
			"hours", cfg.ScheduleHours)

		return
	}

	if err = sched.Start(); err != nil {
		log.ErrorContext(ctx, "Failed to start scheduler",
			"error", err)

		return
	}
	defer sched.Stop()

	if *scanNow {
		if _, err = sched.Fire(ctx); err != nil {
			log.ErrorContext(ctx, "Failed to run startup scan",
				"error", err)
		}
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-c:
		log.InfoContext(ctx, "Shutdown signal is received",
			"signal", sig.String())
	case <-ctx.Done():
	}
	cancel()

	wg.Wait()
	log.InfoContext(ctx, "Queue workers are stopped",
		"uptimeSeconds", time.Since(start).Seconds())

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer shutdownCancel()

		if err = metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.ErrorContext(ctx, "Failed to shut down metrics server",
				"error", err)
		}
	}

	log.InfoContext(ctx, "Exiting...",
		"uptimeSeconds", time.Since(start).Seconds())
}

func startMetricsServer(ctx context.Context, addr string, m *metrics.Metrics, log *slog.Logger) *http.Server {
	if addr == "" {
		log.InfoContext(ctx, "METRICS_ADDR is empty so metrics are not served")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.ErrorContext(ctx, "Metrics server has failed",
				"error", err,
				"metricsAddr", addr)
		}
	}()
	log.InfoContext(ctx, "Metrics server is started",
		"metricsAddr", addr)

	return srv
}

func initLoader(cfg config.Config, log *slog.Logger) (fetcher.Loader, func()) {
	if !cfg.FetchBrowser {
		return fetcher.NewHTTPLoader(cfg.FetchTimeout, log), func() {}
	}

	b := fetcher.NewBrowserLoader(log)

	return b, b.Close
}

func initOpenAISummarizer(ctx context.Context, cfg config.Config, log *slog.Logger) summarizer.Summarizer {
	if cfg.OpenAIAPIKey == "" {
		log.WarnContext(ctx, "OPENAI_API_KEY is missing so fallback will be used",
			"envVar", "OPENAI_API_KEY")

		return nil
	}

	log.InfoContext(ctx, "OpenAI summarizer is initialized",
		"provider", "openai")

	return summarizer.NewOpenAISummarizer(cfg.OpenAIAPIKey, cfg.FetchTimeout)
}

func initSenders(
	ctx context.Context,
	cfg config.Config,
	db *database.Database,
	m *metrics.Metrics,
	log *slog.Logger,
) ([]notify.ChannelSender, error) {
	senders := []notify.ChannelSender{
		push.New(push.Config{AccessToken: cfg.ExpoAccessToken}, log),
	}

	if cfg.KakaoClientID != "" {
		senders = append(senders, kakao.New(db, kakao.Config{
			ClientID:     cfg.KakaoClientID,
			ClientSecret: cfg.KakaoClientSecret,
		}, m, log))
	} else {
		log.WarnContext(ctx, "KAKAO_CLIENT_ID is missing so kakao deliveries are skipped",
			"envVar", "KAKAO_CLIENT_ID")
	}

	if cfg.TelegramToken != "" {
		api, err := telegram.NewBotAPI(cfg.TelegramToken, "", cfg.SendTimeout)
		if err != nil {
			return nil, err
		}

		senders = append(senders, telegram.New(api, log))
	} else {
		log.WarnContext(ctx, "TELEGRAM_TOKEN is missing so telegram deliveries are skipped",
			"envVar", "TELEGRAM_TOKEN")
	}

	names := make([]string, 0, len(senders))
	for _, s := range senders {
		names = append(names, string(s.Channel()))
	}
	log.InfoContext(ctx, "Senders are initialized",
		"channels", names)

	return senders, nil
}
