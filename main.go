package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"zapdesk/config"
	"zapdesk/internal/archive"
	"zapdesk/internal/broadcast"
	"zapdesk/internal/db"
	"zapdesk/internal/handlers"
	"zapdesk/internal/keystore"
	"zapdesk/internal/messaging"
	"zapdesk/internal/payflow"
	"zapdesk/internal/protocol"
	"zapdesk/internal/queue"
	"zapdesk/internal/session"
	"zapdesk/internal/summary"
	"zapdesk/internal/transfer"
	"zapdesk/pkg/logger"
)

func main() {
	// Bootstrap logging from the environment so config errors are visible,
	// then apply the loaded settings, which include .env values.
	logger.InitLogger(os.Getenv("LOG_FORMAT"), os.Getenv("LOG_LEVEL"))

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.InitLogger(cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Server stopped with error")
	}
	log.Info().Msg("Server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	gdb, err := db.Open(cfg.DBType, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if err := db.Migrate(gdb); err != nil {
		return err
	}

	keys, err := keystore.Open(cfg.DBType, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer keys.Close()
	if err := keys.Migrate(ctx); err != nil {
		return err
	}

	// RabbitMQ backs both the job queues and the broadcast exchange when configured.
	var (
		broker queue.Broker
		bc     broadcast.Broadcaster = broadcast.LogBroadcaster{}
		rabbit *amqp.Connection
	)
	if cfg.RabbitMQURL != "" {
		if rabbit, err = queue.DialRabbitMQ(cfg.RabbitMQURL); err != nil {
			return err
		}
		defer rabbit.Close()
		if broker, err = queue.NewRabbitBroker(rabbit, cfg.QueuePrefix); err != nil {
			return err
		}
		rb, err := broadcast.NewRabbitBroadcaster(rabbit, cfg.BroadcastExchange)
		if err != nil {
			return err
		}
		defer rb.Close()
		bc = rb
	} else {
		broker = queue.NewMemoryBroker()
	}
	defer broker.Close()

	opts := queue.Options{MaxAttempts: cfg.QueueMaxAttempts, RetryBackoff: cfg.QueueRetryBackoff}
	if cfg.S3.Enabled {
		sink, err := archive.NewS3Archive(archive.Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			PathStyle: cfg.S3.PathStyle,
		})
		if err != nil {
			log.Error().Err(err).Msg("Dead-letter archive disabled")
		} else {
			opts.Sink = sink
		}
	}
	dispatcher, err := queue.NewDispatcher(broker, opts)
	if err != nil {
		return err
	}

	driver, err := protocol.NewWhatsmeowDriver(ctx, cfg.WAStoreDialect, cfg.WAStoreDSN)
	if err != nil {
		return err
	}
	store, err := session.NewStore(gdb)
	if err != nil {
		return err
	}
	qr := session.NewQRCache(cfg.QRTTL)
	recOpts := session.ReconcilerOptions{RetryDelay: cfg.ReconnectDelay}
	if cfg.QRTerminal {
		recOpts.OnQR = session.PrintQRToTerminal
	}
	reconciler, err := session.NewReconciler(driver, store, keys, qr, bc, dispatcher, recOpts)
	if err != nil {
		return err
	}

	// With a durable broker, commands go through the control queue so they
	// survive a restart; in-process they go straight to the reconciler.
	var commands session.CommandPublisher = reconciler
	if rabbit != nil {
		commands = session.NewQueueCommands(dispatcher)
	}
	manager, err := session.NewManager(store, keys, qr, bc, commands, dispatcher)
	if err != nil {
		return err
	}

	catalog, err := payflow.NewCatalog(gdb)
	if err != nil {
		return err
	}
	links, err := payflow.NewLinkGenerator(gdb, cfg.RootDomain, cfg.DefaultRootDomain)
	if err != nil {
		return err
	}
	flow, err := payflow.NewService(payflow.NewEngine(nil), catalog, links)
	if err != nil {
		return err
	}

	var summarizer transfer.Summarizer
	if c := summary.NewClient(cfg.SummaryAPIURL, cfg.SummaryAPIKey, 30*time.Second); c != nil {
		summarizer = c
	}
	coordinator, err := transfer.NewCoordinator(gdb, bc, summarizer)
	if err != nil {
		return err
	}

	states, err := messaging.NewStateStore(gdb)
	if err != nil {
		return err
	}
	msgHandlers, err := messaging.NewHandlers(flow, coordinator, states, dispatcher, reconciler, bc)
	if err != nil {
		return err
	}
	dispatcher.Register(queue.Incoming, cfg.QueueWorkers, msgHandlers.Incoming)
	dispatcher.Register(queue.Outgoing, cfg.QueueWorkers, msgHandlers.Outgoing)
	dispatcher.Register(queue.Control, 1, session.ControlHandler(reconciler))

	srv, err := handlers.NewServer(handlers.Config{
		Sessions:      manager,
		Reconciler:    reconciler,
		Flow:          flow,
		Transfers:     coordinator,
		Queues:        dispatcher,
		APIToken:      cfg.APIToken,
		WebhookSecret: cfg.WorkerWebhookSecret,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error {
		if _, err := manager.Recover(gctx); err != nil {
			log.Error().Err(err).Msg("Session recovery failed")
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Msg("Server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
