package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"loopchat/internal/config"
	"loopchat/internal/constants"
	"loopchat/internal/database"
	"loopchat/internal/models"
	"loopchat/internal/retry"
	"loopchat/internal/service"
	"loopchat/internal/tracing"
	"loopchat/pkg/loopapi"
	"loopchat/pkg/transport"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("loopchat %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting loopchat")

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			level = logrus.InfoLevel
		}
		logger.SetLevel(level)
	}

	tracingManager := tracing.NewManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingManager.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Failed to shut down tracing")
		}
	}()

	var db *database.Database
	dbBackoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: constants.DefaultDatabaseRetryBackoffMs * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})
	if err := dbBackoff.Retry(ctx, func() error {
		var openErr error
		db, openErr = database.New(cfg.Database.Path)
		return openErr
	}); err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close database")
		}
	}()

	api := loopapi.NewClient(cfg.API.BaseURL, cfg.User.Token, time.Duration(cfg.API.TimeoutSec)*time.Second, logger)

	// The presentation layer replaces these callbacks; the daemon only logs.
	events := &service.Events{
		OnMessage: func(key models.ConversationKey, msg models.Message) {
			logger.WithFields(logrus.Fields{
				"target_id": key.TargetID,
				"chat_type": int(key.ChatType),
				"seq_id":    msg.ID,
			}).Debug("Message stored")
		},
		OnMessageStatus: func(key models.ConversationKey, messageID string, status models.MessageStatus) {
			logger.WithFields(logrus.Fields{
				"seq_id": messageID,
				"status": string(status),
			}).Debug("Message status changed")
		},
		OnCallState: func(state models.CallState) {
			logger.WithField("state", string(state)).Info("Call state changed")
		},
	}

	// The transport callbacks close over services created after it; Connect
	// runs only once everything is wired.
	var (
		dispatcher *service.Dispatcher
		delivery   *service.Delivery
		reconciler *service.Reconciler
	)

	ws, err := transport.NewClient(transport.Options{
		URL:                  cfg.Transport.URL,
		Token:                cfg.User.Token,
		HeartbeatInterval:    time.Duration(cfg.Transport.HeartbeatIntervalSec) * time.Second,
		ReconnectInterval:    time.Duration(cfg.Transport.ReconnectIntervalSec) * time.Second,
		MaxReconnectAttempts: cfg.Transport.MaxReconnectAttempts,
		Logger:               logger,
		OnFrame: func(frame models.Frame) {
			dispatcher.HandleFrame(ctx, frame)
		},
		OnStatus: func(status transport.Status) {
			logger.WithField("status", string(status)).Info("Transport status changed")
		},
		OnConnect: func() {
			if err := delivery.MeasureClockOffset(ctx, api); err != nil {
				logger.WithError(err).Warn("Failed to measure clock offset")
			}
			go func() {
				if err := reconciler.Run(ctx); err != nil {
					logger.WithError(err).Warn("Offline reconciliation failed")
				}
			}()
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	dispatcher = service.NewDispatcher(db, ws, events, cfg.User, logger)

	delivery = service.NewDelivery(ctx, ws, db, events, cfg.User, service.DeliveryConfig{
		RetryInterval:  time.Duration(cfg.Delivery.RetryIntervalSec) * time.Second,
		MaxRetries:     cfg.Delivery.MaxRetries,
		OverallTimeout: time.Duration(cfg.Delivery.OverallTimeoutSec) * time.Second,
	}, logger)
	defer delivery.Stop()

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.Call.STUNServers)+1)
	for _, stun := range cfg.Call.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{stun}})
	}
	if cfg.Call.TURN.URL != "" {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       []string{cfg.Call.TURN.URL},
			Username:   cfg.Call.TURN.Username,
			Credential: cfg.Call.TURN.Credential,
		})
	}

	calls := service.NewCalls(ctx, ws, db, events, cfg.User, service.CallOptions{
		EstablishTimeout: time.Duration(cfg.Call.EstablishTimeoutSec) * time.Second,
		RingTimeout:      time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
		ICEServers:       iceServers,
	}, nil, service.SampleMediaSource{}, logger)

	dispatcher.SetAckHandler(delivery)
	dispatcher.SetSignalHandler(calls)

	reconciler = service.NewReconciler(api, dispatcher, logger)

	ws.Connect(ctx)
	defer ws.Disconnect()

	logger.Info("loopchat is running")
	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}
