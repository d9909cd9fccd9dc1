// main package for the spark-tts-worker
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/book-expert/spark-tts-worker/internal/config"
	"github.com/book-expert/spark-tts-worker/internal/core"
	"github.com/book-expert/spark-tts-worker/internal/objectstore"
	"github.com/book-expert/spark-tts-worker/internal/orchestrator"
	"github.com/book-expert/spark-tts-worker/internal/pipeline"
	"github.com/book-expert/spark-tts-worker/internal/publish"
	"github.com/book-expert/spark-tts-worker/internal/reference"
	"github.com/book-expert/spark-tts-worker/internal/server"
	"github.com/book-expert/spark-tts-worker/internal/subtitle"
	"github.com/book-expert/spark-tts-worker/internal/tts"
	"github.com/book-expert/spark-tts-worker/internal/tts/ttsutils"
	"github.com/book-expert/spark-tts-worker/internal/tts/whisper"
	"github.com/book-expert/spark-tts-worker/internal/worker"
)

const startupTimeout = 2 * time.Minute

var errNoTransportStarted = errors.New("no transport configured")

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func loadConfig(path string, log *logger.Logger) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path, log)
	}

	return config.Load(log)
}

// storage opens the configured backend. conn is nil unless NATS is configured.
func storage(ctx context.Context, cfg *config.Config, conn *nats.Conn) (objectstore.Backend, *objectstore.NatsObjectStore, error) {
	if cfg.Storage.Backend == config.BackendS3 {
		store, err := objectstore.NewS3ObjectStore(ctx, objectstore.S3Options{
			Bucket:          cfg.Storage.S3.Bucket,
			Region:          cfg.Storage.S3.Region,
			Endpoint:        cfg.Storage.S3.Endpoint,
			AccessKeyID:     cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open S3 storage: %w", err)
		}

		return store, nil, nil
	}

	signer, err := objectstore.NewURLSigner(cfg.Storage.PublicBaseURL, []byte(cfg.Storage.SigningSecret), time.Now)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create URL signer: %w", err)
	}

	jetstreamContext, err := jetstream.New(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.NewNatsObjectStore(ctx, jetstreamContext, cfg.NATS.ObjectStoreBucket, signer)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open NATS object store: %w", err)
	}

	return store, store, nil
}

func aligner(cfg *config.Config, log *logger.Logger) (core.Aligner, error) {
	if !cfg.AlignmentEnabled() {
		log.Warn("Alignment is not configured; enable_alignment requests will fail with AlignmentError")

		return nil, nil
	}

	client, err := whisper.NewClient(whisper.Options{
		APIKey:   cfg.Alignment.APIKey,
		BaseURL:  cfg.Alignment.BaseURL,
		Model:    cfg.Alignment.Model,
		Language: cfg.Alignment.Language,
		Timeout:  time.Duration(cfg.Alignment.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create alignment client: %w", err)
	}

	return client, nil
}

func run() error {
	configPath := flag.String("config", "", "path to a TOML config file (default: central configurator)")
	flag.Parse()

	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), "spark-tts-worker-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration
	cfg, err := loadConfig(*configPath, bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	err = ttsutils.EnsureDir(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create log directory: %v", err)

		return err
	}

	log, err := setupLogger(cfg.Paths.BaseLogsDir, "spark-tts-worker.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log)
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	var natsConnection *nats.Conn

	if cfg.NATS.RequestSubject != "" || cfg.Storage.Backend == config.BackendNATS {
		conn, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		defer conn.Close()

		natsConnection = conn
	}

	backend, natsStore, err := storage(startupCtx, cfg, natsConnection)
	if err != nil {
		return err
	}

	gateway := objectstore.NewGateway(backend, objectstore.Options{
		MaxAttempts:    cfg.Storage.MaxAttempts,
		AttemptTimeout: time.Duration(cfg.Storage.AttemptTimeoutSeconds) * time.Second,
		PresignTTL:     cfg.PresignTTL(),
	}, log)

	err = gateway.CheckAccess(startupCtx)
	if err != nil {
		return fmt.Errorf("storage check failed: %w", err)
	}

	layout := publish.Layout{
		VoicesPrefix:    cfg.Storage.VoicesPrefix,
		OutputPrefix:    cfg.Storage.OutputPrefix,
		SubtitlesPrefix: cfg.Storage.SubtitlesPrefix,
	}

	if cfg.Storage.EnsureLayout {
		err = gateway.EnsureLayout(startupCtx, layout.Prefixes()...)
		if err != nil {
			return fmt.Errorf("failed to prepare storage layout: %w", err)
		}
	}

	// The model is loaded before any transport accepts requests.
	engine, err := tts.NewEngine(startupCtx,
		tts.NewHTTPClient(cfg.Model.URL, time.Duration(cfg.Model.TimeoutSeconds)*time.Second).
			WithMaxAudioBytes(cfg.Model.MaxAudioBytes),
		tts.Options{
			MaxSegmentRunes: cfg.Model.MaxSegmentRunes,
			WarmupText:      cfg.Model.WarmupText,
			HealthTimeout:   time.Duration(cfg.Model.HealthTimeoutSeconds) * time.Second,
		}, log)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}

	wordAligner, err := aligner(cfg, log)
	if err != nil {
		return err
	}

	encoder := subtitle.NewEncoder(subtitle.Options{
		MaxCueSeconds: cfg.Subtitles.MaxCueSeconds,
		MaxCueChars:   cfg.Subtitles.MaxCueChars,
		Karaoke:       cfg.Subtitles.Karaoke,
		Style:         subtitle.DefaultStyle,
	})

	handler := orchestrator.New(
		engine,
		reference.NewResolver(gateway, reference.Options{
			MaxBytes:   cfg.Limits.MaxReferenceBytes,
			Timeout:    time.Duration(cfg.Limits.ReferenceTimeoutSeconds) * time.Second,
			SampleRate: cfg.Model.ReferenceSampleRate,
		}, log),
		pipeline.New(wordAligner, encoder, log),
		publish.NewPublisher(gateway, layout, cfg.PresignTTL(), log),
		orchestrator.Options{
			RequestDeadline: cfg.RequestDeadline(),
			ResolveShare:    cfg.Limits.ResolveShare,
			PublishShare:    cfg.Limits.PublishShare,
			Verbose:         cfg.Logging.Verbose,
		},
		log,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	started := 0

	if cfg.NATS.RequestSubject != "" {
		natsWorker, workerErr := worker.NewNatsWorker(natsConnection, cfg.NATS.RequestSubject, cfg.NATS.QueueGroup, handler, log)
		if workerErr != nil {
			return fmt.Errorf("failed to create NATS worker: %w", workerErr)
		}

		group.Go(func() error { return natsWorker.Run(groupCtx) })

		started++
	}

	if cfg.Server.ListenAddr != "" {
		var routes []server.Route
		if natsStore != nil {
			routes = append(routes, objectstore.NewArtifactHandler(natsStore, natsStore.Signer(), log))
		}

		httpServer := server.New(handler, gateway, server.Options{
			Addr:         cfg.Server.ListenAddr,
			VoicesPrefix: layout.VoicesPrefix,
			Model:        engine.Info(),
			Routes:       routes,
		}, log)

		group.Go(func() error { return httpServer.Run(groupCtx) })

		started++
	}

	if started == 0 {
		return errNoTransportStarted
	}

	log.System("Spark TTS worker ready: model %s at %d Hz, storage %s/%s, subject %q, http %q",
		engine.Info().Model, engine.SampleRate(), cfg.Storage.Backend, backend.Bucket(),
		cfg.NATS.RequestSubject, cfg.Server.ListenAddr)

	err = group.Wait()
	log.System("Spark TTS worker stopped.")

	return err
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
