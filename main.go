package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/config"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/control"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/enhance"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/frame"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/ingest"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/loglimit"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/metrics"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/pipeline"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/recorder"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/stream"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/web"
)

const (
	DefaultConfigPath = "config.toml"
	AppName           = "Smart CCTV Stream Server"
	AppVersion        = "1.0.0"
)

// Application wires the camera pipeline together: ingest feeds the priority
// queue, the processor fans frames out to the buffer, the recorder and the
// RTP publisher, and the web server exposes the viewer feed and controls.
type Application struct {
	config     *config.Config
	configPath string
	logger     *zap.Logger
	limited    *loglimit.Logger

	queue      *frame.Queue
	buffer     *frame.Buffer
	enhancer   *enhance.Enhancer
	network    *metrics.NetworkMetrics
	fps        *metrics.FPSTracker
	controller *control.AdaptiveController
	frameRate  *control.FrameRateController
	latest     *pipeline.Latest
	processor  *pipeline.Processor
	ingest     *ingest.Server
	streamer   *stream.Streamer
	rtp        *stream.RTPPublisher
	recorder   *recorder.Manager
	webServer  *web.Server

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	errCh  chan error
}

func main() {
	var (
		configPath = flag.String("config", DefaultConfigPath, "Path to configuration file")
		logLevel   = flag.String("log-level", "", "Log level override (debug, info, warn, error)")
		version    = flag.Bool("version", false, "Show version information")
		help       = flag.Bool("help", false, "Show help information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if *help {
		fmt.Printf("%s v%s\n\n", AppName, AppVersion)
		fmt.Println("Adaptive ingress and streaming server for ESP32-class JPEG cameras")
		fmt.Println("\nUsage:")
		flag.PrintDefaults()
		fmt.Println("\nEnvironment Variables:")
		fmt.Println("  PUBLIC_IP - Override auto-detected public IP address")
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if envIP := os.Getenv("PUBLIC_IP"); envIP != "" {
		cfg.Server.PublicIP = envIP
	}

	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}
	logger, err := createLogger(level, cfg.Logging.Dir, cfg.Logging.MaxLogFiles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting "+AppName,
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH),
		zap.String("config", *configPath))

	app := NewApplication(cfg, *configPath, logger)

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(); err != nil {
		logger.Fatal("Failed to start application", zap.Error(err))
	}

	select {
	case sig := <-signalCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-app.Err():
		logger.Error("Component failed", zap.Error(err))
	}

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Timeouts.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Shutdown complete")
}

// NewApplication creates a new application instance.
func NewApplication(cfg *config.Config, configPath string, logger *zap.Logger) *Application {
	ctx, cancel := context.WithCancel(context.Background())

	return &Application{
		config:     cfg,
		configPath: configPath,
		logger:     logger,
		limited: loglimit.New(logger,
			time.Duration(cfg.Logging.WarnCooldownSecs)*time.Second,
			time.Duration(cfg.Logging.InfoCooldownSecs)*time.Second),
		ctx:    ctx,
		cancel: cancel,
		errCh:  make(chan error, 4),
	}
}

// Start builds every component and launches the pipeline goroutines.
func (a *Application) Start() error {
	a.logger.Info("Starting application components")

	if err := a.initializePipeline(); err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	a.initializeRecorder()
	a.initializeWebServer()

	group, ctx := errgroup.WithContext(a.ctx)
	a.group = group

	group.Go(func() error { return a.processor.Run(ctx) })
	if a.recorder != nil {
		group.Go(func() error { return a.recorder.Run(ctx) })
	}
	if a.rtp != nil {
		group.Go(func() error { return a.rtp.Run(ctx) })
	}
	group.Go(func() error {
		a.monitorStats(ctx)
		return nil
	})

	if err := config.Watch(ctx, a.configPath, a.logger, a.applyConfig); err != nil {
		a.logger.Warn("Config hot-reload unavailable", zap.Error(err))
	}

	if err := a.webServer.Start(); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}

	// Surface late failures from the serve loop and the pipeline tasks.
	go func() {
		select {
		case err := <-a.webServer.Err():
			a.errCh <- err
		case <-a.ctx.Done():
		}
	}()
	go func() {
		if err := group.Wait(); err != nil && a.ctx.Err() == nil {
			a.errCh <- err
		}
	}()

	base := fmt.Sprintf("http://%s:%d", a.config.Server.PublicIP, a.config.Server.WebPort)
	a.logger.Info("Application started successfully",
		zap.String("live_feed", base+"/esp32_video_feed"),
		zap.String("ingest", fmt.Sprintf("ws://%s:%d%s",
			a.config.Server.PublicIP, a.config.Server.WebPort, a.config.Ingest.Path)),
		zap.String("stats", base+"/performance_stats"),
		zap.Bool("recording", a.recorder != nil),
		zap.Bool("rtp", a.rtp != nil))

	return nil
}

// Err delivers the first fatal component failure after Start returned.
func (a *Application) Err() <-chan error {
	return a.errCh
}

// initializePipeline builds the shared frame path from ingest to streamer.
func (a *Application) initializePipeline() error {
	cfg := a.config

	mode, err := enhance.ParseMode(cfg.Enhance.Mode)
	if err != nil {
		return err
	}
	a.enhancer, err = enhance.New(cfg.Enhance.Enabled, mode,
		time.Duration(cfg.Enhance.BudgetMS)*time.Millisecond)
	if err != nil {
		return err
	}

	bufferingDelay := time.Duration(cfg.Stream.BufferingDelay * float64(time.Second))
	maxBufferingTime := time.Duration(cfg.Stream.MaxBufferingTime * float64(time.Second))

	a.queue = frame.NewQueue(cfg.Ingest.QueueCapacity)
	a.buffer = frame.NewBuffer(cfg.Stream.BufferCapacity, cfg.Stream.MinBufferedFrames,
		bufferingDelay, maxBufferingTime)
	a.network = metrics.NewNetworkMetrics(cfg.Stream.TargetFPS)
	a.fps = metrics.NewFPSTracker()
	a.controller = control.NewAdaptiveController(float64(cfg.Stream.TargetFPS),
		cfg.Stream.MinQuality, cfg.Stream.MaxQuality, a.logger)
	a.frameRate = control.NewFrameRateController(float64(cfg.Stream.TargetFPS),
		float64(cfg.Stream.MinFPS), float64(cfg.Stream.MaxFPS))
	a.latest = &pipeline.Latest{}

	a.ingest = ingest.NewServer(a.queue, cfg.Ingest.MaxPayloadSizeMB, a.limited)

	a.streamer = stream.NewStreamer(stream.StreamerDeps{
		Buffer:     a.buffer,
		Controller: a.controller,
		FrameRate:  a.frameRate,
		Network:    a.network,
		FPS:        a.fps,
		Logger:     a.limited,
	}, cfg.Stream.MaxEmptyFrames, maxBufferingTime)

	if cfg.RTP.Enabled {
		a.rtp = stream.NewRTPPublisher(cfg.RTP.Host, cfg.RTP.Port, cfg.RTP.MTU,
			cfg.Stream.TargetFPS, a.limited)
	}

	a.logger.Info("Pipeline initialized",
		zap.Int("queue_capacity", cfg.Ingest.QueueCapacity),
		zap.Int("buffer_capacity", cfg.Stream.BufferCapacity),
		zap.Int("target_fps", cfg.Stream.TargetFPS),
		zap.String("enhance_mode", cfg.Enhance.Mode))
	return nil
}

// initializeRecorder builds the recorder when enabled and connects it and
// the RTP publisher behind the processor.
func (a *Application) initializeRecorder() {
	cfg := a.config

	var sinks pipeline.MultiSink
	if cfg.Recording.Enabled {
		a.recorder = recorder.NewManager(recorder.Config{
			RootDir:        cfg.Recording.RootDir,
			FFmpegPath:     cfg.Recording.FFmpegPath,
			FFprobePath:    cfg.Recording.FFprobePath,
			RecordingFPS:   cfg.Recording.RecordingFPS,
			MinFrames:      cfg.Recording.MinFramesPerSegment,
			MinDuration:    time.Duration(cfg.Recording.MinSegmentDuration) * time.Second,
			TargetDuration: time.Duration(cfg.Recording.TargetSegmentDuration) * time.Second,
			MaxDuration:    time.Duration(cfg.Recording.MaxSegmentDuration) * time.Second,
			MinBytes:       cfg.Recording.AbsoluteMinSegmentBytes,
			RetentionDays:  cfg.Recording.RetentionDays,
		}, a.limited)
		sinks = append(sinks, a.recorder)

		a.ingest.SetHandlers(a.recorder.NotifyReconnect, a.recorder.NotifyDisconnect)
		a.logger.Info("Security recording enabled",
			zap.String("root", cfg.Recording.RootDir),
			zap.Int("recording_fps", cfg.Recording.RecordingFPS),
			zap.Int("retention_days", cfg.Recording.RetentionDays))
	}
	if a.rtp != nil {
		sinks = append(sinks, a.rtp)
	}

	var sink pipeline.FrameSink
	switch len(sinks) {
	case 0:
	case 1:
		sink = sinks[0]
	default:
		sink = sinks
	}

	a.processor = pipeline.NewProcessor(pipeline.ProcessorDeps{
		Queue:      a.queue,
		Enhancer:   a.enhancer,
		Buffer:     a.buffer,
		Recorder:   sink,
		Network:    a.network,
		FPS:        a.fps,
		Controller: a.controller,
		Latest:     a.latest,
		Logger:     a.limited,
	})
}

// initializeWebServer wires the HTTP surface.
func (a *Application) initializeWebServer() {
	a.webServer = web.NewServer(web.Deps{
		Config:     a.config,
		ConfigPath: a.configPath,
		Ingest:     a.ingest,
		Streamer:   a.streamer,
		RTP:        a.rtp,
		Latest:     a.latest,
		Processor:  a.processor,
		Queue:      a.queue,
		Buffer:     a.buffer,
		Network:    a.network,
		FPS:        a.fps,
		Controller: a.controller,
		FrameRate:  a.frameRate,
		Enhancer:   a.enhancer,
		Recorder:   a.recorder,
		Logger:     a.limited,
	})
}

// applyConfig adopts the runtime-safe subset of a reloaded config: FPS
// targets, quality bounds and enhancer settings. Everything else requires a
// restart.
func (a *Application) applyConfig(cfg *config.Config) {
	target := float64(cfg.Stream.TargetFPS)
	minFPS := float64(cfg.Stream.MinFPS)

	var err error
	if minFPS <= a.frameRate.TargetFPS() {
		if err = a.frameRate.SetMinFPS(minFPS); err == nil {
			err = a.frameRate.SetTargetFPS(target)
		}
	} else {
		if err = a.frameRate.SetTargetFPS(target); err == nil {
			err = a.frameRate.SetMinFPS(minFPS)
		}
	}
	if err != nil {
		a.logger.Warn("Reloaded FPS settings rejected", zap.Error(err))
	} else {
		a.controller.SetTargetFPS(target)
		a.network.SetTargetFPS(cfg.Stream.TargetFPS)
	}

	a.controller.SetQualityBounds(cfg.Stream.MinQuality, cfg.Stream.MaxQuality)

	if mode, err := enhance.ParseMode(cfg.Enhance.Mode); err != nil {
		a.logger.Warn("Reloaded enhancement mode rejected", zap.Error(err))
	} else if err := a.enhancer.SetMode(mode); err != nil {
		a.logger.Warn("Reloaded enhancement mode rejected", zap.Error(err))
	}
	a.enhancer.SetEnabled(cfg.Enhance.Enabled)

	a.logger.Info("Runtime settings updated from config file",
		zap.Int("target_fps", cfg.Stream.TargetFPS),
		zap.Int("min_fps", cfg.Stream.MinFPS),
		zap.Int("min_quality", cfg.Stream.MinQuality),
		zap.Int("max_quality", cfg.Stream.MaxQuality),
		zap.Bool("enhance_enabled", cfg.Enhance.Enabled),
		zap.String("enhance_mode", cfg.Enhance.Mode))
}

// monitorStats logs a one-line pipeline summary at the configured interval.
func (a *Application) monitorStats(ctx context.Context) {
	interval := time.Duration(a.config.Logging.StatsLogInterval) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			fpsStats := a.fps.Snapshot(now)
			ingestStats := a.ingest.Stats()
			out := a.controller.Snapshot()

			recording := false
			if a.recorder != nil {
				recording = a.recorder.Active()
			}

			a.logger.Info("Pipeline stats",
				zap.Float64("fps", fpsStats.Current),
				zap.Float64("fps_1m", fpsStats.Average1m),
				zap.Uint64("admitted", ingestStats.AdmittedFrames),
				zap.Uint64("dropped", ingestStats.DroppedFrames),
				zap.Int("queue", a.queue.Len()),
				zap.Float64("buffer_util", a.buffer.Utilization()),
				zap.Int("quality", out.Quality),
				zap.Float64("compensation", out.Compensation),
				zap.String("state", string(out.State)),
				zap.Int64("viewers", a.streamer.Viewers()),
				zap.Bool("producer", ingestStats.Connected),
				zap.Bool("recording", recording))
		}
	}
}

// Stop shuts the application down: stop accepting input, drain the queue,
// then cancel the pipeline so the recorder can flush its segments.
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("Stopping application")

	if a.webServer != nil {
		if err := a.webServer.Stop(); err != nil {
			a.logger.Error("Error stopping web server", zap.Error(err))
		}
	}
	if a.ingest != nil {
		a.ingest.Close()
	}
	if a.queue != nil {
		a.queue.Close()
	}

	// Give the processor a moment to drain admitted frames into the
	// buffer and the recorder before cancellation.
	drainDeadline := time.Now().Add(2 * time.Second)
	for a.queue != nil && a.queue.Len() > 0 && time.Now().Before(drainDeadline) {
		time.Sleep(20 * time.Millisecond)
	}

	a.cancel()

	done := make(chan struct{})
	go func() {
		if a.group != nil {
			a.group.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("All components stopped gracefully")
	case <-ctx.Done():
		a.logger.Warn("Shutdown timeout reached, forcing exit")
		return ctx.Err()
	}

	return nil
}

// createLogger builds the console logger writing to stdout and a
// timestamped file under dir, pruning old files beyond keepFiles.
func createLogger(level, dir string, keepFiles int) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	ts := time.Now().Format("20060102-150405")
	logFile := filepath.Join(dir, fmt.Sprintf("smart-cctv-%s.log", ts))

	if keepFiles <= 0 {
		keepFiles = 20
	}
	files, _ := filepath.Glob(filepath.Join(dir, "smart-cctv-*.log"))
	if len(files) > keepFiles {
		sort.Strings(files) // lexicographic order matches timestamp
		for _, f := range files[:len(files)-keepFiles] {
			_ = os.Remove(f)
		}
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout", logFile},
		ErrorOutputPaths: []string{"stderr", logFile},
	}

	return cfg.Build()
}
