// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package framecap

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"framecap/pkg/capture"
	"framecap/pkg/consumer"
	"framecap/pkg/ffmpeg"
	"framecap/pkg/log"
	"framecap/pkg/queue"
	"framecap/pkg/recorder"
	"framecap/pkg/status"
	"framecap/pkg/storage"
	"framecap/pkg/trigger"
	"framecap/pkg/web"
	"framecap/pkg/web/auth"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"
)

// Run .
func Run() error {
	configFlag := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	if *configFlag == "" {
		flag.Usage()
		return nil
	}

	configPath, err := filepath.Abs(*configFlag)
	if err != nil {
		return fmt.Errorf("could not get absolute path of config.yaml: %w", err)
	}

	wg := &sync.WaitGroup{}
	app, err := newApp(configPath, wg, hooks)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fatal := make(chan error, 1)
	go func() { fatal <- app.Run(ctx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-fatal:
		if errors.Is(err, consumer.ErrFrameLimit) {
			app.Logger.Info().Src("app").Msg("frame limit reached, stopping")
			err = nil
		} else if err != nil {
			app.Logger.Error().Src("app").Msgf("fatal error: %v", err)
		}
	case signal := <-stop:
		app.Logger.Info().Msg("") // New line.
		app.Logger.Info().Src("app").Msgf("received %v, stopping", signal)
		cancel()
		err = <-fatal
	}

	cancel()
	wg.Wait()

	return err
}

// App is the main application struct.
type App struct {
	WG     *sync.WaitGroup
	Logger *log.Logger
	Config storage.Config

	logDB    *log.DB
	redis    *redis.Client
	queue    *queue.Queue
	buffer   *recorder.Buffer
	events   *trigger.Events
	triggers trigger.Any
	Storage  *storage.Manager
	system   *status.System
	Auth     *auth.Authenticator
	Mux      *http.ServeMux
	hooks    *hookList

	ffmpeg    *ffmpeg.FFMPEG
	newSource func(context.Context) (capture.Source, error)

	// Current capture session.
	mu      sync.Mutex
	driver  *capture.Driver
	loop    *consumer.Loop
	started time.Time
}

func newApp(configPath string, wg *sync.WaitGroup, hooks *hookList) (*App, error) { //nolint:funlen
	configYAML, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("could not read config.yaml: %w", err)
	}

	config, err := storage.NewConfig(configPath, configYAML)
	if err != nil {
		return nil, fmt.Errorf("could not get config: %w", err)
	}
	hooks.config(&config)

	camName := config.Camera.Name

	// Logs.
	logger := log.NewLogger(wg)
	logDB := log.NewDB(config.LogDBPath(), wg)

	// Queue.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Address,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	q := queue.New(redisClient, queue.Config{
		Namespace:  config.Redis.Namespace,
		CamName:    camName,
		Capacity:   config.QueueCapacity(),
		AtomicTrim: config.Redis.AtomicTrim,
	})

	// Recorder.
	ff := ffmpeg.New(config.FFmpegBin)
	newEncoder := func(ctx context.Context, path string) (recorder.Encoder, error) {
		logf := func(msg string) {
			logger.Error().Src("recorder").Camera(camName).Msgf("encoder: %v", msg)
		}
		c := ffmpeg.EncoderConfig{
			Path:   path,
			Width:  config.Camera.Width,
			Height: config.Camera.Height,
			FPS:    config.Record.FPS,
			Codec:  config.Record.VCodec,
		}
		e, err := ff.NewEncoder(ctx, c, logf)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	buffer := recorder.NewBuffer(recorder.Config{
		CamName:          camName,
		Dir:              config.Record.Dir,
		FileExt:          config.Record.FileExt,
		FPS:              config.Record.FPS,
		BufferSeconds:    config.Record.BufferSeconds,
		WatchdogInterval: config.Record.WatchdogInterval,
	}, newEncoder, logger)

	// Triggers.
	events := trigger.NewEvents()
	triggers := trigger.Any{
		trigger.FrameWindow{
			Start: config.Record.FrameWindow.Start,
			End:   config.Record.FrameWindow.End,
		},
		events,
	}

	// Storage.
	storageManager := storage.NewManager(config.Record.Dir, config.Storage.MaxDiskUsage, logger)
	system := status.NewSystem(storageManager.DiskUsage, config.Storage.Dir, logger)

	// Authentication.
	a := auth.NewAuthenticator(config.Web.Username, config.Web.PasswordHash, logger)

	app := &App{
		WG:       wg,
		Logger:   logger,
		Config:   config,
		logDB:    logDB,
		redis:    redisClient,
		queue:    q,
		buffer:   buffer,
		events:   events,
		triggers: triggers,
		Storage:  storageManager,
		system:   system,
		Auth:     a,
		hooks:    hooks,
		ffmpeg:   ff,
	}
	app.newSource = func(ctx context.Context) (capture.Source, error) {
		return newSource(ctx, config, ff, logger)
	}

	// Routes.
	mux := http.NewServeMux()

	mux.Handle("/api/status", a.User(web.Status(app.statusJSON)))
	mux.Handle("/api/recording/trigger", a.User(web.RecordingTrigger(events, logger)))
	mux.Handle("/api/recordings", a.User(web.Recordings(storageManager, camName, logger)))
	mux.Handle("/api/log/feed", a.User(web.LogFeed(logger, a)))
	mux.Handle("/api/log/query", a.User(web.LogQuery(logDB)))

	hooks.mux(mux)
	app.Mux = mux

	return app, nil
}

func newSource(
	ctx context.Context,
	config storage.Config,
	ff *ffmpeg.FFMPEG,
	logger *log.Logger,
) (capture.Source, error) {
	if config.Camera.Backend == storage.BackendGocv {
		return capture.NewGocvSource(config.Camera.Src)
	}

	logf := func(msg string) {
		logger.Error().Src("capture").Camera(config.Camera.Name).Msgf("decoder: %v", msg)
	}
	d, err := ff.NewDecoder(ctx, config.Camera.Src, logf)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Run starts the logger and runs the application until the
// context is canceled or a worker returns an error.
func (app *App) Run(ctx context.Context) error {
	app.Logger.Start(ctx)
	app.hooks.log(app.Logger)

	app.WG.Add(1)
	go func() {
		defer app.WG.Done()
		app.Logger.LogToStdout(ctx, app.Config.Verbose)
	}()

	for _, dir := range []string{app.Config.Storage.Dir, app.Config.Record.Dir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("could not create directory: %w", err)
		}
	}

	if err := app.logDB.Init(ctx); err != nil {
		// Continue even if log database is corrupt.
		app.Logger.Error().Src("app").Msgf("could not initialize log database: %v", err)
	} else {
		app.WG.Add(1)
		go func() {
			defer app.WG.Done()
			app.logDB.SaveLogs(ctx, app.Logger)
		}()
	}

	if err := app.hooks.appRun(ctx, app); err != nil {
		return err
	}

	app.Logger.Info().Src("app").Msg("starting..")
	defer app.redis.Close()

	if err := app.queue.Ping(ctx); err != nil {
		return err
	}
	// Frames left by a previous run are stale.
	if err := app.queue.Clear(ctx); err != nil {
		return err
	}

	server := &http.Server{Addr: app.Config.Web.Address, Handler: app.Mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.Logger.Info().Src("app").Msgf("serving api on %v", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx2)
	})
	g.Go(func() error {
		app.system.StatusLoop(gctx)
		return nil
	})
	g.Go(func() error {
		app.Storage.PurgeLoop(gctx, 10*time.Minute)
		return nil
	})
	g.Go(func() error {
		return app.runSessions(gctx)
	})

	return g.Wait()
}

// runSessions runs capture sessions, restarting
// failed ones, until the context is canceled.
func (app *App) runSessions(ctx context.Context) error {
	camName := app.Config.Camera.Name

	recCtx, recCancel := context.WithCancel(context.Background())
	defer recCancel()
	dispatcher := NewDispatcher(
		recCtx,
		app.buffer,
		app.triggers,
		app.Config.Record.Enable,
		camName,
		app.Logger,
	)
	defer func() {
		if err := dispatcher.Close(); err != nil {
			app.Logger.Error().Src("recorder").Camera(camName).
				Msgf("could not stop recording: %v", err)
		}
	}()

	for {
		if err := app.runSession(ctx, dispatcher); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		app.Logger.Warn().Src("app").Camera(camName).
			Msgf("capture session ended, restarting in %v", app.Config.RestartDelay)

		select {
		case <-time.After(app.Config.RestartDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

// runSession runs one capture session. A nil error means the
// session ended on its own or the context was canceled.
func (app *App) runSession(ctx context.Context, handler consumer.Handler) error {
	camName := app.Config.Camera.Name

	source, err := app.newSource(ctx)
	if err != nil {
		if errors.Is(err, capture.ErrBackendUnavailable) {
			return err
		}
		app.Logger.Error().Src("capture").Camera(camName).
			Msgf("could not open source: %v", err)
		return nil
	}

	driver := capture.NewDriver(source, app.queue, capture.Config{
		CamName: camName,
		Width:   app.Config.Camera.Width,
		Height:  app.Config.Camera.Height,
		FPS:     app.Config.Camera.FPSReading,
	}, app.Logger)

	loop := consumer.NewLoop(app.queue, driver, handler, consumer.Config{
		CamName:   camName,
		FPS:       app.Config.Analysis.FPS,
		MaxFrames: app.Config.Analysis.MaxFrames,
	}, app.Logger)

	if err := driver.Start(ctx); err != nil {
		source.Close()
		return err
	}
	defer driver.Stop()

	app.mu.Lock()
	app.driver = driver
	app.loop = loop
	app.started = time.Now()
	app.mu.Unlock()

	app.Logger.Info().Src("app").Camera(camName).Msg("capture started, filling buffer")
	if err := loop.WaitOnBuffer(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	if err := loop.Run(ctx); err != nil {
		return err
	}
	captureErr := driver.Err()
	if errors.Is(captureErr, queue.ErrUnavailable) {
		return captureErr
	}
	if captureErr != nil {
		app.Logger.Error().Src("capture").Camera(camName).Msgf("%v", captureErr)
	}
	return nil
}

// Status application status.
type Status struct {
	Capture       string        `json:"capture"`
	CaptureError  string        `json:"captureError,omitempty"`
	Frames        int           `json:"frames"`
	Uptime        string        `json:"uptime"`
	QueueSize     int           `json:"queueSize"`
	QueueCapacity int           `json:"queueCapacity"`
	FrameID       uint64        `json:"frameId"`
	FPS           float64       `json:"fps"`
	Recording     recorder.Info `json:"recording"`
	RecordingEnd  *time.Time    `json:"recordingEnd,omitempty"`
	System        status.Status `json:"system"`
}

// Status returns the current application status.
func (app *App) Status(ctx context.Context) Status {
	s := Status{
		Capture:       capture.StatusIdle.String(),
		QueueCapacity: app.queue.Capacity(),
		Recording:     app.buffer.Info(),
		System:        app.system.Status(),
	}

	app.mu.Lock()
	driver, loop, started := app.driver, app.loop, app.started
	app.mu.Unlock()

	if driver != nil {
		s.Capture = driver.Status().String()
		if err := driver.Err(); err != nil {
			s.CaptureError = err.Error()
		}
		s.Frames = driver.Frames()
		s.Uptime = time.Since(started).Round(time.Second).String()
	}
	if loop != nil {
		s.FrameID = loop.FrameID()
		s.FPS = loop.FPS()
	}
	if size, err := app.queue.Size(ctx); err == nil {
		s.QueueSize = size
	}
	if end := app.events.End(); time.Now().Before(end) {
		s.RecordingEnd = &end
	}
	return s
}

func (app *App) statusJSON() interface{} {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return app.Status(ctx)
}
