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

package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"framecap/pkg/fps"
	"framecap/pkg/frame"
	"framecap/pkg/log"
)

// FailureThreshold consecutive read failures tolerated before the driver fails.
const FailureThreshold = 10

// Capture errors.
var (
	ErrSourceRead         = errors.New("source read failed")
	ErrCaptureFailed      = errors.New("capture failed")
	ErrBackendUnavailable = errors.New("capture backend unavailable")
	ErrAlreadyStarted     = errors.New("capture driver already started")
)

// Source produces decoded frames.
type Source interface {
	Read(ctx context.Context) (frame.Frame, error)
	Close() error
}

// Pusher stores encoded frames.
type Pusher interface {
	Push(ctx context.Context, blob []byte) error
}

// Status capture driver status.
type Status int

// Driver states.
const (
	StatusIdle Status = iota
	StatusRunning
	StatusFailed
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusFailed:
		return "failed"
	case StatusStopped:
		return "stopped"
	}
	return "unknown"
}

// Config capture driver config.
type Config struct {
	CamName string

	// Frames are resized to this resolution if both are set.
	Width  int
	Height int

	// Read rate, 0 reads as fast as the source allows.
	FPS int
}

// Driver reads frames from a source and pushes them to a queue.
type Driver struct {
	source Source
	queue  Pusher
	config Config
	pacer  *fps.Pacer
	logger *log.Logger

	mu      sync.Mutex
	status  Status
	err     error
	frames  int
	started bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDriver returns an idle driver.
func NewDriver(source Source, queue Pusher, c Config, logger *log.Logger) *Driver {
	return &Driver{
		source: source,
		queue:  queue,
		config: c,
		pacer:  fps.NewPacer(fps.Interval(c.FPS)),
		logger: logger,
		status: StatusIdle,
	}
}

// Start starts the capture goroutine.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrAlreadyStarted
	}
	d.started = true
	d.status = StatusRunning

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		d.run(ctx)
	}()
	return nil
}

func (d *Driver) run(ctx context.Context) {
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		tic := time.Now()

		err := d.readAndPush(ctx)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err == nil:
			failures = 0
			d.pacer.Wait(ctx, tic)

		case errors.Is(err, ErrSourceRead):
			failures++
			d.logger.Debug().Src("capture").Camera(d.config.CamName).
				Msgf("read failure %v/%v: %v", failures, FailureThreshold, err)
			if failures > FailureThreshold {
				d.fail(fmt.Errorf("%w: %d consecutive read failures: %v",
					ErrCaptureFailed, failures, err))
				return
			}

		default:
			d.fail(err)
			return
		}
	}
}

func (d *Driver) readAndPush(ctx context.Context) error {
	f, err := d.source.Read(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceRead, err)
	}
	if d.config.Width != 0 && d.config.Height != 0 {
		f = frame.Resize(f, d.config.Width, d.config.Height)
	}

	blob, err := frame.Encode(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceRead, err)
	}

	if err := d.queue.Push(ctx, blob); err != nil {
		return fmt.Errorf("push frame: %w", err)
	}

	d.mu.Lock()
	d.frames++
	d.mu.Unlock()
	return nil
}

func (d *Driver) fail(err error) {
	d.mu.Lock()
	d.status = StatusFailed
	d.err = err
	d.mu.Unlock()

	d.logger.Error().Src("capture").Camera(d.config.CamName).Msgf("%v", err)
}

// Stop stops the capture goroutine, waits for it to exit and closes
// the source. A failed driver stays failed. Panics if never started.
func (d *Driver) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		panic("capture: Stop called on a driver that was never started")
	}
	d.mu.Unlock()

	d.cancel()
	<-d.done

	d.mu.Lock()
	if d.status == StatusRunning {
		d.status = StatusStopped
	}
	d.mu.Unlock()

	if err := d.source.Close(); err != nil {
		d.logger.Error().Src("capture").Camera(d.config.CamName).
			Msgf("close source: %v", err)
	}
}

// Status returns the driver status.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Failed returns true if the driver gave up.
func (d *Driver) Failed() bool {
	return d.Status() == StatusFailed
}

// Err returns the error that caused the failure.
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Frames returns the number of frames pushed.
func (d *Driver) Frames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}
