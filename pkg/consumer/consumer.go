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

package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"framecap/pkg/fps"
	"framecap/pkg/frame"
	"framecap/pkg/log"
)

// PopTimeout how long each iteration waits for a frame.
const PopTimeout = 1 * time.Second

// reportInterval frames between throughput reports.
const reportInterval = 100

// ErrFrameLimit the configured number of frames has been handled.
var ErrFrameLimit = errors.New("frame limit reached")

// Queue frame source of the loop.
type Queue interface {
	Pop(ctx context.Context, timeout time.Duration) ([]byte, error)
	Size(ctx context.Context) (int, error)
	Capacity() int
}

// Capture reports whether the producer gave up.
type Capture interface {
	Failed() bool
}

// Handler receives every decoded frame with its id.
type Handler interface {
	HandleFrame(ctx context.Context, id uint64, f frame.Frame) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, id uint64, f frame.Frame) error

// HandleFrame calls h.
func (h HandlerFunc) HandleFrame(ctx context.Context, id uint64, f frame.Frame) error {
	return h(ctx, id, f)
}

// Config consumer config.
type Config struct {
	CamName string

	// Processing rate.
	FPS int

	// Run returns ErrFrameLimit after this many frames, 0 is unlimited.
	MaxFrames uint64
}

// Loop pops frames from the queue and hands them to the handler.
type Loop struct {
	queue   Queue
	capture Capture
	handler Handler
	config  Config
	logger  *log.Logger

	pacer *fps.Pacer
	meter *fps.Meter

	frameID uint64
}

// NewLoop returns a loop. Frame ids start at 1.
func NewLoop(queue Queue, capture Capture, handler Handler, c Config, logger *log.Logger) *Loop {
	return &Loop{
		queue:   queue,
		capture: capture,
		handler: handler,
		config:  c,
		logger:  logger,
		pacer:   fps.NewPacer(fps.Interval(c.FPS)),
		meter:   fps.NewMeter(),
	}
}

// FrameID returns the id of the last handled frame.
func (l *Loop) FrameID() uint64 {
	return atomic.LoadUint64(&l.frameID)
}

// FPS returns the measured processing rate.
func (l *Loop) FPS() float64 {
	return l.meter.FPS()
}

// WaitOnBuffer blocks until the queue is full or the capture has failed.
func (l *Loop) WaitOnBuffer(ctx context.Context) error {
	interval := fps.Interval(4 * l.config.FPS)
	if interval == 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if l.capture.Failed() {
			return nil
		}
		size, err := l.queue.Size(ctx)
		if err != nil {
			return fmt.Errorf("queue size: %w", err)
		}
		if size >= l.queue.Capacity() {
			l.logger.Debug().Src("consumer").Camera(l.config.CamName).
				Msgf("buffer filled with %v frames", size)
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run handles frames until the capture has failed and the queue is
// drained, the context is canceled or the frame limit is reached.
func (l *Loop) Run(ctx context.Context) error {
	l.meter.Start()
	defer l.meter.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		tic := time.Now()

		if l.capture.Failed() {
			size, err := l.queue.Size(ctx)
			if err != nil {
				return fmt.Errorf("queue size: %w", err)
			}
			if size == 0 {
				l.logger.Info().Src("consumer").Camera(l.config.CamName).
					Msg("capture failed and queue is drained")
				return nil
			}
		}

		blob, err := l.queue.Pop(ctx, PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pop frame: %w", err)
		}

		if err := l.handle(ctx, blob); err != nil {
			return err
		}

		l.pacer.Wait(ctx, tic)
	}
}

func (l *Loop) handle(ctx context.Context, blob []byte) error {
	if blob == nil {
		return nil
	}
	f, ok, err := frame.Decode(blob)
	if err != nil {
		l.logger.Warn().Src("consumer").Camera(l.config.CamName).
			Msgf("dropping frame: %v", err)
		return nil
	}
	if !ok {
		return nil
	}

	id := atomic.AddUint64(&l.frameID, 1)
	l.meter.Update()
	if id%reportInterval == 0 {
		l.logger.Debug().Src("consumer").Camera(l.config.CamName).
			Msgf("frame %v, %.1f fps", id, l.meter.FPS())
	}

	if err := l.handler.HandleFrame(ctx, id, f); err != nil {
		l.logger.Error().Src("consumer").Camera(l.config.CamName).
			Msgf("handle frame %v: %v", id, err)
	}

	if l.config.MaxFrames != 0 && id >= l.config.MaxFrames {
		return ErrFrameLimit
	}
	return nil
}
