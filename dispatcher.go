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
	"fmt"
	"time"

	"framecap/pkg/frame"
	"framecap/pkg/log"
	"framecap/pkg/trigger"
)

// Recorder pre-roll recording buffer.
type Recorder interface {
	Update(frame.Frame)
	Start(ctx context.Context, t time.Time, name string) (string, error)
	Stop() error
	Recording() bool
	Failed() bool
}

// Dispatcher feeds consumed frames to the recorder and starts
// or stops recordings as the trigger changes state.
type Dispatcher struct {
	// Encoders outlive the frame that started them.
	ctx context.Context

	recorder Recorder
	trigger  trigger.Trigger
	enable   bool
	camName  string
	logger   *log.Logger

	now func() time.Time
}

// NewDispatcher returns a dispatcher. Encoders are started with ctx.
func NewDispatcher(
	ctx context.Context,
	recorder Recorder,
	t trigger.Trigger,
	enable bool,
	camName string,
	logger *log.Logger,
) *Dispatcher {
	return &Dispatcher{
		ctx:      ctx,
		recorder: recorder,
		trigger:  t,
		enable:   enable,
		camName:  camName,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleFrame implements consumer.Handler.
func (d *Dispatcher) HandleFrame(_ context.Context, id uint64, f frame.Frame) error {
	if !d.enable {
		return nil
	}
	d.recorder.Update(f)

	if d.recorder.Failed() {
		if err := d.recorder.Stop(); err != nil {
			d.logger.Error().Src("recorder").Camera(d.camName).
				Msgf("recording aborted: %v", err)
		}
	}

	name, active := d.activeTrigger(id)
	recording := d.recorder.Recording()

	switch {
	case active && !recording:
		if _, err := d.recorder.Start(d.ctx, f.Time, name); err != nil {
			return fmt.Errorf("start recording: %w", err)
		}
	case !active && recording:
		if err := d.recorder.Stop(); err != nil {
			return fmt.Errorf("stop recording: %w", err)
		}
	}
	return nil
}

func (d *Dispatcher) activeTrigger(id uint64) (string, bool) {
	now := d.now()
	if anyOf, ok := d.trigger.(trigger.Any); ok {
		t, active := anyOf.First(id, now)
		if !active {
			return "", false
		}
		return t.Name(), true
	}
	return d.trigger.Name(), d.trigger.Active(id, now)
}

// Close stops the active recording.
func (d *Dispatcher) Close() error {
	if !d.enable {
		return nil
	}
	return d.recorder.Stop()
}
