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

// Package trigger decides when the recorder should be running.
package trigger

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Trigger reports whether a recording should be active.
type Trigger interface {
	Active(frameID uint64, now time.Time) bool
	Name() string
}

// FrameWindow is active while Start <= frameID <= End.
type FrameWindow struct {
	Start uint64
	End   uint64
}

// Active implements Trigger.
func (w FrameWindow) Active(frameID uint64, _ time.Time) bool {
	return w.End != 0 && frameID >= w.Start && frameID <= w.End
}

// Name implements Trigger.
func (w FrameWindow) Name() string {
	return "window"
}

// Event timed recording request.
type Event struct {
	Time     time.Time
	Duration time.Duration
	Name     string
}

// ErrInvalidEvent event is missing a name or a duration.
var ErrInvalidEvent = errors.New("invalid event")

// Validate event.
func (e Event) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("%w: name missing", ErrInvalidEvent)
	}
	if e.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive: %v", ErrInvalidEvent, e.Duration)
	}
	return nil
}

// Events is active until the end of the latest event.
// The end time is only ever moved forward.
type Events struct {
	mu   sync.Mutex
	end  time.Time
	name string
}

// NewEvents returns an inactive trigger.
func NewEvents() *Events {
	return &Events{}
}

// Add event.
func (e *Events) Add(event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	end := event.Time.Add(event.Duration)
	if end.After(e.end) {
		e.end = end
		e.name = event.Name
	}
	return nil
}

// End returns the time the trigger becomes inactive.
func (e *Events) End() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.end
}

// Active implements Trigger.
func (e *Events) Active(_ uint64, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.Before(e.end)
}

// Name returns the name of the event that set the current end time.
func (e *Events) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.name == "" {
		return "event"
	}
	return e.name
}

// Any is active if any of its triggers are.
type Any []Trigger

// Active implements Trigger.
func (a Any) Active(frameID uint64, now time.Time) bool {
	_, ok := a.First(frameID, now)
	return ok
}

// First returns the first active trigger.
func (a Any) First(frameID uint64, now time.Time) (Trigger, bool) {
	for _, t := range a {
		if t.Active(frameID, now) {
			return t, true
		}
	}
	return nil, false
}

// Name implements Trigger.
func (a Any) Name() string {
	return "any"
}
