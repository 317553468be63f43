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

// Package fps paces loops to a target rate and measures throughput.
package fps

import (
	"context"
	"sync"
	"time"
)

// Interval returns the per iteration budget for a rate, 0 means uncapped.
func Interval(fps int) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Second / time.Duration(fps)
}

// Pacer sleeps the remainder of a fixed time budget per iteration.
type Pacer struct {
	interval time.Duration
	now      func() time.Time
	sleep    func(context.Context, time.Duration)
}

// NewPacer returns a pacer for the given interval. A zero interval never sleeps.
func NewPacer(interval time.Duration) *Pacer {
	return &Pacer{
		interval: interval,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Interval returns the pacing interval.
func (p *Pacer) Interval() time.Duration {
	return p.interval
}

// Remaining returns how long to sleep for an iteration started at tic.
func (p *Pacer) Remaining(tic time.Time) time.Duration {
	if p.interval <= 0 {
		return 0
	}
	elapsed := p.now().Sub(tic)
	if elapsed >= p.interval {
		return 0
	}
	return p.interval - elapsed
}

// Wait sleeps until the iteration budget started at tic is used up
// or the context is canceled. Never sleeps if over budget.
func (p *Pacer) Wait(ctx context.Context, tic time.Time) {
	if d := p.Remaining(tic); d > 0 {
		p.sleep(ctx, d)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Meter counts frames between Start and Stop.
type Meter struct {
	start  time.Time
	end    time.Time
	frames int
	now    func() time.Time

	mu sync.Mutex
}

// NewMeter returns a meter started now.
func NewMeter() *Meter {
	m := &Meter{now: time.Now}
	m.Start()
	return m
}

// Start resets the meter.
func (m *Meter) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.start = m.now()
	m.end = time.Time{}
	m.frames = 0
}

// Stop freezes the elapsed time.
func (m *Meter) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.end = m.now()
}

// Update counts one frame.
func (m *Meter) Update() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames++
}

// Frames returns the number of counted frames.
func (m *Meter) Frames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

// Elapsed returns the time since Start, or until Stop if stopped.
func (m *Meter) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.elapsed()
}

func (m *Meter) elapsed() time.Duration {
	if !m.end.IsZero() {
		return m.end.Sub(m.start)
	}
	return m.now().Sub(m.start)
}

// FPS returns the approximate frames per second.
func (m *Meter) FPS() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed := m.elapsed().Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.frames) / elapsed
}
