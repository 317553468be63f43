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

package fps

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInterval(t *testing.T) {
	require.Equal(t, time.Duration(0), Interval(0))
	require.Equal(t, time.Duration(0), Interval(-1))
	require.Equal(t, 100*time.Millisecond, Interval(10))
	require.Equal(t, time.Second/12, Interval(12))
}

func TestPacer(t *testing.T) {
	base := time.Unix(100, 0)
	newPacer := func(interval time.Duration, elapsed time.Duration) (*Pacer, *time.Duration) {
		var slept time.Duration
		p := NewPacer(interval)
		p.now = func() time.Time { return base.Add(elapsed) }
		p.sleep = func(_ context.Context, d time.Duration) { slept = d }
		return p, &slept
	}

	t.Run("underBudget", func(t *testing.T) {
		p, slept := newPacer(100*time.Millisecond, 30*time.Millisecond)
		p.Wait(context.Background(), base)
		require.Equal(t, 70*time.Millisecond, *slept)
	})
	t.Run("overBudget", func(t *testing.T) {
		p, slept := newPacer(100*time.Millisecond, 150*time.Millisecond)
		p.Wait(context.Background(), base)
		require.Equal(t, time.Duration(0), *slept)
	})
	t.Run("uncapped", func(t *testing.T) {
		p, slept := newPacer(0, 0)
		p.Wait(context.Background(), base)
		require.Equal(t, time.Duration(0), *slept)
	})
	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		p := NewPacer(time.Hour)
		done := make(chan struct{})
		go func() {
			p.Wait(ctx, time.Now())
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("wait ignored context")
		}
	})
}

func TestMeter(t *testing.T) {
	now := time.Unix(0, 0)
	m := &Meter{now: func() time.Time { return now }}
	m.Start()

	for i := 0; i < 30; i++ {
		m.Update()
	}
	now = now.Add(2 * time.Second)
	require.Equal(t, 30, m.Frames())
	require.Equal(t, 15.0, m.FPS())

	m.Stop()
	now = now.Add(2 * time.Second)
	require.Equal(t, 2*time.Second, m.Elapsed())

	m.Start()
	require.Equal(t, 0, m.Frames())
	require.Equal(t, 0.0, m.FPS())
}
