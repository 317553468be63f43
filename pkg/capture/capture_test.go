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
	"sync"
	"testing"
	"time"

	"framecap/pkg/frame"
	"framecap/pkg/log"

	"github.com/stretchr/testify/require"
)

var errRead = errors.New("read")

// Reads the scripted results in order, then blocks or repeats forever.
type fakeSource struct {
	results  []error
	infinite bool

	mu       sync.Mutex
	reads    int
	closed   bool
	readLate bool
}

func (s *fakeSource) Read(ctx context.Context) (frame.Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.readLate = true
	}
	i := s.reads
	s.reads++
	s.mu.Unlock()

	if i >= len(s.results) {
		if !s.infinite {
			<-ctx.Done()
			return frame.Frame{}, ctx.Err()
		}
		return newFrame(4, 2), nil
	}
	if err := s.results[i]; err != nil {
		return frame.Frame{}, err
	}
	return newFrame(4, 2), nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func newFrame(width, height int) frame.Frame {
	pix := make([]byte, frame.Size(width, height))
	f, err := frame.New(time.Now(), width, height, pix)
	if err != nil {
		panic(err)
	}
	return f
}

type fakeQueue struct {
	err error

	mu    sync.Mutex
	blobs [][]byte
}

func (q *fakeQueue) Push(_ context.Context, blob []byte) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.blobs = append(q.blobs, blob)
	return nil
}

func (q *fakeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.blobs)
}

func repeat(err error, n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = err
	}
	return errs
}

func newTestDriver(t *testing.T, source Source, queue Pusher, c Config) *Driver {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := log.NewMockLogger()
	logger.Start(ctx)

	d := NewDriver(source, queue, c, logger)
	require.NoError(t, d.Start(ctx))
	return d
}

func waitForStatus(t *testing.T, d *Driver, s Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return d.Status() == s
	}, 2*time.Second, time.Millisecond)
}

func TestDriver(t *testing.T) {
	t.Run("failureThreshold", func(t *testing.T) {
		source := &fakeSource{results: repeat(errRead, FailureThreshold+1)}
		queue := &fakeQueue{}
		d := newTestDriver(t, source, queue, Config{})

		waitForStatus(t, d, StatusFailed)
		require.True(t, d.Failed())
		require.ErrorIs(t, d.Err(), ErrCaptureFailed)
		require.Equal(t, 0, queue.Len())
		require.Equal(t, FailureThreshold+1, source.Reads())

		d.Stop()
		require.Equal(t, StatusFailed, d.Status())
	})
	t.Run("successResetsCounter", func(t *testing.T) {
		results := repeat(errRead, FailureThreshold)
		results = append(results, nil)
		results = append(results, repeat(errRead, FailureThreshold)...)

		source := &fakeSource{results: results}
		queue := &fakeQueue{}
		d := newTestDriver(t, source, queue, Config{})

		require.Eventually(t, func() bool {
			return source.Reads() > len(results)
		}, 2*time.Second, time.Millisecond)

		require.False(t, d.Failed())
		require.Equal(t, StatusRunning, d.Status())
		require.Equal(t, 1, d.Frames())
		require.Equal(t, 1, queue.Len())

		d.Stop()
		require.Equal(t, StatusStopped, d.Status())
	})
	t.Run("pushErr", func(t *testing.T) {
		errPush := errors.New("push")
		source := &fakeSource{infinite: true}
		d := newTestDriver(t, source, &fakeQueue{err: errPush}, Config{})

		waitForStatus(t, d, StatusFailed)
		require.ErrorIs(t, d.Err(), errPush)
		require.Equal(t, 0, d.Frames())
		d.Stop()
	})
	t.Run("resize", func(t *testing.T) {
		source := &fakeSource{results: []error{nil}}
		queue := &fakeQueue{}
		d := newTestDriver(t, source, queue, Config{Width: 2, Height: 1})

		require.Eventually(t, func() bool {
			return queue.Len() == 1
		}, 2*time.Second, time.Millisecond)
		d.Stop()

		f, ok, err := frame.Decode(queue.blobs[0])
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 2, f.Width)
		require.Equal(t, 1, f.Height)
	})
	t.Run("paced", func(t *testing.T) {
		source := &fakeSource{infinite: true}
		queue := &fakeQueue{}
		d := newTestDriver(t, source, queue, Config{FPS: 10})

		time.Sleep(150 * time.Millisecond)
		d.Stop()
		require.LessOrEqual(t, queue.Len(), 3)
		require.GreaterOrEqual(t, queue.Len(), 1)
	})
	t.Run("stopClosesSourceAfterLoop", func(t *testing.T) {
		source := &fakeSource{infinite: true}
		d := newTestDriver(t, source, &fakeQueue{}, Config{})

		time.Sleep(10 * time.Millisecond)
		d.Stop()

		require.True(t, source.closed)
		require.False(t, source.readLate)
		require.Equal(t, StatusStopped, d.Status())
	})
	t.Run("startTwice", func(t *testing.T) {
		d := newTestDriver(t, &fakeSource{}, &fakeQueue{}, Config{})
		require.ErrorIs(t, d.Start(context.Background()), ErrAlreadyStarted)
		d.Stop()
	})
	t.Run("stopNeverStarted", func(t *testing.T) {
		d := NewDriver(&fakeSource{}, &fakeQueue{}, Config{}, log.NewMockLogger())
		require.Equal(t, StatusIdle, d.Status())
		require.Panics(t, d.Stop)
	})
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "idle", StatusIdle.String())
	require.Equal(t, "running", StatusRunning.String())
	require.Equal(t, "failed", StatusFailed.String())
	require.Equal(t, "stopped", StatusStopped.String())
}

func TestGocvStub(t *testing.T) {
	if GocvAvailable {
		t.Skip("built with gocv")
	}
	_, err := NewGocvSource("file.mp4")
	require.ErrorIs(t, err, ErrBackendUnavailable)
}
