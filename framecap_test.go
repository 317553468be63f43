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
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"framecap/pkg/capture"
	"framecap/pkg/consumer"
	"framecap/pkg/ffmpeg/ffmock"
	"framecap/pkg/frame"
	"framecap/pkg/queue"
	"framecap/pkg/recorder"
	"framecap/pkg/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

const testConfig = `
camera:
  name: cam1
  src: rtsp://x
  width: 4
  height: 2
  fpsReading: 100
analysis:
  fps: 20
  bufferSeconds: 1
  maxFrames: 6
redis:
  address: REDIS
record:
  enable: true
  fps: 20
  bufferSeconds: 1
  frameWindow:
    start: 1
    end: 3
web:
  address: 127.0.0.1:0
`

func newTestApp(t *testing.T, redisAddr string, hooks *hookList) *App {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	config := strings.ReplaceAll(testConfig, "REDIS", redisAddr)
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0o600))

	app, err := newApp(configPath, &sync.WaitGroup{}, hooks)
	require.NoError(t, err)
	return app
}

type fakeSource struct {
	n int
}

func (s *fakeSource) Read(context.Context) (frame.Frame, error) {
	s.n++
	pix := make([]byte, frame.Size(4, 2))
	pix[0] = byte(s.n)
	return frame.New(time.Now(), 4, 2, pix)
}

func (s *fakeSource) Close() error { return nil }

type fakeEncoder struct {
	mu     *sync.Mutex
	frames *[]frame.Frame
}

func (e fakeEncoder) WriteFrame(f frame.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	*e.frames = append(*e.frames, f)
	return nil
}

func (e fakeEncoder) Close() error { return nil }

func TestApp(t *testing.T) {
	t.Run("frameLimit", func(t *testing.T) {
		mr := miniredis.RunT(t)
		app := newTestApp(t, mr.Addr(), &hookList{})

		app.newSource = func(context.Context) (capture.Source, error) {
			return &fakeSource{}, nil
		}
		mu := &sync.Mutex{}
		var written []frame.Frame
		newEncoder := func(context.Context, string) (recorder.Encoder, error) {
			return fakeEncoder{mu: mu, frames: &written}, nil
		}
		app.buffer = recorder.NewBuffer(recorder.Config{
			CamName:       "cam1",
			Dir:           app.Config.Record.Dir,
			FileExt:       "mp4",
			FPS:           app.Config.Record.FPS,
			BufferSeconds: app.Config.Record.BufferSeconds,
		}, newEncoder, app.Logger)

		ctx, cancel := context.WithCancel(context.Background())
		defer func() {
			cancel()
			app.WG.Wait()
		}()

		err := app.Run(ctx)
		require.ErrorIs(t, err, consumer.ErrFrameLimit)

		// Pre-roll frame 1, then frames 2 to 4.
		mu.Lock()
		require.Len(t, written, 4)
		for i := 1; i < len(written); i++ {
			require.False(t, written[i].Time.Before(written[i-1].Time))
		}
		mu.Unlock()

		recordings, err := app.Storage.Recordings("cam1", 10)
		require.NoError(t, err)
		require.Len(t, recordings, 1)
		require.True(t, strings.HasPrefix(filepath.Base(recordings[0].Path), "window-"))

		var data recorder.RecordingData
		require.NoError(t, json.Unmarshal(recordings[0].Data, &data))
		require.Equal(t, 4, data.Frames)
		require.Equal(t, "window", data.Name)

		status := app.Status(context.Background())
		require.Equal(t, uint64(6), status.FrameID)
		require.Equal(t, 20, status.QueueCapacity)
		require.False(t, status.Recording.Recording)
	})
	t.Run("queueUnavailable", func(t *testing.T) {
		// Nothing listens on a closed listener's address.
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := l.Addr().String()
		require.NoError(t, l.Close())
		app := newTestApp(t, addr, &hookList{})

		ctx, cancel := context.WithCancel(context.Background())
		defer func() {
			cancel()
			app.WG.Wait()
		}()

		err = app.Run(ctx)
		require.ErrorIs(t, err, queue.ErrUnavailable)
	})
	t.Run("appRunHookErr", func(t *testing.T) {
		mr := miniredis.RunT(t)
		errHook := errors.New("mock")
		h := &hookList{}
		h.onAppRun = append(h.onAppRun, func(context.Context, *App) error {
			return errHook
		})
		app := newTestApp(t, mr.Addr(), h)

		ctx, cancel := context.WithCancel(context.Background())
		defer func() {
			cancel()
			app.WG.Wait()
		}()

		require.ErrorIs(t, app.Run(ctx), errHook)
	})
	t.Run("backendUnavailable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		app := newTestApp(t, mr.Addr(), &hookList{})
		app.newSource = func(context.Context) (capture.Source, error) {
			return nil, capture.ErrBackendUnavailable
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer func() {
			cancel()
			app.WG.Wait()
		}()

		require.ErrorIs(t, app.Run(ctx), capture.ErrBackendUnavailable)
	})
	t.Run("restartAfterSourceErr", func(t *testing.T) {
		mr := miniredis.RunT(t)
		app := newTestApp(t, mr.Addr(), &hookList{})
		app.Config.RestartDelay = time.Millisecond
		app.Config.Record.Enable = false

		mu := sync.Mutex{}
		attempts := 0
		app.newSource = func(context.Context) (capture.Source, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return nil, errors.New("mock")
			}
			return &fakeSource{}, nil
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer func() {
			cancel()
			app.WG.Wait()
		}()

		require.ErrorIs(t, app.Run(ctx), consumer.ErrFrameLimit)
		mu.Lock()
		require.Equal(t, 3, attempts)
		mu.Unlock()
	})
}

type storeFailSource struct {
	fakeSource
	failAt int
	mr     *miniredis.Miniredis
}

func (s *storeFailSource) Read(ctx context.Context) (frame.Frame, error) {
	f, err := s.fakeSource.Read(ctx)
	if s.n == s.failAt {
		s.mr.SetError("ERR down")
	}
	return f, err
}

func TestAppStoreFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	app := newTestApp(t, mr.Addr(), &hookList{})
	app.Config.RestartDelay = time.Millisecond
	app.Config.Record.Enable = false

	app.newSource = func(context.Context) (capture.Source, error) {
		return &storeFailSource{failAt: 3, mr: mr}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		app.WG.Wait()
	}()

	// The store recovers once the capture has failed, the
	// session must not be restarted.
	go func() {
		for ctx.Err() == nil {
			app.mu.Lock()
			d := app.driver
			app.mu.Unlock()
			if d != nil && d.Failed() {
				mr.SetError("")
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	err := app.Run(ctx)
	require.ErrorIs(t, err, queue.ErrUnavailable)
}

func TestAppFFmpegEncoder(t *testing.T) {
	mr := miniredis.RunT(t)
	app := newTestApp(t, mr.Addr(), &hookList{})

	received := make(chan int64, 1)
	app.ffmpeg.NewProcess = ffmock.NewProcessMocker(ffmock.MockProcessConfig{
		OnStart: func(cmd *exec.Cmd) {
			n, _ := io.Copy(io.Discard, cmd.Stdin)
			received <- n
		},
	})
	app.newSource = func(context.Context) (capture.Source, error) {
		return &fakeSource{}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		app.WG.Wait()
	}()

	require.ErrorIs(t, app.Run(ctx), consumer.ErrFrameLimit)
	require.Equal(t, int64(4*frame.Size(4, 2)), <-received)

	recordings, err := app.Storage.Recordings("cam1", 10)
	require.NoError(t, err)
	require.Len(t, recordings, 1)

	var data recorder.RecordingData
	require.NoError(t, json.Unmarshal(recordings[0].Data, &data))
	require.Equal(t, 4, data.Frames)
}

func TestHooks(t *testing.T) {
	mr := miniredis.RunT(t)
	h := &hookList{}
	h.onConfig = append(h.onConfig, func(c *storage.Config) {
		c.Camera.Name = "cam2"
	})
	h.onMux = append(h.onMux, func(mux *http.ServeMux) {
		mux.HandleFunc("/api/ping", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("pong")) //nolint:errcheck
		})
	})
	app := newTestApp(t, mr.Addr(), h)
	require.Equal(t, "cam2", app.Config.Camera.Name)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	app.Mux.ServeHTTP(w, r)
	require.Equal(t, "pong", w.Body.String())
}

func TestStatusRoute(t *testing.T) {
	mr := miniredis.RunT(t)
	app := newTestApp(t, mr.Addr(), &hookList{})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	app.Mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var status Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Equal(t, "idle", status.Capture)
	require.Equal(t, 20, status.QueueCapacity)
	require.Equal(t, 0, status.QueueSize)
	require.Nil(t, status.RecordingEnd)
}

func TestLicenseHeader(t *testing.T) {
	want := "// Copyright 2020-2022 The OS-NVR Authors.\n" +
		"//\n" +
		"// This program is free software: you can redistribute it and/or modify\n"

	err := filepath.WalkDir(".", func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && strings.HasPrefix(d.Name(), "_") {
			return filepath.SkipDir
		}
		if d.IsDir() || filepath.Ext(path) != ".go" {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		require.True(t, strings.HasPrefix(string(raw), want), path)
		return nil
	})
	require.NoError(t, err)
}
