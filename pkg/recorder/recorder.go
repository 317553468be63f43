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

package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"framecap/pkg/frame"
	"framecap/pkg/log"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Recorder errors.
var (
	ErrRecording = errors.New("already recording")
	ErrEncoder   = errors.New("encoder failure")
)

// idleWait how long the writer sleeps when the queue is below the threshold.
const idleWait = 10 * time.Millisecond

// Encoder accepts raw frames and produces a video file on Close.
type Encoder interface {
	WriteFrame(frame.Frame) error
	Close() error
}

// NewEncoderFunc opens an encoder writing to path.
type NewEncoderFunc func(ctx context.Context, path string) (Encoder, error)

// Config recorder config.
type Config struct {
	CamName string
	Dir     string
	FileExt string

	FPS           int
	BufferSeconds int

	// Zero disables the watchdog.
	WatchdogInterval time.Duration
}

// ClipPath returns "{dir}/{cam}/{YYYY-MM-DD}/{name}-{HH-MM-SS}.{ext}".
func ClipPath(dir string, camName string, name string, t time.Time, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	return filepath.Join(
		dir,
		camName,
		t.Format("2006-01-02"),
		name+"-"+t.Format("15-04-05")+"."+ext,
	)
}

// RecordingData recording sidecar.
type RecordingData struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Camera string    `json:"camera"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Frames int       `json:"frames"`
}

// DataPath returns the sidecar path of a clip.
func DataPath(clipPath string) string {
	return strings.TrimSuffix(clipPath, filepath.Ext(clipPath)) + ".json"
}

// Buffer keeps a pre-roll of recent frames and writes them, followed
// by every frame passed to Update, to an encoder while recording.
type Buffer struct {
	config     Config
	newEncoder NewEncoderFunc
	logger     *log.Logger

	// Only touched by the goroutine calling Update and Start.
	preroll   *Ring
	threshold int

	mu      sync.Mutex
	session *session
}

// NewBuffer returns an idle buffer. The pre-roll holds fps*bufferSeconds frames.
func NewBuffer(c Config, newEncoder NewEncoderFunc, logger *log.Logger) *Buffer {
	size := c.FPS * c.BufferSeconds
	threshold := size
	if threshold < 1 {
		threshold = 1
	}
	return &Buffer{
		config:     c,
		newEncoder: newEncoder,
		logger:     logger,
		preroll:    NewRing(size),
		threshold:  threshold,
	}
}

type session struct {
	id      uuid.UUID
	name    string
	path    string
	encoder Encoder
	queue   *workQueue

	threshold int

	stop     chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
	wdDone   chan struct{}
	writeMu  sync.Mutex
	failedMu sync.Mutex
	err      error

	// Guarded by writeMu.
	written    int
	firstFrame time.Time
	lastFrame  time.Time
}

func (s *session) failure() error {
	s.failedMu.Lock()
	defer s.failedMu.Unlock()
	return s.err
}

func (s *session) fail(err error) {
	s.failedMu.Lock()
	defer s.failedMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Caller must hold writeMu.
func (s *session) write(f frame.Frame) error {
	if err := s.encoder.WriteFrame(f); err != nil {
		s.fail(err)
		return err
	}
	if s.written == 0 {
		s.firstFrame = f.Time
	}
	s.lastFrame = f.Time
	s.written++
	return nil
}

func (s *session) writeNext() (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	depth := s.queue.len()
	if depth == 0 || depth < s.threshold {
		return false, nil
	}
	f, ok := s.queue.pop()
	if !ok {
		return false, nil
	}
	return true, s.write(f)
}

func (s *session) runWriter() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		wrote, err := s.writeNext()
		if err != nil {
			return
		}
		if wrote {
			continue
		}

		select {
		case <-s.stop:
			return
		case <-time.After(idleWait):
		}
	}
}

func (s *session) flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.failure(); err != nil {
		return err
	}
	for {
		f, ok := s.queue.pop()
		if !ok {
			return nil
		}
		if err := s.write(f); err != nil {
			return err
		}
	}
}

// Update adds the frame to the pre-roll and, while recording, to the session.
func (b *Buffer) Update(f frame.Frame) {
	b.preroll.Push(f)

	b.mu.Lock()
	s := b.session
	b.mu.Unlock()
	if s != nil && s.failure() == nil {
		s.queue.push(f)
	}
}

// Start starts a recording named name at time t and returns the clip path.
func (b *Buffer) Start(ctx context.Context, t time.Time, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		return "", fmt.Errorf("%w: %v", ErrRecording, b.session.path)
	}

	path := ClipPath(b.config.Dir, b.config.CamName, name, t, b.config.FileExt)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("make directory for recording: %w", err)
	}

	encoder, err := b.newEncoder(ctx, path)
	if err != nil {
		return "", fmt.Errorf("%w: open: %v", ErrEncoder, err)
	}

	s := &session{
		id:        uuid.New(),
		name:      name,
		path:      path,
		encoder:   encoder,
		queue:     &workQueue{},
		threshold: b.threshold,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		wdDone:    make(chan struct{}),
	}
	s.queue.push(b.preroll.Frames()...)

	b.logger.Info().Src("recorder").Camera(b.config.CamName).
		Msgf("starting recording %v with %v pre-roll frames: %v", s.id, s.queue.len(), path)

	go s.runWriter()

	wdCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		defer close(s.wdDone)
		if b.config.WatchdogInterval <= 0 {
			return
		}
		w := &watchdog{
			path:     path,
			interval: b.config.WatchdogInterval,
			onStall: func(d time.Duration) {
				b.logger.Warn().Src("recorder").Camera(b.config.CamName).
					Msgf("recording %v has not been written to for %v", s.id, d)
			},
		}
		if err := w.run(wdCtx); err != nil {
			b.logger.Error().Src("recorder").Camera(b.config.CamName).
				Msgf("watchdog: %v", err)
		}
	}()

	b.session = s
	return path, nil
}

// Stop stops accepting frames, waits for the writer, flushes the
// remaining frames, closes the encoder and saves the sidecar.
// No-op when idle.
func (b *Buffer) Stop() error {
	b.mu.Lock()
	s := b.session
	b.session = nil
	b.mu.Unlock()
	if s == nil {
		return nil
	}

	close(s.stop)
	<-s.done
	s.cancel()
	<-s.wdDone

	var result *multierror.Error
	if err := s.failure(); err != nil {
		lost := s.queue.clear()
		b.logger.Error().Src("recorder").Camera(b.config.CamName).
			Msgf("recording %v aborted, %v frames lost: %v", s.id, lost, err)
		result = multierror.Append(result, fmt.Errorf("%w: %v", ErrEncoder, err))
	} else if err := s.flush(); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: flush: %v", ErrEncoder, err))
	}

	if err := s.encoder.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: close: %v", ErrEncoder, err))
	}

	if result.ErrorOrNil() != nil {
		return result.ErrorOrNil()
	}

	if err := b.saveData(s); err != nil {
		return err
	}
	b.logger.Info().Src("recorder").Camera(b.config.CamName).
		Msgf("recording %v finished, %v frames: %v", s.id, s.written, s.path)
	return nil
}

func (b *Buffer) saveData(s *session) error {
	data := RecordingData{
		ID:     s.id.String(),
		Name:   s.name,
		Camera: b.config.CamName,
		Start:  s.firstFrame,
		End:    s.lastFrame,
		Frames: s.written,
	}
	raw, _ := json.MarshalIndent(data, "", "    ")
	if err := os.WriteFile(DataPath(s.path), raw, 0o600); err != nil {
		return fmt.Errorf("write recording data: %w", err)
	}
	return nil
}

// Flush writes every queued frame to the encoder. No-op when idle.
func (b *Buffer) Flush() error {
	b.mu.Lock()
	s := b.session
	b.mu.Unlock()
	if s == nil {
		return nil
	}
	if err := s.flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrEncoder, err)
	}
	return nil
}

// Recording returns true while a session is active.
func (b *Buffer) Recording() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session != nil
}

// Failed returns true if the active session was aborted by an encoder error.
func (b *Buffer) Failed() bool {
	b.mu.Lock()
	s := b.session
	b.mu.Unlock()
	return s != nil && s.failure() != nil
}

// Info recording state.
type Info struct {
	Recording bool   `json:"recording"`
	ID        string `json:"id,omitempty"`
	Path      string `json:"path,omitempty"`
	Queued    int    `json:"queued"`
	Preroll   int    `json:"preroll"`
}

// Info returns the current recording state.
func (b *Buffer) Info() Info {
	b.mu.Lock()
	s := b.session
	b.mu.Unlock()

	info := Info{Preroll: b.preroll.Cap()}
	if s == nil {
		return info
	}
	info.Recording = true
	info.ID = s.id.String()
	info.Path = s.path
	info.Queued = s.queue.len()
	return info
}
