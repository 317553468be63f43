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

package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"framecap/pkg/frame"
)

// EncoderConfig encoder config.
type EncoderConfig struct {
	Path   string
	Width  int
	Height int
	FPS    int
	Codec  string
}

// EncoderArgs returns the arguments used to encode raw bgr24 frames read from stdin.
func EncoderArgs(c EncoderConfig, logLevel string) []string {
	return []string{
		"-hide_banner", "-nostats", "-loglevel", logLevel,
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", strconv.Itoa(c.Width) + "x" + strconv.Itoa(c.Height),
		"-framerate", strconv.Itoa(c.FPS),
		"-i", "pipe:0",
		"-an",
		"-c:v", c.Codec,
		"-pix_fmt", "yuv420p",
		"-b:v", "2000000",
		c.Path,
	}
}

// ErrFrameSize frame does not match the encoder resolution.
var ErrFrameSize = errors.New("frame size does not match encoder")

// ErrEncoderTimeout encoder did not exit after its input was closed.
var ErrEncoderTimeout = errors.New("encoder did not exit in time")

// Encoder writes raw frames into an ffmpeg process that produces a video file.
type Encoder struct {
	config EncoderConfig

	stdin  io.WriteCloser
	cancel context.CancelFunc
	exit   chan struct{}
	err    error

	closeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

// NewEncoder starts an encoder process writing to c.Path.
func (f *FFMPEG) NewEncoder(ctx context.Context, c EncoderConfig, logf LogFunc) (*Encoder, error) {
	cmd := f.command(EncoderArgs(c, "error")...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	process := f.NewProcess(cmd).
		Timeout(10 * time.Second).
		StderrLogger(logf)

	ctx2, cancel := context.WithCancel(ctx)
	e := &Encoder{
		config:       c,
		stdin:        stdin,
		cancel:       cancel,
		exit:         make(chan struct{}),
		closeTimeout: 30 * time.Second,
	}

	go func() {
		e.err = process.Start(ctx2)
		close(e.exit)
	}()

	return e, nil
}

// WriteFrame writes one frame to the encoder.
func (e *Encoder) WriteFrame(f frame.Frame) error {
	if f.Width != e.config.Width || f.Height != e.config.Height {
		return fmt.Errorf("%w: got %dx%d, expected %dx%d",
			ErrFrameSize, f.Width, f.Height, e.config.Width, e.config.Height)
	}
	select {
	case <-e.exit:
		if e.err != nil {
			return fmt.Errorf("encoder exited: %w", e.err)
		}
		return errors.New("encoder exited")
	default:
	}
	if _, err := e.stdin.Write(f.Pix); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close closes the input and waits for the file to be finalized.
func (e *Encoder) Close() error {
	e.closeOnce.Do(func() {
		e.stdin.Close()

		select {
		case <-e.exit:
		case <-time.After(e.closeTimeout):
			e.cancel()
			<-e.exit
			e.closeErr = ErrEncoderTimeout
			return
		}
		e.cancel()
		if e.err != nil {
			e.closeErr = fmt.Errorf("encoder process: %w", e.err)
		}
	})
	return e.closeErr
}
