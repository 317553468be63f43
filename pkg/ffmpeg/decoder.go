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
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"framecap/pkg/frame"
)

// ErrDecoderExited decoder process is no longer producing frames.
var ErrDecoderExited = errors.New("decoder exited")

// Decoder reads raw bgr24 frames from an ffmpeg process.
type Decoder struct {
	width  int
	height int

	stdout *os.File
	cancel context.CancelFunc
	exit   chan struct{}
	err    error

	closeOnce sync.Once
}

// DecoderArgs returns the arguments used to decode src into raw frames on stdout.
func DecoderArgs(src string, logLevel string) []string {
	args := []string{"-hide_banner", "-nostats", "-loglevel", logLevel}
	if strings.HasPrefix(src, "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	return append(args,
		"-i", src,
		"-an",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"pipe:1",
	)
}

// NewDecoder probes the stream size and starts decoding src.
func (f *FFMPEG) NewDecoder(ctx context.Context, src string, logf LogFunc) (*Decoder, error) {
	size, err := f.SizeFromStream(src)
	if err != nil {
		return nil, fmt.Errorf("probe stream size: %w", err)
	}
	width, height, err := ParseSize(size)
	if err != nil {
		return nil, err
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	cmd := f.command(DecoderArgs(src, "error")...)
	cmd.Stdout = pw

	process := f.NewProcess(cmd).
		Timeout(5 * time.Second).
		StderrLogger(logf)

	ctx2, cancel := context.WithCancel(ctx)
	d := &Decoder{
		width:  width,
		height: height,
		stdout: pr,
		cancel: cancel,
		exit:   make(chan struct{}),
	}

	go func() {
		d.err = process.Start(ctx2)
		// The child holds its own copy, reads return EOF once both are closed.
		pw.Close()
		close(d.exit)
	}()

	return d, nil
}

// Size returns the decoded frame size.
func (d *Decoder) Size() (int, int) {
	return d.width, d.height
}

// Read blocks until the next frame is decoded or ctx is canceled.
func (d *Decoder) Read(ctx context.Context) (frame.Frame, error) {
	// Unblocks the read below, the pipe is unusable afterwards.
	stop := context.AfterFunc(ctx, func() {
		d.stdout.SetReadDeadline(time.Now()) //nolint:errcheck
	})
	defer stop()

	buf := make([]byte, frame.Size(d.width, d.height))
	if _, err := io.ReadFull(d.stdout, buf); err != nil {
		if ctx.Err() != nil {
			return frame.Frame{}, ctx.Err()
		}
		return frame.Frame{}, fmt.Errorf("%w: %v", ErrDecoderExited, err)
	}
	return frame.Frame{
		Time:   time.Now(),
		Width:  d.width,
		Height: d.height,
		Pix:    buf,
	}, nil
}

// Close stops the process and releases the pipe.
func (d *Decoder) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.cancel()
		<-d.exit
		d.stdout.Close()
		if d.err != nil && !errors.Is(d.err, context.Canceled) && !isSignalExit(d.err) {
			err = fmt.Errorf("decoder process: %w", d.err)
		}
	})
	return err
}

// Stopping the process with a signal is the normal way to close it.
func isSignalExit(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "signal: ") || msg == "exit status "+strconv.Itoa(130)
}
