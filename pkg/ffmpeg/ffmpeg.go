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
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LogFunc receives one line of process output.
type LogFunc func(string)

// Process interface only used for testing.
type Process interface {
	Timeout(time.Duration) Process
	StdoutLogger(LogFunc) Process
	StderrLogger(LogFunc) Process

	Start(ctx context.Context) error
}

// process manages subprocesses.
type process struct {
	timeout time.Duration
	cmd     *exec.Cmd

	stdoutLogger LogFunc
	stderrLogger LogFunc

	done chan struct{}
}

// NewProcessFunc is used for mocking.
type NewProcessFunc func(*exec.Cmd) Process

// NewProcess return process.
func NewProcess(cmd *exec.Cmd) Process {
	return process{
		timeout: 1000 * time.Millisecond,
		cmd:     cmd,
	}
}

// Timeout sets how long to wait after the interrupt signal before killing.
func (p process) Timeout(timeout time.Duration) Process {
	p.timeout = timeout
	return p
}

// StdoutLogger sets a function that is called with every stdout line.
func (p process) StdoutLogger(l LogFunc) Process {
	p.stdoutLogger = l
	return p
}

// StderrLogger sets a function that is called with every stderr line.
func (p process) StderrLogger(l LogFunc) Process {
	p.stderrLogger = l
	return p
}

func (p process) attachLogger(
	wg *sync.WaitGroup,
	l LogFunc,
	label string,
	stdPipe func() (io.ReadCloser, error),
) error {
	pipe, err := stdPipe()
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(pipe)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for scanner.Scan() {
			l(label + ": " + scanner.Text())
		}
	}()
	return nil
}

// Start starts the process and blocks until it exits. Canceling
// the context interrupts the process and kills it after the timeout.
func (p process) Start(ctx context.Context) error {
	// Wait closes the pipes, every line must be read before calling it.
	loggers := &sync.WaitGroup{}
	if p.stdoutLogger != nil {
		if err := p.attachLogger(loggers, p.stdoutLogger, "stdout", p.cmd.StdoutPipe); err != nil {
			return err
		}
	}
	if p.stderrLogger != nil {
		if err := p.attachLogger(loggers, p.stderrLogger, "stderr", p.cmd.StderrPipe); err != nil {
			return err
		}
	}

	if err := p.cmd.Start(); err != nil {
		return err
	}

	p.done = make(chan struct{})

	go func() {
		select {
		case <-p.done:
		case <-ctx.Done():
			p.stop()
		}
	}()

	loggers.Wait()
	err := p.cmd.Wait()
	close(p.done)

	// FFmpeg seems to return 255 on normal exit.
	if err != nil && err.Error() == "exit status 255" {
		return nil
	}

	return err
}

// Note, can't use CommandContext to stop process as it would
// kill the process before it has a chance to exit on its own.
func (p process) stop() {
	p.cmd.Process.Signal(os.Interrupt) //nolint:errcheck

	select {
	case <-p.done:
	case <-time.After(p.timeout):
		p.cmd.Process.Signal(os.Kill) //nolint:errcheck
		<-p.done
	}
}

// FFMPEG stores ffmpeg binary location.
type FFMPEG struct {
	command func(...string) *exec.Cmd

	// NewProcess is replaced in tests.
	NewProcess NewProcessFunc
}

// New returns FFMPEG.
func New(bin string) *FFMPEG {
	command := func(args ...string) *exec.Cmd {
		return exec.Command(bin, args...)
	}
	return &FFMPEG{
		command:    command,
		NewProcess: NewProcess,
	}
}

// SizeFromStreamFunc is used for mocking.
type SizeFromStreamFunc func(string) (string, error)

// SizeFromStream uses ffmpeg to grab stream size.
func (f *FFMPEG) SizeFromStream(url string) (string, error) {
	cmd := f.command("-i", url, "-f", "ffmetadata", "-")

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %w", stderr.String(), err)
	}

	// Input "Stream #0:0: Video: h264 (Main), yuv420p(progressive), 720x1280 fps, 30.00"
	// Output "720x1280"
	output := sizeRegex.FindString(stderr.String())
	if output != "" {
		return output, nil
	}

	return "", fmt.Errorf("%w: %s", ErrNoSize, stderr.String())
}

var sizeRegex = regexp.MustCompile(`\b[1-9]\d*x[1-9]\d*\b`)

// ErrNoSize stream size could not be found in ffmpeg output.
var ErrNoSize = errors.New("no stream size found")

// ErrInvalidSize size string is not "WIDTHxHEIGHT".
var ErrInvalidSize = errors.New("invalid size")

// ParseSize parses "WIDTHxHEIGHT".
func ParseSize(size string) (int, int, error) {
	split := strings.Split(size, "x")
	if len(split) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidSize, size)
	}
	width, err := strconv.Atoi(split[0])
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidSize, size)
	}
	height, err := strconv.Atoi(split[1])
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidSize, size)
	}
	return width, height, nil
}
