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

package log

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) (*Logger, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := NewMockLogger()
	logger.Start(ctx)
	return logger, cancel
}

func TestLogger(t *testing.T) {
	t.Run("feed", func(t *testing.T) {
		logger, cancel := newTestLogger(t)
		defer cancel()

		feed, cancel2 := logger.Subscribe()
		defer cancel2()

		go logger.Warn().Src("capture").Camera("cam1").Msgf("%v failures", 3)

		entry := <-feed
		require.Equal(t, LevelWarning, entry.Level)
		require.Equal(t, "capture", entry.Src)
		require.Equal(t, "cam1", entry.Camera)
		require.Equal(t, "3 failures", entry.Msg)
		require.NotZero(t, entry.Time)
	})
	t.Run("time", func(t *testing.T) {
		logger, cancel := newTestLogger(t)
		defer cancel()

		feed, cancel2 := logger.Subscribe()
		defer cancel2()

		ts := time.Unix(10, 0)
		go logger.Info().Time(ts).Msg("a")
		require.Equal(t, UnixMicro(10000000), (<-feed).Time)
	})
	t.Run("stoppedDoesNotBlock", func(t *testing.T) {
		logger, cancel := newTestLogger(t)
		cancel()
		<-logger.Done()

		logger.Error().Msg("dropped")
		feed, cancel2 := logger.Subscribe()
		defer cancel2()
		_, ok := <-feed
		require.False(t, ok)
	})
}

func TestFormatLog(t *testing.T) {
	cases := map[string]struct {
		input    Log
		expected string
	}{
		"full":    {Log{Level: LevelError, Src: "recorder", Camera: "c", Msg: "m"}, "[ERROR] c: Recorder: m"},
		"noCam":   {Log{Level: LevelInfo, Src: "app", Msg: "m"}, "[INFO] App: m"},
		"debug":   {Log{Level: LevelDebug, Msg: "m"}, "[DEBUG] m"},
		"warning": {Log{Level: LevelWarning, Src: "x", Msg: "m"}, "[WARNING] X: m"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.expected, formatLog(tc.input))
		})
	}
}

func TestVerbosityLevels(t *testing.T) {
	require.Equal(t, []Level{LevelError, LevelWarning}, VerbosityLevels(0))
	require.Equal(t, []Level{LevelError, LevelWarning, LevelInfo}, VerbosityLevels(1))
	require.Equal(t, []Level{LevelError, LevelWarning, LevelInfo, LevelDebug}, VerbosityLevels(2))
}
