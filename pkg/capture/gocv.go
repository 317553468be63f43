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

//go:build gocv

package capture

import (
	"context"
	"fmt"
	"time"

	"framecap/pkg/frame"

	"gocv.io/x/gocv"
)

// GocvAvailable is true when built with the gocv tag.
const GocvAvailable = true

type gocvSource struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

// NewGocvSource opens src with OpenCV.
func NewGocvSource(src string) (Source, error) {
	c, err := gocv.OpenVideoCapture(src)
	if err != nil {
		return nil, fmt.Errorf("open video capture: %w", err)
	}
	return &gocvSource{
		capture: c,
		mat:     gocv.NewMat(),
	}, nil
}

func (s *gocvSource) Read(_ context.Context) (frame.Frame, error) {
	if ok := s.capture.Read(&s.mat); !ok {
		return frame.Frame{}, fmt.Errorf("read: %w", ErrSourceRead)
	}
	if s.mat.Empty() {
		return frame.Frame{}, fmt.Errorf("empty frame: %w", ErrSourceRead)
	}
	if s.mat.Type() != gocv.MatTypeCV8UC3 {
		return frame.Frame{}, fmt.Errorf("unexpected mat type %v: %w", s.mat.Type(), ErrSourceRead)
	}
	return frame.New(time.Now(), s.mat.Cols(), s.mat.Rows(), s.mat.ToBytes())
}

func (s *gocvSource) Close() error {
	s.mat.Close()
	return s.capture.Close()
}
