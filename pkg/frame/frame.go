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

// Package frame defines raw BGR24 video frames and their wire format.
package frame

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"time"

	"golang.org/x/image/draw"
)

// Channels number of bytes per pixel.
const Channels = 3

// Frame raw video frame in packed BGR24 layout.
// A frame must not be modified after it has been handed to another stage.
type Frame struct {
	Time   time.Time
	Height int
	Width  int
	Pix    []byte
}

// ErrInvalidFrame frame dimensions do not match its pixel data.
var ErrInvalidFrame = errors.New("invalid frame")

// New returns a frame after validating its size.
func New(t time.Time, width int, height int, pix []byte) (Frame, error) {
	f := Frame{
		Time:   t,
		Height: height,
		Width:  width,
		Pix:    pix,
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Size returns the expected pixel data length for the given dimensions.
func Size(width int, height int) int {
	return width * height * Channels
}

// Validate checks that the dimensions are positive and match the pixel data.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	if len(f.Pix) != Size(f.Width, f.Height) {
		return fmt.Errorf("%w: got %d bytes, expected %d for %dx%d",
			ErrInvalidFrame, len(f.Pix), Size(f.Width, f.Height), f.Width, f.Height)
	}
	return nil
}

// Image returns a draw.Image view of the frame sharing its pixel data.
func (f Frame) Image() *BGR {
	return &BGR{
		Pix:    f.Pix,
		Stride: f.Width * Channels,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// Resize scales the frame to width x height using bilinear interpolation.
// The frame is returned unchanged if it already has the requested size.
func Resize(f Frame, width int, height int) Frame {
	if f.Width == width && f.Height == height {
		return f
	}

	dst := NewBGR(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Rect, f.Image(), f.Image().Rect, draw.Src, nil)

	return Frame{
		Time:   f.Time,
		Height: height,
		Width:  width,
		Pix:    dst.Pix,
	}
}

// BGR is an in-memory image whose At method returns color.RGBA values.
// Pixels are stored as B, G, R byte triplets, the layout used by OpenCV
// and by ffmpeg's bgr24 pixel format.
type BGR struct {
	Pix    []byte
	Stride int
	Rect   image.Rectangle
}

// NewBGR returns a new BGR image with the given bounds.
func NewBGR(r image.Rectangle) *BGR {
	return &BGR{
		Pix:    make([]byte, r.Dx()*r.Dy()*Channels),
		Stride: r.Dx() * Channels,
		Rect:   r,
	}
}

// ColorModel implements image.Image.
func (p *BGR) ColorModel() color.Model { return color.RGBAModel }

// Bounds implements image.Image.
func (p *BGR) Bounds() image.Rectangle { return p.Rect }

// PixOffset returns the index of the first element of Pix
// that corresponds to the pixel at (x, y).
func (p *BGR) PixOffset(x int, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*Channels
}

// At implements image.Image.
func (p *BGR) At(x int, y int) color.Color {
	if !(image.Point{x, y}.In(p.Rect)) {
		return color.RGBA{}
	}
	i := p.PixOffset(x, y)
	return color.RGBA{R: p.Pix[i+2], G: p.Pix[i+1], B: p.Pix[i], A: 0xff}
}

// Set implements draw.Image.
func (p *BGR) Set(x int, y int, c color.Color) {
	if !(image.Point{x, y}.In(p.Rect)) {
		return
	}
	i := p.PixOffset(x, y)
	c1 := color.RGBAModel.Convert(c).(color.RGBA)
	p.Pix[i] = c1.B
	p.Pix[i+1] = c1.G
	p.Pix[i+2] = c1.R
}
