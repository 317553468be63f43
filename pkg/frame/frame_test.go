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

package frame

import (
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func solidFrame(width int, height int, b, g, r byte) Frame {
	pix := make([]byte, Size(width, height))
	for i := 0; i < len(pix); i += Channels {
		pix[i] = b
		pix[i+1] = g
		pix[i+2] = r
	}
	return Frame{Time: time.Unix(1, 0), Width: width, Height: height, Pix: pix}
}

func TestNew(t *testing.T) {
	_, err := New(time.Now(), 2, 2, make([]byte, 12))
	require.NoError(t, err)

	_, err = New(time.Now(), 2, 2, make([]byte, 11))
	require.ErrorIs(t, err, ErrInvalidFrame)

	_, err = New(time.Now(), 0, 2, nil)
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestBGR(t *testing.T) {
	f := solidFrame(2, 2, 1, 2, 3)
	img := f.Image()

	require.Equal(t, color.RGBA{R: 3, G: 2, B: 1, A: 0xff}, img.At(1, 1))
	require.Equal(t, color.RGBA{}, img.At(5, 5))

	img.Set(0, 0, color.RGBA{R: 10, G: 20, B: 30, A: 0xff})
	require.Equal(t, []byte{30, 20, 10}, f.Pix[:3])
}

func TestResize(t *testing.T) {
	t.Run("sameSize", func(t *testing.T) {
		f := solidFrame(4, 2, 1, 2, 3)
		actual := Resize(f, 4, 2)
		require.Equal(t, f, actual)
	})
	t.Run("downscale", func(t *testing.T) {
		f := solidFrame(8, 6, 10, 20, 30)
		actual := Resize(f, 4, 3)

		require.NoError(t, actual.Validate())
		require.Equal(t, 4, actual.Width)
		require.Equal(t, 3, actual.Height)
		require.Equal(t, f.Time, actual.Time)
		require.Equal(t, solidFrame(4, 3, 10, 20, 30).Pix, actual.Pix)
	})
	t.Run("upscale", func(t *testing.T) {
		f := solidFrame(2, 2, 50, 60, 70)
		actual := Resize(f, 5, 7)
		require.NoError(t, actual.Validate())
		require.Equal(t, solidFrame(5, 7, 50, 60, 70).Pix, actual.Pix)
	})
}
