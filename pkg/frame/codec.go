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

// Wire format, all integers big-endian:
//
//   timestamp  [26]byte  ASCII "YYYY-MM-DD HH:MM:SS,ffffff", local time
//   height     uint32
//   width      uint32
//   pixels     [height*width*3]byte  BGR24

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// TimestampLayout layout of the timestamp field.
const TimestampLayout = "2006-01-02 15:04:05,000000"

const (
	timestampSize = len(TimestampLayout)
	// HeaderSize size of the fixed blob header.
	HeaderSize = timestampSize + 8
)

// ErrMalformedBlob blob is truncated or inconsistent with its header.
var ErrMalformedBlob = errors.New("malformed frame blob")

// FormatTimestamp formats t as a wire timestamp.
func FormatTimestamp(t time.Time) string {
	return t.Local().Format(TimestampLayout)
}

// ParseTimestamp parses a wire timestamp in local time.
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, s, time.Local)
}

// Encode frame into a blob.
func Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	ts := FormatTimestamp(f.Time)
	if len(ts) != timestampSize {
		return nil, fmt.Errorf("%w: timestamp %q is not %d bytes", ErrInvalidFrame, ts, timestampSize)
	}

	out := make([]byte, HeaderSize+len(f.Pix))
	pos := copy(out, ts)

	binary.BigEndian.PutUint32(out[pos:pos+4], uint32(f.Height))
	pos += 4
	binary.BigEndian.PutUint32(out[pos:pos+4], uint32(f.Width))
	pos += 4

	copy(out[pos:], f.Pix)
	return out, nil
}

// Decode frame from blob. An empty blob means no frame was
// available and returns ok=false without error.
func Decode(blob []byte) (f Frame, ok bool, err error) {
	if len(blob) == 0 {
		return Frame{}, false, nil
	}
	if len(blob) < HeaderSize {
		return Frame{}, false, fmt.Errorf(
			"%w: %d bytes is shorter than the %d byte header", ErrMalformedBlob, len(blob), HeaderSize)
	}

	t, err := ParseTimestamp(string(blob[:timestampSize]))
	if err != nil {
		return Frame{}, false, fmt.Errorf("%w: timestamp: %v", ErrMalformedBlob, err)
	}
	pos := timestampSize

	height := binary.BigEndian.Uint32(blob[pos : pos+4])
	pos += 4
	width := binary.BigEndian.Uint32(blob[pos : pos+4])
	pos += 4

	pix := blob[pos:]
	expected := uint64(height) * uint64(width) * Channels
	if height == 0 || width == 0 || uint64(len(pix)) != expected {
		return Frame{}, false, fmt.Errorf("%w: got %d pixel bytes, expected %d for %dx%d",
			ErrMalformedBlob, len(pix), expected, width, height)
	}

	return Frame{
		Time:   t,
		Height: int(height),
		Width:  int(width),
		Pix:    pix,
	}, true, nil
}
