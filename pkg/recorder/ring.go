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
	"sync"

	"framecap/pkg/frame"
)

// Ring fixed capacity buffer of the most recent frames.
// Not safe for concurrent use.
type Ring struct {
	frames []frame.Frame
	start  int
	len    int
}

// NewRing returns a ring holding up to capacity frames.
func NewRing(capacity int) *Ring {
	if capacity < 0 {
		capacity = 0
	}
	return &Ring{frames: make([]frame.Frame, capacity)}
}

// Push adds a frame, evicting the oldest when full.
func (r *Ring) Push(f frame.Frame) {
	capacity := len(r.frames)
	if capacity == 0 {
		return
	}
	if r.len < capacity {
		r.frames[(r.start+r.len)%capacity] = f
		r.len++
		return
	}
	r.frames[r.start] = f
	r.start = (r.start + 1) % capacity
}

// Frames returns a copy of the buffered frames, oldest first.
func (r *Ring) Frames() []frame.Frame {
	frames := make([]frame.Frame, r.len)
	for i := 0; i < r.len; i++ {
		frames[i] = r.frames[(r.start+i)%len(r.frames)]
	}
	return frames
}

// Len returns the number of buffered frames.
func (r *Ring) Len() int {
	return r.len
}

// Cap returns the capacity.
func (r *Ring) Cap() int {
	return len(r.frames)
}

// workQueue unbounded FIFO shared by the consumer and the writer.
type workQueue struct {
	frames []frame.Frame
	mu     sync.Mutex
}

func (q *workQueue) push(frames ...frame.Frame) {
	q.mu.Lock()
	q.frames = append(q.frames, frames...)
	q.mu.Unlock()
}

func (q *workQueue) pop() (frame.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return frame.Frame{}, false
	}
	f := q.frames[0]
	q.frames[0] = frame.Frame{}
	q.frames = q.frames[1:]
	return f, true
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *workQueue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.frames)
	q.frames = nil
	return n
}
