//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"
)

// CircularBuffer is essentially a moving slice with a max size, where every time a new value is
// inserted, the oldest value is removed from the slice. This is used for calculating moving
// averages of values over time. For performance reasons it is implemented as a fixed size slice
// with a pointer to where to insert the next value such that no new memory allocations need to
// be made.
type CircularBuffer struct {
	values []float64
	total  float64
	index  int
	mutex  sync.RWMutex
}

// NewCircularBuffer allocates memory for a new CircularBuffer with the given windowSize
func NewCircularBuffer(windowSize int) *CircularBuffer {
	if windowSize <= 0 {
		panic("illegal window size")
	}

	return &CircularBuffer{
		values: make([]float64, 0, windowSize),
	}
}

// Len returns the number of actual values present in the buffer
func (buff *CircularBuffer) Len() int {
	buff.mutex.RLock()
	defer buff.mutex.RUnlock()

	return len(buff.values)
}

// Mean returns the average value of all data points in the backing slice.
// Because this is a circular buffer, this value can be considered as a moving average
//
// NOTE: If there is no data in the buffer, this function will return: NaN
func (buff *CircularBuffer) Mean() float64 {
	buff.mutex.RLock()
	defer buff.mutex.RUnlock()

	return buff.total / float64(len(buff.values))
}

// MonotonicMin walks the buffer from the newest value to the oldest, clamping each contribution
// to the minimum seen so far, and returns the average of the clamped values. Older readings only
// contribute when they are at least as close as everything that followed them, so the result hugs
// the bottom of noisy distance data: it equals the newest value when that value is the window
// minimum, and otherwise lags above it.
//
// NOTE: If there is no data in the buffer, this function will return: NaN
func (buff *CircularBuffer) MonotonicMin() float64 {
	buff.mutex.RLock()
	defer buff.mutex.RUnlock()

	count := len(buff.values)
	if count == 0 {
		return buff.total / float64(count) // NaN, same contract as Mean
	}

	// index points at the slot for the next insert; the newest value is just behind it.
	newest := buff.index - 1
	if len(buff.values) < cap(buff.values) {
		// buffer not yet full, values are in insert order
		newest = len(buff.values) - 1
	} else if newest < 0 {
		newest = count - 1
	}

	var total float64
	min := buff.values[newest]
	for i := 0; i < count; i++ {
		pos := newest - i
		if pos < 0 {
			pos += count
		}
		if v := buff.values[pos]; v <= min {
			min = v
		}
		total += min
	}
	return total / float64(count)
}

// AddValue appends a new value onto the backing slice,
// overriding the oldest existing value if count has reached windowSize
func (buff *CircularBuffer) AddValue(value float64) {
	buff.mutex.Lock()
	defer buff.mutex.Unlock()

	if len(buff.values) < cap(buff.values) {
		buff.values = append(buff.values, value)
		buff.total += value
		return
	}

	// subtract old value and add new value
	buff.total = buff.total - buff.values[buff.index] + value
	// record new value where old was
	buff.values[buff.index] = value

	buff.index++
	if buff.index >= cap(buff.values) {
		// wrap if needed
		buff.index = 0
	}
}

// Reset discards all values, keeping the allocated window.
func (buff *CircularBuffer) Reset() {
	buff.mutex.Lock()
	defer buff.mutex.Unlock()

	buff.values = buff.values[:0]
	buff.total = 0
	buff.index = 0
}
