// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dut

// Locator is implemented by values with a matrix position.
type Locator interface {
	XY() (col, row uint8)
}

// Enabler is implemented by values with an enable flag.
type Enabler interface {
	Enabled() bool
}

// Masker is implemented by values with a mask flag.
type Masker interface {
	Masked() bool
}

// AtXY returns a predicate matching values located at (col,row).
func AtXY[T Locator](col, row uint8) func(T) bool {
	return func(v T) bool {
		c, r := v.XY()
		return c == col && r == row
	}
}

// InColumn returns a predicate matching values located in column col.
func InColumn[T Locator](col uint8) func(T) bool {
	return func(v T) bool {
		c, _ := v.XY()
		return c == col
	}
}

// WithEnable returns a predicate matching values whose enable flag equals flag.
func WithEnable[T Enabler](flag bool) func(T) bool {
	return func(v T) bool { return v.Enabled() == flag }
}

// WithMask returns a predicate matching values whose mask flag equals flag.
func WithMask[T Masker](flag bool) func(T) bool {
	return func(v T) bool { return v.Masked() == flag }
}

// Find returns the index of the first element of vs matching pred,
// or -1.
func Find[T any](vs []T, pred func(T) bool) int {
	for i, v := range vs {
		if pred(v) {
			return i
		}
	}
	return -1
}

// Count returns the number of elements of vs matching pred.
func Count[T any](vs []T, pred func(T) bool) int {
	n := 0
	for _, v := range vs {
		if pred(v) {
			n++
		}
	}
	return n
}

// Filter returns the elements of vs matching pred, in order.
func Filter[T any](vs []T, pred func(T) bool) []T {
	var o []T
	for _, v := range vs {
		if pred(v) {
			o = append(o, v)
		}
	}
	return o
}

// Indices returns the indices of the elements of vs matching pred.
func Indices[T any](vs []T, pred func(T) bool) []int {
	var o []int
	for i, v := range vs {
		if pred(v) {
			o = append(o, i)
		}
	}
	return o
}
