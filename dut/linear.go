// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dut

// Delinearize converts a full-matrix readout buffer into pixels of ROC roc.
// One pixel is produced per buffer element, rows running fastest.
func Delinearize[T int16 | int32](roc uint8, geom Geometry, buf []T) []Pixel {
	o := make([]Pixel, len(buf))
	for i, v := range buf {
		col, row := geom.Coord(i)
		o[i] = Pixel{
			ROC:    roc,
			Column: col,
			Row:    row,
			Value:  int32(v),
		}
	}
	return o
}

// Linearize converts pixels into a full-matrix buffer.
// Pixels outside the geometry are ignored.
func Linearize(geom Geometry, pixels []Pixel) []int32 {
	o := make([]int32, geom.Size())
	for _, p := range pixels {
		if !geom.Contains(p.Column, p.Row) {
			continue
		}
		o[geom.Index(p.Column, p.Row)] = p.Value
	}
	return o
}
