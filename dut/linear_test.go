// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dut

import (
	"reflect"
	"testing"
)

func TestDelinearize(t *testing.T) {
	geom := Geometry{Columns: 2, Rows: 2}
	got := Delinearize(0, geom, []int16{10, 7, 0, 10})
	want := []Pixel{
		{ROC: 0, Column: 0, Row: 0, Value: 10},
		{ROC: 0, Column: 0, Row: 1, Value: 7},
		{ROC: 0, Column: 1, Row: 0, Value: 0},
		{ROC: 0, Column: 1, Row: 1, Value: 10},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid pixels:\ngot= %v\nwant=%v", got, want)
	}

	ph := Delinearize(3, geom, []int32{-1, 1 << 20})
	if ph[0].ROC != 3 || ph[1].Value != 1<<20 || ph[1].Row != 1 {
		t.Fatalf("invalid pulse-height pixels: %v", ph)
	}
}

func TestLinearizeRoundTrip(t *testing.T) {
	for _, geom := range []Geometry{
		{Columns: 2, Rows: 2},
		{Columns: 3, Rows: 7},
		DefaultGeometry,
	} {
		t.Run(geom.String(), func(t *testing.T) {
			buf := make([]int32, geom.Size())
			for i := range buf {
				buf[i] = int32(i)
			}
			pix := Delinearize(1, geom, buf)
			for i, p := range pix {
				col, row := i/geom.Rows, i%geom.Rows
				if int(p.Column) != col || int(p.Row) != row {
					t.Fatalf("pixel %d at (%d,%d), want (%d,%d)", i, p.Column, p.Row, col, row)
				}
				if geom.Index(p.Column, p.Row) != i {
					t.Fatalf("invalid index for pixel %d", i)
				}
			}
			if got := Linearize(geom, pix); !reflect.DeepEqual(got, buf) {
				t.Fatalf("round trip failed")
			}

			again := Delinearize(1, geom, Linearize(geom, pix))
			if !reflect.DeepEqual(again, pix) {
				t.Fatalf("delinearize(linearize(x)) != x")
			}
		})
	}
}

func TestLinearizeOutOfBounds(t *testing.T) {
	geom := Geometry{Columns: 2, Rows: 2}
	got := Linearize(geom, []Pixel{
		{Column: 1, Row: 0, Value: 5},
		{Column: 2, Row: 0, Value: 6},
		{Column: 0, Row: 9, Value: 7},
	})
	if want := []int32{0, 0, 5, 0}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid buffer: got=%v, want=%v", got, want)
	}
}
