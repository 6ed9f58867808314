// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dut

import "fmt"

const (
	// MaxTrim is the largest trim value a pixel accepts.
	MaxTrim = 15

	// ModuleROCs is the number of ROCs making up a full module.
	ModuleROCs = 16
)

// Geometry describes the pixel matrix of a ROC.
type Geometry struct {
	Columns int
	Rows    int
}

// DefaultGeometry is the 52x80 matrix of the psi46 chips.
var DefaultGeometry = Geometry{Columns: 52, Rows: 80}

// MaxMatrixSide is the largest number of columns or rows addressable
// with 8-bit pixel coordinates.
const MaxMatrixSide = 256

// Validate checks that every pixel of the matrix has a distinct
// (col,row) address.
func (g Geometry) Validate() error {
	if g.Columns < 1 || g.Columns > MaxMatrixSide || g.Rows < 1 || g.Rows > MaxMatrixSide {
		return fmt.Errorf("dut: invalid matrix geometry %v (columns and rows must be in [1, %d])", g, MaxMatrixSide)
	}
	return nil
}

// Size returns the number of pixels of the matrix.
func (g Geometry) Size() int { return g.Columns * g.Rows }

// Contains returns whether (col,row) lies within the matrix.
func (g Geometry) Contains(col, row uint8) bool {
	return int(col) < g.Columns && int(row) < g.Rows
}

// Index returns the linear offset of (col,row) in a full-matrix buffer.
// Rows run fastest.
func (g Geometry) Index(col, row uint8) int {
	return int(col)*g.Rows + int(row)
}

// Coord returns the (col,row) pair of a linear buffer offset.
func (g Geometry) Coord(i int) (col, row uint8) {
	return uint8(i / g.Rows), uint8(i % g.Rows)
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d", g.Columns, g.Rows)
}

// PixelConfig is the configuration of a single pixel.
type PixelConfig struct {
	Column uint8
	Row    uint8
	Trim   uint8
	Mask   bool
	Enable bool
}

// DefaultPixel returns the configuration of a pixel that was not
// explicitly configured: masked, not under test, maximum trim.
func DefaultPixel(col, row uint8) PixelConfig {
	return PixelConfig{Column: col, Row: row, Trim: MaxTrim, Mask: true}
}

func (p PixelConfig) XY() (col, row uint8) { return p.Column, p.Row }
func (p PixelConfig) Enabled() bool         { return p.Enable }
func (p PixelConfig) Masked() bool          { return p.Mask }

// Pixel is a measurement result for a single pixel.
//
// The unit of Value depends on the extraction mode of the measurement:
// a hit count for efficiencies, a summed ADC value for pulse heights.
type Pixel struct {
	ROC    uint8
	Column uint8
	Row    uint8
	Value  int32
}

func (p Pixel) XY() (col, row uint8) { return p.Column, p.Row }

func (p Pixel) String() string {
	return fmt.Sprintf("ROC %d (%d,%d)=%d", p.ROC, p.Column, p.Row, p.Value)
}

// ROCConfig is the configuration of a readout chip.
type ROCConfig struct {
	Pixels []PixelConfig
	DACs   map[uint8]uint8 // DAC register id -> value
	Type   uint8
	Enable bool
}

func (roc ROCConfig) Enabled() bool { return roc.Enable }

func (roc ROCConfig) clone() ROCConfig {
	o := roc
	o.Pixels = append([]PixelConfig(nil), roc.Pixels...)
	o.DACs = cloneRegs(roc.DACs)
	return o
}

// TBMConfig is the configuration of a token-bit manager.
type TBMConfig struct {
	DACs   map[uint8]uint8 // register id -> value
	Type   uint8
	Enable bool
}

func (tbm TBMConfig) Enabled() bool { return tbm.Enable }

func (tbm TBMConfig) clone() TBMConfig {
	o := tbm
	o.DACs = cloneRegs(tbm.DACs)
	return o
}

// PGCmd is a pattern-generator command.
// A zero delay stops the pattern generator.
type PGCmd struct {
	Pattern uint16
	Delay   uint8
}

// Register is a register id/value pair.
type Register struct {
	ID    uint8
	Value uint8
}

func cloneRegs(m map[uint8]uint8) map[uint8]uint8 {
	o := make(map[uint8]uint8, len(m))
	for k, v := range m {
		o[k] = v
	}
	return o
}
