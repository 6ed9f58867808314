// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scan drives calibration sweeps over the enabled ROCs and pixels
// of a device and reassembles the flat readout buffers into per-pixel
// results.
package scan // import "github.com/go-lpc/pxar/scan"

import (
	"fmt"
	"os"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/pxar/dut"
	"github.com/go-lpc/pxar/hal"
)

// Mode selects which readout buffer is reported as the pixel value.
type Mode uint8

const (
	// PulseHeight reports the pulse height summed over all triggers.
	PulseHeight Mode = iota
	// Efficiency reports the number of readouts. A value equal to the
	// number of triggers means the pixel is fully efficient.
	Efficiency
)

func (m Mode) String() string {
	switch m {
	case PulseHeight:
		return "pulse-height"
	case Efficiency:
		return "efficiency"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// Device is the read-only view of the device configuration consulted
// during a scan.
type Device interface {
	Geometry() dut.Geometry
	EnabledROCs() ([]int, error)
	EnabledPixels(roc int) ([]dut.PixelConfig, error)
	AllPixelsEnabled(roc int) (bool, error)
}

// Calibrator runs calibration sequences on the test board.
type Calibrator interface {
	ROCCalibrateMap(roc uint8, ntrig uint16) (hal.Buffers, error)
	PixelCalibrate(roc, col, row uint8, ntrig uint16) (int16, int32, error)
	PixelCalibrateDACScan(roc, col, row, reg, max uint8, ntrig uint16) (hal.Buffers, error)
	PixelCalibrateDACDACScan(roc, col, row, reg1, max1, reg2, max2 uint8, ntrig uint16) (hal.Buffers, error)
}

// DACStep holds the pixels measured at one value of the scanned DAC.
type DACStep struct {
	DAC    uint8
	Pixels []dut.Pixel
}

// DACDACStep holds the pixels measured at one point of a DAC-DAC scan.
type DACDACStep struct {
	DAC1   uint8
	DAC2   uint8
	Pixels []dut.Pixel
}

// Engine runs scans. It keeps no state across scans.
type Engine struct {
	dev Device
	cal Calibrator
	msg log.MsgStream
}

// New returns a scan engine reading the configuration of dev and
// calibrating through cal.
func New(dev Device, cal Calibrator, msg log.MsgStream) *Engine {
	if msg == nil {
		msg = log.NewMsgStream("scan", log.LvlInfo, os.Stdout)
	}
	return &Engine{dev: dev, cal: cal, msg: msg}
}

// Map injects ntrig calibration pulses into every enabled pixel and
// returns one result per pixel.
func (e *Engine) Map(mode Mode, ntrig uint16) ([]dut.Pixel, error) {
	r := e.newRun("map", mode)
	steps, err := r.expand(
		1,
		func(roc uint8) (hal.Buffers, error) {
			return e.cal.ROCCalibrateMap(roc, ntrig)
		},
		func(roc uint8, pix dut.PixelConfig) (hal.Buffers, error) {
			nrd, ph, err := e.cal.PixelCalibrate(roc, pix.Column, pix.Row, ntrig)
			return hal.Buffers{NReadouts: []int16{nrd}, PHSum: []int32{ph}}, err
		},
	)
	if err != nil {
		return nil, err
	}
	return steps[0], nil
}

// DACScan sweeps DAC reg from 0 to max-1 and returns the pixels measured
// at each value, in DAC order.
func (e *Engine) DACScan(reg, max uint8, mode Mode, ntrig uint16) ([]DACStep, error) {
	r := e.newRun(fmt.Sprintf("dac-scan[DAC%d]", reg), mode)
	steps, err := r.expand(
		int(max),
		nil,
		func(roc uint8, pix dut.PixelConfig) (hal.Buffers, error) {
			return e.cal.PixelCalibrateDACScan(roc, pix.Column, pix.Row, reg, max, ntrig)
		},
	)
	if err != nil {
		return nil, err
	}

	o := make([]DACStep, len(steps))
	for i, pixels := range steps {
		o[i] = DACStep{DAC: uint8(i), Pixels: pixels}
	}
	return o, nil
}

// DACDACScan sweeps DAC reg1 from 0 to max1-1 and, for each of its values,
// DAC reg2 from 0 to max2-1. Results are ordered with DAC reg2 running
// fastest.
func (e *Engine) DACDACScan(reg1, max1, reg2, max2 uint8, mode Mode, ntrig uint16) ([]DACDACStep, error) {
	r := e.newRun(fmt.Sprintf("dacdac-scan[DAC%d,DAC%d]", reg1, reg2), mode)
	steps, err := r.expand(
		int(max1)*int(max2),
		nil,
		func(roc uint8, pix dut.PixelConfig) (hal.Buffers, error) {
			return e.cal.PixelCalibrateDACDACScan(roc, pix.Column, pix.Row, reg1, max1, reg2, max2, ntrig)
		},
	)
	if err != nil {
		return nil, err
	}

	o := make([]DACDACStep, 0, len(steps))
	for i := 0; i < int(max1); i++ {
		for j := 0; j < int(max2); j++ {
			o = append(o, DACDACStep{
				DAC1:   uint8(i),
				DAC2:   uint8(j),
				Pixels: steps[i*int(max2)+j],
			})
		}
	}
	return o, nil
}

type state uint8

const (
	idle state = iota
	addressSelected
	sweeping
	extracting
	done
)

func (s state) String() string {
	switch s {
	case idle:
		return "idle"
	case addressSelected:
		return "address-selected"
	case sweeping:
		return "sweeping"
	case extracting:
		return "extracting"
	case done:
		return "done"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// rocFunc calibrates a whole ROC and returns full-matrix buffers.
type rocFunc func(roc uint8) (hal.Buffers, error)

// pixFunc calibrates a single pixel and returns one point per sweep step.
type pixFunc func(roc uint8, pix dut.PixelConfig) (hal.Buffers, error)

// run is a single scan invocation.
type run struct {
	name  string
	mode  Mode
	state state
	dev   Device
	msg   log.MsgStream
}

func (e *Engine) newRun(name string, mode Mode) *run {
	return &run{
		name:  name,
		mode:  mode,
		state: idle,
		dev:   e.dev,
		msg:   e.msg,
	}
}

func (r *run) advance(s state) {
	if r.state == s {
		return
	}
	r.msg.Debugf("%s: %v -> %v", r.name, r.state, s)
	r.state = s
}

func (r *run) value(buf hal.Buffers, i int) int32 {
	if r.mode == Efficiency {
		return int32(buf.NReadouts[i])
	}
	return buf.PHSum[i]
}

// expand runs the calibration on every enabled ROC and merges the
// results per sweep step.
//
// A ROC with all its pixels enabled is calibrated in one call when a
// whole-ROC routine is available. Otherwise each enabled pixel is
// calibrated on its own.
func (r *run) expand(nsteps int, rocfn rocFunc, pixfn pixFunc) ([][]dut.Pixel, error) {
	r.msg.Debugf("%s: %s scan with %d step(s)", r.name, r.mode, nsteps)
	steps := make([][]dut.Pixel, nsteps)
	if nsteps == 0 {
		r.msg.Warnf("%s: empty sweep range", r.name)
		r.advance(done)
		return steps, nil
	}

	rocs, err := r.dev.EnabledROCs()
	if err != nil {
		return nil, fmt.Errorf("scan: could not retrieve enabled ROCs: %w", err)
	}
	geom := r.dev.Geometry()

	for _, id := range rocs {
		roc := uint8(id)
		r.advance(addressSelected)

		all, err := r.dev.AllPixelsEnabled(id)
		if err != nil {
			return nil, fmt.Errorf("scan: could not retrieve pixels of ROC %d: %w", id, err)
		}

		if all && rocfn != nil && nsteps == 1 {
			r.advance(sweeping)
			buf, err := rocfn(roc)
			if err != nil {
				return nil, fmt.Errorf("scan: %s of ROC %d failed: %w", r.name, id, err)
			}
			r.advance(extracting)
			if n := buf.Len(); n < geom.Size() {
				return nil, fmt.Errorf(
					"scan: %s of ROC %d: short readout buffer (got=%d, want=%d)",
					r.name, id, n, geom.Size(),
				)
			}
			var pixels []dut.Pixel
			switch r.mode {
			case Efficiency:
				pixels = dut.Delinearize(roc, geom, buf.NReadouts[:geom.Size()])
			default:
				pixels = dut.Delinearize(roc, geom, buf.PHSum[:geom.Size()])
			}
			steps[0] = append(steps[0], pixels...)
			continue
		}

		pixels, err := r.dev.EnabledPixels(id)
		if err != nil {
			return nil, fmt.Errorf("scan: could not retrieve pixels of ROC %d: %w", id, err)
		}
		for _, pix := range pixels {
			r.advance(sweeping)
			buf, err := pixfn(roc, pix)
			if err != nil {
				return nil, fmt.Errorf(
					"scan: %s of pixel (%d,%d) of ROC %d failed: %w",
					r.name, pix.Column, pix.Row, id, err,
				)
			}
			r.advance(extracting)
			if n := buf.Len(); n < nsteps {
				return nil, fmt.Errorf(
					"scan: %s of pixel (%d,%d) of ROC %d: short readout buffer (got=%d, want=%d)",
					r.name, pix.Column, pix.Row, id, n, nsteps,
				)
			}
			for i := range steps {
				steps[i] = append(steps[i], dut.Pixel{
					ROC:    roc,
					Column: pix.Column,
					Row:    pix.Row,
					Value:  r.value(buf, i),
				})
			}
		}
	}

	r.advance(done)
	return steps, nil
}
