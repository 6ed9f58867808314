// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pixtest implements calibration procedures on top of the pxar
// API, booking their results into histograms.
package pixtest // import "github.com/go-lpc/pxar/pixtest"

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/pxar/dut"
	"github.com/go-lpc/pxar/scan"
	"go-hep.org/x/hep/hbook"
)

// Runner runs scans on a device under test.
type Runner interface {
	Map(mode scan.Mode, ntrig uint16) ([]dut.Pixel, error)
	DACScan(name string, min, max uint8, mode scan.Mode, ntrig uint16) ([]scan.DACStep, error)
	DACDACScan(name1 string, min1, max1 uint8, name2 string, min2, max2 uint8, mode scan.Mode, ntrig uint16) ([]scan.DACDACStep, error)
}

// Test runs calibration procedures and keeps the histograms they book.
type Test struct {
	run  Runner
	geom dut.Geometry
	msg  log.MsgStream

	h1s []*hbook.H1D
	h2s []*hbook.H2D
}

// New returns a new test procedure runner for ROCs of the provided
// geometry.
func New(run Runner, geom dut.Geometry, msg log.MsgStream) *Test {
	if msg == nil {
		msg = log.NewMsgStream("pixtest", log.LvlInfo, os.Stdout)
	}
	return &Test{run: run, geom: geom, msg: msg}
}

// H1Ds returns the 1-dim histograms booked so far.
func (t *Test) H1Ds() []*hbook.H1D { return t.h1s }

// H2Ds returns the 2-dim histograms booked so far.
func (t *Test) H2Ds() []*hbook.H2D { return t.h2s }

func (t *Test) bookMap(name string, roc uint8) *hbook.H2D {
	h := hbook.NewH2D(
		t.geom.Columns, -0.5, float64(t.geom.Columns)-0.5,
		t.geom.Rows, -0.5, float64(t.geom.Rows)-0.5,
	)
	h.Annotation()["name"] = fmt.Sprintf("%s_C%d", name, roc)
	t.h2s = append(t.h2s, h)
	return h
}

func rocsOf(pixels []dut.Pixel) []uint8 {
	set := make(map[uint8]struct{})
	for _, pix := range pixels {
		set[pix.ROC] = struct{}{}
	}
	rocs := make([]uint8, 0, len(set))
	for roc := range set {
		rocs = append(rocs, roc)
	}
	sort.Slice(rocs, func(i, j int) bool { return rocs[i] < rocs[j] })
	return rocs
}

// byROC returns the histograms ordered by ROC id.
func byROC[T any](hs map[uint8]T) []T {
	rocs := make([]uint8, 0, len(hs))
	for roc := range hs {
		rocs = append(rocs, roc)
	}
	sort.Slice(rocs, func(i, j int) bool { return rocs[i] < rocs[j] })
	o := make([]T, len(rocs))
	for i, roc := range rocs {
		o[i] = hs[roc]
	}
	return o
}

// PixelAlive injects ntrig calibration pulses in every enabled pixel and
// books, per ROC, the fraction of pulses read out by each pixel.
func (t *Test) PixelAlive(ntrig uint16) ([]*hbook.H2D, error) {
	if ntrig == 0 {
		return nil, fmt.Errorf("pixtest: invalid number of triggers")
	}
	pixels, err := t.run.Map(scan.Efficiency, ntrig)
	if err != nil {
		return nil, fmt.Errorf("pixtest: could not run pixel alive: %w", err)
	}

	var (
		hs   = make(map[uint8]*hbook.H2D)
		dead = make(map[uint8]int)
		o    []*hbook.H2D
	)
	for _, roc := range rocsOf(pixels) {
		h := t.bookMap("pixel_alive", roc)
		hs[roc] = h
		o = append(o, h)
	}

	for _, pix := range pixels {
		if pix.Value == 0 {
			dead[pix.ROC]++
		}
		hs[pix.ROC].Fill(
			float64(pix.Column), float64(pix.Row),
			float64(pix.Value)/float64(ntrig),
		)
	}

	for _, roc := range rocsOf(pixels) {
		t.msg.Infof("ROC %d: %d dead pixels", roc, dead[roc])
	}

	return o, nil
}

// PulseHeightMap injects ntrig calibration pulses in every enabled pixel
// and books, per ROC, the mean pulse height of each pixel.
func (t *Test) PulseHeightMap(ntrig uint16) ([]*hbook.H2D, error) {
	if ntrig == 0 {
		return nil, fmt.Errorf("pixtest: invalid number of triggers")
	}
	pixels, err := t.run.Map(scan.PulseHeight, ntrig)
	if err != nil {
		return nil, fmt.Errorf("pixtest: could not run pulse height map: %w", err)
	}

	hs := make(map[uint8]*hbook.H2D)
	var o []*hbook.H2D
	for _, roc := range rocsOf(pixels) {
		h := t.bookMap("ph_map", roc)
		hs[roc] = h
		o = append(o, h)
	}

	for _, pix := range pixels {
		hs[pix.ROC].Fill(
			float64(pix.Column), float64(pix.Row),
			float64(pix.Value)/float64(ntrig),
		)
	}

	return o, nil
}

// DACScan sweeps the named DAC and books, per ROC, the response summed
// over all the enabled pixels for each DAC value.
func (t *Test) DACScan(name string, max uint8, mode scan.Mode, ntrig uint16) ([]*hbook.H1D, error) {
	steps, err := t.run.DACScan(name, 0, max, mode, ntrig)
	if err != nil {
		return nil, fmt.Errorf("pixtest: could not scan DAC %q: %w", name, err)
	}

	var (
		hs = make(map[uint8]*hbook.H1D)
		n  = len(steps)
	)
	for _, step := range steps {
		for _, pix := range step.Pixels {
			h, ok := hs[pix.ROC]
			if !ok {
				h = hbook.NewH1D(n, -0.5, float64(n)-0.5)
				h.Annotation()["name"] = fmt.Sprintf("%s_%v_C%d", name, mode, pix.ROC)
				hs[pix.ROC] = h
			}
			h.Fill(float64(step.DAC), float64(pix.Value))
		}
	}
	o := byROC(hs)
	t.h1s = append(t.h1s, o...)

	return o, nil
}

// DACDACScan sweeps the two named DACs and books, per ROC, the response
// summed over all the enabled pixels for each point.
func (t *Test) DACDACScan(name1 string, max1 uint8, name2 string, max2 uint8, mode scan.Mode, ntrig uint16) ([]*hbook.H2D, error) {
	steps, err := t.run.DACDACScan(name1, 0, max1, name2, 0, max2, mode, ntrig)
	if err != nil {
		return nil, fmt.Errorf("pixtest: could not scan DACs %q and %q: %w", name1, name2, err)
	}

	var (
		hs     = make(map[uint8]*hbook.H2D)
		n1, n2 int
	)
	for _, step := range steps {
		if v := int(step.DAC1) + 1; v > n1 {
			n1 = v
		}
		if v := int(step.DAC2) + 1; v > n2 {
			n2 = v
		}
	}
	for _, step := range steps {
		for _, pix := range step.Pixels {
			h, ok := hs[pix.ROC]
			if !ok {
				h = hbook.NewH2D(
					n1, -0.5, float64(n1)-0.5,
					n2, -0.5, float64(n2)-0.5,
				)
				h.Annotation()["name"] = fmt.Sprintf("%s_%s_%v_C%d", name1, name2, mode, pix.ROC)
				hs[pix.ROC] = h
			}
			h.Fill(float64(step.DAC1), float64(step.DAC2), float64(pix.Value))
		}
	}
	o := byROC(hs)
	t.h2s = append(t.h2s, o...)

	return o, nil
}
