// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api

import (
	"fmt"

	"github.com/go-lpc/pxar/dict"
	"github.com/go-lpc/pxar/dut"
	"github.com/go-lpc/pxar/scan"
)

// sweep validates a DAC sweep range.
//
// Sweeps always start at 0: a non-zero lower bound is ignored.
func (a *API) sweep(name string, min, max uint8) (dict.Register, uint8, error) {
	if min > max {
		a.msg.Warnf("swapping upper and lower bound")
		min, max = max, min
	}
	reg, max, err := a.verifyRegister(name, max, dict.ROC)
	if err != nil {
		return reg, max, err
	}
	if min != 0 {
		a.msg.Warnf("DAC %q: sweep starts at 0, ignoring lower bound %d", name, min)
	}
	return reg, max, nil
}

// restoreDACs writes back the DUT value of the scanned DACs on all the
// enabled ROCs.
func (a *API) restoreDACs(regs ...dict.Register) error {
	rocs, err := a.dut.EnabledROCs()
	if err != nil {
		return err
	}
	for _, roc := range rocs {
		for _, reg := range regs {
			v, err := a.dut.DAC(roc, reg.Name)
			if err != nil {
				return fmt.Errorf("api: could not retrieve DAC %q of ROC %d: %w", reg.Name, roc, err)
			}
			a.msg.Debugf("reset DAC %q to original value %d", reg.Name, v)
			err = a.hal.ROCSetDAC(uint8(roc), reg.ID, v)
			if err != nil {
				return fmt.Errorf("api: could not restore DAC %q of ROC %d: %w", reg.Name, roc, err)
			}
		}
	}
	return nil
}

// DACScan sweeps the named DAC and returns the pixel values measured at
// each DAC value.
func (a *API) DACScan(name string, min, max uint8, mode scan.Mode, ntrig uint16) ([]scan.DACStep, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	reg, max, err := a.sweep(name, min, max)
	if err != nil {
		return nil, err
	}

	err = a.MaskAndTrim()
	if err != nil {
		return nil, err
	}

	steps, err := a.scan.DACScan(reg.ID, max, mode, ntrig)
	if rerr := a.restoreDACs(reg); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		return nil, fmt.Errorf("api: could not scan DAC %q: %w", name, err)
	}
	return steps, nil
}

// DACDACScan sweeps the two named DACs and returns the pixel values
// measured at each point, the second DAC running fastest.
func (a *API) DACDACScan(name1 string, min1, max1 uint8, name2 string, min2, max2 uint8, mode scan.Mode, ntrig uint16) ([]scan.DACDACStep, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	reg1, max1, err := a.sweep(name1, min1, max1)
	if err != nil {
		return nil, err
	}
	reg2, max2, err := a.sweep(name2, min2, max2)
	if err != nil {
		return nil, err
	}

	err = a.MaskAndTrim()
	if err != nil {
		return nil, err
	}

	steps, err := a.scan.DACDACScan(reg1.ID, max1, reg2.ID, max2, mode, ntrig)
	if rerr := a.restoreDACs(reg1, reg2); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		return nil, fmt.Errorf("api: could not scan DACs %q and %q: %w", name1, name2, err)
	}
	return steps, nil
}

// Map injects ntrig calibration pulses into every enabled pixel.
func (a *API) Map(mode scan.Mode, ntrig uint16) ([]dut.Pixel, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	err := a.MaskAndTrim()
	if err != nil {
		return nil, err
	}
	pixels, err := a.scan.Map(mode, ntrig)
	if err != nil {
		return nil, fmt.Errorf("api: could not run %v map: %w", mode, err)
	}
	return pixels, nil
}

// PulseheightVsDAC returns the summed pulse height of every enabled pixel
// for each value of the named DAC.
func (a *API) PulseheightVsDAC(name string, min, max uint8, ntrig uint16) ([]scan.DACStep, error) {
	return a.DACScan(name, min, max, scan.PulseHeight, ntrig)
}

// EfficiencyVsDAC returns the number of readouts of every enabled pixel
// for each value of the named DAC.
func (a *API) EfficiencyVsDAC(name string, min, max uint8, ntrig uint16) ([]scan.DACStep, error) {
	return a.DACScan(name, min, max, scan.Efficiency, ntrig)
}

// PulseheightVsDACDAC returns the summed pulse height of every enabled
// pixel for each point of a two DACs sweep.
func (a *API) PulseheightVsDACDAC(name1 string, min1, max1 uint8, name2 string, min2, max2 uint8, ntrig uint16) ([]scan.DACDACStep, error) {
	return a.DACDACScan(name1, min1, max1, name2, min2, max2, scan.PulseHeight, ntrig)
}

// EfficiencyVsDACDAC returns the number of readouts of every enabled
// pixel for each point of a two DACs sweep.
func (a *API) EfficiencyVsDACDAC(name1 string, min1, max1 uint8, name2 string, min2, max2 uint8, ntrig uint16) ([]scan.DACDACStep, error) {
	return a.DACDACScan(name1, min1, max1, name2, min2, max2, scan.Efficiency, ntrig)
}

// PulseheightMap returns the summed pulse height of every enabled pixel.
func (a *API) PulseheightMap(ntrig uint16) ([]dut.Pixel, error) {
	return a.Map(scan.PulseHeight, ntrig)
}

// EfficiencyMap returns the number of readouts of every enabled pixel.
func (a *API) EfficiencyMap(ntrig uint16) ([]dut.Pixel, error) {
	return a.Map(scan.Efficiency, ntrig)
}
