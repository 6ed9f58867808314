// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hal

import "fmt"

// Buffers holds the flat readout buffers of a calibration.
// Both buffers have the same layout.
type Buffers struct {
	NReadouts []int16 // number of readouts per point
	PHSum     []int32 // summed pulse height per point
}

// Len returns the number of points available in both buffers.
func (b Buffers) Len() int {
	n := len(b.NReadouts)
	if len(b.PHSum) < n {
		n = len(b.PHSum)
	}
	return n
}

func (h *HAL) selectROC(roc uint8) error {
	if !h.initialized {
		return ErrNotInitialized
	}
	err := h.tb.ROCI2CAddr(roc)
	if err != nil {
		return fmt.Errorf("hal: could not select ROC %d: %w", roc, err)
	}
	return nil
}

// ROCCalibrateMap injects ntrig calibration pulses into every pixel of a
// ROC and returns full-matrix buffers.
func (h *HAL) ROCCalibrateMap(roc uint8, ntrig uint16) (Buffers, error) {
	h.msg.Debugf("calibrate map of ROC %d, running %d triggers", roc, ntrig)
	err := h.selectROC(roc)
	if err != nil {
		return Buffers{}, err
	}
	nrd, ph, err := h.tb.CalibrateMap(ntrig)
	if err != nil {
		return Buffers{}, fmt.Errorf("hal: could not calibrate map of ROC %d: %w", roc, err)
	}
	h.msg.Debugf("data size: nreadouts=%d, phsum=%d", len(nrd), len(ph))
	return Buffers{NReadouts: nrd, PHSum: ph}, nil
}

// PixelCalibrate injects ntrig calibration pulses into a single pixel.
func (h *HAL) PixelCalibrate(roc, col, row uint8, ntrig uint16) (int16, int32, error) {
	h.msg.Debugf("calibrate pixel (%d,%d) of ROC %d, running %d triggers", col, row, roc, ntrig)
	err := h.selectROC(roc)
	if err != nil {
		return 0, 0, err
	}
	nrd, ph, err := h.tb.CalibratePixel(ntrig, col, row)
	if err != nil {
		return 0, 0, fmt.Errorf("hal: could not calibrate pixel (%d,%d) of ROC %d: %w", col, row, roc, err)
	}
	return nrd, ph, nil
}

// PixelCalibrateDACScan sweeps DAC reg from 0 to max-1 on a single pixel.
func (h *HAL) PixelCalibrateDACScan(roc, col, row, reg, max uint8, ntrig uint16) (Buffers, error) {
	h.msg.Debugf("scan DAC%d 0-%d on pixel (%d,%d) of ROC %d, running %d triggers", reg, max, col, row, roc, ntrig)
	err := h.selectROC(roc)
	if err != nil {
		return Buffers{}, err
	}
	nrd, ph, err := h.tb.CalibrateDACScan(ntrig, col, row, reg, max)
	if err != nil {
		return Buffers{}, fmt.Errorf("hal: could not scan DAC%d on pixel (%d,%d) of ROC %d: %w", reg, col, row, roc, err)
	}
	h.msg.Debugf("data size: nreadouts=%d, phsum=%d", len(nrd), len(ph))
	return Buffers{NReadouts: nrd, PHSum: ph}, nil
}

// PixelCalibrateDACDACScan sweeps DAC reg1 from 0 to max1-1 and, for each
// value, DAC reg2 from 0 to max2-1 on a single pixel.
func (h *HAL) PixelCalibrateDACDACScan(roc, col, row, reg1, max1, reg2, max2 uint8, ntrig uint16) (Buffers, error) {
	h.msg.Debugf(
		"scan DAC%d 0-%d x DAC%d 0-%d on pixel (%d,%d) of ROC %d, running %d triggers",
		reg1, max1, reg2, max2, col, row, roc, ntrig,
	)
	err := h.selectROC(roc)
	if err != nil {
		return Buffers{}, err
	}
	nrd, ph, err := h.tb.CalibrateDACDACScan(ntrig, col, row, reg1, max1, reg2, max2)
	if err != nil {
		return Buffers{}, fmt.Errorf(
			"hal: could not scan DAC%d x DAC%d on pixel (%d,%d) of ROC %d: %w",
			reg1, reg2, col, row, roc, err,
		)
	}
	h.msg.Debugf("data size: nreadouts=%d, phsum=%d", len(nrd), len(ph))
	return Buffers{NReadouts: nrd, PHSum: ph}, nil
}
