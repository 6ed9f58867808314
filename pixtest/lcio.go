// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pixtest

import (
	"fmt"

	"github.com/go-lpc/pxar/dut"
	"github.com/go-lpc/pxar/scan"
	"go-hep.org/x/hep/lcio"
)

const (
	lcioDetector   = "pxar"
	lcioCollection = "PXAR_PIXELS"
)

// WriteLCIO writes the steps of a scan of the named DAC to w, one LCIO
// event per DAC value.
//
// Each pixel is stored as a (roc, column, row, value) generic object.
func WriteLCIO(w *lcio.Writer, run int32, name string, mode scan.Mode, steps []scan.DACStep) error {
	err := w.WriteRunHeader(&lcio.RunHeader{
		RunNumber: run,
		Detector:  lcioDetector,
		Descr:     fmt.Sprintf("%v vs %s", mode, name),
		Params: lcio.Params{
			Ints: map[string][]int32{
				"Steps": {int32(len(steps))},
			},
			Strings: map[string][]string{
				"DAC":  {name},
				"Mode": {mode.String()},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("pixtest: could not write run header: %w", err)
	}

	for i, step := range steps {
		raw := &lcio.GenericObject{
			Data: make([]lcio.GenericObjectData, len(step.Pixels)),
		}
		for j, pix := range step.Pixels {
			raw.Data[j].I32s = []int32{
				int32(pix.ROC), int32(pix.Column), int32(pix.Row), pix.Value,
			}
		}

		evt := lcio.Event{
			RunNumber:   run,
			EventNumber: int32(i),
			Detector:    lcioDetector,
			Params: lcio.Params{
				Ints: map[string][]int32{
					"DAC": {int32(step.DAC)},
				},
			},
		}
		evt.Add(lcioCollection, raw)

		err = w.WriteEvent(&evt)
		if err != nil {
			return fmt.Errorf("pixtest: could not write step %d: %w", i, err)
		}
	}

	return nil
}

// ReadLCIO reads back the steps of a scan written with WriteLCIO.
func ReadLCIO(r *lcio.Reader) ([]scan.DACStep, error) {
	var steps []scan.DACStep
	for r.Next() {
		evt := r.Event()
		dac, ok := evt.Params.Ints["DAC"]
		if !ok || len(dac) != 1 {
			return steps, fmt.Errorf("pixtest: event %d has no DAC value", evt.EventNumber)
		}
		raw, ok := evt.Get(lcioCollection).(*lcio.GenericObject)
		if !ok {
			return steps, fmt.Errorf("pixtest: event %d has no %q collection", evt.EventNumber, lcioCollection)
		}

		step := scan.DACStep{
			DAC:    uint8(dac[0]),
			Pixels: make([]dut.Pixel, 0, len(raw.Data)),
		}
		for i, data := range raw.Data {
			v := data.I32s
			if len(v) != 4 {
				return steps, fmt.Errorf(
					"pixtest: invalid pixel %d in event %d (len=%d)",
					i, evt.EventNumber, len(v),
				)
			}
			step.Pixels = append(step.Pixels, dut.Pixel{
				ROC:    uint8(v[0]),
				Column: uint8(v[1]),
				Row:    uint8(v[2]),
				Value:  v[3],
			})
		}
		steps = append(steps, step)
	}

	if err := r.Err(); err != nil {
		return steps, fmt.Errorf("pixtest: could not read LCIO events: %w", err)
	}

	return steps, nil
}
