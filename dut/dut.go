// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dut holds the configuration model of a device under test:
// the ROCs and TBMs of a module, the pixels of each ROC and the
// testboard settings used to drive them.
package dut // import "github.com/go-lpc/pxar/dut"

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/pxar/dict"
)

// ErrNotReady is returned by queries and mutations when the DUT has not
// been both initialized and programmed.
var ErrNotReady = errors.New("dut: not initialized or not programmed")

// Testboard holds the validated testboard settings of a DUT.
type Testboard struct {
	VA, VD float64 // voltages, in V
	IA, ID float64 // current limits, in A

	Delays map[uint8]uint8 // signal register -> delay
	PG     []PGCmd         // pattern generator program
}

// DUT is the authoritative configuration of a device under test.
//
// A DUT is owned by a single writer. Hardware is considered out of date
// until the owner reports the configuration as programmed.
type DUT struct {
	msg  log.MsgStream
	geom Geometry
	dict *dict.Dictionary

	rocs []ROCConfig
	tbms []TBMConfig
	tb   Testboard

	initialized bool
	programmed  bool
}

// New returns an empty DUT with the given pixel matrix geometry.
func New(geom Geometry, names *dict.Dictionary, msg log.MsgStream) *DUT {
	if msg == nil {
		msg = log.NewMsgStream("dut", log.LvlInfo, os.Stdout)
	}
	return &DUT{
		msg:  msg,
		geom: geom,
		dict: names,
	}
}

// Geometry returns the pixel matrix geometry of the ROCs.
func (d *DUT) Geometry() Geometry { return d.geom }

// Populate replaces the configuration of the DUT and marks it as
// initialized (but not programmed).
//
// The pixel set of each ROC is completed to the full matrix: pixels not
// provided are masked and disabled, pixels outside the matrix are
// dropped and trims above MaxTrim are clamped.
func (d *DUT) Populate(tbms []TBMConfig, rocs []ROCConfig) error {
	if err := d.geom.Validate(); err != nil {
		return err
	}

	d.tbms = make([]TBMConfig, len(tbms))
	for i, tbm := range tbms {
		d.tbms[i] = tbm.clone()
	}

	d.rocs = make([]ROCConfig, len(rocs))
	for i, roc := range rocs {
		d.rocs[i] = d.complete(i, roc)
	}

	d.initialized = true
	d.programmed = false
	return nil
}

func (d *DUT) complete(id int, roc ROCConfig) ROCConfig {
	var (
		size = d.geom.Size()
		pix  = make([]PixelConfig, size)
		set  = make([]bool, size)
	)
	for i := range pix {
		col, row := d.geom.Coord(i)
		pix[i] = DefaultPixel(col, row)
	}

	for _, p := range roc.Pixels {
		if !d.geom.Contains(p.Column, p.Row) {
			d.msg.Warnf("ROC %d: pixel (%d,%d) outside %v matrix, dropped", id, p.Column, p.Row, d.geom)
			continue
		}
		if p.Trim > MaxTrim {
			d.msg.Warnf("ROC %d: pixel (%d,%d) trim value %d exceeds limit, set to %d", id, p.Column, p.Row, p.Trim, MaxTrim)
			p.Trim = MaxTrim
		}
		i := d.geom.Index(p.Column, p.Row)
		if set[i] {
			d.msg.Warnf("ROC %d: overwriting configuration of pixel (%d,%d)", id, p.Column, p.Row)
		}
		set[i] = true
		pix[i] = p
	}

	o := roc.clone()
	o.Pixels = pix
	return o
}

// SetTestboard records the testboard settings the DUT is operated with.
func (d *DUT) SetTestboard(tb Testboard) {
	tb.Delays = cloneRegs(tb.Delays)
	tb.PG = append([]PGCmd(nil), tb.PG...)
	d.tb = tb
}

// Testboard returns the recorded testboard settings.
func (d *DUT) Testboard() Testboard {
	tb := d.tb
	tb.Delays = cloneRegs(d.tb.Delays)
	tb.PG = append([]PGCmd(nil), d.tb.PG...)
	return tb
}

// SetProgrammed records whether the configuration has been pushed to
// the hardware.
func (d *DUT) SetProgrammed(v bool) {
	d.programmed = v && d.initialized
}

// Initialized returns whether the DUT has been populated.
func (d *DUT) Initialized() bool { return d.initialized }

// Status returns whether the DUT is initialized and programmed.
func (d *DUT) Status() bool { return d.initialized && d.programmed }

func (d *DUT) ready() error {
	if !d.Status() {
		d.msg.Errorf("DUT not initialized or not programmed")
		return ErrNotReady
	}
	return nil
}

func (d *DUT) roc(id int) (*ROCConfig, error) {
	if id < 0 || id >= len(d.rocs) {
		return nil, fmt.Errorf("dut: invalid ROC index %d (nrocs=%d)", id, len(d.rocs))
	}
	return &d.rocs[id], nil
}

func (d *DUT) tbm(id int) (*TBMConfig, error) {
	if id < 0 || id >= len(d.tbms) {
		return nil, fmt.Errorf("dut: invalid TBM index %d (ntbms=%d)", id, len(d.tbms))
	}
	return &d.tbms[id], nil
}

// targets returns the indices of the ROCs selected by id.
// A negative id selects all ROCs.
func (d *DUT) targets(id int) []int {
	if id < 0 {
		o := make([]int, len(d.rocs))
		for i := range o {
			o[i] = i
		}
		return o
	}
	if id >= len(d.rocs) {
		d.msg.Warnf("ROC %d does not exist (nrocs=%d)", id, len(d.rocs))
		return nil
	}
	return []int{id}
}

func (d *DUT) pixel(roc int, col, row uint8) *PixelConfig {
	pix := d.rocs[roc].Pixels
	if d.geom.Contains(col, row) {
		if i := d.geom.Index(col, row); i < len(pix) && pix[i].Column == col && pix[i].Row == row {
			return &pix[i]
		}
	}
	if i := Find(pix, AtXY[PixelConfig](col, row)); i >= 0 {
		return &pix[i]
	}
	return nil
}

// NumEnabledPixels returns the number of pixels under test on a ROC.
func (d *DUT) NumEnabledPixels(roc int) (int, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	r, err := d.roc(roc)
	if err != nil {
		return 0, err
	}
	return Count(r.Pixels, WithEnable[PixelConfig](true)), nil
}

// NumMaskedPixels returns the number of masked pixels on a ROC.
func (d *DUT) NumMaskedPixels(roc int) (int, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	r, err := d.roc(roc)
	if err != nil {
		return 0, err
	}
	return Count(r.Pixels, WithMask[PixelConfig](true)), nil
}

// NumROCs returns the number of configured ROCs.
func (d *DUT) NumROCs() (int, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	return len(d.rocs), nil
}

// NumTBMs returns the number of configured TBMs.
func (d *DUT) NumTBMs() (int, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	return len(d.tbms), nil
}

// NumEnabledROCs returns the number of enabled ROCs.
func (d *DUT) NumEnabledROCs() (int, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	return Count(d.rocs, WithEnable[ROCConfig](true)), nil
}

// NumEnabledTBMs returns the number of enabled TBMs.
func (d *DUT) NumEnabledTBMs() (int, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	return Count(d.tbms, WithEnable[TBMConfig](true)), nil
}

// EnabledROCs returns the indices of the enabled ROCs.
func (d *DUT) EnabledROCs() ([]int, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return Indices(d.rocs, WithEnable[ROCConfig](true)), nil
}

// EnabledTBMs returns the indices of the enabled TBMs.
func (d *DUT) EnabledTBMs() ([]int, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return Indices(d.tbms, WithEnable[TBMConfig](true)), nil
}

// EnabledPixels returns the configuration of the pixels under test on a ROC.
func (d *DUT) EnabledPixels(roc int) ([]PixelConfig, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	r, err := d.roc(roc)
	if err != nil {
		return nil, err
	}
	return Filter(r.Pixels, WithEnable[PixelConfig](true)), nil
}

// PixelEnabled returns whether pixel (col,row) of a ROC is under test.
func (d *DUT) PixelEnabled(roc int, col, row uint8) (bool, error) {
	p, err := d.PixelConfig(roc, col, row)
	if err != nil {
		return false, err
	}
	return p.Enable, nil
}

// AllPixelsEnabled returns whether every pixel of a ROC is under test.
func (d *DUT) AllPixelsEnabled(roc int) (bool, error) {
	if err := d.ready(); err != nil {
		return false, err
	}
	r, err := d.roc(roc)
	if err != nil {
		return false, err
	}
	return Find(r.Pixels, WithEnable[PixelConfig](false)) < 0, nil
}

// ModuleEnabled returns whether a full module of ROCs is configured
// and enabled.
func (d *DUT) ModuleEnabled() (bool, error) {
	if err := d.ready(); err != nil {
		return false, err
	}
	if len(d.rocs) < ModuleROCs {
		return false, nil
	}
	return Find(d.rocs, WithEnable[ROCConfig](false)) < 0, nil
}

// PixelConfig returns the configuration of pixel (col,row) of a ROC.
func (d *DUT) PixelConfig(roc int, col, row uint8) (PixelConfig, error) {
	if err := d.ready(); err != nil {
		return PixelConfig{}, err
	}
	if _, err := d.roc(roc); err != nil {
		return PixelConfig{}, err
	}
	p := d.pixel(roc, col, row)
	if p == nil {
		return PixelConfig{}, fmt.Errorf("dut: no pixel (%d,%d) on ROC %d", col, row, roc)
	}
	return *p, nil
}

func (d *DUT) register(name string, kind dict.Kind) (uint8, error) {
	if d.dict == nil {
		return 0, fmt.Errorf("dut: no register dictionary")
	}
	r, ok := d.dict.Register(name, kind)
	if !ok {
		return 0, fmt.Errorf("dut: unknown %v register %q", kind, name)
	}
	return r.ID, nil
}

// DAC returns the value of the named DAC of a ROC.
// A DAC that was never set reads as zero.
func (d *DUT) DAC(roc int, name string) (uint8, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	r, err := d.roc(roc)
	if err != nil {
		return 0, err
	}
	id, err := d.register(name, dict.ROC)
	if err != nil {
		return 0, err
	}
	return r.DACs[id], nil
}

// DACs returns the DAC settings of a ROC, sorted by register id.
func (d *DUT) DACs(roc int) ([]Register, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	r, err := d.roc(roc)
	if err != nil {
		return nil, err
	}
	return sortedRegs(r.DACs), nil
}

// TBMReg returns the value of the named register of a TBM.
func (d *DUT) TBMReg(tbm int, name string) (uint8, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	t, err := d.tbm(tbm)
	if err != nil {
		return 0, err
	}
	id, err := d.register(name, dict.TBM)
	if err != nil {
		return 0, err
	}
	return t.DACs[id], nil
}

// SetDAC sets the value of the named DAC of a ROC.
// It returns whether the DAC was created by this call.
func (d *DUT) SetDAC(roc int, name string, value uint8) (bool, error) {
	if !d.initialized {
		return false, ErrNotReady
	}
	r, err := d.roc(roc)
	if err != nil {
		return false, err
	}
	id, err := d.register(name, dict.ROC)
	if err != nil {
		return false, err
	}
	if r.DACs == nil {
		r.DACs = make(map[uint8]uint8)
	}
	_, ok := r.DACs[id]
	r.DACs[id] = value
	return !ok, nil
}

// SetTBMReg sets the value of the named register of a TBM.
// It returns whether the register was created by this call.
func (d *DUT) SetTBMReg(tbm int, name string, value uint8) (bool, error) {
	if !d.initialized {
		return false, ErrNotReady
	}
	t, err := d.tbm(tbm)
	if err != nil {
		return false, err
	}
	id, err := d.register(name, dict.TBM)
	if err != nil {
		return false, err
	}
	if t.DACs == nil {
		t.DACs = make(map[uint8]uint8)
	}
	_, ok := t.DACs[id]
	t.DACs[id] = value
	return !ok, nil
}

// Info logs a summary of the DUT content.
func (d *DUT) Info() {
	if d.ready() != nil {
		return
	}
	ntbms, _ := d.NumEnabledTBMs()
	nrocs, _ := d.NumEnabledROCs()
	d.msg.Infof("the DUT currently contains:")
	d.msg.Infof("%2d TBMs (%d ON)", len(d.tbms), ntbms)
	for i, tbm := range d.tbms {
		d.msg.Infof("\tTBM %d: %d registers set", i, len(tbm.DACs))
	}
	d.msg.Infof("%2d ROCs (%d ON) with %d pixel configs", len(d.rocs), nrocs, d.geom.Size())
	for i, roc := range d.rocs {
		d.msg.Infof(
			"\tROC %d: %d DACs set, pixels: %d masked, %d active",
			i, len(roc.DACs),
			Count(roc.Pixels, WithMask[PixelConfig](true)),
			Count(roc.Pixels, WithEnable[PixelConfig](true)),
		)
	}
}

// PrintDACs logs the DAC settings of a ROC.
func (d *DUT) PrintDACs(roc int) {
	dacs, err := d.DACs(roc)
	if err != nil {
		d.msg.Errorf("could not retrieve DACs of ROC %d: %+v", roc, err)
		return
	}
	d.msg.Infof("current DAC settings for ROC %d:", roc)
	for _, dac := range dacs {
		name, ok := "", false
		if d.dict != nil {
			name, ok = d.dict.Name(dac.ID, dict.ROC)
		}
		if !ok {
			name = fmt.Sprintf("DAC%d", dac.ID)
		}
		d.msg.Infof("%-12s (0x%02x) = %d", name, dac.ID, dac.Value)
	}
}

// Snapshot returns a copy of the ROC and TBM configurations.
//
// Snapshot only requires the DUT to be initialized: it is the view used
// to program the hardware.
func (d *DUT) Snapshot() ([]ROCConfig, []TBMConfig, error) {
	if !d.initialized {
		d.msg.Errorf("DUT not initialized")
		return nil, nil, ErrNotReady
	}
	rocs := make([]ROCConfig, len(d.rocs))
	for i, roc := range d.rocs {
		rocs[i] = roc.clone()
	}
	tbms := make([]TBMConfig, len(d.tbms))
	for i, tbm := range d.tbms {
		tbms[i] = tbm.clone()
	}
	return rocs, tbms, nil
}

// SetROCEnable enables or disables a ROC.
// A negative id selects all ROCs.
func (d *DUT) SetROCEnable(roc int, enable bool) {
	for _, i := range d.targets(roc) {
		d.rocs[i].Enable = enable
	}
}

// SetTBMEnable enables or disables a TBM.
// A negative id selects all TBMs.
func (d *DUT) SetTBMEnable(tbm int, enable bool) {
	switch {
	case tbm < 0:
		for i := range d.tbms {
			d.tbms[i].Enable = enable
		}
	case tbm < len(d.tbms):
		d.tbms[tbm].Enable = enable
	default:
		d.msg.Warnf("TBM %d does not exist (ntbms=%d)", tbm, len(d.tbms))
	}
}

func (d *DUT) update(col, row uint8, roc int, f func(p *PixelConfig)) error {
	if err := d.ready(); err != nil {
		return err
	}
	for _, i := range d.targets(roc) {
		p := d.pixel(i, col, row)
		if p == nil {
			d.msg.Warnf("pixel at column %d and row %d not found for ROC %d", col, row, i)
			continue
		}
		f(p)
	}
	return nil
}

func (d *DUT) updateAll(roc int, pred func(PixelConfig) bool, f func(p *PixelConfig)) error {
	if err := d.ready(); err != nil {
		return err
	}
	for _, i := range d.targets(roc) {
		pix := d.rocs[i].Pixels
		for j := range pix {
			if pred == nil || pred(pix[j]) {
				f(&pix[j])
			}
		}
	}
	return nil
}

// MaskPixel sets the mask flag of pixel (col,row) on one ROC or, with a
// negative id, on all ROCs.
func (d *DUT) MaskPixel(col, row uint8, mask bool, roc int) error {
	d.msg.Debugf("set mask bit of pixel (%d,%d) to %v on ROC %d", col, row, mask, roc)
	return d.update(col, row, roc, func(p *PixelConfig) {
		p.Mask = mask
	})
}

// MaskColumn sets the mask flag of all pixels of column col.
func (d *DUT) MaskColumn(col uint8, mask bool, roc int) error {
	d.msg.Debugf("set mask bit of column %d to %v on ROC %d", col, mask, roc)
	return d.updateAll(roc, InColumn[PixelConfig](col), func(p *PixelConfig) {
		p.Mask = mask
	})
}

// TestPixel puts pixel (col,row) under test (enabled and unmasked) or
// takes it out of test (disabled and masked).
func (d *DUT) TestPixel(col, row uint8, enable bool, roc int) error {
	d.msg.Debugf("set enable bit of pixel (%d,%d) to %v on ROC %d", col, row, enable, roc)
	return d.update(col, row, roc, func(p *PixelConfig) {
		p.Enable = enable
		p.Mask = !enable
	})
}

// MaskAllPixels sets the mask flag of every pixel.
func (d *DUT) MaskAllPixels(mask bool, roc int) error {
	d.msg.Debugf("set mask bit of all pixels to %v on ROC %d", mask, roc)
	return d.updateAll(roc, nil, func(p *PixelConfig) {
		p.Mask = mask
	})
}

// TestAllPixels puts every pixel under test or takes them all out of test.
func (d *DUT) TestAllPixels(enable bool, roc int) error {
	d.msg.Debugf("set enable bit of all pixels to %v on ROC %d", enable, roc)
	return d.updateAll(roc, nil, func(p *PixelConfig) {
		p.Enable = enable
		p.Mask = !enable
	})
}

func sortedRegs(m map[uint8]uint8) []Register {
	o := make([]Register, 0, len(m))
	for id, v := range m {
		o = append(o, Register{ID: id, Value: v})
	}
	sort.Slice(o, func(i, j int) bool { return o[i].ID < o[j].ID })
	return o
}
