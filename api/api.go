// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package api is the entry point to configure and calibrate a pixel
// device under test attached to a digital test board.
//
// An API owns the device configuration, the hardware command layer and
// the scan engine. Every value it receives is validated against the
// register dictionary before it reaches the hardware.
package api // import "github.com/go-lpc/pxar/api"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/pxar/dict"
	"github.com/go-lpc/pxar/dut"
	"github.com/go-lpc/pxar/hal"
	"github.com/go-lpc/pxar/scan"
)

// ErrNotReady is returned when the testboard or the DUT is not ready.
var ErrNotReady = dut.ErrNotReady

// DAC is a named register setting.
type DAC struct {
	Name  string
	Value uint8
}

// Setting is a named testboard setting.
type Setting struct {
	Name  string
	Value float64
}

// API drives a device under test through a digital test board.
type API struct {
	msg  log.MsgStream
	dict *dict.Dictionary
	hal  *hal.HAL
	dut  *dut.DUT
	scan *scan.Engine
}

// New connects to the test board behind tb.
func New(tb hal.Transport, opts ...Option) (*API, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.msg == nil {
		cfg.msg = log.NewMsgStream("pxar", log.LvlInfo, os.Stdout)
	}
	if cfg.dict == nil {
		cfg.dict = dict.New()
	}
	if err := cfg.geom.Validate(); err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}

	h, err := hal.New(
		tb,
		hal.WithMsgStream(cfg.msg),
		hal.WithGeometry(cfg.geom),
		hal.WithSleep(cfg.sleep),
	)
	if err != nil {
		return nil, fmt.Errorf("api: could not open test board: %w", err)
	}

	d := dut.New(cfg.geom, cfg.dict, cfg.msg)
	return &API{
		msg:  cfg.msg,
		dict: cfg.dict,
		hal:  h,
		dut:  d,
		scan: scan.New(d, h, cfg.msg),
	}, nil
}

// Close powers the DUT down and closes the test board session.
func (a *API) Close() error {
	return a.hal.Close()
}

// DUT returns the device configuration owned by the API.
func (a *API) DUT() *dut.DUT { return a.dut }

// Dictionary returns the dictionary used to resolve names.
func (a *API) Dictionary() *dict.Dictionary { return a.dict }

// Status returns whether the test board is initialized and the DUT is
// initialized and programmed.
func (a *API) Status() bool {
	return a.hal.Status() && a.dut.Status()
}

func (a *API) ready() error {
	if !a.Status() {
		return ErrNotReady
	}
	return nil
}

// verifyRegister resolves a register name and clamps value to the
// register range.
func (a *API) verifyRegister(name string, value uint8, kind dict.Kind) (dict.Register, uint8, error) {
	name = strings.ToLower(name)
	reg, ok := a.dict.Register(name, kind)
	if !ok {
		a.msg.Errorf("invalid register name %q", name)
		return reg, value, fmt.Errorf("api: invalid %v register name %q", kind, name)
	}
	if value > reg.Max {
		a.msg.Warnf(
			"register range overflow, set register %q (%d) to %d (was: %d)",
			name, reg.ID, reg.Max, value,
		)
		value = reg.Max
	}
	a.msg.Debugf("verified register %q (%d): %d (max %d)", name, reg.ID, value, reg.Max)
	return reg, value, nil
}

// deviceCode returns the type code of a device.
func (a *API) deviceCode(name string) (uint8, error) {
	name = strings.ToLower(name)
	a.msg.Debugf("looking up device type for %q", name)
	code, ok := a.dict.DeviceCode(name)
	if !ok {
		a.msg.Errorf("unknown device %q", name)
		return 0, fmt.Errorf("api: unknown device %q", name)
	}
	a.msg.Debugf("device type return: %d", code)
	return code, nil
}

// verifyPatternGenerator checks that only the last command of a pattern
// generator program stops the generator, forcing it to do so if needed.
func (a *API) verifyPatternGenerator(pg []dut.PGCmd) error {
	for i := range pg {
		last := i == len(pg)-1
		if pg[i].Delay == 0 && !last {
			a.msg.Errorf("found delay = 0 on early entry: this stops the pattern generator at position %d", i)
			return fmt.Errorf("api: pattern generator stops at early position %d", i)
		}
		if last && pg[i].Delay != 0 {
			a.msg.Warnf("no delay = 0 found on last entry: setting last delay to 0 to stop the pattern generator")
			pg[i].Delay = 0
		}
	}
	return nil
}

// InitTestboard validates and applies the test board settings: signal
// delays, power settings (va, vd in V, ia, id in A) and the pattern
// generator program.
func (a *API) InitTestboard(delays []DAC, power []Setting, pg []dut.PGCmd) error {
	var va, vd, ia, id float64
	for _, p := range power {
		name := strings.ToLower(p.Name)
		if p.Value < 0 {
			a.msg.Errorf("negative value for power setting %q: skipping", name)
			continue
		}
		switch name {
		case "va":
			va = p.Value
		case "vd":
			vd = p.Value
		case "ia":
			ia = p.Value
		case "id":
			id = p.Value
		default:
			a.msg.Errorf("unknown power setting %q: skipping", name)
		}
	}
	if va == 0 || vd == 0 || ia == 0 || id == 0 {
		a.msg.Errorf("power settings are not sufficient: please check and re-configure")
		return fmt.Errorf(
			"api: insufficient power settings (va=%v, vd=%v, ia=%v, id=%v)",
			va, vd, ia, id,
		)
	}

	sigs := make(map[uint8]uint8, len(delays))
	for _, d := range delays {
		reg, value, err := a.verifyRegister(d.Name, d.Value, dict.DTB)
		if err != nil {
			continue
		}
		if old, dup := sigs[reg.ID]; dup {
			a.msg.Warnf("overwriting existing DTB delay setting %q value %d with %d", d.Name, old, value)
		}
		sigs[reg.ID] = value
	}

	pg = append([]dut.PGCmd(nil), pg...)
	err := a.verifyPatternGenerator(pg)
	if err != nil {
		return err
	}

	a.dut.SetTestboard(dut.Testboard{
		VA:     va,
		VD:     vd,
		IA:     ia,
		ID:     id,
		Delays: sigs,
		PG:     pg,
	})

	err = a.hal.Initialize(sigs, pg, va, vd, ia, id)
	if err != nil {
		return fmt.Errorf("api: could not initialize test board: %w", err)
	}
	return nil
}

func (a *API) registers(kind dict.Kind, dacs []DAC) map[uint8]uint8 {
	o := make(map[uint8]uint8, len(dacs))
	for _, dac := range dacs {
		reg, value, err := a.verifyRegister(dac.Name, dac.Value, kind)
		if err != nil {
			continue
		}
		if old, dup := o[reg.ID]; dup {
			a.msg.Warnf("overwriting existing DAC %q value %d with %d", dac.Name, old, value)
		}
		o[reg.ID] = value
	}
	return o
}

// InitDUT populates the DUT with TBMs of type tbmType and ROCs of type
// rocType, then programs it.
//
// rocDACs and rocPixels hold one entry per ROC.
func (a *API) InitDUT(tbmType string, tbmDACs [][]DAC, rocType string, rocDACs [][]DAC, rocPixels [][]dut.PixelConfig) error {
	if !a.hal.Status() {
		return hal.ErrNotInitialized
	}

	if len(rocDACs) != len(rocPixels) {
		a.msg.Errorf("hm, we have %d DAC configs but %d pixel configs.", len(rocDACs), len(rocPixels))
		a.msg.Errorf("this cannot end well...")
		return fmt.Errorf(
			"api: ROC DAC and pixel configurations mismatch (dacs=%d, pixels=%d)",
			len(rocDACs), len(rocPixels),
		)
	}

	tbms := make([]dut.TBMConfig, len(tbmDACs))
	if len(tbmDACs) > 0 {
		code, err := a.deviceCode(tbmType)
		if err != nil {
			return err
		}
		for i, dacs := range tbmDACs {
			tbms[i] = dut.TBMConfig{
				DACs:   a.registers(dict.TBM, dacs),
				Type:   code,
				Enable: true,
			}
		}
	}

	rocs := make([]dut.ROCConfig, len(rocDACs))
	if len(rocDACs) > 0 {
		code, err := a.deviceCode(rocType)
		if err != nil {
			return err
		}
		for i, dacs := range rocDACs {
			rocs[i] = dut.ROCConfig{
				Pixels: rocPixels[i],
				DACs:   a.registers(dict.ROC, dacs),
				Type:   code,
				Enable: true,
			}
		}
	}

	err := a.dut.Populate(tbms, rocs)
	if err != nil {
		return fmt.Errorf("api: could not populate DUT: %w", err)
	}
	return a.ProgramDUT()
}

// ProgramDUT pushes the DUT configuration to the hardware: registers of
// the enabled TBMs and ROCs, then masks and trims.
// The DUT is only marked as programmed once every write succeeded.
func (a *API) ProgramDUT() error {
	a.dut.SetProgrammed(false)

	rocs, tbms, err := a.dut.Snapshot()
	if err != nil {
		a.msg.Errorf("DUT not initialized, unable to program it")
		return err
	}

	for i, tbm := range tbms {
		if !tbm.Enable {
			continue
		}
		a.msg.Debugf("programming TBM %d...", i)
		err = a.hal.InitTBM(uint8(i), tbm.DACs)
		if err != nil {
			return fmt.Errorf("api: could not program TBM %d: %w", i, err)
		}
	}

	for i, roc := range rocs {
		if !roc.Enable {
			continue
		}
		a.msg.Debugf("programming ROC %d...", i)
		err = a.hal.InitROC(uint8(i), roc.DACs)
		if err != nil {
			return fmt.Errorf("api: could not program ROC %d: %w", i, err)
		}
	}

	err = a.MaskAndTrim()
	if err != nil {
		return err
	}

	a.dut.SetProgrammed(true)
	return nil
}

// MaskAndTrim writes the mask and trim state of every ROC, choosing the
// sequence with the fewest commands.
func (a *API) MaskAndTrim() error {
	rocs, _, err := a.dut.Snapshot()
	if err != nil {
		return err
	}
	size := a.dut.Geometry().Size()

	for i, roc := range rocs {
		var (
			id     = uint8(i)
			masked = dut.Count(roc.Pixels, dut.WithMask[dut.PixelConfig](true))
		)
		a.msg.Debugf("ROC %d features %d masked pixels", i, masked)

		switch {
		case masked == 0:
			a.msg.Debugf("unmasking and trimming ROC %d in one go", i)
			err = a.hal.ROCSetMask(id, false, roc.Pixels)

		case masked == size:
			a.msg.Debugf("masking ROC %d in one go", i)
			err = a.hal.ROCSetMask(id, true, nil)

		case masked <= size/2:
			a.msg.Debugf("unmasking and trimming ROC %d before masking single pixels", i)
			err = a.hal.ROCSetMask(id, false, roc.Pixels)
			for _, p := range dut.Filter(roc.Pixels, dut.WithMask[dut.PixelConfig](true)) {
				if err != nil {
					break
				}
				err = a.hal.PixelSetMask(id, p.Column, p.Row, true, 0)
			}

		default:
			a.msg.Debugf("masking ROC %d before unmasking single pixels", i)
			err = a.hal.ROCSetMask(id, true, nil)
			for _, p := range dut.Filter(roc.Pixels, dut.WithMask[dut.PixelConfig](false)) {
				if err != nil {
					break
				}
				err = a.hal.PixelSetMask(id, p.Column, p.Row, false, p.Trim)
			}
		}
		if err != nil {
			return fmt.Errorf("api: could not mask and trim ROC %d: %w", i, err)
		}
	}
	return nil
}

// SetDAC sets a DAC on one ROC, even a disabled one, or with a negative
// id on all the enabled ROCs.
func (a *API) SetDAC(name string, value uint8, roc int) error {
	if err := a.ready(); err != nil {
		return err
	}
	reg, value, err := a.verifyRegister(name, value, dict.ROC)
	if err != nil {
		return err
	}

	ids, err := a.rocTargets(roc)
	if err != nil {
		return err
	}
	for _, i := range ids {
		created, err := a.dut.SetDAC(i, reg.Name, value)
		if err != nil {
			return fmt.Errorf("api: could not set DAC %q of ROC %d: %w", name, i, err)
		}
		if created {
			a.msg.Warnf("DAC %q was not initialized. Created with value %d", name, value)
		} else {
			a.msg.Debugf("DAC %q updated with value %d", name, value)
		}
		err = a.hal.ROCSetDAC(uint8(i), reg.ID, value)
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *API) rocTargets(roc int) ([]int, error) {
	if roc < 0 {
		return a.dut.EnabledROCs()
	}
	n, err := a.dut.NumROCs()
	if err != nil {
		return nil, err
	}
	if roc >= n {
		a.msg.Warnf("ROC %d is not existing in the DUT (nrocs=%d)", roc, n)
		return nil, nil
	}
	return []int{roc}, nil
}

// SetTBMReg sets a register on one TBM, even a disabled one, or with a
// negative id on all the enabled TBMs.
func (a *API) SetTBMReg(name string, value uint8, tbm int) error {
	if err := a.ready(); err != nil {
		return err
	}
	reg, value, err := a.verifyRegister(name, value, dict.TBM)
	if err != nil {
		return err
	}

	var ids []int
	switch {
	case tbm < 0:
		ids, err = a.dut.EnabledTBMs()
		if err != nil {
			return err
		}
	default:
		n, err := a.dut.NumTBMs()
		if err != nil {
			return err
		}
		if tbm >= n {
			a.msg.Warnf("TBM %d is not existing in the DUT (ntbms=%d)", tbm, n)
			return nil
		}
		ids = []int{tbm}
	}

	for _, i := range ids {
		created, err := a.dut.SetTBMReg(i, reg.Name, value)
		if err != nil {
			return fmt.Errorf("api: could not set register %q of TBM %d: %w", name, i, err)
		}
		if created {
			a.msg.Warnf("register %q was not initialized. Created with value %d", name, value)
		} else {
			a.msg.Debugf("register %q updated with value %d", name, value)
		}
		err = a.hal.TBMSetReg(uint8(i), reg.ID, value)
		if err != nil {
			return err
		}
	}
	return nil
}

// FlashTB writes a new firmware into the test board.
//
// The test board must be flashed right after startup, before any
// initialization and with all the attached DUTs powered down.
func (a *API) FlashTB(r io.Reader) error {
	if a.hal.Initialized() || a.dut.Status() {
		a.msg.Errorf("the testboard should only be flashed without initialization and with all attached DUTs powered down")
		a.msg.Errorf("please power cycle the testboard and flash directly after startup!")
		return errors.New("api: test board already initialized")
	}
	return a.hal.Flash(r)
}

func (a *API) readback(f func() (float64, error)) (float64, error) {
	if !a.hal.Status() {
		return 0, hal.ErrNotInitialized
	}
	return f()
}

// TBVA returns the analog voltage, in V.
func (a *API) TBVA() (float64, error) { return a.readback(a.hal.TBVA) }

// TBVD returns the digital voltage, in V.
func (a *API) TBVD() (float64, error) { return a.readback(a.hal.TBVD) }

// TBIA returns the analog current, in A.
func (a *API) TBIA() (float64, error) { return a.readback(a.hal.TBIA) }

// TBID returns the digital current, in A.
func (a *API) TBID() (float64, error) { return a.readback(a.hal.TBID) }

// HVOn switches the high voltage on.
func (a *API) HVOn() error { return a.hal.HVOn() }

// HVOff switches the high voltage off.
func (a *API) HVOff() error { return a.hal.HVOff() }

// PowerOn switches the DUT power on and programs the DUT again, if it
// was initialized.
func (a *API) PowerOn() error {
	err := a.hal.PowerOn()
	if err != nil {
		return err
	}
	if !a.dut.Initialized() {
		return nil
	}
	return a.ProgramDUT()
}

// PowerOff switches the DUT power off. The DUT has to be programmed
// again once powered back on.
func (a *API) PowerOff() error {
	err := a.hal.PowerOff()
	a.dut.SetProgrammed(false)
	return err
}

// SignalProbe routes the named signal to a probe output: "d1" and "d2"
// for the digital probes, "a1" and "a2" for the analog ones.
func (a *API) SignalProbe(probe, name string) error {
	if !a.hal.Status() {
		return hal.ErrNotInitialized
	}

	probe = strings.ToLower(probe)
	name = strings.ToLower(name)

	var p hal.Probe
	switch probe {
	case "d1":
		p = hal.ProbeD1
	case "d2":
		p = hal.ProbeD2
	case "a1":
		p = hal.ProbeA1
	case "a2":
		p = hal.ProbeA2
	default:
		a.msg.Errorf("invalid probe name %q selected!", probe)
		return fmt.Errorf("api: invalid probe %q", probe)
	}

	kind := dict.Digital
	if p.Analog() {
		kind = dict.Analog
	}
	a.msg.Debugf("looking up probe signal for %q", name)
	sig, ok := a.dict.ProbeSignal(kind, name)
	if !ok {
		a.msg.Errorf("invalid probe signal %q for probe %q", name, probe)
		return fmt.Errorf("api: invalid signal %q for probe %q", name, probe)
	}
	a.msg.Debugf("probe signal return: %d", sig)
	return a.hal.SignalProbe(p, sig)
}

// DAQStart prepares the test board for data taking, optionally with a
// new pattern generator program.
func (a *API) DAQStart(pg []dut.PGCmd) error {
	if err := a.ready(); err != nil {
		return err
	}
	if len(pg) == 0 {
		return nil
	}
	pg = append([]dut.PGCmd(nil), pg...)
	err := a.verifyPatternGenerator(pg)
	if err != nil {
		return err
	}
	return a.hal.SetupPatternGenerator(pg)
}

// DAQStop ends data taking and restores the pattern generator program
// of the DUT.
func (a *API) DAQStop() error {
	if err := a.ready(); err != nil {
		return err
	}
	return a.hal.SetupPatternGenerator(a.dut.Testboard().PG)
}
