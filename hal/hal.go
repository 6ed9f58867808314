// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hal translates configuration intents into ordered command
// sequences for a digital test board, and enforces the power and timing
// constraints of the hardware.
package hal // import "github.com/go-lpc/pxar/hal"

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/pxar/dict"
	"github.com/go-lpc/pxar/dut"
)

// Settle times of the hardware.
const (
	powerSettle = 400 * time.Millisecond
	hvSettle    = 400 * time.Millisecond
	i2cSettle   = 300 * time.Millisecond
	dacSettle   = 300 * time.Millisecond
	probeSettle = 100 * time.Microsecond
	flashSettle = 200 * time.Millisecond
)

const (
	// hubAddr is the default hub address of a module.
	hubAddr = 31

	// sigLevel is the level applied to every delayed signal.
	sigLevel = 15

	tbmCore1 = 0xe0
	tbmCore2 = 0xf0
)

// ErrNotInitialized is returned when the testboard was not initialized.
var ErrNotInitialized = errors.New("hal: testboard not initialized")

// HAL sequences commands to a digital test board.
type HAL struct {
	tb    Transport
	msg   log.MsgStream
	geom  dut.Geometry
	sleep func(time.Duration)

	initialized bool
}

// New opens a HAL on top of the provided board session.
//
// New prints the board information, checks the compatibility of the
// host and firmware RPC calls and initializes the board.
func New(tb Transport, opts ...Option) (*HAL, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.msg == nil {
		cfg.msg = log.NewMsgStream("hal", log.LvlInfo, os.Stdout)
	}
	if err := cfg.geom.Validate(); err != nil {
		return nil, fmt.Errorf("hal: %w", err)
	}

	h := &HAL{
		tb:    tb,
		msg:   cfg.msg,
		geom:  cfg.geom,
		sleep: cfg.sleep,
	}

	err := h.open()
	if err != nil {
		h.msg.Errorf("connection to board has been cancelled: %+v", err)
		_ = tb.Close()
		return nil, err
	}

	return h, nil
}

func (h *HAL) open() error {
	err := h.PrintInfo()
	if err != nil {
		return fmt.Errorf("hal: could not identify DTB software version: %w", err)
	}

	h.CheckCompatibility()

	err = h.tb.Welcome()
	if err != nil {
		return fmt.Errorf("hal: could not send welcome: %w", err)
	}

	err = h.tb.Flush()
	if err != nil {
		return fmt.Errorf("hal: could not flush welcome: %w", err)
	}

	err = h.tb.Init()
	if err != nil {
		return fmt.Errorf("hal: could not initialize board: %w", err)
	}

	return nil
}

// Close switches off the high voltage and the DUT power and closes the
// board session.
func (h *HAL) Close() error {
	var errs []error
	if err := h.tb.HVoff(); err != nil {
		errs = append(errs, fmt.Errorf("hal: could not switch HV off: %w", err))
	}
	if err := h.tb.Poff(); err != nil {
		errs = append(errs, fmt.Errorf("hal: could not switch power off: %w", err))
	}
	if err := h.tb.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("hal: could not flush: %w", err))
	}

	id, err := h.tb.BoardID()
	if err == nil {
		h.msg.Infof("connection to board %d closed", id)
	}

	if err := h.tb.Close(); err != nil {
		errs = append(errs, fmt.Errorf("hal: could not close board: %w", err))
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Initialized returns whether the testboard was initialized.
func (h *HAL) Initialized() bool { return h.initialized }

// Status returns whether the testboard was initialized, logging an error
// when it was not.
func (h *HAL) Status() bool {
	if !h.initialized {
		h.msg.Errorf("testboard not initialized yet")
	}
	return h.initialized
}

// PrintInfo logs the board startup information.
func (h *HAL) PrintInfo() error {
	info, err := h.tb.Info()
	if err != nil {
		return fmt.Errorf("hal: could not retrieve board info: %w", err)
	}
	h.msg.Infof("DTB startup information\n--- DTB info ---\n%s\n----------------", strings.TrimSpace(info))
	return nil
}

// CheckCompatibility compares the RPC calls of the board firmware with
// the ones of the host library and logs every mismatch.
// It returns whether both sets match.
func (h *HAL) CheckCompatibility() bool {
	dtb, err := h.tb.RPCCalls()
	if err != nil {
		h.msg.Errorf("could not fetch DTB RPC calls: %+v", err)
	}
	host, err := h.tb.HostRPCCalls()
	if err != nil {
		h.msg.Errorf("could not fetch host RPC calls: %+v", err)
	}

	if len(dtb) == len(host) {
		return true
	}

	h.msg.Errorf("RPC call count of DTB and host do not match:")
	h.msg.Errorf("   %d DTB RPC calls vs. %d host RPC calls defined!", len(dtb), len(host))
	n := len(dtb)
	if len(host) > n {
		n = len(host)
	}
	for i := 0; i < n; i++ {
		var dname, hname string
		if i < len(dtb) {
			dname = dtb[i]
		}
		if i < len(host) {
			hname = host[i]
		}
		if dname != hname {
			h.msg.Errorf("ID %d: (DTB) %q != (Host) %q", i, dname, hname)
		}
	}
	h.msg.Errorf("please update your DTB with the correct flash file")
	return false
}

// Initialize sets the voltages and current limits, then the signal
// delays, then the pattern generator. The testboard is marked as
// initialized only once all three steps succeeded.
//
// Voltages are in V, current limits in A.
func (h *HAL) Initialize(delays map[uint8]uint8, pg []dut.PGCmd, va, vd, ia, id float64) error {
	h.initialized = false

	for _, v := range []struct {
		name string
		set  func(uint16) error
		val  uint16
	}{
		{"VA", h.tb.SetVA, units(va, 1000)},
		{"VD", h.tb.SetVD, units(vd, 1000)},
		{"IA", h.tb.SetIA, units(ia, 10000)},
		{"ID", h.tb.SetID, units(id, 10000)},
	} {
		h.msg.Debugf("set DTB %s to %d", v.name, v.val)
		err := v.set(v.val)
		if err != nil {
			return fmt.Errorf("hal: could not set %s: %w", v.name, err)
		}
	}
	err := h.tb.Flush()
	if err != nil {
		return fmt.Errorf("hal: could not flush power settings: %w", err)
	}
	h.msg.Debugf("voltages/current limits set")

	for _, sig := range sortedKeys(delays) {
		v := delays[sig]
		if sig == dict.SigDeser160Phase {
			h.msg.Debugf("set DTB deser160 phase to %d", v)
			err = h.tb.SelectDeser160(v)
			if err != nil {
				return fmt.Errorf("hal: could not set deser160 phase: %w", err)
			}
			continue
		}
		h.msg.Debugf("set DTB delay %d to %d", sig, v)
		err = h.tb.SigSetDelay(sig, v)
		if err != nil {
			return fmt.Errorf("hal: could not set delay of signal %d: %w", sig, err)
		}
		err = h.tb.SigSetLevel(sig, sigLevel)
		if err != nil {
			return fmt.Errorf("hal: could not set level of signal %d: %w", sig, err)
		}
	}
	err = h.tb.Flush()
	if err != nil {
		return fmt.Errorf("hal: could not flush delays: %w", err)
	}
	h.msg.Debugf("testboard delays set")

	err = h.SetupPatternGenerator(pg)
	if err != nil {
		return err
	}

	h.initialized = true
	return nil
}

// SetupPatternGenerator writes the pattern generator program to
// consecutive addresses, in the order provided.
func (h *HAL) SetupPatternGenerator(pg []dut.PGCmd) error {
	if len(pg) > 256 {
		return fmt.Errorf("hal: pattern generator program too long (%d commands)", len(pg))
	}
	for i, c := range pg {
		var (
			addr = uint8(i)
			cmd  = c.Pattern | uint16(c.Delay)
		)
		h.msg.Debugf("setting PG cmd 0x%04x (addr %d pat 0x%04x del %d)", cmd, addr, c.Pattern, c.Delay)
		err := h.tb.PgSetCmd(addr, cmd)
		if err != nil {
			return fmt.Errorf("hal: could not set PG cmd %d: %w", i, err)
		}
	}
	err := h.tb.Flush()
	if err != nil {
		return fmt.Errorf("hal: could not flush PG setup: %w", err)
	}
	return nil
}

// InitTBM powers the DUT on, enables the TBM and programs its registers.
func (h *HAL) InitTBM(tbm uint8, regs map[uint8]uint8) error {
	h.msg.Debugf("turn testboard output power on")
	err := h.tb.Pon()
	if err != nil {
		return fmt.Errorf("hal: could not power on: %w", err)
	}
	h.sleep(powerSettle)

	err = h.tb.TBMEnable(true)
	if err != nil {
		return fmt.Errorf("hal: could not enable TBM %d: %w", tbm, err)
	}
	err = h.tb.ModAddr(hubAddr)
	if err != nil {
		return fmt.Errorf("hal: could not set hub address: %w", err)
	}
	err = h.tb.Flush()
	if err != nil {
		return fmt.Errorf("hal: could not flush TBM enable: %w", err)
	}

	h.msg.Debugf("setting register vector for TBM %d", tbm)
	err = h.TBMSetRegs(tbm, regs)
	if err != nil {
		return err
	}
	h.sleep(dacSettle)
	return nil
}

// InitROC powers the DUT on, selects the ROC and programs its DACs.
func (h *HAL) InitROC(roc uint8, dacs map[uint8]uint8) error {
	h.msg.Debugf("turn testboard output power on")
	err := h.tb.Pon()
	if err != nil {
		return fmt.Errorf("hal: could not power on: %w", err)
	}
	h.sleep(powerSettle)

	err = h.tb.ROCI2CAddr(roc)
	if err != nil {
		return fmt.Errorf("hal: could not select ROC %d: %w", roc, err)
	}
	h.sleep(i2cSettle)

	h.msg.Debugf("setting DAC vector for ROC %d", roc)
	err = h.ROCSetDACs(roc, dacs)
	if err != nil {
		return err
	}
	h.sleep(dacSettle)
	return nil
}

// ROCSetDACs writes the DACs of a ROC in register order and flushes once.
// The first failing write aborts the batch.
func (h *HAL) ROCSetDACs(roc uint8, dacs map[uint8]uint8) error {
	for _, id := range sortedKeys(dacs) {
		err := h.ROCSetDAC(roc, id, dacs[id])
		if err != nil {
			return err
		}
	}
	err := h.tb.Flush()
	if err != nil {
		return fmt.Errorf("hal: could not flush DACs of ROC %d: %w", roc, err)
	}
	return nil
}

// ROCSetDAC writes a single DAC of a ROC.
func (h *HAL) ROCSetDAC(roc, id, value uint8) error {
	err := h.tb.ROCI2CAddr(roc)
	if err != nil {
		return fmt.Errorf("hal: could not select ROC %d: %w", roc, err)
	}
	h.msg.Debugf("set DAC%d to %d", id, value)
	err = h.tb.ROCSetDAC(id, value)
	if err != nil {
		return fmt.Errorf("hal: could not set DAC%d of ROC %d: %w", id, roc, err)
	}
	return nil
}

// TBMSetRegs writes the registers of a TBM in register order and
// flushes once. The first failing write aborts the batch.
func (h *HAL) TBMSetRegs(tbm uint8, regs map[uint8]uint8) error {
	for _, id := range sortedKeys(regs) {
		err := h.TBMSetReg(tbm, id, regs[id])
		if err != nil {
			return err
		}
	}
	err := h.tb.Flush()
	if err != nil {
		return fmt.Errorf("hal: could not flush registers of TBM %d: %w", tbm, err)
	}
	return nil
}

// TBMSetReg writes a single register on both cores of a TBM.
func (h *HAL) TBMSetReg(tbm, id, value uint8) error {
	err := h.tb.ModAddr(hubAddr)
	if err != nil {
		return fmt.Errorf("hal: could not select hub of TBM %d: %w", tbm, err)
	}
	for _, core := range []uint8{tbmCore1 | id, tbmCore2 | id} {
		h.msg.Debugf("TBM %d: register 0x%02x = 0x%02x", tbm, core, value)
		err = h.tb.TBMSet(core, value)
		if err != nil {
			return fmt.Errorf("hal: could not set register 0x%02x of TBM %d: %w", core, tbm, err)
		}
	}
	return nil
}

// PixelSetMask masks a single pixel, or unmasks it by writing its trim.
func (h *HAL) PixelSetMask(roc, col, row uint8, mask bool, trim uint8) error {
	err := h.tb.ROCI2CAddr(roc)
	if err != nil {
		return fmt.Errorf("hal: could not select ROC %d: %w", roc, err)
	}
	if mask {
		h.msg.Debugf("masking pixel (%d,%d) on ROC %d", col, row, roc)
		err = h.tb.ROCPixMask(col, row)
		if err != nil {
			return fmt.Errorf("hal: could not mask pixel (%d,%d) of ROC %d: %w", col, row, roc, err)
		}
		return nil
	}

	h.msg.Debugf("trimming pixel (%d,%d) on ROC %d (%d)", col, row, roc, trim)
	err = h.tb.ROCPixTrim(col, row, trim)
	if err != nil {
		return fmt.Errorf("hal: could not trim pixel (%d,%d) of ROC %d: %w", col, row, roc, err)
	}
	return nil
}

// ROCSetMask masks a whole ROC in one command, or unmasks it by writing
// the trim of every pixel in one command. Pixels not provided get the
// maximum trim.
func (h *HAL) ROCSetMask(roc uint8, mask bool, pixels []dut.PixelConfig) error {
	err := h.tb.ROCI2CAddr(roc)
	if err != nil {
		return fmt.Errorf("hal: could not select ROC %d: %w", roc, err)
	}

	if mask {
		h.msg.Debugf("masking ROC %d", roc)
		err = h.tb.ROCChipMask()
		if err != nil {
			return fmt.Errorf("hal: could not mask ROC %d: %w", roc, err)
		}
		return nil
	}

	h.msg.Debugf("updating mask bits and trim values of ROC %d", roc)
	trims := make([]int8, h.geom.Size())
	for i := range trims {
		trims[i] = dut.MaxTrim
	}
	for _, p := range pixels {
		if !h.geom.Contains(p.Column, p.Row) {
			h.msg.Warnf("ROC %d: pixel (%d,%d) outside %v matrix", roc, p.Column, p.Row, h.geom)
			continue
		}
		trims[h.geom.Index(p.Column, p.Row)] = int8(p.Trim)
	}

	err = h.tb.TrimChip(trims)
	if err != nil {
		return fmt.Errorf("hal: could not trim ROC %d: %w", roc, err)
	}
	return nil
}

func (h *HAL) command(name string, cmd func() error, settle time.Duration) error {
	err := cmd()
	if err != nil {
		return fmt.Errorf("hal: could not %s: %w", name, err)
	}
	err = h.tb.Flush()
	if err != nil {
		return fmt.Errorf("hal: could not flush %s: %w", name, err)
	}
	h.sleep(settle)
	return nil
}

// PowerOn switches the DUT power on.
func (h *HAL) PowerOn() error { return h.command("power on", h.tb.Pon, powerSettle) }

// PowerOff switches the DUT power off.
func (h *HAL) PowerOff() error { return h.command("power off", h.tb.Poff, powerSettle) }

// HVOn switches the high voltage on.
func (h *HAL) HVOn() error { return h.command("switch HV on", h.tb.HVon, hvSettle) }

// HVOff switches the high voltage off.
func (h *HAL) HVOff() error { return h.command("switch HV off", h.tb.HVoff, hvSettle) }

// SignalProbe routes a signal to a probe output.
func (h *HAL) SignalProbe(p Probe, sig uint8) error {
	return h.command(
		fmt.Sprintf("select probe %v signal %d", p, sig),
		func() error { return h.tb.SignalProbe(p, sig) },
		probeSettle,
	)
}

// TBVA returns the analog voltage, in V.
func (h *HAL) TBVA() (float64, error) { return h.read("VA", h.tb.VA, 1000) }

// TBVD returns the digital voltage, in V.
func (h *HAL) TBVD() (float64, error) { return h.read("VD", h.tb.VD, 1000) }

// TBIA returns the analog current, in A.
func (h *HAL) TBIA() (float64, error) { return h.read("IA", h.tb.IA, 10000) }

// TBID returns the digital current, in A.
func (h *HAL) TBID() (float64, error) { return h.read("ID", h.tb.ID, 10000) }

func (h *HAL) read(name string, f func() (uint16, error), scale float64) (float64, error) {
	v, err := f()
	if err != nil {
		return 0, fmt.Errorf("hal: could not read %s: %w", name, err)
	}
	return float64(v) / scale, nil
}

func units(v, scale float64) uint16 {
	return uint16(math.Round(v * scale))
}

func sortedKeys(m map[uint8]uint8) []uint8 {
	keys := make([]uint8, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
