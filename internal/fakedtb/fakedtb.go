// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedtb provides an in-memory digital test board.
//
// The board records every command it receives, keeps the register state
// of the chips it drives and answers calibration requests with a
// deterministic pixel response model.
package fakedtb // import "github.com/go-lpc/pxar/internal/fakedtb"

import (
	"fmt"
	"strings"

	"github.com/go-lpc/pxar/dict"
	"github.com/go-lpc/pxar/dut"
	"github.com/go-lpc/pxar/hal"
)

// Model computes the number of readouts and the summed pulse height of
// an unmasked pixel receiving ntrig calibration pulses.
type Model func(roc, col, row, trim uint8, dacs map[uint8]uint8, ntrig uint16) (int16, int32)

// Threshold is the default response model: a pixel fires for every
// trigger when the calibration DAC reaches its threshold, which grows
// with the trim value. Each hit contributes vcal/2+20 ADC counts.
func Threshold(roc, col, row, trim uint8, dacs map[uint8]uint8, ntrig uint16) (int16, int32) {
	vcal := int(dacs[dict.Vcal])
	thr := 20 + 4*int(trim)
	if vcal < thr {
		return 0, 0
	}
	ph := int32(vcal/2 + 20)
	return int16(ntrig), int32(ntrig) * ph
}

type chip struct {
	dacs  map[uint8]uint8
	masks []bool
	trims []uint8
}

// Board is a simulated digital test board.
type Board struct {
	Geom  dut.Geometry
	Model Model

	// Errs holds errors returned by the named commands.
	Errs map[string]error

	DTBCalls  []string
	HostCalls []string
	Version   uint16
	Records   []string // downloaded firmware records

	cmds    []string
	flushes int
	closed  bool

	power bool
	hv    bool
	supp  map[string]uint16

	delays map[uint8]uint8
	levels map[uint8]uint8
	deser  uint8
	probes map[hal.Probe]uint8
	pg     map[uint8]uint16

	tbmOn bool
	hub   uint8
	tbm   map[uint8]uint8

	addr  uint8
	chips map[uint8]*chip
}

// New returns a powered-off board driving ROCs of the given geometry.
func New(geom dut.Geometry) *Board {
	calls := []string{"GetInfo", "GetBoardId", "Welcome", "Init", "Flush", "CalibrateMap"}
	return &Board{
		Geom:      geom,
		Model:     Threshold,
		Errs:      make(map[string]error),
		DTBCalls:  calls,
		HostCalls: append([]string(nil), calls...),
		Version:   0x0100,
		supp:      make(map[string]uint16),
		delays:    make(map[uint8]uint8),
		levels:    make(map[uint8]uint8),
		probes:    make(map[hal.Probe]uint8),
		pg:        make(map[uint8]uint16),
		tbm:       make(map[uint8]uint8),
		chips:     make(map[uint8]*chip),
	}
}

func (b *Board) do(name string, args ...interface{}) error {
	cmd := name
	if len(args) > 0 {
		strs := make([]string, len(args))
		for i, v := range args {
			strs[i] = fmt.Sprint(v)
		}
		cmd += " " + strings.Join(strs, " ")
	}
	b.cmds = append(b.cmds, cmd)
	return b.Errs[name]
}

// Commands returns the commands received so far.
func (b *Board) Commands() []string {
	return append([]string(nil), b.cmds...)
}

// CommandsOf returns the received commands with the given name.
func (b *Board) CommandsOf(name string) []string {
	var o []string
	for _, cmd := range b.cmds {
		if cmd == name || strings.HasPrefix(cmd, name+" ") {
			o = append(o, cmd)
		}
	}
	return o
}

// Reset clears the command log.
func (b *Board) Reset() {
	b.cmds = b.cmds[:0]
	b.flushes = 0
}

func (b *Board) chip(addr uint8) *chip {
	c, ok := b.chips[addr]
	if !ok {
		n := b.Geom.Size()
		c = &chip{
			dacs:  make(map[uint8]uint8),
			masks: make([]bool, n),
			trims: make([]uint8, n),
		}
		for i := range c.masks {
			c.masks[i] = true
			c.trims[i] = dut.MaxTrim
		}
		b.chips[addr] = c
	}
	return c
}

// Powered returns whether the DUT power is on.
func (b *Board) Powered() bool { return b.power }

// HV returns whether the high voltage is on.
func (b *Board) HV() bool { return b.hv }

// Closed returns whether the session was closed.
func (b *Board) Closed() bool { return b.closed }

// Flushes returns the number of flushes since the last reset.
func (b *Board) Flushes() int { return b.flushes }

// DAC returns the value of a DAC of the ROC at I2C address addr.
func (b *Board) DAC(addr, reg uint8) uint8 { return b.chip(addr).dacs[reg] }

// Masked returns whether pixel (col,row) of a ROC is masked.
func (b *Board) Masked(addr, col, row uint8) bool {
	return b.chip(addr).masks[b.Geom.Index(col, row)]
}

// Trim returns the trim of pixel (col,row) of a ROC.
func (b *Board) Trim(addr, col, row uint8) uint8 {
	return b.chip(addr).trims[b.Geom.Index(col, row)]
}

// Delay returns the delay of a signal.
func (b *Board) Delay(sig uint8) (uint8, bool) {
	v, ok := b.delays[sig]
	return v, ok
}

// Deser160 returns the deser160 phase.
func (b *Board) Deser160() uint8 { return b.deser }

// PG returns the pattern generator command at addr.
func (b *Board) PG(addr uint8) uint16 { return b.pg[addr] }

// ProbeSignal returns the signal routed to a probe output.
func (b *Board) ProbeSignal(p hal.Probe) uint8 { return b.probes[p] }

// TBMReg returns the value of a TBM register.
func (b *Board) TBMReg(reg uint8) uint8 { return b.tbm[reg] }

func (b *Board) Info() (string, error) {
	return "Board id: 42\nFirmware: fakedtb\n", b.do("Info")
}

func (b *Board) BoardID() (uint32, error) { return 42, b.do("BoardID") }
func (b *Board) Welcome() error           { return b.do("Welcome") }
func (b *Board) Init() error              { return b.do("Init") }

func (b *Board) Flush() error {
	b.flushes++
	return b.do("Flush")
}

func (b *Board) Close() error {
	b.closed = true
	return b.do("Close")
}

func (b *Board) RPCCalls() ([]string, error) {
	return append([]string(nil), b.DTBCalls...), b.do("RPCCalls")
}

func (b *Board) HostRPCCalls() ([]string, error) {
	return append([]string(nil), b.HostCalls...), b.do("HostRPCCalls")
}

func (b *Board) setSupply(name string, v uint16) error {
	err := b.do("Set"+name, v)
	if err != nil {
		return err
	}
	b.supp[name] = v
	return nil
}

func (b *Board) readSupply(name string) (uint16, error) {
	err := b.do(name)
	if !b.power {
		return 0, err
	}
	return b.supp[name], err
}

func (b *Board) SetVA(mV uint16) error { return b.setSupply("VA", mV) }
func (b *Board) SetVD(mV uint16) error { return b.setSupply("VD", mV) }
func (b *Board) SetIA(v uint16) error  { return b.setSupply("IA", v) }
func (b *Board) SetID(v uint16) error  { return b.setSupply("ID", v) }
func (b *Board) VA() (uint16, error)   { return b.readSupply("VA") }
func (b *Board) VD() (uint16, error)   { return b.readSupply("VD") }
func (b *Board) IA() (uint16, error)   { return b.readSupply("IA") }
func (b *Board) ID() (uint16, error)   { return b.readSupply("ID") }

func (b *Board) Pon() error {
	err := b.do("Pon")
	if err == nil {
		b.power = true
	}
	return err
}

func (b *Board) Poff() error {
	err := b.do("Poff")
	if err == nil {
		b.power = false
	}
	return err
}

func (b *Board) HVon() error {
	err := b.do("HVon")
	if err == nil {
		b.hv = true
	}
	return err
}

func (b *Board) HVoff() error {
	err := b.do("HVoff")
	if err == nil {
		b.hv = false
	}
	return err
}

func (b *Board) SigSetDelay(sig, delay uint8) error {
	err := b.do("SigSetDelay", sig, delay)
	if err == nil {
		b.delays[sig] = delay
	}
	return err
}

func (b *Board) SigSetLevel(sig, level uint8) error {
	err := b.do("SigSetLevel", sig, level)
	if err == nil {
		b.levels[sig] = level
	}
	return err
}

func (b *Board) SelectDeser160(phase uint8) error {
	err := b.do("SelectDeser160", phase)
	if err == nil {
		b.deser = phase
	}
	return err
}

func (b *Board) SignalProbe(p hal.Probe, sig uint8) error {
	err := b.do("SignalProbe", p, sig)
	if err == nil {
		b.probes[p] = sig
	}
	return err
}

func (b *Board) PgSetCmd(addr uint8, cmd uint16) error {
	err := b.do("PgSetCmd", addr, cmd)
	if err == nil {
		b.pg[addr] = cmd
	}
	return err
}

func (b *Board) TBMEnable(on bool) error {
	err := b.do("TBMEnable", on)
	if err == nil {
		b.tbmOn = on
	}
	return err
}

func (b *Board) ModAddr(hub uint8) error {
	err := b.do("ModAddr", hub)
	if err == nil {
		b.hub = hub
	}
	return err
}

func (b *Board) TBMSet(reg, value uint8) error {
	err := b.do("TBMSet", reg, value)
	if err == nil {
		b.tbm[reg] = value
	}
	return err
}

func (b *Board) ROCI2CAddr(id uint8) error {
	err := b.do("ROCI2CAddr", id)
	if err == nil {
		b.addr = id
	}
	return err
}

func (b *Board) ROCSetDAC(reg, value uint8) error {
	err := b.do("ROCSetDAC", reg, value)
	if err == nil {
		b.chip(b.addr).dacs[reg] = value
	}
	return err
}

func (b *Board) ROCPixMask(col, row uint8) error {
	err := b.do("ROCPixMask", col, row)
	if err != nil {
		return err
	}
	if !b.Geom.Contains(col, row) {
		return fmt.Errorf("fakedtb: invalid pixel (%d,%d)", col, row)
	}
	b.chip(b.addr).masks[b.Geom.Index(col, row)] = true
	return nil
}

func (b *Board) ROCPixTrim(col, row, trim uint8) error {
	err := b.do("ROCPixTrim", col, row, trim)
	if err != nil {
		return err
	}
	if !b.Geom.Contains(col, row) {
		return fmt.Errorf("fakedtb: invalid pixel (%d,%d)", col, row)
	}
	c := b.chip(b.addr)
	i := b.Geom.Index(col, row)
	c.masks[i] = false
	c.trims[i] = trim
	return nil
}

func (b *Board) ROCChipMask() error {
	err := b.do("ROCChipMask")
	if err != nil {
		return err
	}
	c := b.chip(b.addr)
	for i := range c.masks {
		c.masks[i] = true
	}
	return nil
}

func (b *Board) TrimChip(trims []int8) error {
	err := b.do("TrimChip", len(trims))
	if err != nil {
		return err
	}
	if len(trims) != b.Geom.Size() {
		return fmt.Errorf("fakedtb: invalid trim vector size (got=%d, want=%d)", len(trims), b.Geom.Size())
	}
	c := b.chip(b.addr)
	for i, v := range trims {
		c.masks[i] = false
		c.trims[i] = uint8(v)
	}
	return nil
}

func (b *Board) respond(c *chip, col, row uint8, ntrig uint16) (int16, int32) {
	i := b.Geom.Index(col, row)
	if !b.power || c.masks[i] {
		return 0, 0
	}
	return b.Model(b.addr, col, row, c.trims[i], c.dacs, ntrig)
}

func (b *Board) CalibrateMap(ntrig uint16) ([]int16, []int32, error) {
	err := b.do("CalibrateMap", ntrig)
	if err != nil {
		return nil, nil, err
	}
	var (
		c   = b.chip(b.addr)
		n   = b.Geom.Size()
		nrd = make([]int16, n)
		ph  = make([]int32, n)
	)
	for i := range nrd {
		col, row := b.Geom.Coord(i)
		nrd[i], ph[i] = b.respond(c, col, row, ntrig)
	}
	return nrd, ph, nil
}

func (b *Board) CalibratePixel(ntrig uint16, col, row uint8) (int16, int32, error) {
	err := b.do("CalibratePixel", ntrig, col, row)
	if err != nil {
		return 0, 0, err
	}
	if !b.Geom.Contains(col, row) {
		return 0, 0, fmt.Errorf("fakedtb: invalid pixel (%d,%d)", col, row)
	}
	nrd, ph := b.respond(b.chip(b.addr), col, row, ntrig)
	return nrd, ph, nil
}

func (b *Board) CalibrateDACScan(ntrig uint16, col, row, reg, max uint8) ([]int16, []int32, error) {
	err := b.do("CalibrateDACScan", ntrig, col, row, reg, max)
	if err != nil {
		return nil, nil, err
	}
	if !b.Geom.Contains(col, row) {
		return nil, nil, fmt.Errorf("fakedtb: invalid pixel (%d,%d)", col, row)
	}
	var (
		c   = b.chip(b.addr)
		nrd = make([]int16, max)
		ph  = make([]int32, max)
	)
	for v := 0; v < int(max); v++ {
		c.dacs[reg] = uint8(v)
		nrd[v], ph[v] = b.respond(c, col, row, ntrig)
	}
	return nrd, ph, nil
}

func (b *Board) CalibrateDACDACScan(ntrig uint16, col, row, reg1, max1, reg2, max2 uint8) ([]int16, []int32, error) {
	err := b.do("CalibrateDACDACScan", ntrig, col, row, reg1, max1, reg2, max2)
	if err != nil {
		return nil, nil, err
	}
	if !b.Geom.Contains(col, row) {
		return nil, nil, fmt.Errorf("fakedtb: invalid pixel (%d,%d)", col, row)
	}
	var (
		c   = b.chip(b.addr)
		n   = int(max1) * int(max2)
		nrd = make([]int16, n)
		ph  = make([]int32, n)
	)
	for i := 0; i < int(max1); i++ {
		c.dacs[reg1] = uint8(i)
		for j := 0; j < int(max2); j++ {
			c.dacs[reg2] = uint8(j)
			k := i*int(max2) + j
			nrd[k], ph[k] = b.respond(c, col, row, ntrig)
		}
	}
	return nrd, ph, nil
}

func (b *Board) UpgradeVersion() (uint16, error) { return b.Version, b.do("UpgradeVersion") }

func (b *Board) UpgradeStart(version uint16) error {
	b.Records = b.Records[:0]
	return b.do("UpgradeStart", version)
}

func (b *Board) UpgradeData(rec string) error {
	err := b.do("UpgradeData")
	if err == nil {
		b.Records = append(b.Records, rec)
	}
	return err
}

func (b *Board) UpgradeError() error           { return b.do("UpgradeError") }
func (b *Board) UpgradeExec(nrec uint16) error { return b.do("UpgradeExec", nrec) }

var _ hal.Transport = (*Board)(nil)
