// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/pxar"
	"github.com/go-lpc/pxar/api"
	"github.com/go-lpc/pxar/dict"
	"github.com/go-lpc/pxar/dut"
	"github.com/go-lpc/pxar/pixtest"
	"github.com/go-lpc/pxar/scan"
	"go-hep.org/x/hep/lcio"
)

var errQuit = errors.New("quit")

type command struct {
	help string
	run  func(sh *shell, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":    {"help: list commands", (*shell).help},
		"quit":    {"quit: leave the shell", func(*shell, []string) error { return errQuit }},
		"status":  {"status: display readiness and supply readbacks", (*shell).status},
		"dacs":    {"dacs ROC: display the DACs of a ROC", (*shell).dacs},
		"dac":     {"dac NAME VALUE [ROC]: set a ROC DAC (all ROCs by default)", (*shell).dac},
		"tbm":     {"tbm NAME VALUE [TBM]: set a TBM register (all TBMs by default)", (*shell).tbm},
		"mask":    {"mask COL ROW [ROC]: mask a pixel", (*shell).mask},
		"unmask":  {"unmask COL ROW [ROC]: unmask a pixel", (*shell).mask},
		"enable":  {"enable COL ROW [ROC]: enable a pixel for testing", (*shell).enable},
		"disable": {"disable COL ROW [ROC]: disable a pixel for testing", (*shell).enable},
		"power":   {"power on|off: switch the DUT power", (*shell).power},
		"hv":      {"hv on|off: switch the high voltage", (*shell).hv},
		"probe":   {"probe d1|d2|a1|a2 SIGNAL: route a signal to a probe output", (*shell).probe},
		"alive":   {"alive NTRIG: run a pixel alive test", (*shell).alive},
		"phmap":   {"phmap NTRIG: run a pulse height map", (*shell).phmap},
		"scan":    {"scan DAC MAX eff|ph NTRIG: scan a DAC", (*shell).scan},
		"dacdac":  {"dacdac DAC1 MAX1 DAC2 MAX2 eff|ph NTRIG: scan two DACs", (*shell).dacdac},
		"export":  {"export FILE DAC MAX eff|ph NTRIG: scan a DAC and write the result to an LCIO file", (*shell).export},
		"save":    {"save FILE: write the booked histograms to a ROOT file", (*shell).save},
		"version": {"version: display the pxar version", (*shell).version},
	}
}

type shell struct {
	w   io.Writer
	api *api.API
	pt  *pixtest.Test
	run int32
}

func newShell(w io.Writer, a *api.API, geom dut.Geometry) *shell {
	return &shell{
		w:   w,
		api: a,
		pt:  pixtest.New(a, geom, log.NewMsgStream("pixtest", log.LvlInfo, w)),
	}
}

func (sh *shell) exec(args []string) error {
	cmd, ok := commands[strings.ToLower(args[0])]
	if !ok {
		return fmt.Errorf("unknown command %q (try 'help')", args[0])
	}
	return cmd.run(sh, args)
}

func (sh *shell) complete(line string) []string {
	var o []string
	for name := range commands {
		if strings.HasPrefix(name, strings.ToLower(line)) {
			o = append(o, name)
		}
	}
	sort.Strings(o)
	return o
}

func nargs(args []string, min, max int) error {
	n := len(args) - 1
	if n < min || n > max {
		return fmt.Errorf("%s: invalid number of arguments (got=%d)\nusage: %s",
			args[0], n, commands[strings.ToLower(args[0])].help,
		)
	}
	return nil
}

func parseU8(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid 8-bit value %q: %w", s, err)
	}
	return uint8(v), nil
}

func parseU16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid 16-bit value %q: %w", s, err)
	}
	return uint16(v), nil
}

// parseDev parses an optional device index, -1 meaning all devices.
func parseDev(args []string, i int) (int, error) {
	if len(args) <= i {
		return -1, nil
	}
	v, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, fmt.Errorf("invalid device index %q: %w", args[i], err)
	}
	return v, nil
}

func parseMode(s string) (scan.Mode, error) {
	switch strings.ToLower(s) {
	case "eff", "efficiency":
		return scan.Efficiency, nil
	case "ph", "pulse-height":
		return scan.PulseHeight, nil
	}
	return 0, fmt.Errorf("invalid scan mode %q", s)
}

func onOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid switch value %q (want on|off)", s)
}

func (sh *shell) help(args []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(sh.w, "  %s\n", commands[name].help)
	}
	return nil
}

func (sh *shell) status(args []string) error {
	fmt.Fprintf(sh.w, "ready: %v\n", sh.api.Status())
	for _, v := range []struct {
		name string
		fct  func() (float64, error)
		unit string
	}{
		{"va", sh.api.TBVA, "V"},
		{"vd", sh.api.TBVD, "V"},
		{"ia", sh.api.TBIA, "A"},
		{"id", sh.api.TBID, "A"},
	} {
		val, err := v.fct()
		if err != nil {
			return fmt.Errorf("could not read %s: %w", v.name, err)
		}
		fmt.Fprintf(sh.w, "%s: %.3f %s\n", v.name, val, v.unit)
	}
	return nil
}

func (sh *shell) dacs(args []string) error {
	err := nargs(args, 1, 1)
	if err != nil {
		return err
	}
	roc, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid ROC index %q: %w", args[1], err)
	}
	regs, err := sh.api.DUT().DACs(roc)
	if err != nil {
		return err
	}
	for _, reg := range regs {
		name, _ := sh.api.Dictionary().Name(reg.ID, dict.ROC)
		fmt.Fprintf(sh.w, "%-12s %3d\n", name, reg.Value)
	}
	return nil
}

func (sh *shell) dac(args []string) error {
	err := nargs(args, 2, 3)
	if err != nil {
		return err
	}
	v, err := parseU8(args[2])
	if err != nil {
		return err
	}
	roc, err := parseDev(args, 3)
	if err != nil {
		return err
	}
	return sh.api.SetDAC(args[1], v, roc)
}

func (sh *shell) tbm(args []string) error {
	err := nargs(args, 2, 3)
	if err != nil {
		return err
	}
	v, err := parseU8(args[2])
	if err != nil {
		return err
	}
	tbm, err := parseDev(args, 3)
	if err != nil {
		return err
	}
	return sh.api.SetTBMReg(args[1], v, tbm)
}

func (sh *shell) pixel(args []string) (col, row uint8, roc int, err error) {
	err = nargs(args, 2, 3)
	if err != nil {
		return
	}
	col, err = parseU8(args[1])
	if err != nil {
		return
	}
	row, err = parseU8(args[2])
	if err != nil {
		return
	}
	roc, err = parseDev(args, 3)
	return
}

func (sh *shell) mask(args []string) error {
	col, row, roc, err := sh.pixel(args)
	if err != nil {
		return err
	}
	err = sh.api.DUT().MaskPixel(col, row, strings.ToLower(args[0]) == "mask", roc)
	if err != nil {
		return err
	}
	return sh.api.MaskAndTrim()
}

func (sh *shell) enable(args []string) error {
	col, row, roc, err := sh.pixel(args)
	if err != nil {
		return err
	}
	return sh.api.DUT().TestPixel(col, row, strings.ToLower(args[0]) == "enable", roc)
}

func (sh *shell) power(args []string) error {
	err := nargs(args, 1, 1)
	if err != nil {
		return err
	}
	on, err := onOff(args[1])
	if err != nil {
		return err
	}
	if on {
		return sh.api.PowerOn()
	}
	return sh.api.PowerOff()
}

func (sh *shell) hv(args []string) error {
	err := nargs(args, 1, 1)
	if err != nil {
		return err
	}
	on, err := onOff(args[1])
	if err != nil {
		return err
	}
	if on {
		return sh.api.HVOn()
	}
	return sh.api.HVOff()
}

func (sh *shell) probe(args []string) error {
	err := nargs(args, 2, 2)
	if err != nil {
		return err
	}
	return sh.api.SignalProbe(args[1], args[2])
}

func (sh *shell) alive(args []string) error {
	err := nargs(args, 1, 1)
	if err != nil {
		return err
	}
	ntrig, err := parseU16(args[1])
	if err != nil {
		return err
	}
	hs, err := sh.pt.PixelAlive(ntrig)
	if err != nil {
		return err
	}
	for _, h := range hs {
		fmt.Fprintf(sh.w, "%s: mean efficiency=%.3f\n", h.Name(), h.SumW()/float64(h.Entries()))
	}
	return nil
}

func (sh *shell) phmap(args []string) error {
	err := nargs(args, 1, 1)
	if err != nil {
		return err
	}
	ntrig, err := parseU16(args[1])
	if err != nil {
		return err
	}
	hs, err := sh.pt.PulseHeightMap(ntrig)
	if err != nil {
		return err
	}
	for _, h := range hs {
		fmt.Fprintf(sh.w, "%s: mean pulse height=%.1f\n", h.Name(), h.SumW()/float64(h.Entries()))
	}
	return nil
}

func (sh *shell) scan(args []string) error {
	err := nargs(args, 4, 4)
	if err != nil {
		return err
	}
	max, err := parseU8(args[2])
	if err != nil {
		return err
	}
	mode, err := parseMode(args[3])
	if err != nil {
		return err
	}
	ntrig, err := parseU16(args[4])
	if err != nil {
		return err
	}
	hs, err := sh.pt.DACScan(args[1], max, mode, ntrig)
	if err != nil {
		return err
	}
	for _, h := range hs {
		fmt.Fprintf(sh.w, "%s: bins=%d sum=%g\n", h.Name(), h.Len(), h.SumW())
	}
	return nil
}

func (sh *shell) dacdac(args []string) error {
	err := nargs(args, 6, 6)
	if err != nil {
		return err
	}
	max1, err := parseU8(args[2])
	if err != nil {
		return err
	}
	max2, err := parseU8(args[4])
	if err != nil {
		return err
	}
	mode, err := parseMode(args[5])
	if err != nil {
		return err
	}
	ntrig, err := parseU16(args[6])
	if err != nil {
		return err
	}
	hs, err := sh.pt.DACDACScan(args[1], max1, args[3], max2, mode, ntrig)
	if err != nil {
		return err
	}
	for _, h := range hs {
		fmt.Fprintf(sh.w, "%s: sum=%g\n", h.Name(), h.SumW())
	}
	return nil
}

func (sh *shell) export(args []string) error {
	err := nargs(args, 5, 5)
	if err != nil {
		return err
	}
	fname := args[1]
	max, err := parseU8(args[3])
	if err != nil {
		return err
	}
	mode, err := parseMode(args[4])
	if err != nil {
		return err
	}
	ntrig, err := parseU16(args[5])
	if err != nil {
		return err
	}

	steps, err := sh.api.DACScan(args[2], 0, max, mode, ntrig)
	if err != nil {
		return err
	}

	w, err := lcio.Create(fname)
	if err != nil {
		return fmt.Errorf("could not create LCIO file: %w", err)
	}
	defer w.Close()

	err = pixtest.WriteLCIO(w, sh.run, args[2], mode, steps)
	if err != nil {
		return err
	}
	sh.run++

	err = w.Close()
	if err != nil {
		return fmt.Errorf("could not close LCIO file: %w", err)
	}
	fmt.Fprintf(sh.w, "wrote %d steps to %q\n", len(steps), fname)
	return nil
}

func (sh *shell) save(args []string) error {
	err := nargs(args, 1, 1)
	if err != nil {
		return err
	}
	return sh.pt.Save(args[1])
}

func (sh *shell) version(args []string) error {
	version, sum := pxar.Version()
	if version == "" {
		version = "(devel)"
	}
	fmt.Fprintf(sh.w, "pxar %s %s\n", version, sum)
	return nil
}
