// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hal_test

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/pxar/dict"
	"github.com/go-lpc/pxar/dut"
	"github.com/go-lpc/pxar/hal"
	"github.com/go-lpc/pxar/internal/fakedtb"
)

var geom = dut.Geometry{Columns: 2, Rows: 3}

type sleeper struct {
	durs []time.Duration
}

func (s *sleeper) sleep(d time.Duration) { s.durs = append(s.durs, d) }

func newHAL(t *testing.T, w io.Writer) (*hal.HAL, *fakedtb.Board, *sleeper) {
	t.Helper()
	if w == nil {
		w = io.Discard
	}
	var (
		tb  = fakedtb.New(geom)
		slp = new(sleeper)
	)
	h, err := hal.New(
		tb,
		hal.WithMsgStream(log.NewMsgStream("hal", log.LvlDebug, w)),
		hal.WithGeometry(geom),
		hal.WithSleep(slp.sleep),
	)
	if err != nil {
		t.Fatalf("could not create HAL: %+v", err)
	}
	tb.Reset()
	return h, tb, slp
}

func TestNew(t *testing.T) {
	tb := fakedtb.New(geom)
	h, err := hal.New(tb, hal.WithMsgStream(log.NewMsgStream("hal", log.LvlError, io.Discard)))
	if err != nil {
		t.Fatalf("could not create HAL: %+v", err)
	}

	want := []string{"Info", "RPCCalls", "HostRPCCalls", "Welcome", "Flush", "Init"}
	if got := tb.Commands(); !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid open sequence:\ngot= %q\nwant=%q", got, want)
	}
	if h.Status() {
		t.Fatalf("HAL should not be initialized")
	}

	tb.Reset()
	err = h.Close()
	if err != nil {
		t.Fatalf("could not close HAL: %+v", err)
	}
	want = []string{"HVoff", "Poff", "Flush", "BoardID", "Close"}
	if got := tb.Commands(); !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid close sequence:\ngot= %q\nwant=%q", got, want)
	}
}

func TestNewFailure(t *testing.T) {
	tb := fakedtb.New(geom)
	tb.Errs["Welcome"] = errors.New("no board")

	_, err := hal.New(tb, hal.WithMsgStream(log.NewMsgStream("hal", log.LvlError, io.Discard)))
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !strings.Contains(err.Error(), "no board") {
		t.Fatalf("invalid error: %+v", err)
	}
	if !tb.Closed() {
		t.Fatalf("board session should have been closed")
	}
}

func TestNewInvalidGeometry(t *testing.T) {
	tb := fakedtb.New(geom)
	_, err := hal.New(tb,
		hal.WithMsgStream(log.NewMsgStream("hal", log.LvlError, io.Discard)),
		hal.WithGeometry(dut.Geometry{Columns: 52, Rows: 300}),
	)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if got, want := err.Error(), "hal: dut: invalid matrix geometry 52x300"; !strings.HasPrefix(got, want) {
		t.Fatalf("invalid error:\ngot= %q\nwant=%q", got, want)
	}
	if got := tb.Commands(); len(got) != 0 {
		t.Fatalf("board should not be contacted: %q", got)
	}
}

func TestCheckCompatibility(t *testing.T) {
	buf := new(bytes.Buffer)
	h, tb, _ := newHAL(t, buf)
	if !h.CheckCompatibility() {
		t.Fatalf("identical RPC lists should be compatible")
	}

	tb.HostCalls = append(tb.HostCalls, "NewCall")
	tb.HostCalls[1] = "GetBoardID"
	buf.Reset()
	if h.CheckCompatibility() {
		t.Fatalf("diverging RPC lists should not be compatible")
	}
	out := buf.String()
	for _, want := range []string{
		"6 DTB RPC calls vs. 7 host RPC calls",
		`ID 1: (DTB) "GetBoardId" != (Host) "GetBoardID"`,
		`ID 6: (DTB) "" != (Host) "NewCall"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in log:\n%s", want, out)
		}
	}
}

func TestInitialize(t *testing.T) {
	h, tb, _ := newHAL(t, nil)

	var (
		delays = map[uint8]uint8{
			dict.SigDeser160Phase: 4,
			dict.SigClk:           2,
			dict.SigSda:           17,
		}
		pg = []dut.PGCmd{
			{Pattern: 0x0800, Delay: 25},
			{Pattern: 0x0400, Delay: 106},
			{Pattern: 0x0200, Delay: 16},
			{Pattern: 0x0100, Delay: 0},
		}
	)

	err := h.Initialize(delays, pg, 1.8, 2.5, 1.199, 1.0)
	if err != nil {
		t.Fatalf("could not initialize: %+v", err)
	}
	if !h.Status() {
		t.Fatalf("HAL should be initialized")
	}

	want := []string{
		"SetVA 1800", "SetVD 2500", "SetIA 11990", "SetID 10000", "Flush",
		"SigSetDelay 0 2", "SigSetLevel 0 15",
		"SigSetDelay 2 17", "SigSetLevel 2 15",
		"SelectDeser160 4",
		"Flush",
		"PgSetCmd 0 2073", "PgSetCmd 1 1130", "PgSetCmd 2 528", "PgSetCmd 3 256",
		"Flush",
	}
	if got := tb.Commands(); !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid sequence:\ngot= %q\nwant=%q", got, want)
	}
}

func TestInitializeAbort(t *testing.T) {
	for _, tc := range []struct {
		name string
		fail string
		last string
	}{
		{name: "power", fail: "SetVD", last: "SetVD 2500"},
		{name: "delays", fail: "SigSetLevel", last: "SigSetLevel 0 15"},
		{name: "pg", fail: "PgSetCmd", last: "PgSetCmd 0 2073"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h, tb, _ := newHAL(t, nil)
			tb.Errs[tc.fail] = errors.New("boom")

			err := h.Initialize(
				map[uint8]uint8{dict.SigClk: 2},
				[]dut.PGCmd{{Pattern: 0x0800, Delay: 25}, {Pattern: 0x0100}},
				2.5, 2.5, 1, 1,
			)
			if err == nil {
				t.Fatalf("expected an error")
			}
			if h.Status() {
				t.Fatalf("HAL should not be initialized")
			}
			cmds := tb.Commands()
			if got := cmds[len(cmds)-1]; got != tc.last {
				t.Fatalf("invalid last command: got=%q, want=%q", got, tc.last)
			}
		})
	}
}

func TestSetupPatternGeneratorTooLong(t *testing.T) {
	h, tb, _ := newHAL(t, nil)
	err := h.SetupPatternGenerator(make([]dut.PGCmd, 257))
	if err == nil {
		t.Fatalf("expected an error")
	}
	if n := len(tb.Commands()); n != 0 {
		t.Fatalf("no command should have been sent (got=%d)", n)
	}
}

func TestInitROC(t *testing.T) {
	h, tb, slp := newHAL(t, nil)
	err := h.InitROC(3, map[uint8]uint8{dict.Vcal: 200, dict.Vana: 80})
	if err != nil {
		t.Fatalf("could not init ROC: %+v", err)
	}
	want := []string{
		"Pon",
		"ROCI2CAddr 3",
		"ROCI2CAddr 3", "ROCSetDAC 2 80",
		"ROCI2CAddr 3", "ROCSetDAC 25 200",
		"Flush",
	}
	if got := tb.Commands(); !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid sequence:\ngot= %q\nwant=%q", got, want)
	}
	wdurs := []time.Duration{400 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	if !reflect.DeepEqual(slp.durs, wdurs) {
		t.Fatalf("invalid settle times: got=%v, want=%v", slp.durs, wdurs)
	}
	if got, want := tb.DAC(3, dict.Vcal), uint8(200); got != want {
		t.Fatalf("invalid vcal: got=%d, want=%d", got, want)
	}
}

func TestROCSetDACsAbort(t *testing.T) {
	h, tb, _ := newHAL(t, nil)
	tb.Errs["ROCSetDAC"] = errors.New("i2c nack")

	err := h.ROCSetDACs(0, map[uint8]uint8{dict.Vdig: 6, dict.Vcal: 200})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if got := tb.CommandsOf("ROCSetDAC"); len(got) != 1 {
		t.Fatalf("batch should abort after first failure: %q", got)
	}
	if got := tb.Flushes(); got != 0 {
		t.Fatalf("aborted batch should not be flushed (flushes=%d)", got)
	}
}

func TestInitTBM(t *testing.T) {
	h, tb, slp := newHAL(t, nil)
	err := h.InitTBM(0, map[uint8]uint8{0x04: 0x80})
	if err != nil {
		t.Fatalf("could not init TBM: %+v", err)
	}
	want := []string{
		"Pon",
		"TBMEnable true", "ModAddr 31", "Flush",
		"ModAddr 31", "TBMSet 228 128", "TBMSet 244 128",
		"Flush",
	}
	if got := tb.Commands(); !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid sequence:\ngot= %q\nwant=%q", got, want)
	}
	wdurs := []time.Duration{400 * time.Millisecond, 300 * time.Millisecond}
	if !reflect.DeepEqual(slp.durs, wdurs) {
		t.Fatalf("invalid settle times: got=%v, want=%v", slp.durs, wdurs)
	}
	if tb.TBMReg(0xe4) != 0x80 || tb.TBMReg(0xf4) != 0x80 {
		t.Fatalf("both TBM cores should be programmed")
	}
}

func TestMasks(t *testing.T) {
	h, tb, _ := newHAL(t, nil)

	err := h.ROCSetMask(1, false, []dut.PixelConfig{
		{Column: 0, Row: 1, Trim: 7},
		{Column: 1, Row: 2, Trim: 3},
		{Column: 5, Row: 2, Trim: 3},
	})
	if err != nil {
		t.Fatalf("could not unmask ROC: %+v", err)
	}
	for _, tc := range []struct {
		col, row uint8
		trim     uint8
	}{
		{0, 0, 15}, {0, 1, 7}, {0, 2, 15},
		{1, 0, 15}, {1, 1, 15}, {1, 2, 3},
	} {
		if tb.Masked(1, tc.col, tc.row) {
			t.Fatalf("pixel (%d,%d) should be unmasked", tc.col, tc.row)
		}
		if got := tb.Trim(1, tc.col, tc.row); got != tc.trim {
			t.Fatalf("pixel (%d,%d): invalid trim: got=%d, want=%d", tc.col, tc.row, got, tc.trim)
		}
	}
	if got, want := tb.CommandsOf("TrimChip"), []string{"TrimChip 6"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid trim commands: got=%q, want=%q", got, want)
	}

	err = h.PixelSetMask(1, 1, 2, true, 0)
	if err != nil {
		t.Fatalf("could not mask pixel: %+v", err)
	}
	if !tb.Masked(1, 1, 2) {
		t.Fatalf("pixel (1,2) should be masked")
	}

	err = h.PixelSetMask(1, 1, 2, false, 9)
	if err != nil {
		t.Fatalf("could not trim pixel: %+v", err)
	}
	if tb.Masked(1, 1, 2) || tb.Trim(1, 1, 2) != 9 {
		t.Fatalf("pixel (1,2) should be unmasked with trim 9")
	}

	err = h.ROCSetMask(1, true, nil)
	if err != nil {
		t.Fatalf("could not mask ROC: %+v", err)
	}
	if !tb.Masked(1, 0, 1) || !tb.Masked(1, 1, 2) {
		t.Fatalf("all pixels should be masked")
	}
}

func TestPowerAndProbes(t *testing.T) {
	h, tb, slp := newHAL(t, nil)

	for _, tc := range []struct {
		name string
		f    func() error
		want []string
		dur  time.Duration
	}{
		{"pon", h.PowerOn, []string{"Pon", "Flush"}, 400 * time.Millisecond},
		{"hvon", h.HVOn, []string{"HVon", "Flush"}, 400 * time.Millisecond},
		{
			"probe",
			func() error { return h.SignalProbe(hal.ProbeA2, 4) },
			[]string{"SignalProbe a2 4", "Flush"},
			100 * time.Microsecond,
		},
		{"hvoff", h.HVOff, []string{"HVoff", "Flush"}, 400 * time.Millisecond},
		{"poff", h.PowerOff, []string{"Poff", "Flush"}, 400 * time.Millisecond},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tb.Reset()
			slp.durs = nil
			err := tc.f()
			if err != nil {
				t.Fatalf("could not run command: %+v", err)
			}
			if got := tb.Commands(); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("invalid sequence: got=%q, want=%q", got, tc.want)
			}
			if got := slp.durs; len(got) != 1 || got[0] != tc.dur {
				t.Fatalf("invalid settle time: got=%v, want=%v", got, tc.dur)
			}
		})
	}
	if tb.Powered() || tb.HV() {
		t.Fatalf("board should be off")
	}
	if got, want := tb.ProbeSignal(hal.ProbeA2), uint8(4); got != want {
		t.Fatalf("invalid probe signal: got=%d, want=%d", got, want)
	}
}

func TestReadback(t *testing.T) {
	h, _, _ := newHAL(t, nil)
	err := h.Initialize(nil, nil, 1.8, 2.5, 1.2, 1.0)
	if err != nil {
		t.Fatalf("could not initialize: %+v", err)
	}
	err = h.PowerOn()
	if err != nil {
		t.Fatalf("could not power on: %+v", err)
	}

	for _, tc := range []struct {
		name string
		f    func() (float64, error)
		want float64
	}{
		{"va", h.TBVA, 1.8},
		{"vd", h.TBVD, 2.5},
		{"ia", h.TBIA, 1.2},
		{"id", h.TBID, 1.0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.f()
			if err != nil {
				t.Fatalf("could not read back: %+v", err)
			}
			if got != tc.want {
				t.Fatalf("invalid value: got=%v, want=%v", got, tc.want)
			}
		})
	}
}

func TestCalibrateNotInitialized(t *testing.T) {
	h, tb, _ := newHAL(t, nil)

	_, err := h.ROCCalibrateMap(0, 10)
	if !errors.Is(err, hal.ErrNotInitialized) {
		t.Fatalf("invalid error: got=%v, want=%v", err, hal.ErrNotInitialized)
	}
	_, _, err = h.PixelCalibrate(0, 0, 0, 10)
	if !errors.Is(err, hal.ErrNotInitialized) {
		t.Fatalf("invalid error: got=%v, want=%v", err, hal.ErrNotInitialized)
	}
	if n := len(tb.Commands()); n != 0 {
		t.Fatalf("no command should have been sent (got=%d)", n)
	}
}

func TestCalibrate(t *testing.T) {
	h, tb, _ := newHAL(t, nil)
	err := h.Initialize(nil, nil, 1.8, 2.5, 1.2, 1.0)
	if err != nil {
		t.Fatalf("could not initialize: %+v", err)
	}
	err = h.InitROC(0, map[uint8]uint8{dict.Vcal: 100})
	if err != nil {
		t.Fatalf("could not init ROC: %+v", err)
	}
	err = h.ROCSetMask(0, false, []dut.PixelConfig{{Column: 1, Row: 1, Trim: 0}})
	if err != nil {
		t.Fatalf("could not unmask ROC: %+v", err)
	}
	err = h.PixelSetMask(0, 0, 0, true, 0)
	if err != nil {
		t.Fatalf("could not mask pixel: %+v", err)
	}

	buf, err := h.ROCCalibrateMap(0, 10)
	if err != nil {
		t.Fatalf("could not calibrate map: %+v", err)
	}
	if got, want := buf.Len(), geom.Size(); got != want {
		t.Fatalf("invalid buffer size: got=%d, want=%d", got, want)
	}
	if got := buf.NReadouts[0]; got != 0 {
		t.Fatalf("masked pixel should not respond: got=%d", got)
	}
	// vcal=100 is above the threshold of every trim.
	if got, want := buf.NReadouts[geom.Index(1, 1)], int16(10); got != want {
		t.Fatalf("invalid readouts: got=%d, want=%d", got, want)
	}
	if got, want := buf.PHSum[geom.Index(1, 1)], int32(10*70); got != want {
		t.Fatalf("invalid pulse height: got=%d, want=%d", got, want)
	}

	scan, err := h.PixelCalibrateDACScan(0, 1, 1, dict.Vcal, 30, 5)
	if err != nil {
		t.Fatalf("could not scan: %+v", err)
	}
	if got, want := scan.Len(), 30; got != want {
		t.Fatalf("invalid scan size: got=%d, want=%d", got, want)
	}
	if scan.NReadouts[19] != 0 || scan.NReadouts[20] != 5 {
		t.Fatalf("invalid threshold: %v", scan.NReadouts)
	}

	dd, err := h.PixelCalibrateDACDACScan(0, 1, 1, dict.Vana, 2, dict.Vcal, 25, 1)
	if err != nil {
		t.Fatalf("could not scan: %+v", err)
	}
	if got, want := dd.Len(), 50; got != want {
		t.Fatalf("invalid scan size: got=%d, want=%d", got, want)
	}
	if dd.NReadouts[1*25+19] != 0 || dd.NReadouts[1*25+20] != 1 {
		t.Fatalf("invalid dac-dac layout: %v", dd.NReadouts)
	}

	tb.Errs["CalibratePixel"] = errors.New("timeout")
	_, _, err = h.PixelCalibrate(0, 1, 1, 1)
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestFlash(t *testing.T) {
	const image = ":020000040000FA\n\n  :10000000FFFFFFFF  \n:00000001FF\n"

	t.Run("ok", func(t *testing.T) {
		buf := new(bytes.Buffer)
		h, tb, slp := newHAL(t, buf)
		err := h.Flash(strings.NewReader(image))
		if err != nil {
			t.Fatalf("could not flash: %+v", err)
		}
		want := []string{":020000040000FA", ":10000000FFFFFFFF", ":00000001FF"}
		if !reflect.DeepEqual(tb.Records, want) {
			t.Fatalf("invalid records:\ngot= %q\nwant=%q", tb.Records, want)
		}
		if got := tb.CommandsOf("UpgradeExec"); !reflect.DeepEqual(got, []string{"UpgradeExec 3"}) {
			t.Fatalf("invalid exec: %q", got)
		}
		if got := slp.durs; len(got) != 1 || got[0] != 200*time.Millisecond {
			t.Fatalf("invalid settle times: %v", got)
		}
		if !strings.Contains(buf.String(), "DO NOT INTERRUPT DTB POWER!") {
			t.Fatalf("missing warning:\n%s", buf.String())
		}
	})

	t.Run("bad-version", func(t *testing.T) {
		h, tb, _ := newHAL(t, nil)
		tb.Version = 0x0200
		err := h.Flash(strings.NewReader(image))
		if err == nil {
			t.Fatalf("expected an error")
		}
		if got := tb.CommandsOf("UpgradeStart"); len(got) != 0 {
			t.Fatalf("upgrade should not have started: %q", got)
		}
	})

	t.Run("upgrade-error", func(t *testing.T) {
		h, tb, _ := newHAL(t, nil)
		tb.Errs["UpgradeError"] = errors.New("checksum")
		err := h.Flash(strings.NewReader(image))
		if err == nil {
			t.Fatalf("expected an error")
		}
		if got := tb.CommandsOf("UpgradeExec"); len(got) != 0 {
			t.Fatalf("flash should not have been written: %q", got)
		}
	})
}
