// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/pxar/api"
	"github.com/go-lpc/pxar/confdb"
	"github.com/go-lpc/pxar/dict"
	"github.com/go-lpc/pxar/dut"
	"github.com/go-lpc/pxar/internal/fakedtb"
	"github.com/go-lpc/pxar/pixtest"
	"go-hep.org/x/hep/lcio"
)

func newTestShell(t *testing.T) (*shell, *fakedtb.Board, *bytes.Buffer) {
	t.Helper()

	geom := dut.Geometry{Columns: 2, Rows: 2}
	tb := fakedtb.New(geom)
	a, err := api.New(
		tb,
		api.WithMsgStream(log.NewMsgStream("pxar", log.LvlError, io.Discard)),
		api.WithGeometry(geom),
		api.WithSleep(func(time.Duration) {}),
	)
	if err != nil {
		t.Fatalf("could not create API: %+v", err)
	}
	t.Cleanup(func() { a.Close() })

	cfg, err := config("", 1, geom)
	if err != nil {
		t.Fatalf("could not create simulated setup: %+v", err)
	}

	err = cfg.Apply(a)
	if err != nil {
		t.Fatalf("could not apply setup: %+v", err)
	}

	out := new(bytes.Buffer)
	sh := newShell(out, a, geom)
	sh.pt = pixtest.New(a, geom, log.NewMsgStream("pixtest", log.LvlError, io.Discard))
	return sh, tb, out
}

func TestComplete(t *testing.T) {
	sh, _, _ := newTestShell(t)
	for _, tc := range []struct {
		line string
		want []string
	}{
		{"", nil},
		{"d", []string{"dac", "dacdac", "dacs", "disable"}},
		{"sc", []string{"scan"}},
		{"PH", []string{"phmap"}},
		{"xyz", nil},
	} {
		t.Run(tc.line, func(t *testing.T) {
			got := sh.complete(tc.line)
			if tc.line == "" {
				if len(got) != len(commands) {
					t.Fatalf("invalid number of completions: got=%d, want=%d", len(got), len(commands))
				}
				return
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("invalid completion:\ngot= %q\nwant=%q", got, tc.want)
			}
		})
	}
}

func TestExec(t *testing.T) {
	sh, tb, out := newTestShell(t)

	for _, tc := range []struct {
		args  string
		check func() error
		want  string
	}{
		{
			args: "help",
			want: "  alive NTRIG: run a pixel alive test\n",
		},
		{
			args: "status",
			want: "ready: true\n",
		},
		{
			args: "version",
			want: "pxar ",
		},
		{
			args: "dac vcal 30 0",
			check: func() error {
				if got, want := tb.DAC(0, dict.Vcal), uint8(30); got != want {
					return errors.New("vcal not updated")
				}
				return nil
			},
		},
		{
			args: "dacs 0",
			want: "vcal          30\n",
		},
		{
			args: "alive 10",
			want: "pixel_alive_C0: mean efficiency=0.000\n",
		},
		{
			args: "dac vcal 200",
		},
		{
			args: "alive 10",
			want: "pixel_alive_C0: mean efficiency=1.000\n",
		},
		{
			args: "phmap 10",
			want: "ph_map_C0: mean pulse height=120.0\n",
		},
		{
			args: "mask 1 1 0",
			check: func() error {
				if !tb.Masked(0, 1, 1) {
					return errors.New("pixel (1,1) not masked")
				}
				return nil
			},
		},
		{
			args: "unmask 1 1 0",
			check: func() error {
				if tb.Masked(0, 1, 1) {
					return errors.New("pixel (1,1) still masked")
				}
				return nil
			},
		},
		{
			args: "hv on",
			check: func() error {
				if !tb.HV() {
					return errors.New("HV not on")
				}
				return nil
			},
		},
		{
			args: "hv off",
			check: func() error {
				if tb.HV() {
					return errors.New("HV still on")
				}
				return nil
			},
		},
		{
			args: "probe d1 clk",
		},
		{
			args: "scan vcal 100 eff 10",
			want: "vcal_efficiency_C0: bins=100 sum=",
		},
		{
			args: "power off",
			check: func() error {
				if tb.Powered() {
					return errors.New("board still powered")
				}
				return nil
			},
		},
		{
			args: "power on",
			check: func() error {
				if !tb.Powered() {
					return errors.New("board not powered")
				}
				return nil
			},
		},
	} {
		t.Run(tc.args, func(t *testing.T) {
			out.Reset()
			err := sh.exec(strings.Fields(tc.args))
			if err != nil {
				t.Fatalf("could not run %q: %+v", tc.args, err)
			}
			if !strings.Contains(out.String(), tc.want) {
				t.Fatalf("invalid output:\ngot:\n%s\nwant:\n%s", out.String(), tc.want)
			}
			if tc.check == nil {
				return
			}
			if err := tc.check(); err != nil {
				t.Fatalf("invalid state: %+v", err)
			}
		})
	}
}

func TestExecErrors(t *testing.T) {
	sh, _, _ := newTestShell(t)

	for _, tc := range []struct {
		args string
		want string
	}{
		{"foo", `unknown command "foo"`},
		{"dac vcal", "dac: invalid number of arguments (got=1)"},
		{"dac vcal 256", `invalid 8-bit value "256"`},
		{"dac vcal 10 x", `invalid device index "x"`},
		{"power maybe", `invalid switch value "maybe"`},
		{"scan vcal 10 foo 10", `invalid scan mode "foo"`},
		{"alive 0", "invalid number of triggers"},
		{"probe d9 clk", `api: invalid probe "d9"`},
	} {
		t.Run(tc.args, func(t *testing.T) {
			err := sh.exec(strings.Fields(tc.args))
			if err == nil {
				t.Fatalf("expected an error")
			}
			if got, want := err.Error(), tc.want; !strings.Contains(got, want) {
				t.Fatalf("invalid error:\ngot= %q\nwant=%q", got, want)
			}
		})
	}

	err := sh.exec([]string{"quit"})
	if !errors.Is(err, errQuit) {
		t.Fatalf("invalid quit error: got=%v, want=%v", err, errQuit)
	}
}

func TestExportSave(t *testing.T) {
	sh, _, out := newTestShell(t)

	tmp, err := os.MkdirTemp("", "pxar-shell-")
	if err != nil {
		t.Fatalf("could not create tmp dir: %+v", err)
	}
	defer os.RemoveAll(tmp)

	fname := filepath.Join(tmp, "vcal.slcio")
	err = sh.exec([]string{"export", fname, "vcal", "10", "eff", "5"})
	if err != nil {
		t.Fatalf("could not export scan: %+v", err)
	}
	if got, want := out.String(), "wrote 10 steps to "; !strings.HasPrefix(got, want) {
		t.Fatalf("invalid output: got=%q, want=%q", got, want)
	}

	r, err := lcio.Open(fname)
	if err != nil {
		t.Fatalf("could not open LCIO file: %+v", err)
	}
	defer r.Close()

	steps, err := pixtest.ReadLCIO(r)
	if err != nil {
		t.Fatalf("could not read LCIO file: %+v", err)
	}
	if got, want := len(steps), 10; got != want {
		t.Fatalf("invalid number of steps: got=%d, want=%d", got, want)
	}

	err = sh.exec([]string{"alive", "2"})
	if err != nil {
		t.Fatalf("could not run alive test: %+v", err)
	}

	err = sh.exec([]string{"save", filepath.Join(tmp, "out.root")})
	if err != nil {
		t.Fatalf("could not save histograms: %+v", err)
	}
}

func TestConfigSimulated(t *testing.T) {
	geom := dut.Geometry{Columns: 2, Rows: 2}
	cfg, err := config("", 2, geom)
	if err != nil {
		t.Fatalf("could not create config: %+v", err)
	}
	if got, want := cfg.Setup, confdb.Simulated(2, geom).Setup; got != want {
		t.Fatalf("invalid setup: got=%#v, want=%#v", got, want)
	}

	_, err = config("", 1, dut.Geometry{Columns: 52, Rows: 300})
	if err == nil {
		t.Fatalf("expected an error for an invalid geometry")
	}
}
