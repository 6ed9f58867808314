// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dict

import "testing"

func TestRegister(t *testing.T) {
	d := New()
	for _, tc := range []struct {
		name string
		kind Kind
		id   uint8
		max  uint8
		ok   bool
	}{
		{name: "vcal", kind: ROC, id: Vcal, max: 255, ok: true},
		{name: "VCal", kind: ROC, id: Vcal, max: 255, ok: true},
		{name: "Vdig", kind: ROC, id: Vdig, max: 15, ok: true},
		{name: "vsh", kind: ROC, id: Vsf, max: 255, ok: true},
		{name: "vcal", kind: TBM, ok: false},
		{name: "base0", kind: ROC, ok: false},
		{name: "mode", kind: TBM, id: 0x04, max: 255, ok: true},
		{name: "clk", kind: DTB, id: SigClk, max: 25, ok: true},
		{name: "Deser160Phase", kind: DTB, id: SigDeser160Phase, max: 7, ok: true},
		{name: "", kind: DTB, ok: false},
	} {
		t.Run(tc.kind.String()+"-"+tc.name, func(t *testing.T) {
			r, ok := d.Register(tc.name, tc.kind)
			if ok != tc.ok {
				t.Fatalf("invalid lookup status: got=%v, want=%v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if r.ID != tc.id {
				t.Fatalf("invalid id: got=0x%x, want=0x%x", r.ID, tc.id)
			}
			if r.Max != tc.max {
				t.Fatalf("invalid max: got=%d, want=%d", r.Max, tc.max)
			}
		})
	}
}

func TestName(t *testing.T) {
	d := New()
	name, ok := d.Name(Vcal, ROC)
	if !ok || name != "vcal" {
		t.Fatalf("invalid name: got=(%q, %v), want=(%q, true)", name, ok, "vcal")
	}

	if _, ok := d.Name(0x99, ROC); ok {
		t.Fatalf("expected unknown id")
	}

	regs := d.Registers(DTB)
	if got, want := len(regs), 5; got != want {
		t.Fatalf("invalid number of DTB registers: got=%d, want=%d", got, want)
	}
	for i := 1; i < len(regs); i++ {
		if regs[i-1].ID > regs[i].ID {
			t.Fatalf("registers not sorted: %v", regs)
		}
	}
}

func TestDeviceCode(t *testing.T) {
	d := New()
	for _, tc := range []struct {
		name string
		code uint8
		ok   bool
	}{
		{"psi46digv2", 0x06, true},
		{"PSI46DIGV2", 0x06, true},
		{"tbm08b", 0x22, true},
		{"psi47", 0, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			code, ok := d.DeviceCode(tc.name)
			if code != tc.code || ok != tc.ok {
				t.Fatalf("invalid device code: got=(0x%x, %v), want=(0x%x, %v)", code, ok, tc.code, tc.ok)
			}
		})
	}

	d.AddDevice("null", 0)
	if _, ok := d.DeviceCode("null"); ok {
		t.Fatalf("device code 0 should be reported as unknown")
	}
}

func TestProbeSignal(t *testing.T) {
	d := New()
	sig, ok := d.ProbeSignal(Digital, "PGCAL")
	if !ok || sig != 5 {
		t.Fatalf("invalid digital probe: got=(%d, %v)", sig, ok)
	}
	sig, ok = d.ProbeSignal(Analog, "sdata2")
	if !ok || sig != 2 {
		t.Fatalf("invalid analog probe: got=(%d, %v)", sig, ok)
	}
	if _, ok := d.ProbeSignal(Analog, "pgcal"); ok {
		t.Fatalf("pgcal is not an analog probe signal")
	}
}
