// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dict

// DTB signal registers.
const (
	SigClk           uint8 = 0x00
	SigCtr           uint8 = 0x01
	SigSda           uint8 = 0x02
	SigTin           uint8 = 0x03
	SigDeser160Phase uint8 = 0x04
)

// ROC DAC registers addressed directly by the scan procedures.
const (
	Vdig     uint8 = 0x01
	Vana     uint8 = 0x02
	Vsf      uint8 = 0x03
	Vcomp    uint8 = 0x04
	VthrComp uint8 = 0x0c
	Vcal     uint8 = 0x19
	CalDel   uint8 = 0x1a
	CtrlReg  uint8 = 0xfd
	WBC      uint8 = 0xfe
)

var rocRegisters = []Register{
	{Name: "vdig", ID: Vdig, Max: 15},
	{Name: "vana", ID: Vana, Max: 255},
	{Name: "vsf", ID: Vsf, Max: 255},
	{Name: "vsh", ID: Vsf, Max: 255},
	{Name: "vcomp", ID: Vcomp, Max: 15},
	{Name: "vleak_comp", ID: 0x05, Max: 255},
	{Name: "vrgpr", ID: 0x06, Max: 255},
	{Name: "vwllpr", ID: 0x07, Max: 255},
	{Name: "vrgsh", ID: 0x08, Max: 255},
	{Name: "vwllsh", ID: 0x09, Max: 255},
	{Name: "vhlddel", ID: 0x0a, Max: 255},
	{Name: "vtrim", ID: 0x0b, Max: 255},
	{Name: "vthrcomp", ID: VthrComp, Max: 255},
	{Name: "vibias_bus", ID: 0x0d, Max: 255},
	{Name: "vbias_sf", ID: 0x0e, Max: 15},
	{Name: "voffsetop", ID: 0x0f, Max: 255},
	{Name: "vibiasop", ID: 0x10, Max: 255},
	{Name: "voffsetro", ID: 0x11, Max: 255},
	{Name: "vion", ID: 0x12, Max: 255},
	{Name: "vibias_ph", ID: 0x13, Max: 255},
	{Name: "vibias_dac", ID: 0x14, Max: 255},
	{Name: "vibias_roc", ID: 0x15, Max: 255},
	{Name: "vicolor", ID: 0x16, Max: 255},
	{Name: "vnpix", ID: 0x17, Max: 255},
	{Name: "vsumcol", ID: 0x18, Max: 255},
	{Name: "vcal", ID: Vcal, Max: 255},
	{Name: "caldel", ID: CalDel, Max: 255},
	{Name: "rangetemp", ID: 0x1b, Max: 255},
	{Name: "ctrlreg", ID: CtrlReg, Max: 255},
	{Name: "wbc", ID: WBC, Max: 255},
}

var tbmRegisters = []Register{
	{Name: "clear", ID: 0x00, Max: 255},
	{Name: "counters", ID: 0x02, Max: 255},
	{Name: "mode", ID: 0x04, Max: 255},
	{Name: "pkam_set", ID: 0x08, Max: 255},
	{Name: "delays", ID: 0x0a, Max: 255},
	{Name: "autoreset", ID: 0x0c, Max: 255},
	{Name: "temperature", ID: 0x0e, Max: 255},
}

var dtbRegisters = []Register{
	{Name: "clk", ID: SigClk, Max: 25},
	{Name: "ctr", ID: SigCtr, Max: 25},
	{Name: "sda", ID: SigSda, Max: 25},
	{Name: "tin", ID: SigTin, Max: 25},
	{Name: "deser160phase", ID: SigDeser160Phase, Max: 7},
}

var devices = map[string]uint8{
	"psi46v2":       0x01,
	"psi46xdb":      0x02,
	"psi46dig":      0x03,
	"psi46dig_trig": 0x04,
	"psi46digv2_b":  0x05,
	"psi46digv2":    0x06,
	"psi46digv21":   0x07,
	"tbm08":         0x20,
	"tbm08a":        0x21,
	"tbm08b":        0x22,
	"tbm09":         0x23,
}

var digitalProbes = map[string]uint8{
	"off":        0,
	"clk":        1,
	"sda":        2,
	"pgtok":      3,
	"pgtrg":      4,
	"pgcal":      5,
	"pgresr":     6,
	"pgrest":     7,
	"pgsync":     8,
	"ctr":        9,
	"tin":        10,
	"tout":       11,
	"clkpresent": 12,
	"clkgood":    13,
	"daqopen":    14,
}

var analogProbes = map[string]uint8{
	"tin":    0,
	"sdata1": 1,
	"sdata2": 2,
	"ctr":    3,
	"clk":    4,
	"sda":    5,
	"tout":   6,
	"off":    7,
}
