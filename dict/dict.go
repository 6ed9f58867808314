// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dict holds the name dictionaries used to address registers,
// devices and probe signals of a pixel test setup.
//
// A Dictionary is an explicit value: it is built once and handed to the
// components that need to resolve symbolic names.
package dict // import "github.com/go-lpc/pxar/dict"

import (
	"fmt"
	"sort"
	"strings"
)

// Kind is the kind of register a name refers to.
type Kind uint8

const (
	ROC Kind = iota // ROC DAC register
	TBM             // TBM register
	DTB             // test board signal register
)

func (k Kind) String() string {
	switch k {
	case ROC:
		return "ROC"
	case TBM:
		return "TBM"
	case DTB:
		return "DTB"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ProbeKind selects the digital or analog probe dictionary.
type ProbeKind uint8

const (
	Digital ProbeKind = iota
	Analog
)

// Register describes a named register.
type Register struct {
	Name string
	ID   uint8
	Max  uint8 // largest value the register accepts
}

// Dictionary resolves case-insensitive names to register ids,
// device codes and probe signals.
type Dictionary struct {
	regs   map[Kind]map[string]Register
	ids    map[Kind]map[uint8]Register
	devs   map[string]uint8
	probes map[ProbeKind]map[string]uint8
}

// New returns a dictionary filled with the register, device and probe
// tables of the psi46 family of chips and the DTB.
func New() *Dictionary {
	d := &Dictionary{
		regs:   make(map[Kind]map[string]Register),
		ids:    make(map[Kind]map[uint8]Register),
		devs:   make(map[string]uint8),
		probes: make(map[ProbeKind]map[string]uint8),
	}
	for _, r := range rocRegisters {
		d.AddRegister(ROC, r)
	}
	for _, r := range tbmRegisters {
		d.AddRegister(TBM, r)
	}
	for _, r := range dtbRegisters {
		d.AddRegister(DTB, r)
	}
	for name, code := range devices {
		d.AddDevice(name, code)
	}
	for name, sig := range digitalProbes {
		d.AddProbe(Digital, name, sig)
	}
	for name, sig := range analogProbes {
		d.AddProbe(Analog, name, sig)
	}
	return d
}

// AddRegister adds (or replaces) a register of the given kind.
func (d *Dictionary) AddRegister(kind Kind, r Register) {
	r.Name = strings.ToLower(r.Name)
	if d.regs[kind] == nil {
		d.regs[kind] = make(map[string]Register)
		d.ids[kind] = make(map[uint8]Register)
	}
	d.regs[kind][r.Name] = r
	if _, dup := d.ids[kind][r.ID]; !dup {
		d.ids[kind][r.ID] = r
	}
}

// AddDevice adds (or replaces) a device type code.
// Code 0 is reserved for unknown devices.
func (d *Dictionary) AddDevice(name string, code uint8) {
	d.devs[strings.ToLower(name)] = code
}

// AddProbe adds (or replaces) a probe signal.
func (d *Dictionary) AddProbe(kind ProbeKind, name string, sig uint8) {
	if d.probes[kind] == nil {
		d.probes[kind] = make(map[string]uint8)
	}
	d.probes[kind][strings.ToLower(name)] = sig
}

// Register returns the register named name.
func (d *Dictionary) Register(name string, kind Kind) (Register, bool) {
	r, ok := d.regs[kind][strings.ToLower(name)]
	return r, ok
}

// Name returns the name of the register with the given id.
// Aliases resolve to the first name registered for that id.
func (d *Dictionary) Name(id uint8, kind Kind) (string, bool) {
	r, ok := d.ids[kind][id]
	return r.Name, ok
}

// Registers returns all the registers of a given kind, sorted by id
// then name.
func (d *Dictionary) Registers(kind Kind) []Register {
	o := make([]Register, 0, len(d.regs[kind]))
	for _, r := range d.regs[kind] {
		o = append(o, r)
	}
	sort.Slice(o, func(i, j int) bool {
		if o[i].ID != o[j].ID {
			return o[i].ID < o[j].ID
		}
		return o[i].Name < o[j].Name
	})
	return o
}

// DeviceCode returns the type code of the named device.
func (d *Dictionary) DeviceCode(name string) (uint8, bool) {
	code, ok := d.devs[strings.ToLower(name)]
	if code == 0 {
		ok = false
	}
	return code, ok
}

// ProbeSignal returns the signal id of the named probe signal.
func (d *Dictionary) ProbeSignal(kind ProbeKind, name string) (uint8, bool) {
	sig, ok := d.probes[kind][strings.ToLower(name)]
	return sig, ok
}
