// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hal

import "fmt"

// Board is the session to a digital test board (DTB).
type Board interface {
	Info() (string, error)
	BoardID() (uint32, error)
	Welcome() error
	Init() error
	Flush() error
	Close() error
}

// RPCLister lists the remote procedure calls known to the board
// firmware and to the host library.
type RPCLister interface {
	RPCCalls() ([]string, error)
	HostRPCCalls() ([]string, error)
}

// PowerSupply drives the DUT power supply and high voltage of the board.
//
// Voltages are expressed in mV, current limits in units of 0.1 mA.
type PowerSupply interface {
	SetVA(mV uint16) error
	SetVD(mV uint16) error
	SetIA(v uint16) error
	SetID(v uint16) error

	VA() (uint16, error)
	VD() (uint16, error)
	IA() (uint16, error)
	ID() (uint16, error)

	Pon() error
	Poff() error
	HVon() error
	HVoff() error
}

// Probe identifies a probe output of the board.
type Probe uint8

const (
	ProbeD1 Probe = iota
	ProbeD2
	ProbeA1
	ProbeA2
)

func (p Probe) String() string {
	switch p {
	case ProbeD1:
		return "d1"
	case ProbeD2:
		return "d2"
	case ProbeA1:
		return "a1"
	case ProbeA2:
		return "a2"
	}
	return fmt.Sprintf("Probe(%d)", uint8(p))
}

// Analog returns whether p is an analog probe output.
func (p Probe) Analog() bool { return p == ProbeA1 || p == ProbeA2 }

// SignalControl drives the signal timings, probes and pattern generator
// of the board.
type SignalControl interface {
	SigSetDelay(sig, delay uint8) error
	SigSetLevel(sig, level uint8) error
	SelectDeser160(phase uint8) error
	SignalProbe(p Probe, sig uint8) error
	PgSetCmd(addr uint8, cmd uint16) error
}

// TBMBus addresses the token-bit managers.
type TBMBus interface {
	TBMEnable(on bool) error
	ModAddr(hub uint8) error
	TBMSet(reg, value uint8) error
}

// ROCBus addresses the readout chips.
// Commands apply to the ROC selected with ROCI2CAddr.
type ROCBus interface {
	ROCI2CAddr(id uint8) error
	ROCSetDAC(reg, value uint8) error
	ROCPixMask(col, row uint8) error
	ROCPixTrim(col, row, trim uint8) error
	ROCChipMask() error
	TrimChip(trims []int8) error
}

// Calibrator runs calibration sequences on the selected ROC.
//
// Each call returns the number of readouts and the summed pulse height
// for every measured point. Full-matrix buffers are ordered rows
// fastest, DAC-DAC buffers inner DAC fastest.
type Calibrator interface {
	CalibrateMap(ntrig uint16) (nReadouts []int16, phSum []int32, err error)
	CalibratePixel(ntrig uint16, col, row uint8) (nReadouts int16, phSum int32, err error)
	CalibrateDACScan(ntrig uint16, col, row, reg, max uint8) (nReadouts []int16, phSum []int32, err error)
	CalibrateDACDACScan(ntrig uint16, col, row, reg1, max1, reg2, max2 uint8) (nReadouts []int16, phSum []int32, err error)
}

// Upgrader flashes a new firmware into the board.
type Upgrader interface {
	UpgradeVersion() (uint16, error)
	UpgradeStart(version uint16) error
	UpgradeData(rec string) error
	UpgradeError() error
	UpgradeExec(nrec uint16) error
}

// Transport is the command interface to a digital test board.
//
// Commands may be queued by the board until Flush is called.
// A Transport is an exclusive session: it is not safe for concurrent use.
type Transport interface {
	Board
	RPCLister
	PowerSupply
	SignalControl
	TBMBus
	ROCBus
	Calibrator
	Upgrader
}
