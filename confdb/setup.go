// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package confdb

import (
	"fmt"

	"github.com/go-lpc/pxar/api"
	"github.com/go-lpc/pxar/dut"
)

// Setup describes a device under test recorded in the database.
type Setup struct {
	ID      uint32 `json:"identifier"`
	Name    string `json:"name"`
	TBMType string `json:"tbm_type"`
	ROCType string `json:"roc_type"`
	NTBMs   int    `json:"ntbms"`
	NROCs   int    `json:"nrocs"`
}

// Config is the full configuration of a setup.
type Config struct {
	Setup Setup `json:"setup"`

	Power  []api.Setting `json:"power"`
	Delays []api.DAC     `json:"delays"`
	PG     []dut.PGCmd   `json:"pattern_generator"`

	TBMRegs [][]api.DAC         `json:"tbm_regs"`
	ROCDACs [][]api.DAC         `json:"roc_dacs"`
	Pixels  [][]dut.PixelConfig `json:"pixels"`
}

// Apply initializes the test board then the device under test of a
// with the configuration.
func (cfg Config) Apply(a *api.API) error {
	err := a.InitTestboard(cfg.Delays, cfg.Power, cfg.PG)
	if err != nil {
		return fmt.Errorf("confdb: could not initialize test board of setup %q: %w", cfg.Setup.Name, err)
	}

	err = a.InitDUT(cfg.Setup.TBMType, cfg.TBMRegs, cfg.Setup.ROCType, cfg.ROCDACs, cfg.Pixels)
	if err != nil {
		return fmt.Errorf("confdb: could not initialize DUT of setup %q: %w", cfg.Setup.Name, err)
	}

	return nil
}

// Simulated returns the configuration of a module of nrocs ROCs, with all
// the pixels of the provided matrix geometry enabled, to be operated on a
// simulated test board.
func Simulated(nrocs int, geom dut.Geometry) Config {
	cfg := Config{
		Setup: Setup{
			Name:    "simulated",
			TBMType: "tbm08b",
			ROCType: "psi46digv2",
			NTBMs:   1,
			NROCs:   nrocs,
		},
		Power: []api.Setting{
			{Name: "va", Value: 1.8},
			{Name: "vd", Value: 2.5},
			{Name: "ia", Value: 1.2},
			{Name: "id", Value: 1.0},
		},
		Delays: []api.DAC{
			{Name: "clk", Value: 4},
			{Name: "ctr", Value: 4},
			{Name: "sda", Value: 19},
			{Name: "tin", Value: 9},
			{Name: "deser160phase", Value: 4},
		},
		PG: []dut.PGCmd{
			{Pattern: 0x0800, Delay: 25},  // resr
			{Pattern: 0x0400, Delay: 106}, // cal
			{Pattern: 0x0200, Delay: 16},  // trg
			{Pattern: 0x0100, Delay: 0},   // tok
		},
		TBMRegs: [][]api.DAC{{{Name: "mode", Value: 0x80}}},
		ROCDACs: make([][]api.DAC, nrocs),
		Pixels:  make([][]dut.PixelConfig, nrocs),
	}

	for i := 0; i < nrocs; i++ {
		cfg.ROCDACs[i] = []api.DAC{
			{Name: "vdig", Value: 7},
			{Name: "vana", Value: 84},
			{Name: "vthrcomp", Value: 86},
			{Name: "vcal", Value: 200},
			{Name: "ctrlreg", Value: 4},
			{Name: "wbc", Value: 100},
		}
		pixels := make([]dut.PixelConfig, geom.Size())
		for j := range pixels {
			col, row := geom.Coord(j)
			pixels[j] = dut.PixelConfig{Column: col, Row: row, Trim: 7, Enable: true}
		}
		cfg.Pixels[i] = pixels
	}

	return cfg
}
