// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pxar holds code to configure and calibrate pixel-detector
// readout chips (ROCs) and token-bit managers (TBMs) through a digital
// test board (DTB).
//
// The device model lives in package dut, the hardware command layer in
// package hal, calibration sweeps in package scan and the top-level
// orchestrator in package api.
package pxar // import "github.com/go-lpc/pxar"

import (
	"fmt"
	"runtime/debug"
)

const modulePath = "github.com/go-lpc/pxar"

// Version returns the version of pxar and its checksum.
// The returned values are only valid in binaries built with module support.
func Version() (version, sum string) {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	return versionOf(b)
}

func versionOf(b *debug.BuildInfo) (version, sum string) {
	if b == nil {
		return "", ""
	}

	if b.Main.Path == modulePath {
		return b.Main.Version, b.Main.Sum
	}

	for _, m := range b.Deps {
		if m.Path != modulePath {
			continue
		}
		return moduleVersion(m)
	}
	return "", ""
}

func moduleVersion(m *debug.Module) (version, sum string) {
	r := m.Replace
	switch {
	case r == nil:
		return m.Version, m.Sum
	case r.Version != "" && r.Path != "":
		return fmt.Sprintf("%s %s", r.Path, r.Version), r.Sum
	case r.Version != "":
		return r.Version, r.Sum
	case r.Path != "":
		return r.Path, r.Sum
	default:
		return m.Version + "*", ""
	}
}
