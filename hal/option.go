// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hal

import (
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/pxar/dut"
)

type config struct {
	msg   log.MsgStream
	geom  dut.Geometry
	sleep func(time.Duration)
}

func newConfig() config {
	return config{
		geom:  dut.DefaultGeometry,
		sleep: time.Sleep,
	}
}

// Option configures a HAL.
type Option func(*config)

// WithMsgStream sets the message stream used for logging.
func WithMsgStream(msg log.MsgStream) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithGeometry sets the pixel matrix geometry of the ROCs.
func WithGeometry(geom dut.Geometry) Option {
	return func(cfg *config) {
		cfg.geom = geom
	}
}

// WithSleep sets the function used to wait for hardware settle times.
func WithSleep(sleep func(time.Duration)) Option {
	return func(cfg *config) {
		cfg.sleep = sleep
	}
}
