// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dtb exposes a pxar test board as a TDAQ run-control process.
package dtb // import "github.com/go-lpc/pxar/dtb"

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/pxar/api"
	"github.com/go-lpc/pxar/confdb"
	"github.com/go-lpc/pxar/dut"
	"github.com/go-lpc/pxar/hal"
)

// Loader retrieves the configuration of the device under test.
type Loader func(ctx context.Context) (confdb.Config, error)

// Server drives a test board from run-control commands.
//
// While running, the server takes efficiency maps of the device under
// test and publishes them on its output.
type Server struct {
	name string

	open  func() (hal.Transport, error)
	load  Loader
	opts  []api.Option
	alert func(subject, body string)

	mu    sync.Mutex
	cfg   confdb.Config
	api   *api.API
	ntrig uint16
	freq  time.Duration

	n    uint32
	data chan []byte
}

// Option configures a Server.
type Option func(srv *Server)

// WithAPIOptions sets the options used to create the pxar API.
func WithAPIOptions(opts ...api.Option) Option {
	return func(srv *Server) {
		srv.opts = append(srv.opts, opts...)
	}
}

// WithAlert sets the function called when the device under test could
// not be configured or initialized.
func WithAlert(alert func(subject, body string)) Option {
	return func(srv *Server) {
		srv.alert = alert
	}
}

// WithFreq sets the interval between two efficiency maps.
func WithFreq(freq time.Duration) Option {
	return func(srv *Server) {
		srv.freq = freq
	}
}

// NewServer returns a run-control server named name, opening test boards
// with open and loading the device configuration with load.
func NewServer(name string, open func() (hal.Transport, error), load Loader, opts ...Option) *Server {
	srv := &Server{
		name:  name,
		open:  open,
		load:  load,
		alert: func(subject, body string) {},
		ntrig: 10,
		freq:  100 * time.Millisecond,
		data:  make(chan []byte, 1024),
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

func (srv *Server) fail(ctx tdaq.Context, subject string, err error) error {
	ctx.Msg.Errorf("%s: %+v", subject, err)
	srv.alert(fmt.Sprintf("[%s] %s", srv.name, subject), fmt.Sprintf("%+v", err))
	return fmt.Errorf("%s: %w", subject, err)
}

func (srv *Server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")

	cctx, cancel := context.WithTimeout(ctx.Ctx, 10*time.Second)
	defer cancel()

	cfg, err := srv.load(cctx)
	if err != nil {
		return srv.fail(ctx, "could not load configuration", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.cfg = cfg
	ctx.Msg.Infof("loaded setup %q (tbms=%d, rocs=%d)", cfg.Setup.Name, cfg.Setup.NTBMs, cfg.Setup.NROCs)

	return nil
}

func (srv *Server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")

	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.api != nil {
		_ = srv.api.Close()
		srv.api = nil
	}

	tb, err := srv.open()
	if err != nil {
		return srv.fail(ctx, "could not open test board", err)
	}

	a, err := api.New(tb, srv.opts...)
	if err != nil {
		return srv.fail(ctx, "could not create pxar API", err)
	}

	err = srv.cfg.Apply(a)
	if err != nil {
		_ = a.Close()
		return srv.fail(ctx, "could not initialize DUT", err)
	}

	srv.api = a
	srv.reset()
	return nil
}

func (srv *Server) reset() {
	srv.n = 0
	srv.data = make(chan []byte, 1024)
}

func (srv *Server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")

	srv.mu.Lock()
	defer srv.mu.Unlock()

	srv.reset()
	if srv.api == nil {
		return nil
	}

	err := srv.api.PowerOff()
	if err != nil {
		ctx.Msg.Errorf("could not power off DUT: %+v", err)
		return fmt.Errorf("could not power off DUT: %w", err)
	}

	err = srv.api.PowerOn()
	if err != nil {
		return srv.fail(ctx, "could not power on DUT", err)
	}
	return nil
}

// OnStart starts data taking.
// The request body may hold the number of triggers per pixel as a u32.
func (srv *Server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")

	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.api == nil {
		return fmt.Errorf("could not start: %w", api.ErrNotReady)
	}

	if len(req.Body) > 0 {
		dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
		ntrig := dec.ReadU32()
		if err := dec.Err(); err != nil {
			return fmt.Errorf("could not decode /start request: %w", err)
		}
		if ntrig == 0 || ntrig > 0xffff {
			return fmt.Errorf("invalid number of triggers %d", ntrig)
		}
		srv.ntrig = uint16(ntrig)
	}

	err := srv.api.DAQStart(nil)
	if err != nil {
		ctx.Msg.Errorf("could not start DAQ: %+v", err)
		return fmt.Errorf("could not start DAQ: %w", err)
	}
	ctx.Msg.Infof("taking efficiency maps with %d triggers", srv.ntrig)
	return nil
}

func (srv *Server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	ctx.Msg.Debugf("received /stop command... -> n=%d", srv.n)
	if srv.api == nil {
		return nil
	}

	err := srv.api.DAQStop()
	if err != nil {
		ctx.Msg.Errorf("could not stop DAQ: %+v", err)
		return fmt.Errorf("could not stop DAQ: %w", err)
	}
	return nil
}

func (srv *Server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")

	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.api == nil {
		return nil
	}

	err := srv.api.Close()
	srv.api = nil
	if err != nil {
		ctx.Msg.Errorf("could not close test board: %+v", err)
		return fmt.Errorf("could not close test board: %w", err)
	}
	return nil
}

// Pixels publishes the efficiency maps taken while running.
func (srv *Server) Pixels(ctx tdaq.Context, dst *tdaq.Frame) error {
	srv.mu.Lock()
	data := srv.data
	srv.mu.Unlock()

	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case raw := <-data:
		dst.Body = raw
	}
	return nil
}

// Run takes efficiency maps until the run is stopped.
func (srv *Server) Run(ctx tdaq.Context) error {
	tck := time.NewTicker(srv.freq)
	defer tck.Stop()

	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		case <-tck.C:
			err := srv.acquire(ctx)
			if err != nil {
				ctx.Msg.Errorf("could not acquire efficiency map: %+v", err)
				return err
			}
		}
	}
}

func (srv *Server) acquire(ctx tdaq.Context) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.api == nil {
		return fmt.Errorf("could not acquire: %w", api.ErrNotReady)
	}

	pixels, err := srv.api.EfficiencyMap(srv.ntrig)
	if err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	err = EncodePixels(buf, srv.n, pixels)
	if err != nil {
		return err
	}

	select {
	case srv.data <- buf.Bytes():
		srv.n++
	default:
		ctx.Msg.Warnf("output buffer full, dropping map %d", srv.n)
	}
	return nil
}

// EncodePixels writes the sequence number and the pixels of a map to w.
func EncodePixels(w *bytes.Buffer, seq uint32, pixels []dut.Pixel) error {
	enc := tdaq.NewEncoder(w)
	enc.WriteU32(seq)
	enc.WriteU32(uint32(len(pixels)))
	for _, pix := range pixels {
		enc.WriteU8(pix.ROC)
		enc.WriteU8(pix.Column)
		enc.WriteU8(pix.Row)
		enc.WriteI32(pix.Value)
	}
	if err := enc.Err(); err != nil {
		return fmt.Errorf("dtb: could not encode pixels: %w", err)
	}
	return nil
}

// DecodePixels decodes a map written with EncodePixels.
func DecodePixels(raw []byte) (uint32, []dut.Pixel, error) {
	dec := tdaq.NewDecoder(bytes.NewReader(raw))
	seq := dec.ReadU32()
	n := dec.ReadU32()
	if err := dec.Err(); err != nil {
		return seq, nil, fmt.Errorf("dtb: could not decode pixels header: %w", err)
	}

	const pixelSize = 3 + 4
	if int(n) > (len(raw)-8)/pixelSize {
		return seq, nil, fmt.Errorf("dtb: invalid number of pixels %d (size=%d)", n, len(raw))
	}

	pixels := make([]dut.Pixel, n)
	for i := range pixels {
		pixels[i] = dut.Pixel{
			ROC:    dec.ReadU8(),
			Column: dec.ReadU8(),
			Row:    dec.ReadU8(),
			Value:  dec.ReadI32(),
		}
	}
	if err := dec.Err(); err != nil {
		return seq, nil, fmt.Errorf("dtb: could not decode pixels: %w", err)
	}
	return seq, pixels, nil
}
