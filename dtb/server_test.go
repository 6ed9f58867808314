// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dtb

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/pxar/api"
	"github.com/go-lpc/pxar/confdb"
	"github.com/go-lpc/pxar/dut"
	"github.com/go-lpc/pxar/hal"
	"github.com/go-lpc/pxar/internal/fakedtb"
)

var geom = dut.Geometry{Columns: 2, Rows: 2}

func testConfig() confdb.Config {
	pixels := make([]dut.PixelConfig, 0, geom.Size())
	for i := 0; i < geom.Size(); i++ {
		col, row := geom.Coord(i)
		pixels = append(pixels, dut.PixelConfig{Column: col, Row: row, Trim: 7, Enable: true})
	}
	return confdb.Config{
		Setup: confdb.Setup{
			ID:      1,
			Name:    "test",
			TBMType: "tbm08b",
			ROCType: "psi46digv2",
			NROCs:   1,
		},
		Power: []api.Setting{
			{Name: "va", Value: 1.8},
			{Name: "vd", Value: 2.5},
			{Name: "ia", Value: 1.2},
			{Name: "id", Value: 1.0},
		},
		PG:      []dut.PGCmd{{Pattern: 0x0800, Delay: 10}, {Pattern: 0x0100}},
		ROCDACs: [][]api.DAC{{{Name: "vcal", Value: 200}}},
		Pixels:  [][]dut.PixelConfig{pixels},
	}
}

func newTestServer(t *testing.T, load Loader, alerts *[]string) (*Server, *fakedtb.Board) {
	t.Helper()
	tb := fakedtb.New(geom)
	srv := NewServer(
		"pxar-test",
		func() (hal.Transport, error) { return tb, nil },
		load,
		WithAPIOptions(
			api.WithMsgStream(log.NewMsgStream("pxar", log.LvlError, io.Discard)),
			api.WithGeometry(geom),
			api.WithSleep(func(time.Duration) {}),
		),
		WithAlert(func(subject, body string) {
			*alerts = append(*alerts, subject)
		}),
		WithFreq(time.Millisecond),
	)
	return srv, tb
}

func newContext(ctx context.Context) tdaq.Context {
	return tdaq.Context{
		Ctx: ctx,
		Msg: log.NewMsgStream("dtb", log.LvlError, io.Discard),
	}
}

func TestServer(t *testing.T) {
	var alerts []string
	srv, tb := newTestServer(t, func(ctx context.Context) (confdb.Config, error) {
		return testConfig(), nil
	}, &alerts)

	var (
		ctx  = newContext(context.Background())
		resp tdaq.Frame
	)

	for _, tc := range []struct {
		name string
		fct  func(tdaq.Context, *tdaq.Frame, tdaq.Frame) error
		req  tdaq.Frame
	}{
		{"/config", srv.OnConfig, tdaq.Frame{}},
		{"/init", srv.OnInit, tdaq.Frame{}},
		{"/reset", srv.OnReset, tdaq.Frame{}},
		{"/start", srv.OnStart, tdaq.Frame{Body: []byte{4, 0, 0, 0}}},
	} {
		err := tc.fct(ctx, &resp, tc.req)
		if err != nil {
			t.Fatalf("could not run %s: %+v", tc.name, err)
		}
	}

	if !tb.Powered() {
		t.Fatalf("test board should be powered")
	}
	if got, want := srv.ntrig, uint16(4); got != want {
		t.Fatalf("invalid number of triggers: got=%d, want=%d", got, want)
	}

	rctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Run(newContext(rctx))
	}()

	var frame tdaq.Frame
	err := srv.Pixels(newContext(context.Background()), &frame)
	if err != nil {
		t.Fatalf("could not retrieve pixels: %+v", err)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("could not run: %+v", err)
	}

	seq, pixels, err := DecodePixels(frame.Body)
	if err != nil {
		t.Fatalf("could not decode pixels: %+v", err)
	}
	if got, want := seq, uint32(0); got != want {
		t.Fatalf("invalid sequence number: got=%d, want=%d", got, want)
	}
	if got, want := len(pixels), geom.Size(); got != want {
		t.Fatalf("invalid number of pixels: got=%d, want=%d", got, want)
	}
	for _, pix := range pixels {
		if pix.Value != 4 {
			t.Fatalf("invalid pixel value: got=%+v, want=4", pix)
		}
	}

	for _, tc := range []struct {
		name string
		fct  func(tdaq.Context, *tdaq.Frame, tdaq.Frame) error
	}{
		{"/stop", srv.OnStop},
		{"/quit", srv.OnQuit},
	} {
		err := tc.fct(ctx, &resp, tdaq.Frame{})
		if err != nil {
			t.Fatalf("could not run %s: %+v", tc.name, err)
		}
	}

	if !tb.Closed() {
		t.Fatalf("test board should be closed")
	}
	if len(alerts) != 0 {
		t.Fatalf("unexpected alerts: %q", alerts)
	}
}

func TestServerAlerts(t *testing.T) {
	t.Run("config", func(t *testing.T) {
		var alerts []string
		srv, _ := newTestServer(t, func(ctx context.Context) (confdb.Config, error) {
			return confdb.Config{}, io.ErrUnexpectedEOF
		}, &alerts)

		err := srv.OnConfig(newContext(context.Background()), &tdaq.Frame{}, tdaq.Frame{})
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("invalid error: got=%+v, want=%+v", err, io.ErrUnexpectedEOF)
		}
		if got, want := alerts, []string{"[pxar-test] could not load configuration"}; !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid alerts: got=%q, want=%q", got, want)
		}
	})

	t.Run("init", func(t *testing.T) {
		var alerts []string
		srv, tb := newTestServer(t, func(ctx context.Context) (confdb.Config, error) {
			cfg := testConfig()
			cfg.Power = cfg.Power[:2]
			return cfg, nil
		}, &alerts)

		ctx := newContext(context.Background())
		err := srv.OnConfig(ctx, &tdaq.Frame{}, tdaq.Frame{})
		if err != nil {
			t.Fatalf("could not run /config: %+v", err)
		}

		err = srv.OnInit(ctx, &tdaq.Frame{}, tdaq.Frame{})
		if err == nil {
			t.Fatalf("expected an error")
		}
		if !strings.Contains(err.Error(), "insufficient power settings") {
			t.Fatalf("invalid error: %+v", err)
		}
		if got, want := alerts, []string{"[pxar-test] could not initialize DUT"}; !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid alerts: got=%q, want=%q", got, want)
		}
		if !tb.Closed() {
			t.Fatalf("test board should have been closed")
		}

		err = srv.OnStart(ctx, &tdaq.Frame{}, tdaq.Frame{})
		if !errors.Is(err, api.ErrNotReady) {
			t.Fatalf("invalid error: got=%+v, want=%+v", err, api.ErrNotReady)
		}
	})
}

func TestStartInvalidTriggers(t *testing.T) {
	var alerts []string
	srv, _ := newTestServer(t, func(ctx context.Context) (confdb.Config, error) {
		return testConfig(), nil
	}, &alerts)

	ctx := newContext(context.Background())
	for _, name := range []string{"/config", "/init"} {
		var err error
		switch name {
		case "/config":
			err = srv.OnConfig(ctx, &tdaq.Frame{}, tdaq.Frame{})
		case "/init":
			err = srv.OnInit(ctx, &tdaq.Frame{}, tdaq.Frame{})
		}
		if err != nil {
			t.Fatalf("could not run %s: %+v", name, err)
		}
	}
	defer srv.OnQuit(ctx, &tdaq.Frame{}, tdaq.Frame{})

	for _, tc := range []struct {
		name string
		body []byte
		want string
	}{
		{"zero", []byte{0, 0, 0, 0}, "invalid number of triggers 0"},
		{"overflow", []byte{0, 0, 1, 0}, "invalid number of triggers 65536"},
		{"short", []byte{1}, "could not decode /start request"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := srv.OnStart(ctx, &tdaq.Frame{}, tdaq.Frame{Body: tc.body})
			if err == nil {
				t.Fatalf("expected an error")
			}
			if !strings.HasPrefix(err.Error(), tc.want) {
				t.Fatalf("invalid error: got=%q, want=%q", err, tc.want)
			}
		})
	}
}

func TestPixelsCodec(t *testing.T) {
	want := []dut.Pixel{
		{ROC: 0, Column: 1, Row: 2, Value: -3},
		{ROC: 7, Column: 51, Row: 79, Value: 1 << 20},
	}

	buf := new(bytes.Buffer)
	err := EncodePixels(buf, 42, want)
	if err != nil {
		t.Fatalf("could not encode pixels: %+v", err)
	}

	seq, got, err := DecodePixels(buf.Bytes())
	if err != nil {
		t.Fatalf("could not decode pixels: %+v", err)
	}
	if seq != 42 {
		t.Fatalf("invalid sequence number: got=%d, want=42", seq)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid pixels:\ngot= %+v\nwant=%+v", got, want)
	}

	_, _, err = DecodePixels(buf.Bytes()[:10])
	if err == nil {
		t.Fatalf("expected an error on truncated map")
	}
}
