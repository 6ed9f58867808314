// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-lpc/pxar/dut"
	"github.com/go-lpc/pxar/pixtest"
	"github.com/go-lpc/pxar/scan"
	"go-hep.org/x/hep/lcio"
)

func TestProcess(t *testing.T) {
	tmp, err := os.MkdirTemp("", "pxar-")
	if err != nil {
		t.Fatalf("could not create tmp dir: %+v", err)
	}
	defer os.RemoveAll(tmp)

	fname := filepath.Join(tmp, "vcal.slcio")
	lw, err := lcio.Create(fname)
	if err != nil {
		t.Fatalf("could not create LCIO file: %+v", err)
	}
	defer lw.Close()

	err = pixtest.WriteLCIO(lw, 1, "vcal", scan.Efficiency, []scan.DACStep{
		{
			DAC: 0,
			Pixels: []dut.Pixel{
				{ROC: 0, Column: 0, Row: 0, Value: 0},
				{ROC: 1, Column: 3, Row: 7, Value: 10},
			},
		},
	})
	if err != nil {
		t.Fatalf("could not write LCIO file: %+v", err)
	}

	err = lw.Close()
	if err != nil {
		t.Fatalf("could not close LCIO file: %+v", err)
	}

	for _, tc := range []struct {
		name string
		hits bool
		want string
	}{
		{
			name: "all",
			want: `=== DAC 0 ===
Pixels:               2
  roc=00 col=00 row=00 value=       0
  roc=01 col=03 row=07 value=      10
`,
		},
		{
			name: "hits",
			hits: true,
			want: `=== DAC 0 ===
Pixels:               2
  roc=01 col=03 row=07 value=      10
`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out := new(bytes.Buffer)
			err := process(out, fname, tc.hits)
			if err != nil {
				t.Fatalf("could not process LCIO file: %+v", err)
			}
			if got, want := out.String(), tc.want; got != want {
				t.Fatalf("invalid output:\ngot:\n%s\nwant:\n%s", got, want)
			}
		})
	}
}
