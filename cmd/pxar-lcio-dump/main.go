// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// pxar-lcio-dump decodes and displays DAC scans stored in LCIO files.
//
// Usage: pxar-lcio-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//  $> pxar-lcio-dump ./vcal.slcio
//  === DAC 0 ===
//  Pixels:               8
//    roc=00 col=00 row=00 value=       0
//    roc=00 col=00 row=01 value=       0
//  [...]
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/go-lpc/pxar/pixtest"
	"go-hep.org/x/hep/lcio"
)

const usage = `pxar-lcio-dump decodes and displays DAC scans stored in LCIO files.

Usage: pxar-lcio-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> pxar-lcio-dump ./vcal.slcio
 === DAC 0 ===
 Pixels:               8
   roc=00 col=00 row=00 value=       0
   roc=00 col=00 row=01 value=       0
 [...]

`

func main() {
	xmain(os.Stdout, os.Args[1:])
}

func xmain(w io.Writer, args []string) {
	log.SetPrefix("pxar-lcio-dump: ")
	log.SetFlags(0)

	var (
		fset = flag.NewFlagSet("pxar-lcio-dump", flag.ExitOnError)

		hits = fset.Bool("hits", false, "only display pixels with a non-zero value")
	)

	fset.Usage = func() {
		fmt.Print(usage)
		fset.PrintDefaults()
	}

	err := fset.Parse(args)
	if err != nil {
		log.Fatalf("could not parse input arguments: %+v", err)
	}

	if fset.NArg() == 0 {
		fset.Usage()
		log.Fatalf("missing path to input LCIO file")
	}

	for _, fname := range fset.Args() {
		err := process(w, fname, *hits)
		if err != nil {
			log.Fatalf("could not dump file %q: %+v", fname, err)
		}
	}
}

func process(w io.Writer, fname string, hits bool) error {
	wbuf := bufio.NewWriter(w)
	defer wbuf.Flush()

	r, err := lcio.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open LCIO file: %w", err)
	}
	defer r.Close()

	steps, err := pixtest.ReadLCIO(r)
	if err != nil {
		return fmt.Errorf("could not decode DAC scan: %w", err)
	}

	for _, step := range steps {
		fmt.Fprintf(wbuf, "=== DAC %d ===\n", step.DAC)
		fmt.Fprintf(wbuf, "Pixels:      % 10d\n", len(step.Pixels))
		for _, pix := range step.Pixels {
			if hits && pix.Value == 0 {
				continue
			}
			fmt.Fprintf(wbuf, "  roc=%02d col=%02d row=%02d value=% 8d\n",
				pix.ROC, pix.Column, pix.Row, pix.Value,
			)
		}
	}

	return nil
}
