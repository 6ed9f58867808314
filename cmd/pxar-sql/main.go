// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pxar-sql inspects a setup stored in the pxar database.
package main // import "github.com/go-lpc/pxar/cmd/pxar-sql"

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/go-lpc/pxar/confdb"
)

func main() {
	log.SetPrefix("pxar-sql: ")
	log.SetFlags(0)

	var (
		dbname = flag.String("db", "pxar", "name of the pxar database")
		asJSON = flag.Bool("json", false, "dump the whole setup as JSON")
	)

	flag.Parse()

	db, err := confdb.Open(*dbname)
	if err != nil {
		log.Fatalf("could not open pxar db: %+v", err)
	}
	defer db.Close()

	err = doQuery(os.Stdout, db, *asJSON)
	if err != nil {
		log.Fatalf("could not do query: %+v", err)
	}
}

func doQuery(w io.Writer, db *confdb.DB, asJSON bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	setup, err := db.LastSetup(ctx)
	if err != nil {
		return fmt.Errorf("could not get last setup: %w", err)
	}
	log.Printf("setup: %q (id=%d)", setup.Name, setup.ID)

	cfg, err := db.Load(ctx, setup)
	if err != nil {
		return fmt.Errorf("could not load setup %q: %w", setup.Name, err)
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(cfg)
		if err != nil {
			return fmt.Errorf("could not encode setup %q: %w", setup.Name, err)
		}
		return nil
	}

	dump(w, cfg)
	return nil
}

func dump(w io.Writer, cfg confdb.Config) {
	fmt.Fprintf(w, "=== setup %q ===\n", cfg.Setup.Name)
	fmt.Fprintf(w, "TBMs: %d (%s)\n", cfg.Setup.NTBMs, cfg.Setup.TBMType)
	fmt.Fprintf(w, "ROCs: %d (%s)\n", cfg.Setup.NROCs, cfg.Setup.ROCType)
	for _, v := range cfg.Power {
		fmt.Fprintf(w, "power %-14s %g\n", v.Name, v.Value)
	}
	for _, v := range cfg.Delays {
		fmt.Fprintf(w, "delay %-14s %d\n", v.Name, v.Value)
	}
	for i, cmd := range cfg.PG {
		fmt.Fprintf(w, "pg[%02d] pattern=0x%04x delay=%d\n", i, cmd.Pattern, cmd.Delay)
	}
	for i, regs := range cfg.TBMRegs {
		for _, v := range regs {
			fmt.Fprintf(w, "tbm[%02d] %-14s 0x%02x\n", i, v.Name, v.Value)
		}
	}
	for i, dacs := range cfg.ROCDACs {
		for _, v := range dacs {
			fmt.Fprintf(w, "roc[%02d] %-14s %d\n", i, v.Name, v.Value)
		}
	}
	for i, pixels := range cfg.Pixels {
		var masked, enabled int
		for _, pix := range pixels {
			if pix.Mask {
				masked++
			}
			if pix.Enable {
				enabled++
			}
		}
		fmt.Fprintf(w, "roc[%02d] pixels=%d enabled=%d masked=%d\n", i, len(pixels), enabled, masked)
	}
}
