// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pxar-shell is an interactive console driving a pxar test board.
package main // import "github.com/go-lpc/pxar/cmd/pxar-shell"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-lpc/pxar/api"
	"github.com/go-lpc/pxar/confdb"
	"github.com/go-lpc/pxar/dut"
	"github.com/go-lpc/pxar/internal/fakedtb"
	"github.com/peterh/liner"
)

func main() {
	log.SetPrefix("pxar-shell: ")
	log.SetFlags(0)

	var (
		dbname = flag.String("db", "", "name of the pxar database holding the setup (default: simulated setup)")
		nrocs  = flag.Int("nrocs", 1, "number of ROCs of the simulated setup")
		cols   = flag.Int("cols", dut.DefaultGeometry.Columns, "number of pixel columns per ROC")
		rows   = flag.Int("rows", dut.DefaultGeometry.Rows, "number of pixel rows per ROC")
		hfile  = flag.String("history", filepath.Join(os.TempDir(), ".pxar-shell-history"), "path to the history file")
	)

	flag.Parse()

	geom := dut.Geometry{Columns: *cols, Rows: *rows}
	cfg, err := config(*dbname, *nrocs, geom)
	if err != nil {
		log.Fatalf("could not load setup: %+v", err)
	}

	a, err := api.New(fakedtb.New(geom), api.WithGeometry(geom))
	if err != nil {
		log.Fatalf("could not open test board: %+v", err)
	}
	defer a.Close()

	err = cfg.Apply(a)
	if err != nil {
		log.Fatalf("could not apply setup %q: %+v", cfg.Setup.Name, err)
	}

	sh := newShell(os.Stdout, a, geom)
	err = sh.loop(*hfile)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func config(dbname string, nrocs int, geom dut.Geometry) (confdb.Config, error) {
	if err := geom.Validate(); err != nil {
		return confdb.Config{}, err
	}

	if dbname == "" {
		return confdb.Simulated(nrocs, geom), nil
	}

	db, err := confdb.Open(dbname)
	if err != nil {
		return confdb.Config{}, fmt.Errorf("could not open pxar db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	setup, err := db.LastSetup(ctx)
	if err != nil {
		return confdb.Config{}, fmt.Errorf("could not get last setup: %w", err)
	}
	return db.Load(ctx, setup)
}

func (sh *shell) loop(hfile string) error {
	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetCompleter(sh.complete)

	if f, err := os.Open(hfile); err == nil {
		_, _ = term.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.Create(hfile)
		if err != nil {
			log.Printf("could not save history: %+v", err)
			return
		}
		defer f.Close()
		_, _ = term.WriteHistory(f)
	}()

	for {
		line, err := term.Prompt("pxar> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				fmt.Fprintln(sh.w)
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}

		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		term.AppendHistory(line)

		err = sh.exec(args)
		switch {
		case errors.Is(err, errQuit):
			return nil
		case err != nil:
			fmt.Fprintf(sh.w, "error: %+v\n", err)
		}
	}
}
