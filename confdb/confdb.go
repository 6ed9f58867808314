// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package confdb holds types to retrieve test board and device
// configurations from the pxar conditions database.
package confdb // import "github.com/go-lpc/pxar/confdb"

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/go-lpc/pxar/api"
	"github.com/go-lpc/pxar/dut"
	_ "github.com/go-sql-driver/mysql"
)

var (
	host = envOr("PXAR_DB_HOST", "localhost")
	usr  = envOr("PXAR_DB_USER", "pxar")
	pwd  = envOr("PXAR_DB_PASS", "")

	drvName = "mysql"
)

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// DB exposes convenience methods to easily retrieve setups from the
// pxar database.
type DB struct {
	db   *sql.DB
	name string // name of the pxar database
}

// Open opens a connection to the pxar database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("confdb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("confdb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

// LastSetup returns the most recently recorded setup.
func (db *DB) LastSetup(ctx context.Context) (Setup, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var setup Setup
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT identifier, name, tbm_type, roc_type, ntbms, nrocs FROM setups ORDER BY datetime DESC LIMIT 1",
	)
	if err != nil {
		return setup, fmt.Errorf("confdb: could not query last setup: %w", err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		err = rows.Scan(
			&setup.ID, &setup.Name,
			&setup.TBMType, &setup.ROCType,
			&setup.NTBMs, &setup.NROCs,
		)
		if err != nil {
			return setup, fmt.Errorf("confdb: could not get last setup value: %w", err)
		}
		found = true
	}

	if err := rows.Err(); err != nil {
		return setup, fmt.Errorf("confdb: could not scan db for last setup: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return setup, fmt.Errorf("confdb: context error while retrieving last setup: %w", err)
	}

	if !found {
		return setup, fmt.Errorf("confdb: no setup in %q db", db.name)
	}

	return setup, nil
}

// query runs a setup-wide query and hands every row to scan.
func (db *DB) query(ctx context.Context, what, query string, setup uint32, scan func(rows *sql.Rows) error) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := db.db.QueryContext(ctx, query, setup)
	if err != nil {
		return fmt.Errorf("confdb: could not run %s query: %w", what, err)
	}
	defer rows.Close()

	i := 0
	for rows.Next() {
		err = scan(rows)
		if err != nil {
			return fmt.Errorf("confdb: could not scan row %d for %s: %w", i, what, err)
		}
		i++
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("confdb: could not scan db for %s: %w", what, err)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("confdb: context error while retrieving %s: %w", what, err)
	}

	return nil
}

// Power returns the supply settings (va, vd, ia, id) of a setup.
func (db *DB) Power(ctx context.Context, setup uint32) ([]api.Setting, error) {
	var power []api.Setting
	err := db.query(
		ctx, "power",
		"SELECT name, value FROM power WHERE setup=?",
		setup,
		func(rows *sql.Rows) error {
			var v api.Setting
			err := rows.Scan(&v.Name, &v.Value)
			if err != nil {
				return err
			}
			power = append(power, v)
			return nil
		},
	)
	return power, err
}

// SignalDelays returns the test board signal delays of a setup.
func (db *DB) SignalDelays(ctx context.Context, setup uint32) ([]api.DAC, error) {
	var delays []api.DAC
	err := db.query(
		ctx, "signal delays",
		"SELECT name, value FROM delays WHERE setup=?",
		setup,
		func(rows *sql.Rows) error {
			var v api.DAC
			err := rows.Scan(&v.Name, &v.Value)
			if err != nil {
				return err
			}
			delays = append(delays, v)
			return nil
		},
	)
	return delays, err
}

// PatternGenerator returns the pattern generator program of a setup.
func (db *DB) PatternGenerator(ctx context.Context, setup uint32) ([]dut.PGCmd, error) {
	var pg []dut.PGCmd
	err := db.query(
		ctx, "pattern generator",
		"SELECT pattern, delay FROM pattern_generator WHERE setup=? ORDER BY idx",
		setup,
		func(rows *sql.Rows) error {
			var cmd dut.PGCmd
			err := rows.Scan(&cmd.Pattern, &cmd.Delay)
			if err != nil {
				return err
			}
			pg = append(pg, cmd)
			return nil
		},
	)
	return pg, err
}

// ROCDACs returns the DAC settings of the n ROCs of a setup.
func (db *DB) ROCDACs(ctx context.Context, setup uint32, n int) ([][]api.DAC, error) {
	return db.registers(ctx, "ROC DACs",
		"SELECT roc, name, value FROM roc_dacs WHERE setup=? ORDER BY roc",
		setup, n,
	)
}

// TBMRegs returns the register settings of the n TBMs of a setup.
func (db *DB) TBMRegs(ctx context.Context, setup uint32, n int) ([][]api.DAC, error) {
	return db.registers(ctx, "TBM registers",
		"SELECT tbm, name, value FROM tbm_regs WHERE setup=? ORDER BY tbm",
		setup, n,
	)
}

func (db *DB) registers(ctx context.Context, what, query string, setup uint32, n int) ([][]api.DAC, error) {
	regs := make([][]api.DAC, n)
	err := db.query(ctx, what, query, setup, func(rows *sql.Rows) error {
		var (
			dev int
			v   api.DAC
		)
		err := rows.Scan(&dev, &v.Name, &v.Value)
		if err != nil {
			return err
		}
		if dev < 0 || dev >= n {
			return fmt.Errorf("invalid device index %d (n=%d)", dev, n)
		}
		regs[dev] = append(regs[dev], v)
		return nil
	})
	return regs, err
}

// Pixels returns the pixel configurations of the n ROCs of a setup.
func (db *DB) Pixels(ctx context.Context, setup uint32, n int) ([][]dut.PixelConfig, error) {
	pixels := make([][]dut.PixelConfig, n)
	err := db.query(
		ctx, "pixels",
		"SELECT roc, col, row, trim, mask, enable FROM pixels WHERE setup=? ORDER BY roc, col, row",
		setup,
		func(rows *sql.Rows) error {
			var (
				roc int
				pix dut.PixelConfig
			)
			err := rows.Scan(&roc, &pix.Column, &pix.Row, &pix.Trim, &pix.Mask, &pix.Enable)
			if err != nil {
				return err
			}
			if roc < 0 || roc >= n {
				return fmt.Errorf("invalid ROC index %d (n=%d)", roc, n)
			}
			pixels[roc] = append(pixels[roc], pix)
			return nil
		},
	)
	return pixels, err
}

// Load retrieves the whole configuration of a setup.
func (db *DB) Load(ctx context.Context, setup Setup) (Config, error) {
	var (
		cfg = Config{Setup: setup}
		err error
	)

	cfg.Power, err = db.Power(ctx, setup.ID)
	if err != nil {
		return cfg, err
	}

	cfg.Delays, err = db.SignalDelays(ctx, setup.ID)
	if err != nil {
		return cfg, err
	}

	cfg.PG, err = db.PatternGenerator(ctx, setup.ID)
	if err != nil {
		return cfg, err
	}

	cfg.TBMRegs, err = db.TBMRegs(ctx, setup.ID, setup.NTBMs)
	if err != nil {
		return cfg, err
	}

	cfg.ROCDACs, err = db.ROCDACs(ctx, setup.ID, setup.NROCs)
	if err != nil {
		return cfg, err
	}

	cfg.Pixels, err = db.Pixels(ctx, setup.ID, setup.NROCs)
	if err != nil {
		return cfg, err
	}

	return cfg, nil
}
