// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pxar-srv starts a TDAQ server driving a pxar test board.
package main // import "github.com/go-lpc/pxar/cmd/pxar-srv"

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/pxar/confdb"
	"github.com/go-lpc/pxar/dtb"
	"github.com/go-lpc/pxar/dut"
	"github.com/go-lpc/pxar/hal"
	"github.com/go-lpc/pxar/internal/fakedtb"
	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"
	mail "gopkg.in/gomail.v2"
)

var (
	dbname = flag.String("db", "", "name of the pxar database holding the setup (default: simulated setup)")
	nrocs  = flag.Int("nrocs", 16, "number of ROCs of the simulated setup")
	mfreq  = flag.Duration("map-freq", 1*time.Second, "interval between two efficiency maps")

	doMon  = flag.Bool("pmon", false, "enable pmon monitoring")
	doFreq = flag.Duration("freq", 1*time.Second, "pmon frequency")
	monOut = flag.String("pmon-out", "pxar-srv-pmon.log", "pmon output file")
)

func main() {
	cmd := flags.New()

	log.SetPrefix("pxar-srv: ")
	log.SetFlags(0)

	name := "pxar-srv"
	if len(cmd.Args) > 0 {
		name = cmd.Args[0]
	}

	dev := dtb.NewServer(
		name, openBoard, loader(*dbname, *nrocs),
		dtb.WithAlert(alertMail),
		dtb.WithFreq(*mfreq),
	)

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/pixels", dev.Pixels)

	srv.RunHandle(dev.Run)

	err := run(context.Background(), srv, *doMon, *doFreq, *monOut)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(ctx context.Context, srv *tdaq.Server, doMon bool, freq time.Duration, fname string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var grp errgroup.Group
	grp.Go(func() error {
		defer cancel()
		err := srv.Run(ctx)
		if err != nil {
			return fmt.Errorf("could not run TDAQ server: %w", err)
		}
		return nil
	})

	if doMon {
		p, err := pmon.Monitor(os.Getpid())
		if err != nil {
			return fmt.Errorf("could not start monitoring (pid=%d): %w", os.Getpid(), err)
		}
		f, err := os.Create(fname)
		if err != nil {
			return fmt.Errorf("could not create pmon log file: %w", err)
		}
		defer f.Close()
		p.W = f
		p.Freq = freq

		go func() {
			log.Printf("run pmon...")
			err := p.Run()
			if err != nil {
				log.Printf("could not run monitoring: %+v", err)
			}
		}()

		grp.Go(func() error {
			<-ctx.Done()
			err := p.Kill()
			if err != nil {
				return fmt.Errorf("could not stop monitoring: %w", err)
			}
			return nil
		})
	}

	return grp.Wait()
}

// openBoard opens the simulated test board.
func openBoard() (hal.Transport, error) {
	log.Printf("using simulated test board")
	return fakedtb.New(dut.DefaultGeometry), nil
}

func loader(dbname string, nrocs int) dtb.Loader {
	if dbname == "" {
		return func(ctx context.Context) (confdb.Config, error) {
			return confdb.Simulated(nrocs, dut.DefaultGeometry), nil
		}
	}

	return func(ctx context.Context) (confdb.Config, error) {
		db, err := confdb.Open(dbname)
		if err != nil {
			return confdb.Config{}, fmt.Errorf("could not open pxar db: %w", err)
		}
		defer db.Close()

		setup, err := db.LastSetup(ctx)
		if err != nil {
			return confdb.Config{}, fmt.Errorf("could not get last setup: %w", err)
		}
		return db.Load(ctx, setup)
	}
}

var (
	alertMailUsr  = os.Getenv("MAIL_USERNAME")
	alertMailPwd  = os.Getenv("MAIL_PASSWORD")
	alertMailSrv  = os.Getenv("MAIL_SERVER")
	alertMailPort = atoi(os.Getenv("MAIL_PORT"))
	alertMailTgts = strings.Split(os.Getenv("MAIL_TGTS"), ",")
)

func alertMail(subject, body string) {
	if alertMailUsr == "" || alertMailPwd == "" ||
		alertMailSrv == "" || alertMailPort == 0 {
		log.Printf("could not send mail alert: missing credentials")
		return
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", alertMailUsr)
	msg.SetHeader("Bcc", alertMailTgts...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	dial := mail.NewDialer(alertMailSrv, alertMailPort, alertMailUsr, alertMailPwd)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	err := dial.DialAndSend(msg)
	if err != nil {
		log.Printf("could not send mail alert: %+v", err)
	}
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
