// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hal

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// upgradeVersion is the only firmware upgrade protocol supported.
const upgradeVersion = 0x0100

// Flash downloads a firmware image, one record per line, into the board
// and starts writing it to the board flash memory.
//
// The board must be power cycled once the write completed.
func (h *HAL) Flash(r io.Reader) error {
	vers, err := h.tb.UpgradeVersion()
	if err != nil {
		return fmt.Errorf("hal: could not retrieve upgrade version: %w", err)
	}
	if vers != upgradeVersion {
		return fmt.Errorf("hal: could not upgrade DTB version 0x%04x", vers)
	}

	var recs []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		rec := strings.TrimSpace(sc.Text())
		if rec == "" {
			continue
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("hal: could not read flash file: %w", err)
	}
	if len(recs) > 0xffff {
		return fmt.Errorf("hal: too many flash records (%d)", len(recs))
	}

	h.msg.Infof("starting DTB firmware upgrade (%d records)...", len(recs))
	err = h.tb.UpgradeStart(upgradeVersion)
	if err != nil {
		return fmt.Errorf("hal: could not start upgrade: %w", err)
	}

	for i, rec := range recs {
		err = h.tb.UpgradeData(rec)
		if err != nil {
			return fmt.Errorf("hal: could not download record %d: %w", i, err)
		}
	}

	err = h.tb.UpgradeError()
	if err != nil {
		return fmt.Errorf("hal: upgrade failed: %w", err)
	}

	h.msg.Infof("DTB download complete")
	h.sleep(flashSettle)
	h.msg.Infof("FLASH write start (LED 1..4 on)")
	h.msg.Infof("DO NOT INTERRUPT DTB POWER!")
	h.msg.Infof("wait till LEDs go off, then power-cycle the DTB")

	err = h.tb.UpgradeExec(uint16(len(recs)))
	if err != nil {
		return fmt.Errorf("hal: could not write flash: %w", err)
	}
	err = h.tb.Flush()
	if err != nil {
		return fmt.Errorf("hal: could not flush upgrade: %w", err)
	}
	return nil
}
