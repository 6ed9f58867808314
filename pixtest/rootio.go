// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pixtest

import (
	"fmt"

	"go-hep.org/x/hep/groot"
	"go-hep.org/x/hep/groot/rhist"
)

// Save writes all the booked histograms to the ROOT file fname.
func (t *Test) Save(fname string) error {
	f, err := groot.Create(fname)
	if err != nil {
		return fmt.Errorf("pixtest: could not create ROOT file %q: %w", fname, err)
	}
	defer f.Close()

	for _, h := range t.h1s {
		err = f.Put(h.Name(), rhist.NewH1DFrom(h))
		if err != nil {
			return fmt.Errorf("pixtest: could not write histogram %q: %w", h.Name(), err)
		}
	}

	for _, h := range t.h2s {
		err = f.Put(h.Name(), rhist.NewH2DFrom(h))
		if err != nil {
			return fmt.Errorf("pixtest: could not write histogram %q: %w", h.Name(), err)
		}
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("pixtest: could not close ROOT file %q: %w", fname, err)
	}

	t.msg.Infof("saved %d histograms to %q", len(t.h1s)+len(t.h2s), fname)
	return nil
}
