// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bootworker

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
)

// tftpReadHandler serves loader files from the TFTP root, read-only.
// Requests are confined to the root; anything else is refused. TFTP
// carries no client identity, so transfers are logged rather than
// reported as boot events.
func tftpReadHandler(root string) func(filename string, rf io.ReaderFrom) error {
	return func(filename string, rf io.ReaderFrom) error {
		clean := filepath.Clean("/" + filename)
		if strings.Contains(clean, "..") {
			return errors.NotValidf("path %q", filename)
		}
		full := filepath.Join(root, clean)

		f, err := os.Open(full)
		if err != nil {
			logger.Debugf("tftp: %s: %v", filename, err)
			return errors.Trace(err)
		}
		defer f.Close()

		n, err := rf.ReadFrom(f)
		if err != nil {
			return errors.Trace(err)
		}
		logger.Debugf("tftp: served %s (%d bytes)", filename, n)
		return nil
	}
}
