// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU General Public License as published by the Free
// Software Foundation, either version 3 of the License, or (at your option)
// any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE. See the GNU General Public License for
// more details.
//
// You should have received a copy of the GNU General Public License along
// with this program. If not, see <http://www.gnu.org/licenses/>.

package fileutil

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/filemesh/filemesh/internal/errkind"
)

const hashChunkSize = 64 * 1024

// HashFile computes the SHA-256 of the full contents of path, reading in
// fixed-size chunks to bound memory. A file that no longer exists when it
// is opened fails with errkind.NotFound; any other open or read failure,
// including one mid-hash, fails with errkind.IOError, which callers must
// treat as transient and retry on the next scan.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", errkind.Wrap(errkind.NotFound, err)
	}
	if err != nil {
		return "", errkind.Wrap(errkind.IOError, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", errkind.Wrap(errkind.IOError, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashReader computes the SHA-256 over r, used to verify a downloaded blob
// against the peer's recorded hash without a second disk read.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", errkind.Wrap(errkind.IOError, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
