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

// Package fileutil holds the path-normalization and content-hashing
// primitives shared by the local file index and the index manager.
package fileutil

import (
	"path/filepath"
	"strings"
)

// Normalize turns an OS path, relative to root, into the log key form:
// forward-slash separated, no leading slash.
func Normalize(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	return strings.TrimPrefix(rel, "/"), nil
}

// ToOSPath turns a normalized log key back into an absolute OS path rooted
// at root.
func ToOSPath(root, relPath string) string {
	return filepath.Join(root, filepath.FromSlash(relPath))
}

// DrivePath returns the "drive path" form of a normalized path: the same
// path with a single leading slash. The index manager's transfer table is
// keyed by the plain normalized path, not by this form.
func DrivePath(relPath string) string {
	if strings.HasPrefix(relPath, "/") {
		return relPath
	}
	return "/" + relPath
}
