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

package errkind

import (
	"errors"
	"testing"
)

func TestWrapPreservesKindAndCause(t *testing.T) {
	cause := errors.New("disk exploded")
	wrapped := Wrap(IOError, cause)

	if KindOf(wrapped) != IOError {
		t.Errorf("KindOf = %v, want IOError", KindOf(wrapped))
	}
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is should see through to the wrapped cause")
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if Wrap(IOError, nil) != nil {
		t.Error("Wrap(kind, nil) should return a nil *Error")
	}
}

func TestNewCarriesNoUnderlyingError(t *testing.T) {
	err := New(NotFound, "no such file")
	if KindOf(err) != NotFound {
		t.Errorf("KindOf = %v, want NotFound", KindOf(err))
	}
	if err.Error() != "NOT_FOUND: no such file" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestKindOfPlainErrorIsEmpty(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != "" {
		t.Errorf("KindOf(plain error) = %q, want empty", got)
	}
}
