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

// Package errkind classifies the errors that cross the node's public API
// and wire protocol boundaries into the fixed taxonomy the protocol
// handlers and event bus need to agree on.
package errkind

import (
	"errors"
	"fmt"
)

type Kind string

const (
	IOError            Kind = "IO_ERROR"
	NotFound           Kind = "NOT_FOUND"
	InvalidReference   Kind = "INVALID_REFERENCE"
	InactivityTimeout  Kind = "INACTIVITY_TIMEOUT"
	Incomplete         Kind = "INCOMPLETE"
	NoPeer             Kind = "NO_PEER"
	UnknownMessageType Kind = "UNKNOWN_MESSAGE_TYPE"
	ProtocolError      Kind = "PROTOCOL_ERROR"
	Cancelled          Kind = "CANCELLED"
)

// Error wraps an underlying error with one of the kinds above, so callers
// across package boundaries can switch on Kind without parsing strings.
type Error struct {
	Kind Kind
	Err  error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf("%s", msg)}
}

func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind carried by err or anything it wraps, or "" if
// no Kind is attached anywhere in the chain.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}
