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

package events

import "sync"

// Handler answers a user MESSAGE of the given type and payload with a
// response payload, or an error.
type Handler func(payload interface{}) (interface{}, error)

// Dispatcher holds the map<string, handler> and map<string, once-handler>
// the MESSAGE protocol method consults. listen_once takes precedence over
// listen and is removed on first match, before the handler runs.
type Dispatcher struct {
	mut  sync.Mutex
	on   map[string]Handler
	once map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		on:   make(map[string]Handler),
		once: make(map[string]Handler),
	}
}

func (d *Dispatcher) Listen(msgType string, h Handler) {
	d.mut.Lock()
	defer d.mut.Unlock()
	d.on[msgType] = h
}

func (d *Dispatcher) ListenOnce(msgType string, h Handler) {
	d.mut.Lock()
	defer d.mut.Unlock()
	d.once[msgType] = h
}

func (d *Dispatcher) Unlisten(msgType string) {
	d.mut.Lock()
	defer d.mut.Unlock()
	delete(d.on, msgType)
	delete(d.once, msgType)
}

// ErrUnknownMessageType is returned when no handler, once or persistent,
// is registered for the message type.
var ErrUnknownMessageType = errUnknownMessageType{}

type errUnknownMessageType struct{}

func (errUnknownMessageType) Error() string { return "no handler registered for message type" }

// Dispatch looks up a handler for msgType, once-handlers taking
// precedence, and invokes it. A once-handler is removed before it runs so
// a second Dispatch call for the same type sees no handler.
func (d *Dispatcher) Dispatch(msgType string, payload interface{}) (interface{}, error) {
	d.mut.Lock()
	if h, ok := d.once[msgType]; ok {
		delete(d.once, msgType)
		d.mut.Unlock()
		return h(payload)
	}
	h, ok := d.on[msgType]
	d.mut.Unlock()
	if !ok {
		return nil, ErrUnknownMessageType
	}
	return h(payload)
}
