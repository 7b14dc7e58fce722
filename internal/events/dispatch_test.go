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

import "testing"

func TestDispatchUnknownType(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Dispatch("ping", nil)
	if err != ErrUnknownMessageType {
		t.Errorf("err = %v, want ErrUnknownMessageType", err)
	}
}

func TestDispatchListen(t *testing.T) {
	d := NewDispatcher()
	d.Listen("ping", func(payload interface{}) (interface{}, error) {
		return "pong", nil
	})

	resp, err := d.Dispatch("ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "pong" {
		t.Errorf("resp = %v, want pong", resp)
	}

	// A persistent handler answers every call, not just the first.
	resp, err = d.Dispatch("ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "pong" {
		t.Errorf("second resp = %v, want pong", resp)
	}
}

func TestDispatchListenOnceRemovedAfterFirstCall(t *testing.T) {
	d := NewDispatcher()
	calls := 0
	d.ListenOnce("ping", func(payload interface{}) (interface{}, error) {
		calls++
		return "pong", nil
	})

	if _, err := d.Dispatch("ping", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Dispatch("ping", nil); err != ErrUnknownMessageType {
		t.Errorf("second dispatch err = %v, want ErrUnknownMessageType", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDispatchListenOnceTakesPrecedenceOverListen(t *testing.T) {
	d := NewDispatcher()
	d.Listen("ping", func(payload interface{}) (interface{}, error) {
		return "persistent", nil
	})
	d.ListenOnce("ping", func(payload interface{}) (interface{}, error) {
		return "once", nil
	})

	resp, err := d.Dispatch("ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "once" {
		t.Errorf("resp = %v, want once", resp)
	}

	// With the once-handler consumed, the persistent handler still answers.
	resp, err = d.Dispatch("ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "persistent" {
		t.Errorf("resp = %v, want persistent", resp)
	}
}

func TestDispatchUnlistenRemovesBothKinds(t *testing.T) {
	d := NewDispatcher()
	d.Listen("ping", func(payload interface{}) (interface{}, error) { return nil, nil })
	d.ListenOnce("ping", func(payload interface{}) (interface{}, error) { return nil, nil })

	d.Unlisten("ping")

	if _, err := d.Dispatch("ping", nil); err != ErrUnknownMessageType {
		t.Errorf("err = %v, want ErrUnknownMessageType", err)
	}
}
