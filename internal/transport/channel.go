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

package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// Channel is the framed request/response channel between two peers:
// JSON value-encoded frames, length-prefixed so either side can
// pipeline requests without a read deadline per call.
type Channel interface {
	// Respond registers handler for method, replacing any previous
	// registration. Inbound requests for method are run as they arrive.
	Respond(method string, handler func(payload json.RawMessage) (interface{}, error))

	// Request sends method/payload and blocks for the matching
	// response, decoding its data field into result (which may be nil).
	Request(ctx context.Context, method string, payload interface{}, result interface{}) error

	Close() error
}

type frame struct {
	ID      uint64          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Status  string          `json:"status,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type channel struct {
	rw io.ReadWriteCloser

	writeMut sync.Mutex
	nextID   uint64

	respMut sync.Mutex
	pending map[uint64]chan frame

	handlerMut sync.Mutex
	handlers   map[string]func(json.RawMessage) (interface{}, error)

	closed int32
}

// NewChannel wraps rw (typically a stream accepted with purpose tag
// PurposeChannel) as a Channel, for the accepting side of a connection
// that does not go through Conn.OpenChannel.
func NewChannel(rw io.ReadWriteCloser) Channel {
	return newChannel(rw)
}

func newChannel(rw io.ReadWriteCloser) *channel {
	c := &channel{
		rw:       rw,
		pending:  make(map[uint64]chan frame),
		handlers: make(map[string]func(json.RawMessage) (interface{}, error)),
	}
	go c.readLoop()
	return c
}

func (c *channel) Respond(method string, handler func(json.RawMessage) (interface{}, error)) {
	c.handlerMut.Lock()
	defer c.handlerMut.Unlock()
	c.handlers[method] = handler
}

func writeFrame(w io.Writer, mut *sync.Mutex, f frame) error {
	bs, err := json.Marshal(f)
	if err != nil {
		return err
	}
	mut.Lock()
	defer mut.Unlock()
	var szbuf [4]byte
	binary.BigEndian.PutUint32(szbuf[:], uint32(len(bs)))
	if _, err := w.Write(szbuf[:]); err != nil {
		return err
	}
	_, err = w.Write(bs)
	return err
}

func readFrame(r io.Reader) (frame, error) {
	var szbuf [4]byte
	if _, err := io.ReadFull(r, szbuf[:]); err != nil {
		return frame{}, err
	}
	sz := binary.BigEndian.Uint32(szbuf[:])
	bs := make([]byte, sz)
	if _, err := io.ReadFull(r, bs); err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(bs, &f); err != nil {
		return frame{}, err
	}
	return f, nil
}

func (c *channel) readLoop() {
	for {
		f, err := readFrame(c.rw)
		if err != nil {
			c.failPending(err)
			return
		}
		if f.Method != "" {
			go c.handleRequest(f)
			continue
		}
		c.respMut.Lock()
		ch, ok := c.pending[f.ID]
		if ok {
			delete(c.pending, f.ID)
		}
		c.respMut.Unlock()
		if ok {
			ch <- f
		}
	}
}

func (c *channel) failPending(err error) {
	c.respMut.Lock()
	defer c.respMut.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *channel) handleRequest(f frame) {
	c.handlerMut.Lock()
	h, ok := c.handlers[f.Method]
	c.handlerMut.Unlock()

	resp := frame{ID: f.ID}
	if !ok {
		resp.Status = string(statusUnknownMessageType)
		writeFrame(c.rw, &c.writeMut, resp)
		return
	}

	data, err := h(f.Payload)
	if err != nil {
		if errors.Is(err, ErrUnknownMessageType) {
			resp.Status = string(statusUnknownMessageType)
		} else {
			resp.Status = string(statusError)
			if msg, merr := json.Marshal(err.Error()); merr == nil {
				resp.Data = msg
			}
		}
		writeFrame(c.rw, &c.writeMut, resp)
		return
	}

	resp.Status = string(statusSuccess)
	if data == nil {
		resp.Data = json.RawMessage("null")
	} else if db, err := json.Marshal(data); err == nil {
		resp.Data = db
	}
	writeFrame(c.rw, &c.writeMut, resp)
}

const (
	statusSuccess            = "success"
	statusError              = "error"
	statusUnknownMessageType = "unknown_message_type"
)

var ErrUnknownMessageType = errors.New("transport: unknown message type")

// RemoteError carries an error-status response's message back to the
// requesting caller, so protocol failures surface with the remote's own
// human-readable description instead of a generic failure.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "transport: remote request failed"
	}
	return "transport: remote request failed: " + e.Message
}

func (c *channel) Request(ctx context.Context, method string, payload interface{}, result interface{}) error {
	id := atomic.AddUint64(&c.nextID, 1)

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ch := make(chan frame, 1)
	c.respMut.Lock()
	c.pending[id] = ch
	c.respMut.Unlock()

	if err := writeFrame(c.rw, &c.writeMut, frame{ID: id, Method: method, Payload: payloadBytes}); err != nil {
		c.respMut.Lock()
		delete(c.pending, id)
		c.respMut.Unlock()
		return err
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return io.ErrClosedPipe
		}
		switch f.Status {
		case statusUnknownMessageType:
			return ErrUnknownMessageType
		case statusError:
			re := &RemoteError{}
			if len(f.Data) > 0 {
				_ = json.Unmarshal(f.Data, &re.Message)
			}
			return re
		default:
			if result != nil && len(f.Data) > 0 {
				return json.Unmarshal(f.Data, result)
			}
			return nil
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *channel) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return c.rw.Close()
}
