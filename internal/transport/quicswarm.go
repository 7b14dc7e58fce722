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
	"errors"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/filemesh/filemesh/internal/identity"
	"github.com/filemesh/filemesh/internal/logging"
)

const announceInterval = 10 * time.Second

var errNoPeerCertificate = errors.New("transport: peer presented no certificate")

// QUICSwarm is the concrete Swarm: a beacon for discovery and a QUIC
// listener/dialer pair for the encrypted multiplexed connection itself.
type QUICSwarm struct {
	kp     identity.KeyPair
	logger *logging.Logger

	listener *quic.Listener
	beacon   *multicastBeacon

	connMut  sync.Mutex
	connsBy  map[identity.PeerID]Conn
	onConn   []ConnHandler
	onClose  []CloseHandler

	flushed chan struct{}
	once    sync.Once

	stop   chan struct{}
	closed sync.Once
}

// NewQUICSwarm binds a UDP listener for inbound QUIC connections. Join
// must be called afterwards to start discovery and advertising.
func NewQUICSwarm(kp identity.KeyPair, listenAddr string, logger *logging.Logger) (*QUICSwarm, error) {
	tlsConf, err := selfSignedTLSConfig(kp)
	if err != nil {
		return nil, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", listenAddr)
	if err != nil {
		return nil, err
	}
	udpConn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, err
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(tlsConf, quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, err
	}

	return &QUICSwarm{
		kp:       kp,
		logger:   logger,
		listener: ln,
		connsBy:  make(map[identity.PeerID]Conn),
		flushed:  make(chan struct{}),
		stop:     make(chan struct{}),
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

func (s *QUICSwarm) OnConnection(h ConnHandler) {
	s.connMut.Lock()
	defer s.connMut.Unlock()
	s.onConn = append(s.onConn, h)
}

func (s *QUICSwarm) OnClose(h CloseHandler) {
	s.connMut.Lock()
	defer s.connMut.Unlock()
	s.onClose = append(s.onClose, h)
}

// Join starts advertising and discovering peers under networkKey, accepts
// inbound connections, and dials peers announced over the beacon. Dial
// races are resolved by peer ID ordering: the lower ID dials, the higher
// ID only accepts, so two nodes that discover each other simultaneously
// never open duplicate connections.
func (s *QUICSwarm) Join(ctx context.Context, networkKey identity.NetworkKey) error {
	b, err := newMulticastBeacon(networkKey, s.kp.ID, s.listener.Addr().String(), s.logger)
	if err != nil {
		return err
	}
	s.beacon = b

	go s.acceptLoop(ctx)
	go s.announceLoop(ctx)
	go s.discoverLoop(ctx)

	return nil
}

func (s *QUICSwarm) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			default:
				if s.logger != nil {
					s.logger.Debugln("swarm accept:", err)
				}
				continue
			}
		}
		go s.handshakeInbound(ctx, conn)
	}
}

func (s *QUICSwarm) handshakeInbound(ctx context.Context, conn quic.Connection) {
	remote, err := remotePeerID(conn)
	if err != nil {
		conn.CloseWithError(0, "bad identity")
		return
	}
	c := newQUICConn(conn, remote)
	if s.registerConn(c) {
		go s.watchClose(conn, c)
	}
}

// watchClose blocks until the underlying QUIC connection's context is
// done (peer disconnect, idle timeout, or local close) and runs the
// registered close handlers exactly once.
func (s *QUICSwarm) watchClose(conn quic.Connection, c Conn) {
	<-conn.Context().Done()
	s.unregisterConn(c)
}

func (s *QUICSwarm) announceLoop(ctx context.Context) {
	t := time.NewTicker(announceInterval)
	defer t.Stop()
	s.beacon.announce()
	for {
		select {
		case <-t.C:
			s.beacon.announce()
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *QUICSwarm) discoverLoop(ctx context.Context) {
	for {
		select {
		case p, ok := <-s.beacon.Recv():
			if !ok {
				return
			}
			s.once.Do(func() { close(s.flushed) })
			if shouldDial(s.kp.ID, p.PeerID) {
				go s.dial(ctx, p)
			}
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// shouldDial reports whether the local node is responsible for dialing
// the peer announced as remoteID, breaking the symmetry of two nodes
// discovering each other at the same time.
func shouldDial(self identity.PeerID, remoteID string) bool {
	return self.String() < remoteID
}

func (s *QUICSwarm) dial(ctx context.Context, p beaconPacket) {
	remote, err := identity.PeerIDFromString(p.PeerID)
	if err != nil {
		return
	}

	s.connMut.Lock()
	_, already := s.connsBy[remote]
	s.connMut.Unlock()
	if already {
		return
	}

	tlsConf, err := selfSignedTLSConfig(s.kp)
	if err != nil {
		return
	}
	tlsConf.InsecureSkipVerify = true

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, p.Addr, tlsConf, quicConfig())
	if err != nil {
		if s.logger != nil {
			s.logger.Debugln("swarm dial", p.Addr, err)
		}
		return
	}

	actual, err := remotePeerID(conn)
	if err != nil || actual != remote {
		conn.CloseWithError(0, "identity mismatch")
		return
	}
	c := newQUICConn(conn, actual)
	if s.registerConn(c) {
		go s.watchClose(conn, c)
	}
}

// remotePeerID recovers the peer ID the remote side authenticated with
// from its leaf certificate, which selfSignedTLSConfig stamps as the
// certificate's common name.
func remotePeerID(conn quic.Connection) (identity.PeerID, error) {
	state := conn.ConnectionState().TLS
	if len(state.PeerCertificates) == 0 {
		return identity.PeerID{}, errNoPeerCertificate
	}
	return identity.PeerIDFromString(state.PeerCertificates[0].Subject.CommonName)
}

// registerConn records c as the active connection to its remote peer and
// runs the registered connection handlers. It reports false, and closes
// c, if a connection to that peer is already registered.
func (s *QUICSwarm) registerConn(c Conn) bool {
	s.connMut.Lock()
	if _, exists := s.connsBy[c.RemotePeer()]; exists {
		s.connMut.Unlock()
		c.Close()
		return false
	}
	s.connsBy[c.RemotePeer()] = c
	handlers := append([]ConnHandler(nil), s.onConn...)
	s.connMut.Unlock()

	for _, h := range handlers {
		h(c)
	}
	return true
}

func (s *QUICSwarm) unregisterConn(c Conn) {
	s.connMut.Lock()
	delete(s.connsBy, c.RemotePeer())
	handlers := append([]CloseHandler(nil), s.onClose...)
	s.connMut.Unlock()

	for _, h := range handlers {
		h(c)
	}
}

// Flushed blocks until the first beacon packet has been received, or
// ctx expires first.
func (s *QUICSwarm) Flushed(ctx context.Context) error {
	select {
	case <-s.flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *QUICSwarm) Close() error {
	var err error
	s.closed.Do(func() {
		close(s.stop)
		if s.beacon != nil {
			s.beacon.Close()
		}
		err = s.listener.Close()
	})
	return err
}
