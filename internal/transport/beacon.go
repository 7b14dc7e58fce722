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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"net"

	"github.com/filemesh/filemesh/internal/identity"
	"github.com/filemesh/filemesh/internal/logging"
)

// multicastGroup derives a per-network-key multicast group from the
// shared secret, so nodes on different networks never see each other's
// beacons even though they all use the same local segment.
func multicastGroup(key identity.NetworkKey) string {
	sum := sha256.Sum256(append([]byte("filemesh-beacon/"), key[:]...))
	// Administratively-scoped IPv4 multicast range, low 24 bits from the
	// network key so unrelated networks land on different groups.
	return net.IPv4(239, sum[0], sum[1], sum[2]).String() + ":21027"
}

type beaconPacket struct {
	PeerID string `json:"peer_id"`
	Addr   string `json:"addr"`
	MAC    []byte `json:"mac"`
}

func signBeacon(key identity.NetworkKey, peerID, addr string) []byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write([]byte(peerID))
	mac.Write([]byte(addr))
	return mac.Sum(nil)
}

func verifyBeacon(key identity.NetworkKey, p beaconPacket) bool {
	want := signBeacon(key, p.PeerID, p.Addr)
	return hmac.Equal(want, p.MAC)
}

// multicastBeacon periodically announces this node's QUIC listen address
// on the network-key-scoped multicast group and reports addresses
// announced by others.
type multicastBeacon struct {
	conn    *net.UDPConn
	addr    *net.UDPAddr
	key     identity.NetworkKey
	self    identity.PeerID
	selfTCP string

	recv chan beaconPacket
	stop chan struct{}
}

func newMulticastBeacon(key identity.NetworkKey, self identity.PeerID, listenAddr string, l *logging.Logger) (*multicastBeacon, error) {
	gaddr, err := net.ResolveUDPAddr("udp4", multicastGroup(key))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, gaddr)
	if err != nil {
		return nil, err
	}
	conn.SetReadBuffer(1 << 16)

	b := &multicastBeacon{
		conn:    conn,
		addr:    gaddr,
		key:     key,
		self:    self,
		selfTCP: listenAddr,
		recv:    make(chan beaconPacket, 32),
		stop:    make(chan struct{}),
	}
	go b.readLoop(l)
	return b, nil
}

func (b *multicastBeacon) readLoop(l *logging.Logger) {
	buf := make([]byte, 4096)
	for {
		n, _, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-b.stop:
				return
			default:
				if l != nil {
					l.Debugln("beacon read:", err)
				}
				return
			}
		}
		var p beaconPacket
		if err := json.Unmarshal(buf[:n], &p); err != nil {
			continue
		}
		if p.PeerID == b.self.String() {
			continue
		}
		if !verifyBeacon(b.key, p) {
			continue
		}
		select {
		case b.recv <- p:
		default:
		}
	}
}

func (b *multicastBeacon) announce() {
	p := beaconPacket{PeerID: b.self.String(), Addr: b.selfTCP}
	p.MAC = signBeacon(b.key, p.PeerID, p.Addr)
	bs, err := json.Marshal(p)
	if err != nil {
		return
	}

	intfs, err := net.Interfaces()
	if err != nil {
		return
	}
	for _, intf := range intfs {
		if intf.Flags&net.FlagUp == 0 || intf.Flags&net.FlagMulticast == 0 {
			continue
		}
		addr := *b.addr
		addr.Zone = intf.Name
		b.conn.WriteTo(bs, &addr)
	}
}

func (b *multicastBeacon) Recv() <-chan beaconPacket {
	return b.recv
}

func (b *multicastBeacon) Close() error {
	close(b.stop)
	return b.conn.Close()
}
