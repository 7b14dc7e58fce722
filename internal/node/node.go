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

// Package node ties the pieces together: it owns the local file index,
// the index manager, and the swarm connection, wiring every protocol
// handler and exposing the public operations a caller drives a running
// node with. Long-running loops are supervised so a panicking service
// restarts instead of wedging the node.
package node

import (
	"context"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/thejerf/suture/v4"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/filemesh/filemesh/internal/blobstore"
	"github.com/filemesh/filemesh/internal/events"
	"github.com/filemesh/filemesh/internal/identity"
	"github.com/filemesh/filemesh/internal/indexmanager"
	"github.com/filemesh/filemesh/internal/localindex"
	"github.com/filemesh/filemesh/internal/logging"
	"github.com/filemesh/filemesh/internal/logstore"
	"github.com/filemesh/filemesh/internal/savedata"
	"github.com/filemesh/filemesh/internal/transport"
)

func init() {
	// Cgroup-aware GOMAXPROCS: hashing and lz4 compression are the hot
	// paths and a node routinely runs inside a container with a
	// fractional CPU quota.
	_, _ = maxprocs.Set(maxprocs.Logger(func(string, ...interface{}) {}))
}

var (
	metricPeers       = metrics.NewRegisteredCounter("filemesh.peers", nil)
	metricDownloads   = metrics.NewRegisteredCounter("filemesh.downloads.completed", nil)
	metricDownloadErr = metrics.NewRegisteredCounter("filemesh.downloads.failed", nil)
)

// Config is everything needed to open a Node.
type Config struct {
	SaveDataPath  string
	WatchPath     string
	CorestorePath string
	ListenAddr    string
}

// Node is the public entry point: one instance per running peer.
type Node struct {
	cfg    Config
	logger *logging.Logger
	bus    *events.Bus
	disp   *events.Dispatcher

	save *savedata.Store
	kp   identity.KeyPair

	logs  *logstore.LevelDBStore
	blobs *blobstore.LevelDBStore
	local logstore.Log

	li *localindex.LocalFileIndex
	im *indexmanager.Manager

	swarm *transport.QUICSwarm

	peersMut sync.Mutex
	peers    map[identity.PeerID]*peerSession

	sup    *suture.Supervisor
	cancel context.CancelFunc
}

// Open loads save data (creating it on first run), opens the log and
// blob stores, and constructs every component, without yet joining the
// network; call Join for that.
func Open(cfg Config, logger *logging.Logger) (*Node, error) {
	if logger == nil {
		logger = logging.Default
	}

	save, err := savedata.Load(cfg.SaveDataPath, cfg.WatchPath, cfg.CorestorePath)
	if err != nil {
		return nil, err
	}
	sd := save.View()
	kp := identity.DeriveKeyPair(sd.Seed)

	logs, err := logstore.OpenStore(sd.CorestorePath + "/logs")
	if err != nil {
		return nil, err
	}
	blobs, err := blobstore.OpenStore(sd.CorestorePath+"/blobs", true)
	if err != nil {
		logs.Close()
		return nil, err
	}

	local, err := logs.Open(kp.ID.String())
	if err != nil {
		logs.Close()
		blobs.Close()
		return nil, err
	}

	bus := events.NewBus()
	disp := events.NewDispatcher()

	im := indexmanager.New(indexmanager.Config{
		Root:              sd.WatchPath,
		NetworkKey:        sd.NetworkKey,
		ArchiveEnabled:    sd.Index.ArchiveEnabled,
		PollInterval:      sd.Index.PollInterval,
		DownloadRateLimit: sd.Index.DownloadRateLimit,
	}, local, blobs, bus, logger)

	li, err := localindex.New(localindex.Config{
		Root:         sd.WatchPath,
		PollInterval: sd.Index.PollInterval,
		Busy:         im,
	}, local, bus, logger)
	if err != nil {
		logs.Close()
		blobs.Close()
		return nil, err
	}

	swarm, err := transport.NewQUICSwarm(kp, cfg.ListenAddr, logger)
	if err != nil {
		logs.Close()
		blobs.Close()
		return nil, err
	}

	n := &Node{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		disp:   disp,
		save:   save,
		kp:     kp,
		logs:   logs,
		blobs:  blobs,
		local:  local,
		li:     li,
		im:     im,
		swarm:  swarm,
		peers:  make(map[identity.PeerID]*peerSession),
		sup:    suture.New("node", suture.Spec{}),
	}

	swarm.OnConnection(n.handleConnection)
	swarm.OnClose(n.handleDisconnection)

	n.seedQueuedDownloads(sd)
	n.trackDownloads()

	return n, nil
}

// seedQueuedDownloads re-registers the downloads persisted by a previous
// run, so a queued transfer survives a restart and fires on the next
// PEER_FILE_ADDED for its path.
func (n *Node) seedQueuedDownloads(sd savedata.SaveData) {
	for _, d := range sd.Downloads {
		peer, err := identity.PeerIDFromString(d.PeerID)
		if err != nil {
			continue
		}
		n.im.QueueDownload(peer, d.Path)
	}
}

// trackDownloads mirrors transfer lifecycle transitions into save data:
// a started download replaces any queued entry for its (peer, path), and
// completion or failure drops the entry. Each transition persists and
// emits one SAVE_DATA_UPDATE.
func (n *Node) trackDownloads() {
	n.bus.Subscribe(events.DownloadStarted, func(e events.Event) {
		pf, ok := e.Data.(indexmanager.PeerFileEvent)
		if !ok {
			return
		}
		n.updateDownloads(pf.PeerID.String(), pf.Record.Path, &savedata.Download{
			Path: pf.Record.Path, PeerID: pf.PeerID.String(),
		})
	})
	n.bus.Subscribe(events.DownloadCompleted, func(e events.Event) {
		pf, ok := e.Data.(indexmanager.PeerFileEvent)
		if !ok {
			return
		}
		metricDownloads.Inc(1)
		n.updateDownloads(pf.PeerID.String(), pf.Record.Path, nil)
	})
	n.bus.Subscribe(events.DownloadFailed, func(e events.Event) {
		de, ok := e.Data.(indexmanager.DownloadErrorEvent)
		if !ok {
			return
		}
		metricDownloadErr.Inc(1)
		n.updateDownloads(de.PeerID.String(), de.Path, nil)
	})
}

// updateDownloads removes every save-data download entry for
// (peerID, path) and, if replacement is non-nil, appends it.
func (n *Node) updateDownloads(peerID, path string, replacement *savedata.Download) {
	err := n.save.Update(func(sd *savedata.SaveData) {
		kept := sd.Downloads[:0]
		for _, d := range sd.Downloads {
			if d.PeerID == peerID && d.Path == path {
				continue
			}
			kept = append(kept, d)
		}
		sd.Downloads = kept
		if replacement != nil {
			sd.Downloads = append(sd.Downloads, *replacement)
		}
	})
	if err != nil && n.logger != nil {
		n.logger.Warnf("node: persist download state: %v", err)
	}
	n.saveDataUpdated()
}

// Join starts every background service and joins the network-keyed
// swarm. ctx governs the lifetime of every service added here; Close
// additionally cancels it.
func (n *Node) Join(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.sup.Add(serviceFunc(func(ctx context.Context) error {
		if err := n.li.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	}))
	n.sup.Add(serviceFunc(func(ctx context.Context) error {
		n.im.RunArchiveLoop(ctx, n.dialPeer)
		return nil
	}))

	errCh := n.sup.ServeBackground(ctx)
	go func() {
		if err := <-errCh; err != nil && n.logger != nil {
			n.logger.Warnf("node: supervisor exited: %v", err)
		}
	}()

	if err := n.swarm.Join(ctx, n.save.View().NetworkKey); err != nil {
		return err
	}
	n.saveDataUpdated()
	return nil
}

// JoinNetwork switches the node onto key, persisting it, before joining.
// Use Join to rejoin the already-persisted network.
func (n *Node) JoinNetwork(ctx context.Context, key identity.NetworkKey) error {
	if err := n.save.Update(func(sd *savedata.SaveData) { sd.NetworkKey = key }); err != nil {
		return err
	}
	return n.Join(ctx)
}

// Flushed blocks until the first discovery round has completed, so a
// caller that wants a primed connection callback before proceeding can
// wait for it.
func (n *Node) Flushed(ctx context.Context) error {
	return n.swarm.Flushed(ctx)
}

// Close tears down every background service and closes the log and blob
// stores. It writes no save data of its own.
func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	n.li.Close()
	n.im.Close()
	n.swarm.Close()
	n.logs.Close()
	n.blobs.Close()
	return nil
}

// serviceFunc adapts a plain function to suture.Service.
type serviceFunc func(ctx context.Context) error

func (f serviceFunc) Serve(ctx context.Context) error { return f(ctx) }

// peerSession is the per-connection bookkeeping the node keeps for a
// live connection: the protocol channel, the remote log replica, and
// the cancel function for its replication reader.
type peerSession struct {
	id      identity.PeerID
	conn    transport.Conn
	channel transport.Channel
	remote  logstore.Log
	cancel  context.CancelFunc
}

func (n *Node) dialPeer(id identity.PeerID) (indexmanager.PeerConn, bool) {
	n.peersMut.Lock()
	defer n.peersMut.Unlock()
	ps, ok := n.peers[id]
	if !ok {
		return nil, false
	}
	return &peerConn{id: id, channel: ps.channel, conn: ps.conn}, true
}

func (n *Node) addPeerSession(ps *peerSession) {
	n.peersMut.Lock()
	n.peers[ps.id] = ps
	n.peersMut.Unlock()
	metricPeers.Inc(1)
}

func (n *Node) removePeerSession(id identity.PeerID) (*peerSession, bool) {
	n.peersMut.Lock()
	defer n.peersMut.Unlock()
	ps, ok := n.peers[id]
	if ok {
		delete(n.peers, id)
		metricPeers.Dec(1)
	}
	return ps, ok
}

// ListPeers returns the peer IDs of every currently connected peer.
func (n *Node) ListPeers() []identity.PeerID {
	n.peersMut.Lock()
	defer n.peersMut.Unlock()
	out := make([]identity.PeerID, 0, len(n.peers))
	for id := range n.peers {
		out = append(out, id)
	}
	return out
}

func (n *Node) saveDataUpdated() {
	n.bus.Log(events.SaveDataUpdate, n.save.View())
}
