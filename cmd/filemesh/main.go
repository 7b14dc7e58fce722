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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/filemesh/filemesh/internal/events"
	"github.com/filemesh/filemesh/internal/identity"
	"github.com/filemesh/filemesh/internal/logging"
	"github.com/filemesh/filemesh/internal/node"
	"github.com/filemesh/filemesh/internal/savedata"
)

const usage = "filemesh [options]"

var l = logging.Default

func main() {
	homeDir, _ := os.UserHomeDir()
	defConfDir := filepath.Join(homeDir, ".filemesh")

	var (
		confDir      string
		watchDir     string
		listenAddr   string
		networkKey   string
		archive      bool
		downloadRate int64
	)

	flag.StringVar(&confDir, "home", defConfDir, "Configuration and corestore directory")
	flag.StringVar(&watchDir, "watch", "", "Directory to sync (defaults to <home>/sync)")
	flag.StringVar(&listenAddr, "listen", "0.0.0.0:0", "QUIC listen address")
	flag.StringVar(&networkKey, "network-key", "", "Join this network key instead of the persisted one")
	flag.BoolVar(&archive, "archive", false, "Opportunistically download every network file not held locally")
	flag.Int64Var(&downloadRate, "download-rate", 0, "Max aggregate download rate in bytes/s (0 = unlimited)")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := os.MkdirAll(confDir, 0o700); err != nil {
		l.Warnf("main: create %s: %v", confDir, err)
		os.Exit(1)
	}
	if watchDir == "" {
		watchDir = filepath.Join(confDir, "sync")
	}
	if err := os.MkdirAll(watchDir, 0o700); err != nil {
		l.Warnf("main: create %s: %v", watchDir, err)
		os.Exit(1)
	}

	saveDataPath := filepath.Join(confDir, "savedata.json")
	corestorePath := filepath.Join(confDir, "corestore")

	if networkKey != "" || downloadRate > 0 {
		if err := applyOverrides(saveDataPath, watchDir, corestorePath, networkKey, downloadRate); err != nil {
			l.Warnf("main: apply settings: %v", err)
			os.Exit(1)
		}
	}

	n, err := node.Open(node.Config{
		SaveDataPath:  saveDataPath,
		WatchPath:     watchDir,
		CorestorePath: corestorePath,
		ListenAddr:    listenAddr,
	}, l)
	if err != nil {
		l.Warnf("main: open node: %v", err)
		os.Exit(1)
	}

	if archive {
		n.ActivateArchive()
	}

	n.Events(events.AllEvents, func(e events.Event) {
		l.Debugf("event: %s %v", e.Type, e.Data)
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		l.Infoln("main: shutting down")
		cancel()
	}()

	if err := n.Join(ctx); err != nil {
		l.Warnf("main: join network: %v", err)
		os.Exit(1)
	}
	l.Infof("main: node %s listening on %s", saveDataPath, listenAddr)

	<-ctx.Done()
	if err := n.Close(); err != nil {
		l.Warnf("main: close node: %v", err)
	}
}

// applyOverrides writes command-line settings into the persisted save
// data before the node is opened, so joining a specific network or
// capping bandwidth can be driven entirely from the command line on
// first run (or to reconfigure an existing node).
func applyOverrides(saveDataPath, watchDir, corestorePath, key string, downloadRate int64) error {
	store, err := savedata.Load(saveDataPath, watchDir, corestorePath)
	if err != nil {
		return err
	}
	var nk identity.NetworkKey
	if key != "" {
		if nk, err = identity.NetworkKeyFromString(key); err != nil {
			return err
		}
	}
	return store.Update(func(sd *savedata.SaveData) {
		if key != "" {
			sd.NetworkKey = nk
		}
		if downloadRate > 0 {
			sd.Index.DownloadRateLimit = downloadRate
		}
	})
}
