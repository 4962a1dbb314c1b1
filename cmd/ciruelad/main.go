/*
Copyright 2026 The Ciruela Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command ciruelad is the cluster daemon: it accepts uploads, fetches
// their content from peers, gossips base-directory summaries, reconciles
// divergence, and enforces retention (spec.md §6), grounded on
// original_source/src/daemon/main.rs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tailhook/ciruela/internal/machineid"
	"github.com/tailhook/ciruela/pkg/config"
	"github.com/tailhook/ciruela/pkg/connmgr"
	"github.com/tailhook/ciruela/pkg/gossip"
	"github.com/tailhook/ciruela/pkg/upload"
)

func main() {
	configBaseDir := flag.String("config-base-dir", config.DefaultConfigBaseDir, "directory holding per-base-dir YAML configs")
	dbDir := flag.String("db-dir", config.DefaultDBDir, "directory holding metadata state")
	host := flag.String("host", "0.0.0.0", "address to listen on")
	port := flag.Int("port", config.DefaultPort, "port to listen on, used for both TCP and UDP")
	maxConnections := flag.Int("max-connections", 1000, "maximum number of peer connections")
	peersFile := flag.String("peers", "", "file listing initial peer addresses")
	cantal := flag.Bool("cantal", false, "report health/stats to a local cantal agent")
	flag.Parse()

	mid, err := machineid.Read()
	if err != nil {
		log.Fatalf("ciruelad: %v", err)
	}

	cfg := config.Daemon{
		ConfigBaseDir:  *configBaseDir,
		DBDir:          *dbDir,
		Host:           *host,
		Port:           *port,
		MaxConnections: *maxConnections,
		PeersFile:      *peersFile,
		Cantal:         *cantal,
		MachineID:      mid,
	}

	cluster, err := loadCluster(cfg.ConfigBaseDir)
	if err != nil {
		log.Fatalf("ciruelad: loading cluster config: %v", err)
	}

	if err := run(cfg, cluster); err != nil {
		log.Fatalf("ciruelad: %v", err)
	}
}

// loadCluster is a placeholder for the per-base-dir YAML loader spec.md
// §1 explicitly leaves out of scope; a real deployment supplies Cluster
// some other way before calling newDaemon.
func loadCluster(baseDir string) (*config.Cluster, error) {
	return &config.Cluster{Dirs: map[string]*config.Directory{}}, nil
}

func run(cfg config.Daemon, cluster *config.Cluster) error {
	d := newDaemon(cfg, cluster)
	mgr := connmgr.NewManager(d, d)
	d.mgr = mgr
	d.coord = upload.NewCoordinator(mgr, upload.DefaultConfig())

	addr := hostPort(cfg.Host, cfg.Port)

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolving gossip address %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s/udp: %w", addr, err)
	}
	defer udpConn.Close()

	g := gossip.New(udpConn, cfg.MachineID, d.peerDB, d, d.recon)

	if cfg.PeersFile != "" {
		peerList, err := loadPeers(context.Background(), d.disk, cfg.PeersFile)
		if err != nil {
			return fmt.Errorf("loading peers file %s: %w", cfg.PeersFile, err)
		}
		for _, p := range peerList {
			if a, err := net.ResolveUDPAddr("udp", p.addr); err == nil {
				g.AddFuturePeer(a, p.hostname)
			}
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if _, err := mgr.Accept(w, r, r.RemoteAddr); err != nil {
			log.Printf("ciruelad: websocket upgrade from %s: %v", r.RemoteAddr, err)
		}
	})
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("ciruelad: http server: %v", err)
		}
	}()
	go g.Run(ctx)
	go d.clean.Run(ctx, d.baseDirs())

	handleSignals(ctx, cancel, httpSrv)
	return nil
}

// handleSignals blocks until SIGINT or SIGTERM, then shuts every
// long-running subsystem down, the graceful-stop idiom this codebase's
// teacher uses for its own long-running server command.
func handleSignals(ctx context.Context, cancel context.CancelFunc, httpSrv *http.Server) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c
	cancel()
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("ciruelad: http shutdown: %v", err)
	}
}
