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

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tailhook/ciruela/pkg/cleanup"
	"github.com/tailhook/ciruela/pkg/config"
	"github.com/tailhook/ciruela/pkg/connmgr"
	"github.com/tailhook/ciruela/pkg/disk"
	"github.com/tailhook/ciruela/pkg/fetch"
	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/index"
	"github.com/tailhook/ciruela/pkg/indexcache"
	"github.com/tailhook/ciruela/pkg/metadata"
	"github.com/tailhook/ciruela/pkg/peers"
	"github.com/tailhook/ciruela/pkg/reconcile"
	"github.com/tailhook/ciruela/pkg/upload"
	"github.com/tailhook/ciruela/pkg/vpath"
)

// daemon bundles every tracking subsystem for one running node and
// implements the handler/collaborator interfaces each subsystem needs to
// reach the others — connmgr.RequestHandler and connmgr.NotificationHandler
// to dispatch wire traffic, plus the small collaborator interfaces
// pkg/fetch, pkg/indexcache, pkg/gossip, and pkg/reconcile each define for
// whatever lives outside their own package.
type daemon struct {
	cfg       config.Daemon
	cluster   *config.Cluster
	machineID hashid.MachineID

	meta   *metadata.Store
	disk   *disk.Engine
	idx    *indexcache.Cache
	masks  *peers.ImageMasks
	peerDB *peers.Registry
	twoWay *peers.TwoWayMap

	mgr     *connmgr.Manager
	coord   *upload.Coordinator
	fetcher *fetch.Fetcher
	recon   *reconcile.Engine
	clean   *cleanup.Engine

	roundIdx int // gossip.SummarySource's round-robin cursor over base dirs
}

// newDaemon wires every subsystem but the connection manager, which
// needs a finished daemon to dispatch into and vice versa, and the upload
// coordinator, which pushes over that manager; the caller completes
// construction with the two-phase
// connmgr.NewManager(d, d); d.mgr = mgr pattern (pkg/upload/upload_test.go's
// Coordinator/Manager wiring follows the same shape) and then sets d.coord.
func newDaemon(cfg config.Daemon, cluster *config.Cluster) *daemon {
	d := &daemon{
		cfg:       cfg,
		cluster:   cluster,
		machineID: cfg.MachineID,
		meta:      metadata.New(cfg.DBDir, cluster),
		disk:      disk.NewEngine(disk.DefaultWorkers),
		masks:     peers.NewImageMasks(),
		peerDB:    peers.NewRegistry(),
		twoWay:    peers.NewTwoWayMap(),
	}
	d.idx = indexcache.New(d, d, d.meta)
	d.fetcher = fetch.New(indexResolver{d.idx}, d, d, d.disk, d.meta, d)
	d.recon = reconcile.New(d.peerDB, d, d.meta, d)
	d.clean = cleanup.New(d.meta, d.disk, d.meta)
	return d
}

// indexResolver adapts indexcache.Cache's Get method to the ResolveIndex
// name fetch.IndexResolver expects.
type indexResolver struct{ cache *indexcache.Cache }

func (r indexResolver) ResolveIndex(ctx context.Context, path vpath.VPath, id hashid.ImageID) (*index.Index, error) {
	return r.cache.Get(ctx, path, id)
}

// contentParentDir returns the filesystem directory that holds v's final
// name, derived from v's configured base directory root plus its
// parent-relative suffix (spec.md §6: base directories are configured
// filesystem roots; spec.md §3 VPath invariants give the suffix).
func (d *daemon) contentParentDir(v vpath.VPath) (string, error) {
	cfg, ok := d.cluster.Dirs[v.Key()]
	if !ok {
		return "", fmt.Errorf("ciruelad: %s names no configured base directory", v)
	}
	return filepath.Join(cfg.Directory, filepath.FromSlash(v.ParentRel())), nil
}

// baseDirs returns one representative VPath per real leaf directory
// under every configured base directory (a base dir with NumLevels>=2
// can hold many sibling leaves, each gossiped and swept independently),
// paired with its retention config and filesystem content directory —
// the shape pkg/cleanup.Engine sweeps and the gossip summary walk both
// need. Leaves are discovered by metadata.Store.EnumerateLeaves, which
// walks the actual signatures/ tree rather than fabricating a path.
func (d *daemon) baseDirs() []cleanup.BaseDir {
	var out []cleanup.BaseDir
	for key, cfg := range d.cluster.Dirs {
		leaves, err := d.meta.EnumerateLeaves(key, cfg.NumLevels)
		if err != nil {
			continue
		}
		for _, v := range leaves {
			out = append(out, cleanup.BaseDir{Path: v, Config: *cfg, ContentDir: filepath.Join(cfg.Directory, filepath.FromSlash(v.ParentRel()))})
		}
	}
	return out
}

type peerEntry struct {
	addr     string
	hostname string
}

// loadPeers reads a newline-delimited "host:port [hostname]" peers file
// (spec.md §6: "--peers <file>"), tolerating a missing path the same way
// pkg/disk.Engine.ReadKeepList tolerates a missing keep-list file.
func loadPeers(ctx context.Context, eng *disk.Engine, path string) ([]peerEntry, error) {
	lines, err := eng.ReadKeepList(ctx, path)
	if err != nil {
		return nil, err
	}
	out := make([]peerEntry, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		addr := fields[0]
		hostname := addr
		if len(fields) > 1 {
			hostname = fields[1]
		}
		out = append(out, peerEntry{addr: addr, hostname: hostname})
	}
	return out, nil
}

func hostPort(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}
