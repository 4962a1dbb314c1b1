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

	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/metadata"
	"github.com/tailhook/ciruela/pkg/peers"
	"github.com/tailhook/ciruela/pkg/sigs"
	"github.com/tailhook/ciruela/pkg/state"
	"github.com/tailhook/ciruela/pkg/vpath"
	"github.com/tailhook/ciruela/pkg/wire"
)

// FindIndexPeer implements indexcache.PeerFinder: it walks the image's
// advertised-index candidates and returns the first one not currently in
// backoff (spec.md §4.9 step 1).
func (d *daemon) FindIndexPeer(path vpath.VPath, id hashid.ImageID, failures *peers.FailureTracker[string]) (string, bool) {
	for _, mid := range d.masks.Candidates(id, peers.MaskIndex) {
		p, ok := d.peerDB.Get(mid)
		if !ok || p.PrimaryAddr == nil {
			continue
		}
		addr := p.PrimaryAddr.String()
		if failures.CanTry(addr) {
			return addr, true
		}
	}
	return "", false
}

// FetchIndex implements indexcache.Fetcher over the connection manager.
func (d *daemon) FetchIndex(ctx context.Context, addr string, id hashid.ImageID, hint vpath.VPath) ([]byte, error) {
	conn, err := d.mgr.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	f, err := conn.Request(ctx, wire.TypeGetIndex, wire.GetIndex{ID: id, Hint: &hint})
	if err != nil {
		return nil, err
	}
	if f.IsError() {
		return nil, fmt.Errorf("ciruelad: %s refused GetIndex: %s", addr, f.ErrorTag)
	}
	var resp wire.GetIndexResponse
	if err := f.DecodePayload(&resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// CandidateAddrs implements fetch.CandidateSource: every peer known to
// be able to serve this image's blocks (spec.md §4.9 step 2).
func (d *daemon) CandidateAddrs(id hashid.ImageID) []string {
	var out []string
	for _, mid := range d.masks.Candidates(id, peers.MaskBlocks) {
		if p, ok := d.peerDB.Get(mid); ok && p.PrimaryAddr != nil {
			out = append(out, p.PrimaryAddr.String())
		}
	}
	return out
}

// GetBlock implements fetch.BlockTransport over the connection manager.
func (d *daemon) GetBlock(ctx context.Context, addr string, hash hashid.Hash) ([]byte, error) {
	conn, err := d.mgr.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	f, err := conn.Request(ctx, wire.TypeGetBlock, wire.GetBlock{Hash: hash})
	if err != nil {
		return nil, err
	}
	if f.IsError() {
		return nil, fmt.Errorf("ciruelad: %s refused GetBlock: %s", addr, f.ErrorTag)
	}
	var resp wire.GetBlockResponse
	if err := f.DecodePayload(&resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// NotifyReceived implements fetch.Notifier: broadcast a completed
// inbound transfer to every connected peer (spec.md §4.9 step 5).
func (d *daemon) NotifyReceived(path vpath.VPath, id hashid.ImageID) {
	d.broadcast(wire.TypeReceivedImage, wire.ReceivedImage{
		ID: id, Path: path, MachineID: d.machineID, Hostname: d.cfg.Host,
	})
}

// NotifyAborted implements fetch.Notifier's failure counterpart.
func (d *daemon) NotifyAborted(path vpath.VPath, id hashid.ImageID, reason string) {
	d.broadcast(wire.TypeAbortedImage, wire.AbortedImage{ID: id, Reason: reason})
}

func (d *daemon) broadcast(typeName string, payload interface{}) {
	for _, p := range d.peerDB.All() {
		if p.PrimaryAddr == nil {
			continue
		}
		if conn, ok := d.mgr.Get(p.PrimaryAddr.String()); ok {
			conn.Notify(typeName, payload)
		}
	}
}

// GetBaseDir implements reconcile.Transport over the connection manager.
func (d *daemon) GetBaseDir(ctx context.Context, addr string, path vpath.VPath) (*wire.GetBaseDirResponse, error) {
	conn, err := d.mgr.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	f, err := conn.Request(ctx, wire.TypeGetBaseDir, wire.GetBaseDir{Path: path})
	if err != nil {
		return nil, err
	}
	if f.IsError() {
		return nil, fmt.Errorf("ciruelad: %s refused GetBaseDir: %s", addr, f.ErrorTag)
	}
	var resp wire.GetBaseDirResponse
	if err := f.DecodePayload(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ScheduleFromPeer implements reconcile.Downloader: it feeds a peer's
// entry into the same acceptance path a client-initiated upload takes,
// then drives Content Fetching from sourceAddr (spec.md §4.7 step 4).
func (d *daemon) ScheduleFromPeer(path vpath.VPath, remote state.State, sourceAddr string) {
	go d.pullFromPeer(path, remote, sourceAddr)
}

func (d *daemon) pullFromPeer(path vpath.VPath, remote state.State, sourceAddr string) {
	sigList := make([]sigs.Signature, len(remote.Signatures))
	for i, e := range remote.Signatures {
		sigList[i] = e.Signature
	}
	upl, err := d.meta.StartReplace(metadata.ReplaceParams{
		Path:       path,
		Image:      remote.ImageID,
		Timestamp:  maxTimestamp(remote.Signatures),
		Signatures: sigList,
	})
	if err != nil || !upl.Accepted || upl.Accept != metadata.AcceptNew {
		return
	}
	parentDir, err := d.contentParentDir(path)
	if err != nil {
		d.meta.AbortDir(path)
		return
	}
	if err := d.fetcher.Fetch(context.Background(), path, remote.ImageID, parentDir); err != nil {
		fmt.Printf("ciruelad: reconciliation fetch %s from %s: %v\n", path, sourceAddr, err)
	}
}
