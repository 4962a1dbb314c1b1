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
	"log"

	"github.com/tailhook/ciruela/pkg/connmgr"
	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/index"
	"github.com/tailhook/ciruela/pkg/metadata"
	"github.com/tailhook/ciruela/pkg/vpath"
	"github.com/tailhook/ciruela/pkg/wire"
)

// HandleAppendDir implements connmgr.RequestHandler: it runs the upload
// acceptance state machine and, on a brand new acceptance, kicks off an
// asynchronous Content Fetching run for the accepted image (spec.md
// §4.2, §4.9).
func (d *daemon) HandleAppendDir(c *connmgr.Conn, reqID uint64, req wire.AppendDir) {
	upl, err := d.meta.StartAppend(metadata.AppendParams{
		Path: req.Path, Image: req.Image, Timestamp: req.Timestamp, Signatures: req.Signatures,
	})
	if err != nil {
		c.RespondError(reqID, wire.TypeAppendDir, wire.TagPathNotFound)
		return
	}
	c.Respond(reqID, wire.TypeAppendDir, wire.AppendDirAck{Accepted: upl.Accepted})
	if upl.Accepted && upl.Accept == metadata.AcceptNew {
		go d.beginFetch(req.Path, req.Image)
	}
}

// HandleReplaceDir is HandleAppendDir's replacing counterpart.
func (d *daemon) HandleReplaceDir(c *connmgr.Conn, reqID uint64, req wire.ReplaceDir) {
	upl, err := d.meta.StartReplace(metadata.ReplaceParams{
		Path: req.Path, Image: req.Image, OldImage: req.OldImage,
		Timestamp: req.Timestamp, Signatures: req.Signatures,
	})
	if err != nil {
		c.RespondError(reqID, wire.TypeReplaceDir, wire.TagPathNotFound)
		return
	}
	c.Respond(reqID, wire.TypeReplaceDir, wire.ReplaceDirAck{Accepted: upl.Accepted})
	if upl.Accepted && upl.Accept == metadata.AcceptNew {
		go d.beginFetch(req.Path, req.Image)
	}
}

// beginFetch drives one accepted upload's Content Fetching run to
// completion, aborting the pending state if the destination isn't a
// configured base directory at all (spec.md §4.9).
func (d *daemon) beginFetch(path vpath.VPath, image hashid.ImageID) {
	parentDir, err := d.contentParentDir(path)
	if err != nil {
		log.Printf("ciruelad: %v", err)
		d.meta.AbortDir(path)
		return
	}
	if err := d.fetcher.Fetch(context.Background(), path, image, parentDir); err != nil {
		log.Printf("ciruelad: fetch %s: %v", path, err)
	}
}

// HandleGetIndex serves a locally committed index blob by image id.
func (d *daemon) HandleGetIndex(c *connmgr.Conn, reqID uint64, req wire.GetIndex) {
	idx, err := d.meta.ReadIndex(req.ID)
	if err != nil {
		c.RespondError(reqID, wire.TypeGetIndex, wire.TagIndexNotFound)
		return
	}
	data, err := index.Marshal(idx)
	if err != nil {
		c.RespondError(reqID, wire.TypeGetIndex, wire.TagIndexNotFound)
		return
	}
	c.Respond(reqID, wire.TypeGetIndex, wire.GetIndexResponse{Data: data})
}

// HandleGetIndexAt answers what image (if any) currently occupies a
// path, plus which known peers have advertised they can serve its index
// (spec.md §4.4).
func (d *daemon) HandleGetIndexAt(c *connmgr.Conn, reqID uint64, req wire.GetIndexAt) {
	entries, err := d.meta.ScanDir(req.Path)
	if err != nil {
		c.RespondError(reqID, wire.TypeGetIndexAt, wire.TagPathNotFound)
		return
	}
	st, ok := entries[req.Path.FinalName()]
	resp := wire.GetIndexAtResponse{Hosts: d.hostsFor(st.ImageID)}
	if ok {
		if idx, err := d.meta.ReadIndex(st.ImageID); err == nil {
			if data, err := index.Marshal(idx); err == nil {
				resp.Data = data
			}
		}
	}
	c.Respond(reqID, wire.TypeGetIndexAt, resp)
}

// HandleGetBlock serves one committed content block by hash, backed by
// the Disk Engine's block index (spec.md §6).
func (d *daemon) HandleGetBlock(c *connmgr.Conn, reqID uint64, req wire.GetBlock) {
	data, err := d.disk.ReadBlock(context.Background(), req.Hash)
	if err != nil {
		c.RespondError(reqID, wire.TypeGetBlock, wire.TagCantReadBlock)
		return
	}
	c.Respond(reqID, wire.TypeGetBlock, wire.GetBlockResponse{Data: data})
}

// HandleGetBaseDir answers a reconciliation peer's request for this
// node's current view of a base directory (spec.md §4.7).
func (d *daemon) HandleGetBaseDir(c *connmgr.Conn, reqID uint64, req wire.GetBaseDir) {
	entries, err := d.meta.ScanDir(req.Path)
	if err != nil {
		c.RespondError(reqID, wire.TypeGetBaseDir, wire.TagPathNotFound)
		return
	}
	cfg, ok := d.cluster.Dirs[req.Path.Key()]
	var cHash, kHash hashid.Hash
	if ok {
		keepList, _ := d.disk.ReadKeepList(context.Background(), cfg.KeepListFile)
		cHash = configHash(*cfg)
		kHash = keepListHash(keepList)
	}
	c.Respond(reqID, wire.TypeGetBaseDir, wire.GetBaseDirResponse{
		ConfigHash: cHash, KeepListHash: kHash, Dirs: entries,
	})
}

// HandlePublishImage forwards to the Upload Coordinator (which doesn't
// need the notification itself) and opportunistically records that the
// sending connection can serve this image, once its machine id is known.
func (d *daemon) HandlePublishImage(c *connmgr.Conn, n wire.PublishImage) {
	d.coord.HandlePublishImage(c, n)
	if mid, ok := d.twoWay.Resolve(zeroMachineID, c.Addr, ""); ok {
		d.masks.Set(n.ID, mid, maskBoth)
	}
}

// HandleReceivedImage records the (machine id, address, hostname)
// association the notification carries before forwarding to the Upload
// Coordinator, so future HandlePublishImage calls on the same connection
// can resolve a machine id (spec.md §4.8, original_source's two_way_map).
func (d *daemon) HandleReceivedImage(c *connmgr.Conn, n wire.ReceivedImage) {
	d.twoWay.Associate(n.MachineID, c.Addr, n.Hostname)
	d.coord.HandleReceivedImage(c, n)
}

// HandleAbortedImage forwards to the Upload Coordinator.
func (d *daemon) HandleAbortedImage(c *connmgr.Conn, n wire.AbortedImage) {
	d.coord.HandleAbortedImage(c, n)
}
