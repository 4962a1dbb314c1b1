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
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/tailhook/ciruela/pkg/config"
	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/peers"
	"github.com/tailhook/ciruela/pkg/state"
)

var zeroMachineID hashid.MachineID

// maskBoth marks a peer as able to serve both a published image's index
// and its blocks; PublishImage doesn't distinguish the two (spec.md §4.8).
const maskBoth = peers.MaskIndex | peers.MaskBlocks

func canonicalHash(v interface{}) hashid.Hash {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return hashid.Hash{}
	}
	data, err := em.Marshal(v)
	if err != nil {
		return hashid.Hash{}
	}
	return hashid.Sum(data)
}

// configHash summarizes the fields of a Directory config that must agree
// cluster-wide, the ConfigHash fence in a BaseDirState gossip summary
// (spec.md §3, §4.6).
func configHash(cfg config.Directory) hashid.Hash {
	wire := struct {
		_                  struct{} `cbor:",toarray"`
		Directory          string
		AppendOnly         bool
		NumLevels          int
		UploadKeys         []string
		DownloadKeys       []string
		AutoClean          bool
		KeepMinDirectories int
		KeepMaxDirectories int
		KeepRecentNanos    int64
	}{
		Directory:          cfg.Directory,
		AppendOnly:         cfg.AppendOnly,
		NumLevels:          cfg.NumLevels,
		UploadKeys:         cfg.UploadKeys,
		DownloadKeys:       cfg.DownloadKeys,
		AutoClean:          cfg.AutoClean,
		KeepMinDirectories: cfg.KeepMinDirectories,
		KeepMaxDirectories: cfg.KeepMaxDirectories,
		KeepRecentNanos:    int64(cfg.KeepRecent),
	}
	return canonicalHash(wire)
}

// keepListHash summarizes the keep-list file's contents, the
// KeepListHash fence in a BaseDirState gossip summary.
func keepListHash(names []string) hashid.Hash {
	sorted := append([]string{}, names...)
	sort.Strings(sorted)
	return canonicalHash(sorted)
}

// hostsFor resolves the known peers currently advertising the index bit
// for img, keyed by machine id the way wire.GetIndexAtResponse.Hosts
// expects.
func (d *daemon) hostsFor(img hashid.ImageID) map[hashid.MachineID]string {
	out := make(map[hashid.MachineID]string)
	for _, mid := range d.masks.Candidates(img, peers.MaskIndex) {
		if p, ok := d.peerDB.Get(mid); ok {
			out[mid] = p.Hostname
		}
	}
	return out
}

// maxTimestamp returns the newest timestamp among a signature set, the
// Timestamp field ScheduleFromPeer's synthesized upload carries (spec.md
// §4.2: the upload timestamp is the newest signature's).
func maxTimestamp(entries []state.SignatureEntry) uint64 {
	var max uint64
	for _, e := range entries {
		if e.Timestamp > max {
			max = e.Timestamp
		}
	}
	return max
}
