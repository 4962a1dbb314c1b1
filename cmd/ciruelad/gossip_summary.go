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

	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/state"
	"github.com/tailhook/ciruela/pkg/vpath"
)

// NextSummary implements gossip.SummarySource, cycling round-robin
// through every configured base directory (spec.md §4.6). It is only
// ever called from gossip's single send loop goroutine, so roundIdx
// needs no locking of its own.
func (d *daemon) NextSummary() (vpath.VPath, hashid.Hash, bool) {
	dirs := d.baseDirs()
	if len(dirs) == 0 {
		return vpath.VPath{}, hashid.Hash{}, false
	}
	bd := dirs[d.roundIdx%len(dirs)]
	d.roundIdx++

	entries, err := d.meta.ScanDir(bd.Path)
	if err != nil {
		return vpath.VPath{}, hashid.Hash{}, false
	}
	keepList, _ := d.disk.ReadKeepList(context.Background(), bd.Config.KeepListFile)
	summary := state.BaseDirState{
		Path:         bd.Path.Key(),
		ConfigHash:   configHash(bd.Config),
		KeepListHash: keepListHash(keepList),
		Dirs:         entries,
	}
	hash, err := summary.Hash()
	if err != nil {
		return vpath.VPath{}, hashid.Hash{}, false
	}
	return bd.Path, hash, true
}
