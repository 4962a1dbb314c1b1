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

package metadata

import (
	"fmt"
	"os"

	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/sigs"
	"github.com/tailhook/ciruela/pkg/state"
	"github.com/tailhook/ciruela/pkg/vpath"
)

// Accept distinguishes the three ways an upload can be accepted.
type Accept int

const (
	AcceptNew Accept = iota
	AcceptInProgress
	AcceptAlreadyDone
)

func (a Accept) String() string {
	switch a {
	case AcceptNew:
		return "new"
	case AcceptInProgress:
		return "in_progress"
	case AcceptAlreadyDone:
		return "already_done"
	default:
		return "unknown"
	}
}

// Upload is the outcome of start_append/start_replace: exactly one of
// Accepted or the Reject fields is meaningful.
type Upload struct {
	Accepted    bool
	Accept      Accept
	Reason      string // set when !Accepted
	ExistingID  hashid.ImageID
	HasExisting bool
}

func accepted(a Accept) Upload { return Upload{Accepted: true, Accept: a} }

func rejected(reason string) Upload {
	return Upload{Accepted: false, Reason: reason}
}

func rejectedWithID(reason string, id hashid.ImageID) Upload {
	return Upload{Accepted: false, Reason: reason, ExistingID: id, HasExisting: true}
}

// AppendParams is the input to StartAppend, the fields of an AppendDir
// request (spec.md §4.5).
type AppendParams struct {
	Path       vpath.VPath
	Image      hashid.ImageID
	Timestamp  uint64
	Signatures []sigs.Signature
}

// ReplaceParams is the input to StartReplace; OldImage is the optional
// fence value.
type ReplaceParams struct {
	Path       vpath.VPath
	Image      hashid.ImageID
	OldImage   *hashid.ImageID
	Timestamp  uint64
	Signatures []sigs.Signature
}

func sigData(v vpath.VPath, image hashid.ImageID, timestamp uint64) sigs.SigData {
	imgCopy := image
	return sigs.SigData{Path: v.String(), Image: imgCopy[:], Time: timestamp}
}

// resolveUploadKeys returns the keys allowed to authorize an upload to
// cfg's base directory: its own upload_keys (parsed as authorized-key
// lines) plus the cluster's master keys (spec.md §4.1).
func (s *Store) resolveUploadKeys(dirKey string) []sigs.PublicKey {
	cfg := s.Cluster.Dirs[dirKey]
	out := append([]sigs.PublicKey{}, s.Cluster.MasterKeys...)
	if cfg == nil {
		return out
	}
	for _, line := range cfg.UploadKeys {
		if key, err := sigs.ParseAuthorizedKey([]byte(line)); err == nil {
			out = append(out, key)
		}
	}
	return out
}

func toSignatureEntries(timestamp uint64, sigList []sigs.Signature) []state.SignatureEntry {
	out := make([]state.SignatureEntry, len(sigList))
	for i, sg := range sigList {
		out[i] = state.SignatureEntry{Timestamp: timestamp, Signature: sg}
	}
	state.SortSignatures(out)
	return out
}

// StartAppend implements start_append (spec.md §4.2 table).
func (s *Store) StartAppend(p AppendParams) (Upload, error) {
	s.MarkUsed(p.Image)

	cfg, ok := s.dirConfig(p.Path)
	if !ok {
		return Upload{}, fmt.Errorf("%w: %s", ErrPathNotFound, p.Path)
	}
	if p.Path.Level() != cfg.NumLevels {
		return rejected("config_level_mismatch"), nil
	}

	allowed := s.resolveUploadKeys(p.Path.Key())
	if !sigs.VerifyAny(sigData(p.Path, p.Image, p.Timestamp), p.Signatures, allowed) {
		return rejected("signature_mismatch"), nil
	}

	entries := toSignatureEntries(p.Timestamp, p.Signatures)
	return s.acceptUpload(p.Path, p.Image, entries, false, nil)
}

// StartReplace implements start_replace; as StartAppend but forbidden
// when append_only, and fenced by an optional old_image check.
func (s *Store) StartReplace(p ReplaceParams) (Upload, error) {
	s.MarkUsed(p.Image)

	cfg, ok := s.dirConfig(p.Path)
	if !ok {
		return Upload{}, fmt.Errorf("%w: %s", ErrPathNotFound, p.Path)
	}
	if p.Path.Level() != cfg.NumLevels {
		return rejected("config_level_mismatch"), nil
	}
	if cfg.AppendOnly {
		return rejected("dir_is_append_only"), nil
	}

	allowed := s.resolveUploadKeys(p.Path.Key())
	if !sigs.VerifyAny(sigData(p.Path, p.Image, p.Timestamp), p.Signatures, allowed) {
		return rejected("signature_mismatch"), nil
	}

	entries := toSignatureEntries(p.Timestamp, p.Signatures)
	return s.acceptUpload(p.Path, p.Image, entries, true, p.OldImage)
}

// acceptUpload runs the shared acceptance state machine from spec.md
// §4.2's table, serialized under the process-wide writing mutex.
func (s *Store) acceptUpload(v vpath.VPath, image hashid.ImageID, entries []state.SignatureEntry, replace bool, oldImage *hashid.ImageID) (Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := v.String()
	if w, ok := s.writing[key]; ok {
		if w.ImageID == image {
			if !sameSignatures(w.Signatures, entries) {
				w.Signatures = state.MergeSignatures(w.Signatures, entries)
			}
			return accepted(AcceptInProgress), nil
		}
		if replace && oldImage != nil && *oldImage != w.ImageID {
			return rejectedWithID("replace_doesnt_match_index", w.ImageID), nil
		}
		return rejectedWithID("already_uploading_different_version", w.ImageID), nil
	}

	dir := s.signaturesDir(v)
	onDisk, found, err := s.readState(dir, stateFile(v))
	if err != nil {
		return Upload{}, err
	}
	if found {
		if onDisk.ImageID == image {
			merged := state.MergeSignatures(onDisk.Signatures, entries)
			if err := s.writeState(dir, stateFile(v), state.State{ImageID: image, Signatures: merged}); err != nil {
				return Upload{}, err
			}
			return accepted(AcceptAlreadyDone), nil
		}
		if replace {
			if oldImage != nil && *oldImage != onDisk.ImageID {
				return rejectedWithID("replace_doesnt_match_index", onDisk.ImageID), nil
			}
		} else {
			return rejectedWithID("already_exists", onDisk.ImageID), nil
		}
	}

	s.writing[key] = &state.Writing{ImageID: image, Signatures: entries, Replacing: replace}
	if err := s.writeState(dir, newStateFile(v), state.State{ImageID: image, Signatures: entries}); err != nil {
		delete(s.writing, key)
		return Upload{}, err
	}
	return accepted(AcceptNew), nil
}

func sameSignatures(a, b []state.SignatureEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func (s *Store) readState(dir, name string) (state.State, bool, error) {
	data, found, err := readFileIfExists(dir + "/" + name)
	if err != nil || !found {
		return state.State{}, found, err
	}
	st, err := state.Decode(data)
	return st, true, err
}

func (s *Store) writeState(dir, name string, st state.State) error {
	data, err := state.Encode(st)
	if err != nil {
		return err
	}
	return replaceFile(dir, name, data)
}

// ResumeUpload reloads a ".new.state" (renaming a stale ".state" into
// place first if that's all that's left) after a daemon restart
// (spec.md §4.2: "reloads a .new.state after daemon restart").
func (s *Store) ResumeUpload(v vpath.VPath) (hashid.ImageID, error) {
	cfg, ok := s.dirConfig(v)
	if !ok {
		return hashid.ImageID{}, fmt.Errorf("%w: %s", ErrPathNotFound, v)
	}
	if v.Level() != cfg.NumLevels {
		return hashid.ImageID{}, fmt.Errorf("metadata: path %s has level %d, want %d", v, v.Level(), cfg.NumLevels)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := v.String()
	if _, ok := s.writing[key]; ok {
		return hashid.ImageID{}, ErrResumeConflict
	}

	dir := s.signaturesDir(v)
	if st, found, err := s.readState(dir, stateFile(v)); found {
		if err != nil {
			return hashid.ImageID{}, err
		}
		if err := os.Rename(dir+"/"+stateFile(v), dir+"/"+newStateFile(v)); err != nil {
			return hashid.ImageID{}, err
		}
		s.writing[key] = &state.Writing{ImageID: st.ImageID, Signatures: st.Signatures}
		return st.ImageID, nil
	} else if err != nil {
		return hashid.ImageID{}, err
	}
	if st, found, err := s.readState(dir, newStateFile(v)); found {
		if err != nil {
			return hashid.ImageID{}, err
		}
		s.writing[key] = &state.Writing{ImageID: st.ImageID, Signatures: st.Signatures}
		return st.ImageID, nil
	} else if err != nil {
		return hashid.ImageID{}, err
	}
	return hashid.ImageID{}, ErrResumeNoFile
}

// CommitDir promotes ".new.state" to ".state", the commit step the
// Content Fetching path invokes after a successful commit_image
// (spec.md §4.2, §4.9 step 5).
func (s *Store) CommitDir(v vpath.VPath) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := v.String()
	if _, ok := s.writing[key]; !ok {
		return fmt.Errorf("metadata: commit_dir: no in-progress write for %s", v)
	}
	dir := s.signaturesDir(v)
	if err := ensureDir(dir); err != nil {
		return err
	}
	if err := os.Rename(dir+"/"+newStateFile(v), dir+"/"+stateFile(v)); err != nil {
		return err
	}
	delete(s.writing, key)
	return nil
}

// RemoveState deletes v's committed ".state" file, the first step
// Cleanup/Retention takes against an unused entry before it asynchronously
// removes the directory tree itself (spec.md §4.11: "Deletion removes the
// .state file, then asynchronously the directory tree").
func (s *Store) RemoveState(v vpath.VPath) error {
	dir := s.signaturesDir(v)
	err := os.Remove(dir + "/" + stateFile(v))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// AbortDir removes ".new.state", the rollback step the Content Fetching
// path invokes on a checksum or filesystem failure (spec.md §4.9 step 4).
func (s *Store) AbortDir(v vpath.VPath) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := v.String()
	if _, ok := s.writing[key]; !ok {
		return fmt.Errorf("metadata: abort_dir: no in-progress write for %s", v)
	}
	dir := s.signaturesDir(v)
	err := os.Remove(dir + "/" + newStateFile(v))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	delete(s.writing, key)
	return nil
}
