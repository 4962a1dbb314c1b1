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

// Package wire implements the peer-peer and client-peer message
// protocol: binary CBOR frames carrying requests, responses, and
// fire-and-forget notifications over a long-lived connection (spec.md
// §4.5), grounded on original_source/src/proto/{message,request,mod}.rs.
package wire

import (
	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/sigs"
	"github.com/tailhook/ciruela/pkg/state"
	"github.com/tailhook/ciruela/pkg/vpath"
)

// Kind is the sentinel tag integer that disambiguates a Frame's shape,
// prefixed before the rest of the payload (spec.md §4.5: "Two sentinel
// tag integers prefix each message to disambiguate kind").
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindNotification
)

// Error tags, the fixed vocabulary a Response's error case carries
// (spec.md §4.5).
const (
	TagIndexNotFound         = "index_not_found"
	TagCantReadBlock         = "cant_read_block"
	TagUnexpectedTermination = "unexpected_termination"
	TagPathNotFound          = "path_not_found"
	TagDeadlineReached       = "deadline_reached"
)

// Request/notification/response type names, the Frame.Type discriminant.
const (
	TypeAppendDir        = "AppendDir"
	TypeReplaceDir       = "ReplaceDir"
	TypeGetIndex         = "GetIndex"
	TypeGetIndexAt       = "GetIndexAt"
	TypeGetBlock         = "GetBlock"
	TypeGetBaseDir       = "GetBaseDir"
	TypePublishImage     = "PublishImage"
	TypeReceivedImage    = "ReceivedImage"
	TypeAbortedImage     = "AbortedImage"
)

// AppendDir is the request body for an append-only upload announcement.
type AppendDir struct {
	_          struct{} `cbor:",toarray"`
	Path       vpath.VPath
	Image      hashid.ImageID
	Timestamp  uint64
	Signatures []sigs.Signature
}

// AppendDirAck is AppendDir's response body.
type AppendDirAck struct {
	_        struct{} `cbor:",toarray"`
	Accepted bool
}

// ReplaceDir is the request body for a replacing upload announcement.
type ReplaceDir struct {
	_          struct{} `cbor:",toarray"`
	Path       vpath.VPath
	Image      hashid.ImageID
	OldImage   *hashid.ImageID
	Timestamp  uint64
	Signatures []sigs.Signature
}

// ReplaceDirAck is ReplaceDir's response body.
type ReplaceDirAck struct {
	_        struct{} `cbor:",toarray"`
	Accepted bool
}

// GetIndex asks a peer for an image's index blob.
type GetIndex struct {
	_    struct{} `cbor:",toarray"`
	ID   hashid.ImageID
	Hint *vpath.VPath
}

// GetIndexResponse carries the raw index blob.
type GetIndexResponse struct {
	_    struct{} `cbor:",toarray"`
	Data []byte
}

// GetIndexAt asks a peer what image (if any) currently occupies path,
// and which hosts it knows can serve it.
type GetIndexAt struct {
	_    struct{} `cbor:",toarray"`
	Path vpath.VPath
}

// GetIndexAtResponse answers GetIndexAt.
type GetIndexAtResponse struct {
	_     struct{} `cbor:",toarray"`
	Data  []byte
	Hosts map[hashid.MachineID]string
}

// GetBlock asks a peer for one content block by hash.
type GetBlock struct {
	_    struct{} `cbor:",toarray"`
	Hash hashid.Hash
}

// GetBlockResponse carries the raw block bytes.
type GetBlockResponse struct {
	_    struct{} `cbor:",toarray"`
	Data []byte
}

// GetBaseDir asks a peer for its current view of a base directory, for
// reconciliation (spec.md §4.7).
type GetBaseDir struct {
	_    struct{} `cbor:",toarray"`
	Path vpath.VPath
}

// GetBaseDirResponse is GetBaseDir's response body.
type GetBaseDirResponse struct {
	_            struct{} `cbor:",toarray"`
	ConfigHash   hashid.Hash
	KeepListHash hashid.Hash
	Dirs         map[string]state.State
}

// PublishImage announces "I now have this image locally."
type PublishImage struct {
	_  struct{} `cbor:",toarray"`
	ID hashid.ImageID
}

// ReceivedImage announces a completed inbound transfer.
type ReceivedImage struct {
	_         struct{} `cbor:",toarray"`
	ID        hashid.ImageID
	Path      vpath.VPath
	MachineID hashid.MachineID
	Hostname  string
	Forwarded bool
}

// AbortedImage announces a failed inbound transfer.
type AbortedImage struct {
	_      struct{} `cbor:",toarray"`
	ID     hashid.ImageID
	Reason string
}
