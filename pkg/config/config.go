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

// Package config defines the configuration shapes the daemon consumes.
// Loading them from disk — YAML per-base-dir files, SSH public key files,
// the peers list, and CLI flags — is out of scope (spec.md §1); these
// structs are simply what that external loader is presumed to produce.
package config

import (
	"time"

	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/sigs"
)

// Directory is the per-base-dir configuration loaded from
// /etc/ciruela/<key>.yaml (spec.md §6).
type Directory struct {
	Directory           string
	AppendOnly          bool
	NumLevels           int
	UploadKeys          []string
	DownloadKeys        []string
	AutoClean           bool
	KeepListFile        string
	KeepMinDirectories  int
	KeepMaxDirectories  int
	KeepRecent          time.Duration
}

// Cluster is the whole daemon configuration: every configured base
// directory, keyed by its VPath "key" component, plus the always-trusted
// master keys.
type Cluster struct {
	Dirs       map[string]*Directory
	MasterKeys []sigs.PublicKey
}

// UploadKeysFor returns the keys allowed to authorize an upload to the
// named base directory: its configured upload_keys plus the cluster's
// master keys (spec.md §4.1: "upload_keys ∪ master keys").
func (c *Cluster) UploadKeysFor(key string, resolved map[string][]sigs.PublicKey) []sigs.PublicKey {
	out := append([]sigs.PublicKey{}, c.MasterKeys...)
	out = append(out, resolved[key]...)
	return out
}

// Daemon holds the daemon-level settings read from CLI flags (spec.md
// §6: --config-base-dir, --db-dir, --host, --port, --max-connections,
// --peers, --cantal).
type Daemon struct {
	ConfigBaseDir  string
	DBDir          string
	Host           string
	Port           int
	MaxConnections int
	PeersFile      string
	Cantal         bool
	MachineID      hashid.MachineID
}

// DefaultPort is the default TCP/UDP port (spec.md §6).
const DefaultPort = 24783

// DefaultDBDir is the default metadata root (spec.md §6).
const DefaultDBDir = "/var/lib/ciruela"

// DefaultConfigBaseDir is the default per-base-dir config root (spec.md §6).
const DefaultConfigBaseDir = "/etc/ciruela"
