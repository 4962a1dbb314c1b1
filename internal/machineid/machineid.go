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

// Package machineid reads this host's persistent identifier from
// /etc/machine-id, grounded on original_source/src/daemon/machine_id.rs.
package machineid

import (
	"fmt"
	"os"
	"strings"

	"github.com/tailhook/ciruela/pkg/hashid"
)

// Path is the well-known systemd machine-id file every Linux host carries.
const Path = "/etc/machine-id"

// Read loads and parses /etc/machine-id into a hashid.MachineID. The file
// is 32 hex characters, optionally followed by a trailing newline.
func Read() (hashid.MachineID, error) {
	return ReadFile(Path)
}

// ReadFile is like Read but from an arbitrary path, for tests and for
// callers running under a container that mounts the host's machine-id
// somewhere else.
func ReadFile(path string) (hashid.MachineID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return hashid.MachineID{}, fmt.Errorf("machineid: reading %s: %w", path, err)
	}
	id, err := hashid.ParseMachineID(strings.TrimSpace(string(data)))
	if err != nil {
		return hashid.MachineID{}, fmt.Errorf("machineid: parsing %s: %w", path, err)
	}
	return id, nil
}
