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

// Package syncutil provides small concurrency helpers shared by the
// daemon's components.
package syncutil

import "sync"

// Mutex is a sync.Mutex tagged with a name, used for the daemon's
// process-wide named locks (the "writing" mutex over in-flight uploads
// and the peer-table mutex — spec.md §5). The name
// exists purely for diagnostics; Lock/Unlock behave exactly like
// sync.Mutex.
type Mutex struct {
	mu   sync.Mutex
	Name string
}

// NewMutex returns a named, unlocked Mutex.
func NewMutex(name string) *Mutex {
	return &Mutex{Name: name}
}

func (m *Mutex) Lock()   { m.mu.Lock() }
func (m *Mutex) Unlock() { m.mu.Unlock() }
