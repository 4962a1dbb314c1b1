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

// Package vpath implements the virtual path addressing used to locate a
// directory within a configured base directory on every peer.
package vpath

import (
	"errors"
	"strings"
)

// VPath is an absolute, slash-separated logical path. Its first component
// selects a configured base directory (the "key"); the remaining
// components name nested directories within that key.
//
// VPath is a value type and may be compared with ==.
type VPath struct {
	// components never includes the leading empty string produced by
	// splitting "/a/b/c"; components[0] is the key.
	components string
}

var (
	ErrNotAbsolute    = errors.New("vpath: path must be absolute")
	ErrTooShort       = errors.New("vpath: path must have at least 2 components")
	ErrDotDot         = errors.New("vpath: path must not contain \"..\"")
	ErrEmptyComponent = errors.New("vpath: path must not contain empty components")
)

// Parse validates and constructs a VPath from an absolute string such as
// "/dir1/a/1".
func Parse(s string) (VPath, error) {
	if !strings.HasPrefix(s, "/") {
		return VPath{}, ErrNotAbsolute
	}
	trimmed := strings.Trim(s, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 || trimmed == "" {
		return VPath{}, ErrTooShort
	}
	for _, p := range parts {
		if p == "" {
			return VPath{}, ErrEmptyComponent
		}
		if p == ".." || p == "." {
			return VPath{}, ErrDotDot
		}
	}
	return VPath{components: strings.Join(parts, "/")}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// literal constants.
func MustParse(s string) VPath {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v VPath) parts() []string {
	if v.components == "" {
		return nil
	}
	return strings.Split(v.components, "/")
}

// String returns the absolute path form, e.g. "/dir1/a/1".
func (v VPath) String() string {
	return "/" + v.components
}

// Key returns the first component, the configured base directory name.
func (v VPath) Key() string {
	parts := v.parts()
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

// Level returns the number of components after the key.
func (v VPath) Level() int {
	parts := v.parts()
	if len(parts) == 0 {
		return 0
	}
	return len(parts) - 1
}

// Parent returns the VPath with the final component removed. If v has no
// components beyond the key, Parent returns v unchanged; on the zero
// VPath it panics.
func (v VPath) Parent() VPath {
	parts := v.parts()
	if len(parts) <= 1 {
		return VPath{components: parts[0]}
	}
	return VPath{components: strings.Join(parts[:len(parts)-1], "/")}
}

// ParentRel returns the path of the parent relative to the key, i.e. the
// directory layout suffix used under signatures/<key>/. For a VPath with
// Level() == 1, ParentRel returns "".
func (v VPath) ParentRel() string {
	parts := v.parts()
	if len(parts) <= 2 {
		return ""
	}
	return strings.Join(parts[1:len(parts)-1], "/")
}

// Suffix returns all components after the key, joined by "/".
func (v VPath) Suffix() string {
	parts := v.parts()
	if len(parts) <= 1 {
		return ""
	}
	return strings.Join(parts[1:], "/")
}

// FinalName returns the last path component.
func (v VPath) FinalName() string {
	parts := v.parts()
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// Join appends a single normal path component and returns the new VPath.
func (v VPath) Join(name string) (VPath, error) {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return VPath{}, ErrEmptyComponent
	}
	return VPath{components: v.components + "/" + name}, nil
}

// MarshalBinary and UnmarshalBinary carry a VPath through CBOR, which
// encodes a BinaryMarshaler as a byte string: the absolute path form, or
// an empty byte string for the zero VPath.
func (v VPath) MarshalBinary() ([]byte, error) {
	if v.components == "" {
		return nil, nil
	}
	return v.MarshalText()
}

func (v *VPath) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		*v = VPath{}
		return nil
	}
	return v.UnmarshalText(data)
}

// MarshalText and UnmarshalText give a VPath its textual representation.
func (v VPath) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *VPath) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
