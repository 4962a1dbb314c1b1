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

package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Frame is the on-the-wire envelope every binary websocket message is
// encoded as: a CBOR array of (kind, type, req_id, error_tag, payload). A
// failed response sets ErrorTag and carries no payload (spec.md §4.5).
type Frame struct {
	_       struct{} `cbor:",toarray"`
	Kind    Kind
	Type    string
	ReqID   uint64
	ErrorTag string
	Payload cbor.RawMessage
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func encodePayload(v interface{}) (cbor.RawMessage, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, err
	}
	return cbor.RawMessage(data), nil
}

// EncodeRequest builds a binary frame for an outbound request.
func EncodeRequest(reqID uint64, typeName string, payload interface{}) ([]byte, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encode request %s: %w", typeName, err)
	}
	return encMode.Marshal(Frame{Kind: KindRequest, Type: typeName, ReqID: reqID, Payload: raw})
}

// EncodeResponse builds a binary frame for a successful response.
func EncodeResponse(reqID uint64, typeName string, payload interface{}) ([]byte, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encode response %s: %w", typeName, err)
	}
	return encMode.Marshal(Frame{Kind: KindResponse, Type: typeName, ReqID: reqID, Payload: raw})
}

// EncodeErrorResponse builds a binary frame for a failed response,
// carrying one of the fixed error tags instead of a payload.
func EncodeErrorResponse(reqID uint64, typeName, errTag string) ([]byte, error) {
	return encMode.Marshal(Frame{Kind: KindResponse, Type: typeName, ReqID: reqID, ErrorTag: errTag})
}

// EncodeNotification builds a binary frame for a fire-and-forget
// notification.
func EncodeNotification(typeName string, payload interface{}) ([]byte, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encode notification %s: %w", typeName, err)
	}
	return encMode.Marshal(Frame{Kind: KindNotification, Type: typeName, Payload: raw})
}

// Decode parses a binary frame's envelope. Callers then unmarshal
// f.Payload into the concrete type matching f.Type (empty when
// f.ErrorTag is set).
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("wire: decode frame: %w", err)
	}
	return &f, nil
}

// DecodePayload unmarshals f's payload into v.
func (f *Frame) DecodePayload(v interface{}) error {
	return cbor.Unmarshal(f.Payload, v)
}

// IsError reports whether this frame is a failed response.
func (f *Frame) IsError() bool {
	return f.Kind == KindResponse && f.ErrorTag != ""
}
