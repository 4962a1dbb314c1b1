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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/vpath"
)

func TestEncodeDecodeRequestRoundTrip(t *testing.T) {
	v := vpath.MustParse("/dir1/a/1")
	image := hashid.Sum([]byte("x"))
	body := AppendDir{Path: v, Image: image, Timestamp: 123}

	data, err := EncodeRequest(7, TypeAppendDir, body)
	if err != nil {
		t.Fatal(err)
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if f.Kind != KindRequest || f.Type != TypeAppendDir || f.ReqID != 7 {
		t.Fatalf("unexpected envelope %+v", f)
	}
	var got AppendDir
	if err := f.DecodePayload(&got); err != nil {
		t.Fatal(err)
	}
	if got.Path != v || got.Image != image || got.Timestamp != 123 {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestEncodeErrorResponseRoundTrip(t *testing.T) {
	data, err := EncodeErrorResponse(9, TypeGetIndex, TagIndexNotFound)
	if err != nil {
		t.Fatal(err)
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if !f.IsError() || f.ErrorTag != TagIndexNotFound {
		t.Fatalf("expected error frame, got %+v", f)
	}
}

func TestEncodeNotificationRoundTrip(t *testing.T) {
	id := hashid.Sum([]byte("img"))
	data, err := EncodeNotification(TypePublishImage, PublishImage{ID: id})
	if err != nil {
		t.Fatal(err)
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if f.Kind != KindNotification || f.Type != TypePublishImage {
		t.Fatalf("unexpected envelope %+v", f)
	}
	var got PublishImage
	if err := f.DecodePayload(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != id {
		t.Fatal("unexpected payload id")
	}
}

func TestRegistryResolveDeliversReply(t *testing.T) {
	r := NewRegistry()
	id := r.NewRequestID()

	data, err := EncodeResponse(id, TypeAppendDir, AppendDirAck{Accepted: true})
	if err != nil {
		t.Fatal(err)
	}
	reply, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		f, err := r.Await(context.Background(), id, time.Second)
		if err != nil {
			t.Error(err)
		}
		var ack AppendDirAck
		if err := f.DecodePayload(&ack); err != nil {
			t.Error(err)
		}
		if !ack.Accepted {
			t.Error("expected accepted ack")
		}
		close(done)
	}()

	// Give Await a moment to register its slot before resolving.
	time.Sleep(10 * time.Millisecond)
	if !r.Resolve(reply) {
		t.Fatal("expected Resolve to find the waiting slot")
	}
	<-done
}

func TestRegistryResolveUnsolicitedReturnsFalse(t *testing.T) {
	r := NewRegistry()
	data, err := EncodeResponse(999, TypeAppendDir, AppendDirAck{Accepted: true})
	if err != nil {
		t.Fatal(err)
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if r.Resolve(f) {
		t.Fatal("expected Resolve to report no waiter")
	}
}

func TestRegistryAwaitTimesOut(t *testing.T) {
	r := NewRegistry()
	id := r.NewRequestID()
	_, err := r.Await(context.Background(), id, 20*time.Millisecond)
	if !errors.Is(err, ErrUnexpectedTermination) {
		t.Fatalf("expected ErrUnexpectedTermination, got %v", err)
	}
}

func TestRegistryFailAllSignalsWaiters(t *testing.T) {
	r := NewRegistry()
	id := r.NewRequestID()
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Await(context.Background(), id, time.Second)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	r.FailAll()
	if err := <-errCh; !errors.Is(err, ErrUnexpectedTermination) {
		t.Fatalf("expected ErrUnexpectedTermination, got %v", err)
	}
}
