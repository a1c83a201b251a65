// Copyright 2022 The wsnotify Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventlog

import (
	"context"
	"time"
)

// Event one immutable entry of the append-only domain event log
type Event struct {
	// Sequence is the strictly increasing sequence number assigned at append time
	Sequence int64 `json:"sequence" validate:"required"`
	// ObjectUUID is the opaque ID of the affected domain object
	ObjectUUID string `json:"object_uuid" validate:"required"`
	// ObjectKind is the kind tag of the affected domain object
	ObjectKind string `json:"object_kind"`
	// EventType is the logical event kind, e.g. "create" or "update"
	EventType string `json:"event_type"`
	// EventAt is the append timestamp
	EventAt time.Time `json:"event_at"`
	// Properties is the open attribute bag used during filter matching
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// Attribute look up a named event attribute for filter matching. The fixed
// columns take precedence over the open attribute bag.
func (e Event) Attribute(name string) (interface{}, bool) {
	switch name {
	case "sequence":
		return e.Sequence, true
	case "object_uuid":
		return e.ObjectUUID, true
	case "object_kind":
		return e.ObjectKind, true
	case "event_type":
		return e.EventType, true
	}
	val, ok := e.Properties[name]
	return val, ok
}

// EventLog read-only view of the append-only event log
type EventLog interface {
	// Tail follow events newly appended to the log. The returned channel is
	// closed when the context ends.
	Tail(ctxt context.Context) (<-chan Event, error)
	// Since fetch, in increasing sequence order, the events with sequence in
	// (fromSeq, current tail] at the time of the call
	Since(ctxt context.Context, fromSeq int64) ([]Event, error)
}

// EventPublisher append new events to the log. Only used by support tooling;
// the broker itself never appends.
type EventPublisher interface {
	Publish(ctxt context.Context, event Event) error
}
