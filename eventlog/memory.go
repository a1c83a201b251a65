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
	"sync"
	"time"

	"github.com/alwitt/wsnotify/common"
	"github.com/apex/log"
)

// InMemoryEventLog implements EventLog with an in-process slice. It backs
// unit tests and single-process deployments without a JetStream cluster.
type InMemoryEventLog struct {
	common.Component
	lock      sync.Mutex
	events    []Event
	nextSeq   int64
	tails     map[int]chan Event
	tailIDSeq int
}

// GetInMemoryEventLog define an in-process EventLog
func GetInMemoryEventLog() *InMemoryEventLog {
	logTags := log.Fields{
		"module": "eventlog", "component": "in-memory-eventlog",
	}
	return &InMemoryEventLog{
		Component: common.Component{LogTags: logTags},
		events:    nil,
		nextSeq:   1,
		tails:     make(map[int]chan Event),
	}
}

// Append add one event to the log, assigning the next sequence number, and
// forward it to every active tail
func (l *InMemoryEventLog) Append(
	objectUUID, objectKind, eventType string, properties map[string]interface{},
) Event {
	l.lock.Lock()
	defer l.lock.Unlock()
	event := Event{
		Sequence:   l.nextSeq,
		ObjectUUID: objectUUID,
		ObjectKind: objectKind,
		EventType:  eventType,
		EventAt:    time.Now().UTC(),
		Properties: properties,
	}
	l.nextSeq++
	l.events = append(l.events, event)
	for tailID, tail := range l.tails {
		select {
		case tail <- event:
		default:
			log.WithFields(l.LogTags).Errorf(
				"Tail %d is not keeping up. Discarding event %d", tailID, event.Sequence,
			)
		}
	}
	return event
}

// Publish implements EventPublisher against the in-process log. The event's
// sequence number is ignored; the log assigns its own.
func (l *InMemoryEventLog) Publish(ctxt context.Context, event Event) error {
	l.Append(event.ObjectUUID, event.ObjectKind, event.EventType, event.Properties)
	return nil
}

// Tail follow events newly appended to the log
func (l *InMemoryEventLog) Tail(ctxt context.Context) (<-chan Event, error) {
	l.lock.Lock()
	tailID := l.tailIDSeq
	l.tailIDSeq++
	tail := make(chan Event, 256)
	l.tails[tailID] = tail
	l.lock.Unlock()
	go func() {
		<-ctxt.Done()
		l.lock.Lock()
		delete(l.tails, tailID)
		l.lock.Unlock()
		close(tail)
	}()
	return tail, nil
}

// Since fetch the events with sequence in (fromSeq, current tail]
func (l *InMemoryEventLog) Since(ctxt context.Context, fromSeq int64) ([]Event, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	var result []Event
	for _, event := range l.events {
		if event.Sequence > fromSeq {
			result = append(result, event)
		}
	}
	return result, nil
}
