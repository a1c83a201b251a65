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
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestInMemoryEventLogAppend(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := GetInMemoryEventLog()

	first := uut.Append("obj-0001", "wsnotify#human", "create", nil)
	second := uut.Append(
		"obj-0002", "wsnotify#specimen", "update", map[string]interface{}{"owner_uuid": "user-0001"},
	)
	assert.Equal(int64(1), first.Sequence)
	assert.Equal(int64(2), second.Sequence)

	owner, ok := second.Attribute("owner_uuid")
	assert.True(ok)
	assert.Equal("user-0001", owner)
	_, ok = second.Attribute("missing")
	assert.False(ok)
}

func TestInMemoryEventLogTail(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := GetInMemoryEventLog()

	// Events before the tail starts are not replayed
	uut.Append("obj-0000", "wsnotify#human", "create", nil)

	ctxt, cancel := context.WithCancel(context.Background())
	tail, err := uut.Tail(ctxt)
	assert.Nil(err)

	appended := uut.Append("obj-0001", "wsnotify#human", "create", nil)
	select {
	case event, ok := <-tail:
		assert.True(ok)
		assert.Equal(appended.Sequence, event.Sequence)
	case <-time.After(time.Second):
		assert.FailNow("tail delivered nothing")
	}

	// Cancelling the context closes the tail
	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-tail:
			if !ok {
				return
			}
		case <-deadline:
			assert.FailNow("tail channel never closed")
		}
	}
}

func TestInMemoryEventLogSince(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := GetInMemoryEventLog()
	ctxt := context.Background()

	for itr := 0; itr < 5; itr++ {
		assert.Nil(uut.Publish(ctxt, Event{
			ObjectUUID: "obj-0001", ObjectKind: "wsnotify#human", EventType: "update",
		}))
	}

	events, err := uut.Since(ctxt, 0)
	assert.Nil(err)
	assert.Len(events, 5)
	for idx, event := range events {
		assert.Equal(int64(idx+1), event.Sequence)
	}

	events, err = uut.Since(ctxt, 3)
	assert.Nil(err)
	assert.Len(events, 2)
	assert.Equal(int64(4), events[0].Sequence)
	assert.Equal(int64(5), events[1].Sequence)

	events, err = uut.Since(ctxt, 17)
	assert.Nil(err)
	assert.Empty(events)
}
