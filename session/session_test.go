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

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/wsnotify/auth"
	"github.com/alwitt/wsnotify/broker"
	"github.com/alwitt/wsnotify/common"
	"github.com/alwitt/wsnotify/eventlog"
	"github.com/alwitt/wsnotify/registry"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// mockMessageConn in-process MessageConn double
type mockMessageConn struct {
	inbound   chan []byte
	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newMockMessageConn() *mockMessageConn {
	return &mockMessageConn{
		inbound:  make(chan []byte, 16),
		outbound: make(chan []byte, 128),
		closed:   make(chan struct{}),
	}
}

func (m *mockMessageConn) ReadMessage() ([]byte, error) {
	select {
	case payload := <-m.inbound:
		return payload, nil
	case <-m.closed:
		return nil, fmt.Errorf("connection closed")
	}
}

func (m *mockMessageConn) WriteMessage(payload []byte) error {
	select {
	case <-m.closed:
		return fmt.Errorf("connection closed")
	default:
	}
	m.outbound <- payload
	return nil
}

func (m *mockMessageConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockMessageConn) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *mockMessageConn) send(t *testing.T, request string) {
	select {
	case m.inbound <- []byte(request):
	case <-time.After(time.Second):
		t.Fatalf("session never read the request")
	}
}

func (m *mockMessageConn) nextMessage(t *testing.T) map[string]interface{} {
	select {
	case payload := <-m.outbound:
		parsed := map[string]interface{}{}
		if err := json.Unmarshal(payload, &parsed); err != nil {
			t.Fatalf("unparsable outbound message %s: %s", payload, err)
		}
		return parsed
	case <-time.After(time.Second):
		t.Fatalf("no outbound message")
	}
	return nil
}

func (m *mockMessageConn) expectSilence(t *testing.T, window time.Duration) {
	select {
	case payload := <-m.outbound:
		t.Fatalf("unexpected outbound message %s", payload)
	case <-time.After(window):
	}
}

// anonymousAuthenticator lets every credential through as anonymous
type anonymousAuthenticator struct{}

func (a *anonymousAuthenticator) Authenticate(token string) (auth.Identity, error) {
	return auth.Identity{Anonymous: true}, nil
}

type sessionTestFixture struct {
	conn        *mockMessageConn
	uut         ConnectionSession
	memLog      *eventlog.InMemoryEventLog
	eventBroker broker.EventBroker
	teardown    func()
}

// awaitDispatchIdle wait until every event already appended has been through
// the broker's dispatch loop
func (f sessionTestFixture) awaitDispatchIdle(t *testing.T) {
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := f.eventBroker.LiveSessions(ctxt); err != nil {
		t.Fatalf("broker dispatch loop unresponsive: %s", err)
	}
}

func setupSessionTest(
	t *testing.T, authenticator auth.Authenticator, token string,
) sessionTestFixture {
	log.SetLevel(log.DebugLevel)
	ctxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}

	memLog := eventlog.GetInMemoryEventLog()
	eventBroker, err := broker.GetEventBroker(memLog, auth.GetOwnerOracle(), ctxt)
	assert.Nil(t, err)
	assert.Nil(t, eventBroker.Start(wg))

	conn := newMockMessageConn()
	wsConfig := common.WebsocketConfig{
		SendQueueLen: 16, PingInterval: 10, ReadTimeout: 30, MaxMessageSize: 4096,
	}
	uut, err := GetConnectionSession(
		conn, token, authenticator, auth.GetOwnerOracle(), eventBroker, memLog, wsConfig, ctxt,
	)
	assert.Nil(t, err)

	return sessionTestFixture{
		conn:        conn,
		uut:         uut,
		memLog:      memLog,
		eventBroker: eventBroker,
		teardown: func() {
			uut.StopSession("test complete")
			assert.Nil(t, eventBroker.Stop())
			cancel()
			wg.Wait()
		},
	}
}

func adminAuthenticator() auth.Authenticator {
	return auth.GetStaticTokenAuthenticator([]common.AuthTokenEntry{
		{Token: "ut-admin-token", User: "ut-admin", Admin: true},
		{Token: "ut-user-token", User: "user-0001"},
	})
}

func TestSessionInvalidCredential(t *testing.T) {
	assert := assert.New(t)

	fixture := setupSessionTest(t, adminAuthenticator(), "no-such-token")
	defer fixture.teardown()

	wg := &sync.WaitGroup{}
	err := fixture.uut.Start(wg)
	assert.ErrorIs(err, auth.ErrInvalidToken)

	// One 401 status message, then a clean transport close
	reply := fixture.conn.nextMessage(t)
	assert.Equal(float64(401), reply["status"])
	assert.True(fixture.conn.isClosed())
	assert.Equal(StateClosed, fixture.uut.State())
	wg.Wait()
}

func TestSessionAnonymousSubscribe(t *testing.T) {
	assert := assert.New(t)

	fixture := setupSessionTest(t, &anonymousAuthenticator{}, "")
	defer fixture.teardown()

	wg := &sync.WaitGroup{}
	assert.Nil(fixture.uut.Start(wg))
	assert.Equal(StateReady, fixture.uut.State())

	fixture.conn.send(t, `{"method":"subscribe"}`)
	reply := fixture.conn.nextMessage(t)
	assert.Equal(float64(401), reply["status"])
}

func TestSessionSubscribeAndPush(t *testing.T) {
	assert := assert.New(t)

	fixture := setupSessionTest(t, adminAuthenticator(), "ut-admin-token")
	defer fixture.teardown()

	wg := &sync.WaitGroup{}
	assert.Nil(fixture.uut.Start(wg))

	// No subscriptions yet, events pass the session by
	fixture.memLog.Append("human-0000", "wsnotify#human", "create", nil)
	fixture.conn.expectSilence(t, time.Millisecond*100)

	fixture.conn.send(t, `{"method":"subscribe","filters":[["object_uuid","is_a","wsnotify#human"]]}`)
	reply := fixture.conn.nextMessage(t)
	assert.Equal(float64(200), reply["status"])
	assert.Equal(float64(0), reply["filter_id"])

	appended := fixture.memLog.Append("human-0001", "wsnotify#human", "create", nil)
	push := fixture.conn.nextMessage(t)
	_, hasStatus := push["status"]
	assert.False(hasStatus)
	assert.Equal("human-0001", push["object_uuid"])
	assert.Equal(float64(appended.Sequence), push["sequence"])

	// Non-matching events stay suppressed
	fixture.memLog.Append("specimen-0001", "wsnotify#specimen", "create", nil)
	fixture.conn.expectSilence(t, time.Millisecond*100)

	// Another subscription gets the next filter ID
	fixture.conn.send(t, `{"method":"subscribe","filters":[["event_type","=","delete"]]}`)
	reply = fixture.conn.nextMessage(t)
	assert.Equal(float64(200), reply["status"])
	assert.Equal(float64(1), reply["filter_id"])
}

func TestSessionRequestValidation(t *testing.T) {
	assert := assert.New(t)

	fixture := setupSessionTest(t, adminAuthenticator(), "ut-admin-token")
	defer fixture.teardown()

	wg := &sync.WaitGroup{}
	assert.Nil(fixture.uut.Start(wg))

	fixture.conn.send(t, `not even json`)
	assert.Equal(float64(400), fixture.conn.nextMessage(t)["status"])

	fixture.conn.send(t, `{"method":"frobnicate"}`)
	assert.Equal(float64(400), fixture.conn.nextMessage(t)["status"])

	fixture.conn.send(t, `{"method":"unsubscribe"}`)
	assert.Equal(float64(400), fixture.conn.nextMessage(t)["status"])

	fixture.conn.send(t, `{"method":"unsubscribe","filter_id":42}`)
	assert.Equal(float64(404), fixture.conn.nextMessage(t)["status"])
}

func TestSessionSubscribeLimit(t *testing.T) {
	assert := assert.New(t)

	fixture := setupSessionTest(t, adminAuthenticator(), "ut-admin-token")
	defer fixture.teardown()

	wg := &sync.WaitGroup{}
	assert.Nil(fixture.uut.Start(wg))

	for itr := 0; itr < registry.MaxFiltersPerConnection; itr++ {
		fixture.conn.send(t, `{"method":"subscribe"}`)
		reply := fixture.conn.nextMessage(t)
		assert.Equal(float64(200), reply["status"])
		assert.Equal(float64(itr), reply["filter_id"])
	}

	fixture.conn.send(t, `{"method":"subscribe"}`)
	reply := fixture.conn.nextMessage(t)
	assert.Equal(float64(403), reply["status"])

	// Earlier subscriptions survive the refusal
	fixture.conn.send(t, `{"method":"unsubscribe","filter_id":3}`)
	assert.Equal(float64(200), fixture.conn.nextMessage(t)["status"])
}

func TestSessionUnsubscribeStopsPushes(t *testing.T) {
	assert := assert.New(t)

	fixture := setupSessionTest(t, adminAuthenticator(), "ut-admin-token")
	defer fixture.teardown()

	wg := &sync.WaitGroup{}
	assert.Nil(fixture.uut.Start(wg))

	fixture.conn.send(t, `{"method":"subscribe","filters":[["object_uuid","is_a","wsnotify#human"]]}`)
	reply := fixture.conn.nextMessage(t)
	assert.Equal(float64(200), reply["status"])
	filterID := int64(reply["filter_id"].(float64))

	fixture.memLog.Append("human-0001", "wsnotify#human", "create", nil)
	assert.Equal("human-0001", fixture.conn.nextMessage(t)["object_uuid"])

	fixture.conn.send(t, fmt.Sprintf(`{"method":"unsubscribe","filter_id":%d}`, filterID))
	assert.Equal(float64(200), fixture.conn.nextMessage(t)["status"])

	fixture.memLog.Append("human-0002", "wsnotify#human", "create", nil)
	fixture.conn.expectSilence(t, time.Millisecond*100)
}

func TestSessionCatchUpReplay(t *testing.T) {
	assert := assert.New(t)

	fixture := setupSessionTest(t, adminAuthenticator(), "ut-admin-token")
	defer fixture.teardown()

	wg := &sync.WaitGroup{}
	assert.Nil(fixture.uut.Start(wg))

	for itr := 1; itr <= 3; itr++ {
		fixture.memLog.Append(fmt.Sprintf("human-%04d", itr), "wsnotify#human", "create", nil)
	}
	fixture.awaitDispatchIdle(t)

	fixture.conn.send(
		t, `{"method":"subscribe","filters":[["object_uuid","is_a","wsnotify#human"]],"last_log_id":1}`,
	)
	reply := fixture.conn.nextMessage(t)
	assert.Equal(float64(200), reply["status"])

	// Replay covers (1, tail], then the live stream continues without a
	// duplicate at the seam
	assert.Equal(float64(2), fixture.conn.nextMessage(t)["sequence"])
	assert.Equal(float64(3), fixture.conn.nextMessage(t)["sequence"])

	fixture.memLog.Append("human-0004", "wsnotify#human", "create", nil)
	assert.Equal(float64(4), fixture.conn.nextMessage(t)["sequence"])
	fixture.conn.expectSilence(t, time.Millisecond*100)
}

func TestSessionReplayOrderingUnderConcurrentDelivery(t *testing.T) {
	assert := assert.New(t)

	fixture := setupSessionTest(t, adminAuthenticator(), "ut-admin-token")
	defer fixture.teardown()

	wg := &sync.WaitGroup{}
	assert.Nil(fixture.uut.Start(wg))

	for itr := 1; itr <= 2; itr++ {
		fixture.memLog.Append(fmt.Sprintf("human-%04d", itr), "wsnotify#human", "create", nil)
	}
	fixture.awaitDispatchIdle(t)

	// Register the subscription directly to hold the window open between the
	// filter becoming visible to dispatch and the catch-up request reaching
	// the outbound pump
	uutImpl, ok := fixture.uut.(*connectionSessionImpl)
	assert.True(ok)
	fromSeq := int64(0)
	reply := uutImpl.processSubscribe(clientRequest{
		Method:    MethodSubscribe,
		Filters:   [][]interface{}{{"object_uuid", "is_a", "wsnotify#human"}},
		LastLogID: &fromSeq,
	})
	assert.Equal(200, reply.Status)

	// A matching event lands live inside that window
	fixture.memLog.Append("human-0003", "wsnotify#human", "create", nil)
	fixture.awaitDispatchIdle(t)
	time.Sleep(time.Millisecond * 50)

	// The catch-up request arrives last
	uutImpl.replayRequests <- fromSeq

	// Each sequence exactly once, in increasing order. The live copy of the
	// third event must not precede, or duplicate, the replayed stream.
	for seq := 1; seq <= 3; seq++ {
		assert.Equal(float64(seq), fixture.conn.nextMessage(t)["sequence"])
	}
	fixture.conn.expectSilence(t, time.Millisecond*100)
}

func TestSessionCatchUpFromNegativeSequence(t *testing.T) {
	assert := assert.New(t)

	fixture := setupSessionTest(t, adminAuthenticator(), "ut-admin-token")
	defer fixture.teardown()

	wg := &sync.WaitGroup{}
	assert.Nil(fixture.uut.Start(wg))

	for itr := 1; itr <= 2; itr++ {
		fixture.memLog.Append(fmt.Sprintf("human-%04d", itr), "wsnotify#human", "create", nil)
	}
	fixture.awaitDispatchIdle(t)

	// A negative sequence reads as "everything": full replay, then live
	fixture.conn.send(
		t, `{"method":"subscribe","filters":[["object_uuid","is_a","wsnotify#human"]],"last_log_id":-7}`,
	)
	reply := fixture.conn.nextMessage(t)
	assert.Equal(float64(200), reply["status"])

	assert.Equal(float64(1), fixture.conn.nextMessage(t)["sequence"])
	assert.Equal(float64(2), fixture.conn.nextMessage(t)["sequence"])

	fixture.memLog.Append("human-0003", "wsnotify#human", "create", nil)
	assert.Equal(float64(3), fixture.conn.nextMessage(t)["sequence"])
}

func TestSessionVisibilitySuppression(t *testing.T) {
	assert := assert.New(t)

	fixture := setupSessionTest(t, adminAuthenticator(), "ut-user-token")
	defer fixture.teardown()

	wg := &sync.WaitGroup{}
	assert.Nil(fixture.uut.Start(wg))

	fixture.conn.send(t, `{"method":"subscribe","filters":[["object_uuid","is_a","wsnotify#human"]]}`)
	assert.Equal(float64(200), fixture.conn.nextMessage(t)["status"])

	// Matching but owned by someone else
	fixture.memLog.Append(
		"human-0001", "wsnotify#human", "create", map[string]interface{}{"owner_uuid": "user-0002"},
	)
	fixture.conn.expectSilence(t, time.Millisecond*100)

	fixture.memLog.Append(
		"human-0002", "wsnotify#human", "create", map[string]interface{}{"owner_uuid": "user-0001"},
	)
	assert.Equal("human-0002", fixture.conn.nextMessage(t)["object_uuid"])
}
