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

package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/wsnotify/auth"
	"github.com/alwitt/wsnotify/broker"
	"github.com/alwitt/wsnotify/common"
	"github.com/alwitt/wsnotify/eventlog"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

type brokerHandlerTestFixture struct {
	uut         APIRestBrokerHandler
	memLog      *eventlog.InMemoryEventLog
	eventBroker broker.EventBroker
	teardown    func()
}

func setupBrokerHandlerTest(t *testing.T) brokerHandlerTestFixture {
	log.SetLevel(log.DebugLevel)
	ctxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}

	memLog := eventlog.GetInMemoryEventLog()
	eventBroker, err := broker.GetEventBroker(memLog, auth.GetOwnerOracle(), ctxt)
	assert.Nil(t, err)
	assert.Nil(t, eventBroker.Start(wg))

	authenticator := auth.GetStaticTokenAuthenticator([]common.AuthTokenEntry{
		{Token: "ut-admin-token", User: "ut-admin", Admin: true},
		{Token: "ut-user-token", User: "user-0001"},
	})
	brokerConfig := &common.BrokerServerConfig{
		HTTPSetting: common.HTTPConfig{
			Logging: common.HTTPRequestLogging{RequestIDHeader: "Wsnotify-Request-ID"},
		},
		Websocket: common.WebsocketConfig{
			SendQueueLen: 16, PingInterval: 10, ReadTimeout: 30, MaxMessageSize: 4096,
		},
	}

	uut, err := GetAPIRestBrokerHandler(
		authenticator, auth.GetOwnerOracle(), eventBroker, memLog, brokerConfig, ctxt, wg,
	)
	assert.Nil(t, err)

	return brokerHandlerTestFixture{
		uut:         uut,
		memLog:      memLog,
		eventBroker: eventBroker,
		teardown: func() {
			assert.Nil(t, eventBroker.Stop())
			cancel()
			wg.Wait()
		},
	}
}

func TestBrokerAPIHealth(t *testing.T) {
	assert := assert.New(t)

	fixture := setupBrokerHandlerTest(t)
	defer fixture.teardown()

	{
		req, err := http.NewRequest("GET", "/v1/admin/alive", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		fixture.uut.AliveHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	{
		req, err := http.NewRequest("GET", "/v1/admin/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		fixture.uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// A stopped dispatch loop fails readiness
	assert.Nil(fixture.eventBroker.Stop())
	{
		req, err := http.NewRequest("GET", "/v1/admin/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		fixture.uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusInternalServerError, respRecorder.Code)
	}
}

func TestBrokerAPIListEvents(t *testing.T) {
	assert := assert.New(t)

	fixture := setupBrokerHandlerTest(t)
	defer fixture.teardown()

	for itr := 1; itr <= 5; itr++ {
		fixture.memLog.Append(fmt.Sprintf("obj-%04d", itr), "wsnotify#human", "update", nil)
	}

	fetch := func(query string) *httptest.ResponseRecorder {
		req, err := http.NewRequest("GET", fmt.Sprintf("/v1/admin/events%s", query), nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		fixture.uut.ListEventsHandler().ServeHTTP(respRecorder, req)
		return respRecorder
	}

	// Credential checks
	assert.Equal(http.StatusUnauthorized, fetch("").Code)
	assert.Equal(http.StatusForbidden, fetch("?api_token=ut-user-token").Code)
	assert.Equal(http.StatusUnauthorized, fetch("?api_token=bogus").Code)

	// Parameter validation
	assert.Equal(http.StatusBadRequest, fetch("?api_token=ut-admin-token&limit=0").Code)
	assert.Equal(http.StatusBadRequest, fetch("?api_token=ut-admin-token&order=nope").Code)

	// Full listing
	{
		respRecorder := fetch("?api_token=ut-admin-token")
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp APIRestRespEventList
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.True(resp.Success)
		assert.Len(resp.Events, 5)
		assert.Equal(int64(1), resp.Events[0].Sequence)
	}

	// Windowed, reversed listing
	{
		respRecorder := fetch("?api_token=ut-admin-token&limit=2&order=sequence+desc")
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp APIRestRespEventList
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.Len(resp.Events, 2)
		assert.Equal(int64(5), resp.Events[0].Sequence)
		assert.Equal(int64(4), resp.Events[1].Sequence)
	}
}

func TestBrokerAPIWebsocket(t *testing.T) {
	assert := assert.New(t)

	fixture := setupBrokerHandlerTest(t)
	defer fixture.teardown()

	router := http.NewServeMux()
	router.HandleFunc("/websocket", fixture.uut.WebsocketHandler())
	srv := httptest.NewServer(router)
	defer srv.Close()
	wsBase := fmt.Sprintf("%s/websocket", strings.Replace(srv.URL, "http", "ws", 1))

	readMessage := func(conn *websocket.Conn) (map[string]interface{}, error) {
		assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second)))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		parsed := map[string]interface{}{}
		assert.Nil(json.Unmarshal(payload, &parsed))
		return parsed, nil
	}

	// An invalid credential gets one 401 then a clean close
	{
		conn, _, err := websocket.DefaultDialer.Dial(
			fmt.Sprintf("%s?api_token=bogus", wsBase), nil,
		)
		assert.Nil(err)
		reply, err := readMessage(conn)
		assert.Nil(err)
		assert.Equal(float64(401), reply["status"])
		_, err = readMessage(conn)
		assert.True(websocket.IsCloseError(err, websocket.CloseNormalClosure))
		assert.Nil(conn.Close())
	}

	// Subscribe and receive a push end to end
	{
		conn, _, err := websocket.DefaultDialer.Dial(
			fmt.Sprintf("%s?api_token=ut-admin-token", wsBase), nil,
		)
		assert.Nil(err)
		defer func() {
			assert.Nil(conn.Close())
		}()

		assert.Nil(conn.WriteMessage(websocket.TextMessage, []byte(
			`{"method":"subscribe","filters":[["object_uuid","is_a","wsnotify#human"]]}`,
		)))
		reply, err := readMessage(conn)
		assert.Nil(err)
		assert.Equal(float64(200), reply["status"])
		assert.Equal(float64(0), reply["filter_id"])

		appended := fixture.memLog.Append("human-0001", "wsnotify#human", "create", nil)
		push, err := readMessage(conn)
		assert.Nil(err)
		assert.Equal("human-0001", push["object_uuid"])
		assert.Equal(float64(appended.Sequence), push["sequence"])
	}
}
