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
	"net/http"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/wsnotify/auth"
	"github.com/alwitt/wsnotify/broker"
	"github.com/alwitt/wsnotify/common"
	"github.com/alwitt/wsnotify/eventlog"
	"github.com/alwitt/wsnotify/listparams"
	"github.com/alwitt/wsnotify/session"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// APIRestBrokerHandler REST and websocket handler for the notification broker
type APIRestBrokerHandler struct {
	goutils.RestAPIHandler
	authenticator auth.Authenticator
	oracle        auth.Oracle
	eventBroker   broker.EventBroker
	eventLog      eventlog.EventLog
	wsConfig      common.WebsocketConfig
	upgrader      websocket.Upgrader
	// sessions started from the upgrade path outlive the HTTP request, so
	// they run against the server runtime context instead
	runtimeContext context.Context
	wg             *sync.WaitGroup
}

// GetAPIRestBrokerHandler define APIRestBrokerHandler
func GetAPIRestBrokerHandler(
	authenticator auth.Authenticator,
	oracle auth.Oracle,
	eventBroker broker.EventBroker,
	eventLog eventlog.EventLog,
	brokerConfig *common.BrokerServerConfig,
	runtimeContext context.Context,
	wg *sync.WaitGroup,
) (APIRestBrokerHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "event-broker",
	}
	return APIRestBrokerHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &brokerConfig.HTTPSetting.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range brokerConfig.HTTPSetting.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		authenticator: authenticator,
		oracle:        oracle,
		eventBroker:   eventBroker,
		eventLog:      eventLog,
		wsConfig:      brokerConfig.Websocket,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		runtimeContext: runtimeContext,
		wg:             wg,
	}, nil
}

// =======================================================================
// Websocket endpoint

// Websocket godoc
// @Summary Event notification subscription endpoint
// @Description Upgrades the connection to a websocket session. The client
// authenticates with the api_token query parameter, then registers event
// filters and receives matching events as they are appended.
// @tags Broker
// @Param api_token query string false "API token resolved during the handshake"
// @Success 101 {string} string "protocol switch"
// @Failure 400 {string} string "error"
// @Router /websocket [get]
func (h APIRestBrokerHandler) Websocket(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	token := r.URL.Query().Get("api_token")

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request on failure
		log.WithError(err).WithFields(localLogTags).Info("Websocket upgrade failed")
		return
	}
	connID := uuid.New().String()
	msgConn := session.GetWebsocketMessageConn(wsConn, h.wsConfig, connID)

	newSession, err := session.GetConnectionSession(
		msgConn,
		token,
		h.authenticator,
		h.oracle,
		h.eventBroker,
		h.eventLog,
		h.wsConfig,
		h.runtimeContext,
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define session")
		_ = msgConn.Close()
		return
	}
	// A failed start already answered and closed the connection
	if err := newSession.Start(h.wg); err != nil {
		log.WithError(err).WithFields(localLogTags).Info("Session refused")
	}
}

// WebsocketHandler Wrapper around Websocket
func (h APIRestBrokerHandler) WebsocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Websocket(w, r)
	}
}

// =======================================================================
// Event listing

// APIRestRespEventList response for listing recent events
type APIRestRespEventList struct {
	goutils.RestAPIBaseResponse
	// Events the listed events in requested order
	Events []eventlog.Event `json:"events"`
}

// ListEvents godoc
// @Summary List recent events
// @Description Query the recent entries of the event log. Requires an admin
// API token. Listing is shaped by limit, offset, order, and distinct query
// parameters.
// @tags Broker
// @Produce json
// @Param Wsnotify-Request-ID header string false "User provided request ID to match against logs"
// @Param api_token query string true "Admin API token"
// @Param limit query int false "Max entries returned (1 to 1000)"
// @Param offset query int false "Ordered entries skipped"
// @Param order query string false "Ordering: column with optional asc / desc"
// @Param distinct query bool false "Drop repeated entries"
// @Success 200 {object} APIRestRespEventList "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Wsnotify-Request-ID "Request ID to match against logs"
// @Router /v1/admin/events [get]
func (h APIRestBrokerHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	identity, err := h.authenticator.Authenticate(r.URL.Query().Get("api_token"))
	if err != nil {
		msg := "Not authorized"
		log.WithError(err).WithFields(localLogTags).Info(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error())
		return
	}
	if !identity.Admin {
		msg := "Admin token required"
		log.WithFields(localLogTags).Info(msg)
		respCode = http.StatusForbidden
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusForbidden, msg, msg)
		return
	}

	params, err := listparams.ParseQuery(r.URL.Query())
	if err != nil {
		msg := "Bad listing parameters"
		log.WithError(err).WithFields(localLogTags).Info(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	events, err := h.eventLog.Since(r.Context(), 0)
	if err != nil {
		msg := "Unable to read the event log"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespEventList{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Events: params.Apply(events),
	}
}

// ListEventsHandler Wrapper around ListEvents
func (h APIRestBrokerHandler) ListEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListEvents(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For broker REST API liveness check
// @Description Will return success to indicate broker REST API module is live
// @tags Broker
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/alive [get]
func (h APIRestBrokerHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestBrokerHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For broker REST API readiness check
// @Description Will return success if the broker dispatch loop is responsive
// @tags Broker
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/ready [get]
func (h APIRestBrokerHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if _, err := h.eventBroker.LiveSessions(r.Context()); err != nil {
		msg := "not ready"
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
	} else {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestBrokerHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
