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
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/wsnotify/auth"
	"github.com/alwitt/wsnotify/broker"
	"github.com/alwitt/wsnotify/common"
	"github.com/alwitt/wsnotify/eventlog"
	"github.com/alwitt/wsnotify/filter"
	"github.com/alwitt/wsnotify/registry"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// MessageConn one bidirectional message transport under a session. The
// gorilla websocket adapter implements this; tests substitute an in-process
// fake.
type MessageConn interface {
	// ReadMessage block for the next complete inbound message
	ReadMessage() ([]byte, error)
	// WriteMessage send one complete outbound message
	WriteMessage(payload []byte) error
	// Close tear the transport down. Idempotent.
	Close() error
}

// SessionState connection session lifecycle state
type SessionState int32

// Connection session lifecycle states
const (
	StateConnecting SessionState = iota
	StateAuthenticating
	StateReady
	StateClosing
	StateClosed
)

// String implements Stringer
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateReady:
		return "READY"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// ConnectionSession one client connection: the serial request processing
// path, the merged outbound path, and membership in the broker's live set
type ConnectionSession interface {
	broker.SessionTarget
	// Start authenticate the handshake credential and begin operation. On an
	// invalid credential the client receives one 401 status message, the
	// transport closes cleanly, and the credential error is returned.
	Start(wg *sync.WaitGroup) error
	// State the current lifecycle state
	State() SessionState
}

// connectionSessionImpl implements ConnectionSession
type connectionSessionImpl struct {
	common.Component
	id            string
	token         string
	identity      auth.Identity
	conn          MessageConn
	authenticator auth.Authenticator
	oracle        auth.Oracle
	broker        broker.EventBroker
	eventLog      eventlog.EventLog
	subscriptions registry.SubscriptionRegistry
	// deliveries is the broker-facing intake; a full intake is the
	// backpressure signal
	deliveries chan eventlog.Event
	// outbound merges control responses and event pushes toward the transport
	outbound       chan []byte
	replayRequests chan int64
	// pendingReplay is touched only by the request loop goroutine
	pendingReplay *int64
	// replayBarrier counts catch-up requests registered with dispatch but not
	// yet replayed. While non-zero the pump holds live deliveries back, since
	// one may already carry an event the pending replay scan also covers.
	replayBarrier int32
	// lastDelivered is touched only by the outbound pump goroutine
	lastDelivered    int64
	state            int32
	closeOnce        sync.Once
	operationContext context.Context
	contextCancel    context.CancelFunc
}

// GetConnectionSession define a session around one accepted transport
func GetConnectionSession(
	conn MessageConn,
	token string,
	authenticator auth.Authenticator,
	oracle auth.Oracle,
	eventBroker broker.EventBroker,
	eventLog eventlog.EventLog,
	wsConfig common.WebsocketConfig,
	ctxt context.Context,
) (ConnectionSession, error) {
	sessionID := uuid.New().String()
	logTags := log.Fields{
		"module": "session", "component": "connection-session", "session": sessionID,
	}
	optCtxt, cancel := context.WithCancel(ctxt)
	return &connectionSessionImpl{
		Component:        common.Component{LogTags: logTags},
		id:               sessionID,
		token:            token,
		conn:             conn,
		authenticator:    authenticator,
		oracle:           oracle,
		broker:           eventBroker,
		eventLog:         eventLog,
		subscriptions:    registry.GetSubscriptionRegistry(sessionID),
		deliveries:       make(chan eventlog.Event, wsConfig.SendQueueLen),
		outbound:         make(chan []byte, wsConfig.SendQueueLen),
		replayRequests:   make(chan int64, registry.MaxFiltersPerConnection),
		state:            int32(StateConnecting),
		operationContext: optCtxt,
		contextCancel:    cancel,
	}, nil
}

// State the current lifecycle state
func (s *connectionSessionImpl) State() SessionState {
	return SessionState(atomic.LoadInt32(&s.state))
}

func (s *connectionSessionImpl) setState(newState SessionState) {
	atomic.StoreInt32(&s.state, int32(newState))
}

// Start authenticate the handshake credential and begin operation
func (s *connectionSessionImpl) Start(wg *sync.WaitGroup) error {
	s.setState(StateAuthenticating)
	identity, err := s.authenticator.Authenticate(s.token)
	if err != nil {
		log.WithFields(s.LogTags).Info("Rejecting connection with invalid credential")
		_ = s.conn.WriteMessage(
			encodeResponse(respondError(http.StatusUnauthorized, "not authorized")),
		)
		_ = s.conn.Close()
		s.contextCancel()
		s.setState(StateClosed)
		return err
	}
	s.identity = identity
	s.setState(StateReady)

	if err := s.broker.RegisterSession(s, s.operationContext); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to join the live set")
		_ = s.conn.Close()
		s.contextCancel()
		s.setState(StateClosed)
		return err
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		s.requestLoop()
	}()
	go func() {
		defer wg.Done()
		s.outboundPump()
	}()
	go func() {
		defer wg.Done()
		s.writerLoop()
	}()
	log.WithFields(s.LogTags).Infof("Session started for user %s", identity.User)
	return nil
}

// ========================================================================================
// Broker facing

// SessionID connection-unique session instance ID
func (s *connectionSessionImpl) SessionID() string {
	return s.id
}

// SessionIdentity the identity resolved during the handshake
func (s *connectionSessionImpl) SessionIdentity() auth.Identity {
	return s.identity
}

// MatchesEvent whether any of the session's registered filters matches
func (s *connectionSessionImpl) MatchesEvent(event eventlog.Event) bool {
	return s.subscriptions.MatchesAny(event)
}

// DeliverEvent hand one event to the outbound path without blocking. An
// error signals the session can not keep up.
func (s *connectionSessionImpl) DeliverEvent(event eventlog.Event) error {
	select {
	case <-s.operationContext.Done():
		return fmt.Errorf("session %s already stopped", s.id)
	case s.deliveries <- event:
		return nil
	default:
		return fmt.Errorf("session %s delivery queue full", s.id)
	}
}

// StopSession request session teardown. Idempotent; safe from any goroutine.
func (s *connectionSessionImpl) StopSession(reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		log.WithFields(s.LogTags).Infof("Closing session: %s", reason)
		s.contextCancel()
		_ = s.conn.Close()
		s.subscriptions.Clear()
		unregCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		if err := s.broker.UnregisterSession(s.id, unregCtxt); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to leave the live set")
		}
		s.setState(StateClosed)
	})
}

// ========================================================================================
// Serial request processing

// requestLoop read and answer client control messages one at a time
func (s *connectionSessionImpl) requestLoop() {
	defer log.WithFields(s.LogTags).Debug("Request loop exiting")
	for {
		payload, err := s.conn.ReadMessage()
		if err != nil {
			if s.State() == StateReady {
				log.WithError(err).WithFields(s.LogTags).Info("Transport read ended")
				s.StopSession("transport read ended")
			}
			return
		}
		if !s.queueOutbound(encodeResponse(s.processRequest(payload))) {
			return
		}
		if s.pendingReplay != nil {
			// Trigger catch-up only after the acknowledgment is queued, so
			// replayed events never precede the subscribe response
			select {
			case s.replayRequests <- *s.pendingReplay:
			case <-s.operationContext.Done():
				return
			}
			s.pendingReplay = nil
		}
	}
}

func (s *connectionSessionImpl) processRequest(payload []byte) statusResponse {
	var request clientRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Unparsable client message")
		return respondError(http.StatusBadRequest, "malformed request")
	}
	switch request.Method {
	case MethodSubscribe:
		return s.processSubscribe(request)
	case MethodUnsubscribe:
		return s.processUnsubscribe(request)
	default:
		return respondError(http.StatusBadRequest, "unknown method")
	}
}

// processSubscribe register one new subscription. The clause list is taken
// as a conjunction; a connection widens coverage by subscribing again.
func (s *connectionSessionImpl) processSubscribe(request clientRequest) statusResponse {
	if s.identity.Anonymous {
		return respondError(http.StatusUnauthorized, "not authorized")
	}
	if request.LastLogID != nil {
		// Raise the barrier before the filter becomes visible to dispatch.
		// A matching event can land in the delivery queue ahead of the
		// catch-up request; the pump must not emit it until the replay scan
		// has gone out.
		atomic.AddInt32(&s.replayBarrier, 1)
	}
	filterID, err := s.subscriptions.Add(filter.ParseFilter(request.Filters))
	if err != nil {
		if request.LastLogID != nil {
			atomic.AddInt32(&s.replayBarrier, -1)
		}
		log.WithError(err).WithFields(s.LogTags).Info("Refusing subscription")
		return respondError(http.StatusForbidden, "filter capacity reached")
	}
	if request.LastLogID != nil {
		// The filter is already visible to dispatch at this point, so the
		// replay scan and the live stream overlap rather than gap
		s.pendingReplay = request.LastLogID
	}
	return respondOK(filterID)
}

func (s *connectionSessionImpl) processUnsubscribe(request clientRequest) statusResponse {
	if request.FilterID == nil {
		return respondError(http.StatusBadRequest, "filter_id required")
	}
	if !s.subscriptions.Remove(*request.FilterID) {
		return respondError(http.StatusNotFound, "no such filter")
	}
	return respondOK(*request.FilterID)
}

// ========================================================================================
// Outbound path

// outboundPump order catch-up replays and live deliveries onto the outbound
// queue. Running replay and live push on one goroutine keeps lastDelivered
// single-writer.
func (s *connectionSessionImpl) outboundPump() {
	defer log.WithFields(s.LogTags).Debug("Outbound pump exiting")
	for {
		select {
		case <-s.operationContext.Done():
			return
		case fromSeq := <-s.replayRequests:
			s.runReplay(fromSeq)
		case event := <-s.deliveries:
			// Any catch-up registered before this delivery was queued goes
			// out first, or the seam duplicates and reorders
			for atomic.LoadInt32(&s.replayBarrier) > 0 {
				select {
				case <-s.operationContext.Done():
					return
				case fromSeq := <-s.replayRequests:
					s.runReplay(fromSeq)
				}
			}
			s.pushLiveEvent(event)
		}
	}
}

func (s *connectionSessionImpl) runReplay(fromSeq int64) {
	s.replayEvents(fromSeq)
	atomic.AddInt32(&s.replayBarrier, -1)
}

// replayEvents push the matching, authorized events after fromSeq up to the
// current log tail. The scan boundary raises lastDelivered, so live copies
// of replayed events already waiting in the delivery queue are dropped
// instead of sent twice.
func (s *connectionSessionImpl) replayEvents(fromSeq int64) {
	events, err := s.eventLog.Since(s.operationContext, fromSeq)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Catch-up read after %d failed", fromSeq)
		return
	}
	scanned := s.lastDelivered
	sent := 0
	for _, event := range events {
		if event.Sequence > scanned {
			scanned = event.Sequence
		}
		if !s.subscriptions.MatchesAny(event) {
			continue
		}
		if !s.oracle.CanSee(s.identity, event) {
			continue
		}
		if !s.emitEvent(event) {
			return
		}
		sent++
	}
	s.lastDelivered = scanned
	log.WithFields(s.LogTags).Infof(
		"Caught up from %d: scanned %d events, sent %d", fromSeq, len(events), sent,
	)
}

func (s *connectionSessionImpl) pushLiveEvent(event eventlog.Event) {
	if event.Sequence <= s.lastDelivered {
		return
	}
	if !s.emitEvent(event) {
		return
	}
	s.lastDelivered = event.Sequence
}

func (s *connectionSessionImpl) emitEvent(event eventlog.Event) bool {
	encoded, err := encodeEventPush(event)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to encode event %d", event.Sequence,
		)
		return true
	}
	return s.queueOutbound(encoded)
}

// queueOutbound place one encoded message on the outbound queue. Returns
// false once the session is stopping.
func (s *connectionSessionImpl) queueOutbound(payload []byte) bool {
	select {
	case s.outbound <- payload:
		return true
	case <-s.operationContext.Done():
		return false
	}
}

// writerLoop drain the outbound queue into the transport
func (s *connectionSessionImpl) writerLoop() {
	defer log.WithFields(s.LogTags).Debug("Writer loop exiting")
	for {
		select {
		case <-s.operationContext.Done():
			return
		case payload := <-s.outbound:
			if err := s.conn.WriteMessage(payload); err != nil {
				log.WithError(err).WithFields(s.LogTags).Info("Transport write ended")
				s.StopSession("transport write ended")
				return
			}
		}
	}
}
