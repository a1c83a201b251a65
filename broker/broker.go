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

package broker

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/alwitt/wsnotify/auth"
	"github.com/alwitt/wsnotify/common"
	"github.com/alwitt/wsnotify/eventlog"
	"github.com/apex/log"
)

// SessionTarget is one live connection session as seen by the broker
type SessionTarget interface {
	// SessionID connection-unique session instance ID
	SessionID() string
	// SessionIdentity the identity resolved during the handshake
	SessionIdentity() auth.Identity
	// MatchesEvent whether any of the session's registered filters matches
	MatchesEvent(event eventlog.Event) bool
	// DeliverEvent hand one event to the session's outbound path. Must not
	// block; an error means the session is not keeping up.
	DeliverEvent(event eventlog.Event) error
	// StopSession request asynchronous session teardown
	StopSession(reason string)
}

// EventBroker process-wide fan-out point between the event log tail and the
// live connection sessions
type EventBroker interface {
	// Start begin observing the event log tail
	Start(wg *sync.WaitGroup) error
	// RegisterSession add a session to the live delivery set
	RegisterSession(target SessionTarget, ctxt context.Context) error
	// UnregisterSession remove a session from the live delivery set. Removing
	// an unknown session is a no-op.
	UnregisterSession(sessionID string, ctxt context.Context) error
	// LiveSessions the current size of the live delivery set
	LiveSessions(ctxt context.Context) (int, error)
	// Stop halt all broker operation
	Stop() error
}

// eventBrokerImpl implements EventBroker. All live-set mutation and event
// dispatch run on one task processor loop, so no event is ever fanned out
// concurrently with a connect or disconnect.
type eventBrokerImpl struct {
	common.Component
	eventLog         eventlog.EventLog
	oracle           auth.Oracle
	tp               common.TaskProcessor
	liveSessions     map[string]SessionTarget
	operationContext context.Context
	contextCancel    context.CancelFunc
}

// GetEventBroker define a new event broker
func GetEventBroker(
	eventLog eventlog.EventLog, oracle auth.Oracle, ctxt context.Context,
) (EventBroker, error) {
	logTags := log.Fields{
		"module": "broker", "component": "event-broker",
	}
	optCtxt, cancel := context.WithCancel(ctxt)
	tp, err := common.GetNewTaskProcessorInstance("event-broker", 256, optCtxt)
	if err != nil {
		cancel()
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance := eventBrokerImpl{
		Component:        common.Component{LogTags: logTags},
		eventLog:         eventLog,
		oracle:           oracle,
		tp:               tp,
		liveSessions:     make(map[string]SessionTarget),
		operationContext: optCtxt,
		contextCancel:    cancel,
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(brokerRegisterReq{}), instance.processRegisterRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(brokerUnregisterReq{}), instance.processUnregisterRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(brokerDispatchReq{}), instance.processDispatchRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(brokerLiveSessionsReq{}), instance.processLiveSessionsRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// Start begin observing the event log tail
func (b *eventBrokerImpl) Start(wg *sync.WaitGroup) error {
	if err := b.tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to start task processor")
		return err
	}
	tail, err := b.eventLog.Tail(b.operationContext)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to tail the event log")
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(b.LogTags).Info("Event tail reader exiting")
		for {
			select {
			case <-b.operationContext.Done():
				return
			case event, ok := <-tail:
				if !ok {
					return
				}
				if err := b.tp.Submit(brokerDispatchReq{event: event}, b.operationContext); err != nil {
					log.WithError(err).WithFields(b.LogTags).Errorf(
						"Failed to submit event %d for dispatch", event.Sequence,
					)
					return
				}
			}
		}
	}()
	log.WithFields(b.LogTags).Info("Started event broker")
	return nil
}

// Stop halt all broker operation
func (b *eventBrokerImpl) Stop() error {
	b.contextCancel()
	return b.tp.StopEventLoop()
}

// ----------------------------------------------------------------------------------------

type brokerRegisterReq struct {
	target   SessionTarget
	resultCB func(error)
}

// RegisterSession add a session to the live delivery set
func (b *eventBrokerImpl) RegisterSession(target SessionTarget, ctxt context.Context) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	if err := b.tp.Submit(brokerRegisterReq{target: target, resultCB: handler}, ctxt); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Failed to submit register request for session %s", target.SessionID(),
		)
		return err
	}

	select {
	case <-complete:
	case <-ctxt.Done():
		return ctxt.Err()
	}
	return processError
}

func (b *eventBrokerImpl) processRegisterRequest(param interface{}) error {
	request, ok := param.(brokerRegisterReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session register", reflect.TypeOf(param),
		)
	}
	err := b.ProcessRegisterRequest(request.target)
	request.resultCB(err)
	return err
}

// ProcessRegisterRequest add a session to the live delivery set
func (b *eventBrokerImpl) ProcessRegisterRequest(target SessionTarget) error {
	sessionID := target.SessionID()
	if _, ok := b.liveSessions[sessionID]; ok {
		return fmt.Errorf("session %s is already registered", sessionID)
	}
	b.liveSessions[sessionID] = target
	log.WithFields(b.LogTags).Infof(
		"Session %s joined the live set. %d sessions live", sessionID, len(b.liveSessions),
	)
	return nil
}

// ----------------------------------------------------------------------------------------

type brokerUnregisterReq struct {
	sessionID string
	resultCB  func(error)
}

// UnregisterSession remove a session from the live delivery set
func (b *eventBrokerImpl) UnregisterSession(sessionID string, ctxt context.Context) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	if err := b.tp.Submit(brokerUnregisterReq{sessionID: sessionID, resultCB: handler}, ctxt); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Failed to submit unregister request for session %s", sessionID,
		)
		return err
	}

	select {
	case <-complete:
	case <-ctxt.Done():
		return ctxt.Err()
	}
	return processError
}

func (b *eventBrokerImpl) processUnregisterRequest(param interface{}) error {
	request, ok := param.(brokerUnregisterReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session unregister", reflect.TypeOf(param),
		)
	}
	err := b.ProcessUnregisterRequest(request.sessionID)
	request.resultCB(err)
	return err
}

// ProcessUnregisterRequest remove a session from the live delivery set. Idempotent.
func (b *eventBrokerImpl) ProcessUnregisterRequest(sessionID string) error {
	if _, ok := b.liveSessions[sessionID]; !ok {
		return nil
	}
	delete(b.liveSessions, sessionID)
	log.WithFields(b.LogTags).Infof(
		"Session %s left the live set. %d sessions live", sessionID, len(b.liveSessions),
	)
	return nil
}

// ----------------------------------------------------------------------------------------

type brokerDispatchReq struct {
	event eventlog.Event
}

func (b *eventBrokerImpl) processDispatchRequest(param interface{}) error {
	request, ok := param.(brokerDispatchReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for event dispatch", reflect.TypeOf(param),
		)
	}
	return b.ProcessDispatchRequest(request.event)
}

// ProcessDispatchRequest fan one event out to every matching, authorized
// session. Each session receives the event at most once regardless of how
// many of its filters matched. A session which can not absorb the delivery
// is dropped from the live set and torn down, so one slow reader never
// stalls delivery to the others.
func (b *eventBrokerImpl) ProcessDispatchRequest(event eventlog.Event) error {
	for sessionID, target := range b.liveSessions {
		if !target.MatchesEvent(event) {
			continue
		}
		if !b.oracle.CanSee(target.SessionIdentity(), event) {
			log.WithFields(b.LogTags).Debugf(
				"Suppressing event %d for session %s", event.Sequence, sessionID,
			)
			continue
		}
		if err := target.DeliverEvent(event); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Session %s is not keeping up. Disconnecting", sessionID,
			)
			delete(b.liveSessions, sessionID)
			go target.StopSession("backpressure")
		}
	}
	return nil
}

// ----------------------------------------------------------------------------------------

type brokerLiveSessionsReq struct {
	resultCB func(int)
}

// LiveSessions the current size of the live delivery set
func (b *eventBrokerImpl) LiveSessions(ctxt context.Context) (int, error) {
	complete := make(chan bool, 1)
	var count int
	handler := func(result int) {
		count = result
		complete <- true
	}

	if err := b.tp.Submit(brokerLiveSessionsReq{resultCB: handler}, ctxt); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to submit live-sessions request")
		return 0, err
	}

	select {
	case <-complete:
	case <-ctxt.Done():
		return 0, ctxt.Err()
	}
	return count, nil
}

func (b *eventBrokerImpl) processLiveSessionsRequest(param interface{}) error {
	request, ok := param.(brokerLiveSessionsReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for live-sessions query", reflect.TypeOf(param),
		)
	}
	request.resultCB(len(b.liveSessions))
	return nil
}
