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
	"encoding/json"
	"fmt"

	"github.com/alwitt/wsnotify/common"
	"github.com/alwitt/wsnotify/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// jetStreamEventLog implements EventLog on top of a NATS JetStream stream.
// The JetStream stream sequence number is the event sequence number.
type jetStreamEventLog struct {
	common.Component
	nats    *core.NatsClient
	stream  string
	subject string
}

// GetJetStreamEventLog define an EventLog backed by a JetStream stream
func GetJetStreamEventLog(
	natsClient *core.NatsClient, stream, subject string,
) (EventLog, error) {
	logTags := log.Fields{
		"module":    "eventlog",
		"component": "jetstream-eventlog",
		"stream":    stream,
		"subject":   subject,
	}
	// Verify the stream exists up front
	if _, err := natsClient.JetStream().StreamInfo(stream); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to read stream %s", stream)
		return nil, err
	}
	return &jetStreamEventLog{
		Component: common.Component{LogTags: logTags},
		nats:      natsClient,
		stream:    stream,
		subject:   subject,
	}, nil
}

// parseEventMsg convert a JetStream message into an Event
func (l *jetStreamEventLog) parseEventMsg(msg *nats.Msg) (Event, error) {
	meta, err := msg.Metadata()
	if err != nil {
		return Event{}, err
	}
	var event Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return Event{}, err
	}
	event.Sequence = int64(meta.Sequence.Stream)
	return event, nil
}

// Tail follow events newly appended to the log
func (l *jetStreamEventLog) Tail(ctxt context.Context) (<-chan Event, error) {
	output := make(chan Event, 64)
	sub, err := l.nats.JetStream().Subscribe(
		l.subject,
		func(msg *nats.Msg) {
			event, err := l.parseEventMsg(msg)
			if err != nil {
				log.WithError(err).WithFields(l.LogTags).Error("Discarding unparsable event")
				return
			}
			select {
			case output <- event:
			case <-ctxt.Done():
			}
		},
		nats.OrderedConsumer(),
		nats.DeliverNew(),
	)
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf(
			"Unable to subscribe for %s", l.subject,
		)
		return nil, err
	}
	go func() {
		<-ctxt.Done()
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(l.LogTags).Error("Tail unsubscribe failed")
		}
		close(output)
	}()
	return output, nil
}

// Since fetch the events with sequence in (fromSeq, current tail]
func (l *jetStreamEventLog) Since(ctxt context.Context, fromSeq int64) ([]Event, error) {
	if fromSeq < 0 {
		// fromSeq is client supplied; a negative value would wrap the
		// unsigned consumer start sequence
		fromSeq = 0
	}
	info, err := l.nats.JetStream().StreamInfo(l.stream)
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf("Unable to read stream %s", l.stream)
		return nil, err
	}
	tailSeq := int64(info.State.LastSeq)
	if tailSeq <= fromSeq {
		return nil, nil
	}

	sub, err := l.nats.JetStream().SubscribeSync(
		l.subject,
		nats.OrderedConsumer(),
		nats.StartSequence(uint64(fromSeq+1)),
	)
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf(
			"Unable to replay %s from %d", l.subject, fromSeq,
		)
		return nil, err
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(l.LogTags).Error("Replay unsubscribe failed")
		}
	}()

	var events []Event
	for {
		msg, err := sub.NextMsgWithContext(ctxt)
		if err != nil {
			return nil, fmt.Errorf("replay of %s halted: %w", l.subject, err)
		}
		event, err := l.parseEventMsg(msg)
		if err != nil {
			log.WithError(err).WithFields(l.LogTags).Error("Discarding unparsable event")
			continue
		}
		if event.Sequence > fromSeq {
			events = append(events, event)
		}
		if event.Sequence >= tailSeq {
			break
		}
	}
	return events, nil
}

// ========================================================================================

// jetStreamEventPublisher implements EventPublisher against a JetStream subject
type jetStreamEventPublisher struct {
	common.Component
	nats    *core.NatsClient
	subject string
}

// GetJetStreamEventPublisher define an EventPublisher for a JetStream subject
func GetJetStreamEventPublisher(
	natsClient *core.NatsClient, subject string,
) (EventPublisher, error) {
	logTags := log.Fields{
		"module":    "eventlog",
		"component": "jetstream-publisher",
		"subject":   subject,
	}
	return &jetStreamEventPublisher{
		Component: common.Component{LogTags: logTags},
		nats:      natsClient,
		subject:   subject,
	}, nil
}

// Publish append one event to the log
func (p *jetStreamEventPublisher) Publish(ctxt context.Context, event Event) error {
	payload, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Error("Unable to serialize event")
		return err
	}
	if _, err := p.nats.JetStream().Publish(
		p.subject, payload, nats.Context(ctxt),
	); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Failed to publish on %s", p.subject)
		return err
	}
	return nil
}
