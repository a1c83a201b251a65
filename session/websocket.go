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
	"sync"
	"time"

	"github.com/alwitt/wsnotify/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// websocketMessageConn implements MessageConn over a gorilla websocket
// connection. It owns the keepalive: pings on an interval, a read deadline
// refreshed by pongs, and a clean close handshake on teardown.
type websocketMessageConn struct {
	common.Component
	conn         *websocket.Conn
	pingInterval time.Duration
	readTimeout  time.Duration
	closeOnce    sync.Once
	stop         chan struct{}
}

// GetWebsocketMessageConn wrap one upgraded websocket connection
func GetWebsocketMessageConn(
	conn *websocket.Conn, wsConfig common.WebsocketConfig, sessionID string,
) MessageConn {
	logTags := log.Fields{
		"module": "session", "component": "websocket-conn", "session": sessionID,
	}
	instance := &websocketMessageConn{
		Component:    common.Component{LogTags: logTags},
		conn:         conn,
		pingInterval: time.Second * time.Duration(wsConfig.PingInterval),
		readTimeout:  time.Second * time.Duration(wsConfig.ReadTimeout),
		stop:         make(chan struct{}),
	}
	conn.SetReadLimit(wsConfig.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(instance.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(instance.readTimeout))
	})
	go instance.pingLoop()
	return instance
}

// pingLoop send keepalive pings until the connection closes. A peer which
// stops answering runs the read deadline out and fails the session's reader.
func (c *websocketMessageConn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.pingInterval)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.WithError(err).WithFields(c.LogTags).Debug("Keepalive ping failed")
				return
			}
		}
	}
}

// ReadMessage block for the next complete text message
func (c *websocketMessageConn) ReadMessage() ([]byte, error) {
	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

// WriteMessage send one complete text message
func (c *websocketMessageConn) WriteMessage(payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close perform the close handshake with a normal-closure status and release
// the connection. Idempotent.
func (c *websocketMessageConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		deadline := time.Now().Add(time.Second)
		if err := c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Close handshake write failed")
		}
		if err := c.conn.Close(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Connection close failed")
		}
	})
	return nil
}
