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

package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Event Stream Related Config

// EventStreamConfig defines where the broker reads the domain event log from
type EventStreamConfig struct {
	// Stream is the JetStream stream holding the event log
	Stream string `mapstructure:"stream" json:"stream" validate:"required"`
	// Subject is the JetStream subject events are appended under
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Websocket Related Config

// WebsocketConfig defines per-connection websocket session parameters
type WebsocketConfig struct {
	// SendQueueLen is the per-session outbound message queue depth. A session
	// whose queue overflows is disconnected instead of stalling the broker.
	SendQueueLen int `mapstructure:"send_queue_len" json:"send_queue_len" validate:"gte=1"`
	// PingInterval is the keepalive ping interval in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// ReadTimeout is the max duration in seconds without traffic (including
	// pong replies) before a connection is considered dead
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=1"`
	// MaxMessageSize is the max inbound message size in bytes
	MaxMessageSize int64 `mapstructure:"max_message_size" json:"max_message_size" validate:"gte=64"`
}

// ===============================================================================
// Authentication Related Config

// AuthTokenEntry defines one acceptable API token and its resolved identity
type AuthTokenEntry struct {
	// Token is the API token presented during the websocket handshake
	Token string `mapstructure:"token" json:"token" validate:"required"`
	// User is the identity the token resolves to
	User string `mapstructure:"user" json:"user" validate:"required"`
	// Admin marks identities which may see every event
	Admin bool `mapstructure:"admin" json:"admin"`
}

// AuthConfig defines the static token table for the standalone deployment
type AuthConfig struct {
	// Tokens is the list of acceptable API tokens
	Tokens []AuthTokenEntry `mapstructure:"tokens" json:"tokens" validate:"omitempty,dive"`
}

// ===============================================================================
// Broker Server Related Config

// BrokerEndpointConfig defines broker API endpoint config
type BrokerEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the broker APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// BrokerServerConfig defines configuration for the broker API server
type BrokerServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the broker API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the broker API server
	Endpoints BrokerEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Websocket is the per-connection session parameters
	Websocket WebsocketConfig `mapstructure:"websocket" json:"websocket" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the broker server
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// EventStream is the event log source config
	EventStream EventStreamConfig `mapstructure:"event_stream" json:"event_stream" validate:"required,dive"`
	// Auth is the static token table
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"omitempty,dive"`
	// Broker are the broker API server configs
	Broker *BrokerServerConfig `mapstructure:"broker,omitempty" json:"broker,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default event stream settings
	viper.SetDefault("event_stream.stream", "domain-events")
	viper.SetDefault("event_stream.subject", "events.log")

	// Default broker server settings
	viper.SetDefault("broker.endpoint_config.path_prefix", "/")
	viper.SetDefault("broker.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("broker.api_server.server_config.listen_port", 3002)
	viper.SetDefault("broker.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("broker.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("broker.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"broker.api_server.logging_config.request_id_header", "Wsnotify-Request-ID",
	)
	viper.SetDefault(
		"broker.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("broker.websocket.send_queue_len", 64)
	viper.SetDefault("broker.websocket.ping_interval_sec", 10)
	viper.SetDefault("broker.websocket.read_timeout_sec", 30)
	viper.SetDefault("broker.websocket.max_message_size", 4096)
}
