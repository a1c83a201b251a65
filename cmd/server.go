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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/wsnotify/apis"
	"github.com/alwitt/wsnotify/auth"
	"github.com/alwitt/wsnotify/broker"
	"github.com/alwitt/wsnotify/common"
	"github.com/alwitt/wsnotify/eventlog"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// brokerStatsReportInterval how often the live-session count is logged
const brokerStatsReportInterval = time.Minute

// accessLogger io.Writer bridge feeding HTTP access log lines into apex
type accessLogger struct {
	common.Component
}

func (l accessLogger) Write(p []byte) (n int, err error) {
	log.WithFields(l.LogTags).Infof("%s", p)
	return len(p), nil
}

// RunBrokerServer run the websocket notification broker server
func RunBrokerServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	eventLog eventlog.EventLog,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "broker-server",
		"instance":  instance,
	}

	authenticator := auth.GetStaticTokenAuthenticator(config.Auth.Tokens)
	oracle := auth.GetOwnerOracle()

	eventBroker, err := broker.GetEventBroker(eventLog, oracle, runtimeContext)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event broker")
		return err
	}
	if err := eventBroker.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event broker")
		return err
	}

	httpHandler, err := apis.GetAPIRestBrokerHandler(
		authenticator, oracle, eventBroker, eventLog, config.Broker, runtimeContext, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Periodic operational stats

	statsTimer, err := common.GetIntervalTimerInstance("broker-stats", runtimeContext, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define stats timer")
		return err
	}
	if err := statsTimer.Start(brokerStatsReportInterval, func() error {
		ctxt, cancel := context.WithTimeout(runtimeContext, time.Second*5)
		defer cancel()
		liveSessions, err := eventBroker.LiveSessions(ctxt)
		if err != nil {
			return err
		}
		log.WithFields(logTags).Infof("Serving %d live sessions", liveSessions)
		return nil
	}, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start stats timer")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Broker.Endpoints.PathPrefix, nil)

	// Subscription endpoint
	_ = apis.RegisterPathPrefix(mainRouter, "/websocket", map[string]http.HandlerFunc{
		"get": httpHandler.WebsocketHandler(),
	})

	// Admin listing
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/admin/events", map[string]http.HandlerFunc{
		"get": httpHandler.ListEventsHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/admin/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/admin/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	requestLogger := accessLogger{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "cmd", "component": "broker-server-access", "instance": instance,
			},
		},
	}
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(requestLogger, next)
	})

	serverConfig := config.Broker.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverConfig.ListenOn, serverConfig.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverConfig.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverConfig.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverConfig.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	if err := statsTimer.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during stats timer shutdown")
	}
	if err := eventBroker.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during event broker shutdown")
	}

	return nil
}
