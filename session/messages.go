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
	"encoding/json"
	"net/http"

	"github.com/alwitt/wsnotify/eventlog"
)

// Client request method names
const (
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
)

// clientRequest one decoded client control message
type clientRequest struct {
	Method    string          `json:"method"`
	Filters   [][]interface{} `json:"filters,omitempty"`
	LastLogID *int64          `json:"last_log_id,omitempty"`
	FilterID  *int64          `json:"filter_id,omitempty"`
}

// statusResponse the reply to one client control message. Event pushes never
// carry a status field, so its presence discriminates the two outbound shapes.
type statusResponse struct {
	Status   int    `json:"status"`
	FilterID *int64 `json:"filter_id,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func respondOK(filterID int64) statusResponse {
	return statusResponse{Status: http.StatusOK, FilterID: &filterID}
}

func respondError(status int, detail string) statusResponse {
	return statusResponse{Status: status, Detail: detail}
}

func encodeResponse(response statusResponse) []byte {
	// The response shape marshals unconditionally
	encoded, _ := json.Marshal(&response)
	return encoded
}

func encodeEventPush(event eventlog.Event) ([]byte, error) {
	return json.Marshal(&event)
}
