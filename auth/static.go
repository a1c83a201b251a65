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

package auth

import (
	"github.com/alwitt/wsnotify/common"
	"github.com/alwitt/wsnotify/eventlog"
	"github.com/apex/log"
)

// staticTokenAuthenticator implements Authenticator against a fixed token
// table from the config file. Meant for standalone deployments and testing.
type staticTokenAuthenticator struct {
	common.Component
	tokens map[string]Identity
}

// GetStaticTokenAuthenticator define an Authenticator from a static token table
func GetStaticTokenAuthenticator(entries []common.AuthTokenEntry) Authenticator {
	logTags := log.Fields{
		"module": "auth", "component": "static-token-authenticator",
	}
	tokens := make(map[string]Identity, len(entries))
	for _, entry := range entries {
		tokens[entry.Token] = Identity{User: entry.User, Admin: entry.Admin}
	}
	log.WithFields(logTags).Infof("Loaded %d token entries", len(tokens))
	return &staticTokenAuthenticator{
		Component: common.Component{LogTags: logTags},
		tokens:    tokens,
	}
}

// Authenticate resolve a token against the table
func (a *staticTokenAuthenticator) Authenticate(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	identity, ok := a.tokens[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return identity, nil
}

// ========================================================================================

// ownerOracle implements Oracle: admins see everything, other identities see
// only events whose affected object they own.
type ownerOracle struct{}

// GetOwnerOracle define the owner-based visibility Oracle
func GetOwnerOracle() Oracle {
	return &ownerOracle{}
}

// CanSee the visibility verdict for one (identity, event) pair
func (o *ownerOracle) CanSee(identity Identity, event eventlog.Event) bool {
	if identity.Anonymous {
		return false
	}
	if identity.Admin {
		return true
	}
	owner, ok := event.Attribute("owner_uuid")
	if !ok {
		return false
	}
	ownerStr, ok := owner.(string)
	if !ok {
		return false
	}
	return ownerStr == identity.User
}
