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
	"fmt"

	"github.com/alwitt/wsnotify/eventlog"
)

// ErrInvalidToken returned when a presented credential resolves to no identity
var ErrInvalidToken = fmt.Errorf("credential resolves to no known identity")

// Identity the resolved identity behind one connection
type Identity struct {
	// User the identity name
	User string
	// Admin marks identities which may see every event
	Admin bool
	// Anonymous marks a connection which presented no credential but was
	// still allowed through the handshake
	Anonymous bool
}

// Authenticator resolve a handshake credential into an Identity.
//
// Credential issuance itself is out of scope; implementations only map an
// already-issued token onto an identity.
type Authenticator interface {
	Authenticate(token string) (Identity, error)
}

// Oracle per (subscriber, event) visibility predicate. The policy logic
// lives outside the broker core; the broker only consults the verdict.
type Oracle interface {
	CanSee(identity Identity, event eventlog.Event) bool
}
