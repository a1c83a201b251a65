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

package registry

import (
	"fmt"
	"sync"

	"github.com/alwitt/wsnotify/common"
	"github.com/alwitt/wsnotify/eventlog"
	"github.com/alwitt/wsnotify/filter"
	"github.com/apex/log"
)

// MaxFiltersPerConnection max number of live subscriptions one connection may hold
const MaxFiltersPerConnection = 16

// ErrCapacity returned by Add once a connection holds MaxFiltersPerConnection
// live subscriptions
var ErrCapacity = fmt.Errorf(
	"connection already holds %d subscriptions", MaxFiltersPerConnection,
)

// SubscriptionRegistry per-connection table of active filters. Mutation comes
// only from the owning session's request processing; reads also come from the
// broker's dispatch path.
type SubscriptionRegistry interface {
	// Add register a new filter, returning its connection-unique filter ID.
	// Fails with ErrCapacity at the per-connection cap.
	Add(newFilter filter.Filter) (int64, error)
	// Remove drop the subscription with the given filter ID. Returns false
	// if no such subscription currently exists.
	Remove(filterID int64) bool
	// MatchesAny whether any currently registered filter matches the event
	MatchesAny(event eventlog.Event) bool
	// Count the number of live subscriptions
	Count() int
	// Clear drop all subscriptions
	Clear()
}

// subscriptionRegistryImpl implements SubscriptionRegistry
type subscriptionRegistryImpl struct {
	common.Component
	lock          sync.RWMutex
	nextID        int64
	subscriptions map[int64]filter.Filter
}

// GetSubscriptionRegistry define a SubscriptionRegistry for one connection
func GetSubscriptionRegistry(session string) SubscriptionRegistry {
	logTags := log.Fields{
		"module": "registry", "component": "subscriptions", "session": session,
	}
	return &subscriptionRegistryImpl{
		Component:     common.Component{LogTags: logTags},
		nextID:        0,
		subscriptions: make(map[int64]filter.Filter),
	}
}

// Add register a new filter
func (r *subscriptionRegistryImpl) Add(newFilter filter.Filter) (int64, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if len(r.subscriptions) >= MaxFiltersPerConnection {
		return 0, ErrCapacity
	}
	// IDs are never reused within a connection's lifetime
	filterID := r.nextID
	r.nextID++
	r.subscriptions[filterID] = newFilter
	log.WithFields(r.LogTags).Debugf(
		"Registered filter %d with %d clauses", filterID, len(newFilter.Clauses),
	)
	return filterID, nil
}

// Remove drop one subscription
func (r *subscriptionRegistryImpl) Remove(filterID int64) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.subscriptions[filterID]; !ok {
		return false
	}
	delete(r.subscriptions, filterID)
	log.WithFields(r.LogTags).Debugf("Removed filter %d", filterID)
	return true
}

// MatchesAny whether any registered filter matches the event
func (r *subscriptionRegistryImpl) MatchesAny(event eventlog.Event) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for _, registered := range r.subscriptions {
		if registered.Matches(event) {
			return true
		}
	}
	return false
}

// Count the number of live subscriptions
func (r *subscriptionRegistryImpl) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.subscriptions)
}

// Clear drop all subscriptions
func (r *subscriptionRegistryImpl) Clear() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.subscriptions = make(map[int64]filter.Filter)
}
