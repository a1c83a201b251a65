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

package listparams

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/alwitt/wsnotify/eventlog"
	"github.com/go-playground/validator/v10"
)

// List bounds
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Orderable event columns
const (
	OrderBySequence = "sequence"
	OrderByEventAt  = "event_at"
)

// ListParams one validated, explicit set of event listing parameters. Always
// built through Default / ParseQuery; handlers never read raw query values.
type ListParams struct {
	// Limit is the max number of entries returned
	Limit int `json:"limit" validate:"gte=1,lte=1000"`
	// Offset is the number of ordered entries skipped
	Offset int `json:"offset" validate:"gte=0"`
	// OrderBy is the ordering column
	OrderBy string `json:"order_by" validate:"oneof=sequence event_at"`
	// Descending reverses the ordering
	Descending bool `json:"descending"`
	// Distinct drops repeated entries from the listing
	Distinct bool `json:"distinct"`
}

// Default the listing parameters when a query names none
func Default() ListParams {
	return ListParams{Limit: DefaultLimit, Offset: 0, OrderBy: OrderBySequence}
}

// ParseQuery build listing parameters from URL query values, starting from
// the defaults. Out-of-bound or unknown values fail the parse; they are
// never silently clamped.
func ParseQuery(query url.Values) (ListParams, error) {
	params := Default()
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return params, fmt.Errorf("limit %s is not an integer", raw)
		}
		params.Limit = parsed
	}
	if raw := query.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return params, fmt.Errorf("offset %s is not an integer", raw)
		}
		params.Offset = parsed
	}
	if raw := query.Get("order"); raw != "" {
		column, descending, err := parseOrder(raw)
		if err != nil {
			return params, err
		}
		params.OrderBy = column
		params.Descending = descending
	}
	if raw := query.Get("distinct"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return params, fmt.Errorf("distinct %s is not a boolean", raw)
		}
		params.Distinct = parsed
	}
	if err := validator.New().Struct(&params); err != nil {
		return params, err
	}
	return params, nil
}

// parseOrder decode "column" or "column direction"
func parseOrder(raw string) (string, bool, error) {
	parts := strings.Fields(strings.ToLower(raw))
	if len(parts) == 0 || len(parts) > 2 {
		return "", false, fmt.Errorf("order %s is malformed", raw)
	}
	column := parts[0]
	if column != OrderBySequence && column != OrderByEventAt {
		return "", false, fmt.Errorf("order column %s is not orderable", column)
	}
	descending := false
	if len(parts) == 2 {
		switch parts[1] {
		case "asc":
		case "desc":
			descending = true
		default:
			return "", false, fmt.Errorf("order direction %s is unknown", parts[1])
		}
	}
	return column, descending, nil
}

// Apply order, deduplicate, and window a listing of events
func (p ListParams) Apply(events []eventlog.Event) []eventlog.Event {
	result := make([]eventlog.Event, len(events))
	copy(result, events)
	less := func(a, b eventlog.Event) bool {
		if p.OrderBy == OrderByEventAt {
			return a.EventAt.Before(b.EventAt)
		}
		return a.Sequence < b.Sequence
	}
	sort.SliceStable(result, func(i, j int) bool {
		if p.Descending {
			return less(result[j], result[i])
		}
		return less(result[i], result[j])
	})
	if p.Distinct {
		deduped := result[:0]
		seen := map[int64]bool{}
		for _, event := range result {
			if seen[event.Sequence] {
				continue
			}
			seen[event.Sequence] = true
			deduped = append(deduped, event)
		}
		result = deduped
	}
	if p.Offset >= len(result) {
		return nil
	}
	result = result[p.Offset:]
	if len(result) > p.Limit {
		result = result[:p.Limit]
	}
	return result
}
