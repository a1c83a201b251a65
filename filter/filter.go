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

package filter

import (
	"github.com/alwitt/wsnotify/eventlog"
)

// Supported clause operators
const (
	OpEqual    = "="
	OpNotEqual = "!="
	OpIn       = "in"
	OpIsA      = "is_a"
)

// ValueKind discriminates the closed set of clause value shapes
type ValueKind int

// Clause value shapes. Anything else on the wire degrades to ValueInvalid.
const (
	ValueInvalid ValueKind = iota
	ValueString
	ValueNumber
	ValueStringList
)

// Value is the tagged variant type for clause values
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	List []string
}

// parseValue classify a decoded JSON value into the closed variant set
func parseValue(raw interface{}) Value {
	switch val := raw.(type) {
	case string:
		return Value{Kind: ValueString, Str: val}
	case float64:
		return Value{Kind: ValueNumber, Num: val}
	case int:
		return Value{Kind: ValueNumber, Num: float64(val)}
	case int64:
		return Value{Kind: ValueNumber, Num: float64(val)}
	case []interface{}:
		list := make([]string, 0, len(val))
		for _, entry := range val {
			asStr, ok := entry.(string)
			if !ok {
				return Value{Kind: ValueInvalid}
			}
			list = append(list, asStr)
		}
		return Value{Kind: ValueStringList, List: list}
	case []string:
		return Value{Kind: ValueStringList, List: val}
	default:
		return Value{Kind: ValueInvalid}
	}
}

// Clause is one (attribute, operator, value) matching condition
type Clause struct {
	Attribute string
	Operator  string
	Value     Value
}

// NewClause define a clause, classifying the value shape up front. A clause
// with an unrecognized operator or value shape never matches; it does not
// fail subscription registration.
func NewClause(attribute, operator string, value interface{}) Clause {
	return Clause{Attribute: attribute, Operator: operator, Value: parseValue(value)}
}

// ParseClause decode the wire form [attribute, operator, value] of a clause.
// Any other shape yields a clause which never matches.
func ParseClause(raw []interface{}) Clause {
	if len(raw) != 3 {
		return Clause{Value: Value{Kind: ValueInvalid}}
	}
	attribute, okAttr := raw[0].(string)
	operator, okOp := raw[1].(string)
	if !okAttr || !okOp {
		return Clause{Value: Value{Kind: ValueInvalid}}
	}
	return NewClause(attribute, operator, raw[2])
}

// matches check one clause against an event. Total; malformed clauses and
// unknown attributes or operators simply do not match.
func (c Clause) matches(event eventlog.Event) bool {
	if c.Value.Kind == ValueInvalid {
		return false
	}
	switch c.Operator {
	case OpIsA:
		// A kind check on the affected object. Only meaningful against the
		// object reference column.
		if c.Attribute != "object_uuid" {
			return false
		}
		switch c.Value.Kind {
		case ValueString:
			return event.ObjectKind == c.Value.Str
		case ValueStringList:
			for _, kind := range c.Value.List {
				if event.ObjectKind == kind {
					return true
				}
			}
			return false
		default:
			return false
		}
	case OpEqual:
		attr, ok := event.Attribute(c.Attribute)
		if !ok {
			return false
		}
		return valueEqual(attr, c.Value)
	case OpNotEqual:
		attr, ok := event.Attribute(c.Attribute)
		if !ok {
			return false
		}
		return sameShape(attr, c.Value) && !valueEqual(attr, c.Value)
	case OpIn:
		if c.Value.Kind != ValueStringList {
			return false
		}
		attr, ok := event.Attribute(c.Attribute)
		if !ok {
			return false
		}
		asStr, ok := attr.(string)
		if !ok {
			return false
		}
		for _, entry := range c.Value.List {
			if asStr == entry {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// sameShape whether the attribute value and clause value are of compatible
// shapes for (in)equality
func sameShape(attr interface{}, value Value) bool {
	switch attr.(type) {
	case string:
		return value.Kind == ValueString
	case float64, int, int64:
		return value.Kind == ValueNumber
	default:
		return false
	}
}

// valueEqual compare an event attribute against a clause value
func valueEqual(attr interface{}, value Value) bool {
	switch attrVal := attr.(type) {
	case string:
		return value.Kind == ValueString && attrVal == value.Str
	case float64:
		return value.Kind == ValueNumber && attrVal == value.Num
	case int:
		return value.Kind == ValueNumber && float64(attrVal) == value.Num
	case int64:
		return value.Kind == ValueNumber && float64(attrVal) == value.Num
	default:
		return false
	}
}

// Filter is an ordered conjunction of clauses
type Filter struct {
	Clauses []Clause
}

// ParseFilter decode the wire form of a filter: a list of clause arrays
func ParseFilter(raw [][]interface{}) Filter {
	clauses := make([]Clause, 0, len(raw))
	for _, entry := range raw {
		clauses = append(clauses, ParseClause(entry))
	}
	return Filter{Clauses: clauses}
}

// Matches check the filter against an event. Every clause must match; an
// empty clause list matches every event.
func (f Filter) Matches(event eventlog.Event) bool {
	for _, clause := range f.Clauses {
		if !clause.matches(event) {
			return false
		}
	}
	return true
}
