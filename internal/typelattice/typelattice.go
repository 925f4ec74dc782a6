// Copyright 2024 The Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package typelattice implements the closed type lattice that maps a
// source value to a sink column type, and decides whether a given
// value remains compatible with a column's current type or forces a
// promotion to the universal fallback, jsonb.
package typelattice

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/arrowdb/pgsync/internal/types"
)

// Kind is the closed set of value variants the lattice is total over.
// It re-expresses BSON's dynamic typing as an explicit enum so that
// Infer and Compatible never need a default case that silently
// swallows an unrecognized value.
type Kind int

// The complete set of source value kinds.
const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindDecimal
	KindTimestamp
	KindString
	KindObjectID
	KindBytes
	KindArray
	KindObject
)

// KindOf classifies a decoded BSON/Go value into one of the closed
// Kind variants.
func KindOf(v any) Kind {
	switch t := v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case int, int32, int64:
		return KindInt
	case float32, float64:
		return KindFloat
	case bson.Decimal128:
		return KindDecimal
	case bson.DateTime:
		return KindTimestamp
	case bson.ObjectID:
		return KindObjectID
	case string:
		return KindString
	case bson.Binary:
		return KindBytes
	case []byte:
		return KindBytes
	case bson.A:
		return KindArray
	case []any:
		return KindArray
	case bson.M:
		return KindObject
	case bson.D:
		return KindObject
	case map[string]any:
		return KindObject
	default:
		// Anything the driver hands back that we don't have a case
		// for (e.g. a bson.Raw sub-document, a min/max key, JS code)
		// is conservatively treated as an opaque object: it ends up
		// jsonb, never silently dropped.
		return KindObject
	}
}

// Infer returns the sink type a freshly-seen value of this kind would
// get, absent any fk-extract/junction context override. Null maps to
// jsonb, but the schema manager never allocates a column for a null
// value: a field's column is created, with the type of its first
// non-null value, on that sighting, and a null-only field never gets a
// column (see internal/schema).
func Infer(k Kind) types.SinkType {
	switch k {
	case KindNull:
		return types.JSONB
	case KindBool:
		return types.Boolean
	case KindInt:
		return types.BigInt
	case KindFloat:
		return types.Double
	case KindDecimal:
		return types.Numeric
	case KindTimestamp:
		return types.Timestamptz
	case KindObjectID, KindString:
		return types.Text
	case KindBytes:
		return types.Bytea
	case KindArray, KindObject:
		return types.JSONB
	default:
		return types.JSONB
	}
}

// Compatible reports whether v remains representable in a column
// already typed as t. Null is always compatible with every type. A
// false result means the schema manager must promote the column to
// jsonb; no other promotion is ever valid.
func Compatible(v any, t types.SinkType) bool {
	if v == nil {
		return true
	}
	k := KindOf(v)
	switch t {
	case types.JSONB:
		return true
	case types.Text:
		return k != KindArray && k != KindObject
	case types.BigInt:
		return k == KindInt
	case types.Double:
		return k == KindInt || k == KindFloat
	case types.Numeric:
		return k == KindInt || k == KindFloat || k == KindDecimal
	case types.Boolean:
		return k == KindBool
	case types.Timestamptz:
		return k == KindTimestamp
	case types.Bytea:
		return k == KindBytes
	default:
		return false
	}
}

// IsScalar reports whether k is neither an array nor an object -- the
// same test Compatible applies inline for text columns.
func IsScalar(k Kind) bool {
	return k != KindArray && k != KindObject
}

// CompatibleFK is Compatible extended with the fk-extract fallback: a
// text column declared as an fk-extract field also accepts a
// non-scalar value (e.g. an {"$oid": ...} form) as long as a
// reference can be extracted from it. Every other type ignores
// fkExtract and behaves exactly like Compatible.
func CompatibleFK(v any, t types.SinkType, fkExtract bool) bool {
	if Compatible(v, t) {
		return true
	}
	if t != types.Text || !fkExtract {
		return false
	}
	_, ok := ExtractReference(v)
	return ok
}
