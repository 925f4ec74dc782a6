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

// Package codec adapts source values for the two DML encodings the
// bulk writer speaks: parameterized query arguments, and the textual
// COPY framing. Both encodings share the same JSON-normalization
// rules when a value lands in a jsonb column.
package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/arrowdb/pgsync/internal/typelattice"
	"github.com/arrowdb/pgsync/internal/types"
)

// NormalizeJSON recursively rewrites v into a representation that
// encoding/json can marshal faithfully as the engine's jsonb
// convention: non-finite floats become null, ObjectIDs become their
// hex string, decimals become their canonical string form (null if
// non-finite), byte strings become lowercase hex, timestamps become
// ISO-8601 strings, and arrays/objects recurse. Applying the rule
// twice is identical to applying it once, since every output is
// already one of string/number/bool/nil/[]any/map[string]any.
func NormalizeJSON(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case float32:
		return normalizeFloat(float64(t))
	case float64:
		return normalizeFloat(t)
	case bson.Decimal128:
		return normalizeDecimal(t)
	case bson.ObjectID:
		return t.Hex()
	case bson.DateTime:
		return t.Time().UTC().Format("2006-01-02T15:04:05.000Z07:00")
	case bson.Binary:
		return hexLower(t.Data)
	case []byte:
		return hexLower(t)
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = NormalizeJSON(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = NormalizeJSON(e)
		}
		return out
	case bson.M:
		return normalizeMap(map[string]any(t))
	case map[string]any:
		return normalizeMap(t)
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = e.Value
		}
		return normalizeMap(m)
	default:
		return t
	}
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = NormalizeJSON(v)
	}
	return out
}

func normalizeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

func normalizeDecimal(d bson.Decimal128) any {
	s := d.String()
	switch strings.ToLower(s) {
	case "nan", "-nan", "inf", "-inf", "infinity", "-infinity":
		return nil
	default:
		return s
	}
}

func hexLower(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

// EncodeJSONB marshals v (after normalization) into the bytes to
// store in a jsonb column.
func EncodeJSONB(v any) ([]byte, error) {
	b, err := json.Marshal(NormalizeJSON(v))
	if err != nil {
		return nil, errors.Wrap(err, "marshal jsonb")
	}
	return b, nil
}

// EncodeScalar adapts v for a parameterized placeholder targeting
// column type t. fkExtract reports whether the column is an
// fk-extract text column, in which case reference extraction is
// attempted first and a plain string fallback is used only for text
// columns. Returns ErrTypeConflict if v cannot be represented as t.
func EncodeScalar(v any, t types.SinkType, fkExtract bool) (any, error) {
	if v == nil {
		return nil, nil
	}

	if t == types.JSONB {
		return EncodeJSONB(v)
	}

	if t == types.Text && fkExtract {
		if ref, ok := typelattice.ExtractReference(v); ok {
			return ref, nil
		}
		return fmt.Sprintf("%v", v), nil
	}

	k := typelattice.KindOf(v)
	if !typelattice.Compatible(v, t) {
		return nil, errors.Wrapf(types.ErrTypeConflict, "value of kind %d is not representable as %s", k, t)
	}

	switch t {
	case types.Text:
		return stringifyScalar(v), nil
	case types.BigInt:
		return toInt64(v)
	case types.Double:
		return toFloat64(v)
	case types.Numeric:
		return toNumericString(v)
	case types.Boolean:
		return v, nil
	case types.Timestamptz:
		dt, ok := v.(bson.DateTime)
		if !ok {
			return nil, errors.Wrapf(types.ErrTypeConflict, "not a timestamp: %T", v)
		}
		return dt.Time(), nil
	case types.Bytea:
		switch b := v.(type) {
		case bson.Binary:
			return b.Data, nil
		case []byte:
			return b, nil
		default:
			return nil, errors.Wrapf(types.ErrTypeConflict, "not a byte string: %T", v)
		}
	default:
		return nil, errors.Errorf("unsupported sink type %s", t)
	}
}

// stringifyScalar renders any scalar value as text. Compatible(v,
// Text) accepts every non-compound kind, not just strings and
// ObjectIDs, so a column that started out Text can keep absorbing
// numbers, timestamps, decimals, and byte strings without promotion;
// this is what gives each kind its text form.
func stringifyScalar(v any) string {
	switch t := v.(type) {
	case bson.ObjectID:
		return t.Hex()
	case string:
		return t
	case bson.DateTime:
		return t.Time().UTC().Format("2006-01-02T15:04:05.000Z07:00")
	case bson.Decimal128:
		return t.String()
	case bson.Binary:
		return hexLower(t.Data)
	case []byte:
		return hexLower(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	default:
		return 0, errors.Wrapf(types.ErrTypeConflict, "not an integer: %T", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch t := v.(type) {
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case float32:
		return float64(t), nil
	case float64:
		return t, nil
	default:
		return 0, errors.Wrapf(types.ErrTypeConflict, "not numeric: %T", v)
	}
}

func toNumericString(v any) (string, error) {
	switch t := v.(type) {
	case int:
		return strconv.FormatInt(int64(t), 10), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 64), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bson.Decimal128:
		return t.String(), nil
	default:
		return "", errors.Wrapf(types.ErrTypeConflict, "not decimal-compatible: %T", v)
	}
}

// EncodeCopyField renders v as one tab-separated field for the
// textual COPY protocol: "\N" for null, otherwise the scalar's text
// form with tabs, newlines, carriage returns, and backslashes
// themselves backslash-escaped.
func EncodeCopyField(v any, t types.SinkType, fkExtract bool) (string, error) {
	encoded, err := EncodeScalar(v, t, fkExtract)
	if err != nil {
		return "", err
	}
	if encoded == nil {
		return `\N`, nil
	}

	var text string
	switch t {
	case types.JSONB:
		text = string(encoded.([]byte))
	case types.Bytea:
		// Postgres's bytea input function treats a bare hex string as
		// the legacy escape format; it only parses hex when prefixed
		// with \x. escapeCopyText below doubles this backslash as it
		// does every other, so the wire body carries \\x and the
		// server's COPY parser restores it to \x before bytea sees it.
		text = `\x` + hexLower(encoded.([]byte))
	case types.Timestamptz:
		text = encoded.(time.Time).UTC().Format(time.RFC3339Nano)
	default:
		text = fmt.Sprintf("%v", encoded)
	}
	return escapeCopyText(text), nil
}

func escapeCopyText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
