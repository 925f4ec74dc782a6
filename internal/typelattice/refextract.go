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

package typelattice

import (
	"regexp"

	"go.mongodb.org/mongo-driver/v2/bson"
)

var hex24 = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)

// ExtractReference attempts to pull a 24-hex-character reference out
// of v, the forms allowed by an fk-extract field: a bare hex-24
// string, a bson.ObjectID, or the single-key documents {"$oid": x}
// and {"_id": x}. It returns the reference lowercased and whether
// extraction succeeded.
func ExtractReference(v any) (string, bool) {
	switch t := v.(type) {
	case bson.ObjectID:
		return t.Hex(), true
	case string:
		if hex24.MatchString(t) {
			return normalizeHex(t), true
		}
		return "", false
	case bson.M:
		return extractFromMap(map[string]any(t))
	case map[string]any:
		return extractFromMap(t)
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = e.Value
		}
		return extractFromMap(m)
	default:
		return "", false
	}
}

func extractFromMap(m map[string]any) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	for k, v := range m {
		if k == "$oid" || k == "_id" {
			return ExtractReference(v)
		}
	}
	return "", false
}

func normalizeHex(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'F' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
