// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrix

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// CanonicalJSON re-encodes the given JSON so that two logically identical
// objects produce byte-identical output: object keys are sorted, insignificant
// whitespace is removed and strings use minimal escaping. Event IDs, content
// hashes and signatures are all computed over this encoding, so it must agree
// with every other homeserver implementation.
func CanonicalJSON(input []byte) ([]byte, error) {
	if !gjson.ValidBytes(input) {
		return nil, BadJSONError{fmt.Errorf("invalid JSON")}
	}
	return CanonicalJSONAssumeValid(input), nil
}

// CanonicalJSONAssumeValid is CanonicalJSON without the validity check.
// Use it only on JSON that has already been through a parser.
func CanonicalJSONAssumeValid(input []byte) []byte {
	result := gjson.ParseBytes(input)
	return sortJSONValue(result, make([]byte, 0, len(input)))
}

func sortJSONValue(input gjson.Result, output []byte) []byte {
	switch {
	case input.IsArray():
		output = append(output, '[')
		first := true
		input.ForEach(func(_, value gjson.Result) bool {
			if !first {
				output = append(output, ',')
			}
			first = false
			output = sortJSONValue(value, output)
			return true
		})
		return append(output, ']')
	case input.IsObject():
		type member struct {
			key   string
			value gjson.Result
		}
		var members []member
		input.ForEach(func(key, value gjson.Result) bool {
			members = append(members, member{key.String(), value})
			return true
		})
		sort.Slice(members, func(i, j int) bool {
			return members[i].key < members[j].key
		})
		output = append(output, '{')
		for i, m := range members {
			if i > 0 {
				output = append(output, ',')
			}
			output = writeCanonicalString(output, m.key)
			output = append(output, ':')
			output = sortJSONValue(m.value, output)
		}
		return append(output, '}')
	case input.Type == gjson.String:
		return writeCanonicalString(output, input.Str)
	case input.Type == gjson.Null:
		return append(output, "null"...)
	case input.Type == gjson.True:
		return append(output, "true"...)
	case input.Type == gjson.False:
		return append(output, "false"...)
	default:
		// Numbers are emitted as they appeared in the input. The federation
		// event format only permits integers, which have a single shortest
		// form, so no normalisation is needed here.
		return append(output, input.Raw...)
	}
}

// writeCanonicalString appends a JSON string with minimal escaping: only the
// quote, backslash and control characters are escaped, everything else is
// emitted as raw UTF-8.
func writeCanonicalString(output []byte, s string) []byte {
	output = append(output, '"')
	for _, r := range s {
		switch r {
		case '"':
			output = append(output, '\\', '"')
		case '\\':
			output = append(output, '\\', '\\')
		case '\b':
			output = append(output, '\\', 'b')
		case '\f':
			output = append(output, '\\', 'f')
		case '\n':
			output = append(output, '\\', 'n')
		case '\r':
			output = append(output, '\\', 'r')
		case '\t':
			output = append(output, '\\', 't')
		default:
			if r < 0x20 {
				output = append(output, fmt.Sprintf("\\u%04x", r)...)
			} else {
				output = utf8.AppendRune(output, r)
			}
		}
	}
	return append(output, '"')
}
