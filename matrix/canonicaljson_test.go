// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "sorts object keys",
			input: `{"b":2,"a":1}`,
			want:  `{"a":1,"b":2}`,
		},
		{
			name:  "sorts nested objects",
			input: `{"z":{"y":2,"x":1},"a":[{"c":3,"b":2}]}`,
			want:  `{"a":[{"b":2,"c":3}],"z":{"x":1,"y":2}}`,
		},
		{
			name:  "removes whitespace",
			input: "{\n  \"a\": 1,\n  \"b\": [ 1, 2 ]\n}",
			want:  `{"a":1,"b":[1,2]}`,
		},
		{
			name:  "preserves array order",
			input: `{"a":[3,1,2]}`,
			want:  `{"a":[3,1,2]}`,
		},
		{
			name:  "escapes control characters",
			input: `{"a":"line\nbreak\ttab"}`,
			want:  `{"a":"line\nbreak\ttab"}`,
		},
		{
			name:  "keeps raw unicode",
			input: `{"a":"日本語"}`,
			want:  `{"a":"日本語"}`,
		},
		{
			name:  "null true false",
			input: `{"c":null,"b":true,"a":false}`,
			want:  `{"a":false,"b":true,"c":null}`,
		},
		{
			name:  "empty object",
			input: `{}`,
			want:  `{}`,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := CanonicalJSON([]byte(tc.input))
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestCanonicalJSONRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	_, err := CanonicalJSON([]byte(`{"a":`))
	require.Error(t, err)
	assert.IsType(t, BadJSONError{}, err)
}

// TestCanonicalJSONIdempotent verifies that canonicalising twice is a no-op,
// which the signing code relies on.
func TestCanonicalJSONIdempotent(t *testing.T) {
	t.Parallel()

	input := []byte(`{"foo": {"zzz": 1, "aaa": "x"}, "bar": [true, null]}`)
	once, err := CanonicalJSON(input)
	require.NoError(t, err)
	twice, err := CanonicalJSON(once)
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))
}
