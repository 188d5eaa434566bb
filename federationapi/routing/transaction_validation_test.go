// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransactionLimits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		pduCount  int
		eduCount  int
		shouldErr bool
	}{
		{
			name:      "zero PDUs and EDUs",
			pduCount:  0,
			eduCount:  0,
			shouldErr: false,
		},
		{
			name:      "one PDU, one EDU",
			pduCount:  1,
			eduCount:  1,
			shouldErr: false,
		},
		{
			name:      "max PDUs (50)",
			pduCount:  50,
			eduCount:  0,
			shouldErr: false,
		},
		{
			name:      "max EDUs (100)",
			pduCount:  0,
			eduCount:  100,
			shouldErr: false,
		},
		{
			name:      "max PDUs and max EDUs",
			pduCount:  50,
			eduCount:  100,
			shouldErr: false,
		},
		{
			name:      "one over max PDUs (51)",
			pduCount:  51,
			eduCount:  0,
			shouldErr: true,
		},
		{
			name:      "one over max EDUs (101)",
			pduCount:  0,
			eduCount:  101,
			shouldErr: true,
		},
		{
			name:      "both over limits",
			pduCount:  51,
			eduCount:  101,
			shouldErr: true,
		},
		{
			name:      "far over PDU limit",
			pduCount:  100,
			eduCount:  0,
			shouldErr: true,
		},
		{
			name:      "far over EDU limit",
			pduCount:  0,
			eduCount:  200,
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateTransactionLimits(tt.pduCount, tt.eduCount)

			if tt.shouldErr {
				require.Error(t, err, "expected validation to fail for pduCount=%d, eduCount=%d", tt.pduCount, tt.eduCount)
				assert.Contains(t, err.Error(), "exceeds limit", "error message should mention exceeding limits")
			} else {
				require.NoError(t, err, "expected validation to pass for pduCount=%d, eduCount=%d", tt.pduCount, tt.eduCount)
			}
		})
	}
}

func TestValidateTransactionLimitsErrorMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		pduCount        int
		eduCount        int
		expectedInError string
	}{
		{
			name:            "PDU limit exceeded",
			pduCount:        51,
			eduCount:        0,
			expectedInError: "PDU",
		},
		{
			name:            "EDU limit exceeded",
			pduCount:        0,
			eduCount:        101,
			expectedInError: "EDU",
		},
		{
			name:            "both limits exceeded reports PDUs first",
			pduCount:        100,
			eduCount:        200,
			expectedInError: "PDU",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateTransactionLimits(tt.pduCount, tt.eduCount)

			require.Error(t, err, "expected validation to fail")
			assert.Contains(t, err.Error(), tt.expectedInError,
				"error message should mention which limit was exceeded")
		})
	}
}

func TestGenerateTransactionKeyFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		origin string
		txnID  string
		want   string
	}{
		{
			name:   "basic transaction",
			origin: "server.com",
			txnID:  "txn123",
			want:   "server.com\000txn123",
		},
		{
			name:   "different server same txn",
			origin: "other.com",
			txnID:  "txn123",
			want:   "other.com\000txn123",
		},
		{
			name:   "same server different txn",
			origin: "server.com",
			txnID:  "txn456",
			want:   "server.com\000txn456",
		},
		{
			name:   "empty txn ID",
			origin: "server.com",
			txnID:  "",
			want:   "server.com\000",
		},
		{
			name:   "long transaction ID",
			origin: "example.org",
			txnID:  "very-long-transaction-id-12345678901234567890",
			want:   "example.org\000very-long-transaction-id-12345678901234567890",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			key := GenerateTransactionKey(tt.origin, tt.txnID)

			assert.Equal(t, tt.want, key, "transaction key should match expected format")
		})
	}
}

func TestGenerateTransactionKeyUniqueness(t *testing.T) {
	t.Parallel()

	indices := make(map[string]bool)

	testCases := []struct {
		origin string
		txnID  string
	}{
		{"server1.com", "txn1"},
		{"server1.com", "txn2"},
		{"server2.com", "txn1"},
		{"server2.com", "txn2"},
	}

	for _, tc := range testCases {
		key := GenerateTransactionKey(tc.origin, tc.txnID)

		_, exists := indices[key]
		assert.False(t, exists, "key should be unique for origin=%s, txnID=%s", tc.origin, tc.txnID)

		indices[key] = true
	}

	assert.Equal(t, 4, len(indices), "should have 4 unique transaction keys")
}

func TestGenerateTransactionKeyCollisionResistance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin1 string
		txnID1  string
		origin2 string
		txnID2  string
	}{
		{
			name:    "similar concatenation",
			origin1: "server",
			txnID1:  ".comtxn1",
			origin2: "server.com",
			txnID2:  "txn1",
		},
		{
			name:    "empty origin vs prefix",
			origin1: "",
			txnID1:  "txn1",
			origin2: "txn",
			txnID2:  "1",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			key1 := GenerateTransactionKey(tt.origin1, tt.txnID1)
			key2 := GenerateTransactionKey(tt.origin2, tt.txnID2)

			// The null byte separator should ensure these are different.
			assert.NotEqual(t, key1, key2, "keys should be different despite similar components")
		})
	}
}
