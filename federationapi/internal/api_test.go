// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/element-hq/construct/federationapi/statistics"
	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/test"
)

func TestFailBlacklistableErrorNilErrorReturnsEmpty(t *testing.T) {
	t.Parallel()

	testDB := test.NewInMemoryFederationDatabase()
	stats := statistics.NewStatistics(testDB, FailuresUntilBlacklist, FailuresUntilAssumedOffline, false)
	serverStats := stats.ForServer("test")

	until, blacklisted := failBlacklistableError(nil, serverStats)

	assert.Equal(t, time.Time{}, until, "nil error should return zero time")
	assert.False(t, blacklisted, "nil error should not blacklist")
}

func TestFailBlacklistableErrorHTTP401ReturnsFailure(t *testing.T) {
	t.Parallel()

	testDB := test.NewInMemoryFederationDatabase()
	stats := statistics.NewStatistics(testDB, FailuresUntilBlacklist, FailuresUntilAssumedOffline, false)
	serverStats := stats.ForServer("test")

	err := matrix.HTTPError{
		Code:    401,
		Message: "Unauthorized",
	}

	until, blacklisted := failBlacklistableError(err, serverStats)

	// A 401 means the remote couldn't verify us, which counts as a failed
	// interaction, but a single one shouldn't blacklist.
	assert.False(t, blacklisted, "single 401 should not immediately blacklist")
	assert.False(t, until.IsZero(), "failure should return a valid backoff time")
	assert.True(t, until.After(time.Now()), "backoff time should be in the future")
}

func TestFailBlacklistableErrorHTTP5xxReturnsFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		httpCode int
	}{
		{"500 Internal Server Error", 500},
		{"502 Bad Gateway", 502},
		{"503 Service Unavailable", 503},
		{"504 Gateway Timeout", 504},
		{"599 Custom 5xx", 599},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			testDB := test.NewInMemoryFederationDatabase()
			stats := statistics.NewStatistics(testDB, FailuresUntilBlacklist, FailuresUntilAssumedOffline, false)
			serverStats := stats.ForServer("test_" + tt.name)

			err := matrix.HTTPError{
				Code:    tt.httpCode,
				Message: tt.name,
			}

			until, blacklisted := failBlacklistableError(err, serverStats)

			assert.False(t, blacklisted, "single error should not immediately blacklist")
			assert.False(t, until.IsZero(), "failure should return a valid backoff time")
			assert.True(t, until.After(time.Now()), "backoff time should be in the future")
		})
	}
}

func TestFailBlacklistableErrorHTTP200WrappedErrorIsIgnored(t *testing.T) {
	t.Parallel()

	testDB := test.NewInMemoryFederationDatabase()
	stats := statistics.NewStatistics(testDB, FailuresUntilBlacklist, FailuresUntilAssumedOffline, false)
	serverStats := stats.ForServer("test")

	// Even if a 200 somehow arrives wrapped in an error, it is not a
	// failure condition.
	err := matrix.HTTPError{
		Code:    200,
		Message: "OK",
	}

	until, blacklisted := failBlacklistableError(err, serverStats)

	assert.Equal(t, time.Time{}, until, "200 should not trigger backoff")
	assert.False(t, blacklisted, "200 should not blacklist")
}

func TestFailBlacklistableErrorHTTP4xxDoesNotFail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		httpCode int
	}{
		{"400 Bad Request", 400},
		{"403 Forbidden", 403},
		{"404 Not Found", 404},
		{"429 Too Many Requests", 429},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			testDB := test.NewInMemoryFederationDatabase()
			stats := statistics.NewStatistics(testDB, FailuresUntilBlacklist, FailuresUntilAssumedOffline, false)
			serverStats := stats.ForServer("test_" + tt.name)

			err := matrix.HTTPError{
				Code:    tt.httpCode,
				Message: tt.name,
			}

			until, blacklisted := failBlacklistableError(err, serverStats)

			// 4xx responses other than 401 mean the remote answered, so the
			// server is alive and backing off would be wrong.
			assert.Equal(t, time.Time{}, until, tt.name+" should not trigger backoff")
			assert.False(t, blacklisted, tt.name+" should not blacklist")
		})
	}
}

func TestFailBlacklistableErrorNonHTTPErrorReturnsFailure(t *testing.T) {
	t.Parallel()

	testDB := test.NewInMemoryFederationDatabase()
	stats := statistics.NewStatistics(testDB, FailuresUntilBlacklist, FailuresUntilAssumedOffline, false)
	serverStats := stats.ForServer("test")

	err := assert.AnError

	until, blacklisted := failBlacklistableError(err, serverStats)

	assert.False(t, blacklisted, "single non-HTTP error should not immediately blacklist")
	assert.False(t, until.IsZero(), "failure should return a valid backoff time")
	assert.True(t, until.After(time.Now()), "backoff time should be in the future")
}
