// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/construct/setup/config"
)

func TestUTCFormatter(t *testing.T) {
	formatter := utcFormatter{&logrus.TextFormatter{
		TimestampFormat:  "2006-01-02T15:04:05Z07:00",
		DisableColors:    true,
		QuoteEmptyFields: true,
	}}
	loc := time.FixedZone("UTC+5", 5*60*60)
	entry := &logrus.Entry{
		Logger:  logrus.StandardLogger(),
		Time:    time.Date(2025, 1, 2, 10, 0, 0, 0, loc),
		Level:   logrus.InfoLevel,
		Message: "hello",
	}
	out, err := formatter.Format(entry)
	require.NoError(t, err)
	assert.Contains(t, string(out), "2025-01-02T05:00:00Z")
}

func TestLogLevelHookLevels(t *testing.T) {
	hook := logLevelHook{level: logrus.WarnLevel}
	levels := hook.Levels()
	assert.Contains(t, levels, logrus.ErrorLevel)
	assert.Contains(t, levels, logrus.WarnLevel)
	assert.NotContains(t, levels, logrus.InfoLevel)
	assert.NotContains(t, levels, logrus.DebugLevel)
}

// TestSetupFileHook wires a rotating file hook against a temporary directory,
// exercising the dugong rotation schedule construction.
func TestSetupFileHook(t *testing.T) {
	setupFileHook(config.LogrusHook{
		Type:  "file",
		Level: "info",
		Params: map[string]interface{}{
			"path": filepath.Join(t.TempDir(), "construct.log"),
		},
	}, logrus.InfoLevel)
}
