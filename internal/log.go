// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/matrix-org/dugong"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/construct/setup/config"
)

// utcFormatter normalises entry times to UTC before handing off to the
// wrapped formatter, so log lines are comparable across servers.
type utcFormatter struct {
	logrus.Formatter
}

func (f utcFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	entry.Time = entry.Time.UTC()
	return f.Formatter.Format(entry)
}

func callerPrettyfier(f *runtime.Frame) (string, string) {
	funcname := filepath.Base(f.Function)
	filename := fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	return funcname, filename
}

// SetupStdLogging configures the default logging format for stderr output.
func SetupStdLogging() {
	logrus.SetReportCaller(true)
	logrus.SetFormatter(&utcFormatter{
		&logrus.TextFormatter{
			TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
			FullTimestamp:    true,
			DisableColors:    false,
			DisableTimestamp: false,
			QuoteEmptyFields: true,
			CallerPrettyfier: callerPrettyfier,
		},
	})
}

// SetupHookLogging installs the logging hooks defined in the configuration.
// A misconfigured hook is fatal: running with half the requested logging is
// worse than not starting.
func SetupHookLogging(hooks []config.LogrusHook) {
	logrus.SetReportCaller(true)
	for _, hook := range hooks {
		level, err := logrus.ParseLevel(hook.Level)
		if err != nil {
			logrus.Fatalf("Unrecognised logging level %s: %q", hook.Level, err)
		}

		// Raise the global level if a hook wants more detail than the
		// current filter lets through.
		if logrus.GetLevel() < level {
			logrus.SetLevel(level)
		}

		switch hook.Type {
		case "file":
			checkFSHookParams(hook.Params)
			setupFileHook(hook, level)
		default:
			logrus.Fatalf("Unrecognised logging hook type: %s", hook.Type)
		}
	}
}

// logLevelHook wraps a hook so that it only fires for the given level and
// above.
type logLevelHook struct {
	level logrus.Level
	logrus.Hook
}

func (h logLevelHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		if level <= h.level {
			levels = append(levels, level)
		}
	}
	return levels
}

func checkFSHookParams(params map[string]interface{}) {
	path, ok := params["path"]
	if !ok {
		logrus.Fatalf("Expecting a parameter \"path\" for logging hook of type \"file\"")
	}
	if _, ok := path.(string); !ok {
		logrus.Fatalf("Parameter \"path\" for logging hook of type \"file\" should be a string")
	}
}

func setupFileHook(hook config.LogrusHook, level logrus.Level) {
	path := hook.Params["path"].(string)
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		logrus.Fatalf("Couldn't create directory for logging hook: %q", err)
	}

	logrus.AddHook(&logLevelHook{
		level,
		dugong.NewFSHook(
			path,
			&utcFormatter{
				&logrus.TextFormatter{
					TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
					DisableColors:    true,
					DisableTimestamp: false,
					DisableSorting:   false,
					QuoteEmptyFields: true,
				},
			},
			&dugong.DailyRotationSchedule{GZip: true},
		),
	})
}
