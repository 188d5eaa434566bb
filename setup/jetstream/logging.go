// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"github.com/sirupsen/logrus"
)

// LogAdapter routes the embedded NATS server's log output into logrus.
type LogAdapter struct {
	entry *logrus.Entry
}

func NewLogAdapter() *LogAdapter {
	return &LogAdapter{
		entry: logrus.StandardLogger().WithField("component", "jetstream"),
	}
}

func (l *LogAdapter) Noticef(format string, v ...interface{}) {
	l.entry.Infof(format, v...)
}

func (l *LogAdapter) Warnf(format string, v ...interface{}) {
	l.entry.Warnf(format, v...)
}

func (l *LogAdapter) Fatalf(format string, v ...interface{}) {
	l.entry.Fatalf(format, v...)
}

func (l *LogAdapter) Errorf(format string, v ...interface{}) {
	l.entry.Errorf(format, v...)
}

func (l *LogAdapter) Debugf(format string, v ...interface{}) {
	l.entry.Debugf(format, v...)
}

func (l *LogAdapter) Tracef(format string, v ...interface{}) {
	l.entry.Tracef(format, v...)
}
