// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"fmt"
	"runtime/debug"
)

// -ldflags "-X github.com/element-hq/construct/internal.branch=main"
var branch string

// -ldflags "-X github.com/element-hq/construct/internal.build=alpha"
var build string

const (
	VersionMajor = 0
	VersionMinor = 1
	VersionPatch = 0
	VersionTag   = ""
)

var version = ""

func VersionString() string {
	return version
}

func init() {
	version = fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
	if VersionTag != "" {
		version += "-" + VersionTag
	}
	if branch != "" {
		version += fmt.Sprintf("+%s", branch)
	}
	if build != "" {
		version += fmt.Sprintf(".%s", build)
	}
	if branch == "" && build == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" {
					revision := setting.Value
					if len(revision) > 7 {
						revision = revision[:7]
					}
					version += fmt.Sprintf("+%s", revision)
					break
				}
			}
		}
	}
}
