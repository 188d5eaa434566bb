// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package testrig

import (
	"testing"

	"github.com/element-hq/construct/setup/config"
	"github.com/element-hq/construct/setup/process"
	"github.com/element-hq/construct/test"
)

// CreateConfig returns a config suitable for a single test: an embedded
// in-memory NATS server, fresh databases of the requested type and a process
// context for component lifetimes. The returned closer shuts the process
// context down.
func CreateConfig(t *testing.T, dbType test.DBType) (*config.Construct, *process.ProcessContext, func()) {
	t.Helper()

	var cfg config.Construct
	cfg.Defaults(config.DefaultOpts{
		Generate:       true,
		SingleDatabase: false,
	})
	cfg.Global.ServerName = "test"
	cfg.Global.JetStream.InMemory = true
	cfg.Global.JetStream.NoLog = true
	cfg.Global.JetStream.StoragePath = config.Path(t.TempDir())

	cfg.RoomServer.Database.ConnectionString = test.PrepareDBConnectionString(t, dbType)
	cfg.FederationAPI.Database.ConnectionString = test.PrepareDBConnectionString(t, dbType)

	processCtx := process.NewProcessContext()
	return &cfg, processCtx, func() {
		processCtx.ShutdownConstruct()
		processCtx.WaitForComponentsToFinish()
	}
}
