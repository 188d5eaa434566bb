// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomserver

import (
	"github.com/sirupsen/logrus"

	"github.com/element-hq/construct/internal/caching"
	"github.com/element-hq/construct/internal/sqlutil"
	"github.com/element-hq/construct/roomserver/api"
	"github.com/element-hq/construct/roomserver/internal"
	"github.com/element-hq/construct/roomserver/storage"
	"github.com/element-hq/construct/setup/config"
	"github.com/element-hq/construct/setup/jetstream"
	"github.com/element-hq/construct/setup/process"
)

// NewInternalAPI returns a concrete implementation of the internal API.
func NewInternalAPI(
	processContext *process.ProcessContext,
	cfg *config.Construct,
	cm *sqlutil.ConnectionManager,
	natsInstance *jetstream.NATSInstance,
	caches caching.RoomServerCaches,
	enableMetrics bool,
) api.RoomserverInternalAPI {
	roomserverDB, err := storage.Open(
		processContext.Context(), cm, &cfg.RoomServer.Database, caches,
	)
	if err != nil {
		logrus.WithError(err).Panicf("failed to connect to room server db")
	}

	js, nc := natsInstance.Prepare(processContext, &cfg.Global.JetStream)

	return internal.NewRoomserverAPI(
		processContext, cfg, roomserverDB, js, nc, caches, enableMetrics,
	)
}
