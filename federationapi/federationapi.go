// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package federationapi

import (
	"github.com/sirupsen/logrus"

	"github.com/element-hq/construct/federationapi/api"
	"github.com/element-hq/construct/federationapi/consumers"
	"github.com/element-hq/construct/federationapi/internal"
	"github.com/element-hq/construct/federationapi/queue"
	"github.com/element-hq/construct/federationapi/statistics"
	"github.com/element-hq/construct/federationapi/storage"
	"github.com/element-hq/construct/internal/sqlutil"
	"github.com/element-hq/construct/matrix"
	roomserverAPI "github.com/element-hq/construct/roomserver/api"
	"github.com/element-hq/construct/setup/config"
	"github.com/element-hq/construct/setup/jetstream"
	"github.com/element-hq/construct/setup/process"
)

// NewInternalAPI returns a concrete implementation of the internal API. The
// transport carries the actual federation requests; everything above it,
// backoff, blacklisting and the destination send queues, lives here.
func NewInternalAPI(
	processContext *process.ProcessContext,
	cfg *config.Construct,
	cm *sqlutil.ConnectionManager,
	natsInstance *jetstream.NATSInstance,
	transport api.FederationTransport,
	rsAPI roomserverAPI.RoomserverInternalAPI,
	keyRing matrix.JSONVerifier,
	resetBlacklist bool,
) api.FederationInternalAPI {
	federationDB, err := storage.Open(cm, &cfg.FederationAPI.Database)
	if err != nil {
		logrus.WithError(err).Panic("failed to connect to federation db")
	}

	if resetBlacklist {
		_ = federationDB.RemoveAllServersFromBlacklist(processContext.Context())
		_ = federationDB.RemoveAllServersAssumedOffline(processContext.Context())
	}

	stats := statistics.NewStatistics(
		federationDB,
		cfg.FederationAPI.FederationMaxRetries+1,
		cfg.FederationAPI.FederationRetriesUntilAssumedOffline+1,
		cfg.FederationAPI.PersistRetryState,
	)

	js, _ := natsInstance.Prepare(processContext, &cfg.Global.JetStream)

	queues := queue.NewOutgoingQueues(
		federationDB, processContext,
		cfg.Global.DisableFederation,
		cfg.Global.ServerName, transport, &stats,
	)

	rsConsumer := consumers.NewOutputRoomEventConsumer(
		processContext, &cfg.FederationAPI, js, queues, rsAPI,
	)
	if err = rsConsumer.Start(); err != nil {
		logrus.WithError(err).Panic("failed to start room server consumer")
	}

	return internal.NewFederationInternalAPI(
		federationDB, &cfg.FederationAPI, rsAPI, transport, keyRing, &stats, queues,
	)
}
