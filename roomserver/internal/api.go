// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	fsAPI "github.com/element-hq/construct/federationapi/api"
	"github.com/element-hq/construct/internal/caching"
	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/internal/input"
	"github.com/element-hq/construct/roomserver/internal/query"
	"github.com/element-hq/construct/roomserver/producers"
	"github.com/element-hq/construct/roomserver/storage"
	"github.com/element-hq/construct/setup/config"
	"github.com/element-hq/construct/setup/jetstream"
	"github.com/element-hq/construct/setup/process"
)

// RoomserverInternalAPI is the concrete implementation of
// api.RoomserverInternalAPI. Input goes through the Inputer, everything else
// through the Queryer.
type RoomserverInternalAPI struct {
	*input.Inputer
	*query.Queryer
	ProcessContext *process.ProcessContext
	DB             storage.RoomDatabase
	Cfg            *config.Construct
	Cache          caching.RoomServerCaches
	ServerName     string
	KeyRing        matrix.JSONVerifier
	fsAPI          fsAPI.RoomserverFederationAPI
	NATSClient     *nats.Conn
	JetStream      nats.JetStreamContext
	Durable        string
	OutputProducer *producers.RoomEventProducer
	enableMetrics  bool
}

func NewRoomserverAPI(
	processContext *process.ProcessContext, cfg *config.Construct,
	roomserverDB storage.RoomDatabase, js nats.JetStreamContext,
	nc *nats.Conn, caches caching.RoomServerCaches, enableMetrics bool,
) *RoomserverInternalAPI {
	a := &RoomserverInternalAPI{
		ProcessContext: processContext,
		DB:             roomserverDB,
		Cfg:            cfg,
		Cache:          caches,
		ServerName:     cfg.Global.ServerName,
		JetStream:      js,
		NATSClient:     nc,
		Durable:        cfg.Global.JetStream.Durable("RoomserverInputConsumer"),
		OutputProducer: &producers.RoomEventProducer{
			Topic:     cfg.Global.JetStream.Prefixed(jetstream.OutputRoomEvent),
			JetStream: js,
		},
		Queryer: &query.Queryer{
			DB:  roomserverDB,
			Cfg: &cfg.RoomServer,
		},
		enableMetrics: enableMetrics,
	}
	a.Inputer = &input.Inputer{
		Cfg:            &cfg.RoomServer,
		ProcessContext: processContext,
		DB:             roomserverDB,
		NATSClient:     nc,
		JetStream:      js,
		Durable:        a.Durable,
		ServerName:     a.ServerName,
		Queryer:        a.Queryer,
		OutputProducer: a.OutputProducer,
		EnableMetrics:  enableMetrics,
	}
	// The input consumers are started once the federation API has been
	// registered with SetFederationAPI.
	return a
}

// SetFederationAPI supplies the federation client used to fetch missing
// ancestry and the key ring used to verify fetched events, then starts the
// input consumers. Missing ancestry cannot be fetched until this is called.
func (r *RoomserverInternalAPI) SetFederationAPI(fsAPI fsAPI.RoomserverFederationAPI, keyRing matrix.JSONVerifier) {
	r.fsAPI = fsAPI
	r.KeyRing = keyRing
	r.Inputer.FSAPI = fsAPI
	r.Inputer.KeyRing = keyRing

	if err := r.Inputer.Start(); err != nil {
		logrus.WithError(err).Panic("failed to start roomserver input API")
	}
}

// IsKnownRoom implements api.RoomserverInternalAPI.
func (r *RoomserverInternalAPI) IsKnownRoom(ctx context.Context, roomID string) (bool, error) {
	return r.Queryer.IsKnownRoom(ctx, roomID)
}
