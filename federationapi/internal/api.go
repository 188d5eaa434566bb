// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"sync"
	"time"

	"github.com/element-hq/construct/federationapi/api"
	"github.com/element-hq/construct/federationapi/queue"
	"github.com/element-hq/construct/federationapi/statistics"
	"github.com/element-hq/construct/federationapi/storage"
	"github.com/element-hq/construct/matrix"
	roomserverAPI "github.com/element-hq/construct/roomserver/api"
	"github.com/element-hq/construct/setup/config"
)

// How many consecutive failures we tolerate before we stop waking the
// destination queue for every event and fall back to periodic retries.
const FailuresUntilAssumedOffline = 8

// How many consecutive failures we tolerate before we stop trying to send
// to a destination entirely. The backoff doubles on each failure, so this
// bounds the total retry window.
const FailuresUntilBlacklist = 16

// FederationInternalAPI is the concrete implementation of
// api.FederationInternalAPI.
type FederationInternalAPI struct {
	db         storage.Database
	cfg        *config.FederationAPI
	statistics *statistics.Statistics
	rsAPI      roomserverAPI.RoomserverInternalAPI
	transport  api.FederationTransport
	keyRing    matrix.JSONVerifier
	queues     *queue.OutgoingQueues
	joins      sync.Map // joins currently in progress, by room ID
}

func NewFederationInternalAPI(
	db storage.Database, cfg *config.FederationAPI,
	rsAPI roomserverAPI.RoomserverInternalAPI,
	transport api.FederationTransport,
	keyRing matrix.JSONVerifier,
	stats *statistics.Statistics,
	queues *queue.OutgoingQueues,
) *FederationInternalAPI {
	return &FederationInternalAPI{
		db:         db,
		cfg:        cfg,
		rsAPI:      rsAPI,
		transport:  transport,
		keyRing:    keyRing,
		statistics: stats,
		queues:     queues,
	}
}

// MarkServersAlive implements api.FederationInternalAPI. Destinations that
// send us traffic are reachable, so their backoff state resets and their
// queues wake up.
func (a *FederationInternalAPI) MarkServersAlive(destinations []string) {
	for _, srv := range destinations {
		a.statistics.ForServer(srv).Success()
		a.queues.RetryServer(srv)
	}
}

func (a *FederationInternalAPI) isBlacklistedOrBackingOff(s string) (*statistics.ServerStatistics, error) {
	stats := a.statistics.ForServer(s)
	if stats.Blacklisted() {
		return stats, &api.FederationClientError{
			Err:         "server is blacklisted",
			Blacklisted: true,
		}
	}
	if until := stats.BackoffInfo(); until != nil {
		return stats, &api.FederationClientError{
			Err:        "server is backing off",
			RetryAfter: time.Until(*until),
		}
	}
	return stats, nil
}

// failBlacklistableError records a request failure against the server's
// statistics if the error is one that the server can be blamed for. Client
// errors other than 401 don't count against the destination.
func failBlacklistableError(err error, stats *statistics.ServerStatistics) (until time.Time, blacklisted bool) {
	if err == nil {
		return
	}
	mxerr, ok := err.(matrix.HTTPError)
	if !ok {
		return stats.Failure()
	}
	if mxerr.Code == 401 { // invalid signature in X-Matrix header
		return stats.Failure()
	}
	if mxerr.Code >= 500 && mxerr.Code < 600 { // internal server errors
		return stats.Failure()
	}
	return
}

func (a *FederationInternalAPI) doRequestIfNotBackingOffOrBlacklisted(
	s string, request func() (interface{}, error),
) (interface{}, error) {
	stats, err := a.isBlacklistedOrBackingOff(s)
	if err != nil {
		return nil, err
	}
	res, err := request()
	if err != nil {
		until, blacklisted := failBlacklistableError(err, stats)
		now := time.Now()
		var retryAfter time.Duration
		if until.After(now) {
			retryAfter = time.Until(until)
		}
		return res, &api.FederationClientError{
			Err:         err.Error(),
			Blacklisted: blacklisted,
			RetryAfter:  retryAfter,
		}
	}
	stats.Success()
	return res, nil
}

func (a *FederationInternalAPI) doRequestIfNotBlacklisted(
	s string, request func() (interface{}, error),
) (interface{}, error) {
	stats := a.statistics.ForServer(s)
	if blacklisted := stats.Blacklisted(); blacklisted {
		return stats, &api.FederationClientError{
			Err:         "server is blacklisted",
			Blacklisted: true,
		}
	}
	res, err := request()
	if err != nil {
		until, blacklisted := failBlacklistableError(err, stats)
		now := time.Now()
		var retryAfter time.Duration
		if until.After(now) {
			retryAfter = time.Until(until)
		}
		return res, &api.FederationClientError{
			Err:         err.Error(),
			Blacklisted: blacklisted,
			RetryAfter:  retryAfter,
		}
	}
	stats.Success()
	return res, nil
}

func (a *FederationInternalAPI) GetServerKeys(
	ctx context.Context, matrixServer string,
) (map[string]matrix.PublicKeyLookupResult, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second*30)
	defer cancel()
	ires, err := a.doRequestIfNotBackingOffOrBlacklisted(matrixServer, func() (interface{}, error) {
		return a.transport.GetServerKeys(ctx, matrixServer)
	})
	if err != nil {
		return nil, err
	}
	return ires.(map[string]matrix.PublicKeyLookupResult), nil
}
