// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package statistics

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/construct/federationapi/storage"
)

// How long we wait in the worst case before giving up on a backoff. Backoffs
// are 2^n seconds for n consecutive failures, capped here.
const maxBackoffDuration = time.Hour * 24

// Jitter on top of the computed backoff, so that many servers backing off
// from the same outage don't all retry at the same instant.
const (
	minJitterMultiplier = 0.8
	maxJitterMultiplier = 1.4
)

// How long per-server statistics stay in memory without being touched before
// the cache evicts them. A server we haven't talked to in this long gets its
// state reloaded from the database on next use.
const serverStatisticsExpiry = time.Hour * 6

// Statistics contains information about all of the remote federated hosts
// that we have interacted with. It is basically a threadsafe wrapper.
type Statistics struct {
	DB      storage.Database
	servers *cache.Cache
	mutex   sync.Mutex

	// How many times should we tolerate consecutive failures before we
	// mark the destination as offline. At this point we should attempt
	// to send messages to the user's async relay servers if we know them.
	FailuresUntilAssumedOffline uint32

	// How many times should we tolerate consecutive failures before we
	// just blacklist the host altogether? The backoff is exponential,
	// so the max time here to attempt is 2**failures seconds.
	FailuresUntilBlacklist uint32

	// Whether the backoff state is written through to the database so it
	// survives a restart.
	persistRetryState bool
}

func NewStatistics(
	db storage.Database,
	failuresUntilBlacklist uint32,
	failuresUntilAssumedOffline uint32,
	persistRetryState bool,
) Statistics {
	return Statistics{
		DB:                          db,
		servers:                     cache.New(serverStatisticsExpiry, time.Minute*30),
		FailuresUntilBlacklist:      failuresUntilBlacklist,
		FailuresUntilAssumedOffline: failuresUntilAssumedOffline,
		persistRetryState:           persistRetryState,
	}
}

// ForServer returns the per-server statistics for the given server name,
// creating them from the persisted state if necessary.
func (s *Statistics) ForServer(serverName string) *ServerStatistics {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if v, ok := s.servers.Get(serverName); ok {
		s.servers.SetDefault(serverName, v)
		return v.(*ServerStatistics)
	}

	server := &ServerStatistics{
		statistics:       s,
		serverName:       serverName,
		interruptBackoff: make(chan bool),
	}
	s.servers.SetDefault(serverName, server)

	blacklisted, err := s.DB.IsServerBlacklisted(context.Background(), serverName)
	if err != nil {
		logrus.WithError(err).Errorf("Failed to get blacklist entry %q", serverName)
	} else {
		server.blacklisted.Store(blacklisted)
	}
	assumedOffline, err := s.DB.IsServerAssumedOffline(context.Background(), serverName)
	if err != nil {
		logrus.WithError(err).Errorf("Failed to get assumed offline entry %q", serverName)
	} else {
		server.assumedOffline.Store(assumedOffline)
	}
	failures, retryUntil, exists, err := s.DB.GetRetryState(context.Background(), serverName)
	if err != nil {
		logrus.WithError(err).Errorf("Failed to get retry state for %q", serverName)
	} else if exists {
		server.backoffCount.Store(failures)
		if until := time.UnixMilli(retryUntil); until.After(time.Now()) {
			server.backoffUntil.Store(until)
			server.backoffStarted.Store(true)
		}
	}
	return server
}

// MarkServersAlive clears the backoff state of the given servers. Called
// when we receive traffic from them, since a server that talks to us is
// evidently reachable.
func (s *Statistics) MarkServersAlive(destinations []string) {
	for _, destination := range destinations {
		server := s.ForServer(destination)
		server.reconnect()
	}
}

// ServerStatistics contains information about our interactions with a
// remote federated host, e.g. how many times we were successful, how
// many times we failed etc. It also manages the backoff time and black-
// listing a remote host if it remains uncooperative.
type ServerStatistics struct {
	statistics       *Statistics
	serverName       string
	blacklisted      atomic.Bool
	assumedOffline   atomic.Bool
	backoffStarted   atomic.Bool
	backoffUntil     atomic.Value // time.Time to wait until before sending requests
	backoffCount     atomic.Uint32
	successCounter   atomic.Uint32
	interruptBackoff chan bool
}

// Success marks the server as alive again: the failure counters reset, the
// blacklist and assumed-offline entries are removed and any persisted retry
// state is dropped.
func (s *ServerStatistics) Success() {
	s.successCounter.Inc()
	s.reconnect()
}

func (s *ServerStatistics) reconnect() {
	wasBlacklisted := s.blacklisted.Load()
	s.backoffStarted.Store(false)
	s.backoffUntil.Store(time.Time{})
	s.backoffCount.Store(0)
	s.blacklisted.Store(false)
	s.assumedOffline.Store(false)
	if s.statistics.DB == nil {
		return
	}
	ctx := context.Background()
	if wasBlacklisted {
		if err := s.statistics.DB.RemoveServerFromBlacklist(ctx, s.serverName); err != nil {
			logrus.WithError(err).Errorf("Failed to remove %q from blacklist", s.serverName)
		}
	}
	if err := s.statistics.DB.RemoveServerAssumedOffline(ctx, s.serverName); err != nil {
		logrus.WithError(err).Errorf("Failed to remove %q from assumed offline", s.serverName)
	}
	if s.statistics.persistRetryState {
		if err := s.statistics.DB.RemoveRetryState(ctx, s.serverName); err != nil {
			logrus.WithError(err).Errorf("Failed to remove retry state for %q", s.serverName)
		}
	}
	select {
	case s.interruptBackoff <- true:
	default:
	}
}

// Failure marks a failed interaction with the server. It starts or extends
// the exponential backoff and returns the time the caller should wait until
// before trying again, along with whether the failure pushed the server over
// the blacklist threshold. Whitelisted servers back off but are never
// blacklisted or assumed offline.
func (s *ServerStatistics) Failure() (time.Time, bool) {
	ctx := context.Background()
	count := s.backoffCount.Inc()

	whitelisted := false
	if s.statistics.DB != nil {
		var err error
		whitelisted, err = s.statistics.DB.IsServerWhitelisted(ctx, s.serverName)
		if err != nil {
			logrus.WithError(err).Errorf("Failed to get whitelist entry %q", s.serverName)
		}
	}

	if count >= s.statistics.FailuresUntilAssumedOffline && !whitelisted {
		if s.assumedOffline.CompareAndSwap(false, true) && s.statistics.DB != nil {
			if err := s.statistics.DB.SetServerAssumedOffline(ctx, s.serverName); err != nil {
				logrus.WithError(err).Errorf("Failed to set %q as assumed offline", s.serverName)
			}
		}
	}
	if count >= s.statistics.FailuresUntilBlacklist && !whitelisted {
		s.backoffStarted.Store(false)
		s.backoffUntil.Store(time.Time{})
		if s.blacklisted.CompareAndSwap(false, true) && s.statistics.DB != nil {
			if err := s.statistics.DB.AddServerToBlacklist(ctx, s.serverName); err != nil {
				logrus.WithError(err).Errorf("Failed to add %q to blacklist", s.serverName)
			}
			if s.statistics.persistRetryState {
				if err := s.statistics.DB.RemoveRetryState(ctx, s.serverName); err != nil {
					logrus.WithError(err).Errorf("Failed to remove retry state for %q", s.serverName)
				}
			}
		}
		return time.Time{}, true
	}

	// We're always backing off after a failure, so take the current
	// failure count and work out the duration from there, with jitter so
	// that backoffs from a shared outage spread out.
	s.backoffStarted.Store(true)
	duration := time.Second * time.Duration(math.Exp2(float64(count)))
	jitter := minJitterMultiplier + rand.Float64()*(maxJitterMultiplier-minJitterMultiplier)
	duration = time.Duration(float64(duration) * jitter)
	if duration > maxBackoffDuration {
		duration = maxBackoffDuration
	}
	until := time.Now().Add(duration)
	s.backoffUntil.Store(until)

	if s.statistics.DB != nil && s.statistics.persistRetryState {
		if err := s.statistics.DB.UpsertRetryState(ctx, s.serverName, count, until.UnixMilli()); err != nil {
			logrus.WithError(err).Errorf("Failed to persist retry state for %q", s.serverName)
		}
	}
	return until, false
}

// BackoffIfRequired waits for the current backoff period to pass, if there
// is one. The wait can be interrupted by a successful incoming interaction
// or by the supplied channel.
func (s *ServerStatistics) BackoffIfRequired(backingOff *atomic.Bool, interrupt <-chan bool) (time.Duration, bool) {
	until, ok := s.backoffUntil.Load().(time.Time)
	if !ok || until.IsZero() || !until.After(time.Now()) {
		return 0, false
	}
	backingOff.Store(true)
	defer backingOff.Store(false)

	duration := time.Until(until)
	select {
	case <-interrupt:
	case <-s.interruptBackoff:
	case <-time.After(duration):
	}
	return duration, true
}

// BackoffInfo returns when the current backoff ends, or nil if the server is
// not backing off.
func (s *ServerStatistics) BackoffInfo() *time.Time {
	until, ok := s.backoffUntil.Load().(time.Time)
	if ok && until.After(time.Now()) {
		return &until
	}
	return nil
}

// Blacklisted returns true if the server is blacklisted and false otherwise.
func (s *ServerStatistics) Blacklisted() bool {
	return s.blacklisted.Load()
}

// AssumedOffline returns true if the server is assumed offline and false
// otherwise.
func (s *ServerStatistics) AssumedOffline() bool {
	return s.assumedOffline.Load()
}

// RemoveBlacklist removes the blacklisted status from the server.
func (s *ServerStatistics) RemoveBlacklist() {
	s.blacklisted.Store(false)
	s.backoffCount.Store(0)
	if s.statistics.DB != nil {
		if err := s.statistics.DB.RemoveServerFromBlacklist(context.Background(), s.serverName); err != nil {
			logrus.WithError(err).Errorf("Failed to remove %q from blacklist", s.serverName)
		}
	}
}

// ClearBackoff drops the in-memory backoff without touching the failure
// counters or the database. Used when a previously unreachable server asks
// us to retry.
func (s *ServerStatistics) ClearBackoff() {
	s.backoffStarted.Store(false)
	s.backoffUntil.Store(time.Time{})
	s.backoffCount.Store(0)
}

// SuccessCount returns the number of successful requests. This is mainly
// used in tests.
func (s *ServerStatistics) SuccessCount() uint32 {
	return s.successCounter.Load()
}
