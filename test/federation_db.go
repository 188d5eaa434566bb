// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"context"
	"sync"

	"github.com/element-hq/construct/federationapi/types"
)

// InMemoryFederationDatabase is a map-backed federation database for tests.
type InMemoryFederationDatabase struct {
	mutex          sync.Mutex
	retryStates    map[string]types.RetryState
	blacklisted    map[string]struct{}
	assumedOffline map[string]struct{}
	whitelisted    map[string]struct{}
}

func NewInMemoryFederationDatabase() *InMemoryFederationDatabase {
	return &InMemoryFederationDatabase{
		retryStates:    make(map[string]types.RetryState),
		blacklisted:    make(map[string]struct{}),
		assumedOffline: make(map[string]struct{}),
		whitelisted:    make(map[string]struct{}),
	}
}

func (d *InMemoryFederationDatabase) UpsertRetryState(ctx context.Context, serverName string, failureCount uint32, retryUntil int64) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.retryStates[serverName] = types.RetryState{
		FailureCount: failureCount,
		RetryUntil:   retryUntil,
	}
	return nil
}

func (d *InMemoryFederationDatabase) GetRetryState(ctx context.Context, serverName string) (uint32, int64, bool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	state, ok := d.retryStates[serverName]
	return state.FailureCount, state.RetryUntil, ok, nil
}

func (d *InMemoryFederationDatabase) GetAllRetryStates(ctx context.Context) (map[string]types.RetryState, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	result := make(map[string]types.RetryState, len(d.retryStates))
	for name, state := range d.retryStates {
		result[name] = state
	}
	return result, nil
}

func (d *InMemoryFederationDatabase) RemoveRetryState(ctx context.Context, serverName string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	delete(d.retryStates, serverName)
	return nil
}

func (d *InMemoryFederationDatabase) AddServerToBlacklist(ctx context.Context, serverName string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.blacklisted[serverName] = struct{}{}
	return nil
}

func (d *InMemoryFederationDatabase) RemoveServerFromBlacklist(ctx context.Context, serverName string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	delete(d.blacklisted, serverName)
	return nil
}

func (d *InMemoryFederationDatabase) RemoveAllServersFromBlacklist(ctx context.Context) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.blacklisted = make(map[string]struct{})
	return nil
}

func (d *InMemoryFederationDatabase) IsServerBlacklisted(ctx context.Context, serverName string) (bool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	_, ok := d.blacklisted[serverName]
	return ok, nil
}

func (d *InMemoryFederationDatabase) SetServerAssumedOffline(ctx context.Context, serverName string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.assumedOffline[serverName] = struct{}{}
	return nil
}

func (d *InMemoryFederationDatabase) RemoveServerAssumedOffline(ctx context.Context, serverName string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	delete(d.assumedOffline, serverName)
	return nil
}

func (d *InMemoryFederationDatabase) RemoveAllServersAssumedOffline(ctx context.Context) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.assumedOffline = make(map[string]struct{})
	return nil
}

func (d *InMemoryFederationDatabase) IsServerAssumedOffline(ctx context.Context, serverName string) (bool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	_, ok := d.assumedOffline[serverName]
	return ok, nil
}

func (d *InMemoryFederationDatabase) AddServerToWhitelist(ctx context.Context, serverName string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.whitelisted[serverName] = struct{}{}
	return nil
}

func (d *InMemoryFederationDatabase) RemoveServerFromWhitelist(ctx context.Context, serverName string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	delete(d.whitelisted, serverName)
	return nil
}

func (d *InMemoryFederationDatabase) RemoveAllServersFromWhitelist(ctx context.Context) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.whitelisted = make(map[string]struct{})
	return nil
}

func (d *InMemoryFederationDatabase) IsServerWhitelisted(ctx context.Context, serverName string) (bool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	_, ok := d.whitelisted[serverName]
	return ok, nil
}
