// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	"github.com/element-hq/construct/federationapi/types"
)

// Database persists the per-destination delivery state of the federation
// sender.
type Database interface {
	UpsertRetryState(ctx context.Context, serverName string, failureCount uint32, retryUntil int64) error
	GetRetryState(ctx context.Context, serverName string) (failureCount uint32, retryUntil int64, exists bool, err error)
	GetAllRetryStates(ctx context.Context) (map[string]types.RetryState, error)
	RemoveRetryState(ctx context.Context, serverName string) error

	AddServerToBlacklist(ctx context.Context, serverName string) error
	RemoveServerFromBlacklist(ctx context.Context, serverName string) error
	RemoveAllServersFromBlacklist(ctx context.Context) error
	IsServerBlacklisted(ctx context.Context, serverName string) (bool, error)

	SetServerAssumedOffline(ctx context.Context, serverName string) error
	RemoveServerAssumedOffline(ctx context.Context, serverName string) error
	RemoveAllServersAssumedOffline(ctx context.Context) error
	IsServerAssumedOffline(ctx context.Context, serverName string) (bool, error)

	AddServerToWhitelist(ctx context.Context, serverName string) error
	RemoveServerFromWhitelist(ctx context.Context, serverName string) error
	RemoveAllServersFromWhitelist(ctx context.Context) error
	IsServerWhitelisted(ctx context.Context, serverName string) (bool, error)
}
