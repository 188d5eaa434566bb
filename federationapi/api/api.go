// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
	"fmt"
	"time"

	"github.com/element-hq/construct/matrix"
)

// FederationInternalAPI is the complete interface to the federation API,
// used by the other local components.
type FederationInternalAPI interface {
	FederationClient
	RoomserverFederationAPI
	KeyserverFederationAPI

	// PerformJoin joins the given room through one of the candidate servers.
	PerformJoin(
		ctx context.Context,
		request *PerformJoinRequest,
		response *PerformJoinResponse,
	)
	// PerformLeave leaves the given room through one of the candidate
	// servers.
	PerformLeave(
		ctx context.Context,
		request *PerformLeaveRequest,
		response *PerformLeaveResponse,
	) error
	// PerformKnock knocks on the given room through one of the candidate
	// servers.
	PerformKnock(
		ctx context.Context,
		request *PerformKnockRequest,
		response *PerformKnockResponse,
	) error
	// MarkServersAlive marks the given destinations as alive, resetting
	// their backoff state. Called when we receive traffic from them.
	MarkServersAlive(destinations []string)
}

// RoomserverFederationAPI is the subset of the federation API used by the
// roomserver, mainly while resolving missing events.
type RoomserverFederationAPI interface {
	// GetEventAuth returns the auth chain for one event.
	GetEventAuth(ctx context.Context, origin, s string, roomVersion matrix.RoomVersion, roomID, eventID string) (res matrix.RespEventAuth, err error)
	// GetEvent returns one event.
	GetEvent(ctx context.Context, origin, s string, eventID string) (res matrix.Transaction, err error)
	// LookupMissingEvents asks a remote server for events on the path
	// between the earliest events we have and the latest events we are
	// missing.
	LookupMissingEvents(ctx context.Context, origin, s string, roomID string, missing matrix.MissingEvents, roomVersion matrix.RoomVersion) (res matrix.RespMissingEvents, err error)
	// LookupState returns the room state at an event.
	LookupState(ctx context.Context, origin, s string, roomID, eventID string, roomVersion matrix.RoomVersion) (res matrix.RespState, err error)
	// LookupStateIDs returns the room state at an event as event IDs,
	// without the event bodies.
	LookupStateIDs(ctx context.Context, origin, s string, roomID, eventID string) (res matrix.RespStateIDs, err error)
	// Backfill fetches older events for a room from a remote server.
	Backfill(ctx context.Context, origin, s string, roomID string, limit int, eventIDs []string) (res matrix.Transaction, err error)
}

// KeyserverFederationAPI is the subset used to fetch signing keys for
// remote servers.
type KeyserverFederationAPI interface {
	// GetServerKeys fetches the current signing keys of a remote server.
	GetServerKeys(ctx context.Context, matrixServer string) (map[string]matrix.PublicKeyLookupResult, error)
}

// FederationClient is the federation client surface exposed to the rest of
// the process. Every method routes the request through the per-destination
// retry and blacklist statistics.
type FederationClient interface {
	MakeJoin(ctx context.Context, origin, s string, roomID, userID string) (res matrix.RespMakeJoin, err error)
	SendJoin(ctx context.Context, origin, s string, event matrix.PDU) (res matrix.RespSendJoin, err error)
	MakeLeave(ctx context.Context, origin, s string, roomID, userID string) (res matrix.RespMakeLeave, err error)
	SendLeave(ctx context.Context, origin, s string, event matrix.PDU) (err error)
	MakeKnock(ctx context.Context, origin, s string, roomID, userID string, roomVersions []matrix.RoomVersion) (res matrix.RespMakeKnock, err error)
	SendKnock(ctx context.Context, origin, s string, event matrix.PDU) (res matrix.RespSendKnock, err error)
	SendTransaction(ctx context.Context, t matrix.Transaction) (res RespSend, err error)
}

// FederationTransport is the raw per-request client over the federation HTTP
// APIs, without any retry or blacklist behaviour. Implementations deal with
// request signing and server name resolution.
type FederationTransport interface {
	FederationClient
	RoomserverFederationAPI
	KeyserverFederationAPI
}

// RespSend is the content of a response to /send.
type RespSend struct {
	// A map of event ID to the result of processing that event.
	PDUs map[string]PDUResult `json:"pdus"`
}

// PDUResult is the result of processing one event in a transaction.
type PDUResult struct {
	// Empty if the event was processed, otherwise the reason it failed.
	Error string `json:"error,omitempty"`
}

// PerformJoinRequest asks the federation API to join a room through one of
// the listed candidate servers.
type PerformJoinRequest struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	// The sorted list of servers to try. Servers will be tried sequentially,
	// after de-duplication.
	ServerNames []string               `json:"server_names"`
	Content     map[string]interface{} `json:"content"`
	Unsigned    map[string]interface{} `json:"unsigned"`
}

type PerformJoinResponse struct {
	RoomID    string                 `json:"room_id"`
	JoinedVia string                 `json:"joined_via"`
	LastError *FederationClientError `json:"last_error"`
}

type PerformLeaveRequest struct {
	RoomID      string   `json:"room_id"`
	UserID      string   `json:"user_id"`
	ServerNames []string `json:"server_names"`
}

type PerformLeaveResponse struct {
}

type PerformKnockRequest struct {
	RoomID      string                 `json:"room_id"`
	UserID      string                 `json:"user_id"`
	ServerNames []string               `json:"server_names"`
	Content     map[string]interface{} `json:"content"`
}

type PerformKnockResponse struct {
	RoomID     string `json:"room_id"`
	KnockedVia string `json:"knocked_via"`
}

// FederationClientError is returned when a federation request fails in a
// way the caller may want to inspect, carrying the backoff state of the
// destination.
type FederationClientError struct {
	Err         string        `json:"err"`
	RetryAfter  time.Duration `json:"retry_after"`
	Blacklisted bool          `json:"blacklisted"`
	Code        int           `json:"code"`
}

func (e *FederationClientError) Error() string {
	return fmt.Sprintf("%s - (retry_after: %s, blacklisted: %v)", e.Err, e.RetryAfter.String(), e.Blacklisted)
}
