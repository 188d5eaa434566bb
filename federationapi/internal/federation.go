// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"time"

	fedapi "github.com/element-hq/construct/federationapi/api"
	"github.com/element-hq/construct/matrix"
)

// Functions here are "proxying" calls to the raw federation transport
// through the statistics tracking, so that a destination that fails
// repeatedly backs off and eventually gets blacklisted.

func (a *FederationInternalAPI) GetEventAuth(
	ctx context.Context, origin, s string,
	roomVersion matrix.RoomVersion, roomID, eventID string,
) (res matrix.RespEventAuth, err error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second*30)
	defer cancel()
	ires, err := a.doRequestIfNotBackingOffOrBlacklisted(s, func() (interface{}, error) {
		return a.transport.GetEventAuth(ctx, origin, s, roomVersion, roomID, eventID)
	})
	if err != nil {
		return matrix.RespEventAuth{}, err
	}
	return ires.(matrix.RespEventAuth), nil
}

func (a *FederationInternalAPI) GetEvent(
	ctx context.Context, origin, s string, eventID string,
) (res matrix.Transaction, err error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second*30)
	defer cancel()
	ires, err := a.doRequestIfNotBackingOffOrBlacklisted(s, func() (interface{}, error) {
		return a.transport.GetEvent(ctx, origin, s, eventID)
	})
	if err != nil {
		return matrix.Transaction{}, err
	}
	return ires.(matrix.Transaction), nil
}

func (a *FederationInternalAPI) LookupMissingEvents(
	ctx context.Context, origin, s string, roomID string,
	missing matrix.MissingEvents, roomVersion matrix.RoomVersion,
) (res matrix.RespMissingEvents, err error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute*1)
	defer cancel()
	ires, err := a.doRequestIfNotBackingOffOrBlacklisted(s, func() (interface{}, error) {
		return a.transport.LookupMissingEvents(ctx, origin, s, roomID, missing, roomVersion)
	})
	if err != nil {
		return matrix.RespMissingEvents{}, err
	}
	return ires.(matrix.RespMissingEvents), nil
}

func (a *FederationInternalAPI) LookupState(
	ctx context.Context, origin, s string, roomID, eventID string,
	roomVersion matrix.RoomVersion,
) (res matrix.RespState, err error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute*5)
	defer cancel()
	ires, err := a.doRequestIfNotBackingOffOrBlacklisted(s, func() (interface{}, error) {
		return a.transport.LookupState(ctx, origin, s, roomID, eventID, roomVersion)
	})
	if err != nil {
		return matrix.RespState{}, err
	}
	return ires.(matrix.RespState), nil
}

func (a *FederationInternalAPI) LookupStateIDs(
	ctx context.Context, origin, s string, roomID, eventID string,
) (res matrix.RespStateIDs, err error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute*1)
	defer cancel()
	ires, err := a.doRequestIfNotBackingOffOrBlacklisted(s, func() (interface{}, error) {
		return a.transport.LookupStateIDs(ctx, origin, s, roomID, eventID)
	})
	if err != nil {
		return matrix.RespStateIDs{}, err
	}
	return ires.(matrix.RespStateIDs), nil
}

func (a *FederationInternalAPI) MakeJoin(
	ctx context.Context, origin, s string, roomID, userID string,
) (res matrix.RespMakeJoin, err error) {
	ires, err := a.doRequestIfNotBackingOffOrBlacklisted(s, func() (interface{}, error) {
		return a.transport.MakeJoin(ctx, origin, s, roomID, userID)
	})
	if err != nil {
		return matrix.RespMakeJoin{}, err
	}
	return ires.(matrix.RespMakeJoin), nil
}

func (a *FederationInternalAPI) SendJoin(
	ctx context.Context, origin, s string, event matrix.PDU,
) (res matrix.RespSendJoin, err error) {
	ires, err := a.doRequestIfNotBlacklisted(s, func() (interface{}, error) {
		return a.transport.SendJoin(ctx, origin, s, event)
	})
	if err != nil {
		return matrix.RespSendJoin{}, err
	}
	return ires.(matrix.RespSendJoin), nil
}

func (a *FederationInternalAPI) MakeLeave(
	ctx context.Context, origin, s string, roomID, userID string,
) (res matrix.RespMakeLeave, err error) {
	ires, err := a.doRequestIfNotBackingOffOrBlacklisted(s, func() (interface{}, error) {
		return a.transport.MakeLeave(ctx, origin, s, roomID, userID)
	})
	if err != nil {
		return matrix.RespMakeLeave{}, err
	}
	return ires.(matrix.RespMakeLeave), nil
}

func (a *FederationInternalAPI) SendLeave(
	ctx context.Context, origin, s string, event matrix.PDU,
) (err error) {
	_, err = a.doRequestIfNotBlacklisted(s, func() (interface{}, error) {
		err := a.transport.SendLeave(ctx, origin, s, event)
		return nil, err
	})
	return err
}

func (a *FederationInternalAPI) MakeKnock(
	ctx context.Context, origin, s string, roomID, userID string,
	roomVersions []matrix.RoomVersion,
) (res matrix.RespMakeKnock, err error) {
	ires, err := a.doRequestIfNotBackingOffOrBlacklisted(s, func() (interface{}, error) {
		return a.transport.MakeKnock(ctx, origin, s, roomID, userID, roomVersions)
	})
	if err != nil {
		return matrix.RespMakeKnock{}, err
	}
	return ires.(matrix.RespMakeKnock), nil
}

func (a *FederationInternalAPI) SendKnock(
	ctx context.Context, origin, s string, event matrix.PDU,
) (res matrix.RespSendKnock, err error) {
	ires, err := a.doRequestIfNotBlacklisted(s, func() (interface{}, error) {
		return a.transport.SendKnock(ctx, origin, s, event)
	})
	if err != nil {
		return matrix.RespSendKnock{}, err
	}
	return ires.(matrix.RespSendKnock), nil
}

func (a *FederationInternalAPI) SendTransaction(
	ctx context.Context, t matrix.Transaction,
) (res fedapi.RespSend, err error) {
	ires, err := a.doRequestIfNotBlacklisted(t.Destination, func() (interface{}, error) {
		return a.transport.SendTransaction(ctx, t)
	})
	if err != nil {
		return fedapi.RespSend{}, err
	}
	return ires.(fedapi.RespSend), nil
}

func (a *FederationInternalAPI) Backfill(
	ctx context.Context, origin, s string, roomID string, limit int, eventIDs []string,
) (res matrix.Transaction, err error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute*1)
	defer cancel()
	ires, err := a.doRequestIfNotBackingOffOrBlacklisted(s, func() (interface{}, error) {
		return a.transport.Backfill(ctx, origin, s, roomID, limit, eventIDs)
	})
	if err != nil {
		return matrix.Transaction{}, err
	}
	return ires.(matrix.Transaction), nil
}
