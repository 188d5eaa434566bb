// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"fmt"

	"github.com/element-hq/construct/internal/caching"
	"github.com/element-hq/construct/internal/sequence"
	"github.com/element-hq/construct/internal/sqlutil"
	"github.com/element-hq/construct/roomserver/storage/shared"
	"github.com/element-hq/construct/roomserver/types"
	"github.com/element-hq/construct/setup/config"
)

// A Database is used to store room events and stream offsets.
type Database struct {
	shared.Database
}

// Open a sqlite database.
func Open(ctx context.Context, conMan *sqlutil.ConnectionManager, dbProperties *config.DatabaseOptions, cache caching.RoomServerCaches) (*Database, error) {
	var d Database
	db, writer, err := conMan.Connection(dbProperties)
	if err != nil {
		return nil, fmt.Errorf("sqlutil.Open: %w", err)
	}

	if err = CreateEventStateKeysTable(db); err != nil {
		return nil, err
	}
	if err = CreateEventTypesTable(db); err != nil {
		return nil, err
	}
	if err = CreateEventJSONTable(db); err != nil {
		return nil, err
	}
	if err = CreateEventsTable(db); err != nil {
		return nil, err
	}
	if err = CreateRoomsTable(db); err != nil {
		return nil, err
	}
	if err = CreateStateFramesTable(db); err != nil {
		return nil, err
	}
	if err = CreatePrevEventsTable(db); err != nil {
		return nil, err
	}
	if err = CreateAuthChainsTable(db); err != nil {
		return nil, err
	}
	if err = CreateMembershipTable(db); err != nil {
		return nil, err
	}
	if err = CreateRedactionsTable(db); err != nil {
		return nil, err
	}

	eventStateKeys, err := PrepareEventStateKeysTable(db)
	if err != nil {
		return nil, err
	}
	eventTypes, err := PrepareEventTypesTable(db)
	if err != nil {
		return nil, err
	}
	eventJSON, err := PrepareEventJSONTable(db)
	if err != nil {
		return nil, err
	}
	events, err := PrepareEventsTable(db)
	if err != nil {
		return nil, err
	}
	rooms, err := PrepareRoomsTable(db)
	if err != nil {
		return nil, err
	}
	stateFrames, err := PrepareStateFramesTable(db)
	if err != nil {
		return nil, err
	}
	prevEvents, err := PreparePrevEventsTable(db)
	if err != nil {
		return nil, err
	}
	authChains, err := PrepareAuthChainsTable(db)
	if err != nil {
		return nil, err
	}
	membership, err := PrepareMembershipTable(db)
	if err != nil {
		return nil, err
	}
	redactions, err := PrepareRedactionsTable(db)
	if err != nil {
		return nil, err
	}

	maxEventNID, err := events.SelectMaxEventNID(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("events.SelectMaxEventNID: %w", err)
	}

	d.Database = shared.Database{
		DB:     db,
		Cache:  cache,
		Writer: writer,
		EventDatabase: shared.EventDatabase{
			DB:                  db,
			Cache:               cache,
			Writer:              writer,
			SN:                  sequence.NewAllocator(sequence.SN(maxEventNID)),
			EventsTable:         events,
			EventJSONTable:      eventJSON,
			EventTypesTable:     eventTypes,
			EventStateKeysTable: eventStateKeys,
			PrevEventsTable:     prevEvents,
			AuthChainsTable:     authChains,
			RedactionsTable:     redactions,
		},
		RoomsTable:       rooms,
		StateFramesTable: stateFrames,
		MembershipTable:  membership,
	}
	// The exclusive writer serialises every write already: room updaters
	// skip the long-lived transaction so they never deadlock against it.
	d.GetRoomUpdaterFn = func(ctx context.Context, roomInfo *types.RoomInfo) (*shared.RoomUpdater, error) {
		return shared.NewRoomUpdater(ctx, &d.Database, nil, roomInfo)
	}
	return &d, nil
}

// SupportsConcurrentRoomInputs returns false because sqlite only supports
// one writer at a time.
func (d *Database) SupportsConcurrentRoomInputs() bool {
	return false
}
