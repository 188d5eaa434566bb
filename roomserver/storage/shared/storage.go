// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/tidwall/sjson"

	"github.com/element-hq/construct/internal/caching"
	"github.com/element-hq/construct/internal/sequence"
	"github.com/element-hq/construct/internal/sqlutil"
	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/storage/tables"
	"github.com/element-hq/construct/roomserver/types"
)

// EventDatabase covers the tables that deal with individual events: their
// interned numeric IDs, their JSON bodies and the references between them.
type EventDatabase struct {
	DB                  *sql.DB
	Cache               caching.RoomServerCaches
	Writer              sqlutil.Writer
	SN                  *sequence.Allocator
	EventsTable         tables.Events
	EventJSONTable      tables.EventJSON
	EventTypesTable     tables.EventTypes
	EventStateKeysTable tables.EventStateKeys
	PrevEventsTable     tables.PreviousEvents
	AuthChainsTable     tables.AuthChains
	RedactionsTable     tables.Redactions
}

// Database contains the per-room tables on top of the event tables.
type Database struct {
	EventDatabase
	DB               *sql.DB
	Cache            caching.RoomServerCaches
	Writer           sqlutil.Writer
	RoomsTable       tables.Rooms
	StateFramesTable tables.StateFrames
	MembershipTable  tables.Membership

	// GetRoomUpdaterFn overrides how a RoomUpdater is opened. SQLite sets
	// this to skip the long-lived transaction, since its exclusive writer
	// already serialises all writes.
	GetRoomUpdaterFn func(ctx context.Context, roomInfo *types.RoomInfo) (*RoomUpdater, error)
}

// EventTypeNIDs returns the numeric IDs of the given event types. Event
// types that are not interned yet are omitted from the result.
func (d *EventDatabase) EventTypeNIDs(ctx context.Context, eventTypes []string) (map[string]types.EventTypeNID, error) {
	result := make(map[string]types.EventTypeNID, len(eventTypes))
	var fetch []string
	for _, eventType := range eventTypes {
		if nid, ok := d.Cache.GetEventTypeKey(eventType); ok {
			result[eventType] = nid
			continue
		}
		fetch = append(fetch, eventType)
	}
	if len(fetch) == 0 {
		return result, nil
	}
	nids, err := d.EventTypesTable.BulkSelectEventTypeNID(ctx, nil, fetch)
	if err != nil {
		return nil, err
	}
	for eventType, nid := range nids {
		result[eventType] = nid
		d.Cache.StoreEventTypeKey(nid, eventType)
	}
	return result, nil
}

// EventStateKeyNIDs returns the numeric IDs of the given state keys. State
// keys that are not interned yet are omitted from the result.
func (d *EventDatabase) EventStateKeyNIDs(ctx context.Context, eventStateKeys []string) (map[string]types.EventStateKeyNID, error) {
	result := make(map[string]types.EventStateKeyNID, len(eventStateKeys))
	var fetch []string
	for _, stateKey := range eventStateKeys {
		if nid, ok := d.Cache.GetEventStateKeyNID(stateKey); ok {
			result[stateKey] = nid
			continue
		}
		fetch = append(fetch, stateKey)
	}
	if len(fetch) == 0 {
		return result, nil
	}
	nids, err := d.EventStateKeysTable.BulkSelectEventStateKeyNID(ctx, nil, fetch)
	if err != nil {
		return nil, err
	}
	for stateKey, nid := range nids {
		result[stateKey] = nid
		d.Cache.StoreEventStateKey(nid, stateKey)
	}
	return result, nil
}

// EventStateKeys returns the string state keys for the given numeric IDs.
func (d *EventDatabase) EventStateKeys(ctx context.Context, eventStateKeyNIDs []types.EventStateKeyNID) (map[types.EventStateKeyNID]string, error) {
	result := make(map[types.EventStateKeyNID]string, len(eventStateKeyNIDs))
	var fetch []types.EventStateKeyNID
	for _, nid := range eventStateKeyNIDs {
		if key, ok := d.Cache.GetEventStateKey(nid); ok {
			result[nid] = key
			continue
		}
		fetch = append(fetch, nid)
	}
	if len(fetch) == 0 {
		return result, nil
	}
	keys, err := d.EventStateKeysTable.BulkSelectEventStateKey(ctx, nil, fetch)
	if err != nil {
		return nil, err
	}
	for nid, key := range keys {
		result[nid] = key
		d.Cache.StoreEventStateKey(nid, key)
	}
	return result, nil
}

// GetOrCreateEventTypeNID interns the event type, allocating a numeric ID if
// it has not been seen before.
func (d *EventDatabase) GetOrCreateEventTypeNID(ctx context.Context, eventType string) (types.EventTypeNID, error) {
	if nid, ok := d.Cache.GetEventTypeKey(eventType); ok {
		return nid, nil
	}
	var eventTypeNID types.EventTypeNID
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) (err error) {
		eventTypeNID, err = d.EventTypesTable.InsertEventTypeNID(ctx, txn, eventType)
		if errors.Is(err, sql.ErrNoRows) {
			// The type was interned by someone else between our cache miss
			// and the insert, so the insert returned no row.
			eventTypeNID, err = d.EventTypesTable.SelectEventTypeNID(ctx, txn, eventType)
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("d.EventTypesTable.InsertEventTypeNID: %w", err)
	}
	d.Cache.StoreEventTypeKey(eventTypeNID, eventType)
	return eventTypeNID, nil
}

// GetOrCreateEventStateKeyNID interns the state key. A nil state key maps to
// NID 0, which no interned state key ever uses.
func (d *EventDatabase) GetOrCreateEventStateKeyNID(ctx context.Context, eventStateKey *string) (types.EventStateKeyNID, error) {
	if eventStateKey == nil {
		return 0, nil
	}
	if nid, ok := d.Cache.GetEventStateKeyNID(*eventStateKey); ok {
		return nid, nil
	}
	var eventStateKeyNID types.EventStateKeyNID
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) (err error) {
		eventStateKeyNID, err = d.EventStateKeysTable.InsertEventStateKeyNID(ctx, txn, *eventStateKey)
		if errors.Is(err, sql.ErrNoRows) {
			eventStateKeyNID, err = d.EventStateKeysTable.SelectEventStateKeyNID(ctx, txn, *eventStateKey)
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("d.EventStateKeysTable.InsertEventStateKeyNID: %w", err)
	}
	d.Cache.StoreEventStateKey(eventStateKeyNID, *eventStateKey)
	return eventStateKeyNID, nil
}

// StateEntriesForEventIDs returns the state entries (type, state key, event
// NID) for the given state event IDs.
func (d *EventDatabase) StateEntriesForEventIDs(ctx context.Context, eventIDs []string, excludeRejected bool) ([]types.StateEntry, error) {
	return d.EventsTable.BulkSelectStateEventByID(ctx, nil, eventIDs, excludeRejected)
}

// StateAtEventIDs returns the state before each of the given events.
func (d *EventDatabase) StateAtEventIDs(ctx context.Context, eventIDs []string) ([]types.StateAtEvent, error) {
	return d.EventsTable.BulkSelectStateAtEventByID(ctx, nil, eventIDs)
}

// SnapshotNIDFromEventID returns the NID of the state frame before the event.
func (d *EventDatabase) SnapshotNIDFromEventID(ctx context.Context, eventID string) (types.StateFrameNID, error) {
	_, stateNID, err := d.EventsTable.SelectEvent(ctx, nil, eventID)
	if err != nil {
		return 0, err
	}
	if stateNID == 0 {
		return 0, sql.ErrNoRows // 0 is a reserved frame NID
	}
	return stateNID, err
}

// BulkSelectSnapshotsFromEventIDs groups the given event IDs by the state
// frame before them.
func (d *EventDatabase) BulkSelectSnapshotsFromEventIDs(ctx context.Context, eventIDs []string) (map[types.StateFrameNID][]string, error) {
	return d.EventsTable.BulkSelectSnapshotsFromEventIDs(ctx, nil, eventIDs)
}

// EventNIDs returns a map from event ID to event NID and room NID for all of
// the given event IDs that are known. Unknown event IDs are omitted.
func (d *EventDatabase) EventNIDs(ctx context.Context, eventIDs []string) (map[string]types.EventMetadata, error) {
	return d.EventsTable.BulkSelectEventNID(ctx, nil, eventIDs)
}

// EventIDs returns a map from event NID to event ID. NIDs with no stored
// event are omitted.
func (d *EventDatabase) EventIDs(ctx context.Context, eventNIDs []types.EventNID) (map[types.EventNID]string, error) {
	return d.EventsTable.BulkSelectEventID(ctx, nil, eventNIDs)
}

// SetState updates the state frame recorded against an event, used once the
// state before an event has been calculated.
func (d *EventDatabase) SetState(ctx context.Context, eventNID types.EventNID, stateNID types.StateFrameNID) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.EventsTable.UpdateEventState(ctx, txn, eventNID, stateNID)
	})
}

// MarkEventAsRejected flips the rejection flag on an already stored event.
func (d *EventDatabase) MarkEventAsRejected(ctx context.Context, eventNID types.EventNID, rejected bool) error {
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.EventsTable.MarkEventRejected(ctx, txn, eventNID, rejected)
	})
	if err != nil {
		return err
	}
	d.Cache.InvalidateRoomServerEvent(eventNID)
	return nil
}

// Events looks up the events for the given NIDs, parsing the stored JSON
// with the given room version. The returned slice omits NIDs that have no
// stored JSON.
func (d *EventDatabase) Events(ctx context.Context, roomVersion matrix.RoomVersion, eventNIDs []types.EventNID) ([]types.Event, error) {
	events := make(map[types.EventNID]types.Event, len(eventNIDs))
	var fetch []types.EventNID
	for _, nid := range eventNIDs {
		if cached, ok := d.Cache.GetRoomServerEvent(nid); ok {
			events[nid] = types.Event{EventNID: nid, PDU: cached.PDU}
			continue
		}
		fetch = append(fetch, nid)
	}
	if len(fetch) > 0 {
		verImpl, err := matrix.GetRoomVersion(roomVersion)
		if err != nil {
			return nil, err
		}
		eventIDs, err := d.EventsTable.BulkSelectEventID(ctx, nil, fetch)
		if err != nil {
			eventIDs = map[types.EventNID]string{}
		}
		eventJSONs, err := d.EventJSONTable.BulkSelectEventJSON(ctx, nil, fetch)
		if err != nil {
			return nil, err
		}
		for _, pair := range eventJSONs {
			ev, err := matrix.NewEventFromTrustedJSONWithEventID(
				eventIDs[pair.EventNID], pair.EventJSON, false, verImpl,
			)
			if err != nil {
				return nil, err
			}
			events[pair.EventNID] = types.Event{EventNID: pair.EventNID, PDU: ev}
			d.Cache.StoreRoomServerEvent(pair.EventNID, &types.HeaderedEvent{PDU: ev})
		}
	}
	results := make([]types.Event, 0, len(events))
	for _, nid := range eventNIDs {
		event, ok := events[nid]
		if !ok {
			continue
		}
		results = append(results, event)
	}
	return results, nil
}

// EventsFromIDs looks up events by their string event IDs. Unknown event IDs
// are omitted from the result.
func (d *EventDatabase) EventsFromIDs(ctx context.Context, roomInfo *types.RoomInfo, eventIDs []string) ([]types.Event, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	if roomInfo == nil {
		return nil, types.ErrorInvalidRoomInfo
	}
	nidMap, err := d.EventNIDs(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	nids := make([]types.EventNID, 0, len(nidMap))
	for _, nid := range nidMap {
		nids = append(nids, nid.EventNID)
	}
	return d.Events(ctx, roomInfo.RoomVersion, nids)
}

// StoreEvent persists the event and its JSON, interning its room, type and
// state key and registering the prev_event references. The event NID doubles
// as the arrival-order sequence number, so allocation is idempotent on the
// event ID: storing an event we have already seen returns the original NID.
func (d *EventDatabase) StoreEvent(
	ctx context.Context, event matrix.PDU, roomInfo *types.RoomInfo,
	eventTypeNID types.EventTypeNID, eventStateKeyNID types.EventStateKeyNID,
	authEventNIDs []types.EventNID, isRejected, softFailed bool,
	rejectionReason string,
) (types.EventNID, types.StateAtEvent, error) {
	var (
		eventNID types.EventNID
		stateNID types.StateFrameNID
		isNew    bool
		guard    *sequence.ReleaseGuard
	)
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) (err error) {
		if eventNID, stateNID, isNew, err = d.EventsTable.InsertEvent(
			ctx, txn, roomInfo.RoomNID, eventTypeNID, eventStateKeyNID,
			event.EventID(), authEventNIDs, event.Depth(), isRejected,
			softFailed, rejectionReason,
		); err != nil {
			return fmt.Errorf("d.EventsTable.InsertEvent: %w", err)
		}
		if !isNew {
			return nil
		}
		if d.SN != nil {
			guard = d.SN.Track(event.EventID(), sequence.SN(eventNID))
		}
		if err = d.EventJSONTable.InsertEventJSON(ctx, txn, eventNID, event.JSON()); err != nil {
			return fmt.Errorf("d.EventJSONTable.InsertEventJSON: %w", err)
		}
		if err = d.storeAuthChain(ctx, txn, eventNID, authEventNIDs); err != nil {
			return fmt.Errorf("d.storeAuthChain: %w", err)
		}
		for _, prevEventID := range event.PrevEventIDs() {
			if err = d.PrevEventsTable.InsertPreviousEvent(ctx, txn, prevEventID, eventNID); err != nil {
				return fmt.Errorf("d.PrevEventsTable.InsertPreviousEvent: %w", err)
			}
		}
		return nil
	})
	if guard != nil {
		// Released on failure too, or waiters on later sns stall forever.
		guard.Release()
	}
	if err != nil {
		return 0, types.StateAtEvent{}, err
	}
	return eventNID, types.StateAtEvent{
		BeforeStateFrameNID: stateNID,
		IsRejected:          isRejected,
		StateEntry: types.StateEntry{
			StateKeyTuple: types.StateKeyTuple{
				EventTypeNID:     eventTypeNID,
				EventStateKeyNID: eventStateKeyNID,
			},
			EventNID: eventNID,
		},
	}, nil
}

// MaybeRedactEvent manages the validation and application of redactions.
// The given event can be an m.room.redaction, or the target of one that
// arrived first; in both cases the redaction is applied once both halves of
// the pair are stored, by rewriting the stored JSON of the target with its
// redacted form. Returns the redaction and the event it redacts once
// validated, or nils otherwise.
func (d *EventDatabase) MaybeRedactEvent(
	ctx context.Context, roomInfo *types.RoomInfo, eventNID types.EventNID, event matrix.PDU,
) (matrix.PDU, matrix.PDU, error) {
	var (
		redactionEvent, redactedEvent *types.Event
		validated                     bool
		ignoreRedaction               bool
	)

	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		redactionEvent, redactedEvent, validated, err = d.loadRedactionPair(ctx, txn, roomInfo, eventNID, event)
		switch {
		case err != nil:
			return fmt.Errorf("d.loadRedactionPair: %w", err)
		case redactionEvent == nil || redactedEvent == nil:
			// We only have one half of the pair so far.
			ignoreRedaction = true
			return nil
		case validated:
			// The redaction has already been applied.
			ignoreRedaction = true
			return nil
		}

		// Don't allow redactions from a different server than the one that
		// sent the event being redacted. Cross-server redactions by room
		// moderators land on both servers as their own local pair.
		redactedDomain := matrix.ServerNameFromID(redactedEvent.Sender())
		redactionDomain := matrix.ServerNameFromID(redactionEvent.Sender())
		if redactedDomain == "" || redactionDomain != redactedDomain {
			ignoreRedaction = true
			return nil
		}

		verImpl, err := matrix.GetRoomVersion(redactedEvent.Version())
		if err != nil {
			return err
		}
		redactedJSON, err := verImpl.RedactEventJSON(redactedEvent.JSON())
		if err != nil {
			return fmt.Errorf("verImpl.RedactEventJSON: %w", err)
		}
		// Keep the redaction in the target's unsigned section so that
		// downstream consumers can tell a redacted event from an empty one.
		redactedJSON, err = sjson.SetRawBytes(redactedJSON, `unsigned.redacted_because`, redactionEvent.JSON())
		if err != nil {
			return fmt.Errorf("sjson.SetRawBytes: %w", err)
		}
		redactedPDU, err := matrix.NewEventFromTrustedJSONWithEventID(redactedEvent.EventID(), redactedJSON, true, verImpl)
		if err != nil {
			return fmt.Errorf("matrix.NewEventFromTrustedJSONWithEventID: %w", err)
		}
		redactedEvent.PDU = redactedPDU

		if err = d.RedactionsTable.MarkRedactionValidated(ctx, txn, redactionEvent.EventID(), true); err != nil {
			return fmt.Errorf("d.RedactionsTable.MarkRedactionValidated: %w", err)
		}
		return d.EventJSONTable.InsertEventJSON(ctx, txn, redactedEvent.EventNID, redactedJSON)
	})
	if err != nil {
		return nil, nil, err
	}
	if ignoreRedaction || redactionEvent == nil || redactedEvent == nil {
		return nil, nil, nil
	}
	d.Cache.InvalidateRoomServerEvent(redactedEvent.EventNID)
	return redactionEvent.PDU, redactedEvent.PDU, nil
}

// loadRedactionPair attempts to load both the redaction event and the event
// it redacts. Either half can be the event currently being processed; the
// other must already be stored. A missing half comes back nil.
func (d *EventDatabase) loadRedactionPair(
	ctx context.Context, txn *sql.Tx, roomInfo *types.RoomInfo, eventNID types.EventNID, event matrix.PDU,
) (*types.Event, *types.Event, bool, error) {
	var redactionEvent, redactedEvent *types.Event

	isRedactionEvent := event.Type() == matrix.MRoomRedaction && event.StateKey() == nil
	if isRedactionEvent {
		// An event that claims to redact itself is dropped on the floor.
		if event.Redacts() == event.EventID() || event.Redacts() == "" {
			return nil, nil, false, nil
		}
		redactionEvent = &types.Event{EventNID: eventNID, PDU: event}
		// The target may not have arrived yet, so the pairing is recorded
		// either way and picked up again when the target is stored.
		if err := d.RedactionsTable.InsertRedaction(ctx, txn, types.RedactionInfo{
			Validated:        false,
			RedactionEventID: event.EventID(),
			RedactsEventID:   event.Redacts(),
		}); err != nil {
			return nil, nil, false, fmt.Errorf("d.RedactionsTable.InsertRedaction: %w", err)
		}
	} else {
		redactedEvent = &types.Event{EventNID: eventNID, PDU: event}
	}

	eventBeingRedacted := event.Redacts()
	if !isRedactionEvent {
		eventBeingRedacted = event.EventID()
	}
	info, err := d.RedactionsTable.SelectRedactionInfoByEventBeingRedacted(ctx, txn, eventBeingRedacted)
	if err != nil {
		return nil, nil, false, err
	}
	if info == nil {
		// This event has not been redacted.
		return redactionEvent, nil, false, nil
	}

	if redactionEvent == nil {
		redactionEvent, err = d.loadEvent(ctx, txn, roomInfo, info.RedactionEventID)
		if err != nil {
			return nil, nil, false, err
		}
	}
	if redactedEvent == nil {
		redactedEvent, err = d.loadEvent(ctx, txn, roomInfo, info.RedactsEventID)
		if err != nil {
			return nil, nil, false, err
		}
	}
	return redactionEvent, redactedEvent, info.Validated, nil
}

// loadEvent loads a single event from storage within the transaction, or nil
// if the event is not stored.
func (d *EventDatabase) loadEvent(
	ctx context.Context, txn *sql.Tx, roomInfo *types.RoomInfo, eventID string,
) (*types.Event, error) {
	nidMap, err := d.EventsTable.BulkSelectEventNID(ctx, txn, []string{eventID})
	if err != nil {
		return nil, err
	}
	meta, ok := nidMap[eventID]
	if !ok {
		return nil, nil
	}
	if roomInfo == nil {
		return nil, types.ErrorInvalidRoomInfo
	}
	verImpl, err := matrix.GetRoomVersion(roomInfo.RoomVersion)
	if err != nil {
		return nil, err
	}
	eventJSONs, err := d.EventJSONTable.BulkSelectEventJSON(ctx, txn, []types.EventNID{meta.EventNID})
	if err != nil || len(eventJSONs) == 0 {
		return nil, err
	}
	ev, err := matrix.NewEventFromTrustedJSONWithEventID(eventID, eventJSONs[0].EventJSON, false, verImpl)
	if err != nil {
		return nil, err
	}
	return &types.Event{EventNID: meta.EventNID, PDU: ev}, nil
}

// storeAuthChain computes the auth chain of the event as the union of the
// auth events and their stored closures. The auth events of a stored event
// are always stored first, so the closures are available at insert time.
func (d *EventDatabase) storeAuthChain(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, authEventNIDs []types.EventNID) error {
	set := make(map[types.EventNID]struct{}, len(authEventNIDs))
	if len(authEventNIDs) > 0 {
		chains, err := d.AuthChainsTable.BulkSelectAuthChains(ctx, txn, authEventNIDs)
		if err != nil {
			return err
		}
		for _, authEventNID := range authEventNIDs {
			set[authEventNID] = struct{}{}
			for _, chainEventNID := range chains[authEventNID] {
				set[chainEventNID] = struct{}{}
			}
		}
	}
	chain := make([]types.EventNID, 0, len(set))
	for nid := range set {
		chain = append(chain, nid)
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i] < chain[j] })
	return d.AuthChainsTable.InsertAuthChain(ctx, txn, eventNID, chain)
}

// AuthChains returns the stored auth-chain closure of each of the given
// events. Events with no stored closure are omitted.
func (d *EventDatabase) AuthChains(ctx context.Context, eventNIDs []types.EventNID) (map[types.EventNID][]types.EventNID, error) {
	return d.AuthChainsTable.BulkSelectAuthChains(ctx, nil, eventNIDs)
}

// AuthChainEventNIDs returns the union of the stored auth chains of the
// given events, not including the events themselves.
func (d *EventDatabase) AuthChainEventNIDs(ctx context.Context, eventNIDs []types.EventNID) ([]types.EventNID, error) {
	chains, err := d.AuthChainsTable.BulkSelectAuthChains(ctx, nil, eventNIDs)
	if err != nil {
		return nil, err
	}
	set := map[types.EventNID]struct{}{}
	for _, chain := range chains {
		for _, nid := range chain {
			set[nid] = struct{}{}
		}
	}
	result := make([]types.EventNID, 0, len(set))
	for nid := range set {
		result = append(result, nid)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

// MissingAuthPrevEvents returns the event IDs from the auth_events and
// prev_events of the given event that the server either does not have at
// all, or only has as stateless outliers.
func (d *EventDatabase) MissingAuthPrevEvents(ctx context.Context, e matrix.PDU) (missingAuth, missingPrev []string, err error) {
	authNIDs, err := d.EventNIDs(ctx, e.AuthEventIDs())
	if err != nil {
		return nil, nil, fmt.Errorf("d.EventNIDs: %w", err)
	}
	for _, authEventID := range e.AuthEventIDs() {
		if _, ok := authNIDs[authEventID]; !ok {
			missingAuth = append(missingAuth, authEventID)
		}
	}
	for _, prevEventID := range e.PrevEventIDs() {
		state, err := d.StateAtEventIDs(ctx, []string{prevEventID})
		if err != nil || len(state) == 0 || (state[0].IsStateEvent() && state[0].BeforeStateFrameNID == 0) {
			missingPrev = append(missingPrev, prevEventID)
		}
	}
	return missingAuth, missingPrev, nil
}

// IsEventRejected reports whether the event was stored as rejected.
func (d *EventDatabase) IsEventRejected(ctx context.Context, roomNID types.RoomNID, eventID string) (bool, error) {
	return d.EventsTable.SelectEventRejected(ctx, nil, roomNID, eventID)
}

// IsEventSoftFailed reports whether the event was stored as soft-failed.
func (d *EventDatabase) IsEventSoftFailed(ctx context.Context, roomNID types.RoomNID, eventID string) (bool, error) {
	return d.EventsTable.SelectEventSoftFailed(ctx, nil, roomNID, eventID)
}

func (d *Database) roomInfo(ctx context.Context, txn *sql.Tx, roomID string) (*types.RoomInfo, error) {
	roomInfo, err := d.RoomsTable.SelectRoomInfo(ctx, txn, roomID)
	if err != nil || roomInfo == nil {
		return roomInfo, err
	}
	d.Cache.StoreRoomServerRoomNID(roomID, roomInfo.RoomNID)
	d.Cache.StoreRoomServerRoomID(roomInfo.RoomNID, roomID)
	d.Cache.StoreRoomVersion(roomID, roomInfo.RoomVersion)
	// There is a single RoomInfo pointer per room so that its mutex
	// serialises everyone; refresh the cached copy instead of replacing it.
	if cached, ok := d.Cache.GetRoomInfo(roomID); ok {
		cached.CopyFrom(roomInfo)
		return cached, nil
	}
	d.Cache.StoreRoomInfo(roomID, roomInfo)
	return roomInfo, nil
}

// RoomInfo returns the room header row, or nil if the room is unknown.
func (d *Database) RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, error) {
	return d.roomInfo(ctx, nil, roomID)
}

// RoomNIDExcludingStubs returns the room NID if the room exists and has
// events, and zero otherwise.
func (d *Database) RoomNIDExcludingStubs(ctx context.Context, roomID string) (types.RoomNID, error) {
	roomInfo, err := d.roomInfo(ctx, nil, roomID)
	if err != nil || roomInfo == nil || roomInfo.IsStub() {
		return 0, err
	}
	return roomInfo.RoomNID, nil
}

// GetOrCreateRoomInfo returns the room header row for the event's room,
// creating the room if this is the first event seen for it.
func (d *Database) GetOrCreateRoomInfo(ctx context.Context, event matrix.PDU) (*types.RoomInfo, error) {
	roomInfo, err := d.roomInfo(ctx, nil, event.RoomID())
	if err != nil {
		return nil, fmt.Errorf("d.roomInfo: %w", err)
	}
	if roomInfo != nil {
		return roomInfo, nil
	}
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) (err error) {
		_, err = d.RoomsTable.InsertRoomNID(ctx, txn, event.RoomID(), event.Version())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("d.RoomsTable.InsertRoomNID: %w", err)
	}
	return d.roomInfo(ctx, nil, event.RoomID())
}

// GetRoomVersion returns the version of the room, or an error if the room is
// not known.
func (d *Database) GetRoomVersion(ctx context.Context, roomID string) (matrix.RoomVersion, error) {
	if version, ok := d.Cache.GetRoomVersion(roomID); ok {
		return version, nil
	}
	roomInfo, err := d.roomInfo(ctx, nil, roomID)
	if err != nil {
		return "", err
	}
	if roomInfo == nil {
		return "", errors.New("room not found")
	}
	return roomInfo.RoomVersion, nil
}

// RoomVersions returns the versions for a set of room NIDs.
func (d *Database) RoomVersions(ctx context.Context, roomNIDs []types.RoomNID) (map[types.RoomNID]matrix.RoomVersion, error) {
	return d.RoomsTable.SelectRoomVersionsForRoomNIDs(ctx, nil, roomNIDs)
}

// LatestEventIDs returns the forward extremities of the room, the NID of the
// current state frame and the maximum depth across the extremities.
func (d *Database) LatestEventIDs(ctx context.Context, roomNID types.RoomNID) ([]string, types.StateFrameNID, int64, error) {
	eventNIDs, currentStateFrameNID, err := d.RoomsTable.SelectLatestEventNIDs(ctx, nil, roomNID)
	if err != nil {
		return nil, 0, 0, err
	}
	eventIDs, err := d.EventsTable.BulkSelectEventID(ctx, nil, eventNIDs)
	if err != nil {
		return nil, 0, 0, err
	}
	references := make([]string, 0, len(eventIDs))
	for _, nid := range eventNIDs {
		if eventID, ok := eventIDs[nid]; ok {
			references = append(references, eventID)
		}
	}
	depth, err := d.EventsTable.SelectMaxEventDepth(ctx, nil, eventNIDs)
	if err != nil {
		return nil, 0, 0, err
	}
	return references, currentStateFrameNID, depth, nil
}

// StateFrames loads the given frame rows, in the requested order.
func (d *Database) StateFrames(ctx context.Context, frameNIDs []types.StateFrameNID) ([]types.StateFrame, error) {
	return d.StateFramesTable.BulkSelectStateFrames(ctx, nil, frameNIDs)
}

// FrameDepth returns the length of the parent chain above the frame,
// counting the frame itself.
func (d *Database) FrameDepth(ctx context.Context, frameNID types.StateFrameNID) (int, error) {
	return d.StateFramesTable.SelectFrameDepth(ctx, nil, frameNID)
}

// AddState persists a new state frame for the room as a diff against the
// parent frame, or as a root frame holding full state when parentFrameNID is
// zero.
func (d *Database) AddState(
	ctx context.Context, roomNID types.RoomNID, parentFrameNID types.StateFrameNID,
	appends []types.StateEntry, removes []types.StateKeyTuple,
) (frameNID types.StateFrameNID, err error) {
	depth := 1
	if parentFrameNID != 0 {
		parentDepth, err := d.StateFramesTable.SelectFrameDepth(ctx, nil, parentFrameNID)
		if err != nil {
			return 0, fmt.Errorf("d.StateFramesTable.SelectFrameDepth: %w", err)
		}
		depth = parentDepth + 1
	}
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) (err error) {
		frameNID, err = d.StateFramesTable.InsertState(ctx, txn, roomNID, parentFrameNID, depth, appends, removes)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("d.StateFramesTable.InsertState: %w", err)
	}
	return frameNID, nil
}

// GetStateEvent returns the current state event of the given type and state
// key in the room, or nil if there is no such state event.
func (d *Database) GetStateEvent(ctx context.Context, roomID, evType, stateKey string) (*types.HeaderedEvent, error) {
	roomInfo, err := d.roomInfo(ctx, nil, roomID)
	if err != nil {
		return nil, err
	}
	if roomInfo == nil || roomInfo.IsStub() {
		return nil, nil
	}
	eventTypeNID, err := d.EventTypesTable.SelectEventTypeNID(ctx, nil, evType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("d.EventTypesTable.SelectEventTypeNID: %w", err)
	}
	stateKeyNID, err := d.EventStateKeysTable.SelectEventStateKeyNID(ctx, nil, stateKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("d.EventStateKeysTable.SelectEventStateKeyNID: %w", err)
	}
	entries, err := d.loadStateAtFrame(ctx, roomInfo.StateFrameNID())
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.EventTypeNID != eventTypeNID || entry.EventStateKeyNID != stateKeyNID {
			continue
		}
		events, err := d.Events(ctx, roomInfo.RoomVersion, []types.EventNID{entry.EventNID})
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return nil, nil
		}
		return &types.HeaderedEvent{PDU: events[0].PDU}, nil
	}
	return nil, nil
}

// loadStateAtFrame materialises the full state held by the frame by walking
// the parent chain from the root down, applying removes then appends.
func (d *Database) loadStateAtFrame(ctx context.Context, frameNID types.StateFrameNID) ([]types.StateEntry, error) {
	var chain []types.StateFrame
	for nid := frameNID; nid != 0; {
		frames, err := d.StateFramesTable.BulkSelectStateFrames(ctx, nil, []types.StateFrameNID{nid})
		if err != nil {
			return nil, err
		}
		chain = append(chain, frames[0])
		nid = frames[0].ParentStateFrameNID
	}
	state := map[types.StateKeyTuple]types.EventNID{}
	for i := len(chain) - 1; i >= 0; i-- {
		for _, tuple := range chain[i].Removes {
			delete(state, tuple)
		}
		for _, entry := range chain[i].Appends {
			state[entry.StateKeyTuple] = entry.EventNID
		}
	}
	entries := make([]types.StateEntry, 0, len(state))
	for tuple, eventNID := range state {
		entries = append(entries, types.StateEntry{StateKeyTuple: tuple, EventNID: eventNID})
	}
	return types.DeduplicateStateEntries(entries), nil
}

// GetMembershipEventNIDsForRoom returns the NIDs of the membership events in
// the room, optionally filtered to joined members or local members only.
func (d *Database) GetMembershipEventNIDsForRoom(ctx context.Context, roomNID types.RoomNID, joinOnly, localOnly bool) ([]types.EventNID, error) {
	if joinOnly {
		return d.MembershipTable.SelectMembershipsFromRoomAndMembership(
			ctx, nil, roomNID, tables.MembershipStateJoin, localOnly,
		)
	}
	return d.MembershipTable.SelectMembershipsFromRoom(ctx, nil, roomNID, localOnly)
}

// GetMembership returns the NID of the most recent membership event for the
// user in the room, and whether that membership is join.
func (d *Database) GetMembership(ctx context.Context, roomNID types.RoomNID, requestSenderID string) (membershipEventNID types.EventNID, stillInRoom bool, err error) {
	requestSenderUserNID, err := d.GetOrCreateEventStateKeyNID(ctx, &requestSenderID)
	if err != nil {
		return 0, false, fmt.Errorf("d.GetOrCreateEventStateKeyNID: %w", err)
	}
	senderMembershipEventNID, senderMembership, isRoomForgotten, err :=
		d.MembershipTable.SelectMembershipFromRoomAndTarget(ctx, nil, roomNID, requestSenderUserNID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if isRoomForgotten {
		return 0, false, nil
	}
	return senderMembershipEventNID, senderMembership == tables.MembershipStateJoin, nil
}

// JoinedUsersSetInRooms returns how many of the given rooms each user is
// joined to. Membership of at least one of the rooms is required to appear.
func (d *Database) JoinedUsersSetInRooms(ctx context.Context, roomIDs, userIDs []string, localOnly bool) (map[string]int, error) {
	roomNIDs, err := d.RoomsTable.BulkSelectRoomNIDs(ctx, nil, roomIDs)
	if err != nil {
		return nil, err
	}
	userNIDsMap, err := d.EventStateKeyNIDs(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	userNIDs := make([]types.EventStateKeyNID, 0, len(userNIDsMap))
	nidToUserID := make(map[types.EventStateKeyNID]string, len(userNIDsMap))
	for userID, nid := range userNIDsMap {
		userNIDs = append(userNIDs, nid)
		nidToUserID[nid] = userID
	}
	counts, err := d.MembershipTable.SelectJoinedUsersSetForRooms(ctx, nil, roomNIDs, userNIDs, localOnly)
	if err != nil {
		return nil, err
	}
	result := make(map[string]int, len(counts))
	for nid, count := range counts {
		result[nidToUserID[nid]] = count
	}
	return result, nil
}

// GetLocalServerInRoom reports whether the local server has any joined user
// in the room.
func (d *Database) GetLocalServerInRoom(ctx context.Context, roomNID types.RoomNID) (bool, error) {
	return d.MembershipTable.SelectLocalServerInRoom(ctx, nil, roomNID)
}

// GetServerInRoom reports whether the named server has any joined user in
// the room.
func (d *Database) GetServerInRoom(ctx context.Context, roomNID types.RoomNID, serverName string) (bool, error) {
	return d.MembershipTable.SelectServerInRoom(ctx, nil, roomNID, serverName)
}

// SupportsConcurrentRoomInputs reports whether input events for different
// rooms can be processed in parallel. SQLite overrides this to false, since
// all writes are serialised through one writer anyway.
func (d *Database) SupportsConcurrentRoomInputs() bool {
	return true
}

// GetKnownRooms returns the room IDs of all rooms with at least one event.
func (d *Database) GetKnownRooms(ctx context.Context) ([]string, error) {
	return d.RoomsTable.SelectRoomIDsWithEvents(ctx, nil)
}
