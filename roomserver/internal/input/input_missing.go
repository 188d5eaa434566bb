// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	fedapi "github.com/element-hq/construct/federationapi/api"
	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/api"
	"github.com/element-hq/construct/roomserver/storage"
	"github.com/element-hq/construct/roomserver/types"
)

// MaximumMissingProcessingTime is how long a room worker will spend chasing
// missing ancestry for a single input event before giving up and treating
// the ancestry as unavailable.
const MaximumMissingProcessingTime = time.Minute * 2

// maximumMissingEvents caps a single /get_missing_events round trip. A gap
// bigger than this is filled by fetching state at the gap instead of by
// walking the timeline.
const maximumMissingEvents = 20

// fetchOutcome enumerates the terminal states of a missing-ancestry fetch.
// Every remote interaction ends in exactly one of these, which decides the
// disposition of the event that triggered the fetch.
type fetchOutcome int

const (
	// fetchOutcomeFetched means the missing ancestry is now stored locally.
	fetchOutcomeFetched fetchOutcome = iota
	// fetchOutcomeTimeout means no remote produced the ancestry in time.
	// Retryable: the triggering event soft-fails.
	fetchOutcomeTimeout
	// fetchOutcomeMalformedRemote means a remote produced structurally
	// invalid data. Terminal: the triggering event is rejected.
	fetchOutcomeMalformedRemote
	// fetchOutcomeAuthFailure means fetched ancestry failed signature or
	// auth checks. Terminal: the triggering event is rejected.
	fetchOutcomeAuthFailure
)

func (o fetchOutcome) String() string {
	switch o {
	case fetchOutcomeFetched:
		return "fetched"
	case fetchOutcomeTimeout:
		return "timeout"
	case fetchOutcomeMalformedRemote:
		return "malformed_remote"
	case fetchOutcomeAuthFailure:
		return "auth_failure"
	default:
		return fmt.Sprintf("unknown (%d)", int(o))
	}
}

type fetchResult struct {
	outcome fetchOutcome
	err     error
}

func fetchOK() fetchResult { return fetchResult{outcome: fetchOutcomeFetched} }

func fetchTimeout(err error) fetchResult {
	return fetchResult{outcome: fetchOutcomeTimeout, err: err}
}

func fetchMalformed(err error) fetchResult {
	return fetchResult{outcome: fetchOutcomeMalformedRemote, err: err}
}

func fetchAuthFailed(err error) fetchResult {
	return fetchResult{outcome: fetchOutcomeAuthFailure, err: err}
}

// missingStateReq is the state of one missing-ancestry resolution. It is
// only ever used by the room worker that created it.
type missingStateReq struct {
	log         *logrus.Entry
	db          storage.RoomDatabase
	roomInfo    *types.RoomInfo
	inputer     *Inputer
	keys        matrix.JSONVerifier
	federation  fedapi.RoomserverFederationAPI
	virtualHost string
	origin      string
	servers     []string
	hadEvents   map[string]bool
	haveEvents  map[string]matrix.PDU
}

// processEventWithMissingState tries to make the state before the given
// event calculable. First it walks the timeline gap with
// /get_missing_events; if prev events are still missing after that, it
// fetches the state at each missing prev event instead, storing the state
// events as outliers and positioning the prev event against them.
func (t *missingStateReq) processEventWithMissingState(
	ctx context.Context, event matrix.PDU, roomVersion matrix.RoomVersion,
) fetchResult {
	if res := t.fetchMissingPrevEvents(ctx, event, roomVersion); res.outcome != fetchOutcomeFetched {
		if res.outcome != fetchOutcomeTimeout {
			return res
		}
		// A timeout walking the gap isn't terminal yet, fetching state at
		// the gap below may still work.
		t.log.WithError(res.err).Warn("Timed out fetching missing prev events")
	}

	_, missingPrev, err := t.db.MissingAuthPrevEvents(ctx, event)
	if err != nil {
		return fetchTimeout(fmt.Errorf("t.db.MissingAuthPrevEvents: %w", err))
	}
	if len(missingPrev) == 0 {
		return fetchOK()
	}

	for _, prevEventID := range missingPrev {
		if res := t.fetchStateAtEvent(ctx, event.RoomID(), prevEventID, roomVersion); res.outcome != fetchOutcomeFetched {
			return res
		}
	}
	return fetchOK()
}

// fetchMissingPrevEvents asks the candidate servers for the events between
// our forward extremities and the prev events of the given event, and runs
// everything returned through the input pipeline oldest first.
func (t *missingStateReq) fetchMissingPrevEvents(
	ctx context.Context, event matrix.PDU, roomVersion matrix.RoomVersion,
) fetchResult {
	verImpl, err := matrix.GetRoomVersion(roomVersion)
	if err != nil {
		return fetchMalformed(err)
	}

	latest, _, _, err := t.db.LatestEventIDs(ctx, t.roomInfo.RoomNID)
	if err != nil {
		return fetchTimeout(fmt.Errorf("t.db.LatestEventIDs: %w", err))
	}

	var res matrix.RespMissingEvents
	fetched := false
	for _, server := range t.servers {
		res, err = t.federation.LookupMissingEvents(ctx, t.virtualHost, server, event.RoomID(), matrix.MissingEvents{
			Limit:          maximumMissingEvents,
			EarliestEvents: latest,
			LatestEvents:   event.PrevEventIDs(),
		}, roomVersion)
		if err == nil {
			fetched = true
			break
		}
		if ctx.Err() != nil {
			return fetchTimeout(ctx.Err())
		}
		t.log.WithError(err).Warnf("Failed to get missing events from %q", server)
	}
	if !fetched {
		return fetchTimeout(fmt.Errorf("no server returned missing events: %w", err))
	}

	// A remote that hands back unparseable events, or events for another
	// room, is broken and the triggering event gets rejected.
	events := make([]matrix.PDU, 0, len(res.Events))
	for _, js := range res.Events {
		ev, err := matrix.NewEventFromUntrustedJSON(js, verImpl)
		if err != nil {
			return fetchMalformed(fmt.Errorf("remote returned malformed missing event: %w", err))
		}
		if ev.RoomID() != event.RoomID() {
			return fetchMalformed(fmt.Errorf("remote returned missing event %q for wrong room %q", ev.EventID(), ev.RoomID()))
		}
		events = append(events, ev)
	}
	for _, ev := range events {
		if err := t.verifySignature(ctx, ev, verImpl); err != nil {
			return fetchAuthFailed(fmt.Errorf("missing event %q failed signature checks: %w", ev.EventID(), err))
		}
	}

	// Oldest first, so that each event's prev events are processed before
	// the event itself.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Depth() < events[j].Depth()
	})

	for _, ev := range events {
		err := t.inputer.processRoomEvent(ctx, t.virtualHost, &api.InputRoomEvent{
			Kind:   api.KindOld,
			Event:  &types.HeaderedEvent{PDU: ev},
			Origin: t.origin,
		})
		switch err.(type) {
		case nil, types.RejectedError:
			// A rejection is recorded on the event row and doesn't stop
			// the events after it from being processed.
			t.hadEvents[ev.EventID()] = true
		default:
			return fetchTimeout(fmt.Errorf("t.inputer.processRoomEvent: %w", err))
		}
	}
	return fetchOK()
}

// fetchStateAtEvent fetches the room state at the given event from the
// candidate servers and stores it, then stores the event itself positioned
// against that state. Used when a timeline gap is too big to walk.
func (t *missingStateReq) fetchStateAtEvent(
	ctx context.Context, roomID, eventID string, roomVersion matrix.RoomVersion,
) fetchResult {
	verImpl, err := matrix.GetRoomVersion(roomVersion)
	if err != nil {
		return fetchMalformed(err)
	}

	var stateIDs matrix.RespStateIDs
	fetched := false
	for _, server := range t.servers {
		stateIDs, err = t.federation.LookupStateIDs(ctx, t.virtualHost, server, roomID, eventID)
		if err == nil {
			fetched = true
			break
		}
		if ctx.Err() != nil {
			return fetchTimeout(ctx.Err())
		}
		t.log.WithError(err).Warnf("Failed to look up state IDs from %q", server)
	}
	if !fetched {
		return fetchTimeout(fmt.Errorf("no server returned state IDs for %q: %w", eventID, err))
	}

	// Work out which of the state and auth chain events we already have.
	wanted := make([]string, 0, len(stateIDs.AuthEventIDs)+len(stateIDs.StateEventIDs))
	wanted = append(wanted, stateIDs.AuthEventIDs...)
	wanted = append(wanted, stateIDs.StateEventIDs...)
	known, err := t.db.EventNIDs(ctx, wanted)
	if err != nil {
		return fetchTimeout(fmt.Errorf("t.db.EventNIDs: %w", err))
	}
	var missing []string
	for _, id := range wanted {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}

	// If most of the state is missing then one /state round trip is much
	// cheaper than fetching every event in turn.
	if len(missing) > len(wanted)/2 {
		if res := t.fetchFullState(ctx, roomID, eventID, roomVersion); res.outcome != fetchOutcomeFetched {
			return res
		}
	} else {
		for _, missingEventID := range missing {
			ev, res := t.fetchEvent(ctx, missingEventID, verImpl)
			if res.outcome != fetchOutcomeFetched {
				return res
			}
			if err := t.storeOutlier(ctx, ev); err != nil {
				return fetchTimeout(fmt.Errorf("t.storeOutlier: %w", err))
			}
		}
	}

	// Finally store the event itself against the state we were told. The
	// event may already be known as an outlier, in which case its body is
	// local, but it still needs its state recorded.
	ev, res := t.lookupEvent(ctx, eventID, verImpl)
	if res.outcome != fetchOutcomeFetched {
		return res
	}
	err = t.inputer.processRoomEvent(ctx, t.virtualHost, &api.InputRoomEvent{
		Kind:          api.KindOld,
		Event:         &types.HeaderedEvent{PDU: ev},
		Origin:        t.origin,
		HasState:      true,
		StateEventIDs: stateIDs.StateEventIDs,
	})
	switch err.(type) {
	case nil, types.RejectedError:
		return fetchOK()
	default:
		return fetchTimeout(fmt.Errorf("t.inputer.processRoomEvent: %w", err))
	}
}

// fetchFullState pulls the whole state at an event in one round trip and
// stores the auth chain and state events as outliers, oldest first.
func (t *missingStateReq) fetchFullState(
	ctx context.Context, roomID, eventID string, roomVersion matrix.RoomVersion,
) fetchResult {
	verImpl, err := matrix.GetRoomVersion(roomVersion)
	if err != nil {
		return fetchMalformed(err)
	}

	var state matrix.RespState
	fetched := false
	for _, server := range t.servers {
		state, err = t.federation.LookupState(ctx, t.virtualHost, server, roomID, eventID, roomVersion)
		if err == nil {
			fetched = true
			break
		}
		if ctx.Err() != nil {
			return fetchTimeout(ctx.Err())
		}
		t.log.WithError(err).Warnf("Failed to look up state from %q", server)
	}
	if !fetched {
		return fetchTimeout(fmt.Errorf("no server returned state for %q: %w", eventID, err))
	}

	raw := make([]json.RawMessage, 0, len(state.AuthEvents)+len(state.StateEvents))
	raw = append(raw, state.AuthEvents...)
	raw = append(raw, state.StateEvents...)
	events := make([]matrix.PDU, 0, len(raw))
	for _, js := range raw {
		ev, err := matrix.NewEventFromUntrustedJSON(js, verImpl)
		if err != nil {
			return fetchMalformed(fmt.Errorf("remote returned malformed state event: %w", err))
		}
		if ev.RoomID() != roomID {
			return fetchMalformed(fmt.Errorf("remote returned state event %q for wrong room %q", ev.EventID(), ev.RoomID()))
		}
		events = append(events, ev)
	}
	for _, ev := range events {
		if err := t.verifySignature(ctx, ev, verImpl); err != nil {
			return fetchAuthFailed(fmt.Errorf("state event %q failed signature checks: %w", ev.EventID(), err))
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Depth() < events[j].Depth()
	})
	for _, ev := range events {
		if err := t.storeOutlier(ctx, ev); err != nil {
			return fetchTimeout(fmt.Errorf("t.storeOutlier: %w", err))
		}
	}
	return fetchOK()
}

// fetchAuthEvents fetches the auth chain of the given event and stores any
// members we don't already have as outliers, oldest first so that every
// stored event's own auth events are stored before it.
func (t *missingStateReq) fetchAuthEvents(ctx context.Context, event matrix.PDU) error {
	verImpl, err := matrix.GetRoomVersion(event.Version())
	if err != nil {
		return err
	}

	var res matrix.RespEventAuth
	fetched := false
	for _, server := range t.servers {
		res, err = t.federation.GetEventAuth(ctx, t.virtualHost, server, event.Version(), event.RoomID(), event.EventID())
		if err == nil {
			fetched = true
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.log.WithError(err).Warnf("Failed to get auth chain from %q", server)
	}
	if !fetched {
		return fmt.Errorf("no server returned the auth chain for %q: %w", event.EventID(), err)
	}

	authEvents := make([]matrix.PDU, 0, len(res.AuthEvents))
	for _, js := range res.AuthEvents {
		ev, err := matrix.NewEventFromUntrustedJSON(js, verImpl)
		if err != nil {
			return fmt.Errorf("remote returned malformed auth event: %w", err)
		}
		if err := t.verifySignature(ctx, ev, verImpl); err != nil {
			return fmt.Errorf("auth event %q failed signature checks: %w", ev.EventID(), err)
		}
		authEvents = append(authEvents, ev)
	}

	sort.SliceStable(authEvents, func(i, j int) bool {
		return authEvents[i].Depth() < authEvents[j].Depth()
	})
	for _, ev := range authEvents {
		if err := t.storeOutlier(ctx, ev); err != nil {
			return fmt.Errorf("t.storeOutlier: %w", err)
		}
	}
	return nil
}

// lookupEvent returns the event either from local storage or by fetching it
// from the candidate servers.
func (t *missingStateReq) lookupEvent(
	ctx context.Context, eventID string, verImpl matrix.RoomVersionImpl,
) (matrix.PDU, fetchResult) {
	if ev, ok := t.haveEvents[eventID]; ok {
		return ev, fetchOK()
	}
	stored, err := t.db.EventsFromIDs(ctx, t.roomInfo, []string{eventID})
	if err == nil && len(stored) == 1 {
		t.haveEvents[eventID] = stored[0].PDU
		return stored[0].PDU, fetchOK()
	}
	return t.fetchEvent(ctx, eventID, verImpl)
}

// fetchEvent fetches a single event over federation. Concurrent fetches of
// the same event from different rooms collapse into one request.
func (t *missingStateReq) fetchEvent(
	ctx context.Context, eventID string, verImpl matrix.RoomVersionImpl,
) (matrix.PDU, fetchResult) {
	v, err, _ := t.inputer.fetchEventGroup.Do(eventID, func() (interface{}, error) {
		var txn matrix.Transaction
		var err error
		for _, server := range t.servers {
			txn, err = t.federation.GetEvent(ctx, t.virtualHost, server, eventID)
			if err == nil && len(txn.PDUs) > 0 {
				return txn.PDUs[0], nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
		if err == nil {
			err = fmt.Errorf("no server returned event %q", eventID)
		}
		return nil, err
	})
	if err != nil {
		return nil, fetchTimeout(err)
	}

	ev, err := matrix.NewEventFromUntrustedJSON(v.(json.RawMessage), verImpl)
	if err != nil {
		return nil, fetchMalformed(fmt.Errorf("remote returned malformed event: %w", err))
	}
	// Event IDs are content addressed, so a response with a different ID is
	// a different event entirely.
	if ev.EventID() != eventID {
		return nil, fetchMalformed(fmt.Errorf("asked for event %q, remote returned %q", eventID, ev.EventID()))
	}
	if err := t.verifySignature(ctx, ev, verImpl); err != nil {
		return nil, fetchAuthFailed(fmt.Errorf("event %q failed signature checks: %w", eventID, err))
	}
	t.haveEvents[eventID] = ev
	return ev, fetchOK()
}

// storeOutlier runs a fetched event through the input pipeline as an
// outlier. Rejections are recorded on the event row and are not errors.
func (t *missingStateReq) storeOutlier(ctx context.Context, ev matrix.PDU) error {
	if t.hadEvents[ev.EventID()] {
		return nil
	}
	err := t.inputer.processRoomEvent(ctx, t.virtualHost, &api.InputRoomEvent{
		Kind:   api.KindOutlier,
		Event:  &types.HeaderedEvent{PDU: ev},
		Origin: t.origin,
	})
	switch err.(type) {
	case nil, types.RejectedError:
		t.hadEvents[ev.EventID()] = true
		return nil
	default:
		return err
	}
}

// verifySignature checks the sender server's signature on a fetched event.
// Skipped when no verifier is wired, which only happens in tests.
func (t *missingStateReq) verifySignature(ctx context.Context, ev matrix.PDU, verImpl matrix.RoomVersionImpl) error {
	if t.keys == nil {
		return nil
	}
	return matrix.VerifyEventSignature(ctx, t.keys, matrix.ServerNameFromID(ev.Sender()), ev.JSON(), verImpl)
}
