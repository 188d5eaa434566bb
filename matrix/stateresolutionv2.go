// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrix

import (
	"sort"
)

// ResolveStateConflictsV2 takes the state events that conflict between forks,
// the events that do not, and the auth difference (events present in some
// forks' auth chains but not all), and works out the single resolved state.
//
// The algorithm is deterministic and must agree byte-for-byte with every
// other correctly-implementing server given the same inputs: divergent
// resolution permanently splits a room across the federation.
//
// The shape follows the published state resolution v2 algorithm:
//
//  1. Order the conflicted power events by the effective power level of
//     their sender at authorization time, then timestamp, then event ID.
//  2. Iteratively authorize each against the accumulating partial state,
//     dropping events that fail.
//  3. Apply the remaining conflicted events in timestamp order with the same
//     iterative authorization.
//  4. The unconflicted state is merged back in over the top.
func ResolveStateConflictsV2(conflicted, unconflicted, authDifference []PDU) []PDU {
	r := stateResolverV2{
		eventMap: make(map[string]PDU),
		resolved: make(map[stateKeyTuple]PDU),
	}
	r.allower, _ = NewAuthEvents(nil)

	// Index every event we know about. The map is only ever read through
	// sorted ID lists so map order cannot leak into the result.
	for _, lists := range [][]PDU{conflicted, unconflicted, authDifference} {
		for _, event := range lists {
			r.eventMap[event.EventID()] = event
		}
	}

	// Seed the partial state from the unconflicted entries.
	for _, event := range unconflicted {
		r.addResolved(event)
	}

	// The working set is the conflicted events plus the auth difference,
	// deduplicated by event ID and split into power and normal events.
	seen := make(map[string]struct{})
	var powerEvents, normalEvents []PDU
	for _, lists := range [][]PDU{conflicted, authDifference} {
		for _, event := range lists {
			if _, ok := seen[event.EventID()]; ok {
				continue
			}
			seen[event.EventID()] = struct{}{}
			if event.StateKey() == nil {
				continue
			}
			if isPowerEvent(event) {
				powerEvents = append(powerEvents, event)
			} else {
				normalEvents = append(normalEvents, event)
			}
		}
	}

	sort.Sort(powerEventSorter{events: powerEvents, resolver: &r})
	for _, event := range powerEvents {
		r.applyConflicted(event)
	}

	sort.Sort(timestampAndIDSorter(normalEvents))
	for _, event := range normalEvents {
		r.applyConflicted(event)
	}

	// The unconflicted state always wins, whatever the conflicted replay
	// decided for the same state keys.
	for _, event := range unconflicted {
		r.addResolved(event)
	}

	result := make([]PDU, 0, len(r.resolved))
	for _, event := range r.resolved {
		result = append(result, event)
	}
	sort.Sort(timestampAndIDSorter(result))
	return result
}

// ResolveConflicts performs state resolution over a combined list of state
// events, splitting them into conflicted and unconflicted sets itself.
// `authEvents` should be the relevant auth chain events for the candidates.
func ResolveConflicts(version RoomVersion, events, authEvents []PDU) ([]PDU, error) {
	if _, err := GetRoomVersion(version); err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	byTuple := make(map[stateKeyTuple][]PDU)
	for _, event := range events {
		if _, ok := seen[event.EventID()]; ok {
			continue
		}
		seen[event.EventID()] = struct{}{}
		if event.StateKey() == nil {
			continue
		}
		tuple := stateKeyTuple{event.Type(), *event.StateKey()}
		byTuple[tuple] = append(byTuple[tuple], event)
	}
	var conflicted, unconflicted []PDU
	for _, list := range byTuple {
		if len(list) > 1 {
			conflicted = append(conflicted, list...)
		} else {
			unconflicted = append(unconflicted, list...)
		}
	}
	return ResolveStateConflictsV2(conflicted, unconflicted, authEvents), nil
}

type stateResolverV2 struct {
	eventMap map[string]PDU
	allower  *AuthEvents
	resolved map[stateKeyTuple]PDU
}

func (r *stateResolverV2) addResolved(event PDU) {
	if event.StateKey() == nil {
		return
	}
	r.resolved[stateKeyTuple{event.Type(), *event.StateKey()}] = event
	_ = r.allower.AddEvent(event)
}

// applyConflicted re-runs full authorization of the event against the
// accumulated partial state. State the partial state does not cover yet is
// taken from the event's own auth events, so every event is judged against
// at least its claimed ancestry. Losers are dropped outright.
func (r *stateResolverV2) applyConflicted(event PDU) {
	provider := authProviderWithFallback{
		primary:  r.allower,
		fallback: r.authEventsOf(event),
	}
	if Allowed(event, &provider) == nil {
		r.addResolved(event)
	}
}

// authEventsOf builds a provider from the event's own auth_events, resolved
// through the event map.
func (r *stateResolverV2) authEventsOf(event PDU) *AuthEvents {
	provider, _ := NewAuthEvents(nil)
	for _, authEventID := range event.AuthEventIDs() {
		if authEvent, ok := r.eventMap[authEventID]; ok && authEvent.StateKey() != nil {
			_ = provider.AddEvent(authEvent)
		}
	}
	return provider
}

// senderPowerLevel works out the effective power level of the event's sender
// at the time the event was authorized, from the power levels event (or
// create event) in its own auth chain.
func (r *stateResolverV2) senderPowerLevel(event PDU) int64 {
	for _, authEventID := range event.AuthEventIDs() {
		authEvent, ok := r.eventMap[authEventID]
		if !ok {
			continue
		}
		if authEvent.Type() == MRoomPowerLevels && authEvent.StateKeyEquals("") {
			levels, err := NewPowerLevelContentFromEvent(authEvent)
			if err != nil {
				return 0
			}
			return levels.UserLevel(event.Sender())
		}
	}
	// No power levels event: the room creator is level 100, everyone else 0.
	for _, authEventID := range event.AuthEventIDs() {
		authEvent, ok := r.eventMap[authEventID]
		if !ok {
			continue
		}
		if authEvent.Type() == MRoomCreate && authEvent.StateKeyEquals("") {
			if authEvent.Sender() == event.Sender() {
				return 100
			}
		}
	}
	if event.Type() == MRoomCreate && event.StateKeyEquals("") {
		return 100
	}
	return 0
}

// isPowerEvent reports whether the event can change who is allowed to do
// what: power levels, join rules, and kicks/bans.
func isPowerEvent(event PDU) bool {
	switch event.Type() {
	case MRoomPowerLevels, MRoomJoinRules:
		return event.StateKeyEquals("")
	case MRoomMember:
		if content, err := NewMemberContentFromEvent(event); err == nil {
			if content.Membership == Leave || content.Membership == Ban {
				return event.Sender() != *event.StateKey()
			}
		}
	}
	return false
}

// powerEventSorter orders power events by descending sender power level,
// then ascending timestamp, then ascending event ID as the final arbitrary
// but deterministic tiebreak.
type powerEventSorter struct {
	events   []PDU
	resolver *stateResolverV2
}

func (s powerEventSorter) Len() int { return len(s.events) }

func (s powerEventSorter) Less(i, j int) bool {
	pi := s.resolver.senderPowerLevel(s.events[i])
	pj := s.resolver.senderPowerLevel(s.events[j])
	if pi != pj {
		return pi > pj
	}
	if s.events[i].OriginServerTS() != s.events[j].OriginServerTS() {
		return s.events[i].OriginServerTS() < s.events[j].OriginServerTS()
	}
	return s.events[i].EventID() < s.events[j].EventID()
}

func (s powerEventSorter) Swap(i, j int) {
	s.events[i], s.events[j] = s.events[j], s.events[i]
}

// timestampAndIDSorter orders events by ascending timestamp then event ID.
type timestampAndIDSorter []PDU

func (s timestampAndIDSorter) Len() int { return len(s) }

func (s timestampAndIDSorter) Less(i, j int) bool {
	if s[i].OriginServerTS() != s[j].OriginServerTS() {
		return s[i].OriginServerTS() < s[j].OriginServerTS()
	}
	return s[i].EventID() < s[j].EventID()
}

func (s timestampAndIDSorter) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

// authProviderWithFallback consults the accumulated partial state first and
// falls back to the event's own auth events for anything not yet resolved.
type authProviderWithFallback struct {
	primary  AuthEventProvider
	fallback AuthEventProvider
}

func (p *authProviderWithFallback) get(fromPrimary, fromFallback func() (PDU, error)) (PDU, error) {
	if event, err := fromPrimary(); err != nil || event != nil {
		return event, err
	}
	return fromFallback()
}

func (p *authProviderWithFallback) Create() (PDU, error) {
	return p.get(p.primary.Create, p.fallback.Create)
}

func (p *authProviderWithFallback) PowerLevels() (PDU, error) {
	return p.get(p.primary.PowerLevels, p.fallback.PowerLevels)
}

func (p *authProviderWithFallback) JoinRules() (PDU, error) {
	return p.get(p.primary.JoinRules, p.fallback.JoinRules)
}

func (p *authProviderWithFallback) Member(stateKey string) (PDU, error) {
	return p.get(
		func() (PDU, error) { return p.primary.Member(stateKey) },
		func() (PDU, error) { return p.fallback.Member(stateKey) },
	)
}

func (p *authProviderWithFallback) ThirdPartyInvite(stateKey string) (PDU, error) {
	return p.get(
		func() (PDU, error) { return p.primary.ThirdPartyInvite(stateKey) },
		func() (PDU, error) { return p.fallback.ThirdPartyInvite(stateKey) },
	)
}

func (p *authProviderWithFallback) Valid() bool {
	return p.primary.Valid() && p.fallback.Valid()
}
