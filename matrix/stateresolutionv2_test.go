// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrix

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// powerLevelFork builds a room whose history forks into two competing power
// levels events: alice (level 100) demotes bob, while bob (level 50) tries to
// promote carol. Alice's event must win resolution because bob is no longer
// authorized once her event is applied.
type powerLevelFork struct {
	*roomFixture
	bobJoin  *Event
	plAlice  *Event
	plBob    *Event
	topicOld *Event
	topicNew *Event
}

func newPowerLevelFork(t *testing.T) *powerLevelFork {
	t.Helper()
	f := &powerLevelFork{roomFixture: newRoomFixture(t, JoinRulePublic, map[string]int64{bob: 50})}

	f.bobJoin = f.build(&EventBuilder{
		Sender: bob, RoomID: f.roomID, Type: MRoomMember, StateKey: strPtr(bob),
		PrevEvents: []string{f.joinRules.EventID()},
		AuthEvents: []string{f.create.EventID(), f.powerLevels.EventID(), f.joinRules.EventID()},
	}, map[string]interface{}{"membership": Join})

	levels := func(sender string, users map[string]int64) *Event {
		return f.build(&EventBuilder{
			Sender: sender, RoomID: f.roomID, Type: MRoomPowerLevels, StateKey: strPtr(""),
			PrevEvents: []string{f.bobJoin.EventID()},
			AuthEvents: []string{f.create.EventID(), f.powerLevels.EventID(), f.bobJoin.EventID()},
		}, map[string]interface{}{
			"users": users, "users_default": 0, "events_default": 0,
			"state_default": 50, "ban": 50, "kick": 50, "redact": 50, "invite": 0,
		})
	}
	f.plAlice = levels(alice, map[string]int64{alice: 100, bob: 0})
	f.plBob = levels(bob, map[string]int64{alice: 100, bob: 50, carol: 50})

	topic := func(sender, text string) *Event {
		return f.build(&EventBuilder{
			Sender: sender, RoomID: f.roomID, Type: "m.room.topic", StateKey: strPtr(""),
			PrevEvents: []string{f.bobJoin.EventID()},
			AuthEvents: []string{f.create.EventID(), f.powerLevels.EventID(), f.bobJoin.EventID()},
		}, map[string]interface{}{"topic": text})
	}
	f.topicOld = topic(alice, "first")
	f.topicNew = topic(bob, "second")

	return f
}

func (f *powerLevelFork) unconflicted() []PDU {
	return []PDU{f.create, f.creatorJoin, f.bobJoin, f.joinRules}
}

func resolvedByTuple(t *testing.T, resolved []PDU) map[string]PDU {
	t.Helper()
	byTuple := make(map[string]PDU, len(resolved))
	for _, event := range resolved {
		require.NotNil(t, event.StateKey())
		byTuple[event.Type()+"\x00"+*event.StateKey()] = event
	}
	return byTuple
}

func TestResolveStateConflictsV2PowerLevelFork(t *testing.T) {
	t.Parallel()
	f := newPowerLevelFork(t)

	resolved := ResolveStateConflictsV2(
		[]PDU{f.plAlice, f.plBob},
		f.unconflicted(),
		[]PDU{f.powerLevels},
	)

	byTuple := resolvedByTuple(t, resolved)
	winner := byTuple[MRoomPowerLevels+"\x00"]
	require.NotNil(t, winner, "resolved state must contain a power levels event")
	assert.Equal(t, f.plAlice.EventID(), winner.EventID(),
		"the higher-power sender's power levels event must win")

	// The unconflicted entries survive untouched.
	for _, event := range f.unconflicted() {
		assert.Equal(t, event.EventID(), byTuple[event.Type()+"\x00"+*event.StateKey()].EventID())
	}
}

func TestResolveStateConflictsV2NormalEvents(t *testing.T) {
	t.Parallel()
	f := newPowerLevelFork(t)

	// Both topic events are authorized, so the later timestamp wins.
	resolved := ResolveStateConflictsV2(
		[]PDU{f.topicOld, f.topicNew},
		f.unconflicted(),
		[]PDU{f.powerLevels},
	)
	byTuple := resolvedByTuple(t, resolved)
	winner := byTuple["m.room.topic\x00"]
	require.NotNil(t, winner)
	assert.Equal(t, f.topicNew.EventID(), winner.EventID())
}

// TestResolveStateConflictsV2Deterministic replays the same fork under many
// input permutations and requires an identical resolved state every time.
func TestResolveStateConflictsV2Deterministic(t *testing.T) {
	t.Parallel()
	f := newPowerLevelFork(t)

	conflicted := []PDU{f.plAlice, f.plBob, f.topicOld, f.topicNew}
	unconflicted := f.unconflicted()
	authDifference := []PDU{f.powerLevels, f.creatorJoin, f.bobJoin}

	eventIDs := func(events []PDU) []string {
		ids := make([]string, len(events))
		for i, event := range events {
			ids[i] = event.EventID()
		}
		return ids
	}
	reference := eventIDs(ResolveStateConflictsV2(conflicted, unconflicted, authDifference))

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 32; round++ {
		shuffle := func(events []PDU) []PDU {
			shuffled := append([]PDU{}, events...)
			rng.Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			return shuffled
		}
		resolved := ResolveStateConflictsV2(shuffle(conflicted), shuffle(unconflicted), shuffle(authDifference))
		assert.Equal(t, reference, eventIDs(resolved), "round %d resolved differently", round)
	}
}

func TestResolveConflictsPartitionsState(t *testing.T) {
	t.Parallel()
	f := newPowerLevelFork(t)

	// The combined state of both forks, duplicates included.
	forkA := append(f.unconflicted(), f.plAlice)
	forkB := append(f.unconflicted(), f.plBob)
	combined := append(append([]PDU{}, forkA...), forkB...)

	resolved, err := ResolveConflicts(RoomVersionV10, combined, []PDU{f.powerLevels})
	require.NoError(t, err)

	byTuple := resolvedByTuple(t, resolved)
	assert.Len(t, byTuple, 5)
	winner := byTuple[MRoomPowerLevels+"\x00"]
	require.NotNil(t, winner)
	assert.Equal(t, f.plAlice.EventID(), winner.EventID())
}

func TestResolveConflictsUnknownVersion(t *testing.T) {
	t.Parallel()
	_, err := ResolveConflicts(RoomVersion("999"), nil, nil)
	require.Error(t, err)
	assert.IsType(t, UnsupportedRoomVersionError{}, err)
}
