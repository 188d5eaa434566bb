// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrix

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "@alice:example.org"
	bob   = "@bob:example.org"
	carol = "@carol:example.org"
)

// roomFixture builds the initial event graph of a room created by alice:
// create, alice's join, power levels and join rules.
type roomFixture struct {
	t       *testing.T
	signer  *LocalSigner
	verImpl RoomVersionImpl
	roomID  string
	ts      time.Time

	create      *Event
	creatorJoin *Event
	powerLevels *Event
	joinRules   *Event
}

func newRoomFixture(t *testing.T, joinRule string, extraUsers map[string]int64) *roomFixture {
	t.Helper()
	signer, _ := mustSigner(t)
	verImpl, err := GetRoomVersion(RoomVersionV10)
	require.NoError(t, err)

	f := &roomFixture{
		t:       t,
		signer:  signer,
		verImpl: verImpl,
		roomID:  "!fixture:example.org",
		ts:      time.Unix(1700000000, 0),
	}

	f.create = f.build(&EventBuilder{
		Sender: alice, RoomID: f.roomID, Type: MRoomCreate, StateKey: strPtr(""),
	}, map[string]interface{}{"room_version": string(RoomVersionV10)})

	f.creatorJoin = f.build(&EventBuilder{
		Sender: alice, RoomID: f.roomID, Type: MRoomMember, StateKey: strPtr(alice),
		PrevEvents: []string{f.create.EventID()},
		AuthEvents: []string{f.create.EventID()},
	}, map[string]interface{}{"membership": Join})

	users := map[string]int64{alice: 100}
	for user, level := range extraUsers {
		users[user] = level
	}
	f.powerLevels = f.build(&EventBuilder{
		Sender: alice, RoomID: f.roomID, Type: MRoomPowerLevels, StateKey: strPtr(""),
		PrevEvents: []string{f.creatorJoin.EventID()},
		AuthEvents: []string{f.create.EventID(), f.creatorJoin.EventID()},
	}, map[string]interface{}{
		"users": users, "users_default": 0, "events_default": 0,
		"state_default": 50, "ban": 50, "kick": 50, "redact": 50, "invite": 0,
	})

	f.joinRules = f.build(&EventBuilder{
		Sender: alice, RoomID: f.roomID, Type: MRoomJoinRules, StateKey: strPtr(""),
		PrevEvents: []string{f.powerLevels.EventID()},
		AuthEvents: []string{f.create.EventID(), f.creatorJoin.EventID(), f.powerLevels.EventID()},
	}, map[string]interface{}{"join_rule": joinRule})

	return f
}

func (f *roomFixture) build(builder *EventBuilder, content interface{}) *Event {
	f.t.Helper()
	require.NoError(f.t, builder.SetContent(content))
	// Advance the clock so every event gets a distinct timestamp.
	f.ts = f.ts.Add(time.Second)
	event, err := builder.Build(f.ts, testServerName, testKeyID, f.signer, f.verImpl)
	require.NoError(f.t, err)
	return event
}

func (f *roomFixture) stateEvents() []PDU {
	return []PDU{f.create, f.creatorJoin, f.powerLevels, f.joinRules}
}

func (f *roomFixture) provider(extra ...PDU) *AuthEvents {
	f.t.Helper()
	provider, err := NewAuthEvents(append(f.stateEvents(), extra...))
	require.NoError(f.t, err)
	return provider
}

func strPtr(s string) *string { return &s }

func TestAllowedCreateEvent(t *testing.T) {
	t.Parallel()
	f := newRoomFixture(t, JoinRulePublic, nil)

	empty, err := NewAuthEvents(nil)
	require.NoError(t, err)
	assert.NoError(t, Allowed(f.create, empty), "well-formed create event should be allowed")

	// A create event in a room whose domain differs from the sender must fail.
	badCreate := f.build(&EventBuilder{
		Sender: "@mallory:elsewhere.test", RoomID: f.roomID, Type: MRoomCreate, StateKey: strPtr(""),
	}, map[string]interface{}{"room_version": string(RoomVersionV10)})
	assert.Error(t, Allowed(badCreate, empty))
}

func TestAllowedJoinRules(t *testing.T) {
	t.Parallel()

	join := func(f *roomFixture, user string) *Event {
		return f.build(&EventBuilder{
			Sender: user, RoomID: f.roomID, Type: MRoomMember, StateKey: strPtr(user),
			PrevEvents: []string{f.joinRules.EventID()},
			AuthEvents: []string{f.create.EventID(), f.powerLevels.EventID(), f.joinRules.EventID()},
		}, map[string]interface{}{"membership": Join})
	}

	t.Run("public room join allowed", func(t *testing.T) {
		t.Parallel()
		f := newRoomFixture(t, JoinRulePublic, nil)
		assert.NoError(t, Allowed(join(f, bob), f.provider()))
	})

	t.Run("invite-only join denied without invite", func(t *testing.T) {
		t.Parallel()
		f := newRoomFixture(t, JoinRuleInvite, nil)
		assert.Error(t, Allowed(join(f, bob), f.provider()))
	})

	t.Run("invite-only join allowed with invite", func(t *testing.T) {
		t.Parallel()
		f := newRoomFixture(t, JoinRuleInvite, nil)
		invite := f.build(&EventBuilder{
			Sender: alice, RoomID: f.roomID, Type: MRoomMember, StateKey: strPtr(bob),
			PrevEvents: []string{f.joinRules.EventID()},
			AuthEvents: []string{f.create.EventID(), f.creatorJoin.EventID(), f.powerLevels.EventID()},
		}, map[string]interface{}{"membership": Invite})
		assert.NoError(t, Allowed(join(f, bob), f.provider(invite)))
	})

	t.Run("banned user cannot join", func(t *testing.T) {
		t.Parallel()
		f := newRoomFixture(t, JoinRulePublic, nil)
		ban := f.build(&EventBuilder{
			Sender: alice, RoomID: f.roomID, Type: MRoomMember, StateKey: strPtr(bob),
			PrevEvents: []string{f.joinRules.EventID()},
			AuthEvents: []string{f.create.EventID(), f.creatorJoin.EventID(), f.powerLevels.EventID()},
		}, map[string]interface{}{"membership": Ban})
		assert.Error(t, Allowed(join(f, bob), f.provider(ban)))
	})
}

// TestAllowedBannedSenderMessage covers the spec scenario of an event whose
// sender is banned in the room: it must fail with an authorization error.
func TestAllowedBannedSenderMessage(t *testing.T) {
	t.Parallel()
	f := newRoomFixture(t, JoinRulePublic, nil)

	ban := f.build(&EventBuilder{
		Sender: alice, RoomID: f.roomID, Type: MRoomMember, StateKey: strPtr(bob),
		PrevEvents: []string{f.joinRules.EventID()},
		AuthEvents: []string{f.create.EventID(), f.creatorJoin.EventID(), f.powerLevels.EventID()},
	}, map[string]interface{}{"membership": Ban})

	message := f.build(&EventBuilder{
		Sender: bob, RoomID: f.roomID, Type: "m.room.message",
		PrevEvents: []string{ban.EventID()},
		AuthEvents: []string{f.create.EventID(), f.powerLevels.EventID(), ban.EventID()},
	}, map[string]interface{}{"body": "hi"})

	err := Allowed(message, f.provider(ban))
	require.Error(t, err)
	assert.IsType(t, NotAllowed{}, err)
}

func TestAllowedPowerLevelChanges(t *testing.T) {
	t.Parallel()
	f := newRoomFixture(t, JoinRulePublic, map[string]int64{bob: 50})

	bobJoin := f.build(&EventBuilder{
		Sender: bob, RoomID: f.roomID, Type: MRoomMember, StateKey: strPtr(bob),
		PrevEvents: []string{f.joinRules.EventID()},
		AuthEvents: []string{f.create.EventID(), f.powerLevels.EventID(), f.joinRules.EventID()},
	}, map[string]interface{}{"membership": Join})

	newLevels := func(sender string, users map[string]int64) *Event {
		return f.build(&EventBuilder{
			Sender: sender, RoomID: f.roomID, Type: MRoomPowerLevels, StateKey: strPtr(""),
			PrevEvents: []string{bobJoin.EventID()},
			AuthEvents: []string{f.create.EventID(), f.powerLevels.EventID(), bobJoin.EventID()},
		}, map[string]interface{}{
			"users": users, "users_default": 0, "events_default": 0,
			"state_default": 50, "ban": 50, "kick": 50, "redact": 50, "invite": 0,
		})
	}

	// Bob (50) may raise carol up to his own level.
	assert.NoError(t, Allowed(
		newLevels(bob, map[string]int64{alice: 100, bob: 50, carol: 50}),
		f.provider(bobJoin),
	))
	// Bob may not grant a level above his own.
	assert.Error(t, Allowed(
		newLevels(bob, map[string]int64{alice: 100, bob: 50, carol: 75}),
		f.provider(bobJoin),
	))
	// Bob may not change alice's level, which is above his own.
	assert.Error(t, Allowed(
		newLevels(bob, map[string]int64{alice: 0, bob: 50}),
		f.provider(bobJoin),
	))
}

func TestAllowedKickRules(t *testing.T) {
	t.Parallel()
	f := newRoomFixture(t, JoinRulePublic, map[string]int64{bob: 50, carol: 50})

	memberJoin := func(user string) *Event {
		return f.build(&EventBuilder{
			Sender: user, RoomID: f.roomID, Type: MRoomMember, StateKey: strPtr(user),
			PrevEvents: []string{f.joinRules.EventID()},
			AuthEvents: []string{f.create.EventID(), f.powerLevels.EventID(), f.joinRules.EventID()},
		}, map[string]interface{}{"membership": Join})
	}
	bobJoin := memberJoin(bob)
	carolJoin := memberJoin(carol)

	kick := func(sender, target string) *Event {
		return f.build(&EventBuilder{
			Sender: sender, RoomID: f.roomID, Type: MRoomMember, StateKey: strPtr(target),
			PrevEvents: []string{carolJoin.EventID()},
			AuthEvents: []string{f.create.EventID(), f.powerLevels.EventID()},
		}, map[string]interface{}{"membership": Leave})
	}

	// Equal power: bob cannot kick carol.
	assert.Error(t, Allowed(kick(bob, carol), f.provider(bobJoin, carolJoin)))
	// Higher power: alice can kick carol.
	assert.NoError(t, Allowed(kick(alice, carol), f.provider(bobJoin, carolJoin)))
	// Leaving yourself is always fine while joined.
	assert.NoError(t, Allowed(kick(carol, carol), f.provider(bobJoin, carolJoin)))
}

func TestAllowedRejectsCrossRoomAuthChain(t *testing.T) {
	t.Parallel()
	f := newRoomFixture(t, JoinRulePublic, nil)

	otherRoom := f.build(&EventBuilder{
		Sender: alice, RoomID: "!other:example.org", Type: MRoomMember, StateKey: strPtr(alice),
	}, map[string]interface{}{"membership": Join})

	provider, err := NewAuthEvents(append(f.stateEvents(), otherRoom))
	require.NoError(t, err)
	assert.False(t, provider.Valid(), "provider with cross-room events must be invalid")

	message := f.build(&EventBuilder{
		Sender: alice, RoomID: f.roomID, Type: "m.room.message",
		PrevEvents: []string{f.joinRules.EventID()},
		AuthEvents: []string{f.create.EventID(), f.powerLevels.EventID()},
	}, map[string]interface{}{"body": "hi"})
	assert.Error(t, Allowed(message, provider))
}

func TestStateNeededForAuth(t *testing.T) {
	t.Parallel()
	f := newRoomFixture(t, JoinRulePublic, nil)

	needed := StateNeededForAuth([]PDU{f.creatorJoin})
	assert.True(t, needed.Create)
	assert.True(t, needed.PowerLevels)
	assert.True(t, needed.JoinRules)
	assert.Contains(t, needed.Member, alice)

	needed = StateNeededForAuth([]PDU{f.create})
	assert.False(t, needed.Create, "create events are authorized by nothing")
}
