// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/element-hq/construct/internal/caching"
	"github.com/element-hq/construct/internal/sqlutil"
	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver"
	"github.com/element-hq/construct/roomserver/api"
	"github.com/element-hq/construct/roomserver/storage"
	"github.com/element-hq/construct/roomserver/types"
	"github.com/element-hq/construct/setup/config"
	"github.com/element-hq/construct/setup/jetstream"
	"github.com/element-hq/construct/setup/process"
	"github.com/element-hq/construct/test"
	"github.com/element-hq/construct/test/testrig"
)

// testInputterContext holds all dependencies needed for testing event input
type testInputterContext struct {
	t          *testing.T
	ctx        context.Context
	cancel     context.CancelFunc
	cfg        *config.Construct
	processCtx *process.ProcessContext
	db         storage.RoomDatabase
	rsAPI      api.RoomserverInternalAPI
	cleanup    func()
}

// setupInputter creates a complete roomserver instance for testing
func setupInputter(t *testing.T, dbType test.DBType) *testInputterContext {
	t.Helper()

	cfg, processCtx, closeRig := testrig.CreateConfig(t, dbType)
	cm := sqlutil.NewConnectionManager(processCtx, cfg.Global.DatabaseOptions)

	natsInstance := &jetstream.NATSInstance{}
	caches := caching.NewRistrettoCache(8*1024*1024, time.Hour, caching.DisableMetrics)

	rsAPI := roomserver.NewInternalAPI(processCtx, cfg, cm, natsInstance, caches, caching.DisableMetrics)
	rsAPI.SetFederationAPI(nil, nil)

	// Open a second handle onto the roomserver database for assertions
	db, err := storage.Open(processCtx.Context(), cm, &cfg.RoomServer.Database, caches)
	require.NoError(t, err)

	deadline, ok := t.Deadline()
	if !ok || time.Until(deadline) < 5*time.Second {
		deadline = time.Now().Add(5 * time.Second)
	}
	ctx, cancel := context.WithDeadline(processCtx.Context(), deadline)

	return &testInputterContext{
		t:          t,
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg,
		processCtx: processCtx,
		db:         db,
		rsAPI:      rsAPI,
		cleanup: func() {
			cancel()
			closeRig()
		},
	}
}

// Cleanup closes all resources
func (tc *testInputterContext) Cleanup() {
	if tc.cleanup != nil {
		tc.cleanup()
	}
}

// sendEvent feeds a single event through the input stream and waits for the
// result unless async is set.
func (tc *testInputterContext) sendEvent(event *types.HeaderedEvent, kind api.Kind, async bool) error {
	res := &api.InputRoomEventsResponse{}
	tc.rsAPI.InputRoomEvents(tc.ctx, &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{{
			Kind:  kind,
			Event: event,
		}},
		Asynchronous: async,
	}, res)
	return res.Err()
}

// sendInitialEvents processes the room fixture's create events synchronously.
func (tc *testInputterContext) sendInitialEvents(room *test.Room) {
	tc.t.Helper()
	for _, event := range room.Events() {
		require.NoError(tc.t, tc.sendEvent(event, api.KindNew, false))
	}
}

// TestProcessRoomEvent_CreateEvent tests processing a room creation event
func TestProcessRoomEvent_CreateEvent(t *testing.T) {
	t.Parallel()
	tc := setupInputter(t, test.DBTypeSQLite)
	defer tc.Cleanup()

	// Create test user and room
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice, test.RoomVersion(matrix.RoomVersionV10))

	// Get the m.room.create event
	createEvent := room.Events()[0]
	require.Equal(t, matrix.MRoomCreate, createEvent.Type())

	// Process the create event
	require.NoError(t, tc.sendEvent(createEvent, api.KindNew, false), "Processing create event should succeed")

	// Verify room exists in database
	roomInfo, err := tc.db.RoomInfo(tc.ctx, createEvent.RoomID())
	require.NoError(t, err, "Should be able to retrieve room info")
	assert.NotNil(t, roomInfo, "Room info should exist")
	assert.NotEqual(t, types.RoomNID(0), roomInfo.RoomNID, "Room NID should be non-zero")

	// Verify the create event is stored and retrievable
	storedCreateEvent, err := tc.db.GetStateEvent(tc.ctx, createEvent.RoomID(), matrix.MRoomCreate, "")
	require.NoError(t, err, "Should be able to retrieve create event")
	assert.NotNil(t, storedCreateEvent, "Create event should be stored")
	assert.Equal(t, createEvent.EventID(), storedCreateEvent.EventID(), "Stored create event should match")

	// Verify room version is correct
	assert.Equal(t, matrix.RoomVersionV10, roomInfo.RoomVersion, "Room version should match")
}

// TestProcessRoomEvent_OutlierEvent tests processing an outlier event
func TestProcessRoomEvent_OutlierEvent(t *testing.T) {
	t.Parallel()
	tc := setupInputter(t, test.DBTypeSQLite)
	defer tc.Cleanup()

	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	tc.sendInitialEvents(room)

	// Create a message event as an outlier
	msgEvent := room.CreateEvent(t, alice, "m.room.message", map[string]interface{}{
		"msgtype": "m.text",
		"body":    "Hello World",
	})

	// Verify outlier was processed successfully
	assert.NoError(t, tc.sendEvent(msgEvent, api.KindOutlier, false))
}

// TestProcessRoomEvent_MembershipJoin tests processing a join membership event
func TestProcessRoomEvent_MembershipJoin(t *testing.T) {
	t.Parallel()
	tc := setupInputter(t, test.DBTypeSQLite)
	defer tc.Cleanup()

	alice := test.NewUser(t)
	bob := test.NewUser(t)
	room := test.NewRoom(t, alice, test.RoomPreset(test.PresetPublicChat))
	tc.sendInitialEvents(room)

	// Bob joins the room
	bobJoinEvent := room.CreateAndInsert(t, bob, matrix.MRoomMember, map[string]interface{}{
		"membership": matrix.Join,
	}, test.WithStateKey(bob.ID))

	// Verify Bob's join was processed
	require.NoError(t, tc.sendEvent(bobJoinEvent, api.KindNew, false), "Bob's join should be processed successfully")

	// Verify room membership in database
	roomInfo, err := tc.db.RoomInfo(tc.ctx, bobJoinEvent.RoomID())
	require.NoError(t, err, "Should be able to retrieve room info")

	// Get all joined members
	members, err := tc.db.GetMembershipEventNIDsForRoom(tc.ctx, roomInfo.RoomNID, true, false)
	require.NoError(t, err, "Should be able to retrieve members")
	assert.NotEmpty(t, members, "Room should have members")
	// Room should have at least 2 members (Alice who created it, and Bob who joined)
	assert.GreaterOrEqual(t, len(members), 2, "Room should have at least 2 members")

	// Verify Bob's membership event is stored and retrievable
	bobMemberEvent, err := tc.db.GetStateEvent(tc.ctx, bobJoinEvent.RoomID(), matrix.MRoomMember, bob.ID)
	require.NoError(t, err, "Should be able to retrieve Bob's membership event")
	assert.NotNil(t, bobMemberEvent, "Bob's membership event should exist")
	assert.Equal(t, bobJoinEvent.EventID(), bobMemberEvent.EventID(), "Stored membership event should match")
	assert.Equal(t, matrix.MRoomMember, bobMemberEvent.Type(), "Event type should be m.room.member")
}

// TestProcessRoomEvent_MembershipLeave tests processing a leave membership event
func TestProcessRoomEvent_MembershipLeave(t *testing.T) {
	t.Parallel()
	tc := setupInputter(t, test.DBTypeSQLite)
	defer tc.Cleanup()

	alice := test.NewUser(t)
	bob := test.NewUser(t)
	room := test.NewRoom(t, alice, test.RoomPreset(test.PresetPublicChat))
	tc.sendInitialEvents(room)

	// Bob joins
	bobJoinEvent := room.CreateAndInsert(t, bob, matrix.MRoomMember, map[string]interface{}{
		"membership": matrix.Join,
	}, test.WithStateKey(bob.ID))
	require.NoError(t, tc.sendEvent(bobJoinEvent, api.KindNew, false))

	// Bob leaves
	bobLeaveEvent := room.CreateAndInsert(t, bob, matrix.MRoomMember, map[string]interface{}{
		"membership": matrix.Leave,
	}, test.WithStateKey(bob.ID))

	// Verify leave was processed
	assert.NoError(t, tc.sendEvent(bobLeaveEvent, api.KindNew, false))
}

// TestProcessRoomEvent_InviteOnlyRoom tests processing events in an invite-only
// room. Authorization checking happens during event creation, so this verifies
// that properly authorized invite and join events are accepted.
func TestProcessRoomEvent_InviteOnlyRoom(t *testing.T) {
	t.Parallel()
	tc := setupInputter(t, test.DBTypeSQLite)
	defer tc.Cleanup()

	alice := test.NewUser(t)
	bob := test.NewUser(t)

	// Create a private room (invite only)
	room := test.NewRoom(t, alice, test.RoomPreset(test.PresetPrivateChat))
	tc.sendInitialEvents(room)

	// Alice invites Bob (this should succeed)
	bobInviteEvent := room.CreateAndInsert(t, alice, matrix.MRoomMember, map[string]interface{}{
		"membership": matrix.Invite,
	}, test.WithStateKey(bob.ID))
	require.NoError(t, tc.sendEvent(bobInviteEvent, api.KindNew, false), "Processing invite event should succeed")

	// Bob joins after being invited (this should succeed)
	bobJoinEvent := room.CreateAndInsert(t, bob, matrix.MRoomMember, map[string]interface{}{
		"membership": matrix.Join,
	}, test.WithStateKey(bob.ID))
	require.NoError(t, tc.sendEvent(bobJoinEvent, api.KindNew, false), "Processing join after invite should succeed")

	// Verify Bob's membership is stored
	bobMemberEvent, err := tc.db.GetStateEvent(tc.ctx, bobJoinEvent.RoomID(), matrix.MRoomMember, bob.ID)
	require.NoError(t, err, "Should be able to retrieve Bob's membership event")
	assert.NotNil(t, bobMemberEvent, "Bob's membership event should exist")
	assert.Equal(t, bobJoinEvent.EventID(), bobMemberEvent.EventID(), "Bob should be joined")
}

// TestProcessRoomEvent_DuplicateEvent tests processing the same event twice
func TestProcessRoomEvent_DuplicateEvent(t *testing.T) {
	t.Parallel()
	tc := setupInputter(t, test.DBTypeSQLite)
	defer tc.Cleanup()

	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	tc.sendInitialEvents(room)

	// Create a message event
	msgEvent := room.CreateAndInsert(t, alice, "m.room.message", map[string]interface{}{
		"msgtype": "m.text",
		"body":    "Test message",
	})

	// Process it the first time
	require.NoError(t, tc.sendEvent(msgEvent, api.KindNew, false))

	// Process the same event again - should be idempotent
	assert.NoError(t, tc.sendEvent(msgEvent, api.KindNew, false))
}

// TestProcessRoomEvent_StateResolution tests that state updates land correctly
func TestProcessRoomEvent_StateResolution(t *testing.T) {
	t.Parallel()
	tc := setupInputter(t, test.DBTypeSQLite)
	defer tc.Cleanup()

	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	tc.sendInitialEvents(room)

	// Change room name
	nameEvent := room.CreateAndInsert(t, alice, matrix.MRoomName, map[string]interface{}{
		"name": "Test Room",
	}, test.WithStateKey(""))
	require.NoError(t, tc.sendEvent(nameEvent, api.KindNew, false), "Setting room name should succeed")

	// Verify state was updated in database
	roomInfo, err := tc.db.RoomInfo(tc.ctx, nameEvent.RoomID())
	require.NoError(t, err, "Should be able to retrieve room info")
	assert.NotNil(t, roomInfo, "Room info should exist")

	// Verify the room name state event is stored and is the latest
	stateEvent, err := tc.db.GetStateEvent(tc.ctx, nameEvent.RoomID(), matrix.MRoomName, "")
	require.NoError(t, err, "Should be able to retrieve room name state")
	assert.NotNil(t, stateEvent, "Room name state event should exist")
	assert.Equal(t, nameEvent.EventID(), stateEvent.EventID(), "Current room name should be the one we just set")
	assert.Equal(t, matrix.MRoomName, stateEvent.Type(), "Event type should be m.room.name")
	assert.Equal(t, alice.ID, stateEvent.Sender(), "Sender should be Alice")
}

// TestProcessRoomEvent_PowerLevelCheck tests that a user granted enough power
// can replace state that their default level would not allow.
func TestProcessRoomEvent_PowerLevelCheck(t *testing.T) {
	t.Parallel()
	tc := setupInputter(t, test.DBTypeSQLite)
	defer tc.Cleanup()

	alice := test.NewUser(t)
	bob := test.NewUser(t)
	room := test.NewRoom(t, alice, test.RoomPreset(test.PresetPublicChat))
	tc.sendInitialEvents(room)

	// Bob joins
	bobJoinEvent := room.CreateAndInsert(t, bob, matrix.MRoomMember, map[string]interface{}{
		"membership": matrix.Join,
	}, test.WithStateKey(bob.ID))
	require.NoError(t, tc.sendEvent(bobJoinEvent, api.KindNew, false))

	// Give Bob sufficient power level (50) to set room name
	plEvent := room.CreateAndInsert(t, alice, matrix.MRoomPowerLevels, map[string]interface{}{
		"users": map[string]int64{
			alice.ID: 100,
			bob.ID:   50,
		},
		"events": map[string]int64{
			matrix.MRoomName: 50,
		},
		"users_default":  0,
		"events_default": 0,
		"state_default":  50,
		"ban":            50,
		"kick":           50,
		"redact":         50,
		"invite":         0,
	}, test.WithStateKey(""))
	require.NoError(t, tc.sendEvent(plEvent, api.KindNew, false))

	// Bob changes room name (has exact required power level, should succeed)
	bobNameEvent := room.CreateAndInsert(t, bob, matrix.MRoomName, map[string]interface{}{
		"name": "Bob's Room",
	}, test.WithStateKey(""))
	require.NoError(t, tc.sendEvent(bobNameEvent, api.KindNew, false),
		"User with sufficient power level should successfully set room name")

	// Verify the name was actually set in the database
	stateEvent, err := tc.db.GetStateEvent(tc.ctx, bobNameEvent.RoomID(), matrix.MRoomName, "")
	require.NoError(t, err, "Should be able to retrieve room name state")
	assert.NotNil(t, stateEvent, "Room name state event should exist")
	assert.Equal(t, bobNameEvent.EventID(), stateEvent.EventID(), "Room name should be updated to Bob's event")
}

// TestProcessRoomEvent_MultipleEvents tests processing multiple events in sequence
func TestProcessRoomEvent_MultipleEvents(t *testing.T) {
	t.Parallel()
	tc := setupInputter(t, test.DBTypeSQLite)
	defer tc.Cleanup()

	alice := test.NewUser(t)
	bob := test.NewUser(t)
	room := test.NewRoom(t, alice, test.RoomPreset(test.PresetPublicChat))
	tc.sendInitialEvents(room)

	// Create multiple events
	events := []*types.HeaderedEvent{
		room.CreateAndInsert(t, alice, "m.room.message", map[string]interface{}{
			"msgtype": "m.text",
			"body":    "Message 1",
		}),
		room.CreateAndInsert(t, alice, "m.room.message", map[string]interface{}{
			"msgtype": "m.text",
			"body":    "Message 2",
		}),
		room.CreateAndInsert(t, bob, matrix.MRoomMember, map[string]interface{}{
			"membership": matrix.Join,
		}, test.WithStateKey(bob.ID)),
		room.CreateAndInsert(t, bob, "m.room.message", map[string]interface{}{
			"msgtype": "m.text",
			"body":    "Message from Bob",
		}),
	}

	// Process all events
	for _, event := range events {
		assert.NoError(t, tc.sendEvent(event, api.KindNew, false), "Failed to process event %s", event.EventID())
	}
}

// TestProcessRoomEvent_RejectionPropagatesToChildren tests that an event is
// rejected when every parent it cites was itself rejected, and that neither
// event becomes a forward extremity.
func TestProcessRoomEvent_RejectionPropagatesToChildren(t *testing.T) {
	t.Parallel()
	tc := setupInputter(t, test.DBTypeSQLite)
	defer tc.Cleanup()

	alice := test.NewUser(t)
	eve := test.NewUser(t)
	room := test.NewRoom(t, alice, test.RoomPreset(test.PresetPublicChat))
	tc.sendInitialEvents(room)

	// Eve never joined, so her message fails auth and is rejected.
	badEvent := room.CreateEvent(t, eve, "m.room.message", map[string]interface{}{
		"msgtype": "m.text",
		"body":    "I'm not even in this room",
	})
	require.Error(t, tc.sendEvent(badEvent, api.KindNew, false), "a message from a non-member should be rejected")

	roomInfo, err := tc.db.RoomInfo(tc.ctx, badEvent.RoomID())
	require.NoError(t, err)
	require.NotNil(t, roomInfo)

	rejected, err := tc.db.IsEventRejected(tc.ctx, roomInfo.RoomNID, badEvent.EventID())
	require.NoError(t, err)
	assert.True(t, rejected, "Eve's message should be stored as rejected")

	// Alice is a member and her message passes auth on its own, but its only
	// parent is the rejected event, so it must not be accepted either.
	childEvent := room.CreateEvent(t, alice, "m.room.message", map[string]interface{}{
		"msgtype": "m.text",
		"body":    "building on a rejected event",
	}, test.WithPrevEvents([]string{badEvent.EventID()}))
	require.Error(t, tc.sendEvent(childEvent, api.KindNew, false), "an event whose only parent is rejected should not be accepted")

	rejected, err = tc.db.IsEventRejected(tc.ctx, roomInfo.RoomNID, childEvent.EventID())
	require.NoError(t, err)
	assert.True(t, rejected, "the child of a rejected event should be rejected")

	latest, _, _, err := tc.db.LatestEventIDs(tc.ctx, roomInfo.RoomNID)
	require.NoError(t, err)
	assert.NotContains(t, latest, badEvent.EventID(), "a rejected event must not be a forward extremity")
	assert.NotContains(t, latest, childEvent.EventID(), "the child of a rejected event must not be a forward extremity")
}

// TestProcessRoomEvent_SoftFailAgainstCurrentState tests that an event citing
// stale but individually valid auth events soft-fails against the current
// state instead of being rejected.
func TestProcessRoomEvent_SoftFailAgainstCurrentState(t *testing.T) {
	t.Parallel()
	tc := setupInputter(t, test.DBTypeSQLite)
	defer tc.Cleanup()

	alice := test.NewUser(t)
	bob := test.NewUser(t)
	room := test.NewRoom(t, alice, test.RoomPreset(test.PresetPublicChat))
	tc.sendInitialEvents(room)

	createEvent := room.Events()[0]
	plEvent := room.Events()[2]
	require.Equal(t, matrix.MRoomPowerLevels, plEvent.Type())

	// Bob joins, then Alice bans him.
	bobJoinEvent := room.CreateAndInsert(t, bob, matrix.MRoomMember, map[string]interface{}{
		"membership": matrix.Join,
	}, test.WithStateKey(bob.ID))
	require.NoError(t, tc.sendEvent(bobJoinEvent, api.KindNew, false))

	banEvent := room.CreateAndInsert(t, alice, matrix.MRoomMember, map[string]interface{}{
		"membership": matrix.Ban,
	}, test.WithStateKey(bob.ID))
	require.NoError(t, tc.sendEvent(banEvent, api.KindNew, false))

	// Bob's message cites his join as auth, which passes against the claimed
	// auth events but not against the current state where he is banned.
	staleMsg := room.CreateEvent(t, bob, "m.room.message", map[string]interface{}{
		"msgtype": "m.text",
		"body":    "I can still talk, right?",
	}, test.WithAuthIDs([]string{createEvent.EventID(), plEvent.EventID(), bobJoinEvent.EventID()}))
	require.NoError(t, tc.sendEvent(staleMsg, api.KindNew, false), "a soft-failed event is stored without an input error")

	roomInfo, err := tc.db.RoomInfo(tc.ctx, staleMsg.RoomID())
	require.NoError(t, err)
	require.NotNil(t, roomInfo)

	softFailed, err := tc.db.IsEventSoftFailed(tc.ctx, roomInfo.RoomNID, staleMsg.EventID())
	require.NoError(t, err)
	assert.True(t, softFailed, "the message should be stored as soft-failed")

	rejected, err := tc.db.IsEventRejected(tc.ctx, roomInfo.RoomNID, staleMsg.EventID())
	require.NoError(t, err)
	assert.False(t, rejected, "a soft-failed event is not rejected")

	latest, _, _, err := tc.db.LatestEventIDs(tc.ctx, roomInfo.RoomNID)
	require.NoError(t, err)
	assert.NotContains(t, latest, staleMsg.EventID(), "a soft-failed event must not be a forward extremity")
}

// TestProcessRoomEvent_MissingPrevSoftFails tests that an event citing an
// unknown parent soft-fails when there is no federation to fetch it from.
func TestProcessRoomEvent_MissingPrevSoftFails(t *testing.T) {
	t.Parallel()
	tc := setupInputter(t, test.DBTypeSQLite)
	defer tc.Cleanup()

	alice := test.NewUser(t)
	room := test.NewRoom(t, alice, test.RoomPreset(test.PresetPublicChat))
	tc.sendInitialEvents(room)

	gapEvent := room.CreateEvent(t, alice, "m.room.message", map[string]interface{}{
		"msgtype": "m.text",
		"body":    "my parent never arrived",
	}, test.WithPrevEvents([]string{"$neverStoredAnywhere"}))
	require.NoError(t, tc.sendEvent(gapEvent, api.KindNew, false))

	roomInfo, err := tc.db.RoomInfo(tc.ctx, gapEvent.RoomID())
	require.NoError(t, err)
	require.NotNil(t, roomInfo)

	softFailed, err := tc.db.IsEventSoftFailed(tc.ctx, roomInfo.RoomNID, gapEvent.EventID())
	require.NoError(t, err)
	assert.True(t, softFailed, "an event with unfetchable ancestry should soft-fail")

	rejected, err := tc.db.IsEventRejected(tc.ctx, roomInfo.RoomNID, gapEvent.EventID())
	require.NoError(t, err)
	assert.False(t, rejected, "missing ancestry alone is not grounds for rejection")
}

// TestProcessRoomEvent_RedactionBlanksTarget tests that a redaction strips the
// target event's content and records the redaction in unsigned.
func TestProcessRoomEvent_RedactionBlanksTarget(t *testing.T) {
	t.Parallel()
	tc := setupInputter(t, test.DBTypeSQLite)
	defer tc.Cleanup()

	alice := test.NewUser(t)
	room := test.NewRoom(t, alice, test.RoomPreset(test.PresetPublicChat))
	tc.sendInitialEvents(room)

	msgEvent := room.CreateAndInsert(t, alice, "m.room.message", map[string]interface{}{
		"msgtype": "m.text",
		"body":    "delete this",
	})
	require.NoError(t, tc.sendEvent(msgEvent, api.KindNew, false))

	redactionEvent := room.CreateAndInsert(t, alice, matrix.MRoomRedaction, map[string]interface{}{
		"reason": "spam",
	}, test.WithRedacts(msgEvent.EventID()))
	require.NoError(t, tc.sendEvent(redactionEvent, api.KindNew, false))

	roomInfo, err := tc.db.RoomInfo(tc.ctx, msgEvent.RoomID())
	require.NoError(t, err)
	require.NotNil(t, roomInfo)

	stored, err := tc.db.EventsFromIDs(tc.ctx, roomInfo, []string{msgEvent.EventID()})
	require.NoError(t, err)
	require.Len(t, stored, 1)

	storedJSON := stored[0].JSON()
	assert.False(t, gjson.GetBytes(storedJSON, "content.body").Exists(), "the redacted event's content should be stripped")

	because := gjson.GetBytes(storedJSON, "unsigned.redacted_because")
	require.True(t, because.Exists(), "the redacted event should carry the redaction in unsigned")
	assert.Equal(t, matrix.MRoomRedaction, because.Get("type").Str)
	assert.Equal(t, msgEvent.EventID(), because.Get("redacts").Str)
}

// TestProcessRoomEvent_AsyncMode tests asynchronous event processing
func TestProcessRoomEvent_AsyncMode(t *testing.T) {
	t.Parallel()
	tc := setupInputter(t, test.DBTypeSQLite)
	defer tc.Cleanup()

	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)

	// Process create event synchronously first
	createEvent := room.Events()[0]
	require.NoError(t, tc.sendEvent(createEvent, api.KindNew, false))

	// Process remaining events asynchronously
	for _, event := range room.Events()[1:] {
		// In async mode, we don't wait for processing
		assert.NoError(t, tc.sendEvent(event, api.KindNew, true))
	}

	// Verify room was created asynchronously using require.Eventually
	require.Eventually(t, func() bool {
		roomInfo, err := tc.db.RoomInfo(tc.ctx, createEvent.RoomID())
		return err == nil && roomInfo != nil
	}, 5*time.Second, 100*time.Millisecond,
		"Room should be created asynchronously within timeout")
}
