// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"crypto/rand"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ed25519"

	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/types"
)

// Preset picks the initial join rules and history visibility for a test room,
// mirroring the client API room creation presets.
type Preset int

const (
	PresetNone Preset = iota
	PresetPrivateChat
	PresetPublicChat
	PresetTrustedPrivateChat
)

var (
	roomIDCounter int64

	testKeyID      = matrix.KeyID("ed25519:test")
	testPrivateKey ed25519.PrivateKey
)

func init() {
	_, testPrivateKey, _ = ed25519.GenerateKey(rand.Reader)
}

// Room is an in-memory fixture room. Events are built, signed and tracked
// locally so tests can exercise auth and state logic without a database.
type Room struct {
	ID      string
	Version matrix.RoomVersion

	preset       Preset
	creator      *User
	authEvents   *matrix.AuthEvents
	currentState map[string]*types.HeaderedEvent
	events       []*types.HeaderedEvent
	depth        int64
	ts           time.Time
}

type roomModifier func(t *testing.T, r *Room)

// RoomPreset sets the preset used when creating the initial room state.
func RoomPreset(p Preset) roomModifier {
	return func(t *testing.T, r *Room) {
		switch p {
		case PresetPrivateChat, PresetPublicChat, PresetTrustedPrivateChat:
			r.preset = p
		default:
			t.Fatalf("invalid room preset %d", p)
		}
	}
}

// RoomVersion sets the room version for the fixture room.
func RoomVersion(ver matrix.RoomVersion) roomModifier {
	return func(t *testing.T, r *Room) {
		r.Version = ver
	}
}

// NewRoom creates a room with the given creator and inserts the initial
// create, membership, power level, join rule and history visibility events.
func NewRoom(t *testing.T, creator *User, modifiers ...roomModifier) *Room {
	t.Helper()
	counter := atomic.AddInt64(&roomIDCounter, 1)

	authEvents, _ := matrix.NewAuthEvents(nil)
	r := &Room{
		ID:           fmt.Sprintf("!%d:test", counter),
		Version:      matrix.RoomVersionV10,
		preset:       PresetPublicChat,
		creator:      creator,
		authEvents:   authEvents,
		currentState: make(map[string]*types.HeaderedEvent),
		ts:           time.Now(),
	}
	for _, m := range modifiers {
		m(t, r)
	}
	r.insertCreateEvents(t)
	return r
}

func (r *Room) insertCreateEvents(t *testing.T) {
	t.Helper()
	var joinRule, hisVis string
	switch r.preset {
	case PresetPrivateChat, PresetTrustedPrivateChat:
		joinRule = "invite"
		hisVis = "shared"
	default:
		joinRule = "public"
		hisVis = "shared"
	}

	plContent := matrix.PowerLevelContent{}
	plContent.Defaults()
	plContent.Users = map[string]int64{r.creator.ID: 100}
	if r.preset == PresetTrustedPrivateChat {
		// Trusted private chats promote every invitee to the creator's level,
		// which for the initial state is just the creator.
		plContent.Users[r.creator.ID] = 100
	}

	r.CreateAndInsert(t, r.creator, matrix.MRoomCreate, map[string]interface{}{
		"creator":      r.creator.ID,
		"room_version": string(r.Version),
	}, WithStateKey(""))
	r.CreateAndInsert(t, r.creator, matrix.MRoomMember, map[string]interface{}{
		"membership": matrix.Join,
	}, WithStateKey(r.creator.ID))
	r.CreateAndInsert(t, r.creator, matrix.MRoomPowerLevels, plContent, WithStateKey(""))
	r.CreateAndInsert(t, r.creator, matrix.MRoomJoinRules, map[string]interface{}{
		"join_rule": joinRule,
	}, WithStateKey(""))
	r.CreateAndInsert(t, r.creator, matrix.MRoomHistoryVisibility, map[string]interface{}{
		"history_visibility": hisVis,
	}, WithStateKey(""))
}

type eventModifier struct {
	originServerTS time.Time
	stateKey       *string
	unsigned       interface{}
	authEvents     []string
	prevEvents     []string
	redacts        string
	keyID          matrix.KeyID
	privKey        ed25519.PrivateKey
}

// WithStateKey marks the event as a state event with the given state key.
func WithStateKey(stateKey string) func(*eventModifier) {
	return func(e *eventModifier) {
		e.stateKey = &stateKey
	}
}

// WithAuthIDs overrides the auth event IDs instead of deriving them from the
// room's current state.
func WithAuthIDs(authEventIDs []string) func(*eventModifier) {
	return func(e *eventModifier) {
		e.authEvents = authEventIDs
	}
}

// WithPrevEvents overrides the prev event IDs instead of using the room's
// forward extremities.
func WithPrevEvents(prevEventIDs []string) func(*eventModifier) {
	return func(e *eventModifier) {
		e.prevEvents = prevEventIDs
	}
}

// WithRedacts points the event at the event it redacts.
func WithRedacts(eventID string) func(*eventModifier) {
	return func(e *eventModifier) {
		e.redacts = eventID
	}
}

// WithTimestamp sets the origin_server_ts of the event.
func WithTimestamp(ts time.Time) func(*eventModifier) {
	return func(e *eventModifier) {
		e.originServerTS = ts
	}
}

// WithUnsigned sets the unsigned section of the event.
func WithUnsigned(unsigned interface{}) func(*eventModifier) {
	return func(e *eventModifier) {
		e.unsigned = unsigned
	}
}

// WithKeyID signs the event with a different key.
func WithKeyID(keyID matrix.KeyID, key ed25519.PrivateKey) func(*eventModifier) {
	return func(e *eventModifier) {
		e.keyID = keyID
		e.privKey = key
	}
}

// CreateEvent builds and signs an event on this room without inserting it.
// Prev events are the current forward extremities and auth events are looked
// up from the accumulated room state unless overridden.
func (r *Room) CreateEvent(t *testing.T, creator *User, eventType string, content interface{}, modifiers ...func(*eventModifier)) *types.HeaderedEvent {
	t.Helper()
	mod := &eventModifier{
		originServerTS: r.ts.Add(time.Duration(r.depth) * time.Second),
		keyID:          testKeyID,
		privKey:        testPrivateKey,
	}
	for _, m := range modifiers {
		m(mod)
	}

	prevEvents := r.ForwardExtremities()
	if mod.prevEvents != nil {
		prevEvents = mod.prevEvents
	}
	builder := &matrix.EventBuilder{
		Sender:     creator.ID,
		RoomID:     r.ID,
		Type:       eventType,
		StateKey:   mod.stateKey,
		Redacts:    mod.redacts,
		Depth:      r.depth + 1,
		PrevEvents: prevEvents,
	}
	if err := builder.SetContent(content); err != nil {
		t.Fatalf("CreateEvent: failed to marshal content: %s", err)
	}
	if mod.unsigned != nil {
		if err := builder.SetUnsigned(mod.unsigned); err != nil {
			t.Fatalf("CreateEvent: failed to marshal unsigned: %s", err)
		}
	}

	if mod.authEvents != nil {
		builder.AuthEvents = mod.authEvents
	} else {
		builder.AuthEvents = r.authEventIDs(t, builder)
	}

	verImpl, err := matrix.GetRoomVersion(r.Version)
	if err != nil {
		t.Fatalf("CreateEvent: unsupported room version %q: %s", r.Version, err)
	}
	signer := &matrix.LocalSigner{PrivateKey: mod.privKey}
	ev, err := builder.Build(mod.originServerTS, "test", mod.keyID, signer, verImpl)
	if err != nil {
		t.Fatalf("CreateEvent: failed to build event: %s", err)
	}
	return &types.HeaderedEvent{PDU: ev}
}

// authEventIDs resolves the auth events the builder needs from the room's
// accumulated state.
func (r *Room) authEventIDs(t *testing.T, builder *matrix.EventBuilder) []string {
	t.Helper()
	needed := matrix.StateNeededForEventBuilder(builder)
	var ids []string
	appendEvent := func(ev matrix.PDU, err error) {
		if err != nil {
			t.Fatalf("authEventIDs: %s", err)
		}
		if ev != nil {
			ids = append(ids, ev.EventID())
		}
	}
	if needed.Create {
		appendEvent(r.authEvents.Create())
	}
	if needed.PowerLevels {
		appendEvent(r.authEvents.PowerLevels())
	}
	if needed.JoinRules {
		appendEvent(r.authEvents.JoinRules())
	}
	for _, member := range needed.Member {
		appendEvent(r.authEvents.Member(member))
	}
	for _, token := range needed.ThirdPartyInvite {
		appendEvent(r.authEvents.ThirdPartyInvite(token))
	}
	return ids
}

// InsertEvent adds a previously created event to the room timeline and, for
// state events, the tracked current state.
func (r *Room) InsertEvent(t *testing.T, he *types.HeaderedEvent) {
	t.Helper()
	if he == nil {
		t.Fatal("InsertEvent: nil event")
	}
	if he.StateKey() != nil {
		if err := r.authEvents.AddEvent(he.PDU); err != nil {
			t.Fatalf("InsertEvent: failed to add event to auth set: %s", err)
		}
		r.currentState[he.Type()+" "+*he.StateKey()] = he
	}
	r.events = append(r.events, he)
	r.depth++
}

// CreateAndInsert builds, signs and inserts an event in one step.
func (r *Room) CreateAndInsert(t *testing.T, creator *User, eventType string, content interface{}, modifiers ...func(*eventModifier)) *types.HeaderedEvent {
	t.Helper()
	ev := r.CreateEvent(t, creator, eventType, content, modifiers...)
	r.InsertEvent(t, ev)
	return ev
}

// Events returns all inserted events in insertion order.
func (r *Room) Events() []*types.HeaderedEvent {
	return r.events
}

// CurrentState returns the tracked state events of the room.
func (r *Room) CurrentState() []*types.HeaderedEvent {
	events := make([]*types.HeaderedEvent, 0, len(r.currentState))
	for _, ev := range r.currentState {
		events = append(events, ev)
	}
	return events
}

// ForwardExtremities returns the event IDs with no children yet. The fixture
// keeps a linear timeline so this is at most the last inserted event.
func (r *Room) ForwardExtremities() []string {
	if len(r.events) == 0 {
		return nil
	}
	return []string{r.events[len(r.events)-1].EventID()}
}
