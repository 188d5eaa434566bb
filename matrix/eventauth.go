// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrix

import (
	"encoding/json"
	"fmt"
)

// AuthEventProvider is the state an authorization check runs against: the
// subset of room state the auth rules can reference. It is implemented both
// by the concrete AuthEvents container and by the state resolver itself while
// it iteratively replays conflicted events.
type AuthEventProvider interface {
	Create() (PDU, error)
	PowerLevels() (PDU, error)
	JoinRules() (PDU, error)
	Member(stateKey string) (PDU, error)
	ThirdPartyInvite(stateKey string) (PDU, error)
	Valid() bool
}

// AuthEvents is a map-backed AuthEventProvider.
type AuthEvents struct {
	events map[stateKeyTuple]PDU
	roomID string
	valid  bool
}

type stateKeyTuple struct {
	eventType string
	stateKey  string
}

// NewAuthEvents returns a provider seeded with the given state events.
// Events from mismatched rooms poison the provider: Valid reports false and
// every authorization against it must fail.
func NewAuthEvents(events []PDU) (*AuthEvents, error) {
	a := &AuthEvents{
		events: make(map[stateKeyTuple]PDU, len(events)),
		valid:  true,
	}
	for _, e := range events {
		if err := a.AddEvent(e); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// AddEvent adds a state event to the provider, replacing any event with the
// same type and state key.
func (a *AuthEvents) AddEvent(event PDU) error {
	if event.StateKey() == nil {
		return fmt.Errorf("matrix: passed non-state event %q to AuthEvents", event.EventID())
	}
	if a.roomID == "" {
		a.roomID = event.RoomID()
	}
	if a.roomID != event.RoomID() {
		// Cross-room auth chains are an attack, not an accident. Keep the
		// provider so duplicates stay idempotent, but mark it invalid.
		a.valid = false
	}
	a.events[stateKeyTuple{event.Type(), *event.StateKey()}] = event
	return nil
}

func (a *AuthEvents) Create() (PDU, error) {
	return a.events[stateKeyTuple{MRoomCreate, ""}], nil
}

func (a *AuthEvents) PowerLevels() (PDU, error) {
	return a.events[stateKeyTuple{MRoomPowerLevels, ""}], nil
}

func (a *AuthEvents) JoinRules() (PDU, error) {
	return a.events[stateKeyTuple{MRoomJoinRules, ""}], nil
}

func (a *AuthEvents) Member(stateKey string) (PDU, error) {
	return a.events[stateKeyTuple{MRoomMember, stateKey}], nil
}

func (a *AuthEvents) ThirdPartyInvite(stateKey string) (PDU, error) {
	return a.events[stateKeyTuple{MRoomThirdPartyInvite, stateKey}], nil
}

func (a *AuthEvents) Valid() bool { return a.valid }

// StateKeyTuple is the combination of an event type and a state key. A
// room's state maps each tuple to at most one event.
type StateKeyTuple struct {
	EventType string `json:"event_type"`
	StateKey  string `json:"state_key"`
}

// StateNeeded lists the state entries the auth rules will consult for a
// particular event, so callers can load exactly that subset from storage.
type StateNeeded struct {
	Create           bool
	PowerLevels      bool
	JoinRules        bool
	Member           []string
	ThirdPartyInvite []string
}

// StateNeededForAuth works out which state is needed to authorize a list of
// events, merged into a single set.
func StateNeededForAuth(events []PDU) StateNeeded {
	var needed StateNeeded
	members := map[string]struct{}{}
	invites := map[string]struct{}{}
	for _, event := range events {
		accumulateStateNeeded(&needed, members, invites, event.Type(), event.Sender(), event.StateKey(), event.Content())
	}
	for member := range members {
		needed.Member = append(needed.Member, member)
	}
	for invite := range invites {
		needed.ThirdPartyInvite = append(needed.ThirdPartyInvite, invite)
	}
	return needed
}

// StateNeededForEventBuilder is StateNeededForAuth for an event that has not
// been built yet.
func StateNeededForEventBuilder(builder *EventBuilder) StateNeeded {
	var needed StateNeeded
	members := map[string]struct{}{}
	invites := map[string]struct{}{}
	accumulateStateNeeded(&needed, members, invites, builder.Type, builder.Sender, builder.StateKey, builder.Content)
	for member := range members {
		needed.Member = append(needed.Member, member)
	}
	for invite := range invites {
		needed.ThirdPartyInvite = append(needed.ThirdPartyInvite, invite)
	}
	return needed
}

// Tuples returns the needed state as a list of state key tuples.
func (s StateNeeded) Tuples() (res []StateKeyTuple) {
	if s.Create {
		res = append(res, StateKeyTuple{MRoomCreate, ""})
	}
	if s.PowerLevels {
		res = append(res, StateKeyTuple{MRoomPowerLevels, ""})
	}
	if s.JoinRules {
		res = append(res, StateKeyTuple{MRoomJoinRules, ""})
	}
	for _, userID := range s.Member {
		res = append(res, StateKeyTuple{MRoomMember, userID})
	}
	for _, token := range s.ThirdPartyInvite {
		res = append(res, StateKeyTuple{MRoomThirdPartyInvite, token})
	}
	return
}

func accumulateStateNeeded(needed *StateNeeded, members, invites map[string]struct{}, eventType, sender string, stateKey *string, content []byte) {
	switch eventType {
	case MRoomCreate:
		// The create event is authorized by nothing.
	case MRoomMember:
		needed.Create = true
		needed.PowerLevels = true
		needed.JoinRules = true
		members[sender] = struct{}{}
		if stateKey != nil {
			members[*stateKey] = struct{}{}
		}
	default:
		needed.Create = true
		needed.PowerLevels = true
		members[sender] = struct{}{}
	}
}

// Allowed checks whether an event is allowed by the authorization rules,
// given the provided state. A nil error means allowed; a NotAllowed error
// carries the reason.
func Allowed(event PDU, provider AuthEventProvider) error {
	if !provider.Valid() {
		return errorf("auth events from more than one room")
	}
	if event.Type() == MRoomCreate && event.StateKeyEquals("") {
		return createEventAllowed(event)
	}

	create, err := provider.Create()
	if err != nil {
		return err
	}
	if create == nil {
		return errorf("no m.room.create event in auth events for %q", event.EventID())
	}
	if create.RoomID() != event.RoomID() {
		return errorf("create event is for room %q, event is for room %q", create.RoomID(), event.RoomID())
	}
	var createContent CreateContent
	if err = json.Unmarshal(create.Content(), &createContent); err != nil {
		return err
	}
	if createContent.Federate != nil && !*createContent.Federate &&
		ServerNameFromID(event.Sender()) != ServerNameFromID(create.Sender()) {
		return errorf("room is not federated and sender is remote")
	}

	switch event.Type() {
	case MRoomMember:
		return memberEventAllowed(event, provider, create)
	case MRoomPowerLevels:
		return powerLevelsEventAllowed(event, provider)
	case MRoomRedaction:
		return redactEventAllowed(event, provider)
	default:
		return defaultEventAllowed(event, provider)
	}
}

func createEventAllowed(event PDU) error {
	if len(event.PrevEventIDs()) > 0 {
		return errorf("create event must be the first event in the room")
	}
	if len(event.AuthEventIDs()) > 0 {
		return errorf("create event must have no auth events")
	}
	if ServerNameFromID(event.RoomID()) != ServerNameFromID(event.Sender()) {
		return errorf("create event room ID domain does not match sender domain")
	}
	return nil
}

// senderMembership returns the current membership of a user, defaulting to
// leave when no member event is present.
func senderMembership(provider AuthEventProvider, userID string) (string, error) {
	member, err := provider.Member(userID)
	if err != nil {
		return "", err
	}
	if member == nil {
		return Leave, nil
	}
	content, err := NewMemberContentFromEvent(member)
	if err != nil {
		return "", err
	}
	return content.Membership, nil
}

func providerPowerLevels(provider AuthEventProvider) (PowerLevelContent, error) {
	plEvent, err := provider.PowerLevels()
	if err != nil {
		return PowerLevelContent{}, err
	}
	if plEvent == nil {
		// Without a power levels event the room creator has level 100 and
		// everyone else level 0.
		var content PowerLevelContent
		content.Defaults()
		create, err := provider.Create()
		if err == nil && create != nil {
			creator := create.Sender()
			var cc CreateContent
			if json.Unmarshal(create.Content(), &cc) == nil && cc.Creator != "" {
				creator = cc.Creator
			}
			content.Users = map[string]int64{creator: 100}
		}
		return content, nil
	}
	return NewPowerLevelContentFromEvent(plEvent)
}

func memberEventAllowed(event PDU, provider AuthEventProvider, create PDU) error {
	if event.StateKey() == nil || *event.StateKey() == "" {
		return errorf("member event missing state key")
	}
	target := *event.StateKey()
	sender := event.Sender()
	content, err := NewMemberContentFromEvent(event)
	if err != nil {
		return err
	}
	newMembership := content.Membership

	verImpl, err := GetRoomVersion(event.Version())
	if err != nil {
		return err
	}

	targetMembership, err := senderMembership(provider, target)
	if err != nil {
		return err
	}
	senderCurrent, err := senderMembership(provider, sender)
	if err != nil {
		return err
	}
	powerLevels, err := providerPowerLevels(provider)
	if err != nil {
		return err
	}
	senderLevel := powerLevels.UserLevel(sender)
	targetLevel := powerLevels.UserLevel(target)

	joinRule := JoinRuleInvite
	if jrEvent, err := provider.JoinRules(); err == nil && jrEvent != nil {
		var jr JoinRuleContent
		if err = json.Unmarshal(jrEvent.Content(), &jr); err != nil {
			return err
		}
		joinRule = jr.JoinRule
	}

	switch newMembership {
	case Join:
		if target != sender {
			return errorf("cannot force another user to join")
		}
		// The room creator joins the room immediately after the create event.
		if len(event.PrevEventIDs()) == 1 && event.PrevEventIDs()[0] == create.EventID() {
			creator := create.Sender()
			var cc CreateContent
			if json.Unmarshal(create.Content(), &cc) == nil && cc.Creator != "" {
				creator = cc.Creator
			}
			if creator == target {
				return nil
			}
		}
		switch targetMembership {
		case Ban:
			return errorf("banned user %q cannot join", target)
		case Join:
			return nil
		}
		switch joinRule {
		case JoinRulePublic:
			return nil
		case JoinRuleRestricted:
			if !verImpl.AllowRestrictedJoins() {
				return errorf("restricted join rule not supported in room version %q", event.Version())
			}
			if targetMembership == Invite {
				return nil
			}
			if content.AuthorisedVia == "" {
				return errorf("restricted room join requires join_authorised_via_users_server")
			}
			authoriserMembership, err := senderMembership(provider, content.AuthorisedVia)
			if err != nil {
				return err
			}
			if authoriserMembership != Join {
				return errorf("authorising user %q is not in the room", content.AuthorisedVia)
			}
			if powerLevels.UserLevel(content.AuthorisedVia) < powerLevels.Invite {
				return errorf("authorising user %q cannot invite", content.AuthorisedVia)
			}
			return nil
		case JoinRuleInvite, JoinRuleKnock:
			if targetMembership == Invite {
				return nil
			}
			return errorf("user %q is not invited to this room", target)
		default:
			return errorf("unknown join rule %q", joinRule)
		}
	case Invite:
		if content.ThirdPartyInvite != nil {
			// Third party invite exchange is validated by the dedicated
			// endpoint before an m.room.member event is built, so only the
			// stored token is checked here.
			token, err := thirdPartyInviteToken(content.ThirdPartyInvite)
			if err != nil {
				return err
			}
			if invite, err := provider.ThirdPartyInvite(token); err != nil || invite == nil {
				return errorf("no m.room.third_party_invite for token %q", token)
			}
			return nil
		}
		if senderCurrent != Join {
			return errorf("sender %q is not in the room", sender)
		}
		if targetMembership == Join || targetMembership == Ban {
			return errorf("cannot invite user %q in membership %q", target, targetMembership)
		}
		if senderLevel < powerLevels.Invite {
			return errorf("sender %q power level %d below invite level %d", sender, senderLevel, powerLevels.Invite)
		}
		return nil
	case Leave:
		if target == sender {
			switch senderCurrent {
			case Join, Invite, Knock:
				return nil
			default:
				return errorf("sender %q cannot leave from membership %q", sender, senderCurrent)
			}
		}
		if senderCurrent != Join {
			return errorf("sender %q is not in the room", sender)
		}
		if targetMembership == Ban && senderLevel < powerLevels.Ban {
			return errorf("sender %q power level %d below ban level %d needed to unban", sender, senderLevel, powerLevels.Ban)
		}
		if senderLevel < powerLevels.Kick {
			return errorf("sender %q power level %d below kick level %d", sender, senderLevel, powerLevels.Kick)
		}
		if targetLevel >= senderLevel {
			return errorf("sender %q cannot kick user %q with greater or equal power", sender, target)
		}
		return nil
	case Ban:
		if senderCurrent != Join {
			return errorf("sender %q is not in the room", sender)
		}
		if senderLevel < powerLevels.Ban {
			return errorf("sender %q power level %d below ban level %d", sender, senderLevel, powerLevels.Ban)
		}
		if targetLevel >= senderLevel {
			return errorf("sender %q cannot ban user %q with greater or equal power", sender, target)
		}
		return nil
	case Knock:
		if !verImpl.AllowKnocking() {
			return errorf("knocking is not supported in room version %q", event.Version())
		}
		if joinRule != JoinRuleKnock {
			return errorf("room join rule %q does not allow knocking", joinRule)
		}
		if target != sender {
			return errorf("cannot knock on behalf of another user")
		}
		switch targetMembership {
		case Ban, Invite, Join:
			return errorf("user %q cannot knock from membership %q", target, targetMembership)
		}
		return nil
	default:
		return errorf("unknown membership %q", newMembership)
	}
}

func powerLevelsEventAllowed(event PDU, provider AuthEventProvider) error {
	if err := defaultEventAllowed(event, provider); err != nil {
		return err
	}
	newLevels, err := NewPowerLevelContentFromEvent(event)
	if err != nil {
		return err
	}
	oldEvent, err := provider.PowerLevels()
	if err != nil {
		return err
	}
	if oldEvent == nil {
		// The first power levels event in the room sets the baseline.
		return nil
	}
	oldLevels, err := NewPowerLevelContentFromEvent(oldEvent)
	if err != nil {
		return err
	}
	sender := event.Sender()
	powerLevels := oldLevels
	senderLevel := powerLevels.UserLevel(sender)

	checkLevel := func(name string, old, new int64) error {
		if old == new {
			return nil
		}
		if old > senderLevel {
			return errorf("sender %q cannot change %q from %d above their level %d", sender, name, old, senderLevel)
		}
		if new > senderLevel {
			return errorf("sender %q cannot change %q to %d above their level %d", sender, name, new, senderLevel)
		}
		return nil
	}

	for _, check := range []struct {
		name     string
		old, new int64
	}{
		{"ban", oldLevels.Ban, newLevels.Ban},
		{"invite", oldLevels.Invite, newLevels.Invite},
		{"kick", oldLevels.Kick, newLevels.Kick},
		{"redact", oldLevels.Redact, newLevels.Redact},
		{"users_default", oldLevels.UsersDefault, newLevels.UsersDefault},
		{"events_default", oldLevels.EventsDefault, newLevels.EventsDefault},
		{"state_default", oldLevels.StateDefault, newLevels.StateDefault},
	} {
		if err := checkLevel(check.name, check.old, check.new); err != nil {
			return err
		}
	}
	for eventType, old := range oldLevels.Events {
		new, ok := newLevels.Events[eventType]
		if !ok {
			new = newLevels.EventLevel(eventType, true)
		}
		if err := checkLevel("events."+eventType, old, new); err != nil {
			return err
		}
	}
	for eventType, new := range newLevels.Events {
		if _, ok := oldLevels.Events[eventType]; ok {
			continue
		}
		if err := checkLevel("events."+eventType, oldLevels.EventLevel(eventType, true), new); err != nil {
			return err
		}
	}
	for userID, old := range oldLevels.Users {
		new, ok := newLevels.Users[userID]
		if !ok {
			new = newLevels.UsersDefault
		}
		if old != new && userID != sender && old >= senderLevel {
			return errorf("sender %q cannot change level of user %q at level %d", sender, userID, old)
		}
		if err := checkLevel("users."+userID, old, new); err != nil {
			return err
		}
	}
	for userID, new := range newLevels.Users {
		if _, ok := oldLevels.Users[userID]; ok {
			continue
		}
		if err := checkLevel("users."+userID, oldLevels.UsersDefault, new); err != nil {
			return err
		}
	}
	return nil
}

func redactEventAllowed(event PDU, provider AuthEventProvider) error {
	if err := defaultEventAllowed(event, provider); err != nil {
		return err
	}
	powerLevels, err := providerPowerLevels(provider)
	if err != nil {
		return err
	}
	senderLevel := powerLevels.UserLevel(event.Sender())
	if senderLevel >= powerLevels.Redact {
		return nil
	}
	// Users may always redact their own events: same-origin redactions are
	// accepted here and the redacted event's sender is checked when the
	// redaction is applied.
	if ServerNameFromID(event.Sender()) == ServerNameFromID(event.Redacts()) {
		return nil
	}
	return errorf("sender %q power level %d below redact level %d", event.Sender(), senderLevel, powerLevels.Redact)
}

func defaultEventAllowed(event PDU, provider AuthEventProvider) error {
	membership, err := senderMembership(provider, event.Sender())
	if err != nil {
		return err
	}
	if membership != Join {
		return errorf("sender %q is not in the room", event.Sender())
	}
	powerLevels, err := providerPowerLevels(provider)
	if err != nil {
		return err
	}
	senderLevel := powerLevels.UserLevel(event.Sender())
	requiredLevel := powerLevels.EventLevel(event.Type(), event.StateKey() != nil)
	if senderLevel < requiredLevel {
		return errorf("sender %q power level %d below required level %d for %q",
			event.Sender(), senderLevel, requiredLevel, event.Type())
	}
	// A user can only set state scoped to their own user ID.
	if event.StateKey() != nil && len(*event.StateKey()) > 0 && (*event.StateKey())[0] == '@' {
		if *event.StateKey() != event.Sender() {
			return errorf("sender %q cannot set state with key %q belonging to another user", event.Sender(), *event.StateKey())
		}
	}
	return nil
}

func thirdPartyInviteToken(raw []byte) (string, error) {
	var invite struct {
		Signed struct {
			Token string `json:"token"`
		} `json:"signed"`
	}
	if err := json.Unmarshal(raw, &invite); err != nil {
		return "", BadJSONError{err}
	}
	if invite.Signed.Token == "" {
		return "", errorf("third_party_invite is missing signed.token")
	}
	return invite.Signed.Token, nil
}
