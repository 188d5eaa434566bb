// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrix

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Well-known state event types. The event type space is an open enum; these
// are the ones with dedicated authorization rules.
const (
	MRoomCreate            = "m.room.create"
	MRoomMember            = "m.room.member"
	MRoomPowerLevels       = "m.room.power_levels"
	MRoomJoinRules         = "m.room.join_rules"
	MRoomHistoryVisibility = "m.room.history_visibility"
	MRoomThirdPartyInvite  = "m.room.third_party_invite"
	MRoomRedaction         = "m.room.redaction"
	MRoomAliases           = "m.room.aliases"
	MRoomName              = "m.room.name"
	MRoomTopic             = "m.room.topic"
	MRoomCanonicalAlias    = "m.room.canonical_alias"
	MRoomGuestAccess       = "m.room.guest_access"
)

// Membership values for m.room.member content.
const (
	Join   = "join"
	Invite = "invite"
	Leave  = "leave"
	Ban    = "ban"
	Knock  = "knock"
)

// The federation imposes a hard limit on the size of a single PDU and on the
// fan-in of its graph references.
const (
	maxEventLength = 65535
	maxPrevEvents  = 20
	maxAuthEvents  = 10
	maxIDLength    = 255
)

// A PDU is a room event as exchanged over federation. Implementations are
// immutable once constructed; the two out-of-band dispositions (soft-failed,
// rejected) live on the storage row, not on the event itself.
type PDU interface {
	EventID() string
	RoomID() string
	Sender() string
	Type() string
	StateKey() *string
	StateKeyEquals(stateKey string) bool
	Content() []byte
	Redacts() string
	Depth() int64
	OriginServerTS() int64
	PrevEventIDs() []string
	AuthEventIDs() []string
	JSON() []byte
	Version() RoomVersion
	Redacted() bool
}

// Event is the concrete PDU implementation backed by the original wire JSON.
// The JSON is retained verbatim because the event ID and signatures are
// functions of those exact bytes.
type Event struct {
	fields    eventFields
	eventJSON []byte
	eventID   string
	version   RoomVersion
	redacted  bool
}

type eventFields struct {
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key"`
	Content        json.RawMessage `json:"content"`
	Redacts        string          `json:"redacts"`
	Depth          int64           `json:"depth"`
	OriginServerTS int64           `json:"origin_server_ts"`
	PrevEvents     []string        `json:"prev_events"`
	AuthEvents     []string        `json:"auth_events"`
}

// NewEventFromUntrustedJSON parses an event received from an untrusted
// source. The JSON is canonicalised, required fields are checked, the
// content hash is verified (a mismatch downgrades the event to its redacted
// form rather than rejecting it, per the federation rules) and the
// content-addressed event ID is computed.
func NewEventFromUntrustedJSON(eventJSON []byte, verImpl RoomVersionImpl) (*Event, error) {
	if len(eventJSON) > maxEventLength {
		return nil, MalformedEventError{fmt.Sprintf("event too large (%d > %d bytes)", len(eventJSON), maxEventLength)}
	}
	canonical, err := CanonicalJSON(eventJSON)
	if err != nil {
		return nil, err
	}

	event := &Event{version: verImpl.ver}
	if err = json.Unmarshal(canonical, &event.fields); err != nil {
		return nil, BadJSONError{err}
	}
	if err = event.fields.validate(verImpl); err != nil {
		return nil, err
	}

	// A bad content hash means the event was tampered with; federation keeps
	// the event in its redacted form so that the graph stays connected.
	if err = checkEventContentHash(canonical); err != nil {
		if canonical, err = verImpl.RedactEventJSON(canonical); err != nil {
			return nil, err
		}
		if err = json.Unmarshal(canonical, &event.fields); err != nil {
			return nil, BadJSONError{err}
		}
		event.redacted = true
	}

	event.eventJSON = canonical
	if event.eventID, err = eventIDOfEvent(canonical, verImpl); err != nil {
		return nil, err
	}
	return event, nil
}

// NewEventFromTrustedJSON constructs an event from JSON that this server has
// previously validated and stored. No validation is repeated, but the event
// ID is recomputed from content.
func NewEventFromTrustedJSON(eventJSON []byte, redacted bool, verImpl RoomVersionImpl) (*Event, error) {
	event := &Event{version: verImpl.ver, redacted: redacted, eventJSON: eventJSON}
	if err := json.Unmarshal(eventJSON, &event.fields); err != nil {
		return nil, BadJSONError{err}
	}
	var err error
	if event.eventID, err = eventIDOfEvent(eventJSON, verImpl); err != nil {
		return nil, err
	}
	return event, nil
}

// NewEventFromTrustedJSONWithEventID is NewEventFromTrustedJSON with the
// event ID supplied from storage, skipping the hash recomputation on hot
// read paths.
func NewEventFromTrustedJSONWithEventID(eventID string, eventJSON []byte, redacted bool, verImpl RoomVersionImpl) (*Event, error) {
	event := &Event{version: verImpl.ver, redacted: redacted, eventJSON: eventJSON, eventID: eventID}
	if err := json.Unmarshal(eventJSON, &event.fields); err != nil {
		return nil, BadJSONError{err}
	}
	return event, nil
}

func (f *eventFields) validate(verImpl RoomVersionImpl) error {
	if f.RoomID == "" {
		return MalformedEventError{"missing room_id"}
	}
	if !strings.HasPrefix(f.RoomID, "!") {
		return MalformedEventError{"room_id must start with '!'"}
	}
	if f.Sender == "" {
		return MalformedEventError{"missing sender"}
	}
	if f.Type == "" {
		return MalformedEventError{"missing type"}
	}
	for _, id := range []string{f.RoomID, f.Sender, f.Type} {
		if len(id) > maxIDLength {
			return MalformedEventError{fmt.Sprintf("field exceeds %d bytes", maxIDLength)}
		}
	}
	if f.StateKey != nil && len(*f.StateKey) > maxIDLength {
		return MalformedEventError{fmt.Sprintf("state_key exceeds %d bytes", maxIDLength)}
	}
	if len(f.PrevEvents) > maxPrevEvents {
		return MalformedEventError{fmt.Sprintf("too many prev_events (%d > %d)", len(f.PrevEvents), maxPrevEvents)}
	}
	if len(f.AuthEvents) > maxAuthEvents {
		return MalformedEventError{fmt.Sprintf("too many auth_events (%d > %d)", len(f.AuthEvents), maxAuthEvents)}
	}
	return nil
}

func (e *Event) EventID() string { return e.eventID }

func (e *Event) RoomID() string { return e.fields.RoomID }

func (e *Event) Sender() string { return e.fields.Sender }

func (e *Event) Type() string { return e.fields.Type }

// StateKey returns the state key, or nil for timeline events. The presence
// of a state key, even an empty one, is what makes an event a state event.
func (e *Event) StateKey() *string { return e.fields.StateKey }

func (e *Event) StateKeyEquals(stateKey string) bool {
	return e.fields.StateKey != nil && *e.fields.StateKey == stateKey
}

func (e *Event) Content() []byte { return e.fields.Content }

func (e *Event) Redacts() string { return e.fields.Redacts }

func (e *Event) Depth() int64 { return e.fields.Depth }

func (e *Event) OriginServerTS() int64 { return e.fields.OriginServerTS }

func (e *Event) PrevEventIDs() []string { return e.fields.PrevEvents }

func (e *Event) AuthEventIDs() []string { return e.fields.AuthEvents }

func (e *Event) JSON() []byte { return e.eventJSON }

func (e *Event) Version() RoomVersion { return e.version }

func (e *Event) Redacted() bool { return e.redacted }

// Origin returns the server name implied by the sender, used to decide which
// server's signature must be present.
func (e *Event) Origin() string {
	return ServerNameFromID(e.fields.Sender)
}

// ServerNameFromID extracts the domain part of a user, room or event
// identifier of the form "&localpart:domain".
func ServerNameFromID(id string) string {
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return id[i+1:]
	}
	return ""
}

// Redact returns the redacted form of the event. The event ID and graph
// position are preserved; only the content is blanked.
func (e *Event) Redact() (*Event, error) {
	verImpl, err := GetRoomVersion(e.version)
	if err != nil {
		return nil, err
	}
	redactedJSON, err := verImpl.RedactEventJSON(e.eventJSON)
	if err != nil {
		return nil, err
	}
	redactedJSON = CanonicalJSONAssumeValid(redactedJSON)
	return NewEventFromTrustedJSONWithEventID(e.eventID, redactedJSON, true, verImpl)
}

// UnmarshalContent unmarshals the event content into the given struct.
func (e *Event) UnmarshalContent(v interface{}) error {
	return json.Unmarshal(e.fields.Content, v)
}
