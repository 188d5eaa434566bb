// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrix

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventBuilder assembles a new local event before it is hashed and signed.
// Depth, prev_events and auth_events are filled in by the room server from
// the current forward extremities and resolved state.
type EventBuilder struct {
	Sender     string          `json:"sender"`
	RoomID     string          `json:"room_id"`
	Type       string          `json:"type"`
	StateKey   *string         `json:"state_key,omitempty"`
	Redacts    string          `json:"redacts,omitempty"`
	Depth      int64           `json:"depth"`
	PrevEvents []string        `json:"prev_events"`
	AuthEvents []string        `json:"auth_events"`
	Content    json.RawMessage `json:"content"`
	Unsigned   json.RawMessage `json:"unsigned,omitempty"`
}

// SetContent marshals the given value as the event content.
func (b *EventBuilder) SetContent(content interface{}) error {
	var err error
	b.Content, err = json.Marshal(content)
	return err
}

// SetUnsigned marshals the given value into the unsigned section.
func (b *EventBuilder) SetUnsigned(unsigned interface{}) error {
	var err error
	b.Unsigned, err = json.Marshal(unsigned)
	return err
}

// Build hashes and signs the assembled event and parses the result back into
// an immutable Event. The origin_server_ts is stamped here so that two calls
// never produce the same event ID for distinct sends.
func (b *EventBuilder) Build(now time.Time, serverName string, keyID KeyID, signer JSONSigner, verImpl RoomVersionImpl) (*Event, error) {
	if b.Content == nil {
		return nil, MalformedEventError{"event content is required"}
	}

	// The builder struct is marshalled with the timestamp bolted on rather
	// than mutating the builder, so a failed Build can be retried.
	var stamped struct {
		EventBuilder
		OriginServerTS int64 `json:"origin_server_ts"`
	}
	stamped.EventBuilder = *b
	if stamped.PrevEvents == nil {
		stamped.PrevEvents = []string{}
	}
	if stamped.AuthEvents == nil {
		stamped.AuthEvents = []string{}
	}
	stamped.OriginServerTS = now.UnixMilli()

	eventJSON, err := json.Marshal(&stamped)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %w", err)
	}
	if eventJSON, err = CanonicalJSON(eventJSON); err != nil {
		return nil, err
	}
	if eventJSON, err = SignEvent(signer, serverName, keyID, eventJSON, verImpl); err != nil {
		return nil, err
	}
	eventJSON = CanonicalJSONAssumeValid(eventJSON)

	event, err := NewEventFromTrustedJSON(eventJSON, false, verImpl)
	if err != nil {
		return nil, err
	}
	if err = event.fields.validate(verImpl); err != nil {
		return nil, err
	}
	return event, nil
}
