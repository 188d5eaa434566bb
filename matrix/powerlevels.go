// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrix

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// PowerLevelContent is the parsed content of an m.room.power_levels event,
// with the defaults the auth rules prescribe when keys are absent.
type PowerLevelContent struct {
	Ban           int64            `json:"ban"`
	Invite        int64            `json:"invite"`
	Kick          int64            `json:"kick"`
	Redact        int64            `json:"redact"`
	UsersDefault  int64            `json:"users_default"`
	EventsDefault int64            `json:"events_default"`
	StateDefault  int64            `json:"state_default"`
	Users         map[string]int64 `json:"users"`
	Events        map[string]int64 `json:"events"`
	Notifications map[string]int64 `json:"notifications"`
}

// Defaults returns the power level content implied by an absent
// m.room.power_levels event.
func (c *PowerLevelContent) Defaults() {
	*c = PowerLevelContent{
		Ban:          50,
		Invite:       0,
		Kick:         50,
		Redact:       50,
		StateDefault: 50,
	}
}

// UserLevel returns the effective power level of a user.
func (c *PowerLevelContent) UserLevel(userID string) int64 {
	if level, ok := c.Users[userID]; ok {
		return level
	}
	return c.UsersDefault
}

// EventLevel returns the power level needed to send the given event type.
func (c *PowerLevelContent) EventLevel(eventType string, isState bool) int64 {
	if level, ok := c.Events[eventType]; ok {
		return level
	}
	if isState {
		return c.StateDefault
	}
	return c.EventsDefault
}

// NewPowerLevelContentFromEvent parses the power level event content.
// Historical rooms contain string-encoded levels, which are tolerated unless
// the room version enforces integers.
func NewPowerLevelContentFromEvent(event PDU) (PowerLevelContent, error) {
	var content PowerLevelContent
	content.Defaults()
	if event == nil {
		return content, nil
	}
	verImpl, err := GetRoomVersion(event.Version())
	if err != nil {
		return content, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(event.Content(), &raw); err != nil {
		return content, BadJSONError{err}
	}

	strict := verImpl.EnforceIntegerPowerLevels()
	scalar := func(key string, out *int64) error {
		value, ok := raw[key]
		if !ok {
			return nil
		}
		level, err := parsePowerLevel(value, strict)
		if err != nil {
			return fmt.Errorf("power_levels %q: %w", key, err)
		}
		*out = level
		return nil
	}
	table := func(key string, out *map[string]int64) error {
		value, ok := raw[key]
		if !ok {
			return nil
		}
		var entries map[string]json.RawMessage
		if err := json.Unmarshal(value, &entries); err != nil {
			return BadJSONError{err}
		}
		*out = make(map[string]int64, len(entries))
		for k, v := range entries {
			level, err := parsePowerLevel(v, strict)
			if err != nil {
				return fmt.Errorf("power_levels %q[%q]: %w", key, k, err)
			}
			(*out)[k] = level
		}
		return nil
	}

	for key, out := range map[string]*int64{
		"ban": &content.Ban, "invite": &content.Invite, "kick": &content.Kick,
		"redact": &content.Redact, "users_default": &content.UsersDefault,
		"events_default": &content.EventsDefault, "state_default": &content.StateDefault,
	} {
		if err := scalar(key, out); err != nil {
			return content, err
		}
	}
	if err := table("users", &content.Users); err != nil {
		return content, err
	}
	if err := table("events", &content.Events); err != nil {
		return content, err
	}
	if err := table("notifications", &content.Notifications); err != nil {
		return content, err
	}
	return content, nil
}

func parsePowerLevel(raw json.RawMessage, strict bool) (int64, error) {
	var asInt int64
	if err := json.Unmarshal(raw, &asInt); err == nil {
		return asInt, nil
	}
	if strict {
		return 0, MalformedEventError{"power level is not an integer"}
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err != nil {
		return 0, MalformedEventError{"power level is neither integer nor string"}
	}
	parsed, err := strconv.ParseInt(asString, 10, 64)
	if err != nil {
		return 0, MalformedEventError{"power level string is not numeric"}
	}
	return parsed, nil
}

// MemberContent is the parsed content of an m.room.member event.
type MemberContent struct {
	Membership       string          `json:"membership"`
	DisplayName      string          `json:"displayname,omitempty"`
	AvatarURL        string          `json:"avatar_url,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	IsDirect         bool            `json:"is_direct,omitempty"`
	ThirdPartyInvite json.RawMessage `json:"third_party_invite,omitempty"`
	AuthorisedVia    string          `json:"join_authorised_via_users_server,omitempty"`
}

// NewMemberContentFromEvent parses the membership from an m.room.member
// event. A missing membership key is a malformed event.
func NewMemberContentFromEvent(event PDU) (MemberContent, error) {
	var content MemberContent
	if err := json.Unmarshal(event.Content(), &content); err != nil {
		return content, BadJSONError{err}
	}
	if content.Membership == "" {
		return content, MalformedEventError{"missing membership key in m.room.member content"}
	}
	return content, nil
}

// JoinRuleContent is the parsed content of an m.room.join_rules event.
type JoinRuleContent struct {
	JoinRule string `json:"join_rule"`
	Allow    []struct {
		Type   string `json:"type"`
		RoomID string `json:"room_id"`
	} `json:"allow,omitempty"`
}

// Join rule values.
const (
	JoinRulePublic     = "public"
	JoinRuleInvite     = "invite"
	JoinRuleKnock      = "knock"
	JoinRuleRestricted = "restricted"
)

// CreateContent is the parsed content of an m.room.create event.
type CreateContent struct {
	Creator     string `json:"creator,omitempty"`
	Federate    *bool  `json:"m.federate,omitempty"`
	RoomVersion string `json:"room_version,omitempty"`
}
