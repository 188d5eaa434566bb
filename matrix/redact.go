// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrix

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type redactionAlgorithm int

const (
	redactionRulesV6 redactionAlgorithm = iota
	redactionRulesV8
	redactionRulesV9
	redactionRulesV11
)

// Top-level keys that survive redaction in every supported version.
var redactionPreservedKeys = []string{
	"event_id", "type", "room_id", "sender", "state_key", "content",
	"hashes", "signatures", "depth", "prev_events", "auth_events",
	"origin_server_ts",
}

// origin survived redaction before v11 even though nothing consumed it.
var redactionPreOriginRemovalKeys = []string{"origin"}

// RedactEventJSON strips the event down to the keys protected by the
// redaction algorithm for the given version. The result is what reference
// hashes and signatures are computed over, so the exact key set is
// load-bearing for federation.
func (i RoomVersionImpl) RedactEventJSON(eventJSON []byte) ([]byte, error) {
	parsed := gjson.ParseBytes(eventJSON)
	if !parsed.IsObject() {
		return nil, BadJSONError{fmt.Errorf("expected JSON object")}
	}

	stripped := []byte("{}")
	var err error
	keep := func(key string, value gjson.Result) {
		if err != nil {
			return
		}
		stripped, err = sjson.SetRawBytes(stripped, key, []byte(value.Raw))
	}

	eventType := parsed.Get("type").Str
	content := parsed.Get("content")
	newContent := map[string]json.RawMessage{}
	keepContent := func(key string) {
		if v := content.Get(key); v.Exists() {
			newContent[key] = json.RawMessage(v.Raw)
		}
	}

	switch eventType {
	case MRoomCreate:
		if i.redactionRules >= redactionRulesV11 {
			// The create event content is kept in its entirety from v11.
			content.ForEach(func(k, _ gjson.Result) bool {
				keepContent(k.Str)
				return true
			})
		} else {
			keepContent("creator")
		}
	case MRoomMember:
		keepContent("membership")
		if i.redactionRules >= redactionRulesV8 {
			keepContent("join_authorised_via_users_server")
		}
		if i.redactionRules >= redactionRulesV11 {
			keepContent("third_party_invite")
		}
	case MRoomJoinRules:
		keepContent("join_rule")
		if i.redactionRules >= redactionRulesV8 {
			keepContent("allow")
		}
	case MRoomPowerLevels:
		for _, key := range []string{
			"ban", "events", "events_default", "kick", "redact",
			"state_default", "users", "users_default",
		} {
			keepContent(key)
		}
		if i.redactionRules >= redactionRulesV11 {
			keepContent("invite")
		}
	case MRoomHistoryVisibility:
		keepContent("history_visibility")
	case MRoomRedaction:
		if i.redactionRules >= redactionRulesV11 {
			keepContent("redacts")
		}
	case MRoomAliases:
		// aliases stopped being protected in v6; nothing kept.
	}

	for _, key := range redactionPreservedKeys {
		if v := parsed.Get(key); v.Exists() && key != "content" {
			keep(key, v)
		}
	}
	if i.redactionRules < redactionRulesV11 {
		for _, key := range redactionPreOriginRemovalKeys {
			if v := parsed.Get(key); v.Exists() {
				keep(key, v)
			}
		}
	}
	if err != nil {
		return nil, err
	}

	contentBytes, err := json.Marshal(newContent)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(stripped, "content", contentBytes)
}
