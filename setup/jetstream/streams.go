// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"fmt"
	"regexp"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	UserID  = "user_id"
	RoomID  = "room_id"
	EventID = "event_id"
)

var (
	InputRoomEvent     = "InputRoomEvent"
	OutputRoomEvent    = "OutputRoomEvent"
	RequestPresence    = "GetPresence"
	OutputFederation   = "OutputFederation"
	roomSubjectPattern = regexp.MustCompile(`[.>*\s]`)
)

// InputRoomEventSubj returns the subject that input events for the given
// room are published to. Each room gets its own subject so that a consumer
// per room preserves per-room ordering.
func InputRoomEventSubj(prefix, roomID string) string {
	return fmt.Sprintf("%s.%s", prefixed(prefix, InputRoomEvent), Tokenise(roomID))
}

func prefixed(prefix, name string) string {
	return fmt.Sprintf("%s%s", prefix, name)
}

// Tokenise strips the characters that have meaning in NATS subjects out of
// an identifier. Room IDs are opaque so the only requirement is that the
// mapping is stable.
func Tokenise(id string) string {
	return roomSubjectPattern.ReplaceAllString(id, "_")
}

// streams contains the streams that will be created on startup, minus the
// topic prefix, which is applied when the stream is created.
var streams = []*nats.StreamConfig{
	{
		Name:      InputRoomEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    time.Hour * 24,
	},
	{
		Name:      OutputRoomEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
}
