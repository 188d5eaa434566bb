// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrix

import (
	"context"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

const (
	testServerName = "example.org"
	testKeyID      = KeyID("ed25519:test")
)

// mustSigner returns a deterministic-enough signer and its public key for
// round-tripping events in tests.
func mustSigner(t *testing.T) (*LocalSigner, ed25519.PublicKey) {
	t.Helper()
	public, private, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &LocalSigner{PrivateKey: private}, public
}

func mustBuildEvent(t *testing.T, builder *EventBuilder) *Event {
	t.Helper()
	signer, _ := mustSigner(t)
	verImpl, err := GetRoomVersion(RoomVersionV10)
	require.NoError(t, err)
	event, err := builder.Build(time.Unix(1700000000, 0), testServerName, testKeyID, signer, verImpl)
	require.NoError(t, err)
	return event
}

func TestBuildAndParseEvent(t *testing.T) {
	t.Parallel()

	builder := &EventBuilder{
		Sender: "@alice:example.org",
		RoomID: "!room:example.org",
		Type:   "m.room.message",
	}
	require.NoError(t, builder.SetContent(map[string]string{"msgtype": "m.text", "body": "hello"}))
	event := mustBuildEvent(t, builder)

	assert.True(t, event.EventID() != "" && event.EventID()[0] == '$', "event ID should have the $ prefix")
	assert.Equal(t, "!room:example.org", event.RoomID())
	assert.Equal(t, "@alice:example.org", event.Sender())
	assert.Nil(t, event.StateKey(), "message events must not be state events")

	verImpl, err := GetRoomVersion(RoomVersionV10)
	require.NoError(t, err)
	reparsed, err := NewEventFromUntrustedJSON(event.JSON(), verImpl)
	require.NoError(t, err)
	assert.Equal(t, event.EventID(), reparsed.EventID(), "event ID must be a pure function of content")
	assert.False(t, reparsed.Redacted())
}

// TestEventIDTamperEvident checks that changing the content changes the
// event ID, since the ID is a reference hash over the canonical encoding.
func TestEventIDTamperEvident(t *testing.T) {
	t.Parallel()

	build := func(body string) *Event {
		builder := &EventBuilder{
			Sender: "@alice:example.org",
			RoomID: "!room:example.org",
			Type:   "m.room.message",
		}
		require.NoError(t, builder.SetContent(map[string]string{"body": body}))
		return mustBuildEvent(t, builder)
	}
	assert.NotEqual(t, build("one").EventID(), build("two").EventID())
}

func TestParseEventRejectsMalformed(t *testing.T) {
	t.Parallel()

	verImpl, err := GetRoomVersion(RoomVersionV10)
	require.NoError(t, err)

	testCases := []struct {
		name  string
		input string
	}{
		{"not json", `{"room_id":`},
		{"missing room_id", `{"type":"m.room.message","sender":"@a:b","content":{}}`},
		{"missing sender", `{"type":"m.room.message","room_id":"!r:b","content":{}}`},
		{"missing type", `{"room_id":"!r:b","sender":"@a:b","content":{}}`},
		{"bad room id sigil", `{"type":"m.x","room_id":"r:b","sender":"@a:b","content":{}}`},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewEventFromUntrustedJSON([]byte(tc.input), verImpl)
			assert.Error(t, err)
		})
	}
}

// TestContentHashMismatchRedacts verifies that a tampered event is kept in
// redacted form rather than dropped, preserving graph connectivity.
func TestContentHashMismatchRedacts(t *testing.T) {
	t.Parallel()

	builder := &EventBuilder{
		Sender: "@alice:example.org",
		RoomID: "!room:example.org",
		Type:   "m.room.message",
	}
	require.NoError(t, builder.SetContent(map[string]string{"body": "original"}))
	event := mustBuildEvent(t, builder)

	verImpl, err := GetRoomVersion(RoomVersionV10)
	require.NoError(t, err)

	// Tamper with the content after signing.
	require.Contains(t, string(event.JSON()), `"original"`)
	tampered := []byte(strings.Replace(string(event.JSON()), `"original"`, `"tampered"`, 1))

	reparsed, err := NewEventFromUntrustedJSON(tampered, verImpl)
	require.NoError(t, err)
	assert.True(t, reparsed.Redacted(), "tampered event should be redacted, not rejected")
	assert.NotContains(t, string(reparsed.Content()), "tampered")
}

func TestSignAndVerifyEvent(t *testing.T) {
	t.Parallel()

	signer, public := mustSigner(t)
	verImpl, err := GetRoomVersion(RoomVersionV10)
	require.NoError(t, err)

	builder := &EventBuilder{
		Sender: "@alice:example.org",
		RoomID: "!room:example.org",
		Type:   "m.room.message",
	}
	require.NoError(t, builder.SetContent(map[string]string{"body": "signed"}))
	event, err := builder.Build(time.Unix(1700000000, 0), testServerName, testKeyID, signer, verImpl)
	require.NoError(t, err)

	keyRing := &StaticKeyRing{
		PublicKeys: map[string]map[KeyID]ed25519.PublicKey{
			testServerName: {testKeyID: public},
		},
	}
	assert.NoError(t, VerifyEventSignature(context.Background(), keyRing, testServerName, event.JSON(), verImpl))

	// A different key must fail verification.
	_, otherPublic := mustSigner(t)
	badRing := &StaticKeyRing{
		PublicKeys: map[string]map[KeyID]ed25519.PublicKey{
			testServerName: {testKeyID: otherPublic},
		},
	}
	assert.Error(t, VerifyEventSignature(context.Background(), badRing, testServerName, event.JSON(), verImpl))
}

func TestRedactPreservesIdentity(t *testing.T) {
	t.Parallel()

	builder := &EventBuilder{
		Sender: "@alice:example.org",
		RoomID: "!room:example.org",
		Type:   "m.room.message",
	}
	require.NoError(t, builder.SetContent(map[string]string{"body": "secret"}))
	event := mustBuildEvent(t, builder)

	redacted, err := event.Redact()
	require.NoError(t, err)
	assert.Equal(t, event.EventID(), redacted.EventID(), "redaction must preserve the event ID")
	assert.True(t, redacted.Redacted())
	assert.NotContains(t, string(redacted.Content()), "secret")
}

func TestUnsupportedRoomVersion(t *testing.T) {
	t.Parallel()

	_, err := GetRoomVersion(RoomVersion("1"))
	require.Error(t, err)
	assert.IsType(t, UnsupportedRoomVersionError{}, err)
}
