// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fedapi "github.com/element-hq/construct/federationapi/api"
	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/test"
)

// fakeEventFederation stubs the single-event fetch. Any other federation
// call panics on the nil embedded interface, which is what we want: these
// tests only exercise fetchEvent.
type fakeEventFederation struct {
	fedapi.RoomserverFederationAPI
	getEvent func(server, eventID string) (matrix.Transaction, error)
}

func (f *fakeEventFederation) GetEvent(_ context.Context, _, server, eventID string) (matrix.Transaction, error) {
	return f.getEvent(server, eventID)
}

// failingVerifier rejects every signature.
type failingVerifier struct{}

func (failingVerifier) VerifyJSON(context.Context, string, matrix.KeyID, []byte, []byte) error {
	return fmt.Errorf("signature verification failed")
}

func newFetchTestReq(fed fedapi.RoomserverFederationAPI, keys matrix.JSONVerifier) *missingStateReq {
	return &missingStateReq{
		log:        logrus.NewEntry(logrus.StandardLogger()),
		inputer:    &Inputer{},
		keys:       keys,
		federation: fed,
		servers:    []string{"remote1", "remote2"},
		hadEvents:  map[string]bool{},
		haveEvents: map[string]matrix.PDU{},
	}
}

func mustRoomVersionImpl(t *testing.T) matrix.RoomVersionImpl {
	t.Helper()
	verImpl, err := matrix.GetRoomVersion(matrix.RoomVersionV10)
	require.NoError(t, err)
	return verImpl
}

// TestFetchEventTimeout tests that a fetch ends in a timeout outcome after
// every candidate server has failed to produce the event.
func TestFetchEventTimeout(t *testing.T) {
	t.Parallel()
	calls := 0
	fed := &fakeEventFederation{getEvent: func(string, string) (matrix.Transaction, error) {
		calls++
		return matrix.Transaction{}, fmt.Errorf("connection refused")
	}}
	req := newFetchTestReq(fed, nil)

	_, res := req.fetchEvent(context.Background(), "$unfetchable1", mustRoomVersionImpl(t))
	assert.Equal(t, fetchOutcomeTimeout, res.outcome)
	assert.Error(t, res.err)
	assert.Equal(t, 2, calls, "every candidate server should have been tried")
}

// TestFetchEventMalformedJSON tests that a remote handing back unparseable
// event JSON ends in a malformed-remote outcome.
func TestFetchEventMalformedJSON(t *testing.T) {
	t.Parallel()
	fed := &fakeEventFederation{getEvent: func(string, string) (matrix.Transaction, error) {
		return matrix.Transaction{PDUs: []json.RawMessage{json.RawMessage(`{"broken`)}}, nil
	}}
	req := newFetchTestReq(fed, nil)

	_, res := req.fetchEvent(context.Background(), "$unparseable1", mustRoomVersionImpl(t))
	assert.Equal(t, fetchOutcomeMalformedRemote, res.outcome)
	assert.Error(t, res.err)
}

// TestFetchEventMismatchedEventID tests that a remote returning a valid event
// other than the one asked for ends in a malformed-remote outcome, since
// event IDs are content addressed.
func TestFetchEventMismatchedEventID(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	createEvent := room.Events()[0]

	fed := &fakeEventFederation{getEvent: func(string, string) (matrix.Transaction, error) {
		return matrix.Transaction{PDUs: []json.RawMessage{createEvent.JSON()}}, nil
	}}
	req := newFetchTestReq(fed, nil)

	_, res := req.fetchEvent(context.Background(), "$somethingElseEntirely", mustRoomVersionImpl(t))
	assert.Equal(t, fetchOutcomeMalformedRemote, res.outcome)
	assert.Error(t, res.err)
}

// TestFetchEventSignatureFailure tests that a fetched event failing signature
// checks ends in an auth-failure outcome.
func TestFetchEventSignatureFailure(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	createEvent := room.Events()[0]

	fed := &fakeEventFederation{getEvent: func(string, string) (matrix.Transaction, error) {
		return matrix.Transaction{PDUs: []json.RawMessage{createEvent.JSON()}}, nil
	}}
	req := newFetchTestReq(fed, failingVerifier{})

	_, res := req.fetchEvent(context.Background(), createEvent.EventID(), mustRoomVersionImpl(t))
	assert.Equal(t, fetchOutcomeAuthFailure, res.outcome)
	assert.Error(t, res.err)
}

// TestFetchEventSuccess tests the happy path: the event comes back, parses
// and is remembered for later lookups.
func TestFetchEventSuccess(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	createEvent := room.Events()[0]

	fed := &fakeEventFederation{getEvent: func(string, string) (matrix.Transaction, error) {
		return matrix.Transaction{PDUs: []json.RawMessage{createEvent.JSON()}}, nil
	}}
	req := newFetchTestReq(fed, nil)

	ev, res := req.fetchEvent(context.Background(), createEvent.EventID(), mustRoomVersionImpl(t))
	require.Equal(t, fetchOutcomeFetched, res.outcome)
	require.NoError(t, res.err)
	assert.Equal(t, createEvent.EventID(), ev.EventID())
	assert.Contains(t, req.haveEvents, createEvent.EventID())
}
