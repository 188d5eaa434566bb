// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/construct/federationapi/queue"
	"github.com/element-hq/construct/roomserver/api"
	"github.com/element-hq/construct/setup/config"
	"github.com/element-hq/construct/setup/jetstream"
	"github.com/element-hq/construct/setup/process"
)

// OutputRoomEventConsumer consumes events from the roomserver output stream
// and pushes them to the destination queues for every remote server with a
// user in the room.
type OutputRoomEventConsumer struct {
	ctx       context.Context
	cfg       *config.FederationAPI
	rsAPI     api.QueryEventsAPI
	jetstream nats.JetStreamContext
	durable   string
	queues    *queue.OutgoingQueues
	topic     string
}

// NewOutputRoomEventConsumer creates a new OutputRoomEventConsumer. Call
// Start to begin consuming from the roomserver.
func NewOutputRoomEventConsumer(
	process *process.ProcessContext,
	cfg *config.FederationAPI,
	js nats.JetStreamContext,
	queues *queue.OutgoingQueues,
	rsAPI api.QueryEventsAPI,
) *OutputRoomEventConsumer {
	return &OutputRoomEventConsumer{
		ctx:       process.Context(),
		cfg:       cfg,
		jetstream: js,
		durable:   cfg.Matrix.JetStream.Durable("FederationAPIRoomServerConsumer"),
		queues:    queues,
		rsAPI:     rsAPI,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputRoomEvent),
	}
}

// Start consuming from the roomserver.
func (s *OutputRoomEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

// onMessage is called in response to a message received on the roomserver
// output stream.
func (s *OutputRoomEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // pull consumer delivers one message at a time
	var output api.OutputEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		// If the message was invalid, log it and move on to the next
		// message in the stream.
		logrus.WithError(err).Errorf("roomserver output log: message parse failure")
		return true
	}
	if output.Type != api.OutputTypeNewRoomEvent || output.NewRoomEvent == nil {
		return true
	}

	ev := output.NewRoomEvent.Event
	if output.NewRoomEvent.SendAsServer == "" {
		// The roomserver flagged the event as not for federation, for
		// example because it arrived over federation in the first place.
		return true
	}

	var queryRes api.QueryJoinedHostServerNamesInRoomResponse
	if err := s.rsAPI.QueryJoinedHostServerNamesInRoom(ctx, &api.QueryJoinedHostServerNamesInRoomRequest{
		RoomID:      ev.RoomID(),
		ExcludeSelf: true,
	}, &queryRes); err != nil {
		logrus.WithError(err).WithField("event_id", ev.EventID()).Error("Failed to get joined hosts for room")
		return false
	}
	if len(queryRes.ServerNames) == 0 {
		return true
	}

	if err := s.queues.SendEvent(ev, output.NewRoomEvent.SendAsServer, queryRes.ServerNames); err != nil {
		logrus.WithError(err).WithField("event_id", ev.EventID()).Error("Failed to queue event for federation")
		return false
	}
	return true
}
