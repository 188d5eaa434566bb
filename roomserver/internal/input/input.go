// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package input contains the code processing new arriving events.
//
// Input events are written to a per-room ordered stream and processed by a
// single goroutine per room, so events for the same room are applied in the
// order they arrived while different rooms proceed in parallel.
package input

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Arceliar/phony"
	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	fedapi "github.com/element-hq/construct/federationapi/api"
	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/api"
	"github.com/element-hq/construct/roomserver/internal/query"
	"github.com/element-hq/construct/roomserver/producers"
	"github.com/element-hq/construct/roomserver/storage"
	"github.com/element-hq/construct/roomserver/types"
	"github.com/element-hq/construct/setup/config"
	"github.com/element-hq/construct/setup/jetstream"
	"github.com/element-hq/construct/setup/process"
)

// Inputer reads input events from a JetStream stream and processes them.
//
// Ordering of events matters, so each room has its own worker and its own
// consumer over the room's subject. The workers are phony actors, which
// gives a mutex-free guarantee that only one event per room is processed at
// a time. Synchronous requests publish a reply inbox with the event and wait
// for the worker to respond there.
type Inputer struct {
	Cfg             *config.RoomServer
	ProcessContext  *process.ProcessContext
	DB              storage.RoomDatabase
	NATSClient      *nats.Conn
	JetStream       nats.JetStreamContext
	Durable         string
	ServerName      string
	SigningIdentity func(ctx context.Context, roomID, senderID string) (*matrix.SigningIdentity, error)
	FSAPI           fedapi.RoomserverFederationAPI
	KeyRing         matrix.JSONVerifier
	Queryer         *query.Queryer
	OutputProducer  *producers.RoomEventProducer
	EnableMetrics   bool
	InFlight        atomic.Int64
	workers         sync.Map // room ID -> *worker

	// fetchEventGroup collapses concurrent federated fetches of the same
	// event, since several rooms' workers can chase the same missing
	// ancestor at once.
	fetchEventGroup singleflight.Group
}

// If a room consumer is inactive for a while then we will allow NATS to
// clean it up. This stops us from holding onto consumers forever for rooms
// that might no longer be active, since they do have an interest overhead in
// the stream. If the room becomes active again then we will recreate the
// consumer anyway.
const inactiveThreshold = time.Hour * 24

type worker struct {
	phony.Inbox
	sync.Mutex
	r            *Inputer
	roomID       string
	subscription *nats.Subscription
}

func (r *Inputer) startWorkerForRoom(roomID string) {
	v, loaded := r.workers.LoadOrStore(roomID, &worker{
		r:      r,
		roomID: roomID,
	})
	w := v.(*worker)
	w.Lock()
	defer w.Unlock()
	if !loaded || w.subscription == nil {
		streamName := r.Cfg.Matrix.JetStream.Prefixed(jetstream.InputRoomEvent)
		consumer := r.Cfg.Matrix.JetStream.Durable("RoomInput" + jetstream.Tokenise(w.roomID))
		subject := jetstream.InputRoomEventSubj(r.Cfg.Matrix.JetStream.TopicPrefix, w.roomID)

		logger := logrus.WithFields(logrus.Fields{
			"stream_name": streamName,
			"consumer":    consumer,
		})
		// Create the consumer. We do this as a specific step rather than
		// letting PullSubscribe create it for us because we need the consumer
		// to outlive the subscription. If we do it this way, we can Bind in
		// the BindStream option later, which will prevent the consumer from
		// being deleted by the server when the subscription is closed.
		if _, err := w.r.JetStream.AddConsumer(streamName, &nats.ConsumerConfig{
			Durable:           consumer,
			AckPolicy:         nats.AckExplicitPolicy,
			DeliverPolicy:     nats.DeliverAllPolicy,
			FilterSubject:     subject,
			AckWait:           MaximumMissingProcessingTime + (time.Second * 10),
			InactiveThreshold: inactiveThreshold,
		}); err != nil {
			logger.WithError(err).Errorf("Failed to create consumer for room %q", w.roomID)
			return
		}

		sub, err := w.r.JetStream.PullSubscribe(
			subject, "", // durable is provided in Bind() below
			nats.ManualAck(),
			nats.DeliverAll(),
			nats.AckWait(MaximumMissingProcessingTime+(time.Second*10)),
			nats.Bind(streamName, consumer),
			nats.InactiveThreshold(inactiveThreshold),
		)
		if err != nil {
			logger.WithError(err).Errorf("Failed to subscribe to stream for room %q", w.roomID)
			return
		}

		w.subscription = sub
		w.r.ProcessContext.ComponentStarted()
		w.Act(nil, w._next)
	}
}

// Start creates an ephemeral non-durable consumer on the roomserver input
// stream. It is configured to deliver us headers only because we don't
// actually care about the contents of the message at this point, we only
// care about the `room_id` field. Once a message arrives, we will process
// all of the messages for that room.
func (r *Inputer) Start() error {
	if r.EnableMetrics {
		prometheus.MustRegister(processRoomEventDuration)
	}
	_, err := r.JetStream.Subscribe(
		"", // This is "" because we subscribe using BindStream below
		func(m *nats.Msg) {
			roomID := m.Header.Get(jetstream.RoomID)
			r.startWorkerForRoom(roomID)
			_ = m.Ack()
		},
		nats.HeadersOnly(),
		nats.DeliverAll(),
		nats.AckAll(),
		nats.BindStream(r.Cfg.Matrix.JetStream.Prefixed(jetstream.InputRoomEvent)),
	)
	return err
}

// _next is called by the worker for each message received. Messages are
// processed one at a time, and the next message is fetched only after the
// previous one has been either acked or nacked. The actor model ensures
// that there is only ever one _next for a given room in flight at a time.
func (w *worker) _next() {
	// Look up what the next event is that's waiting to be processed.
	ctx, cancel := context.WithTimeout(w.r.ProcessContext.Context(), time.Minute)
	defer cancel()
	w.r.InFlight.Inc()
	defer w.r.InFlight.Dec()
	msgs, err := w.subscription.Fetch(1, nats.Context(ctx))
	switch err {
	case nil:
		// Make sure that once we're done here, we queue up another call
		// to _next in the inbox.
		defer w.Act(nil, w._next)

		// If no error was reported, but we didn't get exactly one message,
		// then skip over this and try again on the next iteration.
		if len(msgs) != 1 {
			return
		}

	case context.Canceled, context.DeadlineExceeded, nats.ErrTimeout:
		// The context exceeded, so we've been waiting for more than a
		// minute for activity in this room. At this point we will shut
		// down the subscriber to free up resources. It'll get started
		// again if new activity happens.
		if err = w.subscription.Unsubscribe(); err != nil {
			logrus.WithError(err).Errorf("Failed to unsubscribe to stream for room %q", w.roomID)
		}
		w.Lock()
		w.subscription = nil
		w.Unlock()
		w.r.ProcessContext.ComponentFinished()
		return

	default:
		// Something went wrong while trying to fetch the next event from
		// the queue. In which case, we'll shut down the subscriber and wait
		// to be notified about new room activity again. Maybe the problem
		// will be corrected by then.
		logrus.WithError(err).Errorf("Failed to get next stream message for room %q", w.roomID)
		if err = w.subscription.Unsubscribe(); err != nil {
			logrus.WithError(err).Errorf("Failed to unsubscribe to stream for room %q", w.roomID)
		}
		w.Lock()
		w.subscription = nil
		w.Unlock()
		w.r.ProcessContext.ComponentFinished()
		return
	}

	// Try to unmarshal the input room event. If the JSON is invalid then
	// we'll terminate the message, otherwise it will just keep being
	// redelivered to us forever.
	msg := msgs[0]
	var inputRoomEvent api.InputRoomEvent
	if err = json.Unmarshal(msg.Data, &inputRoomEvent); err != nil {
		_ = msg.Term()
		return
	}

	if scope := sentry.CurrentHub().Scope(); scope != nil {
		scope.SetTag("event_id", inputRoomEvent.Event.EventID())
	}

	// Process the room event. If something goes wrong then we'll terminate
	// the message. Otherwise, we'll acknowledge it.
	errString := ""
	if err = w.r.processRoomEvent(
		w.r.ProcessContext.Context(),
		msg.Header.Get("virtual_host"),
		&inputRoomEvent,
	); err != nil {
		switch err.(type) {
		case types.RejectedError:
			// Don't send events that were rejected to Sentry
			logrus.WithError(err).WithFields(logrus.Fields{
				"room_id":  w.roomID,
				"event_id": inputRoomEvent.Event.EventID(),
				"type":     inputRoomEvent.Event.Type(),
			}).Warn("Roomserver rejected event")
		default:
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				sentry.CaptureException(err)
			}
			logrus.WithError(err).WithFields(logrus.Fields{
				"room_id":  w.roomID,
				"event_id": inputRoomEvent.Event.EventID(),
				"type":     inputRoomEvent.Event.Type(),
			}).Warn("Roomserver failed to process event")
		}
		_ = msg.Term()
		errString = err.Error()
	} else {
		_ = msg.AckSync()
	}

	// If the event was a synchronous input request then the "sync" field
	// will be present in the message. That will contain a NATS subject that
	// we should respond to.
	if replyTo := msg.Header.Get("sync"); replyTo != "" {
		m := &nats.Msg{
			Subject: replyTo,
			Header:  nats.Header{},
			Data:    []byte(errString),
		}
		if err = w.r.NATSClient.PublishMsg(m); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"room_id":  w.roomID,
				"event_id": inputRoomEvent.Event.EventID(),
				"subject":  replyTo,
			}).Warn("Roomserver failed to respond for sync event")
		}
	}
}

// queueInputRoomEvents queues events into the roomserver input stream in
// NATS.
func (r *Inputer) queueInputRoomEvents(
	ctx context.Context,
	request *api.InputRoomEventsRequest,
) (replySub *nats.Subscription, err error) {
	// If the request is synchronous then we need to create a temporary
	// inbox to wait for responses on, and then create a subscription to
	// it. If it's asynchronous then we won't bother, so these values will
	// just stay empty.
	var replyTo string
	if !request.Asynchronous {
		replyTo = nats.NewInbox()
		replySub, err = r.NATSClient.SubscribeSync(replyTo)
		if err != nil {
			return nil, fmt.Errorf("r.NATSClient.SubscribeSync: %w", err)
		}
		if replySub == nil {
			// This shouldn't ever happen, but it doesn't hurt to check
			// because we can potentially avoid a nil pointer panic later
			// if it did for some reason.
			return nil, fmt.Errorf("expected a subscription to the temporary inbox")
		}
	}

	// For each event, marshal the input room event and then deliver it to
	// the roomserver input stream for that room.
	for _, e := range request.InputRoomEvents {
		roomID := e.Event.RoomID()
		subj := jetstream.InputRoomEventSubj(r.Cfg.Matrix.JetStream.TopicPrefix, roomID)
		msg := &nats.Msg{
			Subject: subj,
			Header:  nats.Header{},
		}
		msg.Header.Set("room_id", roomID)
		if replyTo != "" {
			msg.Header.Set("sync", replyTo)
		}
		msg.Header.Set("virtual_host", request.VirtualHost)
		msg.Data, err = json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("json.Marshal: %w", err)
		}
		if _, err = r.JetStream.PublishMsg(msg, nats.Context(ctx)); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"room_id":  roomID,
				"event_id": e.Event.EventID(),
				"subj":     subj,
			}).Error("Roomserver failed to queue async event")
			return nil, fmt.Errorf("r.JetStream.PublishMsg: %w", err)
		}

		// Now that the event is queued, make sure that there's a worker to
		// pick it up, in case the stream-wide notification subscription has
		// not seen it yet.
		r.startWorkerForRoom(roomID)
	}
	return
}

// InputRoomEvents implements api.RoomserverInternalAPI.
func (r *Inputer) InputRoomEvents(
	ctx context.Context,
	request *api.InputRoomEventsRequest,
	response *api.InputRoomEventsResponse,
) {
	// Queue up the event into the roomserver.
	replySub, err := r.queueInputRoomEvents(ctx, request)
	if err != nil {
		response.ErrMsg = err.Error()
		return
	}

	// If we aren't waiting for synchronous responses then we can stop here.
	if replySub == nil {
		return
	}

	// Otherwise, we'll want to sit and wait for the responses from the
	// roomserver. There will be one response for every input we submitted.
	// The last error value we receive will be the one shown to the caller.
	defer replySub.Drain() // nolint:errcheck
	for i := 0; i < len(request.InputRoomEvents); i++ {
		msg, err := replySub.NextMsgWithContext(ctx)
		if err != nil {
			response.ErrMsg = err.Error()
			return
		}
		if len(msg.Data) > 0 {
			response.ErrMsg = string(msg.Data)
		}
	}
}
