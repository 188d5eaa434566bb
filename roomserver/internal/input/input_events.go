// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/construct/internal/sqlutil"
	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/api"
	"github.com/element-hq/construct/roomserver/internal/helpers"
	"github.com/element-hq/construct/roomserver/state"
	"github.com/element-hq/construct/roomserver/types"
)

var processRoomEventDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "construct",
		Subsystem: "roomserver",
		Name:      "processroomevent_duration_millis",
		Help:      "How long it takes the roomserver to process an event",
		Buckets: []float64{
			10, 25, 50, 75, 100, 250, 500,
			1000, 2000, 3000, 4000, 5000, 6000,
			7000, 8000, 9000, 10000, 15000, 20000,
		},
	},
	[]string{"room_id"},
)

// processRoomEvent is the main event ingestion pipeline. It establishes the
// event's position in the room's event graph, fetching any missing ancestry
// over federation, authorises it against the state of the room and persists
// the outcome. It is never called concurrently for the same room, the worker
// actor in input.go guarantees that.
//
// An event comes out of the pipeline in one of four dispositions:
//
//   - stored as an outlier, with no state, when the input kind is outlier;
//   - rejected, when the event fails the auth rules against its own claimed
//     auth events, or when its ancestry is provably broken;
//   - soft-failed, when the event passes auth against its claimed auth
//     events but not against the current state of the room, or when missing
//     ancestry could not be fetched for a retryable reason;
//   - accepted.
//
// Rejected and soft-failed events are still stored, still have state
// calculated and still take part in state resolution, but they are never
// sent to the output stream as new room events.
func (r *Inputer) processRoomEvent(
	ctx context.Context,
	virtualHost string,
	input *api.InputRoomEvent,
) error {
	select {
	case <-ctx.Done():
		// Before we do anything, make sure the context hasn't expired for
		// this pending task. If it has then we'll give up straight away, as
		// it's probably a synchronous input request and the caller has
		// already given up waiting.
		return context.DeadlineExceeded
	default:
	}

	// Wrap the processing in a deadline so that a wedged remote server
	// can't hold the room's worker hostage forever.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, MaximumMissingProcessingTime)
		defer cancel()
	}

	headered := input.Event
	event := headered.PDU
	logger := logrus.WithFields(logrus.Fields{
		"event_id": event.EventID(),
		"room_id":  event.RoomID(),
		"kind":     input.Kind,
		"type":     event.Type(),
	})
	if input.Origin != "" {
		logger = logger.WithField("origin", input.Origin)
	}
	if r.EnableMetrics {
		started := time.Now()
		defer func() {
			processRoomEventDuration.WithLabelValues(event.RoomID()).
				Observe(float64(time.Since(started).Milliseconds()))
		}()
	}

	// Refuse events for room versions we can't authorise.
	if _, err := matrix.GetRoomVersion(event.Version()); err != nil {
		return types.RejectedError(err.Error())
	}

	roomInfo, err := r.DB.GetOrCreateRoomInfo(ctx, event)
	if err != nil {
		return fmt.Errorf("r.DB.GetOrCreateRoomInfo: %w", err)
	}

	missingAuthIDs, missingPrevIDs, err := r.DB.MissingAuthPrevEvents(ctx, event)
	if err != nil {
		return fmt.Errorf("r.DB.MissingAuthPrevEvents: %w", err)
	}
	missingAuth := len(missingAuthIDs) > 0
	missingPrev := input.Kind == api.KindNew && len(missingPrevIDs) > 0

	// If anything is missing, work out who we could ask for it. The origin
	// of the input and the sender's own server both claim to have the event
	// so they are the best candidates. Outliers never trigger fetches: they
	// are stored by fetches, and fetching for them would recurse.
	var missingState *missingStateReq
	if r.FSAPI != nil && input.Origin != "" && input.Kind != api.KindOutlier && (missingAuth || missingPrev) {
		missingState = &missingStateReq{
			log:         logger,
			db:          r.DB,
			roomInfo:    roomInfo,
			inputer:     r,
			keys:        r.KeyRing,
			federation:  r.FSAPI,
			virtualHost: virtualHost,
			origin:      input.Origin,
			servers:     candidateServers(r.ServerName, input.Origin, matrix.ServerNameFromID(event.Sender())),
			hadEvents:   map[string]bool{},
			haveEvents:  map[string]matrix.PDU{},
		}
	}

	// If auth events are missing then try to fetch them over federation and
	// store them as outliers first. Auth events only ever cite other auth
	// events, so this never recurses into prev events.
	if missingAuth && missingState != nil {
		if err = missingState.fetchAuthEvents(ctx, event); err != nil {
			// The auth check below rejects the event if the events that
			// matter are still missing, so a failed fetch isn't fatal here.
			logger.WithError(err).Warn("Failed to fetch missing auth events")
		}
	}

	// Check the event against its own claimed auth events. Rejected auth
	// events are excluded from the provider, so that rejection propagates to
	// everything authorised by a rejected event.
	authProvider, authEventNIDs, err := helpers.LoadAuthEvents(ctx, r.DB, roomInfo, event)
	if err != nil {
		return fmt.Errorf("helpers.LoadAuthEvents: %w", err)
	}

	var isRejected bool
	var rejectionErr error
	if len(authEventNIDs) < len(event.AuthEventIDs()) {
		isRejected = true
		rejectionErr = fmt.Errorf("event %q refers to auth events we don't have", event.EventID())
	} else if err = matrix.Allowed(event, authProvider); err != nil {
		isRejected = true
		rejectionErr = err
	}

	// Rejection also propagates through prev events: an event whose every
	// known parent was rejected must not be accepted, or the rejected branch
	// would launder itself back into the room through its descendants.
	if !isRejected && len(event.PrevEventIDs()) > 0 {
		var rejectedPrev, otherPrev bool
		for _, prevEventID := range event.PrevEventIDs() {
			rejected, rejErr := r.DB.IsEventRejected(ctx, roomInfo.RoomNID, prevEventID)
			switch {
			case errors.Is(rejErr, sql.ErrNoRows):
				// Unknown parents are dealt with by the missing-ancestry
				// path below.
				otherPrev = true
			case rejErr != nil:
				return fmt.Errorf("r.DB.IsEventRejected: %w", rejErr)
			case rejected:
				rejectedPrev = true
			default:
				otherPrev = true
			}
		}
		if rejectedPrev && !otherPrev {
			isRejected = true
			rejectionErr = fmt.Errorf("one or more prev events are rejected")
		}
	}

	// A new event that passes auth against its claimed auth events may still
	// not pass against the current state of the room, in which case it is
	// soft-failed rather than rejected.
	softfail := false
	if input.Kind == api.KindNew && !isRejected && !roomInfo.IsStub() {
		softfail, err = helpers.CheckForSoftFail(ctx, r.DB, roomInfo, headered, nil, r.Cfg.StateCompression)
		if err != nil {
			logger.WithError(err).Warn("Failed to check event for soft-fail")
		}
	}

	// If prev events are missing then the state before the event can't be
	// worked out locally, so try to pull the missing ancestry, or failing
	// that the state at the event, from the federation.
	if missingPrev && !isRejected {
		if missingState != nil {
			res := missingState.processEventWithMissingState(ctx, event, headered.Version())
			switch res.outcome {
			case fetchOutcomeFetched:
				// The ancestry, or a remotely supplied state at the event,
				// is now stored locally.
				missingPrev = false
			case fetchOutcomeTimeout:
				// The remote didn't answer in time. The ancestry is treated
				// as still missing, and the event soft-fails so that a later
				// event citing the same ancestors can try again.
				softfail = true
			case fetchOutcomeMalformedRemote:
				isRejected = true
				rejectionErr = res.err
			case fetchOutcomeAuthFailure:
				isRejected = true
				rejectionErr = res.err
			}
		} else {
			// There's no federation or no origin, so there is nobody to ask.
			softfail = true
		}
	}

	eventTypeNID, err := r.DB.GetOrCreateEventTypeNID(ctx, event.Type())
	if err != nil {
		return fmt.Errorf("r.DB.GetOrCreateEventTypeNID: %w", err)
	}
	eventStateKeyNID, err := r.DB.GetOrCreateEventStateKeyNID(ctx, event.StateKey())
	if err != nil {
		return fmt.Errorf("r.DB.GetOrCreateEventStateKeyNID: %w", err)
	}

	// The final disposition is stored on the event row so that it survives
	// restarts and is visible to later rejection checks.
	rejectionReason := ""
	if rejectionErr != nil {
		rejectionReason = rejectionErr.Error()
	}
	eventNID, stateAtEvent, err := r.DB.StoreEvent(
		ctx, event, roomInfo, eventTypeNID, eventStateKeyNID, authEventNIDs,
		isRejected, softfail, rejectionReason,
	)
	if err != nil {
		return fmt.Errorf("r.DB.StoreEvent: %w", err)
	}
	stateAtEvent.EventNID = eventNID

	// Apply any redaction this event completes: the event can be a
	// redaction whose target is already stored, or the late-arriving target
	// of a stored redaction. Rejected events can't redact anything.
	if !isRejected {
		redactionEvent, redactedEvent, rerr := r.DB.MaybeRedactEvent(ctx, roomInfo, eventNID, event)
		if rerr != nil {
			return fmt.Errorf("r.DB.MaybeRedactEvent: %w", rerr)
		}
		if redactionEvent != nil && redactedEvent != nil {
			rerr = r.OutputProducer.ProduceRoomEvents(event.RoomID(), []api.OutputEvent{
				{
					Type: api.OutputTypeRedactedEvent,
					RedactedEvent: &api.OutputRedactedEvent{
						RedactedEventID: redactedEvent.EventID(),
						RedactedBecause: &types.HeaderedEvent{PDU: redactionEvent},
					},
				},
			})
			if rerr != nil {
				return fmt.Errorf("r.OutputProducer.ProduceRoomEvents: %w", rerr)
			}
		}
	}

	// Outliers stop here. We don't know the state at an outlier, so there
	// is nothing more to do until backfill positions it in the graph.
	if input.Kind == api.KindOutlier {
		logger.Debug("Stored outlier")
		if rejectionErr != nil {
			return types.RejectedError(rejectionErr.Error())
		}
		return nil
	}

	// Work out the state before the event, unless a previous pass through
	// the pipeline already recorded it.
	if stateAtEvent.BeforeStateFrameNID == 0 {
		if missingPrev {
			// The ancestry is still incomplete, so the best state we can
			// claim before the event is the current state of the room.
			frameNID := roomInfo.StateFrameNID()
			if err = r.DB.SetState(ctx, eventNID, frameNID); err != nil {
				return fmt.Errorf("r.DB.SetState: %w", err)
			}
			stateAtEvent.BeforeStateFrameNID = frameNID
		} else if err = r.calculateAndSetState(ctx, input, roomInfo, &stateAtEvent, event, isRejected); err != nil {
			return fmt.Errorf("r.calculateAndSetState: %w", err)
		}
	}

	switch input.Kind {
	case api.KindNew:
		// Update the room's forward extremities and current state, and send
		// the event to the output stream if it was accepted.
		if err = r.updateLatestEvents(
			ctx, roomInfo, stateAtEvent, event,
			input.SendAsServer, input.TransactionID, isRejected || softfail,
		); err != nil {
			return fmt.Errorf("r.updateLatestEvents: %w", err)
		}
	case api.KindOld:
		// Backfilled events don't change the extremities or the current
		// state, but downstream consumers still want to hear about them.
		err = r.OutputProducer.ProduceRoomEvents(event.RoomID(), []api.OutputEvent{
			{
				Type:         api.OutputTypeOldRoomEvent,
				OldRoomEvent: &api.OutputOldRoomEvent{Event: headered},
			},
		})
		if err != nil {
			return fmt.Errorf("r.OutputProducer.ProduceRoomEvents: %w", err)
		}
	}

	if isRejected || softfail {
		logger.WithError(rejectionErr).WithFields(logrus.Fields{
			"soft_fail":    softfail,
			"missing_prev": missingPrev,
		}).Warn("Stored rejected or soft-failed event")
		if rejectionErr != nil {
			return types.RejectedError(rejectionErr.Error())
		}
		return nil
	}

	logger.Debug("Stored event")
	return nil
}

// calculateAndSetState works out the state frame before the event and records
// it against the event row, all within one room updater transaction so that
// concurrent readers never see an event with half-written state.
func (r *Inputer) calculateAndSetState(
	ctx context.Context,
	input *api.InputRoomEvent,
	roomInfo *types.RoomInfo,
	stateAtEvent *types.StateAtEvent,
	event matrix.PDU,
	isRejected bool,
) (err error) {
	var succeeded bool
	updater, err := r.DB.GetRoomUpdater(ctx, roomInfo)
	if err != nil {
		return fmt.Errorf("r.DB.GetRoomUpdater: %w", err)
	}
	defer sqlutil.EndTransactionWithCheck(updater, &succeeded, &err)

	if input.HasState && !isRejected {
		// We've been told what the state at the event is, typically by the
		// resident server in a send_join response, so we don't need to work
		// it out from the prev events.
		entries, err := updater.StateEntriesForEventIDs(ctx, input.StateEventIDs, true)
		if err != nil {
			return fmt.Errorf("updater.StateEntriesForEventIDs: %w", err)
		}
		entries = types.DeduplicateStateEntries(entries)
		if stateAtEvent.BeforeStateFrameNID, err = updater.AddState(ctx, roomInfo.RoomNID, 0, entries, nil); err != nil {
			return fmt.Errorf("updater.AddState: %w", err)
		}
	} else {
		// Work the state out from the state after each of the prev events,
		// resolving between them if they disagree.
		roomState := state.NewStateResolution(updater, roomInfo, r.Cfg.StateCompression)
		if stateAtEvent.BeforeStateFrameNID, err = roomState.CalculateAndStoreStateBeforeEvent(ctx, event); err != nil {
			return fmt.Errorf("roomState.CalculateAndStoreStateBeforeEvent: %w", err)
		}
	}

	if err = updater.SetState(ctx, stateAtEvent.EventNID, stateAtEvent.BeforeStateFrameNID); err != nil {
		return fmt.Errorf("updater.SetState: %w", err)
	}
	succeeded = true
	return nil
}

// candidateServers builds the list of servers worth asking for missing
// events, without duplicates and never including ourselves.
func candidateServers(localServerName string, servers ...string) []string {
	seen := make(map[string]struct{}, len(servers))
	result := make([]string, 0, len(servers))
	for _, server := range servers {
		if server == "" || server == localServerName {
			continue
		}
		if _, ok := seen[server]; ok {
			continue
		}
		seen[server] = struct{}{}
		result = append(result, server)
	}
	return result
}
