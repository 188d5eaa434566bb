// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/construct/federationapi/statistics"
	"github.com/element-hq/construct/federationapi/storage"
	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/types"
	"github.com/element-hq/construct/setup/process"
)

const (
	maxPDUsPerTransaction = 50
	queueIdleTimeout      = time.Second * 30
	maxPendingPDUs        = 128
)

// destinationQueue is a queue of events for a single destination. The queue
// owns a worker goroutine which empties the queue in transaction-sized
// batches, backing off between attempts when the destination is failing.
type destinationQueue struct {
	queues           *OutgoingQueues
	db               storage.Database
	process          *process.ProcessContext
	client           TransactionClient
	origin           string
	destination      string
	running          atomic.Bool
	backingOff       atomic.Bool
	statistics       *statistics.ServerStatistics
	notify           chan struct{}
	interruptBackoff chan bool
	pendingMutex     sync.RWMutex
	pendingPDUs      []*types.HeaderedEvent
}

// sendEvent adds the event to the pending queue for the destination and
// wakes the worker if it is asleep. If the pending queue is full the oldest
// event is dropped, on the basis that the destination will backfill it when
// it comes back.
func (oq *destinationQueue) sendEvent(event *types.HeaderedEvent) {
	if oq.statistics.Blacklisted() {
		return
	}
	oq.pendingMutex.Lock()
	if len(oq.pendingPDUs) >= maxPendingPDUs {
		logrus.Warnf("Send queue for %q is full, dropping oldest event", oq.destination)
		oq.pendingPDUs = oq.pendingPDUs[1:]
		observeSendQueueDepth(-1)
	}
	oq.pendingPDUs = append(oq.pendingPDUs, event)
	observeSendQueueDepth(1)
	oq.pendingMutex.Unlock()
	oq.wakeQueueAndNotify()
}

// wakeQueueIfEventsPending wakes up the destination queue if there are
// pending events to deliver, optionally interrupting a backoff in progress.
func (oq *destinationQueue) wakeQueueIfEventsPending(forceWakeup bool) {
	oq.pendingMutex.RLock()
	pending := len(oq.pendingPDUs) > 0
	oq.pendingMutex.RUnlock()
	if !pending {
		return
	}
	if forceWakeup && oq.backingOff.Load() {
		select {
		case oq.interruptBackoff <- true:
		default:
		}
	}
	oq.wakeQueueAndNotify()
}

// wakeQueueAndNotify starts the queue worker if it isn't running already
// and pokes it to look at the pending queue.
func (oq *destinationQueue) wakeQueueAndNotify() {
	if oq.running.CompareAndSwap(false, true) {
		go oq.backgroundSend()
	}
	select {
	case oq.notify <- struct{}{}:
	default:
	}
}

// backgroundSend is the worker goroutine for the queue.
func (oq *destinationQueue) backgroundSend() {
	defer oq.running.Store(false)

	ctx := oq.process.Context()
	oq.process.ComponentStarted()
	defer oq.process.ComponentFinished()

	for {
		select {
		case <-ctx.Done():
			return
		case <-oq.notify:
		case <-time.After(queueIdleTimeout):
			// Nothing happened for a while, stop the worker. A new event
			// will start it again.
			oq.pendingMutex.RLock()
			pending := len(oq.pendingPDUs)
			oq.pendingMutex.RUnlock()
			if pending == 0 {
				oq.queues.clearQueue(oq)
				return
			}
			continue
		}

		// If we are backing off for this destination then wait out the
		// backoff first. The wait can be interrupted if the destination
		// comes back in the meantime.
		destinationQueueBackingOff.Inc()
		oq.statistics.BackoffIfRequired(&oq.backingOff, oq.interruptBackoff)
		destinationQueueBackingOff.Dec()
		if oq.statistics.Blacklisted() {
			oq.clearPending()
			oq.queues.clearQueue(oq)
			return
		}

		if err := oq.nextTransaction(ctx); err != nil {
			logrus.WithError(err).WithField(
				"destination", oq.destination,
			).Debugf("Failed to send transaction")
		}
		oq.wakeQueueIfEventsPending(false)
	}
}

// nextTransaction builds a transaction from the head of the pending queue
// and attempts to send it to the destination.
func (oq *destinationQueue) nextTransaction(ctx context.Context) error {
	oq.pendingMutex.Lock()
	batch := oq.pendingPDUs
	if len(batch) == 0 {
		oq.pendingMutex.Unlock()
		return nil
	}
	if len(batch) > maxPDUsPerTransaction {
		batch = batch[:maxPDUsPerTransaction]
	}
	oq.pendingMutex.Unlock()

	t := matrix.Transaction{
		Origin:         oq.origin,
		Destination:    oq.destination,
		OriginServerTS: time.Now().UnixMilli(),
		TransactionID:  uuid.NewString(),
		PDUs:           make([]json.RawMessage, 0, len(batch)),
	}
	for _, event := range batch {
		t.PDUs = append(t.PDUs, event.JSON())
	}

	logrus.WithFields(logrus.Fields{
		"destination":    oq.destination,
		"transaction_id": t.TransactionID,
		"pdus":           len(t.PDUs),
	}).Debugf("Sending transaction")

	_, err := oq.client.SendTransaction(ctx, t)
	switch {
	case err == nil:
		oq.statistics.Success()
		oq.pendingMutex.Lock()
		oq.pendingPDUs = oq.pendingPDUs[len(batch):]
		observeSendQueueDepth(-int64(len(batch)))
		oq.pendingMutex.Unlock()
		return nil
	default:
		until, blacklisted := oq.statistics.Failure()
		if blacklisted {
			return fmt.Errorf("server %q is blacklisted: %w", oq.destination, err)
		}
		return fmt.Errorf("server %q is backing off until %s: %w", oq.destination, until.Format(time.RFC3339), err)
	}
}

func (oq *destinationQueue) clearPending() {
	oq.pendingMutex.Lock()
	observeSendQueueDepth(-int64(len(oq.pendingPDUs)))
	oq.pendingPDUs = nil
	oq.pendingMutex.Unlock()
}
