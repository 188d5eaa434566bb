// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/construct/federationapi/api"
	"github.com/element-hq/construct/federationapi/statistics"
	"github.com/element-hq/construct/federationapi/storage"
	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/types"
	"github.com/element-hq/construct/setup/process"
)

// TransactionClient is the part of the federation transport that the send
// queues use to push transactions to remote servers.
type TransactionClient interface {
	SendTransaction(ctx context.Context, t matrix.Transaction) (api.RespSend, error)
}

// OutgoingQueues holds the destination queues for all of the remote servers
// we are currently sending events to. Queues are created on demand when the
// first event for a destination arrives and are woken again when a
// previously offline server comes back.
type OutgoingQueues struct {
	db          storage.Database
	process     *process.ProcessContext
	disabled    bool
	origin      string
	client      TransactionClient
	statistics  *statistics.Statistics
	queuesMutex sync.Mutex
	queues      map[string]*destinationQueue
}

// NewOutgoingQueues makes a new OutgoingQueues.
func NewOutgoingQueues(
	db storage.Database,
	process *process.ProcessContext,
	disabled bool,
	origin string,
	client TransactionClient,
	statistics *statistics.Statistics,
) *OutgoingQueues {
	return &OutgoingQueues{
		db:         db,
		process:    process,
		disabled:   disabled,
		origin:     origin,
		client:     client,
		statistics: statistics,
		queues:     map[string]*destinationQueue{},
	}
}

func (oqs *OutgoingQueues) getQueue(destination string) *destinationQueue {
	if oqs.statistics.ForServer(destination).Blacklisted() {
		return nil
	}
	oqs.queuesMutex.Lock()
	defer oqs.queuesMutex.Unlock()
	oq, ok := oqs.queues[destination]
	if !ok || oq == nil {
		destinationQueueTotal.Inc()
		oq = &destinationQueue{
			queues:           oqs,
			db:               oqs.db,
			process:          oqs.process,
			origin:           oqs.origin,
			destination:      destination,
			client:           oqs.client,
			statistics:       oqs.statistics.ForServer(destination),
			notify:           make(chan struct{}, 1),
			interruptBackoff: make(chan bool),
		}
		oqs.queues[destination] = oq
	}
	return oq
}

// clearQueue removes the queue for the provided destination from the
// set of destination queues.
func (oqs *OutgoingQueues) clearQueue(oq *destinationQueue) {
	oqs.queuesMutex.Lock()
	defer oqs.queuesMutex.Unlock()
	delete(oqs.queues, oq.destination)
	destinationQueueTotal.Dec()
}

// SendEvent sends an event to the destinations.
func (oqs *OutgoingQueues) SendEvent(
	event *types.HeaderedEvent,
	origin string,
	destinations []string,
) error {
	if oqs.disabled {
		logrus.Trace("Federation is disabled, not sending event")
		return nil
	}
	if origin != oqs.origin {
		// The roomserver asked us to send an event on behalf of a server
		// name that we don't own. This is probably a bug.
		return fmt.Errorf(
			"sendevent: unexpected server to send as %q expected %q",
			origin, oqs.origin,
		)
	}

	// Deduplicate destinations and remove the origin server from the list.
	// There is no need to send an event back to itself.
	destmap := map[string]struct{}{}
	for _, d := range destinations {
		if d == oqs.origin {
			continue
		}
		destmap[d] = struct{}{}
	}
	if len(destmap) == 0 {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"destinations": len(destmap),
		"event_id":     event.EventID(),
	}).Infof("Sending event")

	for destination := range destmap {
		if queue := oqs.getQueue(destination); queue != nil {
			queue.sendEvent(event)
		}
	}
	return nil
}

// RetryServer attempts to resend events for the given server, for example
// after the server was last seen offline.
func (oqs *OutgoingQueues) RetryServer(srv string) {
	if oqs.disabled {
		return
	}
	serverStatistics := oqs.statistics.ForServer(srv)
	serverStatistics.RemoveBlacklist()
	serverStatistics.ClearBackoff()
	if queue := oqs.getQueue(srv); queue != nil {
		queue.wakeQueueIfEventsPending(true)
	}
}
