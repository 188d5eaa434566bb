// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	fedapi "github.com/element-hq/construct/federationapi/api"
	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/api"
	"github.com/element-hq/construct/roomserver/types"
)

// Transaction size limits imposed by the federation: at most 50 PDUs and
// 100 EDUs per transaction.
const (
	MaxPDUsPerTransaction = 50
	MaxEDUsPerTransaction = 100
)

// ValidateTransactionLimits checks that a transaction does not exceed the
// federation size limits.
func ValidateTransactionLimits(pduCount, eduCount int) error {
	if pduCount > MaxPDUsPerTransaction {
		return fmt.Errorf("transaction PDU count %d exceeds limit of %d", pduCount, MaxPDUsPerTransaction)
	}
	if eduCount > MaxEDUsPerTransaction {
		return fmt.Errorf("transaction EDU count %d exceeds limit of %d", eduCount, MaxEDUsPerTransaction)
	}
	return nil
}

// GenerateTransactionKey builds the deduplication key for a transaction.
// The null byte separator cannot appear in a server name or transaction ID,
// so distinct origin and ID pairs always map to distinct keys.
func GenerateTransactionKey(origin string, txnID string) string {
	return origin + "\000" + txnID
}

// TxnReq is an inbound federation transaction mid-processing.
type TxnReq struct {
	matrix.Transaction

	rsAPI   api.RoomserverFederationAPI
	fedAPI  fedapi.FederationInternalAPI
	keyRing matrix.JSONVerifier
}

// NewTxnReq wraps a received transaction ready for processing.
func NewTxnReq(
	rsAPI api.RoomserverFederationAPI,
	fedAPI fedapi.FederationInternalAPI,
	keyRing matrix.JSONVerifier,
	origin string,
	transactionID string,
	destination string,
	pdus []json.RawMessage,
) TxnReq {
	return TxnReq{
		Transaction: matrix.Transaction{
			Origin:        origin,
			TransactionID: transactionID,
			Destination:   destination,
			PDUs:          pdus,
		},
		rsAPI:   rsAPI,
		fedAPI:  fedAPI,
		keyRing: keyRing,
	}
}

// ProcessTransaction hands each PDU in the transaction to the roomserver and
// reports the per-event outcome. A failure to process one event does not
// fail the transaction; the sender gets the error in the response body and
// moves on.
func (t *TxnReq) ProcessTransaction(ctx context.Context) (*fedapi.RespSend, error) {
	if err := ValidateTransactionLimits(len(t.PDUs), 0); err != nil {
		return nil, err
	}

	// The origin demonstrably can reach us, so reset its backoff.
	if t.fedAPI != nil {
		t.fedAPI.MarkServersAlive([]string{t.Origin})
	}

	results := make(map[string]fedapi.PDUResult, len(t.PDUs))
	for _, pdu := range t.PDUs {
		event, err := api.ParseIncomingPDU(ctx, t.rsAPI, pdu)
		if err != nil {
			logrus.WithError(err).WithField("origin", t.Origin).Warn("Transaction: unable to parse incoming event")
			// Without a room version there is no event ID to report the
			// failure against.
			continue
		}
		if err = t.processEvent(ctx, event); err != nil {
			results[event.EventID()] = fedapi.PDUResult{Error: err.Error()}
			continue
		}
		results[event.EventID()] = fedapi.PDUResult{}
	}
	return &fedapi.RespSend{PDUs: results}, nil
}

func (t *TxnReq) processEvent(ctx context.Context, event matrix.PDU) error {
	verImpl, err := matrix.GetRoomVersion(event.Version())
	if err != nil {
		return err
	}
	if t.keyRing != nil {
		serverName := matrix.ServerNameFromID(event.Sender())
		if err = matrix.VerifyEventSignature(ctx, t.keyRing, serverName, event.JSON(), verImpl); err != nil {
			return fmt.Errorf("event signature check failed: %w", err)
		}
	}
	return api.SendEvents(
		ctx, t.rsAPI, api.KindNew,
		[]*types.HeaderedEvent{{PDU: event}},
		t.Destination, t.Origin, api.DoNotSendToOtherServers, nil, true,
	)
}
