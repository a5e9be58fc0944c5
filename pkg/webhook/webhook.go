// Copyright 2025 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package webhook

import (
	"bytes"
	"context"
	"net/http"

	"google.golang.org/protobuf/encoding/protojson"

	"github.com/livekit/egress-control/pkg/egress"
	"github.com/livekit/egress-control/pkg/errors"
	"github.com/livekit/egress-control/pkg/finalizer"
	"github.com/livekit/egress-control/pkg/stats"
	"github.com/livekit/egress-control/pkg/types"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"
	lkwebhook "github.com/livekit/protocol/webhook"
	"github.com/livekit/psrpc"
)

const (
	resultIgnored   = "ignored"
	resultFinalized = "finalized"
	resultError     = "error"
)

// Verify authenticates a raw webhook body against its Authorization header and decodes it.
// Nothing is done with the event before it is verified.
func Verify(body []byte, authHeader string, provider auth.KeyProvider) (*livekit.WebhookEvent, error) {
	if authHeader == "" {
		return nil, errors.ErrNoAuthHeader
	}

	r, err := http.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	r.Header.Set("Authorization", authHeader)

	data, err := lkwebhook.Receive(r, provider)
	if err != nil {
		return nil, errors.ErrInvalidSignature(err)
	}

	event := &livekit.WebhookEvent{}
	if err = (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(data, event); err != nil {
		return nil, psrpc.NewError(psrpc.InvalidArgument, err)
	}
	return event, nil
}

type Finalizer interface {
	Finalize(ctx context.Context, egressID string, result *types.TerminalResult) (*finalizer.FinalizeResult, error)
}

// Ingestor routes verified egress events to the finalizer.
type Ingestor struct {
	finalizer Finalizer
	monitor   *stats.Monitor
}

func NewIngestor(f Finalizer, monitor *stats.Monitor) *Ingestor {
	return &Ingestor{
		finalizer: f,
		monitor:   monitor,
	}
}

// Handle returns false for events that do not end an egress.
func (i *Ingestor) Handle(ctx context.Context, event *livekit.WebhookEvent) (bool, error) {
	info := event.GetEgressInfo()
	if !IsTerminal(event) {
		i.monitor.IncWebhook(event.GetEvent(), resultIgnored)
		logger.Debugw("webhook ignored", "event", event.GetEvent(), "eventID", event.GetId())
		return false, nil
	}

	result := egress.NormalizeResult(info)
	logger.Infow("egress ended",
		"egressID", info.EgressId,
		"roomName", info.RoomName,
		"status", info.Status,
		"eventID", event.GetId(),
	)

	if _, err := i.finalizer.Finalize(ctx, info.EgressId, result); err != nil {
		i.monitor.IncWebhook(event.GetEvent(), resultError)
		return true, err
	}

	i.monitor.IncWebhook(event.GetEvent(), resultFinalized)
	return true, nil
}

// IsTerminal reports whether the event carries an egress that has stopped for good.
func IsTerminal(event *livekit.WebhookEvent) bool {
	info := event.GetEgressInfo()
	if info == nil || info.EgressId == "" {
		return false
	}
	return event.GetEvent() == lkwebhook.EventEgressEnded || types.IsTerminal(info.Status)
}
