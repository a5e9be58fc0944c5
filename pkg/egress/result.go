// Copyright 2023 LiveKit, Inc.
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

package egress

import (
	"context"
	"net"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/psrpc"
	"github.com/twitchtv/twirp"

	"github.com/livekit/egress-control/pkg/errors"
	"github.com/livekit/egress-control/pkg/types"
)

// NormalizeResult collapses the different result layouts an EgressInfo can
// carry into a TerminalResult. FileResults wins over the legacy File field.
func NormalizeResult(info *livekit.EgressInfo) *types.TerminalResult {
	res := &types.TerminalResult{
		EgressID: info.EgressId,
		RoomName: info.RoomName,
		Status:   info.Status,
		Error:    info.Error,
		Detailed: true,
	}

	var file *livekit.FileInfo
	if results := info.GetFileResults(); len(results) > 0 {
		file = results[0]
	} else if f := info.GetFile(); f != nil {
		file = f
	}

	if file != nil {
		res.Filename = file.Filename
		res.Location = file.Location
		res.Size = file.Size
	}
	return res
}

// Synthesized is used when a job is known to be over but no result payload
// is available. The job is assumed to have completed.
func Synthesized(egressID string) *types.TerminalResult {
	return &types.TerminalResult{
		EgressID: egressID,
		Status:   livekit.EgressStatus_EGRESS_COMPLETE,
	}
}

func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return psrpc.NewError(psrpc.DeadlineExceeded, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return psrpc.NewError(psrpc.DeadlineExceeded, err)
		}
		return psrpc.NewError(psrpc.Unavailable, err)
	}

	var twErr twirp.Error
	if errors.As(err, &twErr) {
		return psrpc.NewError(psrpc.ErrorCode(twErr.Code()), err)
	}

	return psrpc.NewError(psrpc.Unknown, err)
}
