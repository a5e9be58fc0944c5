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
	"time"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"
	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/livekit/egress-control/pkg/config"
	"github.com/livekit/egress-control/pkg/errors"
	"github.com/livekit/egress-control/pkg/types"
)

type StartRequest struct {
	RoomName      string
	Filepath      string
	Layout        string
	AudioOnly     bool
	VideoOnly     bool
	CustomBaseUrl string
}

// Client is a thin adapter over the media server's egress api.
// It never retries; every error it returns is classified.
type Client interface {
	StartRoomComposite(ctx context.Context, req *StartRequest) (*livekit.EgressInfo, error)
	Stop(ctx context.Context, egressID string) (*types.TerminalResult, error)
	// List returns the active egresses, optionally filtered by room.
	List(ctx context.Context, roomName string) ([]*livekit.EgressInfo, error)
}

// egressService is the subset of lksdk.EgressClient used here.
type egressService interface {
	StartRoomCompositeEgress(ctx context.Context, req *livekit.RoomCompositeEgressRequest) (*livekit.EgressInfo, error)
	StopEgress(ctx context.Context, req *livekit.StopEgressRequest) (*livekit.EgressInfo, error)
	ListEgress(ctx context.Context, req *livekit.ListEgressRequest) (*livekit.ListEgressResponse, error)
}

type client struct {
	svc     egressService
	timeout time.Duration
}

func NewClient(conf *config.ServiceConfig) (Client, error) {
	if !conf.EgressConfigured() {
		return nil, errors.ErrEgressNotConfigured
	}

	return &client{
		svc:     lksdk.NewEgressClient(conf.WsUrl, conf.ApiKey, conf.ApiSecret),
		timeout: conf.Stop.RequestTimeout,
	}, nil
}

func (c *client) StartRoomComposite(ctx context.Context, req *StartRequest) (*livekit.EgressInfo, error) {
	if req.RoomName == "" {
		return nil, errors.ErrInvalidInput("roomName")
	}
	if req.Filepath == "" {
		return nil, errors.ErrInvalidInput("filepath")
	}

	fileType := livekit.EncodedFileType_MP4
	if types.GetOutputType(req.Filepath) == types.OutputTypeOGG {
		fileType = livekit.EncodedFileType_OGG
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	info, err := c.svc.StartRoomCompositeEgress(ctx, &livekit.RoomCompositeEgressRequest{
		RoomName:      req.RoomName,
		Layout:        req.Layout,
		AudioOnly:     req.AudioOnly,
		VideoOnly:     req.VideoOnly,
		CustomBaseUrl: req.CustomBaseUrl,
		FileOutputs: []*livekit.EncodedFileOutput{{
			FileType: fileType,
			Filepath: req.Filepath,
		}},
	})
	if err != nil {
		return nil, classify(err)
	}

	logger.Debugw("egress started", "egressID", info.EgressId, "roomName", req.RoomName)
	return info, nil
}

func (c *client) Stop(ctx context.Context, egressID string) (*types.TerminalResult, error) {
	if egressID == "" {
		return nil, errors.ErrInvalidInput("recordingId")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	info, err := c.svc.StopEgress(ctx, &livekit.StopEgressRequest{EgressId: egressID})
	if err != nil {
		return nil, classify(err)
	}
	return NormalizeResult(info), nil
}

func (c *client) List(ctx context.Context, roomName string) ([]*livekit.EgressInfo, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.svc.ListEgress(ctx, &livekit.ListEgressRequest{
		RoomName: roomName,
		Active:   true,
	})
	if err != nil {
		return nil, classify(err)
	}
	return res.Items, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
