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

package service

import (
	"context"
	"path"
	"time"

	"github.com/frostbyte73/core"
	"go.uber.org/atomic"

	"github.com/livekit/egress-control/pkg/config"
	"github.com/livekit/egress-control/pkg/egress"
	"github.com/livekit/egress-control/pkg/errors"
	"github.com/livekit/egress-control/pkg/finalizer"
	"github.com/livekit/egress-control/pkg/orchestrator"
	"github.com/livekit/egress-control/pkg/registry"
	"github.com/livekit/egress-control/pkg/stats"
	"github.com/livekit/egress-control/pkg/token"
	"github.com/livekit/egress-control/pkg/types"
	"github.com/livekit/egress-control/pkg/uploader"
	"github.com/livekit/egress-control/pkg/util"
	"github.com/livekit/egress-control/pkg/webhook"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"
)

const (
	drainPollInterval = time.Second
	pingTimeout       = time.Second * 2
)

type StatusStore interface {
	finalizer.StatusStore
	SetRoomReference(ctx context.Context, roomName, roomReference string) error
	Ping(ctx context.Context) error
}

type StartRecordingRequest struct {
	RoomName      string            `json:"roomName"`
	RoomUrl       string            `json:"roomUrl,omitempty"`
	Layout        string            `json:"layout,omitempty"`
	AudioOnly     bool              `json:"audioOnly,omitempty"`
	VideoOnly     bool              `json:"videoOnly,omitempty"`
	CustomBaseUrl string            `json:"customBaseUrl,omitempty"`
	Preferences   map[string]any    `json:"preferences,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type StartRecordingResponse struct {
	RecordingID string `json:"recordingId"`
	Filepath    string `json:"filepath"`
}

type StopRecordingResponse struct {
	OK         bool             `json:"ok"`
	Outcome    string           `json:"outcome"`
	LinkStatus types.LinkStatus `json:"linkStatus,omitempty"`
}

type HealthStatus struct {
	OK                bool   `json:"ok"`
	EgressConfigured  bool   `json:"egressConfigured"`
	StoreConfigured   bool   `json:"storeConfigured"`
	StoreReachable    bool   `json:"storeReachable"`
	StorageConfigured bool   `json:"storageConfigured"`
	ActiveRecordings  int    `json:"activeRecordings"`
	ShuttingDown      bool   `json:"shuttingDown"`
	NodeID            string `json:"nodeId"`
}

// Service binds the egress client, registry, and finalization paths together.
// The egress client, status store, and storage may each be nil when not configured.
type Service struct {
	conf *config.ServiceConfig

	client       egress.Client
	registry     *registry.Registry
	store        StatusStore
	storage      uploader.Store
	finalizer    *finalizer.Finalizer
	orchestrator *orchestrator.Orchestrator
	ingestor     *webhook.Ingestor
	keyProvider  auth.KeyProvider
	monitor      *stats.Monitor

	activeRequests atomic.Int32
	shutdown       core.Fuse
}

func NewService(
	conf *config.ServiceConfig,
	reg *registry.Registry,
	client egress.Client,
	store StatusStore,
	storage uploader.Store,
	monitor *stats.Monitor,
) *Service {
	var finalizerStore finalizer.StatusStore
	if store != nil {
		finalizerStore = store
	}

	var signedURLExpiry time.Duration
	if conf.StorageConfig != nil {
		signedURLExpiry = conf.StorageConfig.SignedURLExpiry
	}

	f := finalizer.New(finalizer.Config{
		OutputDir:         conf.OutputDir,
		DeleteAfterUpload: conf.DeleteAfterUpload,
		SignedURLExpiry:   signedURLExpiry,
	}, reg, storage, finalizerStore, monitor)

	s := &Service{
		conf:        conf,
		client:      client,
		registry:    reg,
		store:       store,
		storage:     storage,
		finalizer:   f,
		ingestor:    webhook.NewIngestor(f, monitor),
		keyProvider: auth.NewSimpleKeyProvider(conf.WebhookApiKey, conf.WebhookSecret),
		monitor:     monitor,
	}
	if client != nil {
		s.orchestrator = orchestrator.New(conf.Stop, client, reg, f, monitor)
	}
	return s
}

func (s *Service) Start(ctx context.Context, req *StartRecordingRequest) (*StartRecordingResponse, error) {
	if s.shutdown.IsBroken() {
		return nil, errors.ErrShuttingDown
	}
	if s.client == nil {
		return nil, errors.ErrEgressNotConfigured
	}
	if req.RoomName == "" {
		return nil, errors.ErrInvalidInput("roomName")
	}

	s.activeRequests.Inc()
	defer s.activeRequests.Dec()

	filepath := s.outputPath(req.RoomName, time.Now())
	info, err := s.client.StartRoomComposite(ctx, &egress.StartRequest{
		RoomName:      req.RoomName,
		Filepath:      filepath,
		Layout:        req.Layout,
		AudioOnly:     req.AudioOnly,
		VideoOnly:     req.VideoOnly,
		CustomBaseUrl: req.CustomBaseUrl,
	})
	if err != nil {
		logger.Warnw("failed to start recording", err, "roomName", req.RoomName)
		return nil, err
	}

	s.registry.Put(&registry.EgressJob{
		EgressID:      info.EgressId,
		RoomName:      req.RoomName,
		RoomReference: req.RoomUrl,
		Filepath:      filepath,
		Preferences:   req.Preferences,
		Metadata:      req.Metadata,
		StartedAt:     time.Now(),
	})

	if req.RoomUrl != "" && s.store != nil {
		if err = s.store.SetRoomReference(ctx, req.RoomName, req.RoomUrl); err != nil {
			logger.Warnw("failed to index room reference", err, "roomName", req.RoomName)
		}
	}

	logger.Infow("recording started",
		"egressID", info.EgressId,
		"roomName", req.RoomName,
		"roomReference", req.RoomUrl,
		"filepath", filepath,
	)
	return &StartRecordingResponse{
		RecordingID: info.EgressId,
		Filepath:    filepath,
	}, nil
}

func (s *Service) Stop(ctx context.Context, recordingID string) (*StopRecordingResponse, error) {
	if s.orchestrator == nil {
		return nil, errors.ErrEgressNotConfigured
	}

	s.activeRequests.Inc()
	defer s.activeRequests.Dec()

	res, err := s.orchestrator.Stop(ctx, recordingID)
	if err != nil {
		return nil, err
	}

	resp := &StopRecordingResponse{
		OK:      true,
		Outcome: string(res.Outcome),
	}
	if res.Finalized != nil {
		resp.LinkStatus = res.Finalized.Record.LinkStatus
	}
	return resp, nil
}

// HandleWebhook only returns verification errors. Finalization failures are logged,
// since the sender redelivers on failure and the status record carries the outcome.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, authHeader string) (*livekit.WebhookEvent, error) {
	event, err := webhook.Verify(body, authHeader, s.keyProvider)
	if err != nil {
		s.monitor.IncWebhook("unknown", "rejected")
		logger.Infow("webhook rejected", "reason", err.Error())
		return nil, err
	}

	s.activeRequests.Inc()
	defer s.activeRequests.Dec()

	if _, err = s.ingestor.Handle(ctx, event); err != nil {
		logger.Errorw("webhook finalization failed", err,
			"event", event.GetEvent(),
			"egressID", event.GetEgressInfo().GetEgressId(),
		)
	}
	return event, nil
}

func (s *Service) Token(req *token.Request) (*token.Response, error) {
	jwt, err := token.Build(s.conf.ApiKey, s.conf.ApiSecret, req)
	if err != nil {
		return nil, err
	}
	return &token.Response{
		Token: jwt,
		Url:   s.conf.WsUrl,
	}, nil
}

func (s *Service) List() []registry.EgressJob {
	return s.registry.List()
}

func (s *Service) Health(ctx context.Context) *HealthStatus {
	h := &HealthStatus{
		EgressConfigured:  s.client != nil,
		StoreConfigured:   s.store != nil,
		StorageConfigured: s.storage != nil,
		ActiveRecordings:  s.registry.Len(),
		ShuttingDown:      s.shutdown.IsBroken(),
		NodeID:            s.conf.NodeID,
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			logger.Warnw("status store unreachable", err)
		} else {
			h.StoreReachable = true
		}
	}

	h.OK = h.EgressConfigured && h.StoreReachable && !h.ShuttingDown
	return h
}

func (s *Service) Monitor() *stats.Monitor {
	return s.monitor
}

func (s *Service) IsIdle() bool {
	return s.activeRequests.Load() == 0
}

// Shutdown stops new recordings from starting. Stops and webhooks are still served.
func (s *Service) Shutdown() {
	s.shutdown.Once(func() {
		logger.Infow("shutting down", "activeRecordings", s.registry.Len())
	})
}

func (s *Service) Drain() {
	for !s.IsIdle() {
		time.Sleep(drainPollInterval)
	}
}

func (s *Service) outputPath(roomName string, now time.Time) string {
	return path.Join(s.conf.OutputDir, util.RecordingFilename(roomName, now, s.conf.FileExtension))
}
