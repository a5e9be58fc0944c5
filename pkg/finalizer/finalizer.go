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

package finalizer

import (
	"context"
	"os"
	"path"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/livekit/egress-control/pkg/errors"
	"github.com/livekit/egress-control/pkg/registry"
	"github.com/livekit/egress-control/pkg/stats"
	"github.com/livekit/egress-control/pkg/statusstore"
	"github.com/livekit/egress-control/pkg/types"
	"github.com/livekit/egress-control/pkg/uploader"
	"github.com/livekit/egress-control/pkg/util"
	"github.com/livekit/protocol/logger"
)

const (
	recentTTL      = time.Hour
	recentCapacity = 1024
)

type StatusStore interface {
	Path(roomReference, egressID string) string
	Update(ctx context.Context, path string, fields map[string]interface{}) error
	LookupRoomReference(ctx context.Context, roomName string) (string, error)
	FindRoomReference(ctx context.Context, egressID string) (string, error)
}

type Config struct {
	OutputDir         string
	DeleteAfterUpload bool
	SignedURLExpiry   time.Duration
}

type Record struct {
	Status            types.RecordingStatus
	LinkStatus        types.LinkStatus
	DownloadUrl       string
	LinkError         string
	EgressError       string
	UploadCompletedAt int64
}

type FinalizeResult struct {
	EgressID      string
	RoomReference string
	Record        Record
	Written       bool
}

// Finalizer moves a terminal egress into storage and records its status.
// Calls for the same egress may overlap or repeat.
type Finalizer struct {
	conf     Config
	registry *registry.Registry
	storage  uploader.Store
	store    StatusStore
	monitor  *stats.Monitor

	inflight singleflight.Group
	recent   *ttlcache.Cache[string, *FinalizeResult]
	now      func() time.Time
}

// New accepts a nil storage or status store when either is not configured.
func New(conf Config, reg *registry.Registry, storage uploader.Store, store StatusStore, monitor *stats.Monitor) *Finalizer {
	return &Finalizer{
		conf:     conf,
		registry: reg,
		storage:  storage,
		store:    store,
		monitor:  monitor,
		recent: ttlcache.New[string, *FinalizeResult](
			ttlcache.WithTTL[string, *FinalizeResult](recentTTL),
			ttlcache.WithCapacity[string, *FinalizeResult](recentCapacity),
		),
		now: time.Now,
	}
}

func (f *Finalizer) Finalize(ctx context.Context, egressID string, result *types.TerminalResult) (*FinalizeResult, error) {
	if result == nil {
		result = &types.TerminalResult{EgressID: egressID}
	} else if result.EgressID == "" {
		r := *result
		r.EgressID = egressID
		result = &r
	}

	// joined callers share this flight, so it must not end with the first caller's request
	flightCtx := context.WithoutCancel(ctx)
	v, err, shared := f.inflight.Do(egressID, func() (interface{}, error) {
		return f.finalize(flightCtx, egressID, result)
	})
	if shared {
		logger.Debugw("joined in-flight finalization", "egressID", egressID)
	}
	if err != nil {
		return nil, err
	}
	return v.(*FinalizeResult), nil
}

func (f *Finalizer) finalize(ctx context.Context, egressID string, result *types.TerminalResult) (*FinalizeResult, error) {
	job, tracked := f.registry.Get(egressID)

	roomName := result.RoomName
	if roomName == "" {
		roomName = job.RoomName
	}
	l := logger.GetLogger().WithValues("egressID", egressID, "roomName", roomName)

	if item := f.recent.Get(egressID); item != nil {
		res := *item.Value()
		if res.RoomReference == "" {
			res.RoomReference = f.resolveRoomReference(ctx, l, egressID, roomName, job.RoomReference)
		}
		l.Debugw("rewriting finalized record")
		return f.complete(ctx, &res, tracked)
	}

	res := &FinalizeResult{
		EgressID:      egressID,
		RoomReference: f.resolveRoomReference(ctx, l, egressID, roomName, job.RoomReference),
	}

	var uploadErr error
	localFilepath, degraded := f.resolveFile(result, job, roomName)
	if degraded {
		l.Infow("file located by degraded fallback", "filepath", localFilepath)
	}

	switch {
	case localFilepath == "" && result.Failed():
		res.Record.LinkStatus = types.LinkStatusFailed
		res.Record.LinkError = types.LinkErrorEgressFailed

	case localFilepath == "":
		res.Record.LinkStatus = types.LinkStatusMissing
		res.Record.LinkError = types.LinkErrorFileMissing

	case f.storage == nil:
		res.Record.LinkStatus = types.LinkStatusFailed
		res.Record.LinkError = types.LinkErrorStorageUnconfigured

	default:
		destination := destinationName(roomName, egressID, localFilepath)
		if _, _, err := f.storage.Upload(ctx, localFilepath, destination, types.GetOutputType(localFilepath)); err != nil {
			l.Errorw("upload failed", err, "filepath", localFilepath)
			uploadErr = err
			res.Record.LinkStatus = types.LinkStatusFailed
			res.Record.LinkError = types.LinkErrorUploadFailed
			break
		}

		res.Record.DownloadUrl, res.Record.LinkError = f.link(ctx, l, destination)
		if res.Record.DownloadUrl != "" {
			res.Record.LinkStatus = types.LinkStatusReady
		} else {
			res.Record.LinkStatus = types.LinkStatusFailed
		}

		if f.conf.DeleteAfterUpload {
			if err := os.Remove(localFilepath); err != nil {
				l.Warnw("failed to delete local file", err, "filepath", localFilepath)
			}
		}
	}

	switch {
	case res.Record.LinkStatus == types.LinkStatusReady:
		res.Record.Status = types.RecordingStatusUploaded
	case result.Failed():
		res.Record.Status = types.RecordingStatusFailed
	default:
		res.Record.Status = types.RecordingStatusComplete
	}
	if result.Failed() {
		res.Record.EgressError = result.Error
	}
	res.Record.UploadCompletedAt = f.now().UnixMilli()

	if res.Record.LinkStatus == types.LinkStatusReady {
		// a later call rewrites this record instead of uploading again
		f.recent.Set(egressID, res, ttlcache.DefaultTTL)
	}

	if _, err := f.complete(ctx, res, tracked); err != nil {
		return nil, err
	}
	if uploadErr != nil {
		// recorded as upload_failed; the caller still sees the failure
		return nil, uploadErr
	}
	return res, nil
}

// link prefers a permanent public url and falls back to a signed one.
func (f *Finalizer) link(ctx context.Context, l logger.Logger, destination string) (string, string) {
	publicUrl, err := f.storage.MakePublic(ctx, destination)
	if err == nil {
		return publicUrl, ""
	}
	l.Infow("public access rejected, using signed url", "reason", err.Error())

	signedUrl, err := f.storage.SignedURL(ctx, destination, f.conf.SignedURLExpiry)
	if err != nil {
		l.Warnw("failed to create signed url", err, "destination", destination)
		return "", types.LinkErrorLinkUnavailable
	}
	return signedUrl, ""
}

// complete writes the record and releases the job.
func (f *Finalizer) complete(ctx context.Context, res *FinalizeResult, tracked bool) (*FinalizeResult, error) {
	l := logger.GetLogger().WithValues("egressID", res.EgressID, "roomReference", res.RoomReference)

	switch {
	case f.store == nil:
		l.Warnw("status not written", errors.ErrStoreNotConfigured)
	case res.RoomReference == "":
		l.Warnw("status not written", errors.ErrMissingRoomReference,
			"linkStatus", res.Record.LinkStatus,
			"downloadUrl", util.RedactURL(res.Record.DownloadUrl),
		)
	default:
		path := f.store.Path(res.RoomReference, res.EgressID)
		if err := f.store.Update(ctx, path, res.Record.fields(res.EgressID, res.RoomReference)); err != nil {
			l.Errorw("failed to write status", err, "path", path)
			return nil, err
		}
		res.Written = true
	}

	f.registry.Remove(res.EgressID)
	f.monitor.IncFinalization(string(res.Record.LinkStatus))

	l.Infow("recording finalized",
		"status", res.Record.Status,
		"linkStatus", res.Record.LinkStatus,
		"linkError", res.Record.LinkError,
		"downloadUrl", util.RedactURL(res.Record.DownloadUrl),
		"written", res.Written,
		"tracked", tracked,
	)
	return res, nil
}

func (f *Finalizer) resolveRoomReference(ctx context.Context, l logger.Logger, egressID, roomName, cached string) string {
	if cached != "" {
		return cached
	}
	if f.store == nil {
		return ""
	}

	if roomName != "" {
		ref, err := f.store.LookupRoomReference(ctx, roomName)
		if err != nil {
			l.Warnw("room index lookup failed", err)
		} else if ref != "" {
			return ref
		}
	}

	ref, err := f.store.FindRoomReference(ctx, egressID)
	if err != nil {
		l.Warnw("status namespace scan failed", err)
	}
	return ref
}

func (r *Record) fields(egressID, roomReference string) map[string]interface{} {
	return map[string]interface{}{
		"egressId":                      egressID,
		"status":                        string(r.Status),
		"linkStatus":                    string(r.LinkStatus),
		"downloadUrl":                   r.DownloadUrl,
		"linkError":                     r.LinkError,
		"egressError":                   r.EgressError,
		"uploadCompletedAt":             r.UploadCompletedAt,
		statusstore.FieldRoomReference: roomReference,
	}
}

func destinationName(roomName, egressID, localFilepath string) string {
	segment := "unknown"
	if roomName != "" {
		segment = statusstore.RoomKey(roomName)
	}
	return path.Join(segment, egressID, path.Base(localFilepath))
}
