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

package uploader

import (
	"context"
	"path"
	"time"

	"github.com/livekit/egress-control/pkg/config"
	"github.com/livekit/egress-control/pkg/stats"
	"github.com/livekit/egress-control/pkg/types"
)

const (
	maxRetries = 5
	minDelay   = time.Millisecond * 100
	maxDelay   = time.Second * 5
)

// Store is durable object storage for finished recordings.
type Store interface {
	// Upload copies a local file to storageFilepath and returns its location and size.
	Upload(ctx context.Context, localFilepath, storageFilepath string, outputType types.OutputType) (string, int64, error)
	// MakePublic grants anonymous read access and returns the permanent url.
	MakePublic(ctx context.Context, storageFilepath string) (string, error)
	// SignedURL returns a url granting read access until expiry.
	SignedURL(ctx context.Context, storageFilepath string, expiry time.Duration) (string, error)
}

type backend interface {
	upload(ctx context.Context, localFilepath, storageFilepath string, outputType types.OutputType) (string, int64, error)
	makePublic(ctx context.Context, storageFilepath string) (string, error)
	signedURL(ctx context.Context, storageFilepath string, expiry time.Duration) (string, error)
}

type Uploader struct {
	backend backend
	name    string
	prefix  string
	monitor *stats.Monitor
}

// New returns nil when no storage is configured.
func New(conf *config.StorageConfig, monitor *stats.Monitor) (*Uploader, error) {
	if !conf.IsConfigured() {
		return nil, nil
	}

	var (
		b    backend
		name string
		err  error
	)
	switch {
	case conf.S3 != nil:
		b, err = newS3Uploader(conf.S3)
		name = "s3"
	case conf.GCP != nil:
		b, err = newGCPUploader(conf.GCP)
		name = "gcp"
	case conf.Azure != nil:
		b, err = newAzureUploader(conf.Azure)
		name = "azure"
	default:
		b, err = newLocalUploader(conf.Local)
		name = "local"
	}
	if err != nil {
		return nil, err
	}

	return &Uploader{
		backend: b,
		name:    name,
		prefix:  conf.Prefix,
		monitor: monitor,
	}, nil
}

func (u *Uploader) Name() string {
	return u.name
}

func (u *Uploader) Upload(ctx context.Context, localFilepath, storageFilepath string, outputType types.OutputType) (string, int64, error) {
	start := time.Now()
	location, size, err := u.backend.upload(ctx, localFilepath, u.key(storageFilepath), outputType)
	elapsed := float64(time.Since(start).Milliseconds())
	if err != nil {
		u.monitor.IncUploadCountFailure(u.name, elapsed)
		return "", 0, err
	}

	u.monitor.IncUploadCountSuccess(u.name, elapsed)
	return location, size, nil
}

func (u *Uploader) MakePublic(ctx context.Context, storageFilepath string) (string, error) {
	return u.backend.makePublic(ctx, u.key(storageFilepath))
}

func (u *Uploader) SignedURL(ctx context.Context, storageFilepath string, expiry time.Duration) (string, error) {
	return u.backend.signedURL(ctx, u.key(storageFilepath), expiry)
}

func (u *Uploader) key(storageFilepath string) string {
	return path.Join(u.prefix, storageFilepath)
}
