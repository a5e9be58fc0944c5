// Copyright 2024 LiveKit, Inc.
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
	"io"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/livekit/egress-control/pkg/config"
	"github.com/livekit/egress-control/pkg/errors"
	"github.com/livekit/egress-control/pkg/types"
)

type localUploader struct {
	dir           string
	publicBaseUrl string
}

func newLocalUploader(conf *config.LocalConfig) (*localUploader, error) {
	if conf.Directory == "" {
		return nil, errors.ErrInvalidInput("storage.local.directory")
	}
	return &localUploader{
		dir:           conf.Directory,
		publicBaseUrl: conf.PublicBaseUrl,
	}, nil
}

func (u *localUploader) upload(_ context.Context, localFilepath, storageFilepath string, _ types.OutputType) (string, int64, error) {
	storageFilepath = path.Join(u.dir, storageFilepath)

	stat, err := os.Stat(localFilepath)
	if err != nil {
		return "", 0, errors.ErrUploadFailed("local", err)
	}

	dir, _ := path.Split(storageFilepath)
	if err = os.MkdirAll(dir, 0755); err != nil {
		return "", 0, errors.ErrUploadFailed("local", err)
	}

	tmp, err := os.Open(localFilepath)
	if err != nil {
		return "", 0, errors.ErrUploadFailed("local", err)
	}

	f, err := os.Create(storageFilepath)
	if err != nil {
		_ = tmp.Close()
		return "", 0, errors.ErrUploadFailed("local", err)
	}

	_, err = io.Copy(f, tmp)
	_ = f.Close()
	_ = tmp.Close()
	if err != nil {
		return "", 0, errors.ErrUploadFailed("local", err)
	}

	return storageFilepath, stat.Size(), nil
}

func (u *localUploader) makePublic(_ context.Context, storageFilepath string) (string, error) {
	if u.publicBaseUrl == "" {
		return "", errors.ErrPublicAccessUnsupported
	}
	return url.JoinPath(u.publicBaseUrl, storageFilepath)
}

func (u *localUploader) signedURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errors.ErrSignedURLUnsupported
}
