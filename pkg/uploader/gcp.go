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
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/googleapis/gax-go/v2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"github.com/livekit/egress-control/pkg/config"
	"github.com/livekit/egress-control/pkg/errors"
	"github.com/livekit/egress-control/pkg/types"
)

const storageScope = "https://www.googleapis.com/auth/devstorage.full_control"

type GCPUploader struct {
	conf   *config.GCPConfig
	client *storage.Client
}

func newGCPUploader(conf *config.GCPConfig) (backend, error) {
	u := &GCPUploader{
		conf: conf,
	}

	var opts []option.ClientOption
	if conf.CredentialsJSON != "" {
		// reject malformed keys before dialing
		if _, err := google.JWTConfigFromJSON([]byte(conf.CredentialsJSON), storageScope); err != nil {
			return nil, err
		}
		// the client signs urls with the key from these credentials
		opts = append(opts,
			option.WithCredentialsJSON([]byte(conf.CredentialsJSON)),
			option.WithScopes(storageScope),
		)
	}

	defaultTransport := http.DefaultTransport.(*http.Transport)
	transportClone := defaultTransport.Clone()

	if conf.ProxyConfig != nil {
		proxyUrl, err := url.Parse(conf.ProxyConfig.Url)
		if err != nil {
			return nil, err
		}
		defaultTransport.Proxy = http.ProxyURL(proxyUrl)
		if conf.ProxyConfig.Username != "" && conf.ProxyConfig.Password != "" {
			auth := fmt.Sprintf("%s:%s", conf.ProxyConfig.Username, conf.ProxyConfig.Password)
			basicAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte(auth))
			defaultTransport.ProxyConnectHeader = http.Header{}
			defaultTransport.ProxyConnectHeader.Add("Proxy-Authorization", basicAuth)
		}
	}
	c, err := storage.NewClient(context.Background(), opts...)

	// restore default transport
	http.DefaultTransport = transportClone
	if err != nil {
		return nil, err
	}

	u.client = c
	return u, nil
}

func (u *GCPUploader) upload(ctx context.Context, localFilepath, storageFilepath string, outputType types.OutputType) (string, int64, error) {
	file, err := os.Open(localFilepath)
	if err != nil {
		return "", 0, errors.ErrUploadFailed("GCP", err)
	}
	defer func() {
		_ = file.Close()
	}()

	stat, err := file.Stat()
	if err != nil {
		return "", 0, errors.ErrUploadFailed("GCP", err)
	}

	wc := u.object(storageFilepath).Retryer(
		storage.WithBackoff(gax.Backoff{
			Initial:    minDelay,
			Max:        maxDelay,
			Multiplier: 2,
		}),
		storage.WithMaxAttempts(maxRetries),
		storage.WithPolicy(storage.RetryAlways),
	).NewWriter(ctx)
	wc.ChunkRetryDeadline = 0
	if outputType != types.OutputTypeUnknownFile {
		wc.ContentType = string(outputType)
	}

	if _, err = io.Copy(wc, file); err != nil {
		_ = wc.Close()
		return "", 0, errors.ErrUploadFailed("GCP", err)
	}

	if err = wc.Close(); err != nil {
		return "", 0, errors.ErrUploadFailed("GCP", err)
	}

	return fmt.Sprintf("https://%s.storage.googleapis.com/%s", u.conf.Bucket, storageFilepath), stat.Size(), nil
}

// makePublic fails on buckets with uniform bucket-level access or public access prevention.
func (u *GCPUploader) makePublic(ctx context.Context, storageFilepath string) (string, error) {
	if err := u.object(storageFilepath).ACL().Set(ctx, storage.AllUsers, storage.RoleReader); err != nil {
		return "", err
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", u.conf.Bucket, storageFilepath), nil
}

func (u *GCPUploader) signedURL(_ context.Context, storageFilepath string, expiry time.Duration) (string, error) {
	if expiry > maxPresignExpiry {
		expiry = maxPresignExpiry
	}

	return u.client.Bucket(u.conf.Bucket).SignedURL(storageFilepath, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(expiry),
	})
}

func (u *GCPUploader) object(storageFilepath string) *storage.ObjectHandle {
	return u.client.Bucket(u.conf.Bucket).Object(storageFilepath)
}
