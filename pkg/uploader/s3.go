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
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/livekit/egress-control/pkg/config"
	"github.com/livekit/egress-control/pkg/errors"
	"github.com/livekit/egress-control/pkg/logging"
	"github.com/livekit/egress-control/pkg/types"
	"github.com/livekit/psrpc"
)

const (
	defaultBucketLocation = "us-east-1"

	// presigned urls cannot outlive sigv4's limit
	maxPresignExpiry = time.Hour * 24 * 7
)

type S3Uploader struct {
	conf    *config.S3Config
	awsConf *aws.Config
}

func newS3Uploader(conf *config.S3Config) (backend, error) {
	if conf.MaxRetries == 0 {
		conf.MaxRetries = maxRetries
	}
	if conf.MaxRetryDelay == 0 {
		conf.MaxRetryDelay = maxDelay
	}
	if conf.MinRetryDelay == 0 {
		conf.MinRetryDelay = minDelay
	}

	opts := func(o *awsConfig.LoadOptions) error {
		if conf.Region != "" {
			o.Region = conf.Region
		} else {
			o.Region = defaultBucketLocation
		}

		if conf.AccessKey != "" && conf.Secret != "" {
			o.Credentials = credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID:     conf.AccessKey,
					SecretAccessKey: conf.Secret,
					SessionToken:    conf.SessionToken,
				},
			}
		}

		o.Retryer = func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = conf.MaxRetries
				o.MaxBackoff = conf.MaxRetryDelay
				o.Retryables = append(o.Retryables, &s3Retryer{})
			})
		}

		if conf.ProxyConfig != nil {
			proxyUrl, err := url.Parse(conf.ProxyConfig.Url)
			if err != nil {
				return err
			}
			s3Transport := http.DefaultTransport.(*http.Transport).Clone()
			s3Transport.Proxy = http.ProxyURL(proxyUrl)
			if conf.ProxyConfig.Username != "" && conf.ProxyConfig.Password != "" {
				auth := fmt.Sprintf("%s:%s", conf.ProxyConfig.Username, conf.ProxyConfig.Password)
				basicAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte(auth))
				s3Transport.ProxyConnectHeader = http.Header{}
				s3Transport.ProxyConnectHeader.Add("Proxy-Authorization", basicAuth)
			}
			o.HTTPClient = &http.Client{Transport: s3Transport}
		}

		return nil
	}

	awsConf, err := awsConfig.LoadDefaultConfig(context.Background(), opts)
	if err != nil {
		return nil, err
	}

	if conf.Region == "" {
		if err = updateRegion(&awsConf, conf.Bucket); err != nil {
			return nil, err
		}
	}
	if conf.Endpoint != "" {
		awsConf.BaseEndpoint = &conf.Endpoint
	}

	return &S3Uploader{
		conf:    conf,
		awsConf: &awsConf,
	}, nil
}

func updateRegion(awsConf *aws.Config, bucket string) error {
	req := &s3.GetBucketLocationInput{
		Bucket: &bucket,
	}

	resp, err := s3.NewFromConfig(*awsConf).GetBucketLocation(context.Background(), req)
	if err != nil {
		return psrpc.NewErrorf(psrpc.InvalidArgument, "failed to retrieve upload bucket region: %v", err)
	}

	if resp.LocationConstraint != "" {
		awsConf.Region = string(resp.LocationConstraint)
	}

	return nil
}

func (u *S3Uploader) client(l *logging.SDKLogger) *s3.Client {
	return s3.NewFromConfig(*u.awsConf, func(o *s3.Options) {
		if l != nil {
			o.Logger = l
		}
		o.UsePathStyle = u.conf.ForcePathStyle
	})
}

func (u *S3Uploader) upload(ctx context.Context, localFilepath, storageFilepath string, outputType types.OutputType) (string, int64, error) {
	file, err := os.Open(localFilepath)
	if err != nil {
		return "", 0, errors.ErrUploadFailed("S3", err)
	}
	defer func() {
		_ = file.Close()
	}()

	stat, err := file.Stat()
	if err != nil {
		return "", 0, errors.ErrUploadFailed("S3", err)
	}

	l := logging.NewSDKLogger("s3 upload", storageFilepath)
	input := &s3.PutObjectInput{
		Body:        file,
		Bucket:      &u.conf.Bucket,
		ContentType: aws.String(string(outputType)),
		Key:         aws.String(storageFilepath),
		Metadata:    u.conf.Metadata,
	}
	if u.conf.Tagging != "" {
		input.Tagging = &u.conf.Tagging
	}
	if u.conf.ContentDisposition != "" {
		input.ContentDisposition = &u.conf.ContentDisposition
	} else {
		contentDisposition := "inline"
		input.ContentDisposition = &contentDisposition
	}

	if _, err = manager.NewUploader(u.client(l)).Upload(ctx, input); err != nil {
		l.Flush(err)
		return "", 0, errors.ErrUploadFailed("S3", err)
	}

	return u.objectUrl(storageFilepath), stat.Size(), nil
}

func (u *S3Uploader) makePublic(ctx context.Context, storageFilepath string) (string, error) {
	l := logging.NewSDKLogger("s3 acl", storageFilepath)
	_, err := u.client(l).PutObjectAcl(ctx, &s3.PutObjectAclInput{
		Bucket: &u.conf.Bucket,
		Key:    aws.String(storageFilepath),
		ACL:    s3types.ObjectCannedACLPublicRead,
	}, func(o *s3.Options) {
		o.Retryer = aws.NopRetryer{}
	})
	if err != nil {
		// buckets with object ownership enforced reject acls outright
		l.Flush(err)
		return "", err
	}
	return u.objectUrl(storageFilepath), nil
}

func (u *S3Uploader) signedURL(ctx context.Context, storageFilepath string, expiry time.Duration) (string, error) {
	if expiry > maxPresignExpiry {
		expiry = maxPresignExpiry
	}

	req, err := s3.NewPresignClient(u.client(nil)).PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &u.conf.Bucket,
		Key:    aws.String(storageFilepath),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

func (u *S3Uploader) objectUrl(storageFilepath string) string {
	endpoint := "s3.amazonaws.com"
	if u.conf.Endpoint != "" {
		endpoint = u.conf.Endpoint
	}

	if u.conf.ForcePathStyle {
		return fmt.Sprintf("https://%s/%s/%s", endpoint, u.conf.Bucket, storageFilepath)
	}
	return fmt.Sprintf("https://%s.%s/%s", u.conf.Bucket, endpoint, storageFilepath)
}

type s3Retryer struct{}

func (r *s3Retryer) IsErrorRetryable(_ error) aws.Ternary {
	return aws.TrueTernary
}
