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

package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/livekit/egress-control/pkg/errors"
	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils"
)

const (
	defaultPort              = 8080
	defaultOutputDir         = "/out"
	defaultFileExtension     = ".mp4"
	defaultRequestTimeout    = time.Second * 30
	defaultRequestsPerMinute = 120

	defaultStopMaxAttempts    = 3
	defaultStopRetryDelay     = time.Second
	defaultStopConfirmPolls   = 3
	defaultStopConfirmDelay   = time.Second * 2
	defaultStopRequestTimeout = time.Second * 10

	defaultStatusNamespace = "recordings"
	defaultStatusRoomIndex = "recording_rooms"
	defaultSignedURLExpiry = time.Hour * 24 * 7
)

type ServiceConfig struct {
	BaseConfig `yaml:",inline"`

	Port           int    `yaml:"port"`            // control api port
	BindAddress    string `yaml:"bind_address"`    // control api bind address
	PrometheusPort int    `yaml:"prometheus_port"` // prometheus handler port

	OutputDir         string        `yaml:"output_dir"`          // where the media server writes recordings
	FileExtension     string        `yaml:"file_extension"`      // extension for new recordings
	DeleteAfterUpload bool          `yaml:"delete_after_upload"` // remove local files once uploaded
	RequestTimeout    time.Duration `yaml:"request_timeout"`     // timeout applied to start and webhook handling

	Stop      StopConfig      `yaml:"stop"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"` // per ip, 0 uses the default, negative disables
}

func NewServiceConfig(confString string) (*ServiceConfig, error) {
	conf := &ServiceConfig{
		BaseConfig: BaseConfig{
			Logging: &logger.Config{
				Level: "info",
			},
			ApiKey:    os.Getenv("LIVEKIT_API_KEY"),
			ApiSecret: os.Getenv("LIVEKIT_API_SECRET"),
			WsUrl:     os.Getenv("LIVEKIT_WS_URL"),
		},
	}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.ErrCouldNotParseConfig(err)
		}
	}

	// always create a new node ID
	conf.NodeID = utils.NewGuid("NEC_")
	conf.applyDefaults()

	if err := conf.initLogger("nodeID", conf.NodeID); err != nil {
		return nil, err
	}

	return conf, nil
}

func (c *ServiceConfig) applyDefaults() {
	if c.WebhookApiKey == "" {
		c.WebhookApiKey = c.ApiKey
	}
	if c.WebhookSecret == "" {
		c.WebhookSecret = c.ApiSecret
	}

	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.OutputDir == "" {
		c.OutputDir = defaultOutputDir
	}
	if c.FileExtension == "" {
		c.FileExtension = defaultFileExtension
	} else if !strings.HasPrefix(c.FileExtension, ".") {
		c.FileExtension = "." + c.FileExtension
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = defaultRequestsPerMinute
	}

	if c.Stop.MaxAttempts <= 0 {
		c.Stop.MaxAttempts = defaultStopMaxAttempts
	}
	if c.Stop.RetryDelay <= 0 {
		c.Stop.RetryDelay = defaultStopRetryDelay
	}
	if c.Stop.ConfirmPolls <= 0 {
		c.Stop.ConfirmPolls = defaultStopConfirmPolls
	}
	if c.Stop.ConfirmDelay <= 0 {
		c.Stop.ConfirmDelay = defaultStopConfirmDelay
	}
	if c.Stop.RequestTimeout <= 0 {
		c.Stop.RequestTimeout = defaultStopRequestTimeout
	}

	if c.Status.Namespace == "" {
		c.Status.Namespace = defaultStatusNamespace
	}
	if c.Status.RoomIndex == "" {
		c.Status.RoomIndex = defaultStatusRoomIndex
	}

	if c.StorageConfig != nil && c.StorageConfig.SignedURLExpiry <= 0 {
		c.StorageConfig.SignedURLExpiry = defaultSignedURLExpiry
	}
}
