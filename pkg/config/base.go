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
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/redis"
	lksdk "github.com/livekit/server-sdk-go/v2"
)

type BaseConfig struct {
	NodeID string `yaml:"-"` // do not supply - will be overwritten

	// required
	ApiKey    string `yaml:"api_key"`    // (env LIVEKIT_API_KEY)
	ApiSecret string `yaml:"api_secret"` // (env LIVEKIT_API_SECRET)
	WsUrl     string `yaml:"ws_url"`     // (env LIVEKIT_WS_URL)

	// optional
	WebhookApiKey string             `yaml:"webhook_api_key"` // key expected on webhooks, defaults to api_key
	WebhookSecret string             `yaml:"webhook_secret"`  // secret for webhooks, defaults to api_secret
	Logging       *logger.Config     `yaml:"logging"`         // logging config
	Redis         *redis.RedisConfig `yaml:"redis"`           // shared status store
	StorageConfig *StorageConfig     `yaml:"storage,omitempty"`
	Status        StatusConfig       `yaml:"status"`
}

type StatusConfig struct {
	Namespace string `yaml:"namespace"`  // key prefix for recording status records
	RoomIndex string `yaml:"room_index"` // hash mapping room names to room references
}

type StopConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`    // stop calls before falling back to listing
	RetryDelay     time.Duration `yaml:"retry_delay"`     // delay between stop calls
	ConfirmPolls   int           `yaml:"confirm_polls"`   // list calls used to confirm termination
	ConfirmDelay   time.Duration `yaml:"confirm_delay"`   // delay between list calls
	RequestTimeout time.Duration `yaml:"request_timeout"` // timeout for a single egress api call
}

// Budget is the longest a stop can take before finalization: every attempt and
// confirmation poll running to its call timeout, plus the delays between them.
// It is zero when calls have no timeout.
func (c StopConfig) Budget() time.Duration {
	if c.RequestTimeout <= 0 {
		return 0
	}
	attempts := max(c.MaxAttempts, 1)
	polls := max(c.ConfirmPolls, 1)
	return time.Duration(attempts+polls)*c.RequestTimeout +
		time.Duration(attempts-1)*c.RetryDelay +
		time.Duration(polls-1)*c.ConfirmDelay
}

func (c *BaseConfig) initLogger(values ...interface{}) error {
	zl, err := logger.NewZapLogger(c.Logging)
	if err != nil {
		return err
	}

	l := zl.WithValues(values...)

	logger.SetLogger(l, "egress-control")
	lksdk.SetLogger(l)
	return nil
}

func (c *BaseConfig) EgressConfigured() bool {
	return c.ApiKey != "" && c.ApiSecret != "" && c.WsUrl != ""
}

func (c *BaseConfig) StoreConfigured() bool {
	return c.Redis != nil && c.Redis.IsConfigured()
}
