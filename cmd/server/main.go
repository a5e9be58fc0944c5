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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/livekit/egress-control/pkg/config"
	"github.com/livekit/egress-control/pkg/egress"
	"github.com/livekit/egress-control/pkg/errors"
	"github.com/livekit/egress-control/pkg/registry"
	"github.com/livekit/egress-control/pkg/server"
	"github.com/livekit/egress-control/pkg/service"
	"github.com/livekit/egress-control/pkg/stats"
	"github.com/livekit/egress-control/pkg/statusstore"
	"github.com/livekit/egress-control/pkg/uploader"
	"github.com/livekit/egress-control/version"
	"github.com/livekit/protocol/logger"
	lkredis "github.com/livekit/protocol/redis"
)

func main() {
	cmd := &cli.Command{
		Name:        "egress-control",
		Usage:       "LiveKit Egress Control",
		Version:     version.Version,
		Description: "starts and stops room recordings and moves finished files into storage",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "yaml config file",
				Sources: cli.EnvVars("EGRESS_CONTROL_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "yaml config body",
				Sources: cli.EnvVars("EGRESS_CONTROL_CONFIG_BODY"),
			},
		},
		Action: runService,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runService(_ context.Context, c *cli.Command) error {
	configFile := c.String("config")
	configBody := c.String("config-body")
	if configBody == "" && configFile != "" {
		content, err := os.ReadFile(configFile)
		if err != nil {
			return err
		}
		configBody = string(content)
	}

	// an empty body is valid when everything comes from the environment
	conf, err := config.NewServiceConfig(configBody)
	if err != nil {
		return err
	}

	reg := registry.New()
	monitor := stats.NewMonitor(conf.NodeID, func() float64 {
		return float64(reg.Len())
	})

	var client egress.Client
	if conf.EgressConfigured() {
		if client, err = egress.NewClient(conf); err != nil {
			return err
		}
	} else {
		logger.Warnw("egress api not configured, recordings cannot be started or stopped", errors.ErrEgressNotConfigured)
	}

	var store service.StatusStore
	if conf.StoreConfigured() {
		rc, err := lkredis.GetRedisClient(conf.Redis)
		if err != nil {
			return err
		}
		store = statusstore.New(rc, conf.Status)
	} else {
		logger.Warnw("redis not configured, status records will not be written", errors.ErrStoreNotConfigured)
	}

	var storage uploader.Store
	up, err := uploader.New(conf.StorageConfig, monitor)
	if err != nil {
		return err
	}
	if up != nil {
		storage = up
		logger.Infow("storage configured", "backend", up.Name())
	} else {
		logger.Warnw("storage not configured, recordings will stay on local disk", nil)
	}

	svc := service.NewService(conf, reg, client, store, storage, monitor)
	srv := server.NewServer(conf, svc)

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGTERM, syscall.SIGQUIT)

	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, syscall.SIGINT)

	go func() {
		select {
		case sig := <-stopChan:
			logger.Infow("exit requested, finishing in-flight requests then shutting down", "signal", sig)
			srv.Shutdown(false)
		case sig := <-killChan:
			logger.Infow("exit requested, shutting down", "signal", sig)
			srv.Shutdown(true)
		}
	}()

	return srv.Run()
}
