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

package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/frostbyte73/core"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/egress-control/pkg/config"
	"github.com/livekit/egress-control/pkg/logging"
	"github.com/livekit/egress-control/pkg/service"
	"github.com/livekit/egress-control/version"
	"github.com/livekit/protocol/logger"
)

const shutdownTimeout = time.Second * 30

type Server struct {
	conf *config.ServiceConfig
	svc  *service.Service

	httpServer *http.Server
	promServer *http.Server

	shutdown core.Fuse
}

func NewServer(conf *config.ServiceConfig, svc *service.Service) *Server {
	s := &Server{
		conf: conf,
		svc:  svc,
	}

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(conf.BindAddress, fmt.Sprint(conf.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Second * 10,
	}

	if conf.PrometheusPort > 0 {
		s.promServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", conf.PrometheusPort),
			Handler:           svc.Monitor().Handler(),
			ReadHeaderTimeout: time.Second * 10,
		}
	}

	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger)

	r.Get("/health", s.handleHealth)
	r.Post("/webhooks/livekit", s.handleWebhook)

	r.Group(func(r chi.Router) {
		if rpm := s.conf.RateLimit.RequestsPerMinute; rpm > 0 {
			r.Use(rateLimit(rpm, time.Minute))
		}

		r.Post("/token", s.handleToken)
		r.Get("/recordings", s.handleListRecordings)
		r.Post("/recordings/start", s.handleStartRecording)
		r.Post("/recordings/stop", s.handleStopRecording)
	})

	return r
}

// Run blocks until Shutdown is called and in-flight requests have drained.
func (s *Server) Run() error {
	logger.Debugw("starting service", "version", version.Version)

	httpListener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	var promListener net.Listener
	if s.promServer != nil {
		if promListener, err = net.Listen("tcp", s.promServer.Addr); err != nil {
			_ = httpListener.Close()
			return err
		}
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return ignoreClosed(s.httpServer.Serve(httpListener))
	})
	if s.promServer != nil {
		g.Go(func() error {
			return ignoreClosed(s.promServer.Serve(promListener))
		})
	}
	g.Go(func() error {
		select {
		case <-s.shutdown.Watch():
		case <-ctx.Done():
		}

		logger.Infow("draining")
		s.svc.Drain()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := s.httpServer.Shutdown(shutdownCtx)
		if s.promServer != nil {
			_ = s.promServer.Shutdown(shutdownCtx)
		}
		return err
	})

	logger.Infow("service ready", "address", s.httpServer.Addr)
	err = g.Wait()
	logger.Infow("service stopped")
	return err
}

// Shutdown stops accepting recordings. With kill set, in-flight requests are not waited on.
func (s *Server) Shutdown(kill bool) {
	s.svc.Shutdown()
	s.shutdown.Break()
	if kill {
		_ = s.httpServer.Close()
		if s.promServer != nil {
			_ = s.promServer.Close()
		}
	}
}

func ignoreClosed(err error) error {
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
