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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/livekit/egress-control/pkg/errors"
	"github.com/livekit/egress-control/pkg/service"
	"github.com/livekit/egress-control/pkg/token"
	"github.com/livekit/protocol/logger"
	"github.com/livekit/psrpc"
)

const maxBodyBytes = 1 << 20

type stopRecordingRequest struct {
	RecordingID string `json:"recordingId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.svc.Health(r.Context())
	status := http.StatusOK
	if !h.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	req := &token.Request{}
	if err := decode(w, r, req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := s.svc.Token(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRecordings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recordings": s.svc.List(),
	})
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	req := &service.StartRecordingRequest{}
	if err := decode(w, r, req); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	resp, err := s.svc.Start(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	req := &stopRecordingRequest{}
	if err := decode(w, r, req); err != nil {
		writeError(w, err)
		return
	}

	// the stop budget bounds this call, not request_timeout
	resp, err := s.svc.Stop(r.Context(), req.RecordingID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, psrpc.NewError(psrpc.InvalidArgument, err))
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	if _, err = s.svc.HandleWebhook(ctx, body, r.Header.Get("Authorization")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.conf.RequestTimeout)
}

func rateLimit(requests int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		requests,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		}),
	)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return psrpc.NewErrorf(psrpc.InvalidArgument, "malformed request body: %v", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var pErr psrpc.Error
	if errors.As(err, &pErr) {
		status = pErr.ToHttp()
	}
	if status >= http.StatusInternalServerError {
		logger.Warnw("request failed", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
