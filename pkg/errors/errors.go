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

package errors

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/livekit/psrpc"
)

var (
	ErrEgressNotConfigured     = psrpc.NewErrorf(psrpc.Unavailable, "egress client not configured")
	ErrStoreNotConfigured      = psrpc.NewErrorf(psrpc.Unavailable, "status store not configured")
	ErrShuttingDown            = psrpc.NewErrorf(psrpc.Unavailable, "server is shutting down")
	ErrMissingRoomReference    = errors.New("missing_room_reference")
	ErrPublicAccessUnsupported = errors.New("public access not supported by storage backend")
	ErrSignedURLUnsupported    = errors.New("signed urls not supported by storage backend")
	ErrNoAuthHeader            = psrpc.NewErrorf(psrpc.Unauthenticated, "authorization header could not be found")
)

func New(err string) error {
	return errors.New(err)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func ErrCouldNotParseConfig(err error) error {
	return fmt.Errorf("could not parse config: %v", err)
}

func ErrInvalidInput(field string) error {
	return psrpc.NewErrorf(psrpc.InvalidArgument, "request has missing or invalid field: %s", field)
}

func ErrUploadFailed(location string, err error) error {
	return fmt.Errorf("%s upload failed: %v", location, err)
}

func ErrInvalidSignature(err error) error {
	return psrpc.NewError(psrpc.Unauthenticated, err)
}

func ErrStopUnconfirmed(egressID string, err error) error {
	return psrpc.NewError(psrpc.Unavailable, fmt.Errorf("could not confirm egress %s stopped: %w", egressID, err))
}

// Class returns the psrpc code an error carries. Bare context and network
// timeouts count as deadline_exceeded, other network failures as unavailable.
func Class(err error) psrpc.ErrorCode {
	if err == nil {
		return ""
	}

	var pErr psrpc.Error
	if errors.As(err, &pErr) {
		return pErr.Code()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return psrpc.DeadlineExceeded
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return psrpc.DeadlineExceeded
		}
		return psrpc.Unavailable
	}

	return psrpc.Unknown
}

// IsAlreadyTerminal reports whether the egress API rejected a request because the job is gone or already stopped.
func IsAlreadyTerminal(err error) bool {
	switch Class(err) {
	case psrpc.NotFound, psrpc.FailedPrecondition:
		return true
	default:
		return false
	}
}

func IsTransient(err error) bool {
	switch Class(err) {
	case psrpc.DeadlineExceeded, psrpc.Unavailable:
		return true
	default:
		return false
	}
}
