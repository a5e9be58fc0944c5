// Copyright 2025 LiveKit, Inc.
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

package statusstore

import (
	"context"
	"regexp"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/livekit/egress-control/pkg/config"
	"github.com/livekit/protocol/logger"
)

const (
	FieldRoomReference = "roomReference"

	scanCount = 100
)

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Store keeps recording status records as redis hashes at <namespace>:<roomKey>:<egressID>.
type Store struct {
	rc        redis.UniversalClient
	namespace string
	roomIndex string
}

func New(rc redis.UniversalClient, conf config.StatusConfig) *Store {
	return &Store{
		rc:        rc,
		namespace: conf.Namespace,
		roomIndex: conf.RoomIndex,
	}
}

// RoomKey replaces every run of characters outside [A-Za-z0-9_-] with an underscore.
func RoomKey(roomReference string) string {
	return unsafeKeyChars.ReplaceAllString(roomReference, "_")
}

func (s *Store) Path(roomReference, egressID string) string {
	return strings.Join([]string{s.namespace, RoomKey(roomReference), egressID}, ":")
}

// Update merges fields into the record, leaving fields it does not name untouched.
func (s *Store) Update(ctx context.Context, path string, fields map[string]interface{}) error {
	return s.rc.HSet(ctx, path, fields).Err()
}

func (s *Store) SetRoomReference(ctx context.Context, roomName, roomReference string) error {
	return s.rc.HSet(ctx, s.roomIndex, roomName, roomReference).Err()
}

// LookupRoomReference returns an empty reference when the room was never indexed.
func (s *Store) LookupRoomReference(ctx context.Context, roomName string) (string, error) {
	ref, err := s.rc.HGet(ctx, s.roomIndex, roomName).Result()
	if err == redis.Nil {
		return "", nil
	}
	return ref, err
}

// FindRoomReference scans the namespace for a record belonging to egressID.
// On cluster deployments only the node serving the scan is searched.
func (s *Store) FindRoomReference(ctx context.Context, egressID string) (string, error) {
	match := s.namespace + ":*:" + escapePattern(egressID)
	iter := s.rc.Scan(ctx, 0, match, scanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ref, err := s.rc.HGet(ctx, key, FieldRoomReference).Result()
		switch {
		case err == nil && ref != "":
			return ref, nil
		case err != nil && err != redis.Nil:
			return "", err
		}

		// key segment is already sanitised, so it maps back onto the same path
		segment := strings.TrimSuffix(strings.TrimPrefix(key, s.namespace+":"), ":"+egressID)
		if segment != "" {
			logger.Debugw("room reference recovered from key", "egressID", egressID, "key", key)
			return segment, nil
		}
	}
	return "", iter.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rc.Ping(ctx).Err()
}

func escapePattern(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
