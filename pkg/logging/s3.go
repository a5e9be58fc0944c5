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

package logging

import (
	"fmt"
	"strings"

	"github.com/aws/smithy-go/logging"
	"github.com/linkdata/deadlock"

	"github.com/livekit/egress-control/pkg/util"
	"github.com/livekit/protocol/logger"
)

const defaultSDKLogDepth = 10

// SDKLogger holds the most recent aws sdk messages for one storage operation
// and only emits them when the operation fails.
type SDKLogger struct {
	mu        deadlock.Mutex
	operation string
	key       string
	msgs      []string
	next      int
	dropped   int
}

func NewSDKLogger(operation, key string) *SDKLogger {
	return &SDKLogger{
		operation: operation,
		key:       key,
		msgs:      make([]string, 0, defaultSDKLogDepth),
	}
}

func (l *SDKLogger) Logf(classification logging.Classification, format string, v ...interface{}) {
	msg := fmt.Sprintf("aws %s: %s", strings.ToLower(string(classification)), fmt.Sprintf(format, v...))

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.msgs) < cap(l.msgs) {
		l.msgs = append(l.msgs, msg)
		return
	}
	l.msgs[l.next] = msg
	l.next = (l.next + 1) % len(l.msgs)
	l.dropped++
}

// Messages returns buffered messages oldest first.
func (l *SDKLogger) Messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.msgs))
	out = append(out, l.msgs[l.next:]...)
	return append(out, l.msgs[:l.next]...)
}

// Flush logs the buffered messages against err and empties the buffer.
func (l *SDKLogger) Flush(err error) {
	msgs := l.Messages()

	l.mu.Lock()
	dropped := l.dropped
	l.msgs = l.msgs[:0]
	l.next = 0
	l.dropped = 0
	l.mu.Unlock()

	for _, msg := range msgs {
		logger.Debugw(util.RedactSignatures(msg), "operation", l.operation, "key", l.key)
	}
	logger.Warnw("storage operation failed", err,
		"operation", l.operation,
		"key", l.key,
		"sdkMessages", len(msgs),
		"sdkMessagesDropped", dropped,
	)
}
