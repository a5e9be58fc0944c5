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

package types

import (
	"path"
	"strings"

	"github.com/livekit/protocol/livekit"
)

type OutputType string
type FileExtension string
type RecordingStatus string
type LinkStatus string

const (
	// output types
	OutputTypeUnknownFile OutputType = ""
	OutputTypeOGG         OutputType = "audio/ogg"
	OutputTypeMP4         OutputType = "video/mp4"
	OutputTypeTS          OutputType = "video/mp2t"
	OutputTypeWebM        OutputType = "video/webm"
	OutputTypeJSON        OutputType = "application/json"

	// file extensions
	FileExtensionOGG  FileExtension = ".ogg"
	FileExtensionMP4  FileExtension = ".mp4"
	FileExtensionTS   FileExtension = ".ts"
	FileExtensionWebM FileExtension = ".webm"
	FileExtensionJSON FileExtension = ".json"

	// recording status record
	RecordingStatusPending  RecordingStatus = "pending"
	RecordingStatusUploaded RecordingStatus = "uploaded"
	RecordingStatusComplete RecordingStatus = "complete"
	RecordingStatusFailed   RecordingStatus = "failed"

	// download link status
	LinkStatusPending LinkStatus = "pending"
	LinkStatusReady   LinkStatus = "ready"
	LinkStatusMissing LinkStatus = "missing"
	LinkStatusFailed  LinkStatus = "failed"

	// link errors
	LinkErrorStorageUnconfigured = "storage_unconfigured"
	LinkErrorFileMissing         = "file_missing"
	LinkErrorEgressFailed        = "egress_failed"
	LinkErrorLinkUnavailable     = "link_unavailable"
	LinkErrorUploadFailed        = "upload_failed"
)

var (
	FileExtensionForOutputType = map[OutputType]FileExtension{
		OutputTypeOGG:  FileExtensionOGG,
		OutputTypeMP4:  FileExtensionMP4,
		OutputTypeTS:   FileExtensionTS,
		OutputTypeWebM: FileExtensionWebM,
		OutputTypeJSON: FileExtensionJSON,
	}

	OutputTypeForFileExtension = map[FileExtension]OutputType{
		FileExtensionOGG:  OutputTypeOGG,
		FileExtensionMP4:  OutputTypeMP4,
		FileExtensionTS:   OutputTypeTS,
		FileExtensionWebM: OutputTypeWebM,
		FileExtensionJSON: OutputTypeJSON,
	}
)

func GetOutputType(filename string) OutputType {
	ext := FileExtension(strings.ToLower(path.Ext(filename)))
	if t, ok := OutputTypeForFileExtension[ext]; ok {
		return t
	}
	return OutputTypeUnknownFile
}

// TerminalResult is the single shape the finalizer consumes, regardless of
// whether it came from a stop response, a webhook, or was synthesized.
type TerminalResult struct {
	EgressID string
	RoomName string
	Status   livekit.EgressStatus
	Error    string

	// Filename is the path reported by the media server, if any.
	Filename string
	Location string
	Size     int64

	// Detailed is false when no structured result was available.
	Detailed bool
}

func (r *TerminalResult) Failed() bool {
	switch r.Status {
	case livekit.EgressStatus_EGRESS_FAILED, livekit.EgressStatus_EGRESS_ABORTED:
		return true
	default:
		return false
	}
}

func IsTerminal(status livekit.EgressStatus) bool {
	switch status {
	case livekit.EgressStatus_EGRESS_COMPLETE,
		livekit.EgressStatus_EGRESS_FAILED,
		livekit.EgressStatus_EGRESS_ABORTED,
		livekit.EgressStatus_EGRESS_LIMIT_REACHED:
		return true
	default:
		return false
	}
}
