package util

import (
	"path"
	"regexp"
	"strings"
	"time"
)

const recordingTimestampLayout = "2006-01-02T150405"

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// RecordingFilename names a new recording <room>_<utc timestamp><ext>, with unsafe
// characters in the room name replaced.
func RecordingFilename(roomName string, startedAt time.Time, ext string) string {
	return roomPrefix(roomName) + startedAt.UTC().Format(recordingTimestampLayout) + ext
}

// IsRecordingFilename reports whether filename is a name RecordingFilename gives
// to a recording of roomName. A room name that prefixes another never matches it.
func IsRecordingFilename(filename, roomName string) bool {
	prefix := roomPrefix(roomName)
	if roomName == "" || !strings.HasPrefix(filename, prefix) {
		return false
	}
	stamp := strings.TrimSuffix(filename[len(prefix):], path.Ext(filename))
	_, err := time.Parse(recordingTimestampLayout, stamp)
	return err == nil
}

func roomPrefix(roomName string) string {
	return unsafeFilenameChars.ReplaceAllString(roomName, "_") + "_"
}
