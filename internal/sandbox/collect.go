package sandbox

import (
	"os"
	"strings"
	"unicode/utf8"
)

// Fixed texts shared with the clients of the execution service.
const (
	OutputPlaceholder = "Output is too long!"
	ErrorsPlaceholder = "Errors is too long!"
	TimeoutNotice     = "Execution Timed Out!"
	CanceledNotice    = "Execution Canceled!"
	FailedNotice      = "Execution could not be started!"
)

// Bound returns content, or placeholder when content is longer than limit characters.
func Bound(content string, limit int, placeholder string) string {
	if utf8.RuneCountInString(content) > limit {
		return placeholder
	}
	return content
}

// SplitMarker splits the completion marker on the first sentinel into the
// program output and the elapsed-time text. When the sentinel is missing the
// whole marker is the output and ok is false.
func SplitMarker(marker, sentinel string) (output, timing string, ok bool) {
	return strings.Cut(marker, sentinel)
}

// ReadArtifact returns the file contents, or "" when it cannot be read.
// Missing files are normal while the program is still running.
func ReadArtifact(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}

// readCapped is ReadArtifact for streams that are only needed when they fit
// the cap. A file whose size alone proves it exceeds limit characters is not
// read; over is true and content empty in that case.
func readCapped(path string, limit int) (content string, over bool) {
	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	if info.Size() > int64(limit)*utf8.UTFMax {
		return "", true
	}
	content = ReadArtifact(path)
	return content, utf8.RuneCountInString(content) > limit
}
