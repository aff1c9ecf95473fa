package common

import "strings"

// MessageKind represents the fixed vocabulary of chat message types
// carried on the wire. Values are always lower-case.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindVideo    MessageKind = "video"
	KindAudio    MessageKind = "audio"
	KindLocation MessageKind = "location"
	KindFile     MessageKind = "file"
	KindSystem   MessageKind = "system"
)

// String returns the string representation
func (mk MessageKind) String() string {
	return string(mk)
}

// IsValid checks if the message kind is part of the wire vocabulary
func (mk MessageKind) IsValid() bool {
	switch mk {
	case KindText, KindImage, KindVideo, KindAudio, KindLocation, KindFile, KindSystem:
		return true
	}
	return false
}

// IsMedia reports whether the kind requires an upload before sending
func (mk MessageKind) IsMedia() bool {
	switch mk {
	case KindImage, KindVideo, KindAudio, KindFile:
		return true
	}
	return false
}

// NormalizeKind lower-cases a raw kind tag and maps anything outside the
// vocabulary to KindText so a sloppy producer never breaks rendering.
func NormalizeKind(raw string) MessageKind {
	kind := MessageKind(strings.ToLower(strings.TrimSpace(raw)))
	if !kind.IsValid() {
		return KindText
	}
	return kind
}

// DetectKind picks the message kind for an uploaded file from its MIME type
func DetectKind(mimeType string) MessageKind {
	lowerMimeType := strings.ToLower(mimeType)
	switch {
	case strings.HasPrefix(lowerMimeType, "image/"):
		return KindImage
	case strings.HasPrefix(lowerMimeType, "video/"):
		return KindVideo
	case strings.HasPrefix(lowerMimeType, "audio/"):
		return KindAudio
	default:
		return KindFile // Generic attachment fallback
	}
}
