// Package mediatypes classifies library files by extension.
package mediatypes

import "strings"

// Kind describes what role a file plays in a media library.
type Kind string

const (
	KindVideo    Kind = "video"
	KindSubtitle Kind = "subtitle"
	KindArtwork  Kind = "artwork"
	KindOther    Kind = "other"
)

// VideoExtensions lists container formats the scanner will catalog.
var VideoExtensions = map[string]bool{
	".mkv": true, ".mp4": true, ".m4v": true, ".avi": true,
	".mov": true, ".wmv": true, ".ts": true, ".m2ts": true,
	".webm": true, ".mpg": true, ".mpeg": true,
}

// SubtitleExtensions lists sidecar subtitle formats.
var SubtitleExtensions = map[string]bool{
	".srt": true, ".ass": true, ".ssa": true, ".sub": true, ".vtt": true,
}

// ArtworkExtensions lists local artwork sidecar formats.
var ArtworkExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true,
}

// mimeTypes maps extensions to MIME types for streaming responses.
var mimeTypes = map[string]string{
	".mkv": "video/x-matroska", ".mp4": "video/mp4", ".m4v": "video/x-m4v",
	".avi": "video/x-msvideo", ".mov": "video/quicktime", ".wmv": "video/x-ms-wmv",
	".ts": "video/mp2t", ".m2ts": "video/mp2t", ".webm": "video/webm",
	".mpg": "video/mpeg", ".mpeg": "video/mpeg",
	".srt": "application/x-subrip", ".vtt": "text/vtt",
	".jpg": "image/jpeg", ".jpeg": "image/jpeg", ".png": "image/png",
	".webp": "image/webp",
}

// GetKind classifies a file extension. The extension must include the
// leading dot; case is ignored.
func GetKind(ext string) Kind {
	ext = strings.ToLower(ext)
	switch {
	case VideoExtensions[ext]:
		return KindVideo
	case SubtitleExtensions[ext]:
		return KindSubtitle
	case ArtworkExtensions[ext]:
		return KindArtwork
	default:
		return KindOther
	}
}

// GetMimeType returns the MIME type for a file extension, defaulting to
// application/octet-stream.
func GetMimeType(ext string) string {
	if mime, ok := mimeTypes[strings.ToLower(ext)]; ok {
		return mime
	}
	return "application/octet-stream"
}

// IsSample reports whether a filename looks like a sample clip that should
// not be cataloged as a main feature.
func IsSample(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasPrefix(lower, "sample") || strings.Contains(lower, "-sample.") || strings.Contains(lower, ".sample.")
}
