package exclusion

import (
	"path/filepath"
	"strings"

	"github.com/mescon/pixelarr/internal/domain"
)

var mediaExtensions = map[string]domain.MediaKind{
	// video
	".mkv": domain.MediaVideo, ".mp4": domain.MediaVideo, ".avi": domain.MediaVideo,
	".mov": domain.MediaVideo, ".wmv": domain.MediaVideo, ".flv": domain.MediaVideo,
	".webm": domain.MediaVideo, ".m4v": domain.MediaVideo, ".mpg": domain.MediaVideo,
	".mpeg": domain.MediaVideo, ".ts": domain.MediaVideo, ".m2ts": domain.MediaVideo,
	".vob": domain.MediaVideo, ".3gp": domain.MediaVideo, ".ogv": domain.MediaVideo,
	".divx": domain.MediaVideo, ".xvid": domain.MediaVideo,

	// image
	".jpg": domain.MediaImage, ".jpeg": domain.MediaImage, ".png": domain.MediaImage,
	".gif": domain.MediaImage, ".bmp": domain.MediaImage, ".tif": domain.MediaImage,
	".tiff": domain.MediaImage, ".webp": domain.MediaImage, ".heic": domain.MediaImage,
	".heif": domain.MediaImage,

	// audio
	".mp3": domain.MediaAudio, ".flac": domain.MediaAudio, ".wav": domain.MediaAudio,
	".aac": domain.MediaAudio, ".m4a": domain.MediaAudio, ".ogg": domain.MediaAudio,
	".opus": domain.MediaAudio, ".wma": domain.MediaAudio, ".aiff": domain.MediaAudio,
	".alac": domain.MediaAudio,
}

// Classify maps a file name to its media category by extension.
func Classify(path string) domain.MediaKind {
	if kind, ok := mediaExtensions[strings.ToLower(filepath.Ext(path))]; ok {
		return kind
	}
	return domain.MediaUnknown
}

// IsHiddenOrTemp reports whether a file name belongs to a hidden file or an
// in-progress download that must never be scanned.
func IsHiddenOrTemp(name string) bool {
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(name, "."):
		return true
	case strings.HasSuffix(lower, ".tmp"), strings.HasSuffix(lower, ".temp"):
		return true
	case strings.HasSuffix(lower, ".part"), strings.HasSuffix(lower, ".partial"):
		return true
	case strings.HasSuffix(lower, ".!qb"), strings.HasSuffix(lower, ".nzbget"):
		return true
	case strings.HasPrefix(name, "__"):
		// SABnzbd incomplete
		return true
	}
	return false
}

// SkipDir reports whether a directory name is never descended into.
func SkipDir(name string) bool {
	if strings.HasPrefix(name, ".") && name != "." && name != ".." {
		return true
	}
	switch strings.ToLower(name) {
	case "@eadir", "#recycle", "#snapshot", "lost+found", "$recycle.bin":
		return true
	}
	return false
}
