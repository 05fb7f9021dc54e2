package remote

import (
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// audioTypes overrides content sniffing for the formats we sync; several of
// them are ambiguous containers to a byte sniffer.
var audioTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
}

// ContentType picks the object content type from the extension, falling back
// to sniffing head, the first bytes of the file.
func ContentType(name string, head []byte) string {
	if ct, ok := audioTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return mimetype.Detect(head).String()
}

// ObjectKey maps a source-relative path into folder.
func ObjectKey(folder, rel string) string {
	key := strings.Map(func(r rune) rune {
		switch r {
		case '\u3000': // full-width space
			return ' '
		case '\u200B', '\uFEFF': // zero-width space and BOM
			return -1
		default:
			return r
		}
	}, rel)

	key = strings.ReplaceAll(key, "\\", "/")
	folder = strings.Trim(strings.ReplaceAll(folder, "\\", "/"), "/")
	if folder != "" {
		key = folder + "/" + strings.TrimPrefix(key, "/")
	}
	for strings.Contains(key, "//") {
		key = strings.ReplaceAll(key, "//", "/")
	}
	return strings.TrimPrefix(key, "/")
}

// sanitizePath makes p safe to carry in object user metadata.
func sanitizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")

	segments := strings.Split(p, "/")
	for i, segment := range segments {
		if decoded, err := url.QueryUnescape(segment); err == nil {
			segment = decoded
		}
		segment = strings.ReplaceAll(segment, "&", "and")
		segment = strings.ReplaceAll(segment, "+", "plus")
		segments[i] = url.QueryEscape(segment)
	}

	sanitized := strings.Join(segments, "/")
	for strings.Contains(sanitized, "//") {
		sanitized = strings.ReplaceAll(sanitized, "//", "/")
	}
	return sanitized
}
