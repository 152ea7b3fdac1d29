package fileserver

import (
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// defaultMimeTypes covers common web types so results do not depend on the
// host's mime.types files.
var defaultMimeTypes = map[string]string{
	".aac":   "audio/aac",
	".avif":  "image/avif",
	".avi":   "video/x-msvideo",
	".bin":   "application/octet-stream",
	".bmp":   "image/bmp",
	".bz2":   "application/x-bzip2",
	".css":   "text/css; charset=utf-8",
	".csv":   "text/csv; charset=utf-8",
	".doc":   "application/msword",
	".docx":  "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".epub":  "application/epub+zip",
	".gz":    "application/gzip",
	".gif":   "image/gif",
	".htm":   "text/html; charset=utf-8",
	".html":  "text/html; charset=utf-8",
	".ico":   "image/vnd.microsoft.icon",
	".jar":   "application/java-archive",
	".jpeg":  "image/jpeg",
	".jpg":   "image/jpeg",
	".js":    "text/javascript; charset=utf-8",
	".json":  "application/json; charset=utf-8",
	".md":    "text/markdown; charset=utf-8",
	".mjs":   "text/javascript; charset=utf-8",
	".mp3":   "audio/mpeg",
	".mp4":   "video/mp4",
	".mpeg":  "video/mpeg",
	".oga":   "audio/ogg",
	".ogv":   "video/ogg",
	".otf":   "font/otf",
	".png":   "image/png",
	".pdf":   "application/pdf",
	".rar":   "application/vnd.rar",
	".rtf":   "application/rtf",
	".sh":    "application/x-sh",
	".svg":   "image/svg+xml",
	".tar":   "application/x-tar",
	".tif":   "image/tiff",
	".tiff":  "image/tiff",
	".ttf":   "font/ttf",
	".txt":   "text/plain; charset=utf-8",
	".wasm":  "application/wasm",
	".wav":   "audio/wav",
	".webm":  "video/webm",
	".webp":  "image/webp",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".xhtml": "application/xhtml+xml; charset=utf-8",
	".xml":   "application/xml; charset=utf-8",
	".zip":   "application/zip",
	".7z":    "application/x-7z-compressed",
}

const defaultOctetStreamMimeType = "application/octet-stream"

// ContentTypeResolver maps file names to MIME types. It is immutable after
// construction and safe for concurrent use.
type ContentTypeResolver struct {
	custom map[string]string
}

// NewContentTypeResolver builds a resolver from an inline map and an optional
// JSON file of the same shape. File entries win over inline ones.
func NewContentTypeResolver(inline map[string]string, path string) (*ContentTypeResolver, error) {
	r := &ContentTypeResolver{custom: make(map[string]string)}
	for ext, mimeType := range inline {
		r.custom[strings.ToLower(ext)] = mimeType
	}
	if path != "" {
		fromFile, err := LoadCustomMimeTypesFromFile(path)
		if err != nil {
			return nil, err
		}
		for ext, mimeType := range fromFile {
			r.custom[ext] = mimeType
		}
	}
	return r, nil
}

// ContentType returns the MIME type for filePath, falling back to
// application/octet-stream.
func (r *ContentTypeResolver) ContentType(filePath string) string {
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext == "" {
		return defaultOctetStreamMimeType
	}
	if r != nil {
		if mimeType, ok := r.custom[ext]; ok {
			return mimeType
		}
	}
	if mimeType, ok := defaultMimeTypes[ext]; ok {
		return mimeType
	}
	if mimeType := mime.TypeByExtension(ext); mimeType != "" {
		return mimeType
	}
	return defaultOctetStreamMimeType
}

// LoadCustomMimeTypesFromFile reads a JSON object of extension to MIME type.
func LoadCustomMimeTypesFromFile(filePath string) (map[string]string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read MIME types file %q: %w", filePath, err)
	}

	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse JSON from MIME types file %q: %w", filePath, err)
	}

	out := make(map[string]string, len(parsed))
	for ext, mimeType := range parsed {
		if !strings.HasPrefix(ext, ".") {
			return nil, fmt.Errorf("invalid extension %q in MIME types file %q: must start with a '.'", ext, filePath)
		}
		if mimeType == "" {
			return nil, fmt.Errorf("empty MIME type for extension %q in MIME types file %q", ext, filePath)
		}
		out[strings.ToLower(ext)] = mimeType
	}
	return out, nil
}
