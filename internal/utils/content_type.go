package utils

import (
	"mime"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultContentType is used when neither the extension nor the content
// identifies the file.
const DefaultContentType = "binary/octet-stream"

// DetectContentType guesses the content type of the file at path from its
// extension, sniffing the content only when there is no extension.
func DetectContentType(path string) string {
	if ext := filepath.Ext(path); ext != "" {
		if mimeType := mime.TypeByExtension(ext); mimeType != "" {
			return mimeType
		}
		return DefaultContentType
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil || mtype.Is("application/octet-stream") {
		return DefaultContentType
	}
	return mtype.String()
}
