package app

import (
	"log"
	"mime"
)

// Some minimal container images ship without /etc/mime.types, which breaks
// Content-Type detection for the embedded stylesheet.
func init() {
	registerMimeType(".css", "text/css; charset=utf-8")
	registerMimeType(".svg", "image/svg+xml")
}

func registerMimeType(ext, typ string) {
	if mime.TypeByExtension(ext) != "" {
		return
	}
	if err := mime.AddExtensionType(ext, typ); err != nil {
		log.Printf("app: register MIME type %s: %v", ext, err)
	}
}
