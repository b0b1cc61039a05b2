// Package web embeds the admin page.
package web

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed admin
var adminFS embed.FS

// AdminHandler serves the admin page. Mount it with the /admin prefix
// stripped.
func AdminHandler(enabled bool) http.Handler {
	if !enabled {
		return http.NotFoundHandler()
	}
	sub, err := fs.Sub(adminFS, "admin")
	if err != nil {
		return http.NotFoundHandler()
	}
	fileServer := http.FileServer(http.FS(sub))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "", "/index.html":
			r.URL.Path = "/"
		}
		w.Header().Set("Cache-Control", "no-cache")
		fileServer.ServeHTTP(w, r)
	})
}
