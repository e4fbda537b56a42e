package httpserver

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed assets/*
var embeddedAssets embed.FS

var assetFS = mustSub(embeddedAssets, "assets")

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}

// staticHandler serves the live dashboard at "/" and any other embedded
// asset by name. Unknown paths are 404s rather than the dashboard.
func (s *Server) staticHandler() http.Handler {
	files := http.FileServerFS(assetFS)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		if name == "" {
			s.serveAsset(w, r, "index.html")
			return
		}
		if _, err := fs.Stat(assetFS, name); err != nil {
			http.NotFound(w, r)
			return
		}
		files.ServeHTTP(w, r)
	})
}

func (s *Server) serveAsset(w http.ResponseWriter, r *http.Request, name string) {
	logger := s.loggerFromContext(r.Context())
	data, err := fs.ReadFile(assetFS, name)
	if err != nil {
		logger.Error("embedded asset missing", "asset", name, "err", err)
		http.Error(w, "missing asset", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(data); err != nil {
		logger.Warn("failed to write asset response", "asset", name, "err", err)
	}
}
