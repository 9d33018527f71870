// Package static serves the console's front-end files from a public root.
package static

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	securejoin "github.com/cyphar/filepath-securejoin"
	"go.uber.org/zap"
)

const DefaultContentType = "application/octet-stream"

var contentTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".txt":  "text/plain",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
}

// ContentType maps the extension of name to a MIME type. Matching is case
// insensitive; unknown extensions get DefaultContentType.
func ContentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return DefaultContentType
}

// NotFoundError is returned when the requested file does not exist under the
// root, or when the request tries to leave it.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return "File Not Found: " + e.Path
}

// ReadError is returned when the file exists but cannot be read.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return "Error Reading File: " + e.Err.Error()
}

func (e *ReadError) Unwrap() error { return e.Err }

type Asset struct {
	Name        string // path relative to the root
	ContentType string
	Body        []byte
}

// Server resolves request paths under Root.
type Server struct {
	Root string
	// Mount is a leading path segment that is dropped when present, so
	// "/public/app.js" and "/app.js" name the same file.
	Mount           string
	DefaultDocument string

	logger *zap.Logger
}

func New(root, mount, defaultDocument string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{Root: root, Mount: strings.Trim(mount, "/"), DefaultDocument: defaultDocument, logger: logger}
}

// Open reads the file named by requestPath.
func (s *Server) Open(requestPath string) (*Asset, error) {
	name, ok := s.resolve(requestPath)
	if !ok {
		return nil, &NotFoundError{Path: requestPath}
	}

	full, err := securejoin.SecureJoin(s.Root, name)
	if err != nil {
		return nil, &ReadError{Path: name, Err: err}
	}

	fi, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return nil, &NotFoundError{Path: name}
	}
	if err != nil {
		return nil, &ReadError{Path: name, Err: err}
	}
	if fi.IsDir() {
		return nil, &ReadError{Path: name, Err: fmt.Errorf("%s: is a directory", name)}
	}

	b, err := os.ReadFile(full)
	if err != nil {
		return nil, &ReadError{Path: name, Err: err}
	}
	return &Asset{Name: name, ContentType: ContentType(name), Body: b}, nil
}

// resolve turns a request path into a slash-separated path relative to the
// root. It reports false for paths containing ".." segments.
func (s *Server) resolve(requestPath string) (string, bool) {
	p := strings.TrimPrefix(requestPath, "/")
	if s.Mount != "" {
		if p == s.Mount {
			p = ""
		} else if rest, ok := strings.CutPrefix(p, s.Mount+"/"); ok {
			p = rest
		}
	}
	if p == "" {
		p = s.DefaultDocument
	}
	for _, seg := range strings.Split(strings.ReplaceAll(p, "\\", "/"), "/") {
		if seg == ".." {
			return "", false
		}
	}
	return path.Clean("/" + p)[1:], true
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	asset, err := s.Open(r.URL.Path)

	var notFound *NotFoundError
	var readErr *ReadError
	switch {
	case errors.As(err, &notFound):
		s.logger.Info("static file not found", zap.String("path", r.URL.Path))
		http.Error(w, notFound.Error(), http.StatusNotFound)
		return
	case errors.As(err, &readErr):
		s.logger.Warn("static file unreadable", zap.String("path", readErr.Path), zap.Error(readErr.Err))
		http.Error(w, readErr.Error(), http.StatusInternalServerError)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", asset.ContentType)
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(asset.Body)
	}
}
