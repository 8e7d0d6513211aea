package capnweb

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// SetupFileEndpoint serves the static assets of a demo client (the
// generated JS/HTML page exercising this session's capabilities) under
// urlPath, rooted at fsRoot.
func SetupFileEndpoint(e *echo.Echo, urlPath string, fsRoot string, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !strings.HasSuffix(urlPath, "/") {
		urlPath += "/"
	}
	basePath := strings.TrimSuffix(urlPath, "/")

	absRoot, err := filepath.Abs(fsRoot)
	if err != nil {
		logger.Error("resolving file server root", zap.Error(err))
		return
	}

	handler := func(c echo.Context) error {
		requestPath := strings.TrimPrefix(c.Request().URL.Path, basePath)
		requestPath = strings.TrimPrefix(requestPath, "/")
		if requestPath == "" || strings.HasSuffix(requestPath, "/") {
			requestPath = path.Join(requestPath, "index.html")
		}

		absPath, err := filepath.Abs(filepath.Join(absRoot, requestPath))
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
		}
		// HasPrefix alone would let "/root/foobar" pass a "/root/foo" root
		// check; require the boundary to land on a path separator.
		if absPath != absRoot && !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
			return echo.NewHTTPError(http.StatusForbidden, "access denied")
		}

		info, err := os.Stat(absPath)
		if err != nil {
			if os.IsNotExist(err) {
				return echo.NewHTTPError(http.StatusNotFound, "file not found")
			}
			logger.Error("stat file", zap.String("path", absPath), zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
		}
		if !info.Mode().IsRegular() {
			return echo.NewHTTPError(http.StatusNotFound, "not a file")
		}

		file, err := os.Open(absPath)
		if err != nil {
			logger.Error("open file", zap.String("path", absPath), zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to read file")
		}
		defer file.Close()

		c.Response().Header().Set("Content-Type", contentType(filepath.Ext(absPath)))
		c.Response().Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
		_, err = io.Copy(c.Response(), file)
		return err
	}

	e.GET(urlPath+"*", handler)
}

// contentType returns the MIME type for a file extension, falling back
// to a short table of web-asset types the standard mime package doesn't
// always know about in a minimal container image.
func contentType(ext string) string {
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	switch strings.ToLower(ext) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js", ".mjs":
		return "text/javascript; charset=utf-8"
	case ".json":
		return "application/json; charset=utf-8"
	case ".svg":
		return "image/svg+xml"
	default:
		return "application/octet-stream"
	}
}
