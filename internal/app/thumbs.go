package app

import (
	stderrors "errors"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"github.com/pew-pew-pew/pew/internal/errors"
	"github.com/pew-pew-pew/pew/internal/httputil"
	"github.com/pew-pew-pew/pew/internal/thumbnail"
)

// serveThumb answers <w>x<h>/<fit|crop>/<image path> with a cached
// thumbnail, generating it on first use.
func (a *Application) serveThumb(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 3)
	if len(parts) != 3 || parts[2] == "" {
		httputil.WriteServiceError(w, r, errors.NotFound("thumbnail"))
		return
	}

	width, height, ok := a.thumbSize(parts[0])
	if !ok {
		httputil.WriteServiceError(w, r, errors.BadRequest("unsupported thumbnail size").WithDetails("size", parts[0]))
		return
	}
	mode, err := thumbnail.ParseMode(parts[1])
	if err != nil {
		httputil.WriteServiceError(w, r, errors.BadRequest(err.Error()))
		return
	}

	path, err := a.thumbs.Thumb(parts[2], width, height, mode)
	switch {
	case err == nil:
		http.ServeFile(w, r, path)
	case stderrors.Is(err, fs.ErrNotExist):
		httputil.WriteServiceError(w, r, errors.NotFound("image "+parts[2]))
	case stderrors.Is(err, thumbnail.ErrUnsupportedFormat), stderrors.Is(err, thumbnail.ErrNoSize),
		stderrors.Is(err, thumbnail.ErrBadName):
		httputil.WriteServiceError(w, r, errors.BadRequest(err.Error()))
	default:
		a.log.WithContext(r.Context()).WithError(err).WithField("image", parts[2]).Error("Thumbnail failed")
		httputil.WriteServiceError(w, r, errors.Internal("thumbnail failed", err))
	}
}

// thumbSize parses "WxH", where either side may be 0, and checks it against
// the configured limits.
func (a *Application) thumbSize(raw string) (int, int, bool) {
	ws, hs, found := strings.Cut(raw, "x")
	if !found {
		return 0, 0, false
	}
	width, err1 := strconv.Atoi(ws)
	height, err2 := strconv.Atoi(hs)
	if err1 != nil || err2 != nil || width < 0 || height < 0 || width+height == 0 {
		return 0, 0, false
	}
	if limit := a.cfg.Thumbs.MaxSize; limit > 0 && (width > limit || height > limit) {
		return 0, 0, false
	}
	if len(a.cfg.Thumbs.Sizes) == 0 {
		return width, height, true
	}
	for _, s := range a.cfg.Thumbs.Sizes {
		if s == raw {
			return width, height, true
		}
	}
	return 0, 0, false
}
