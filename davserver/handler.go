// Package davserver serves a davsftp Translator over WebDAV (RFC 4918,
// class 1).
//
// GET, HEAD, PUT, DELETE, MKCOL, COPY and MOVE are translated directly.
// PROPFIND and PROPPATCH are answered by golang.org/x/net/webdav on top of a
// per-request filesystem adapter. Locking is not supported: LOCK and UNLOCK
// answer 405 and OPTIONS advertises DAV class 1 only.
package davserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/net/webdav"

	"github.com/darshan-rambhia/davsftp"
)

// WebDAV methods net/http has no constants for.
const (
	MethodPropfind  = "PROPFIND"
	MethodProppatch = "PROPPATCH"
	MethodMkcol     = "MKCOL"
	MethodCopy      = "COPY"
	MethodMove      = "MOVE"
	MethodLock      = "LOCK"
	MethodUnlock    = "UNLOCK"
)

var (
	errNoDestination      = errors.New("missing Destination header")
	errInvalidDestination = errors.New("invalid Destination header")
	errInvalidDepth       = errors.New("invalid Depth header")
	errInvalidOverwrite   = errors.New("invalid Overwrite header")
	errMkcolBody          = errors.New("MKCOL request bodies are not supported")
)

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithPrefix mounts the share below a URL path prefix.
func WithPrefix(prefix string) HandlerOption {
	return func(h *Handler) {
		h.prefix = strings.TrimSuffix(prefix, "/")
	}
}

// WithHandlerLogger sets the handler logger.
func WithHandlerLogger(logger zerolog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// Handler is an http.Handler serving the translator's share.
type Handler struct {
	t      *davsftp.Translator
	prefix string
	logger zerolog.Logger

	// locks only backs the temporary locks webdav takes around PROPPATCH;
	// clients cannot create locks.
	locks webdav.LockSystem
}

// NewHandler returns a WebDAV handler backed by t.
func NewHandler(t *davsftp.Translator, opts ...HandlerOption) *Handler {
	h := &Handler{
		t:      t,
		logger: zerolog.Nop(),
		locks:  webdav.NewMemLS(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Translator returns the translator requests are served with.
func (h *Handler) Translator() *davsftp.Translator { return h.t }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, ok := h.stripPrefix(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	var err error
	switch r.Method {
	case http.MethodOptions:
		h.handleOptions(w, r, p)
	case http.MethodGet, http.MethodHead:
		err = h.handleGetHead(w, r, p)
	case http.MethodPut:
		err = h.handlePut(w, r, p)
	case http.MethodDelete:
		err = h.handleDelete(w, r, p)
	case MethodMkcol:
		err = h.handleMkcol(w, r, p)
	case MethodCopy, MethodMove:
		err = h.handleCopyMove(w, r, p)
	case MethodPropfind, MethodProppatch:
		err = h.handleProps(w, r, p)
	case MethodLock, MethodUnlock:
		h.logger.Debug().Str("method", r.Method).Str("path", p).Msg("locking is not supported")
		w.Header().Set("Allow", allMethods)
		writeStatus(w, http.StatusMethodNotAllowed)
	default:
		w.Header().Set("Allow", allMethods)
		writeStatus(w, http.StatusMethodNotAllowed)
	}

	if err != nil {
		h.writeError(w, r, err)
	}
}

func (h *Handler) stripPrefix(p string) (string, bool) {
	if h.prefix == "" {
		return p, true
	}
	if p == h.prefix {
		return "/", true
	}
	if rest, ok := strings.CutPrefix(p, h.prefix+"/"); ok {
		return "/" + rest, true
	}
	return "", false
}

// do runs one translator operation. Every request that touches the share
// goes through here.
func (h *Handler) do(r *http.Request, req davsftp.Request) (davsftp.Result, error) {
	return h.t.Do(r.Context(), req)
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request, p string) {
	res, err := h.do(r, davsftp.Request{Op: davsftp.OpStat, Path: p})
	e := res.Entry
	missing := errors.Is(err, davsftp.ErrNotFound)
	if err != nil && !missing {
		h.logger.Debug().Err(err).Str("path", p).Msg("options stat failed")
	}
	w.Header().Set("Allow", allowFor(e, missing))
	w.Header().Set("DAV", "1")
	w.Header().Set("MS-Author-Via", "DAV")
	w.WriteHeader(http.StatusOK)
}

const allMethods = "OPTIONS, GET, HEAD, PUT, DELETE, MKCOL, COPY, MOVE, PROPFIND, PROPPATCH"

func allowFor(e davsftp.Entry, missing bool) string {
	switch {
	case missing:
		return "OPTIONS, PUT, MKCOL"
	case e.IsDir:
		return "OPTIONS, DELETE, PROPPATCH, COPY, MOVE, PROPFIND"
	default:
		return "OPTIONS, GET, HEAD, PUT, DELETE, PROPPATCH, COPY, MOVE, PROPFIND"
	}
}

func (h *Handler) handleGetHead(w http.ResponseWriter, r *http.Request, p string) error {
	if r.Method == http.MethodHead {
		res, err := h.do(r, davsftp.Request{Op: davsftp.OpStat, Path: p})
		if err != nil {
			return err
		}
		e := res.Entry
		if e.IsDir {
			writeStatus(w, http.StatusMethodNotAllowed)
			return nil
		}
		setEntryHeaders(w, e)
		w.Header().Set("Content-Length", strconv.FormatInt(e.Size, 10))
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
		return nil
	}

	res, err := h.do(r, davsftp.Request{Op: davsftp.OpRead, Path: p})
	if errors.Is(err, davsftp.ErrConflict) {
		writeStatus(w, http.StatusMethodNotAllowed)
		return nil
	}
	if err != nil {
		return err
	}
	rd := res.Reader
	defer rd.Close()

	e := rd.Entry()
	setEntryHeaders(w, e)
	http.ServeContent(w, r, e.Name, e.ModTime, rd)
	return nil
}

// setEntryHeaders sets the validators and the content type. With
// Content-Type present, ServeContent does not sniff the body.
func setEntryHeaders(w http.ResponseWriter, e davsftp.Entry) {
	w.Header().Set("ETag", e.ETag)
	w.Header().Set("Last-Modified", e.ModTime.UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Type", e.ContentType)
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request, p string) error {
	res, err := h.do(r, davsftp.Request{Op: davsftp.OpWrite, Path: p, Body: r.Body})
	if err != nil {
		return err
	}
	if res.Created {
		writeStatus(w, http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}
	return nil
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, p string) error {
	if _, err := h.do(r, davsftp.Request{Op: davsftp.OpDelete, Path: p}); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) handleMkcol(w http.ResponseWriter, r *http.Request, p string) error {
	if r.ContentLength > 0 {
		h.logger.Debug().Str("path", p).Msg(errMkcolBody.Error())
		writeStatus(w, http.StatusUnsupportedMediaType)
		return nil
	}
	if r.ContentLength < 0 {
		// Unknown length: peek for a body.
		if n, _ := io.CopyN(io.Discard, r.Body, 1); n > 0 {
			writeStatus(w, http.StatusUnsupportedMediaType)
			return nil
		}
	}
	if _, err := h.do(r, davsftp.Request{Op: davsftp.OpMkdir, Path: p}); err != nil {
		return err
	}
	writeStatus(w, http.StatusCreated)
	return nil
}

func (h *Handler) handleCopyMove(w http.ResponseWriter, r *http.Request, src string) error {
	dst, status, err := h.destination(r)
	if err != nil {
		h.logger.Debug().Err(err).Str("path", src).Msg("rejecting copy/move")
		writeStatus(w, status)
		return nil
	}

	req := davsftp.Request{Op: davsftp.OpMove, Path: src, Destination: dst, Overwrite: true, Recursive: true}
	switch r.Header.Get("Overwrite") {
	case "", "T", "t":
	case "F", "f":
		req.Overwrite = false
	default:
		h.logger.Debug().Err(errInvalidOverwrite).Str("path", src).Send()
		writeStatus(w, http.StatusBadRequest)
		return nil
	}

	depth := r.Header.Get("Depth")
	switch {
	case depth == "" || depth == "infinity":
	case depth == "0" && r.Method == MethodCopy:
		req.Recursive = false
	default:
		h.logger.Debug().Err(errInvalidDepth).Str("path", src).Send()
		writeStatus(w, http.StatusBadRequest)
		return nil
	}
	if r.Method == MethodCopy {
		req.Op = davsftp.OpCopy
	}

	res, err := h.do(r, req)
	if err != nil {
		return err
	}

	if res.Created {
		writeStatus(w, http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}
	return nil
}

// destination returns the share path named by the Destination header, or
// the status to answer with.
func (h *Handler) destination(r *http.Request) (string, int, error) {
	hdr := r.Header.Get("Destination")
	if hdr == "" {
		return "", http.StatusBadRequest, errNoDestination
	}
	u, err := url.Parse(hdr)
	if err != nil {
		return "", http.StatusBadRequest, fmt.Errorf("%w: %w", errInvalidDestination, err)
	}
	if u.Host != "" && u.Host != r.Host {
		return "", http.StatusBadGateway, fmt.Errorf("%w: destination on another host", errInvalidDestination)
	}
	p, ok := h.stripPrefix(u.Path)
	if !ok {
		return "", http.StatusBadGateway, fmt.Errorf("%w: destination outside the share", errInvalidDestination)
	}
	return p, 0, nil
}

// handleProps checks the target first so that pool and transport failures
// get their own status, then lets webdav render the multistatus body.
func (h *Handler) handleProps(w http.ResponseWriter, r *http.Request, p string) error {
	fsys := newFileSystem(h.t)
	if _, err := fsys.entry(r.Context(), p); err != nil {
		return err
	}

	dav := &webdav.Handler{
		Prefix:     h.prefix,
		FileSystem: fsys,
		LockSystem: h.locks,
		Logger: func(r *http.Request, err error) {
			if err != nil {
				h.logger.Debug().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("webdav")
			}
		},
	}
	dav.ServeHTTP(w, r)
	return nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	ev := h.logger.Debug()
	if status >= http.StatusInternalServerError {
		ev = h.logger.Warn()
	}
	ev.Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("request failed")
	writeStatus(w, status)
}

func writeStatus(w http.ResponseWriter, status int) {
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintln(w, http.StatusText(status))
}
