/*
 *    Copyright 2025 Jeff Galyan
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *        http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package waypoint

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Request wraps the inbound http.Request with the framework's own
// conveniences: matched path-group lookup, cookie and form helpers, and the
// struct-tag binders in bind.go. Handlers receive it as their first
// reserved positional parameter (spec §3).
type Request struct {
	raw         *http.Request
	groups      map[string]string
	maxBodySize int64
}

func newRequest(r *http.Request, groups map[string]string, maxBodySize int64) *Request {
	if groups == nil {
		groups = map[string]string{}
	}
	return &Request{raw: r, groups: groups, maxBodySize: maxBodySize}
}

// Raw returns the underlying *http.Request for access not otherwise
// exposed (e.g. TLS connection state, remote addr).
func (req *Request) Raw() *http.Request { return req.raw }

// PathParam returns a matched path-capture group value by name. Handlers
// normally receive path parameters pre-bound and coerced via BoundParams;
// this accessor is for ad hoc lookups outside the declared ParamSpec list.
func (req *Request) PathParam(name string) string { return req.groups[name] }

// Query returns a query string parameter value by key.
func (req *Request) Query(key string) string { return req.raw.URL.Query().Get(key) }

// Form returns a form field value by key, parsing the form if necessary.
func (req *Request) Form(key string) string {
	if err := req.raw.ParseForm(); err != nil {
		slog.Debug("form parse error", slog.Any("err", err))
	}
	return req.raw.FormValue(key)
}

// Header returns a request header value by key.
func (req *Request) Header(key string) string { return req.raw.Header.Get(key) }

// BindJSON decodes the (already aggregated) request body as JSON into dst.
// Unknown fields are rejected and the body is limited to maxBodySize
// (default 10 MB) — the same cap the aggregation pipeline stage enforces.
func (req *Request) BindJSON(dst any) error {
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			slog.Debug("error closing body", slog.String("error", err.Error()))
		}
	}(req.raw.Body)
	limit := req.maxBodySize
	if limit <= 0 {
		limit = defaultChunkMemoryLimit
	}
	dec := json.NewDecoder(io.LimitReader(req.raw.Body, limit))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// Cookie retrieves a cookie value and an ok flag.
func (req *Request) Cookie(name string) (string, bool) {
	ck, err := req.raw.Cookie(name)
	if err != nil {
		return "", false
	}
	v, err := url.PathUnescape(ck.Value)
	if err != nil {
		return "", false
	}
	return v, true
}

// FormFile returns the first file for the provided form key, parsing the
// multipart form if it has not been parsed yet.
func (req *Request) FormFile(name string) (*multipart.FileHeader, error) {
	limit := req.maxBodySize
	if limit <= 0 {
		limit = defaultChunkMemoryLimit
	}
	if err := req.raw.ParseMultipartForm(limit); err != nil {
		return nil, err
	}
	f, fh, err := req.raw.FormFile(name)
	if err != nil {
		return nil, err
	}
	_ = f.Close()
	return fh, nil
}

// FormFiles returns all files for the provided form key.
func (req *Request) FormFiles(name string) ([]*multipart.FileHeader, error) {
	limit := req.maxBodySize
	if limit <= 0 {
		limit = defaultChunkMemoryLimit
	}
	if err := req.raw.ParseMultipartForm(limit); err != nil {
		return nil, err
	}
	if req.raw.MultipartForm == nil || req.raw.MultipartForm.File == nil {
		return nil, http.ErrMissingFile
	}
	fhs, ok := req.raw.MultipartForm.File[name]
	if !ok || len(fhs) == 0 {
		return nil, http.ErrMissingFile
	}
	return fhs, nil
}

// SaveFile copies an uploaded file to the given destination path on disk.
func (req *Request) SaveFile(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	_, err = io.Copy(out, src)
	return err
}

// Context returns the request's context.Context.
func (req *Request) Context() context.Context { return req.raw.Context() }

// responderState is the monotone state machine of spec §3: Fresh →
// HeadersSent → (Open | Closed).
type responderState int

const (
	stateFresh responderState = iota
	stateHeadersSent
	stateOpen
	stateClosed
)

// Responder is the second reserved positional handler parameter: the
// live handle a handler, consumer, or producer writes the response
// through. Its state transitions are monotonic; writing headers twice is a
// programming error that is logged and dropped rather than panicking the
// connection.
type Responder struct {
	w        http.ResponseWriter
	raw      *http.Request
	state    responderState
	status   int
	keepOpen bool // true between sendChunkStart and the matching close
}

func newResponder(w http.ResponseWriter, r *http.Request) *Responder {
	return &Responder{w: w, raw: r}
}

// Written reports whether any response has been started.
func (resp *Responder) Written() bool { return resp.state != stateFresh }

// Status returns the status code of the response that was sent, or zero if
// none has been sent yet.
func (resp *Responder) Status() int { return resp.status }

func (resp *Responder) beginHeaders(code int, contentLength int, headers map[string]string) bool {
	if resp.state != stateFresh {
		slog.Warn("waypoint: response headers already sent; dropping duplicate write", slog.Int("attempted_status", code))
		return false
	}
	for k, v := range headers {
		resp.w.Header().Set(k, v)
	}
	if contentLength >= 0 {
		resp.w.Header().Set("Content-Length", strconv.Itoa(contentLength))
	}
	if !keepAlive(resp.raw) {
		resp.w.Header().Set("Connection", "close")
	}
	resp.status = code
	resp.w.WriteHeader(code)
	resp.state = stateHeadersSent
	return true
}

// SendStatus writes an empty body with Content-Length: 0.
func (resp *Responder) SendStatus(code int) {
	if !resp.beginHeaders(code, 0, nil) {
		return
	}
	resp.state = stateClosed
}

// sendStatusUnlessWritten is used by the default exception handler: it must
// never clobber a response a user handler already started.
func (resp *Responder) sendStatusUnlessWritten(code int, msg string) {
	if resp.Written() {
		return
	}
	resp.SendString(code, msg, nil)
}

// SendString writes a UTF-8 text body with optional extra headers.
func (resp *Responder) SendString(code int, text string, extraHeaders map[string]string) {
	headers := map[string]string{"Content-Type": "text/plain; charset=utf-8"}
	for k, v := range extraHeaders {
		headers[k] = v
	}
	body := []byte(text)
	if !resp.beginHeaders(code, len(body), headers) {
		return
	}
	if _, err := resp.w.Write(body); err != nil {
		slog.Debug("waypoint: response write error", slog.Any("err", err))
	}
	resp.state = stateClosed
}

// SendJSON serializes v and writes it with Content-Type: application/json.
func (resp *Responder) SendJSON(code int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		slog.Error("waypoint: JSON encoding failed", slog.Any("err", err))
		resp.SendString(http.StatusInternalServerError, "json encoding failed", nil)
		return
	}
	body := bytes.TrimRight(buf.Bytes(), "\n")
	if !resp.beginHeaders(code, len(body), map[string]string{"Content-Type": "application/json; charset=utf-8"}) {
		return
	}
	if _, err := resp.w.Write(body); err != nil {
		slog.Debug("waypoint: response write error", slog.Any("err", err))
	}
	resp.state = stateClosed
}

// ChunkResponder is returned by SendChunkStart. Each SendChunk call writes
// one chunk and flushes; Close flushes and transitions the Responder to
// Closed. net/http writes the chunk terminator when the handler returns.
type ChunkResponder struct {
	resp    *Responder
	flusher http.Flusher
}

// SendChunk writes one chunk of the response body and flushes it
// immediately — the framework does not buffer chunked output.
func (c *ChunkResponder) SendChunk(data []byte) error {
	if c.resp.state != stateOpen {
		return ErrInternal("SendChunk called outside an open chunked response", nil)
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := c.resp.w.Write(data); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close flushes pending output and closes the response. It does not write
// the chunk terminator itself; net/http does so when the handler returns.
func (c *ChunkResponder) Close() error {
	if c.resp.state != stateOpen {
		return nil
	}
	c.resp.state = stateClosed
	c.flusher.Flush()
	return nil
}

// SendChunkStart writes the status line with Transfer-Encoding: chunked and
// returns a handle for streaming the body. The underlying ResponseWriter
// must support http.Flusher (net/http's always does for HTTP/1.1).
func (resp *Responder) SendChunkStart(code int, headers map[string]string) (*ChunkResponder, error) {
	flusher, ok := resp.w.(http.Flusher)
	if !ok {
		return nil, ErrInternal("response writer does not support flushing", nil)
	}
	if !resp.beginHeaders(code, -1, headers) {
		return nil, ErrInternal("headers already sent", nil)
	}
	resp.state = stateOpen
	flusher.Flush()
	return &ChunkResponder{resp: resp, flusher: flusher}, nil
}

// SendContent drives a BodyProducer to completion: it repeatedly calls
// NextChunk until an empty chunk signals EOF, then calls Finished. A write
// failure calls producer.HandleError instead. Backpressure comes from
// net/http only calling the handler goroutine forward as fast as the
// client reads — NextChunk is never invoked ahead of a completed write.
func (resp *Responder) SendContent(code int, producer BodyProducer, headers map[string]string) {
	cr, err := resp.SendChunkStart(code, headers)
	if err != nil {
		producer.HandleError(err)
		return
	}
	for {
		chunk, err := producer.NextChunk()
		if err != nil {
			producer.HandleError(err)
			_ = cr.Close()
			return
		}
		if len(chunk) == 0 {
			break
		}
		if err := cr.SendChunk(chunk); err != nil {
			producer.HandleError(err)
			return
		}
	}
	_ = cr.Close()
	producer.Finished()
}

// keepAlive determines whether the connection should be reused for another
// request after this response flushes, per the request's Connection header
// and HTTP version (spec §4.5).
func keepAlive(r *http.Request) bool {
	conn := r.Header.Get("Connection")
	switch {
	case strings.EqualFold(conn, "close"):
		return false
	case strings.EqualFold(conn, "keep-alive"):
		return true
	default:
		return r.ProtoAtLeast(1, 1)
	}
}
