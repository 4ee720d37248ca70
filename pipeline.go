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
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// URLRewriter is the single optional pre-routing stage spec §4.4/§6 allows.
// Rewrite may mutate req's URL in place before routing. Returning false
// means the rewriter has fully handled the request itself (whether or not
// it wrote a response is, per spec §9 Open Questions, left undefined by
// this framework — it is the rewriter author's responsibility).
type URLRewriter interface {
	Rewrite(req *Request, resp *Responder) (cont bool)
}

// URLRewriterFunc adapts a function to URLRewriter.
type URLRewriterFunc func(req *Request, resp *Responder) bool

// Rewrite implements URLRewriter.
func (f URLRewriterFunc) Rewrite(req *Request, resp *Responder) bool { return f(req, resp) }

// requestPipeline is the per-request instantiation of spec §3's "connection
// pipeline state" and §4.4's controller. net/http already guarantees the
// ordering invariant spec §5 asks for — request N's response is fully
// flushed before request N+1 is parsed on a keep-alive connection — so this
// type only needs to track the single-response error latch and the
// aggregating/streaming branch for one request, not a standing per-socket
// state machine.
type requestPipeline struct {
	server  *Server
	entry   *resourceEntry
	req     *Request
	resp    *Responder
	latched bool
}

// run is the body-handling-mode branch of spec §4.4 step 3: aggregate the
// whole body for a synchronous handler, or hand chunks to a streaming
// handler's BodyConsumer.
func (p *requestPipeline) run() {
	defer p.recoverPanic()

	if p.entry.streamingMode() {
		p.runStreaming()
		return
	}
	p.runAggregating()
}

func (p *requestPipeline) runAggregating() {
	limit := p.server.chunkMemoryLimit
	body, err := aggregate(p.req.raw.Body, limit)
	if err != nil {
		p.fail(err)
		return
	}
	p.req.raw.Body = io.NopCloser(bytes.NewReader(body))

	params, err := bindResource(p.entry.params, p.req.groups, p.req.raw.URL.Query(), p.req.raw.Header)
	if err != nil {
		p.fail(err)
		return
	}
	p.entry.aggregating(p.req, p.resp, params)
	p.finish()
}

func (p *requestPipeline) runStreaming() {
	params, err := bindResource(p.entry.params, p.req.groups, p.req.raw.URL.Query(), p.req.raw.Header)
	if err != nil {
		p.fail(err)
		return
	}

	raw := p.entry.streaming(p.req, p.resp, params)
	if raw == nil {
		// Immediate rejection: the handler must already have written a
		// response. Drain and discard the remaining body without
		// delivering further events, then close.
		_, _ = io.Copy(io.Discard, p.req.raw.Body)
		return
	}
	consumer := &oneShotConsumer{inner: raw}

	buf := make([]byte, 32*1024)
	for {
		n, err := p.req.raw.Body.Read(buf)
		if n > 0 {
			p.deliverChunk(consumer, buf[:n])
			if p.latched {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.deliverFinished(consumer)
			} else {
				p.deliverError(consumer, ErrDisconnect(err))
			}
			return
		}
	}
}

func (p *requestPipeline) deliverChunk(c BodyConsumer, data []byte) {
	defer p.recoverConsumerPanic(c)
	c.Chunk(data, p.resp)
}

func (p *requestPipeline) deliverFinished(c BodyConsumer) {
	defer p.recoverConsumerPanic(c)
	c.Finished(p.resp)
}

func (p *requestPipeline) deliverError(c BodyConsumer, cause error) {
	defer func() { _ = recover() }() // HandleError must not itself escalate
	c.HandleError(cause)
}

// finish is the happy-path completion of an aggregating handler: nothing
// further to do, the handler owns the response. It exists so that a
// handler panic after a partial write is still caught by run's recover.
func (p *requestPipeline) finish() {}

// fail routes a *StatusError (or any error) through the exception channel.
// Only the first failure produces a user-visible response; later ones are
// logged at a lower level, per spec §4.4/§7's error-latch.
func (p *requestPipeline) fail(err error) {
	var se *StatusError
	level := slog.LevelError
	if asStatusError(err, &se) {
		level = se.LogLevel()
	}
	if p.latched {
		slog.Log(p.req.Context(), slog.LevelDebug, "waypoint: additional error after response latched", slog.Any("err", err))
		return
	}
	p.latched = true
	path, query := p.req.raw.URL.Path, p.req.raw.URL.RawQuery
	if p.entry != nil && p.entry.sanitizer != nil {
		path = p.entry.sanitizer.Path(path, p.req.groups)
		query = p.entry.sanitizer.Query(query)
	}
	attrs := []any{slog.String("method", p.req.raw.Method), slog.String("path", path), slog.Any("err", err)}
	if query != "" {
		attrs = append(attrs, slog.String("query", query))
	}
	slog.Log(p.req.Context(), level, "waypoint: request failed", attrs...)
	p.respondError(err)
}

func (p *requestPipeline) respondError(err error) {
	eh := p.server.exceptionHandler
	if p.entry != nil && p.entry.exceptionHandler != nil {
		eh = p.entry.exceptionHandler
	}
	runExceptionHandler(eh, err, p.req, p.resp)
}

func (p *requestPipeline) recoverPanic() {
	if r := recover(); r != nil {
		err := panicToError(r)
		p.fail(err)
	}
}

func (p *requestPipeline) recoverConsumerPanic(c BodyConsumer) {
	if r := recover(); r != nil {
		err := panicToError(r)
		p.deliverError(c, err)
		p.fail(err)
	}
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return ErrInternal("handler panicked", err)
	}
	return ErrInternal("handler panicked", errors.New(anyToString(r)))
}

func anyToString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return http.StatusText(http.StatusInternalServerError)
}
