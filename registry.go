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
	"net/http"
	"strings"
)

// AggregatingHandler receives a request whose body has already been fully
// buffered (subject to the registry's chunk memory limit).
type AggregatingHandler func(req *Request, resp *Responder, params BoundParams)

// StreamingHandler receives the request head before the body arrives and
// returns the BodyConsumer that will be fed subsequent chunks. Returning nil
// signals immediate rejection: the handler must have already written a
// response via resp.
type StreamingHandler func(req *Request, resp *Responder, params BoundParams) BodyConsumer

// resourceEntry is the immutable tuple spec §3 calls a "resource entry":
// verbs, compiled pattern, handler reference(s), parameter spec, and an
// optional per-resource exception handler override.
type resourceEntry struct {
	verbs            map[string]bool
	pattern          *pattern
	params           []ParamSpec
	aggregating      AggregatingHandler
	streaming        StreamingHandler
	exceptionHandler ExceptionHandler
	sanitizer        *Sanitizer
	order            int
}

func (e *resourceEntry) streamingMode() bool { return e.streaming != nil }

// Registry holds resource entries and answers "which handler for this
// request?" per spec §4.3. It is built once at startup by calling Resource
// repeatedly and is immutable (no locking) once the server starts serving.
type Registry struct {
	root    *trieNode
	nextOrd int
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{root: newTrieNode()}
}

// ResourceBuilder accumulates one resource entry's verbs, parameter specs,
// and handler before it is sealed into the Registry by Handle or Stream.
// This is the explicit, non-reflective stand-in for the source's
// annotation-driven metadata discovery (spec §9 Design Notes): a service
// author calls it directly instead of the framework introspecting a
// handler class.
type ResourceBuilder struct {
	reg     *Registry
	path    string
	verbs   map[string]bool
	params  []ParamSpec
	onError ExceptionHandler
}

// Resource starts declaring a new resource entry at the given path pattern.
func (r *Registry) Resource(path string) *ResourceBuilder {
	return &ResourceBuilder{reg: r, path: path, verbs: map[string]bool{}}
}

// Verbs adds one or more HTTP methods to the resource's permitted verb set.
func (b *ResourceBuilder) Verbs(methods ...string) *ResourceBuilder {
	for _, m := range methods {
		b.verbs[strings.ToUpper(m)] = true
	}
	return b
}

// GET is shorthand for Verbs(http.MethodGet).
func (b *ResourceBuilder) GET() *ResourceBuilder { return b.Verbs(http.MethodGet) }

// POST is shorthand for Verbs(http.MethodPost).
func (b *ResourceBuilder) POST() *ResourceBuilder { return b.Verbs(http.MethodPost) }

// PUT is shorthand for Verbs(http.MethodPut).
func (b *ResourceBuilder) PUT() *ResourceBuilder { return b.Verbs(http.MethodPut) }

// DELETE is shorthand for Verbs(http.MethodDelete).
func (b *ResourceBuilder) DELETE() *ResourceBuilder { return b.Verbs(http.MethodDelete) }

// HEAD is shorthand for Verbs(http.MethodHead).
func (b *ResourceBuilder) HEAD() *ResourceBuilder { return b.Verbs(http.MethodHead) }

// OPTIONS is shorthand for Verbs(http.MethodOptions).
func (b *ResourceBuilder) OPTIONS() *ResourceBuilder { return b.Verbs(http.MethodOptions) }

// PATCH is shorthand for Verbs(http.MethodPatch).
func (b *ResourceBuilder) PATCH() *ResourceBuilder { return b.Verbs(http.MethodPatch) }

// Param appends one parameter spec. Specs are bound in the order declared,
// producing the positional BoundParams vector handlers receive (spec §3:
// "an ordered list matching the handler method's positional parameters").
func (b *ResourceBuilder) Param(spec ParamSpec) *ResourceBuilder {
	b.params = append(b.params, spec)
	return b
}

// OnError sets a per-resource exception handler overriding the server-wide
// default for this resource only.
func (b *ResourceBuilder) OnError(eh ExceptionHandler) *ResourceBuilder {
	b.onError = eh
	return b
}

// Handle seals the resource as an aggregating (synchronous, whole-body)
// handler and registers it. It panics on a malformed pattern (e.g. "**" not
// in the final position) — a fatal configuration error that must be caught
// at registration time, not at request time (spec §4.3).
func (b *ResourceBuilder) Handle(h AggregatingHandler) {
	b.seal(h, nil)
}

// Stream seals the resource as a streaming handler and registers it.
func (b *ResourceBuilder) Stream(h StreamingHandler) {
	b.seal(nil, h)
}

func (b *ResourceBuilder) seal(agg AggregatingHandler, stream StreamingHandler) {
	if len(b.verbs) == 0 {
		panic("waypoint: resource " + b.path + " declares no verbs")
	}
	p, err := compilePattern(b.path)
	if err != nil {
		panic("waypoint: " + err.Error())
	}
	entry := &resourceEntry{
		verbs:            b.verbs,
		pattern:          p,
		params:           b.params,
		aggregating:      agg,
		streaming:        stream,
		exceptionHandler: b.onError,
		sanitizer:        NewSanitizerFromParams(b.params),
		order:            b.reg.nextOrd,
	}
	b.reg.nextOrd++
	if err := b.reg.root.insert(p.segments, entry); err != nil {
		panic("waypoint: " + err.Error())
	}
}

// Match resolves the handler for an incoming method and path, implementing
// the verb-resolution rules of spec §4.1: the first path-matching candidate
// (by precedence order) whose verb set contains method wins. If candidates
// matched the path but none matched the verb, it returns a
// MethodNotAllowed error; if nothing matched the path, NotFound.
func (r *Registry) Match(method, reqPath string) (*resourceEntry, map[string]string, error) {
	segs := splitSegments(reqPath)
	matches := matchPath(r.root, segs)
	if len(matches) == 0 {
		return nil, nil, ErrNotFound(reqPath)
	}
	orderMatches(matches)
	method = strings.ToUpper(method)
	for _, m := range matches {
		if m.entry.verbs[method] {
			return m.entry, m.groups, nil
		}
	}
	return nil, nil, ErrMethodNotAllowed(reqPath, method)
}
