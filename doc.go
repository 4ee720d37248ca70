// Package waypoint is a declarative HTTP server framework built on top of
// net/http.
//
// Routes are resources, not middleware-wrapped closures: a Registry holds a
// patricia trie of path patterns, and each resource declares its allowed
// verbs, its bound parameters (path/query/header, scalar or collection),
// and either an aggregating handler (whole body buffered first) or a
// streaming handler (a BodyConsumer fed chunks as they arrive).
//
// Getting started:
//
//	b := waypoint.NewBuilder()
//	b.Registry().Resource("/hello/{name}").GET().
//		Param(waypoint.PathParam("name", waypoint.KindStringParam)).
//		Handle(func(req *waypoint.Request, resp *waypoint.Responder, p waypoint.BoundParams) {
//			resp.SendJSON(http.StatusOK, map[string]any{"hello": p.String(0)})
//		})
//	srv := b.SetPort(8080).Build()
//	_ = srv.RunUntilSignal()
//
// The package is framework-agnostic and container-friendly; import it and
// wire it into a service's main.
package waypoint
