// Package router builds the route table from the service configuration
// and matches incoming requests to function bindings.
//
// HTTP matching is evaluated in configuration order: the first declared
// binding that matches wins, even when a later binding is more specific.
// Given `/users/{id}` declared before `/users/me`, a request for
// `/users/me` hits `/users/{id}`. This mirrors how existing service
// configurations behave and is deliberately not "most specific wins".
package router

import (
	"strings"

	"github.com/nuclio/errors"

	"github.com/fauxgate/fauxgate/internal/config"
)

// Route keys with reserved meaning.
const (
	RouteConnect    = "$connect"
	RouteDisconnect = "$disconnect"
	RouteDefault    = "$default"
)

// Binding maps one event binding to its function.
type Binding struct {
	// Function is the bound function name.
	Function string

	// Method and Path describe an HTTP binding. Method "ANY" or "*"
	// matches every method.
	Method string
	Path   string

	// CORS enables permissive CORS headers for this binding.
	CORS bool

	// Route is the key for a WebSocket binding.
	Route string

	segments []segment
	wildcard bool
}

// segment is one compiled template segment.
type segment struct {
	literal string
	param   string
	greedy  bool
}

// Table is the route table. Built once from configuration; read-only
// during serving.
type Table struct {
	http []*Binding
	ws   map[string]*Binding
}

// Build derives the route table from the configuration, preserving
// function and event declaration order.
func Build(cfg *config.Config) (*Table, error) {
	t := &Table{ws: make(map[string]*Binding)}

	for _, fn := range cfg.Functions.All() {
		for _, ev := range fn.Events {
			switch {
			case ev.HTTP != nil:
				b := &Binding{
					Function: fn.Name,
					Method:   strings.ToUpper(ev.HTTP.Method),
					Path:     ev.HTTP.Path,
					CORS:     ev.HTTP.CORS,
				}
				if err := b.compile(); err != nil {
					return nil, errors.Wrapf(err, "function %q: path %q", fn.Name, ev.HTTP.Path)
				}
				t.http = append(t.http, b)

			case ev.WebSocket != nil:
				b := &Binding{Function: fn.Name, Route: ev.WebSocket.Route}
				t.ws[b.Route] = b
			}
		}
	}

	return t, nil
}

// Match returns the first HTTP binding matching method and path, in
// configuration order, along with extracted path parameters. Returns
// nil when nothing matches.
func (t *Table) Match(method, path string) (*Binding, map[string]string) {
	method = strings.ToUpper(method)
	segs := splitPath(path)

	for _, b := range t.http {
		if b.Method != method && b.Method != "ANY" && b.Method != "*" {
			continue
		}
		if params, ok := b.matchSegments(segs); ok {
			return b, params
		}
	}
	return nil, nil
}

// MatchRoute returns the WebSocket binding for the given route key, or
// nil when the key is not bound.
func (t *Table) MatchRoute(routeKey string) *Binding {
	return t.ws[routeKey]
}

// HTTPBindings returns the HTTP bindings in match order.
func (t *Table) HTTPBindings() []*Binding {
	return t.http
}

// HasCORS reports whether any binding for the given path has CORS
// enabled, regardless of method. Used to answer preflight requests.
func (t *Table) HasCORS(path string) bool {
	segs := splitPath(path)
	for _, b := range t.http {
		if !b.CORS {
			continue
		}
		if _, ok := b.matchSegments(segs); ok {
			return true
		}
	}
	return false
}

// compile parses the path template into segments.
func (b *Binding) compile() error {
	raws := splitPath(b.Path)
	for i, raw := range raws {
		if strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}") {
			name := raw[1 : len(raw)-1]
			if strings.HasSuffix(name, "+") {
				if i != len(raws)-1 {
					return errors.New("greedy parameter must be the last segment")
				}
				b.segments = append(b.segments, segment{param: strings.TrimSuffix(name, "+"), greedy: true})
				b.wildcard = true
				continue
			}
			if name == "" {
				return errors.New("empty parameter name")
			}
			b.segments = append(b.segments, segment{param: name})
			continue
		}
		b.segments = append(b.segments, segment{literal: raw})
	}
	return nil
}

// matchSegments matches request segments against the compiled template.
// Segment counts must agree exactly unless the template ends with a
// greedy parameter.
func (b *Binding) matchSegments(segs []string) (map[string]string, bool) {
	if !b.wildcard && len(segs) != len(b.segments) {
		return nil, false
	}
	if b.wildcard && len(segs) < len(b.segments)-1 {
		return nil, false
	}

	var params map[string]string
	setParam := func(k, v string) {
		if params == nil {
			params = make(map[string]string)
		}
		params[k] = v
	}

	for i, tmpl := range b.segments {
		if tmpl.greedy {
			setParam(tmpl.param, strings.Join(segs[i:], "/"))
			return params, true
		}
		if tmpl.param != "" {
			setParam(tmpl.param, segs[i])
			continue
		}
		if tmpl.literal != segs[i] {
			return nil, false
		}
	}
	return params, true
}

// splitPath splits a path into segments.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
