// Package gateway dispatches inbound traffic through the route table,
// the handler registry and the event translator, and maps every failure
// class back onto a transport response. Nothing that goes wrong inside
// a handler takes the process down.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/nuclio/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fauxgate/fauxgate/internal/config"
	"github.com/fauxgate/fauxgate/internal/event"
	"github.com/fauxgate/fauxgate/internal/metrics"
	"github.com/fauxgate/fauxgate/internal/registry"
	"github.com/fauxgate/fauxgate/internal/router"
	"github.com/fauxgate/fauxgate/internal/runtime"
)

const tracerName = "fauxgate"

// Gateway wires the route table, registry and translator together and
// serves as the single entry point for HTTP and WebSocket dispatch.
type Gateway struct {
	cfg      *config.Config
	table    *router.Table
	registry *registry.Registry
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	log      zerolog.Logger
}

// New builds a gateway for the loaded configuration. The registry's
// loader compiles handlers from the config's base directory.
func New(cfg *config.Config, table *router.Table, m *metrics.Metrics, log zerolog.Logger) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		table:   table,
		metrics: m,
		tracer:  otel.Tracer(tracerName),
		log:     log.With().Str("component", "gateway").Logger(),
	}
	g.registry = registry.New(g.loadHandler, log)
	g.registry.OnReload(func(name string, err error) {
		result := metrics.ResultOK
		if err != nil {
			result = metrics.ResultError
		}
		m.HandlerReloads.WithLabelValues(name, result).Inc()
	})
	return g
}

// Registry exposes the handler registry for the watcher wiring.
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Table exposes the route table for the transport layer.
func (g *Gateway) Table() *router.Table { return g.table }

func (g *Gateway) loadHandler(ctx context.Context, name string) (*runtime.Handler, error) {
	fn := g.cfg.Functions.Get(name)
	if fn == nil {
		return nil, errors.Errorf("function %q is not configured", name)
	}
	return runtime.Load(name, runtime.Options{
		BaseDir:     g.cfg.Dir(),
		HandlerSpec: fn.Handler,
		Environment: fn.Environment,
		Timeout:     fn.Timeout(),
		MemoryMB:    fn.MemoryMB,
		Service:     g.cfg.Service,
		Stage:       g.cfg.Provider.Stage,
		Logger:      g.log,
	})
}

// InvalidateForPath marks stale every function whose entry module lives
// under the changed path's directory. When no function can be tied to
// the path (shared code, unresolvable entries), every function is
// invalidated so the next request picks up the change regardless.
func (g *Gateway) InvalidateForPath(path string) {
	matched := false
	for _, name := range g.cfg.Functions.Names() {
		fn := g.cfg.Functions.Get(name)
		entry, _, err := runtime.ResolveEntry(g.cfg.Dir(), fn.Handler)
		if err != nil {
			continue
		}
		if within(filepath.Dir(entry), path) {
			g.registry.Invalidate(name)
			matched = true
		}
	}
	if !matched {
		for _, name := range g.cfg.Functions.Names() {
			g.registry.Invalidate(name)
		}
	}
}

// within reports whether path sits inside dir.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

// HandleHTTP serves one HTTP request end to end. Route misses map to
// 404, load failures to 500, invocation and translation failures to
// 502, timeouts to 504.
func (g *Gateway) HandleHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := g.tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		),
	)
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			g.log.Error().Interface("panic", rec).Str("path", r.URL.Path).
				Msg("recovered panic during dispatch")
			span.SetStatus(codes.Error, "panic")
			writeError(w, http.StatusInternalServerError, "InternalError", "internal gateway failure")
		}
	}()

	binding, params := g.table.Match(r.Method, r.URL.Path)
	if binding == nil {
		span.SetStatus(codes.Error, "route not found")
		writeError(w, http.StatusNotFound, "RouteNotFound", "no route matches "+r.Method+" "+r.URL.Path)
		return
	}
	span.SetAttributes(attribute.String("faas.name", binding.Function))

	start := time.Now()
	status, result := g.invokeHTTP(ctx, w, r, binding, params)
	g.metrics.InvocationDuration.WithLabelValues(binding.Function).Observe(time.Since(start).Seconds())
	g.metrics.InvocationsTotal.WithLabelValues(binding.Function, result).Inc()
	span.SetAttributes(attribute.Int("http.status_code", status))
	if result != metrics.ResultOK {
		span.SetStatus(codes.Error, "invocation failed")
	}
}

func (g *Gateway) invokeHTTP(ctx context.Context, w http.ResponseWriter, r *http.Request, binding *router.Binding, params map[string]string) (int, string) {
	handler, err := g.registry.Resolve(ctx, binding.Function)
	if err != nil {
		g.log.Error().Err(err).Str("function", binding.Function).Msg("handler load failed")
		writeError(w, http.StatusInternalServerError, "HandlerLoadError", err.Error())
		return http.StatusInternalServerError, metrics.ResultError
	}

	env, err := event.BuildHTTPRequest(r, binding.Path, params, g.cfg.Provider.Stage)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return http.StatusBadRequest, metrics.ResultError
	}
	requestID := env.RequestContext.RequestID

	fn := g.cfg.Functions.Get(binding.Function)
	raw, err := g.invoke(ctx, handler, env, binding.Function, requestID, fn)
	if err != nil {
		return g.writeInvokeError(w, binding.Function, requestID, err), metrics.ResultError
	}

	resp, err := event.ParseHTTPResponse(raw)
	if err != nil {
		g.log.Error().Err(err).Str("function", binding.Function).Str("request_id", requestID).
			Msg("handler response rejected")
		writeError(w, http.StatusBadGateway, "TranslationError", err.Error())
		return http.StatusBadGateway, metrics.ResultError
	}

	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if binding.CORS {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
	return resp.StatusCode, metrics.ResultOK
}

// invoke runs the handler against the JSON-plain form of the envelope.
// Typed envelope structs round-trip through JSON so the script sees the
// exact field names the wire format defines.
func (g *Gateway) invoke(ctx context.Context, h *runtime.Handler, envelope any, name, requestID string, fn *config.Function) (any, error) {
	plain, err := toPlain(envelope)
	if err != nil {
		return nil, errors.Wrap(err, "encode event")
	}
	return h.Invoke(ctx, plain, &runtime.Context{
		FunctionName:  name,
		RequestID:     requestID,
		MemoryLimitMB: fn.MemoryMB,
		Deadline:      time.Now().Add(fn.Timeout()),
	})
}

func (g *Gateway) writeInvokeError(w http.ResponseWriter, name, requestID string, err error) int {
	log := g.log.Error().Err(err).Str("function", name).Str("request_id", requestID)
	switch err.(type) {
	case *runtime.TimeoutError:
		log.Msg("handler timed out")
		writeError(w, http.StatusGatewayTimeout, "TimeoutError", err.Error())
		return http.StatusGatewayTimeout
	default:
		log.Msg("handler invocation failed")
		writeError(w, http.StatusBadGateway, "HandlerInvocationError", err.Error())
		return http.StatusBadGateway
	}
}

func toPlain(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeError(w http.ResponseWriter, status int, errorType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"errorType": errorType,
		"message":   message,
	})
}
