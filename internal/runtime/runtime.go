// Package runtime loads user JavaScript handlers into an in-process
// engine and invokes them with the managed-runtime envelope.
//
// Each Handler owns one goja VM. A VM executes one invocation at a
// time; concurrent invocations of the same function serialize on the
// handler's mutex, matching the single-threaded execution model of the
// emulated runtime. Different functions run on independent VMs.
package runtime

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/nuclio/errors"
	"github.com/rs/zerolog"
)

// errInterruptTimeout is the interrupt value installed when an
// invocation exceeds its budget.
const errInterruptTimeout = "invocation timed out"

// LoadError is a handler compilation or import failure.
type LoadError struct {
	Function string
	Err      error
}

func (e *LoadError) Error() string {
	return "failed to load handler for " + e.Function + ": " + e.Err.Error()
}

func (e *LoadError) Unwrap() error { return e.Err }

// InvocationError is a failure raised by the handler itself: a thrown
// exception, a rejected promise, or a callback error argument.
type InvocationError struct {
	Function string
	Err      error
}

func (e *InvocationError) Error() string {
	return "handler " + e.Function + " failed: " + e.Err.Error()
}

func (e *InvocationError) Unwrap() error { return e.Err }

// TimeoutError is an invocation that exceeded its declared budget.
// The interrupt is best-effort: the VM is asked to stop at the next
// safe point, not forcibly killed.
type TimeoutError struct {
	Function string
	Limit    time.Duration
}

func (e *TimeoutError) Error() string {
	return "handler " + e.Function + " timed out after " + e.Limit.String()
}

// Options configures a handler load.
type Options struct {
	// BaseDir is the service directory handler paths resolve under.
	BaseDir string

	// HandlerSpec is the "path/to/module.export" entry.
	HandlerSpec string

	// Environment is exposed as process.env.
	Environment map[string]string

	// Timeout is the declared invocation budget.
	Timeout time.Duration

	// MemoryMB is the declared memory size (reported, not enforced).
	MemoryMB int

	// Service and Stage name the surrounding deployment.
	Service string
	Stage   string

	// Logger receives console output from the handler.
	Logger zerolog.Logger
}

// Context carries per-invocation metadata.
type Context struct {
	FunctionName  string
	RequestID     string
	MemoryLimitMB int
	Deadline      time.Time
}

// Handler is a loaded, invocable function handler.
type Handler struct {
	name     string
	vm       *goja.Runtime
	call     goja.Callable
	timeout  time.Duration
	memoryMB int
	log      zerolog.Logger

	// mu serializes invocations; a goja VM is not safe for
	// concurrent use.
	mu sync.Mutex
}

// Load imports the handler entry module and its transitive local
// dependencies, returning an invocable Handler.
func Load(name string, opts Options) (*Handler, error) {
	entry, export, err := ResolveEntry(opts.BaseDir, opts.HandlerSpec)
	if err != nil {
		return nil, &LoadError{Function: name, Err: err}
	}

	vm := goja.New()

	registry := require.NewRegistry(
		require.WithGlobalFolders(opts.BaseDir, filepath.Join(opts.BaseDir, "node_modules")),
	)
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(printer{opts.Logger}))
	req := registry.Enable(vm)
	console.Enable(vm)

	installGlobals(vm, name, opts)

	module, err := req.Require(entry)
	if err != nil {
		return nil, &LoadError{Function: name, Err: err}
	}

	exportVal := module.ToObject(vm).Get(export)
	call, ok := goja.AssertFunction(exportVal)
	if !ok {
		return nil, &LoadError{
			Function: name,
			Err:      errors.Errorf("export %q of %s is not a function", export, entry),
		}
	}

	return &Handler{
		name:     name,
		vm:       vm,
		call:     call,
		timeout:  opts.Timeout,
		memoryMB: opts.MemoryMB,
		log:      opts.Logger,
	}, nil
}

// Timeout returns the handler's declared invocation budget.
func (h *Handler) Timeout() time.Duration { return h.timeout }

// Invoke runs the handler with the given event and invocation context
// and returns the handler's result as a plain Go value. Plain returns,
// promises, and Node-style callbacks are all accepted.
func (h *Handler) Invoke(ctx context.Context, event any, ictx *Context) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	remaining := time.Until(ictx.Deadline)
	if remaining <= 0 {
		return nil, &TimeoutError{Function: h.name, Limit: h.timeout}
	}

	var (
		cbFired  bool
		cbErr    string
		cbFailed bool
		cbResult any
	)
	callback := h.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		cbFired = true
		if errArg := call.Argument(0); !goja.IsUndefined(errArg) && !goja.IsNull(errArg) {
			cbFailed = true
			cbErr = errArg.String()
		} else {
			cbResult = exportValue(call.Argument(1))
		}
		return goja.Undefined()
	})

	timer := time.AfterFunc(remaining, func() {
		h.vm.Interrupt(errInterruptTimeout)
	})
	defer func() {
		timer.Stop()
		h.vm.ClearInterrupt()
	}()

	res, err := h.call(goja.Undefined(), h.vm.ToValue(event), h.contextValue(ictx), callback)
	if err != nil {
		if _, ok := err.(*goja.InterruptedError); ok {
			return nil, &TimeoutError{Function: h.name, Limit: h.timeout}
		}
		return nil, &InvocationError{Function: h.name, Err: err}
	}

	// The job queue is drained before the call returns, so a promise
	// from an async handler is settled here unless it awaits something
	// the emulator cannot advance.
	if p, ok := res.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return exportValue(p.Result()), nil
		case goja.PromiseStateRejected:
			return nil, &InvocationError{
				Function: h.name,
				Err:      errors.Errorf("promise rejected: %s", stringify(p.Result())),
			}
		default:
			return nil, &InvocationError{
				Function: h.name,
				Err:      errors.New("handler promise did not settle; the emulator has no host event loop"),
			}
		}
	}

	if cbFired {
		if cbFailed {
			return nil, &InvocationError{Function: h.name, Err: errors.New(cbErr)}
		}
		return cbResult, nil
	}

	return exportValue(res), nil
}

// contextValue builds the context object passed as the handler's
// second argument.
func (h *Handler) contextValue(ictx *Context) goja.Value {
	return h.vm.ToValue(map[string]any{
		"functionName":    ictx.FunctionName,
		"functionVersion": "$LATEST",
		"awsRequestId":    ictx.RequestID,
		"memoryLimitInMB": strconv.Itoa(ictx.MemoryLimitMB),
		"invokedFunctionArn": "arn:aws:lambda:local:000000000000:function:" +
			ictx.FunctionName,
		"callbackWaitsForEmptyEventLoop": false,
		"getRemainingTimeInMillis": func() int64 {
			if ms := time.Until(ictx.Deadline).Milliseconds(); ms > 0 {
				return ms
			}
			return 0
		},
	})
}

// installGlobals wires process.env and timer shims into the VM.
func installGlobals(vm *goja.Runtime, name string, opts Options) {
	env := map[string]string{
		"FAUXGATE":                        "true",
		"AWS_REGION":                      "local",
		"AWS_LAMBDA_FUNCTION_NAME":        name,
		"AWS_LAMBDA_FUNCTION_MEMORY_SIZE": strconv.Itoa(opts.MemoryMB),
		"FAUXGATE_SERVICE":                opts.Service,
		"FAUXGATE_STAGE":                  opts.Stage,
	}
	for k, v := range opts.Environment {
		env[k] = v
	}
	vm.Set("process", map[string]any{"env": env})

	// The emulator has no host event loop; timer callbacks fire
	// immediately so that awaited delays resolve within the call.
	immediate := func(extraFrom int) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			if fn, ok := goja.AssertFunction(call.Argument(0)); ok {
				var args []goja.Value
				if len(call.Arguments) > extraFrom {
					args = call.Arguments[extraFrom:]
				}
				fn(goja.Undefined(), args...)
			}
			return vm.ToValue(0)
		}
	}
	noop := func(call goja.FunctionCall) goja.Value { return goja.Undefined() }

	vm.Set("setTimeout", immediate(2))
	vm.Set("setImmediate", immediate(1))
	vm.Set("clearTimeout", noop)
	vm.Set("clearImmediate", noop)
}

// exportValue exports a goja value to plain Go, mapping undefined and
// null to nil.
func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// stringify renders a JS value for error messages.
func stringify(v goja.Value) string {
	if v == nil {
		return "<nil>"
	}
	return v.String()
}

// printer routes handler console output to the structured logger.
type printer struct {
	log zerolog.Logger
}

func (p printer) Log(s string)   { p.log.Info().Str("source", "handler").Msg(s) }
func (p printer) Warn(s string)  { p.log.Warn().Str("source", "handler").Msg(s) }
func (p printer) Error(s string) { p.log.Error().Str("source", "handler").Msg(s) }
