package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"triggerd/internal/trigger"
	logx "triggerd/pkg/logx"
)

const scriptEntryPoint = "handle"

// scriptHandler runs a JavaScript job body on a dedicated goja runtime.
//
// A goja.Runtime is not goroutine-safe; invocations are serialized by mu.
// Context cancellation interrupts the runtime, which aborts even scripts
// stuck in an unbounded loop.
type scriptHandler struct {
	name    string
	version string
	log     logx.Logger

	mu     sync.Mutex
	vm     *goja.Runtime
	handle goja.Callable
}

func newScriptHandler(name, version, src string, log logx.Logger) (*scriptHandler, error) {
	prog, err := goja.Compile(name+".js", src, false)
	if err != nil {
		return nil, fmt.Errorf("script %s: compile: %w", name, err)
	}
	h := &scriptHandler{
		name:    name,
		version: version,
		log:     log.With(logx.String("comp", "script"), logx.String("script", name)),
		vm:      goja.New(),
	}
	h.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := h.vm.Set("log", h.jsLog); err != nil {
		return nil, fmt.Errorf("script %s: %w", name, err)
	}
	if _, err := h.vm.RunProgram(prog); err != nil {
		return nil, fmt.Errorf("script %s: init: %w", name, err)
	}
	fn, ok := goja.AssertFunction(h.vm.Get(scriptEntryPoint))
	if !ok {
		return nil, fmt.Errorf("script %s: function %s(payload) not defined", name, scriptEntryPoint)
	}
	h.handle = fn
	return h, nil
}

func (h *scriptHandler) Type() trigger.JobType { return trigger.JobTypeScripted }
func (h *scriptHandler) Name() string          { return h.name }
func (h *scriptHandler) Version() string       { return h.version }

func (h *scriptHandler) Invoke(ctx context.Context, payload json.RawMessage) (any, error) {
	var arg any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &arg); err != nil {
			return nil, fmt.Errorf("%w: payload is not JSON: %v", trigger.ErrInvalidRequest, err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		h.vm.Interrupt(ctx.Err())
		close(fired)
	})
	defer func() {
		// The interrupt must land before ClearInterrupt, or it would leak
		// into the next invocation.
		if !stop() {
			<-fired
		}
		h.vm.ClearInterrupt()
	}()

	v, err := h.handle(goja.Undefined(), h.vm.ToValue(arg))
	if err != nil {
		var ie *goja.InterruptedError
		if errors.As(err, &ie) {
			if cerr := ctx.Err(); cerr != nil {
				return nil, fmt.Errorf("script %s interrupted: %w", h.name, cerr)
			}
			return nil, fmt.Errorf("script %s interrupted: %v", h.name, ie.Value())
		}
		var ex *goja.Exception
		if errors.As(err, &ex) {
			return nil, fmt.Errorf("script %s: %s", h.name, ex.Value().String())
		}
		return nil, fmt.Errorf("script %s: %w", h.name, err)
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return v.Export(), nil
}

func (h *scriptHandler) jsLog(call goja.FunctionCall) goja.Value {
	parts := make([]string, 0, len(call.Arguments))
	for _, a := range call.Arguments {
		parts = append(parts, a.String())
	}
	h.log.Info("script.log", logx.String("msg", strings.Join(parts, " ")))
	return goja.Undefined()
}
