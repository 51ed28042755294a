// Package builtin provides the managed handlers shipped with triggerd.
//
//	echo    returns its payload
//	sleep   waits {"for":"2s"} or until cancelled
//	fail    returns an error with {"message":"..."}
//	runtime reports goroutines, memory and uptime of the process
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"triggerd/internal/handler"
)

var started = time.Now()

// Register adds every builtin handler to src.
func Register(src *handler.ManagedSource) error {
	return errors.Join(
		src.Register("echo", Echo),
		src.Register("sleep", Sleep),
		src.Register("fail", Fail),
		src.Register("runtime", Runtime),
	)
}

func Echo(_ context.Context, payload json.RawMessage) (any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("echo: %w", err)
	}
	return v, nil
}

type sleepArgs struct {
	For string `json:"for"`
}

func Sleep(ctx context.Context, payload json.RawMessage) (any, error) {
	var args sleepArgs
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &args); err != nil {
			return nil, fmt.Errorf("sleep: %w", err)
		}
	}
	d := time.Second
	if s := strings.TrimSpace(args.For); s != "" {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return nil, fmt.Errorf("sleep: %w", err)
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return map[string]string{"slept": d.String()}, nil
	}
}

func Fail(_ context.Context, payload json.RawMessage) (any, error) {
	var args struct {
		Message string `json:"message"`
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &args)
	}
	if args.Message == "" {
		args.Message = "requested failure"
	}
	return nil, errors.New(args.Message)
}

// RuntimeStats is the result of the runtime handler.
type RuntimeStats struct {
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
	Uptime     string `json:"uptime"`
	GoVersion  string `json:"go_version"`
}

func Runtime(context.Context, json.RawMessage) (any, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return RuntimeStats{
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  ms.HeapAlloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Uptime:     time.Since(started).Truncate(time.Second).String(),
		GoVersion:  runtime.Version(),
	}, nil
}
