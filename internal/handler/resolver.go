package handler

import (
	"fmt"
	"strings"

	"triggerd/internal/trigger"
	logx "triggerd/pkg/logx"
)

var ErrScriptNotFound = fmt.Errorf("script %w", trigger.ErrHandlerNotFound)

// Replacement reasons. They show up in logs and in the status messages of
// discarded triggers.
const (
	ReasonNewWorker      = "new worker"
	ReasonJobTypeChanged = "job type changed"
	ReasonHandlerSwapped = "handler swapped"
	ReasonScriptUpdated  = "script updated"
)

// Resolver decides, per trigger, which handler serves it and whether the
// worker's existing handler must be replaced first.
//
// Resolve has no side effects besides constructing a handler; callers may
// discard what it returns.
type Resolver struct {
	managed *ManagedSource
	scripts *ScriptSource
	log     logx.Logger
}

func NewResolver(managed *ManagedSource, scripts *ScriptSource, log logx.Logger) *Resolver {
	if managed == nil {
		managed = NewManagedSource()
	}
	if scripts == nil {
		scripts = NewScriptSource("", log)
	}
	return &Resolver{managed: managed, scripts: scripts, log: log}
}

func (r *Resolver) Managed() *ManagedSource { return r.managed }
func (r *Resolver) Scripts() *ScriptSource  { return r.scripts }

// Resolve returns the handler for req. When mustReplace is false, h is
// existing and the worker can be reused as is.
func (r *Resolver) Resolve(existing Handler, req trigger.Request) (h Handler, mustReplace bool, reason string, err error) {
	switch req.Type {
	case trigger.JobTypeManaged:
		return r.resolveManaged(existing, req)
	case trigger.JobTypeScripted:
		return r.resolveScripted(existing, req)
	case trigger.JobTypeShell, trigger.JobTypePython, trigger.JobTypeNodeJS, trigger.JobTypePowerShell:
		return nil, false, "", fmt.Errorf("%w: %s needs an external runtime", trigger.ErrUnsupportedJobType, req.Type)
	default:
		return nil, false, "", fmt.Errorf("%w: %s", trigger.ErrUnsupportedJobType, req.Type)
	}
}

// replaceReason names why existing cannot serve a trigger of type t. swapped
// is the type-specific reason for a same-type mismatch.
func replaceReason(existing Handler, t trigger.JobType, swapped string) string {
	switch {
	case existing == nil:
		return ReasonNewWorker
	case existing.Type() != t:
		return ReasonJobTypeChanged
	default:
		return swapped
	}
}

func (r *Resolver) resolveManaged(existing Handler, req trigger.Request) (Handler, bool, string, error) {
	name := req.HandlerName()
	fn, gen, ok := r.managed.Lookup(name)
	if !ok {
		return nil, false, "", fmt.Errorf("%w: managed %q", trigger.ErrHandlerNotFound, name)
	}
	if cur, ok := existing.(*managedHandler); ok && cur.name == name && cur.gen == gen {
		return existing, false, "", nil
	}
	return newManagedHandler(name, fn, gen), true, replaceReason(existing, trigger.JobTypeManaged, ReasonHandlerSwapped), nil
}

func (r *Resolver) resolveScripted(existing Handler, req trigger.Request) (Handler, bool, string, error) {
	name := req.HandlerName()
	desired := strings.TrimSpace(req.HandlerVersion)
	cur, _ := existing.(*scriptHandler)

	// An explicit version can be matched without touching the source.
	if desired != "" && cur != nil && cur.name == name && cur.version == desired {
		return existing, false, "", nil
	}

	var src string
	if req.Script != "" {
		src = req.Script
		if desired == "" {
			desired = ContentVersion(src)
		}
	} else {
		sc, err := r.scripts.Load(name)
		if err != nil {
			return nil, false, "", err
		}
		src = sc.Source
		if desired == "" {
			desired = sc.Version
		}
	}
	if cur != nil && cur.name == name && cur.version == desired {
		return existing, false, "", nil
	}

	h, err := newScriptHandler(name, desired, src, r.log)
	if err != nil {
		return nil, false, "", err
	}
	return h, true, replaceReason(existing, trigger.JobTypeScripted, ReasonScriptUpdated), nil
}
