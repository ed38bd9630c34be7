package agent

import (
	"context"
	"encoding/json"
	"sync"

	"SprintPilot/pkg/plugin"
)

// toolRecorder 按调用顺序记录工具名称，保留重复项。
type toolRecorder struct {
	mu     sync.Mutex
	names  []string
	notify func(name string)
}

func (r *toolRecorder) wrap(functions []plugin.Function) []plugin.Function {
	wrapped := make([]plugin.Function, len(functions))
	for i, fn := range functions {
		fn := fn
		inner := fn.Handler
		fn.Handler = func(ctx context.Context, args json.RawMessage) (string, error) {
			r.record(fn.Name)
			if inner == nil {
				return "", nil
			}
			return inner(ctx, args)
		}
		wrapped[i] = fn
	}
	return wrapped
}

func (r *toolRecorder) record(name string) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
	if r.notify != nil {
		r.notify(name)
	}
}

func (r *toolRecorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}
