package agent

import (
	"context"
	"fmt"
)

// Router dispatches each task to the provider configured for it, so each
// stage can be backed by a different provider.
type Router struct {
	routes   map[string]Gateway
	fallback Gateway
}

// NewRouter creates a Router that sends unrouted tasks to fallback.
func NewRouter(fallback Gateway) *Router {
	return &Router{routes: make(map[string]Gateway), fallback: fallback}
}

// Route assigns a provider to a task.
func (r *Router) Route(task string, g Gateway) {
	r.routes[task] = g
}

// Invoke forwards req to the provider for req.Task.
func (r *Router) Invoke(ctx context.Context, req Request) (*Response, error) {
	g, ok := r.routes[req.Task]
	if !ok {
		g = r.fallback
	}
	if g == nil {
		return nil, fmt.Errorf("no agent provider for task %q", req.Task)
	}
	return g.Invoke(ctx, req)
}
