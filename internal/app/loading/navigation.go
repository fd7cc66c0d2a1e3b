package loading

import (
	"context"
	"strings"
	"time"
)

// DefaultNavigationMinLoadingTime is the floor applied to page transitions.
const DefaultNavigationMinLoadingTime = 300 * time.Millisecond

// Navigator wraps page-transition work in a loading session.
type Navigator struct {
	orchestrator *Orchestrator
	minLoading   time.Duration
}

// NewNavigator constructs a navigation adapter over o.
func NewNavigator(o *Orchestrator, minLoading time.Duration) *Navigator {
	if minLoading < 0 {
		minLoading = DefaultNavigationMinLoadingTime
	}
	return &Navigator{orchestrator: o, minLoading: minLoading}
}

// Navigate runs the transition to route under a loading session whose task is
// named after the route.
func (n *Navigator) Navigate(ctx context.Context, route string, fn func(context.Context) error) error {
	taskID := "navigation"
	if trimmed := strings.TrimSpace(route); trimmed != "" {
		taskID += ":" + trimmed
	}
	return n.orchestrator.WithLoading(ctx, func(ctx context.Context, _ ReportFunc) error {
		if fn == nil {
			return nil
		}
		return fn(ctx)
	}, WithTaskID(taskID), WithMinLoadingTime(n.minLoading))
}

// Loading reports whether a loading session is outstanding.
func (n *Navigator) Loading() bool {
	return n.orchestrator.Status().Active()
}
