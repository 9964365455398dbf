// ABOUTME: Classifies a message as needing web search or a direct answer
// ABOUTME: Fails safe to the direct path when classification is unavailable

package taskrouter

import (
	"context"
	"log/slog"
)

// Route is the selected generation path.
type Route string

const (
	// RouteSearch sends the job through search augmentation first.
	RouteSearch Route = "search"
	// RouteProceed answers directly, the cheaper dependency-free path.
	RouteProceed Route = "proceed"
)

// Classifier is the injected task classification capability.
type Classifier interface {
	ClassifyTask(ctx context.Context, text string) (Route, error)
}

// Router selects the generation path for a message. Any classification
// failure, including an unrecognized route, defaults to RouteProceed.
type Router struct {
	classifier Classifier
	logger     *slog.Logger
}

// New creates a task router. classifier may be nil, in which case every
// message proceeds directly.
func New(classifier Classifier, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		classifier: classifier,
		logger:     logger.With("component", "taskrouter"),
	}
}

// Route classifies the message text.
func (r *Router) Route(ctx context.Context, text string) Route {
	if r.classifier == nil {
		return RouteProceed
	}
	route, err := r.classifier.ClassifyTask(ctx, text)
	if err != nil {
		r.logger.Warn("task classification failed, proceeding directly", "error", err)
		return RouteProceed
	}
	if route != RouteSearch {
		return RouteProceed
	}
	return RouteSearch
}
