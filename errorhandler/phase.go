package errorhandler

import (
	"context"
)

// ErrorPhase indicates where in the batch cycle an error occurred
type ErrorPhase int

const (
	PhaseUnknown ErrorPhase = iota // zero value - uninitialized phase
	PhasePull                      // error reading records from the transport
	PhaseProcess                   // error returned by the application processor
	PhaseCommit                    // error writing the checkpoint
)

func (p ErrorPhase) String() string {
	switch p {
	case PhaseUnknown:
		return "unknown"
	case PhasePull:
		return "pull"
	case PhaseProcess:
		return "process"
	case PhaseCommit:
		return "commit"
	default:
		return "unknown"
	}
}

var _ Handler = (*PhaseRouter)(nil)

type PhaseRouter struct {
	handler        Handler
	pullHandler    Handler
	processHandler Handler
	commitHandler  Handler
}

// NewPhaseRouter creates a new PhaseRouter with the provided handlers for each phase.
// If a handler for a specific phase is nil, the router will fall back to the default handler.
// If the default handler is unset, defaults to SilentFail, which fails without logging at the error handler level.
func NewPhaseRouter(handler Handler, pullHandler Handler, processHandler Handler, commitHandler Handler) *PhaseRouter {
	if handler == nil {
		handler = SilentFail()
	}

	return &PhaseRouter{
		handler:        handler,
		pullHandler:    pullHandler,
		processHandler: processHandler,
		commitHandler:  commitHandler,
	}
}

func (r *PhaseRouter) Handle(ctx context.Context, ec ErrorContext) Action {
	switch ec.Phase {
	case PhasePull:
		if r.pullHandler != nil {
			return r.pullHandler.Handle(ctx, ec)
		}
	case PhaseProcess:
		if r.processHandler != nil {
			return r.processHandler.Handle(ctx, ec)
		}
	case PhaseCommit:
		if r.commitHandler != nil {
			return r.commitHandler.Handle(ctx, ec)
		}
	case PhaseUnknown:
	default:
	}

	return r.handler.Handle(ctx, ec)
}
