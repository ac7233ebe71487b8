package rpc

import (
	"context"

	"github.com/steveyegge/switchyard/internal/coordinator"
	"github.com/steveyegge/switchyard/internal/types"
)

func (s *Server) handleRegister(ctx context.Context, req *Request) *Response {
	var args RegisterArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return NewErrorResponse(err)
	}

	opts := coordinator.RegisterOptions{
		ExecutionMode: types.ExecutionMode(args.ExecutionMode),
		Prompt:        args.Prompt,
		Template:      args.Template,
		BudgetLimit:   args.BudgetLimit,
	}
	res, err := s.deps.Coord.RegisterWithOptions(ctx, args.RepoPath, args.PID, opts)
	if err != nil {
		return NewErrorResponse(err)
	}
	if res.IsNew && s.deps.Metrics != nil {
		s.deps.Metrics.SessionRegistered(ctx)
	}

	out := &RegisterResult{
		Session:          res.Session,
		IsNew:            res.IsNew,
		ParallelSessions: res.ParallelSessions,
	}
	if res.WorktreeErr != nil {
		out.WorktreeWarning = res.WorktreeErr.Error()
	}
	return NewResponse(out)
}

func (s *Server) handleHeartbeat(ctx context.Context, req *Request) *Response {
	var args HeartbeatArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return NewErrorResponse(err)
	}

	ok, err := s.deps.Coord.Heartbeat(ctx, args.PID)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewResponse(&HeartbeatResult{Refreshed: ok})
}

func (s *Server) handleRelease(ctx context.Context, req *Request) *Response {
	var args ReleaseArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return NewErrorResponse(err)
	}

	res, err := s.deps.Coord.Release(ctx, args.PID)
	if err != nil {
		return NewErrorResponse(err)
	}
	out := &ReleaseResult{Released: res.Released, WorktreeRemoved: res.WorktreeRemoved}
	if res.Session != nil {
		out.SessionID = res.Session.ID
	}
	return NewResponse(out)
}

func (s *Server) handleStatus(ctx context.Context, req *Request) *Response {
	var args StatusArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return NewErrorResponse(err)
	}

	res, err := s.deps.Coord.Status(ctx, args.RepoPath)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewResponse(res)
}

func (s *Server) handleCleanup(ctx context.Context, req *Request) *Response {
	res, err := s.deps.Coord.Cleanup(ctx)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewResponse(res)
}
