package rpc

import (
	"context"
	"time"

	"github.com/steveyegge/switchyard/internal/claims"
	"github.com/steveyegge/switchyard/internal/store"
	"github.com/steveyegge/switchyard/internal/types"
)

func (s *Server) handleClaimAcquire(ctx context.Context, req *Request) *Response {
	var args ClaimAcquireArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return NewErrorResponse(err)
	}

	claim, err := s.claims.Acquire(ctx, claims.AcquireRequest{
		SessionID: args.SessionID,
		RepoPath:  args.RepoPath,
		FilePath:  args.FilePath,
		Mode:      args.Mode,
		Reason:    args.Reason,
		TTL:       time.Duration(args.TTLHours * float64(time.Hour)),
	})
	if s.deps.Metrics != nil {
		s.deps.Metrics.ClaimRequest(ctx, err == nil)
	}
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewResponse(claim)
}

func (s *Server) handleClaimList(ctx context.Context, req *Request) *Response {
	var args ClaimListArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return NewErrorResponse(err)
	}

	var list []*types.FileClaim
	var err error
	if args.SessionID != "" {
		list, err = s.claims.ListForSession(ctx, args.SessionID)
	} else {
		list, err = s.claims.List(ctx, args.RepoPath, args.IncludeInactive)
	}
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewResponse(list)
}

func (s *Server) handleClaimRelease(ctx context.Context, req *Request) *Response {
	var args ClaimReleaseArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return NewErrorResponse(err)
	}

	released, err := s.claims.Release(ctx, args.ClaimID, args.SessionID, args.Force)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewResponse(&ClaimReleaseResult{Released: released})
}

func (s *Server) handleClaimEscalate(ctx context.Context, req *Request) *Response {
	var args ClaimEscalateArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return NewErrorResponse(err)
	}

	claim, err := s.claims.Escalate(ctx, args.ClaimID, args.SessionID, args.Mode)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewResponse(claim)
}

func (s *Server) handleSubscribe(ctx context.Context, req *Request) *Response {
	var args SubscribeArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return NewErrorResponse(err)
	}

	sub := &types.Subscription{
		SessionID:    args.SessionID,
		RepoPath:     args.RepoPath,
		BranchName:   args.BranchName,
		TargetBranch: args.TargetBranch,
	}
	err := s.deps.Store.RunInTransaction(ctx, func(tx *store.Tx) error {
		return tx.InsertSubscription(ctx, sub)
	})
	if err != nil {
		return NewErrorResponse(err)
	}
	if s.deps.Detector != nil {
		s.deps.Detector.Kick(sub.RepoPath)
	}
	return NewResponse(sub)
}

func (s *Server) handleMerges(ctx context.Context, req *Request) *Response {
	var args MergesArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return NewErrorResponse(err)
	}

	events, err := s.deps.Store.MergeEventsForRepo(ctx, args.RepoPath, args.Limit)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewResponse(events)
}
