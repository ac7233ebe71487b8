package rpc

import (
	"context"

	"github.com/steveyegge/switchyard/internal/sandbox"
)

func summarizeSandbox(sb *sandbox.Sandbox) SandboxSummary {
	return SandboxSummary{
		ID:             sb.ID,
		SessionID:      sb.SessionID,
		RepoPath:       sb.RepoPath,
		Status:         string(sb.Status),
		CreatedAt:      sb.CreatedAt,
		TimeoutMinutes: sb.TimeoutMinutes,
		BudgetLimit:    sb.BudgetLimit,
	}
}

func (s *Server) handleSandboxCreate(ctx context.Context, req *Request) *Response {
	var args SandboxCreateArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return NewErrorResponse(err)
	}

	sb, err := s.deps.Sandboxes.CreateSandbox(ctx, args.SessionID, args.APIKey)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewResponse(summarizeSandbox(sb))
}

func (s *Server) handleSandboxRun(ctx context.Context, req *Request) *Response {
	var args SandboxRunArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return NewErrorResponse(err)
	}

	output, err := s.deps.Sandboxes.RunCommand(ctx, args.SandboxID, args.Command)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewResponse(&SandboxRunResult{Output: output})
}

func (s *Server) handleSandboxUpload(ctx context.Context, req *Request) *Response {
	var args SandboxUploadArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return NewErrorResponse(err)
	}

	res, err := s.deps.Sandboxes.UploadWorkspace(ctx, args.SandboxID, args.LocalPath, args.RemotePath)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewResponse(res)
}

func (s *Server) handleSandboxDownload(ctx context.Context, req *Request) *Response {
	var args SandboxDownloadArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return NewErrorResponse(err)
	}

	res, err := s.deps.Sandboxes.DownloadChanges(ctx, args.SandboxID, args.RemotePath, args.LocalPath)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewResponse(res)
}

func (s *Server) handleSandboxKill(ctx context.Context, req *Request) *Response {
	var args SandboxKillArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return NewErrorResponse(err)
	}

	if err := s.deps.Sandboxes.Kill(ctx, args.SandboxID); err != nil {
		return NewErrorResponse(err)
	}
	return NewResponse(nil)
}

func (s *Server) handleSandboxList(ctx context.Context, req *Request) *Response {
	active := s.deps.Sandboxes.List()
	out := make([]SandboxSummary, 0, len(active))
	for _, sb := range active {
		out = append(out, summarizeSandbox(sb))
	}
	return NewResponse(out)
}
