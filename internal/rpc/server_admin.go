package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/steveyegge/switchyard/internal/budget"
	"github.com/steveyegge/switchyard/internal/types"
)

func (s *Server) handleBudgetStatus(ctx context.Context, req *Request) *Response {
	statuses, err := s.deps.Budgets.Status(ctx, time.Now())
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewResponse(statuses)
}

func (s *Server) handleBudgetRecord(ctx context.Context, req *Request) *Response {
	var args BudgetRecordArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return NewErrorResponse(err)
	}

	periods := []types.Period{types.PeriodDaily, types.PeriodWeekly, types.PeriodMonthly}
	if args.Period != "" {
		if !args.Period.IsValid() {
			return NewErrorResponse(fmt.Errorf("invalid period %q: %w", args.Period, types.ErrValidation))
		}
		periods = []types.Period{args.Period}
	}

	now := time.Now()
	var warnings []budget.Warning
	for _, period := range periods {
		w, err := s.deps.Budgets.RecordCost(ctx, args.Amount, period, now)
		if err != nil {
			return NewErrorResponse(err)
		}
		warnings = append(warnings, w...)
	}
	return NewResponse(&BudgetRecordResult{Warnings: warnings})
}

func (s *Server) handleConfigGet(ctx context.Context, req *Request) *Response {
	var args ConfigGetArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return NewErrorResponse(err)
	}
	if args.Key == "" {
		return NewErrorResponse(fmt.Errorf("config get needs a key: %w", types.ErrValidation))
	}

	value, found := s.deps.Config.Get(args.Key)
	return NewResponse(&ConfigGetResult{Key: args.Key, Value: value, Found: found})
}

func (s *Server) handleConfigSet(ctx context.Context, req *Request) *Response {
	var args ConfigSetArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return NewErrorResponse(err)
	}

	var value interface{}
	if err := json.Unmarshal(args.Value, &value); err != nil {
		return NewErrorResponse(fmt.Errorf("invalid config value: %v: %w", err, types.ErrValidation))
	}
	if err := s.deps.Config.Set(args.Key, value); err != nil {
		return NewErrorResponse(err)
	}
	// CLI round-trips expect the write on disk before the response.
	if err := s.deps.Config.FlushSync(); err != nil {
		return NewErrorResponse(err)
	}
	return NewResponse(nil)
}

func (s *Server) handlePing(ctx context.Context, req *Request) *Response {
	res := &PingResult{
		Version:       s.deps.Version,
		PID:           os.Getpid(),
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
	}
	if s.deps.Store != nil {
		res.DBPath = s.deps.Store.Path()
	}
	return NewResponse(res)
}

func (s *Server) handleShutdown(ctx context.Context, req *Request) *Response {
	s.log.Infof("shutdown requested over rpc")
	s.requestShutdown()
	return NewResponse(nil)
}
