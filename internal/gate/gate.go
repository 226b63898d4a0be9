// Package gate decides whether an MCP client's outbound HTTP request or
// proxy-history read may proceed: auto-approved, approved by an operator,
// or denied. Every failure path denies.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/request_gate/internal/approval"
	"github.com/triage-ai/palisade/services/request_gate/internal/matcher"
	"github.com/triage-ai/palisade/services/request_gate/internal/metrics"
	"github.com/triage-ai/palisade/services/request_gate/internal/storage"
	"go.uber.org/zap"
)

// Source names what produced a decision.
type Source string

const (
	SourceApprovalDisabled Source = "approval_disabled"
	SourceAllowList        Source = "allowlist"
	SourceCategoryFlag     Source = "category_flag"
	SourcePrompt           Source = "prompt"
	SourcePromptError      Source = "prompt_error"
	SourceTimeout          Source = "timeout"
	SourceCancelled        Source = "cancelled"
	SourceInvalid          Source = "invalid_request"
)

// Target is the destination of an outbound request.
type Target struct {
	Hostname string
	Port     int
}

func (t Target) String() string {
	return matcher.FormatHostPort(t.Hostname, t.Port)
}

// Result is the gate's answer for one check.
type Result struct {
	Allowed bool
	Source  Source
	Outcome Outcome // empty unless a prompt answered
	Message string
}

// Options tunes a Gate.
type Options struct {
	// DecisionTimeout denies a prompt nobody answers within the duration.
	// Zero waits until the caller's context is done.
	DecisionTimeout time.Duration
}

// Gate is the authorization state machine in front of outbound requests
// and history reads.
type Gate struct {
	store   *approval.Store
	prompt  Prompt
	writer  storage.EventWriter
	metrics *metrics.Metrics
	logger  *zap.Logger
	opts    Options
}

// NewGate wires a Gate. writer and m may be nil.
func NewGate(store *approval.Store, prompt Prompt, writer storage.EventWriter, m *metrics.Metrics, logger *zap.Logger, opts Options) *Gate {
	return &Gate{
		store:   store,
		prompt:  prompt,
		writer:  writer,
		metrics: m,
		logger:  logger,
		opts:    opts,
	}
}

// CheckHTTPRequest authorizes an outbound request to target. preview is a
// human-readable summary shown to the operator.
func (g *Gate) CheckHTTPRequest(ctx context.Context, target Target, preview string) Result {
	start := time.Now()
	rec := &storage.DecisionEvent{
		Kind:     string(KindHTTPRequest),
		Hostname: target.Hostname,
		Port:     int32(target.Port),
	}

	if err := matcher.ValidateHostname(target.Hostname); err != nil {
		rec.Detail = err.Error()
		return g.finish(ctx, rec, start, Result{Source: SourceInvalid, Message: "denied: invalid hostname"})
	}

	require, err := g.store.RequireHTTPRequestApproval(ctx)
	if err != nil {
		g.logger.Error("reading http approval switch failed, requiring approval", zap.Error(err))
	}
	if !require {
		return g.finish(ctx, rec, start, Result{Allowed: true, Source: SourceApprovalDisabled, Message: "allowed: approval not required"})
	}

	targets, err := g.store.ListTargets(ctx)
	if err != nil {
		g.logger.Error("reading allow-list failed, treating as empty", zap.Error(err))
	}
	if matcher.IsAutoApproved(target.Hostname, target.Port, targets) {
		return g.finish(ctx, rec, start, Result{Allowed: true, Source: SourceAllowList, Message: "allowed: auto-approved target"})
	}

	note := &decisionNote{}
	outcome, res := g.ask(ctx, note, rec, func(pctx context.Context) (Outcome, error) {
		return g.prompt.RequestApproval(pctx, HTTPApprovalRequest{
			Hostname: target.Hostname,
			Port:     target.Port,
			Preview:  preview,
		})
	})
	rec.PendingID = note.pendingID
	rec.Actor = note.actor
	if res != nil {
		return g.finish(ctx, rec, start, *res)
	}

	result := Result{Source: SourcePrompt, Outcome: outcome}
	switch outcome {
	case OutcomeAllowOnce:
		result.Allowed = true
		result.Message = "allowed once by operator"
	case OutcomeAllowHost:
		g.persistTarget(ctx, rec, target.Hostname)
		result.Allowed = true
		result.Message = "allowed: host added to auto-approve list"
	case OutcomeAllowHostPort:
		g.persistTarget(ctx, rec, matcher.FormatHostPort(target.Hostname, target.Port))
		result.Allowed = true
		result.Message = "allowed: host:port added to auto-approve list"
	case OutcomeDeny:
		result.Message = "denied by operator"
	default:
		g.logger.Error("unrecognized approval outcome, denying", zap.String("outcome", string(outcome)))
		result.Message = "denied: unrecognized decision"
	}
	return g.finish(ctx, rec, start, result)
}

// CheckHistoryAccess authorizes a read of the given proxy-history category.
func (g *Gate) CheckHistoryAccess(ctx context.Context, category approval.Category) Result {
	start := time.Now()
	rec := &storage.DecisionEvent{
		Kind:     string(KindHistoryAccess),
		Category: string(category),
	}

	if !category.Valid() {
		return g.finish(ctx, rec, start, Result{Source: SourceInvalid, Message: fmt.Sprintf("denied: unknown history category %q", category)})
	}

	require, err := g.store.RequireHistoryAccessApproval(ctx)
	if err != nil {
		g.logger.Error("reading history approval switch failed, requiring approval", zap.Error(err))
	}
	if !require {
		return g.finish(ctx, rec, start, Result{Allowed: true, Source: SourceApprovalDisabled, Message: "allowed: approval not required"})
	}

	always, err := g.store.AlwaysAllow(ctx, category)
	if err != nil {
		g.logger.Error("reading category flag failed, treating as unset",
			zap.String("category", string(category)),
			zap.Error(err),
		)
		rec.Detail = "read failed: " + err.Error()
	}
	if always {
		return g.finish(ctx, rec, start, Result{Allowed: true, Source: SourceCategoryFlag, Message: "allowed: " + category.DisplayName() + " always allowed"})
	}

	note := &decisionNote{}
	outcome, res := g.ask(ctx, note, rec, func(pctx context.Context) (Outcome, error) {
		return g.prompt.RequestHistoryAccess(pctx, category)
	})
	rec.PendingID = note.pendingID
	rec.Actor = note.actor
	if res != nil {
		return g.finish(ctx, rec, start, *res)
	}

	result := Result{Source: SourcePrompt, Outcome: outcome}
	switch outcome {
	case OutcomeAllowOnce:
		result.Allowed = true
		result.Message = "allowed once by operator"
	case OutcomeAlwaysAllowCategory:
		if err := g.store.SetAlwaysAllow(context.WithoutCancel(ctx), category, true); err != nil {
			g.logger.Error("persisting always-allow flag failed",
				zap.String("category", string(category)),
				zap.Error(err),
			)
			rec.Detail = "persist failed: " + err.Error()
		}
		result.Allowed = true
		result.Message = "allowed: " + category.DisplayName() + " always allowed from now on"
	case OutcomeDeny:
		result.Message = "denied by operator"
	default:
		g.logger.Error("unrecognized history outcome, denying", zap.String("outcome", string(outcome)))
		result.Message = "denied: unrecognized decision"
	}
	return g.finish(ctx, rec, start, result)
}

// ask runs the prompt with panic recovery and the optional decision
// timeout. A non-nil Result means the prompt failed and the check is denied.
func (g *Gate) ask(ctx context.Context, note *decisionNote, rec *storage.DecisionEvent, call func(context.Context) (Outcome, error)) (outcome Outcome, denied *Result) {
	pctx := withNote(ctx, note)
	if g.opts.DecisionTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(pctx, g.opts.DecisionTimeout)
		defer cancel()
	}

	waitStart := time.Now()
	defer func() {
		g.metrics.ObserveWait(rec.Kind, time.Since(waitStart).Seconds())
	}()

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("approval prompt panicked, denying", zap.Any("panic", r))
			g.metrics.PromptFailed()
			rec.Detail = fmt.Sprint(r)
			outcome = ""
			denied = &Result{Source: SourcePromptError, Message: "denied: approval prompt failed"}
		}
	}()

	outcome, err := call(pctx)
	if err == nil {
		return outcome, nil
	}

	rec.Detail = err.Error()
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		g.logger.Warn("approval prompt timed out, denying", zap.Duration("timeout", g.opts.DecisionTimeout))
		return "", &Result{Source: SourceTimeout, Message: "denied: no decision before timeout"}
	}
	if ctx.Err() != nil {
		g.logger.Info("caller went away while waiting for a decision, denying", zap.Error(err))
		return "", &Result{Source: SourceCancelled, Message: "denied: request cancelled before a decision"}
	}
	g.logger.Error("approval prompt failed, denying", zap.Error(err))
	g.metrics.PromptFailed()
	return "", &Result{Source: SourcePromptError, Message: "denied: approval prompt failed"}
}

func (g *Gate) persistTarget(ctx context.Context, rec *storage.DecisionEvent, entry string) {
	// The operator approved this request; a failed write only loses the
	// "always" part.
	if err := matcher.ValidateEntry(entry); err != nil {
		g.logger.Error("refusing to persist invalid auto-approve target",
			zap.String("entry", entry),
			zap.Error(err),
		)
		rec.Detail = "persist refused: " + err.Error()
		return
	}
	if _, err := g.store.AddTarget(context.WithoutCancel(ctx), entry); err != nil {
		g.logger.Error("persisting auto-approve target failed",
			zap.String("entry", entry),
			zap.Error(err),
		)
		rec.Detail = "persist failed: " + err.Error()
	}
}

func (g *Gate) finish(ctx context.Context, rec *storage.DecisionEvent, start time.Time, r Result) Result {
	decision := "deny"
	if r.Allowed {
		decision = "allow"
	}

	rec.EventID = uuid.NewString()
	rec.Timestamp = start
	rec.Decision = decision
	rec.Outcome = string(r.Outcome)
	rec.Source = string(r.Source)
	rec.ClientID = RequesterFrom(ctx)
	rec.WaitMs = float32(time.Since(start).Microseconds()) / 1000.0

	if g.writer != nil {
		g.writer.Write(rec)
	}
	g.metrics.ObserveDecision(rec.Kind, decision, rec.Source)

	g.logger.Info("gate decision",
		zap.String("event_id", rec.EventID),
		zap.String("kind", rec.Kind),
		zap.String("hostname", rec.Hostname),
		zap.Int32("port", rec.Port),
		zap.String("category", rec.Category),
		zap.String("decision", decision),
		zap.String("source", rec.Source),
		zap.String("outcome", rec.Outcome),
		zap.String("client_id", rec.ClientID),
	)
	return r
}
