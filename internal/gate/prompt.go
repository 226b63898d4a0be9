package gate

import (
	"context"

	"github.com/triage-ai/palisade/services/request_gate/internal/approval"
)

// HTTPApprovalRequest describes an outbound request awaiting a decision.
type HTTPApprovalRequest struct {
	Hostname string
	Port     int
	Preview  string // human-readable request summary; may be empty
}

// Prompt obtains a human decision. Implementations block only the calling
// goroutine and must return when ctx is done.
type Prompt interface {
	RequestApproval(ctx context.Context, req HTTPApprovalRequest) (Outcome, error)
	RequestHistoryAccess(ctx context.Context, category approval.Category) (Outcome, error)
}

type requesterKey struct{}

// WithRequester attaches the calling client's identity to ctx so prompts
// and audit records can show who asked.
func WithRequester(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, requesterKey{}, clientID)
}

// RequesterFrom returns the identity set by WithRequester, or "".
func RequesterFrom(ctx context.Context) string {
	id, _ := ctx.Value(requesterKey{}).(string)
	return id
}

// decisionNote lets a Prompt implementation in this package report the
// pending ID and resolving actor back to the gate for the audit record.
type decisionNote struct {
	pendingID string
	actor     string
}

func (n *decisionNote) setActor(actor string) {
	if n != nil {
		n.actor = actor
	}
}

type noteKey struct{}

func withNote(ctx context.Context, n *decisionNote) context.Context {
	return context.WithValue(ctx, noteKey{}, n)
}

func noteFrom(ctx context.Context) *decisionNote {
	n, _ := ctx.Value(noteKey{}).(*decisionNote)
	return n
}
