// Package gitops is the issue/PR collaborator boundary. The workflow
// only needs a handful of operations; everything else about GitHub is
// out of scope here.
package gitops

import (
	"context"
	"strings"
	"time"
)

// ManagedMarker is embedded in the body of every issue and PR this
// system creates, so the orphan scan can recognize its own work.
const ManagedMarker = "<!-- gadugi:managed -->"

// Review is one submitted PR review.
type Review struct {
	ID          int64
	State       string // APPROVED, CHANGES_REQUESTED, COMMENTED
	Body        string
	SubmittedAt time.Time
}

// PullRequest is the subset of PR state the workflow cares about.
type PullRequest struct {
	Number    int
	Title     string
	Body      string
	Head      string
	CreatedAt time.Time
}

// Managed reports whether this PR was created by gadugi.
func (p PullRequest) Managed() bool {
	return strings.Contains(p.Body, ManagedMarker)
}

// Client is the external issue/PR collaborator. Callers are responsible
// for idempotency: the workflow never calls CreateIssue or CreatePR
// twice for the same task (checkpoints guard re-entry).
type Client interface {
	CreateIssue(ctx context.Context, title, body string, labels []string) (int, error)
	CreatePR(ctx context.Context, title, body, base, head string) (int, error)
	PostReview(ctx context.Context, prNumber int, action, body string) error
	GetPRDiff(ctx context.Context, prNumber int) ([]string, error)
	GetPRReviews(ctx context.Context, prNumber int) ([]Review, error)
	ListOpenPRs(ctx context.Context) ([]PullRequest, error)
}
