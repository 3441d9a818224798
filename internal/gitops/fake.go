package gitops

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory Client for tests and offline (dry-run) use.
type Fake struct {
	mu         sync.Mutex
	nextIssue  int
	nextPR     int
	Issues     map[int]string // number -> title
	PRs        map[int]PullRequest
	Reviews    map[int][]Review
	Diffs      map[int][]string
	FailCreate bool // make creation calls fail, for error-path tests
}

// NewFake creates an empty fake collaborator.
func NewFake() *Fake {
	return &Fake{
		nextIssue: 100,
		nextPR:    500,
		Issues:    make(map[int]string),
		PRs:       make(map[int]PullRequest),
		Reviews:   make(map[int][]Review),
		Diffs:     make(map[int][]string),
	}
}

func (f *Fake) CreateIssue(ctx context.Context, title, body string, labels []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreate {
		return 0, fmt.Errorf("issue creation refused")
	}
	f.nextIssue++
	f.Issues[f.nextIssue] = title
	return f.nextIssue, nil
}

func (f *Fake) CreatePR(ctx context.Context, title, body, base, head string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreate {
		return 0, fmt.Errorf("pull request creation refused")
	}
	f.nextPR++
	f.PRs[f.nextPR] = PullRequest{
		Number:    f.nextPR,
		Title:     title,
		Body:      body + "\n\n" + ManagedMarker,
		Head:      head,
		CreatedAt: time.Now(),
	}
	return f.nextPR, nil
}

func (f *Fake) PostReview(ctx context.Context, prNumber int, action, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.PRs[prNumber]; !ok {
		return fmt.Errorf("no such PR #%d", prNumber)
	}
	f.Reviews[prNumber] = append(f.Reviews[prNumber], Review{
		ID:          int64(len(f.Reviews[prNumber]) + 1),
		State:       action,
		Body:        body,
		SubmittedAt: time.Now(),
	})
	return nil
}

func (f *Fake) GetPRDiff(ctx context.Context, prNumber int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Diffs[prNumber]...), nil
}

func (f *Fake) GetPRReviews(ctx context.Context, prNumber int) ([]Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Review(nil), f.Reviews[prNumber]...), nil
}

func (f *Fake) ListOpenPRs(ctx context.Context) ([]PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PullRequest, 0, len(f.PRs))
	for _, pr := range f.PRs {
		out = append(out, pr)
	}
	return out, nil
}

// AgePR backdates a PR's creation time, used to test orphan detection.
func (f *Fake) AgePR(prNumber int, age time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr := f.PRs[prNumber]
	pr.CreatedAt = time.Now().Add(-age)
	f.PRs[prNumber] = pr
}
