package gitops

import (
	"context"
	"fmt"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// GitHubClient implements Client against the GitHub API.
type GitHubClient struct {
	gh    *github.Client
	owner string
	repo  string
}

// NewGitHubClient builds a token-authenticated client for one repo.
func NewGitHubClient(ctx context.Context, token, owner, repo string) *GitHubClient {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &GitHubClient{
		gh:    github.NewClient(oauth2.NewClient(ctx, ts)),
		owner: owner,
		repo:  repo,
	}
}

// CreateIssue opens an issue and returns its number. The managed
// marker is appended so the issue is attributable to this system.
func (c *GitHubClient) CreateIssue(ctx context.Context, title, body string, labels []string) (int, error) {
	req := &github.IssueRequest{
		Title:  github.String(title),
		Body:   github.String(body + "\n\n" + ManagedMarker),
		Labels: &labels,
	}
	issue, _, err := c.gh.Issues.Create(ctx, c.owner, c.repo, req)
	if err != nil {
		return 0, fmt.Errorf("creating issue: %w", err)
	}
	return issue.GetNumber(), nil
}

// CreatePR opens a pull request from head into base.
func (c *GitHubClient) CreatePR(ctx context.Context, title, body, base, head string) (int, error) {
	req := &github.NewPullRequest{
		Title: github.String(title),
		Body:  github.String(body + "\n\n" + ManagedMarker),
		Base:  github.String(base),
		Head:  github.String(head),
	}
	pr, _, err := c.gh.PullRequests.Create(ctx, c.owner, c.repo, req)
	if err != nil {
		return 0, fmt.Errorf("creating pull request: %w", err)
	}
	return pr.GetNumber(), nil
}

// PostReview submits a review with the given action (APPROVE,
// REQUEST_CHANGES, or COMMENT).
func (c *GitHubClient) PostReview(ctx context.Context, prNumber int, action, body string) error {
	req := &github.PullRequestReviewRequest{
		Body:  github.String(body),
		Event: github.String(action),
	}
	if _, _, err := c.gh.PullRequests.CreateReview(ctx, c.owner, c.repo, prNumber, req); err != nil {
		return fmt.Errorf("posting review on PR #%d: %w", prNumber, err)
	}
	return nil
}

// GetPRDiff returns the changed file paths of a PR.
func (c *GitHubClient) GetPRDiff(ctx context.Context, prNumber int) ([]string, error) {
	var paths []string
	opts := &github.ListOptions{PerPage: 100}
	for {
		files, resp, err := c.gh.PullRequests.ListFiles(ctx, c.owner, c.repo, prNumber, opts)
		if err != nil {
			return nil, fmt.Errorf("listing files of PR #%d: %w", prNumber, err)
		}
		for _, f := range files {
			paths = append(paths, f.GetFilename())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return paths, nil
}

// GetPRReviews returns all submitted reviews on a PR.
func (c *GitHubClient) GetPRReviews(ctx context.Context, prNumber int) ([]Review, error) {
	ghReviews, _, err := c.gh.PullRequests.ListReviews(ctx, c.owner, c.repo, prNumber, &github.ListOptions{PerPage: 100})
	if err != nil {
		return nil, fmt.Errorf("listing reviews of PR #%d: %w", prNumber, err)
	}
	reviews := make([]Review, 0, len(ghReviews))
	for _, r := range ghReviews {
		reviews = append(reviews, Review{
			ID:          r.GetID(),
			State:       r.GetState(),
			Body:        r.GetBody(),
			SubmittedAt: r.GetSubmittedAt().Time,
		})
	}
	return reviews, nil
}

// ListOpenPRs returns the repo's open pull requests.
func (c *GitHubClient) ListOpenPRs(ctx context.Context) ([]PullRequest, error) {
	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var out []PullRequest
	for {
		prs, resp, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing open PRs: %w", err)
		}
		for _, pr := range prs {
			out = append(out, PullRequest{
				Number:    pr.GetNumber(),
				Title:     pr.GetTitle(),
				Body:      pr.GetBody(),
				Head:      pr.GetHead().GetRef(),
				CreatedAt: pr.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}
