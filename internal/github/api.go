package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/lucasnoah/debugfactory/internal/pipeline"
)

// APIOpener opens pull requests through the GitHub REST API.
type APIOpener struct {
	client *gh.Client
}

// NewAPIOpener creates an APIOpener authenticated with a personal access token.
func NewAPIOpener(ctx context.Context, token string) (*APIOpener, error) {
	if token == "" {
		return nil, fmt.Errorf("GitHub token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &APIOpener{client: gh.NewClient(oauth2.NewClient(ctx, ts))}, nil
}

// NewAPIOpenerWithClient wraps an existing client.
func NewAPIOpenerWithClient(c *gh.Client) *APIOpener {
	return &APIOpener{client: c}
}

// OpenPR creates the pull request, or returns the open one for head when
// GitHub reports that it already exists.
func (o *APIOpener) OpenPR(ctx context.Context, repo Repo, head, base, title, body string) (*pipeline.PRReference, error) {
	pr, resp, err := o.client.PullRequests.Create(ctx, repo.Owner, repo.Name, &gh.NewPullRequest{
		Title: gh.String(title),
		Head:  gh.String(head),
		Base:  gh.String(base),
		Body:  gh.String(body),
	})
	if err == nil {
		return toRef(pr), nil
	}
	if statusCode(resp) == http.StatusUnprocessableEntity {
		if existing, ferr := o.findOpen(ctx, repo, head); ferr == nil && existing != nil {
			return existing, nil
		}
	}
	return nil, classifyAPI("create pull request", err, resp)
}

func (o *APIOpener) findOpen(ctx context.Context, repo Repo, head string) (*pipeline.PRReference, error) {
	prs, resp, err := o.client.PullRequests.List(ctx, repo.Owner, repo.Name, &gh.PullRequestListOptions{
		State:       "open",
		Head:        repo.Owner + ":" + head,
		ListOptions: gh.ListOptions{PerPage: 1},
	})
	if err != nil {
		return nil, classifyAPI("list pull requests", err, resp)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return toRef(prs[0]), nil
}

func toRef(pr *gh.PullRequest) *pipeline.PRReference {
	return &pipeline.PRReference{
		URL:    pr.GetHTMLURL(),
		Number: pr.GetNumber(),
		Branch: pr.GetHead().GetRef(),
		Title:  pr.GetTitle(),
	}
}

func statusCode(resp *gh.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}

// classifyAPI maps a go-github failure onto Error. Authorization, missing
// repositories and validation failures are fatal; rate limits, server
// errors and network failures are retryable.
func classifyAPI(op string, err error, resp *gh.Response) error {
	var rle *gh.RateLimitError
	var abuse *gh.AbuseRateLimitError
	if errors.As(err, &rle) || errors.As(err, &abuse) {
		return &Error{Op: op, StatusCode: statusCode(resp), Err: err}
	}
	code := statusCode(resp)
	switch {
	case code == 0:
		return &Error{Op: op, Err: err}
	case code == http.StatusTooManyRequests, code >= 500:
		return &Error{Op: op, StatusCode: code, Err: err}
	case code == http.StatusForbidden && resp.Rate.Limit > 0 && resp.Rate.Remaining == 0:
		return &Error{Op: op, StatusCode: code, Err: err}
	default:
		return &Error{Op: op, StatusCode: code, fatal: true, Err: err}
	}
}
