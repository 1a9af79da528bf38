// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"kaifyworker/src/model"
)

// StatusClosed is not an activity status; it is sent when the pull request
// is closed and the preview comment should go away.
const StatusClosed = "closed"

type ApplicationLookup interface {
	ApplicationByID(id int64) (model.Application, bool)
}

// CommentPoster maintains the single status comment on a pull request.
type CommentPoster interface {
	UpsertComment(ctx context.Context, repo string, pullRequestID int, body string) error
	DeleteComment(ctx context.Context, repo string, pullRequestID int) error
}

// CommentBody renders the preview deployment comment for a status.
func CommentBody(appName, status, logsURL, previewURL string, now time.Time) string {
	var b strings.Builder
	switch model.ProcessStatus(status) {
	case model.ProcessQueued:
		fmt.Fprintf(&b, "The preview deployment for **%s** is queued. ⏳\n\n", appName)
	case model.ProcessInProgress:
		fmt.Fprintf(&b, "The preview deployment for **%s** is in progress. 🟡\n\n", appName)
	case model.ProcessFinished:
		fmt.Fprintf(&b, "The preview deployment for **%s** is ready. 🟢\n\n", appName)
		if previewURL != "" {
			fmt.Fprintf(&b, "[Open Preview](%s) | ", previewURL)
		}
	case model.ProcessError:
		fmt.Fprintf(&b, "The preview deployment for **%s** failed. 🔴\n\n", appName)
	case model.ProcessKilled:
		fmt.Fprintf(&b, "The preview deployment for **%s** was killed. ⚫\n\n", appName)
	case model.ProcessCancelled:
		fmt.Fprintf(&b, "The preview deployment for **%s** was cancelled. 🚫\n\n", appName)
	}
	if logsURL != "" {
		fmt.Fprintf(&b, "[Open Build Logs](%s)\n\n\n", logsURL)
	}
	b.WriteString("Last updated at: " + now.UTC().Format(time.DateTime) + " UTC")
	return b.String()
}

// PRCommentUpdate keeps the pull request comment in sync with the preview
// deployment status.
func PRCommentUpdate(poster CommentPoster, apps ApplicationLookup) Handler {
	return func(ctx context.Context, payload map[string]any) error {
		appID, ok := Int(payload, "application_id")
		if !ok {
			return errors.New("pr comment payload has no application_id")
		}
		app, ok := apps.ApplicationByID(appID)
		if !ok {
			return fmt.Errorf("application %d not found", appID)
		}
		pr, ok := Int(payload, "pull_request_id")
		if !ok || pr == 0 {
			return errors.New("pr comment payload has no pull_request_id")
		}
		status := String(payload, "status")
		if status == StatusClosed {
			return poster.DeleteComment(ctx, app.GitRepository, int(pr))
		}

		var logsURL string
		if base, dep := String(payload, "base_url"), String(payload, "deployment_uuid"); base != "" && dep != "" {
			logsURL = fmt.Sprintf("%s/application/%s/deployment/%s", strings.TrimRight(base, "/"), app.UUID, dep)
		}
		body := CommentBody(app.Name, status, logsURL, String(payload, "preview_url"), time.Now())
		return poster.UpsertComment(ctx, app.GitRepository, int(pr), body)
	}
}

// GitHubPoster writes issue comments through the GitHub REST API and
// remembers the comment id per pull request.
type GitHubPoster struct {
	BaseURL string
	Token   string
	Client  *http.Client

	mu  sync.Mutex
	ids map[string]int64
}

func NewGitHubPoster(token string) *GitHubPoster {
	return &GitHubPoster{
		BaseURL: "https://api.github.com",
		Token:   token,
		Client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: 30 * time.Second},
		ids:     make(map[string]int64),
	}
}

func commentKey(repo string, pr int) string { return fmt.Sprintf("%s#%d", repo, pr) }

func (g *GitHubPoster) commentID(repo string, pr int) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ids[commentKey(repo, pr)]
}

func (g *GitHubPoster) UpsertComment(ctx context.Context, repo string, pr int, body string) error {
	if id := g.commentID(repo, pr); id != 0 {
		status, err := g.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/issues/comments/%d", repo, id), body, nil)
		if err != nil {
			return err
		}
		if status != http.StatusNotFound {
			return nil
		}
	}
	var created struct {
		ID int64 `json:"id"`
	}
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repo, pr)
	status, err := g.do(ctx, http.MethodPost, path, body, &created)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("github POST %s: pull request not found", path)
	}
	g.mu.Lock()
	g.ids[commentKey(repo, pr)] = created.ID
	g.mu.Unlock()
	return nil
}

func (g *GitHubPoster) DeleteComment(ctx context.Context, repo string, pr int) error {
	id := g.commentID(repo, pr)
	if id == 0 {
		return nil
	}
	if _, err := g.do(ctx, http.MethodDelete, fmt.Sprintf("/repos/%s/issues/comments/%d", repo, id), "", nil); err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.ids, commentKey(repo, pr))
	g.mu.Unlock()
	return nil
}

// do returns the response status. 404 is returned without error so callers
// can fall back; other non-2xx statuses are errors.
func (g *GitHubPoster) do(ctx context.Context, method, path, body string, out any) (int, error) {
	var reader *bytes.Reader
	if body != "" {
		raw, err := json.Marshal(map[string]string{"body": body})
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(g.BaseURL, "/")+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, nil
	case resp.StatusCode >= 300:
		return resp.StatusCode, fmt.Errorf("github %s %s: %s", method, path, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}
