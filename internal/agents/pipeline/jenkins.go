package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Job is a CI job as reported by the build server.
type Job struct {
	Name            string `json:"name"`
	URL             string `json:"url"`
	Color           string `json:"color"`
	LastBuild       *Build `json:"lastBuild,omitempty"`
	NextBuildNumber int    `json:"nextBuildNumber"`
}

// Build is one run of a job.
type Build struct {
	Number    int    `json:"number"`
	URL       string `json:"url"`
	Result    string `json:"result"`
	Timestamp int64  `json:"timestamp"`
	Duration  int64  `json:"duration"`
	Building  bool   `json:"building"`
}

// BuildClient is the build server API the agent depends on.
type BuildClient interface {
	FetchJobs(ctx context.Context) ([]Job, error)
	TriggerBuild(ctx context.Context, job string) error
	BuildStatus(ctx context.Context, job string, number int) (*Build, error)
	BuildLog(ctx context.Context, job string, number int) (string, error)
}

// JenkinsClient talks to the Jenkins JSON API.
type JenkinsClient struct {
	baseURL    string
	username   string
	apiToken   string
	httpClient *http.Client
}

// NewJenkinsClient creates a client for baseURL. Credentials are optional.
func NewJenkinsClient(baseURL, username, apiToken string) *JenkinsClient {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &JenkinsClient{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		username: username,
		apiToken: apiToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *JenkinsClient) BaseURL() string { return c.baseURL }

func (c *JenkinsClient) do(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.username != "" && c.apiToken != "" {
		req.SetBasicAuth(c.username, c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("jenkins error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// FetchJobs lists jobs. Entries that do not decode are skipped.
func (c *JenkinsClient) FetchJobs(ctx context.Context) ([]Job, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/json?tree=jobs[name,url,color,nextBuildNumber,lastBuild[number,url,result,timestamp,duration,building]]")
	if err != nil {
		return nil, fmt.Errorf("fetch jobs: %w", err)
	}
	var raw struct {
		Jobs []json.RawMessage `json:"jobs"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse jobs: %w", err)
	}
	jobs := make([]Job, 0, len(raw.Jobs))
	for _, r := range raw.Jobs {
		var j Job
		if err := json.Unmarshal(r, &j); err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (c *JenkinsClient) TriggerBuild(ctx context.Context, job string) error {
	if _, err := c.do(ctx, http.MethodPost, "/job/"+url.PathEscape(job)+"/build"); err != nil {
		return fmt.Errorf("trigger build for job %s: %w", job, err)
	}
	return nil
}

func (c *JenkinsClient) BuildStatus(ctx context.Context, job string, number int) (*Build, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/job/%s/%d/api/json", url.PathEscape(job), number))
	if err != nil {
		return nil, fmt.Errorf("build status: %w", err)
	}
	var b Build
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("parse build: %w", err)
	}
	return &b, nil
}

func (c *JenkinsClient) BuildLog(ctx context.Context, job string, number int) (string, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/job/%s/%d/consoleText", url.PathEscape(job), number))
	if err != nil {
		return "", fmt.Errorf("build log: %w", err)
	}
	return string(body), nil
}
