package jenkins

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ci-status/buildsource"
)

// Client talks to the Jenkins JSON remote API.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

type Config struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("jenkins url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("parse jenkins url: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		http:     hc,
	}, nil
}

var _ buildsource.Source = (*Client)(nil)

func (c *Client) JobInfo(ctx context.Context, name string) (*buildsource.JobInfo, error) {
	var out buildsource.JobInfo
	if err := c.getJSON(ctx, c.jobURL(name)+"/api/json", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) BuildInfo(ctx context.Context, name string, number int) (*buildsource.BuildInfo, error) {
	var out buildsource.BuildInfo
	if err := c.getJSON(ctx, c.jobURL(name)+"/"+strconv.Itoa(number)+"/api/json", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Views(ctx context.Context) ([]buildsource.View, error) {
	var out struct {
		Views []buildsource.View `json:"views"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/api/json?tree=views[name,url]", &out); err != nil {
		return nil, err
	}
	return out.Views, nil
}

func (c *Client) ViewJobs(ctx context.Context, view buildsource.View) ([]buildsource.Job, error) {
	u := strings.TrimRight(view.URL, "/")
	if u == "" {
		u = c.baseURL + "/view/" + url.PathEscape(view.Name)
	}
	var out struct {
		Jobs []buildsource.Job `json:"jobs"`
	}
	if err := c.getJSON(ctx, u+"/api/json", &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// jobURL maps folder paths (a/b) to /job/a/job/b.
func (c *Client) jobURL(name string) string {
	parts := strings.Split(strings.Trim(name, "/"), "/")
	var b strings.Builder
	b.WriteString(c.baseURL)
	for _, p := range parts {
		b.WriteString("/job/")
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &buildsource.ConnectivityError{Op: "GET", URL: u, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" && c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &buildsource.ConnectivityError{Op: "GET", URL: u, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("GET %s: %w", u, buildsource.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &buildsource.ConnectivityError{
			Op:  "GET",
			URL: u,
			Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &buildsource.ConnectivityError{Op: "decode", URL: u, Err: err}
	}
	return nil
}
