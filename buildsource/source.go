package buildsource

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a job, build or view does not exist on the build server.
var ErrNotFound = errors.New("not found")

// ConnectivityError wraps any failure other than a missing entity.
type ConnectivityError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectivityError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// Source is a read-only view of one build server.
type Source interface {
	JobInfo(ctx context.Context, name string) (*JobInfo, error)
	BuildInfo(ctx context.Context, name string, number int) (*BuildInfo, error)
	Views(ctx context.Context) ([]View, error)
	ViewJobs(ctx context.Context, view View) ([]Job, error)
}

type BuildRef struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// JobInfo mirrors the subset of the job document the engine reads.
// Build references are nil when the job has no such build.
type JobInfo struct {
	Name                string    `json:"name"`
	LastBuild           *BuildRef `json:"lastBuild"`
	LastCompletedBuild  *BuildRef `json:"lastCompletedBuild"`
	LastSuccessfulBuild *BuildRef `json:"lastSuccessfulBuild"`
	LastFailedBuild     *BuildRef `json:"lastFailedBuild"`
}

type Cause struct {
	ShortDescription string `json:"shortDescription"`
}

type Parameter struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Action is either a causes action or a parameters action; other actions decode empty.
type Action struct {
	Causes     []Cause     `json:"causes,omitempty"`
	Parameters []Parameter `json:"parameters,omitempty"`
}

type BuildInfo struct {
	Number    int      `json:"number"`
	Building  bool     `json:"building"`
	Result    string   `json:"result"`
	Timestamp int64    `json:"timestamp"` // epoch milliseconds
	URL       string   `json:"url"`
	Actions   []Action `json:"actions"`
}

func (b *BuildInfo) Time() time.Time {
	return time.UnixMilli(b.Timestamp).UTC()
}

// Cause returns the first short description found across actions.
func (b *BuildInfo) Cause() string {
	for _, a := range b.Actions {
		if len(a.Causes) > 0 {
			return a.Causes[0].ShortDescription
		}
	}
	return ""
}

// HasParameter reports whether any parameters action carries name=value.
func (b *BuildInfo) HasParameter(name string, value string) bool {
	for _, a := range b.Actions {
		for _, p := range a.Parameters {
			if p.Name == name && fmt.Sprint(p.Value) == value {
				return true
			}
		}
	}
	return false
}

type View struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type Job struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	Color string `json:"color"`
}
