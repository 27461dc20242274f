// Package dispatch selects the backend that runs a unit of work: a pool of
// job-queue servers or a single host reached over SSH.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/andrej220/batchexec/internal/lg"
	"github.com/andrej220/batchexec/pkg/monitor"
	"github.com/andrej220/batchexec/pkg/profile"
	"github.com/andrej220/batchexec/pkg/work"
)

type Kind string

const (
	KindQueue Kind = "queue"
	KindSSH   Kind = "ssh"
)

// Profile keys shared by the backends.
const (
	KeyEnvPrefix  = "env."
	KeyPropPrefix = "prop."
	KeyCleanup    = "cleanup"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindQueue, KindSSH:
		return k, nil
	}
	return "", &profile.ConfigError{Key: "backend", Value: s, Reason: "unknown backend kind"}
}

// Backend runs work descriptions to completion. Execute and CleanUp block
// and return nil only on success.
type Backend interface {
	Kind() Kind
	Execute(ctx context.Context, mon monitor.Monitor, w work.Description) error
	CleanUp(ctx context.Context, mon monitor.Monitor, w work.Description) error
	Close() error
}

type options struct {
	logger      lg.Logger
	httpClient  *http.Client
	maxRequests int
}

type Option func(*options)

func WithLogger(l lg.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHTTPClient sets the client used to reach job-queue servers.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithMaxRequests bounds concurrent registration calls of a queue backend.
func WithMaxRequests(n int) Option {
	return func(o *options) { o.maxRequests = n }
}

func newOptions(opts []Option) *options {
	o := &options{logger: lg.Discard, httpClient: &http.Client{}}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// New builds the backend of kind from a flat profile.
func New(kind Kind, conf map[string]string, r *profile.Resolver, opts ...Option) (Backend, error) {
	if r == nil {
		r = profile.NewResolver(nil)
	}
	switch kind {
	case KindQueue:
		return NewQueueBackend(conf, r, opts...)
	case KindSSH:
		return NewSSHBackend(conf, r, opts...)
	}
	return nil, fmt.Errorf("%w: unknown backend kind %q", profile.ErrConfiguration, kind)
}

// resolveSection returns the entries under prefix with placeholders resolved.
func resolveSection(conf map[string]string, prefix string, r *profile.Resolver) (map[string]string, error) {
	section := profile.Section(conf, prefix)
	out := make(map[string]string, len(section))
	for key := range section {
		v, _, err := profile.Lookup(section, key, r, false)
		if err != nil {
			if cerr, ok := err.(*profile.ConfigError); ok {
				cerr.Key = prefix + cerr.Key
			}
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

func parseBool(conf map[string]string, key string, r *profile.Resolver, def bool) (bool, error) {
	raw, ok, err := profile.Lookup(conf, key, r, false)
	if err != nil {
		return false, err
	}
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &profile.ConfigError{Key: key, Value: raw, Reason: "must be a boolean", Err: err}
	}
	return v, nil
}
