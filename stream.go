package tweetwatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	streamPath      = "/2/tweets/search/stream"
	streamRulesPath = "/2/tweets/search/stream/rules"

	// The API sends a keep-alive newline every 20 seconds.
	defaultStallTimeout = 90 * time.Second
	defaultRuleTag      = "tweetwatch"
	maxStreamLine       = 1 << 20
)

var (
	errStreamClosed  = errors.New("stream closed by server")
	errStreamStalled = errors.New("stream stalled: no data or keep-alive received")
)

// StreamClient holds a filtered-stream connection and keeps its rule set in
// line with the configured query.
type StreamClient struct {
	baseURL      string
	token        string
	tag          string
	stallTimeout time.Duration

	// client has no overall timeout; the stream is meant to stay open.
	client *http.Client
	rules  *http.Client
	log    *zap.SugaredLogger
}

// NewStreamClient returns a client authenticating with the given bearer
// token.
func NewStreamClient(token string, options ...func(*StreamClient)) (*StreamClient, error) {
	if token == "" {
		return nil, errors.New("bearer token must be specified")
	}
	c := &StreamClient{
		baseURL:      defaultAPIBaseURL,
		token:        token,
		tag:          defaultRuleTag,
		stallTimeout: defaultStallTimeout,
		client:       &http.Client{},
		rules:        initHTTPClient(15 * time.Second),
		log:          zap.NewNop().Sugar(),
	}
	for _, o := range options {
		o(c)
	}
	return c, nil
}

// WithStreamBaseURL points the client at a different API host.
func WithStreamBaseURL(base string) func(*StreamClient) {
	return func(c *StreamClient) {
		if base != "" {
			c.baseURL = base
		}
	}
}

// WithStallTimeout sets how long the stream may go silent before it is
// considered dead and dropped.
func WithStallTimeout(d time.Duration) func(*StreamClient) {
	return func(c *StreamClient) {
		if d > 0 {
			c.stallTimeout = d
		}
	}
}

// WithStreamLogger sets the *zap.SugaredLogger the client logs to.
func WithStreamLogger(logger *zap.SugaredLogger) func(*StreamClient) {
	return func(c *StreamClient) {
		c.log = logger
	}
}

type streamRule struct {
	ID    string `json:"id,omitempty"`
	Value string `json:"value"`
	Tag   string `json:"tag,omitempty"`
}

// SyncRules makes query the only rule carrying this client's tag. Rules
// with other tags are left alone.
func (c *StreamClient) SyncRules(ctx context.Context, query string) error {
	var current struct {
		Data []streamRule `json:"data"`
	}
	if err := c.doRules(ctx, http.MethodGet, nil, &current); err != nil {
		return errors.Wrap(err, "error listing stream rules")
	}

	var (
		stale []string
		found bool
	)
	for _, r := range current.Data {
		if r.Tag != c.tag {
			continue
		}
		if r.Value == query && !found {
			found = true
			continue
		}
		stale = append(stale, r.ID)
	}

	if len(stale) > 0 {
		body := map[string]interface{}{"delete": map[string][]string{"ids": stale}}
		if err := c.doRules(ctx, http.MethodPost, body, nil); err != nil {
			return errors.Wrap(err, "error deleting stale stream rules")
		}
		c.log.Infow("deleted stale stream rules", "ids", stale)
	}
	if !found {
		body := map[string][]streamRule{"add": {{Value: query, Tag: c.tag}}}
		if err := c.doRules(ctx, http.MethodPost, body, nil); err != nil {
			return errors.Wrap(err, "error adding stream rule")
		}
		c.log.Infow("added stream rule", "query", query, "tag", c.tag)
	}
	return nil
}

func (c *StreamClient) doRules(ctx context.Context, method string, payload interface{}, dest interface{}) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "error encoding rules request")
		}
		body = bytes.NewReader(b)
	}
	req, err := newBearerRequest(ctx, method, c.baseURL+streamRulesPath, c.token, body)
	if err != nil {
		return err
	}
	resp, err := c.rules.Do(req)
	if err != nil {
		return errors.Wrapf(err, "error reaching Twitter API: %s", streamRulesPath)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var raw bytes.Buffer
		_, _ = raw.ReadFrom(resp.Body)
		return newAPIError(streamRulesPath, resp, raw.Bytes())
	}
	if dest == nil {
		return nil
	}
	return decodeResponse(resp.Body, dest)
}

type streamEnvelope struct {
	Data     json.RawMessage `json:"data"`
	Includes struct {
		Users []json.RawMessage `json:"users"`
	} `json:"includes"`
	Errors []partialError `json:"errors"`
}

// Stream connects and calls handle with one single-post Batch per line. It
// blocks until the connection ends and always returns a non-nil error:
// the context's error when ctx is done, otherwise why the stream dropped.
func (c *StreamClient) Stream(ctx context.Context, handle func(Batch)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stalled atomic.Bool
	watchdog := time.AfterFunc(c.stallTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	params := url.Values{}
	params.Set("tweet.fields", tweetFields)
	params.Set("expansions", expansions)
	params.Set("user.fields", userFields)
	endpoint := fmt.Sprintf("%s%s?%s", c.baseURL, streamPath, params.Encode())

	req, err := newBearerRequest(ctx, http.MethodGet, endpoint, c.token, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if stalled.Load() {
			return errStreamStalled
		}
		return errors.Wrapf(err, "error reaching Twitter API: %s", streamPath)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var raw bytes.Buffer
		_, _ = raw.ReadFrom(resp.Body)
		return newAPIError(streamPath, resp, raw.Bytes())
	}
	c.log.Infow("stream connected")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)
	for scanner.Scan() {
		watchdog.Reset(c.stallTimeout)
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var env streamEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.log.Warnw("skipping malformed stream line",
				"err", err,
				"line", truncate(string(line), 200))
			continue
		}
		if len(env.Data) == 0 {
			if len(env.Errors) > 0 {
				return errors.Errorf("stream error: %s: %s", env.Errors[0].Title, env.Errors[0].Detail)
			}
			continue
		}
		handle(decodeBatch([]json.RawMessage{env.Data}, env.Includes.Users))
	}

	switch {
	case stalled.Load():
		return errStreamStalled
	case ctx.Err() != nil:
		return ctx.Err()
	case scanner.Err() != nil:
		return errors.Wrap(scanner.Err(), "error reading stream")
	}
	return errStreamClosed
}
