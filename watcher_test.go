package tweetwatch

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type searchResult struct {
	batch Batch
	err   error
}

type fakeSearcher struct {
	newest      string
	newestErrs  []error
	results     []searchResult
	sinceIDs    []string
	newestCalls int
}

func (f *fakeSearcher) Newest(_ context.Context, _ string) (string, error) {
	f.newestCalls++
	if len(f.newestErrs) > 0 {
		err := f.newestErrs[0]
		f.newestErrs = f.newestErrs[1:]
		return "", err
	}
	return f.newest, nil
}

func (f *fakeSearcher) SearchSince(_ context.Context, _ string, sinceID string) (Batch, error) {
	f.sinceIDs = append(f.sinceIDs, sinceID)
	if len(f.results) == 0 {
		return Batch{}, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.batch, r.err
}

type fakeStreamer struct {
	// each call to Stream delivers the batches, then returns err.
	sessions []streamSession
	calls    int
}

type streamSession struct {
	batches []Batch
	err     error
}

func (f *fakeStreamer) SyncRules(context.Context, string) error { return nil }

func (f *fakeStreamer) Stream(ctx context.Context, handle func(Batch)) error {
	f.calls++
	if len(f.sessions) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	s := f.sessions[0]
	f.sessions = f.sessions[1:]
	for _, b := range s.batches {
		handle(b)
	}
	return s.err
}

type recordingNotifier struct {
	sent []Notification
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) ids() []string {
	var ids []string
	for _, n := range r.sent {
		ids = append(ids, n.Post.ID)
	}
	return ids
}

// sleepRecorder records requested sleeps and cancels the run after limit
// of them.
type sleepRecorder struct {
	durations []time.Duration
	limit     int
	cancel    context.CancelFunc
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.durations = append(s.durations, d)
	if len(s.durations) >= s.limit {
		s.cancel()
	}
	return ctx.Err()
}

type memoryStore struct {
	ids   map[string]string
	saves int
}

func (m *memoryStore) Load(_ context.Context, key string) (string, error) { return m.ids[key], nil }

func (m *memoryStore) Save(_ context.Context, key, id string) error {
	m.ids[key] = id
	m.saves++
	return nil
}

func (m *memoryStore) Close() error { return nil }

func testConfig(t *testing.T, overrides map[string]string) Config {
	t.Helper()
	vars := map[string]string{
		"BEARER_TOKEN":    "token",
		"QUERY":           "golang",
		"MIN_FOLLOWERS":   "100",
		"SLEEP_SECONDS":   "60",
		"BACKOFF_INITIAL": "1s",
		"BACKOFF_MAX":     "5m",
	}
	for k, v := range overrides {
		vars[k] = v
	}
	cfg, err := ParseConfig(vars)
	require.NoError(t, err)
	return cfg
}

func newTestWatcher(t *testing.T, cfg Config, n Notifier, options ...func(*Watcher)) *Watcher {
	t.Helper()
	w, err := NewWatcher(cfg, n, options...)
	require.NoError(t, err)
	return w
}

func post(id, author string) Post {
	return Post{ID: id, AuthorID: author, Text: "post " + id}
}

func authors(counts map[string]int) map[string]Author {
	m := make(map[string]Author, len(counts))
	for id, c := range counts {
		m[id] = Author{ID: id, Username: "user" + id, FollowersCount: c}
	}
	return m
}

func TestProcessRelaysAuthorsAtOrAboveThreshold(t *testing.T) {
	n := &recordingNotifier{}
	w := newTestWatcher(t, testConfig(t, nil), n, WithSearcher(&fakeSearcher{}))

	batch := Batch{
		Posts: []Post{
			post("101", "below"),
			post("102", "exact"),
			post("103", "above"),
			post("104", "missing"),
		},
		Authors:  authors(map[string]int{"below": 99, "exact": 100, "above": 5000}),
		NewestID: "104",
	}
	relayed := w.Process(context.Background(), batch)

	assert.Equal(t, 2, relayed)
	assert.Equal(t, []string{"102", "103"}, n.ids())
	assert.Equal(t, "104", w.Watermark())
	assert.Contains(t, n.sent[1].Text, "@userabove (5000 followers)")
}

func TestProcessAdvancesWatermarkWhenNothingMatches(t *testing.T) {
	n := &recordingNotifier{}
	w := newTestWatcher(t, testConfig(t, map[string]string{"MIN_FOLLOWERS": "1000000"}), n, WithSearcher(&fakeSearcher{}))

	w.Process(context.Background(), Batch{
		Posts:    []Post{post("7", "a"), post("9", "a")},
		Authors:  authors(map[string]int{"a": 10}),
		NewestID: "9",
	})
	assert.Empty(t, n.sent)
	assert.Equal(t, "9", w.Watermark())
}

func TestProcessMalformedItemsDoNotAbortBatch(t *testing.T) {
	n := &recordingNotifier{}
	w := newTestWatcher(t, testConfig(t, map[string]string{"MIN_FOLLOWERS": "0"}), n, WithSearcher(&fakeSearcher{}))

	batch := decodeBatch(
		rawItems(`{"id":"1"`, `{"id":"2","text":"ok","author_id":"a"}`, `{"id":"4","text":"no author"}`, `{"id":"3","text":"ok","author_id":"a"}`),
		rawItems(`{"id":"a","username":"alice","public_metrics":{"followers_count":1}}`),
	)
	relayed := w.Process(context.Background(), batch)

	assert.Equal(t, 2, relayed)
	assert.Equal(t, "4", w.Watermark(), "skipped items still move the watermark")
	assert.Equal(t, int64(2), w.Status().Skipped)
}

func TestProcessIgnoresAlreadySeenPosts(t *testing.T) {
	n := &recordingNotifier{}
	w := newTestWatcher(t, testConfig(t, map[string]string{"MIN_FOLLOWERS": "0"}), n, WithSearcher(&fakeSearcher{}))
	w.advance(context.Background(), "50")

	w.Process(context.Background(), Batch{
		Posts:    []Post{post("49", "a"), post("50", "a"), post("51", "a")},
		NewestID: "51",
	})
	assert.Equal(t, []string{"51"}, n.ids())
}

func TestProcessNotifyFailureStillAdvances(t *testing.T) {
	n := &recordingNotifier{err: errors.New("webhook down")}
	w := newTestWatcher(t, testConfig(t, map[string]string{"MIN_FOLLOWERS": "0"}), n, WithSearcher(&fakeSearcher{}))

	relayed := w.Process(context.Background(), Batch{Posts: []Post{post("5", "a")}, NewestID: "5"})
	assert.Zero(t, relayed)
	assert.Equal(t, "5", w.Watermark())
	st := w.Status()
	assert.Equal(t, int64(1), st.NotifyErrors)
	assert.Equal(t, int64(1), st.Seen)
}

func TestPollBootstrapsInsteadOfReplaying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	search := &fakeSearcher{
		newest: "500",
		results: []searchResult{{batch: Batch{
			Posts:    []Post{post("501", "a")},
			Authors:  authors(map[string]int{"a": 1000}),
			NewestID: "501",
		}}},
	}
	n := &recordingNotifier{}
	sleeper := &sleepRecorder{limit: 2, cancel: cancel}
	w := newTestWatcher(t, testConfig(t, nil), n, WithSearcher(search))
	w.sleep = sleeper.sleep

	err := w.Poll(ctx)
	assert.True(t, errors.Is(err, context.Canceled))

	assert.Equal(t, 1, search.newestCalls)
	assert.Equal(t, []string{"500", "501"}, search.sinceIDs)
	assert.Equal(t, []string{"501"}, n.ids(), "the bootstrap post itself is not relayed")
	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, sleeper.durations)
}

func TestPollRateLimitedWaitsAndKeepsWatermark(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rateLimited := &APIError{StatusCode: http.StatusTooManyRequests}
	search := &fakeSearcher{
		newest: "500",
		results: []searchResult{
			{err: rateLimited},
			{err: rateLimited},
			{batch: Batch{Posts: []Post{post("600", "a")}, NewestID: "600"}},
		},
	}
	sleeper := &sleepRecorder{limit: 3, cancel: cancel}
	w := newTestWatcher(t, testConfig(t, map[string]string{"MIN_FOLLOWERS": "0"}), &recordingNotifier{}, WithSearcher(search))
	w.sleep = sleeper.sleep

	_ = w.Poll(ctx)

	require.Len(t, sleeper.durations, 3)
	for _, d := range sleeper.durations[:2] {
		assert.GreaterOrEqual(t, d, time.Minute, "a rate-limited retry waits at least the poll interval")
	}
	assert.Equal(t, []string{"500", "500", "500"}, search.sinceIDs, "the watermark does not move on 429")
	assert.Equal(t, "600", w.Watermark())
	assert.Contains(t, w.Status().LastError, "429")
}

func TestPollHonoursRateLimitReset(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Unix(1700000000, 0)
	search := &fakeSearcher{
		newest:  "1",
		results: []searchResult{{err: &APIError{StatusCode: http.StatusTooManyRequests, ResetAt: now.Add(7 * time.Minute)}}},
	}
	sleeper := &sleepRecorder{limit: 1, cancel: cancel}
	w := newTestWatcher(t, testConfig(t, nil), &recordingNotifier{}, WithSearcher(search))
	w.sleep = sleeper.sleep
	w.now = func() time.Time { return now }

	_ = w.Poll(ctx)
	assert.Equal(t, []time.Duration{7 * time.Minute}, sleeper.durations)
}

func TestPollTransientErrorsBackOffWithCap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transient := errors.New("connection reset by peer")
	search := &fakeSearcher{newest: "1"}
	for i := 0; i < 12; i++ {
		search.results = append(search.results, searchResult{err: transient})
	}
	sleeper := &sleepRecorder{limit: 12, cancel: cancel}
	w := newTestWatcher(t, testConfig(t, map[string]string{"BACKOFF_MAX": "30s"}), &recordingNotifier{}, WithSearcher(search))
	w.sleep = sleeper.sleep

	_ = w.Poll(ctx)

	require.Len(t, sleeper.durations, 12)
	assert.Equal(t, time.Second, sleeper.durations[0])
	assert.Equal(t, 2*time.Second, sleeper.durations[1])
	assert.Equal(t, 4*time.Second, sleeper.durations[2])
	assert.Equal(t, 30*time.Second, sleeper.durations[11])
	assert.Equal(t, "1", w.Watermark())
}

func TestPollStopsOnPermissionErrors(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			search := &fakeSearcher{
				newest:  "1",
				results: []searchResult{{err: &APIError{StatusCode: status}}},
			}
			w := newTestWatcher(t, testConfig(t, nil), &recordingNotifier{}, WithSearcher(search))
			w.sleep = func(context.Context, time.Duration) error {
				t.Fatal("fatal errors must not be retried")
				return nil
			}

			err := w.Poll(context.Background())
			require.Error(t, err)
			assert.True(t, IsFatal(err))
		})
	}
}

func TestPollStaleWatermarkBootstrapsAgain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t, map[string]string{"MIN_FOLLOWERS": "0"})
	store := &memoryStore{ids: map[string]string{cfg.SearchQuery(): "100"}}
	search := &fakeSearcher{
		newest: "700",
		results: []searchResult{
			{err: &APIError{StatusCode: http.StatusBadRequest, Detail: "Invalid 'since_id'"}},
			{batch: Batch{Posts: []Post{post("701", "a")}, NewestID: "701"}},
		},
	}
	n := &recordingNotifier{}
	sleeper := &sleepRecorder{limit: 1, cancel: cancel}
	w := newTestWatcher(t, cfg, n, WithSearcher(search), WithStore(store))
	w.sleep = sleeper.sleep

	err := w.Poll(ctx)
	assert.True(t, errors.Is(err, context.Canceled))

	assert.Equal(t, 1, search.newestCalls)
	assert.Equal(t, []string{"100", "700"}, search.sinceIDs)
	assert.Equal(t, []string{"701"}, n.ids())
	assert.Equal(t, "701", w.Watermark())
	assert.Equal(t, "701", store.ids[cfg.SearchQuery()])
}

func TestPollStopsOnBadRequest(t *testing.T) {
	badRequest := &APIError{StatusCode: http.StatusBadRequest, Detail: "Invalid query"}
	tests := []struct {
		name        string
		search      *fakeSearcher
		newestCalls int
	}{
		{
			name:        "no watermark",
			search:      &fakeSearcher{results: []searchResult{{err: badRequest}}},
			newestCalls: 1,
		},
		{
			name: "still rejected after bootstrapping again",
			search: &fakeSearcher{
				newest:  "700",
				results: []searchResult{{err: badRequest}, {err: badRequest}},
			},
			newestCalls: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWatcher(t, testConfig(t, nil), &recordingNotifier{}, WithSearcher(tt.search))
			w.sleep = func(context.Context, time.Duration) error {
				t.Fatal("a rejected query must not be retried")
				return nil
			}

			err := w.Poll(context.Background())
			require.Error(t, err)
			assert.True(t, IsBadRequest(err))
			assert.Equal(t, tt.newestCalls, tt.search.newestCalls)
		})
	}
}

func TestBootstrapStopsOnBadRequest(t *testing.T) {
	search := &fakeSearcher{newestErrs: []error{&APIError{StatusCode: http.StatusBadRequest}}}
	w := newTestWatcher(t, testConfig(t, nil), &recordingNotifier{}, WithSearcher(search))

	err := w.Bootstrap(context.Background())
	assert.True(t, IsBadRequest(err))
	assert.Equal(t, 1, search.newestCalls)
}

func TestBootstrapRetriesTransientErrors(t *testing.T) {
	search := &fakeSearcher{
		newest:     "42",
		newestErrs: []error{errors.New("timeout"), &APIError{StatusCode: http.StatusTooManyRequests}},
	}
	var sleeps []time.Duration
	w := newTestWatcher(t, testConfig(t, nil), &recordingNotifier{}, WithSearcher(search))
	w.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	require.NoError(t, w.Bootstrap(context.Background()))
	assert.Equal(t, "42", w.Watermark())
	assert.Equal(t, 3, search.newestCalls)
	require.Len(t, sleeps, 2)
	assert.GreaterOrEqual(t, sleeps[1], time.Minute)
}

func TestBootstrapPrefersStoredWatermark(t *testing.T) {
	cfg := testConfig(t, nil)
	store := &memoryStore{ids: map[string]string{cfg.SearchQuery(): "900"}}
	search := &fakeSearcher{newest: "1000"}
	w := newTestWatcher(t, cfg, &recordingNotifier{}, WithSearcher(search), WithStore(store))

	require.NoError(t, w.Bootstrap(context.Background()))
	assert.Equal(t, "900", w.Watermark())
	assert.Zero(t, search.newestCalls)

	w.Process(context.Background(), Batch{NewestID: "950"})
	assert.Equal(t, "950", store.ids[cfg.SearchQuery()])
}

func TestStreamReconnectsImmediatelyThenBacksOff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drop := errors.New("unexpected EOF")
	stream := &fakeStreamer{sessions: []streamSession{
		{batches: []Batch{{Posts: []Post{post("10", "a")}, NewestID: "10"}}, err: drop},
		{err: drop},
		{err: drop},
		{batches: []Batch{{Posts: []Post{post("10", "a"), post("11", "a")}, NewestID: "11"}}, err: drop},
		{err: drop},
	}}
	n := &recordingNotifier{}
	sleeper := &sleepRecorder{limit: 3, cancel: cancel}
	cfg := testConfig(t, map[string]string{"MODE": "stream", "MIN_FOLLOWERS": "0"})
	w := newTestWatcher(t, cfg, n, WithSearcher(&fakeSearcher{}), WithStreamer(stream))
	w.sleep = sleeper.sleep

	err := w.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))

	// 1st drop: reconnect at once. 2nd and 3rd: back off 1s, 2s. 4th
	// delivered data: reconnect at once. 5th: back off from the start.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second}, sleeper.durations)
	assert.Equal(t, 5, stream.calls)
	assert.Equal(t, []string{"10", "11"}, n.ids(), "posts replayed after a reconnect are not relayed twice")
	assert.Equal(t, "11", w.Watermark())
}

func TestStreamStopsOnForbidden(t *testing.T) {
	stream := &fakeStreamer{sessions: []streamSession{{err: &APIError{StatusCode: http.StatusForbidden}}}}
	cfg := testConfig(t, map[string]string{"MODE": "stream"})
	w := newTestWatcher(t, cfg, &recordingNotifier{}, WithSearcher(&fakeSearcher{}), WithStreamer(stream))

	err := w.Run(context.Background())
	assert.True(t, IsForbidden(err))
}

func TestNewWatcherValidation(t *testing.T) {
	_, err := NewWatcher(testConfig(t, nil), nil)
	assert.Error(t, err)

	cfg := testConfig(t, nil)
	cfg.BearerToken = ""
	_, err = NewWatcher(cfg, &recordingNotifier{})
	assert.Error(t, err)
}

func rawItems(items ...string) []json.RawMessage {
	raw := make([]json.RawMessage, len(items))
	for i, s := range items {
		raw[i] = json.RawMessage(s)
	}
	return raw
}
