package tweetwatch

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// A rate-limit reset further out than this is treated as bogus and the
// regular backoff is used instead.
const maxRateLimitWait = 16 * time.Minute

// Searcher fetches posts from the recent-search endpoint.
type Searcher interface {
	// Newest returns the ID of the newest post matching query.
	Newest(ctx context.Context, query string) (string, error)

	// SearchSince returns posts matching query newer than sinceID, oldest
	// first.
	SearchSince(ctx context.Context, query, sinceID string) (Batch, error)
}

// Streamer delivers posts over a filtered-stream connection.
type Streamer interface {
	SyncRules(ctx context.Context, query string) error
	Stream(ctx context.Context, handle func(Batch)) error
}

// Status is a snapshot of the watcher for the status endpoint.
type Status struct {
	Mode         string    `json:"mode"`
	Query        string    `json:"query"`
	MinFollowers int       `json:"min_followers"`
	Watermark    string    `json:"watermark"`
	Polls        int64     `json:"polls"`
	Seen         int64     `json:"seen"`
	Relayed      int64     `json:"relayed"`
	Skipped      int64     `json:"skipped"`
	NotifyErrors int64     `json:"notify_errors"`
	LastPoll     time.Time `json:"last_poll,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Watcher relays new posts matching a query whose authors have at least
// Config.MinFollowers followers. Watermark and counters may be read from
// other goroutines; everything else runs on the goroutine calling Run.
type Watcher struct {
	cfg      Config
	query    string
	notifier Notifier
	search   Searcher
	stream   Streamer
	store    WatermarkStore
	retry    *retryPolicy
	log      *zap.SugaredLogger

	sleep func(context.Context, time.Duration) error
	now   func() time.Time

	mu        sync.Mutex
	watermark string
	status    Status
}

// NewWatcher returns a watcher for cfg relaying to notifier. Unless
// replaced through options, search and stream clients are built from cfg.
func NewWatcher(cfg Config, notifier Notifier, options ...func(*Watcher)) (*Watcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if notifier == nil {
		return nil, errors.New("notifier must be specified")
	}
	w := &Watcher{
		cfg:      cfg,
		query:    cfg.SearchQuery(),
		notifier: notifier,
		retry:    newRetryPolicy(cfg.BackoffInitial, cfg.BackoffMax, 0),
		log:      zap.NewNop().Sugar(),
		sleep:    sleepContext,
		now:      time.Now,
	}
	for _, o := range options {
		o(w)
	}
	w.status = Status{
		Mode:         cfg.Mode,
		Query:        w.query,
		MinFollowers: cfg.MinFollowers,
	}

	if w.search == nil {
		sc, err := NewSearchClient(cfg.BearerToken,
			WithSearchBaseURL(cfg.APIBaseURL),
			WithSearchPages(cfg.MaxResults, cfg.MaxPages),
			WithSearchTimeout(cfg.RequestTimeout),
			WithSearchLogger(w.log))
		if err != nil {
			return nil, err
		}
		w.search = sc
	}
	if w.stream == nil && cfg.Mode == ModeStream {
		sc, err := NewStreamClient(cfg.BearerToken,
			WithStreamBaseURL(cfg.APIBaseURL),
			WithStreamLogger(w.log))
		if err != nil {
			return nil, err
		}
		w.stream = sc
	}
	return w, nil
}

// WithWatcherLogger sets the *zap.SugaredLogger the watcher logs to. It is
// also handed to the search and stream clients the watcher builds.
func WithWatcherLogger(logger *zap.SugaredLogger) func(*Watcher) {
	return func(w *Watcher) {
		w.log = logger
	}
}

// WithSearcher replaces the recent-search client.
func WithSearcher(s Searcher) func(*Watcher) {
	return func(w *Watcher) {
		w.search = s
	}
}

// WithStreamer replaces the filtered-stream client.
func WithStreamer(s Streamer) func(*Watcher) {
	return func(w *Watcher) {
		w.stream = s
	}
}

// WithStore persists the watermark in store.
func WithStore(store WatermarkStore) func(*Watcher) {
	return func(w *Watcher) {
		w.store = store
	}
}

// Watermark returns the ID of the newest post seen so far.
func (w *Watcher) Watermark() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watermark
}

// Status returns a snapshot of the watcher's counters.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.status
	st.Watermark = w.watermark
	return st
}

// Run watches until ctx is done or a fatal error occurs, polling or
// streaming depending on the configured mode.
func (w *Watcher) Run(ctx context.Context) error {
	if w.cfg.Mode == ModeStream {
		return w.Stream(ctx)
	}
	return w.Poll(ctx)
}

// Bootstrap sets the initial watermark so the first poll does not replay
// history. A stored watermark is preferred; otherwise the newest matching
// post becomes the watermark without being relayed. It is a no-op if the
// watermark is already set.
func (w *Watcher) Bootstrap(ctx context.Context) error {
	if w.Watermark() != "" {
		return nil
	}
	if w.loadStored(ctx) {
		return nil
	}
	for {
		newest, err := w.search.Newest(ctx, w.query)
		if err == nil {
			w.advance(ctx, newest)
			w.retry.Reset()
			w.log.Infow("bootstrapped watermark",
				"query", w.query,
				"watermark", w.Watermark())
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.recordError(err)
		if IsFatal(err) {
			return errors.Wrap(err, "error bootstrapping watermark")
		}
		delay := w.retryDelay(err)
		w.log.Warnw("error bootstrapping watermark, retrying",
			"err", err,
			"retry_in", delay)
		if err := w.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Poll bootstraps the watermark and then searches for new posts every poll
// interval. It returns when ctx is done or the API rejects the credentials,
// plan or query (HTTP 401, 403 or 400). A 400 for a stale watermark is
// retried once from a fresh bootstrap before giving up.
func (w *Watcher) Poll(ctx context.Context) error {
	if err := w.Bootstrap(ctx); err != nil {
		return err
	}
	w.log.Infow("watching for posts",
		"query", w.query,
		"min_followers", w.cfg.MinFollowers,
		"poll_interval", w.cfg.PollInterval())

	rebootstrapped := false
	for {
		delay := w.cfg.PollInterval()
		err := w.pollOnce(ctx)
		if err == nil {
			rebootstrapped = false
		} else {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A since_id that has aged out of the search window is rejected
			// with a 400. Start over from the newest post, once.
			if IsBadRequest(err) && w.Watermark() != "" && !rebootstrapped {
				w.log.Warnw("search rejected watermark, bootstrapping again",
					"watermark", w.Watermark(),
					"err", err)
				w.resetWatermark(ctx)
				rebootstrapped = true
				if err := w.Bootstrap(ctx); err != nil {
					return err
				}
				continue
			}
			if IsFatal(err) {
				w.log.Errorw("giving up: API rejected request", "err", err)
				return err
			}
			delay = w.retryDelay(err)
			w.log.Warnw("error searching posts, retrying",
				"err", err,
				"rate_limited", IsRateLimited(err),
				"retry_in", delay)
		}
		if err := w.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context) error {
	batch, err := w.search.SearchSince(ctx, w.query, w.Watermark())
	if err != nil {
		w.recordError(err)
		return err
	}
	w.retry.Reset()
	w.mu.Lock()
	w.status.Polls++
	w.status.LastPoll = w.now()
	w.mu.Unlock()
	w.Process(ctx, batch)
	return nil
}

// Stream keeps a filtered-stream connection open and relays posts as they
// arrive. A dropped connection is re-established straight away; if the
// next attempt also fails, attempts back off until one delivers data.
func (w *Watcher) Stream(ctx context.Context) error {
	w.loadStored(ctx)
	if err := w.syncRules(ctx); err != nil {
		return err
	}
	w.log.Infow("streaming posts",
		"query", w.query,
		"min_followers", w.cfg.MinFollowers)

	failures := 0
	for {
		delivered := false
		err := w.stream.Stream(ctx, func(b Batch) {
			delivered = true
			w.Process(ctx, b)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.recordError(err)
		if IsFatal(err) {
			w.log.Errorw("giving up: API rejected stream", "err", err)
			return err
		}
		if delivered {
			failures = 0
			w.retry.Reset()
		}
		failures++
		if failures == 1 && !IsRateLimited(err) {
			w.log.Warnw("stream dropped, reconnecting", "err", err)
			continue
		}
		delay := w.retryDelay(err)
		w.log.Warnw("stream failed again, backing off",
			"err", err,
			"failures", failures,
			"retry_in", delay)
		if err := w.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (w *Watcher) syncRules(ctx context.Context) error {
	for {
		err := w.stream.SyncRules(ctx, w.query)
		if err == nil {
			w.retry.Reset()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.recordError(err)
		if IsFatal(err) {
			return errors.Wrap(err, "error syncing stream rules")
		}
		delay := w.retryDelay(err)
		w.log.Warnw("error syncing stream rules, retrying",
			"err", err,
			"retry_in", delay)
		if err := w.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Process relays the posts in batch whose authors meet the follower
// threshold and moves the watermark to the newest ID in the batch, whether
// or not anything was relayed. Posts at or below the current watermark are
// ignored. It returns the number of notifications delivered.
func (w *Watcher) Process(ctx context.Context, batch Batch) int {
	previous := w.Watermark()
	var seen, relayed, failed int64
	for _, post := range batch.Posts {
		if !newerThan(post.ID, previous) {
			continue
		}
		seen++
		author, ok := batch.Authors[post.AuthorID]
		if !ok {
			w.log.Debugw("author missing from response", "post_id", post.ID, "author_id", post.AuthorID)
			author = Author{ID: post.AuthorID}
		}
		if author.FollowersCount < w.cfg.MinFollowers {
			continue
		}
		if err := w.notifier.Notify(ctx, NewNotification(post, author)); err != nil {
			failed++
			w.log.Errorw("error relaying post",
				"post_id", post.ID,
				"username", author.Username,
				"err", err)
			continue
		}
		relayed++
		w.log.Infow("relayed post",
			"post_id", post.ID,
			"username", author.Username,
			"followers", author.FollowersCount)
	}
	if batch.Skipped > 0 {
		w.log.Warnw("skipped malformed posts", "count", batch.Skipped)
	}

	w.mu.Lock()
	w.status.Seen += seen
	w.status.Relayed += relayed
	w.status.NotifyErrors += failed
	w.status.Skipped += int64(batch.Skipped)
	w.mu.Unlock()

	w.advance(ctx, batch.NewestID)
	return int(relayed)
}

// advance moves the watermark forward to id and persists it. It never
// moves backwards.
func (w *Watcher) advance(ctx context.Context, id string) {
	w.mu.Lock()
	previous := w.watermark
	w.watermark = maxID(w.watermark, id)
	current := w.watermark
	w.mu.Unlock()

	if current == previous || w.store == nil {
		return
	}
	if err := w.store.Save(ctx, w.query, current); err != nil {
		w.log.Warnw("error persisting watermark", "watermark", current, "err", err)
	}
}

// resetWatermark forgets the watermark, in memory and in the store.
func (w *Watcher) resetWatermark(ctx context.Context) {
	w.mu.Lock()
	w.watermark = ""
	w.mu.Unlock()
	if w.store == nil {
		return
	}
	if err := w.store.Save(ctx, w.query, ""); err != nil {
		w.log.Warnw("error clearing stored watermark", "err", err)
	}
}

// loadStored seeds the watermark from the store. It reports whether a
// watermark was found.
func (w *Watcher) loadStored(ctx context.Context) bool {
	if w.store == nil {
		return false
	}
	id, err := w.store.Load(ctx, w.query)
	if err != nil {
		w.log.Warnw("error loading stored watermark", "err", err)
		return false
	}
	if !validID(id) {
		return false
	}
	w.mu.Lock()
	w.watermark = maxID(w.watermark, id)
	w.mu.Unlock()
	w.log.Infow("resuming from stored watermark", "watermark", id)
	return true
}

// retryDelay is the wait before retrying after err. Rate limiting waits at
// least one poll interval, and until the limit resets when the API says
// when that is.
func (w *Watcher) retryDelay(err error) time.Duration {
	d := w.retry.Next()
	if !IsRateLimited(err) {
		return d
	}
	if interval := w.cfg.PollInterval(); d < interval {
		d = interval
	}
	if wait := rateLimitWait(err, w.now()); wait > d && wait <= maxRateLimitWait {
		d = wait
	}
	return d
}

func (w *Watcher) recordError(err error) {
	if err == nil {
		return
	}
	w.mu.Lock()
	w.status.LastError = err.Error()
	w.mu.Unlock()
}
