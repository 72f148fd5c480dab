package tweetwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultAPIBaseURL = "https://api.twitter.com"
	recentSearchPath  = "/2/tweets/search/recent"

	tweetFields = "created_at,lang,author_id,public_metrics"
	expansions  = "author_id"
	userFields  = "username,verified,public_metrics,name"
)

// Post is a search result, kept only long enough to be filtered and relayed.
type Post struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	AuthorID  string    `json:"author_id"`
	Lang      string    `json:"lang,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Author is the user side-table entry joined to a Post by AuthorID.
type Author struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	Name           string `json:"name"`
	Verified       bool   `json:"verified"`
	FollowersCount int    `json:"followers_count"`
}

// Batch is everything one API response (or one stream line) yielded.
type Batch struct {
	Posts   []Post
	Authors map[string]Author

	// NewestID is the highest post ID seen in the response, including
	// IDs of items that were skipped as malformed.
	NewestID string

	// Skipped counts data items that could not be decoded.
	Skipped int
}

// merge folds another page into b.
func (b *Batch) merge(other Batch) {
	b.Posts = append(b.Posts, other.Posts...)
	if b.Authors == nil {
		b.Authors = make(map[string]Author, len(other.Authors))
	}
	for id, a := range other.Authors {
		b.Authors[id] = a
	}
	b.NewestID = maxID(b.NewestID, other.NewestID)
	b.Skipped += other.Skipped
}

// sortPosts orders posts oldest first so they are relayed in the order they
// were written.
func (b *Batch) sortPosts() {
	sort.SliceStable(b.Posts, func(i, j int) bool {
		return compareIDs(b.Posts[i].ID, b.Posts[j].ID) < 0
	})
}

// SearchClient queries the v2 recent-search endpoint.
type SearchClient struct {
	baseURL    string
	token      string
	maxResults int
	maxPages   int
	client     *http.Client
	log        *zap.SugaredLogger
}

// NewSearchClient returns a client authenticating with the given bearer
// token.
func NewSearchClient(token string, options ...func(*SearchClient)) (*SearchClient, error) {
	if token == "" {
		return nil, errors.New("bearer token must be specified")
	}
	sc := &SearchClient{
		baseURL:    defaultAPIBaseURL,
		token:      token,
		maxResults: 50,
		maxPages:   5,
		client:     initHTTPClient(15 * time.Second),
		log:        zap.NewNop().Sugar(),
	}
	for _, o := range options {
		o(sc)
	}
	if sc.maxResults < minMaxResults || sc.maxResults > maxMaxResults {
		return nil, errors.Errorf("max results must be between %d and %d", minMaxResults, maxMaxResults)
	}
	return sc, nil
}

// WithSearchBaseURL points the client at a different API host.
func WithSearchBaseURL(base string) func(*SearchClient) {
	return func(sc *SearchClient) {
		if base != "" {
			sc.baseURL = base
		}
	}
}

// WithSearchPages sets the page size and the number of next_token pages
// followed in one SearchSince call.
func WithSearchPages(maxResults, maxPages int) func(*SearchClient) {
	return func(sc *SearchClient) {
		if maxResults > 0 {
			sc.maxResults = maxResults
		}
		if maxPages > 0 {
			sc.maxPages = maxPages
		}
	}
}

// WithSearchTimeout sets the per-request timeout.
func WithSearchTimeout(timeout time.Duration) func(*SearchClient) {
	return func(sc *SearchClient) {
		if timeout > 0 {
			sc.client = initHTTPClient(timeout)
		}
	}
}

// WithSearchLogger sets the *zap.SugaredLogger the client logs to. A no-op
// logger is used otherwise.
func WithSearchLogger(logger *zap.SugaredLogger) func(*SearchClient) {
	return func(sc *SearchClient) {
		sc.log = logger
	}
}

// Newest returns the ID of the newest post matching query, or "" if there
// is none. Nothing is relayed; this only seeds the watermark.
func (sc *SearchClient) Newest(ctx context.Context, query string) (string, error) {
	page, _, err := sc.search(ctx, query, "", "", minMaxResults)
	if err != nil {
		return "", err
	}
	return page.NewestID, nil
}

// SearchSince returns posts matching query that are newer than sinceID,
// following next_token pagination up to the configured page count.
func (sc *SearchClient) SearchSince(ctx context.Context, query, sinceID string) (Batch, error) {
	var (
		batch     = Batch{Authors: map[string]Author{}}
		nextToken string
	)
	for page := 0; page < sc.maxPages; page++ {
		b, next, err := sc.search(ctx, query, sinceID, nextToken, sc.maxResults)
		if err != nil {
			return Batch{}, err
		}
		batch.merge(b)
		if next == "" {
			break
		}
		if page == sc.maxPages-1 {
			sc.log.Warnw("page limit reached, older results since watermark dropped",
				"max_pages", sc.maxPages,
				"since_id", sinceID)
		}
		nextToken = next
	}
	batch.sortPosts()
	return batch, nil
}

func (sc *SearchClient) search(ctx context.Context, query, sinceID, nextToken string, maxResults int) (Batch, string, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("max_results", strconv.Itoa(maxResults))
	params.Set("tweet.fields", tweetFields)
	params.Set("expansions", expansions)
	params.Set("user.fields", userFields)
	if sinceID != "" {
		params.Set("since_id", sinceID)
	}
	if nextToken != "" {
		params.Set("next_token", nextToken)
	}
	endpoint := fmt.Sprintf("%s%s?%s", sc.baseURL, recentSearchPath, params.Encode())

	req, err := newBearerRequest(ctx, http.MethodGet, endpoint, sc.token, nil)
	if err != nil {
		return Batch{}, "", err
	}
	resp, err := sc.client.Do(req)
	if err != nil {
		return Batch{}, "", errors.Wrapf(err, "error reaching Twitter API: %s", recentSearchPath)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Batch{}, "", errors.Wrap(err, "error reading search response")
	}
	if resp.StatusCode != http.StatusOK {
		return Batch{}, "", newAPIError(recentSearchPath, resp, body)
	}

	var env searchEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Batch{}, "", errors.Wrap(err, "error decoding search response")
	}
	for _, e := range env.Errors {
		sc.log.Debugw("partial error in search response",
			"title", e.Title,
			"detail", e.Detail,
			"resource_id", e.ResourceID)
	}
	batch := decodeBatch(env.Data, env.Includes.Users)
	batch.NewestID = maxID(batch.NewestID, env.Meta.NewestID)
	return batch, env.Meta.NextToken, nil
}

type searchEnvelope struct {
	Data     []json.RawMessage `json:"data"`
	Includes struct {
		Users []json.RawMessage `json:"users"`
	} `json:"includes"`
	Meta struct {
		NewestID    string `json:"newest_id"`
		OldestID    string `json:"oldest_id"`
		ResultCount int    `json:"result_count"`
		NextToken   string `json:"next_token"`
	} `json:"meta"`
	Errors []partialError `json:"errors"`
}

type partialError struct {
	Title      string `json:"title"`
	Detail     string `json:"detail"`
	ResourceID string `json:"resource_id"`
}

type apiPost struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	AuthorID  string `json:"author_id"`
	Lang      string `json:"lang"`
	CreatedAt string `json:"created_at"`
}

type apiUser struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Name          string `json:"name"`
	Verified      bool   `json:"verified"`
	PublicMetrics struct {
		FollowersCount int `json:"followers_count"`
	} `json:"public_metrics"`
}

// decodeBatch decodes data items and the user side table one element at a
// time, so a single malformed item only loses that item.
func decodeBatch(data, users []json.RawMessage) Batch {
	batch := Batch{Authors: make(map[string]Author, len(users))}
	for _, raw := range users {
		var u apiUser
		if err := json.Unmarshal(raw, &u); err != nil || u.ID == "" {
			continue
		}
		batch.Authors[u.ID] = Author{
			ID:             u.ID,
			Username:       u.Username,
			Name:           u.Name,
			Verified:       u.Verified,
			FollowersCount: u.PublicMetrics.FollowersCount,
		}
	}
	for _, raw := range data {
		post, err := decodePost(raw)
		if err != nil {
			batch.Skipped++
			batch.NewestID = maxID(batch.NewestID, idOf(raw))
			continue
		}
		batch.Posts = append(batch.Posts, post)
		batch.NewestID = maxID(batch.NewestID, post.ID)
	}
	return batch
}

func decodePost(raw json.RawMessage) (Post, error) {
	var p apiPost
	if err := json.Unmarshal(raw, &p); err != nil {
		return Post{}, errors.Wrap(err, "error decoding post")
	}
	if !validID(p.ID) {
		return Post{}, errors.Errorf("post has invalid id %q", p.ID)
	}
	if p.AuthorID == "" {
		return Post{}, errors.Errorf("post %s has no author_id", p.ID)
	}
	post := Post{
		ID:       p.ID,
		Text:     p.Text,
		AuthorID: p.AuthorID,
		Lang:     p.Lang,
	}
	if p.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, p.CreatedAt); err == nil {
			post.CreatedAt = t
		}
	}
	return post, nil
}

// idOf extracts just the id of an item that failed full decoding.
func idOf(raw json.RawMessage) string {
	var v struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &v) != nil {
		return ""
	}
	return v.ID
}
