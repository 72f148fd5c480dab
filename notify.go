package tweetwatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Notification is a post that passed the follower threshold, together with
// the message text relayed for it.
type Notification struct {
	Post   Post
	Author Author
	Text   string
}

// Notifier relays a notification to a destination.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// NewNotification renders the message text for a post.
func NewNotification(post Post, author Author) Notification {
	return Notification{
		Post:   post,
		Author: author,
		Text:   FormatMessage(post, author),
	}
}

// FormatMessage renders a post as
//
//	@username (N followers) - 2024-05-01T10:00:00Z
//	text
//	https://x.com/username/status/id
func FormatMessage(post Post, author Author) string {
	who := "@" + author.Username
	if author.Username == "" {
		who = "user " + post.AuthorID
	}
	created := "unknown time"
	if !post.CreatedAt.IsZero() {
		created = post.CreatedAt.UTC().Format(time.RFC3339)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d followers) - %s\n", who, author.FollowersCount, created)
	b.WriteString(post.Text)
	fmt.Fprintf(&b, "\n%s", PostURL(post, author))
	return b.String()
}

// PostURL links to the post on the web.
func PostURL(post Post, author Author) string {
	if author.Username == "" {
		return "https://x.com/i/web/status/" + post.ID
	}
	return fmt.Sprintf("https://x.com/%s/status/%s", author.Username, post.ID)
}

// LogNotifier writes notifications to the log instead of sending them.
type LogNotifier struct {
	log *zap.SugaredLogger
}

// NewLogNotifier returns a notifier that logs at info level.
func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LogNotifier{log: logger}
}

// Notify logs n.
func (ln *LogNotifier) Notify(_ context.Context, n Notification) error {
	ln.log.Infow("matching post",
		"post_id", n.Post.ID,
		"username", n.Author.Username,
		"followers", n.Author.FollowersCount,
		"created_at", n.Post.CreatedAt,
		"text", n.Post.Text)
	return nil
}

// MultiNotifier relays to every notifier in order. One failing channel does
// not keep the others from being tried.
type MultiNotifier []Notifier

// Notify calls every notifier and combines their errors.
func (m MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var err error
	for _, nt := range m {
		err = multierr.Append(err, nt.Notify(ctx, n))
	}
	return err
}

type rateLimitedNotifier struct {
	next    Notifier
	limiter *rate.Limiter
}

// RateLimited spaces out calls to next so that no more than perSecond
// notifications go out per second, with bursts of up to one second's worth.
// A non-positive rate disables limiting.
func RateLimited(next Notifier, perSecond float64) Notifier {
	if perSecond <= 0 {
		return next
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &rateLimitedNotifier{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (r *rateLimitedNotifier) Notify(ctx context.Context, n Notification) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "notification rate limiter")
	}
	return r.next.Notify(ctx, n)
}
