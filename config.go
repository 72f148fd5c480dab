package tweetwatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Watch modes.
const (
	ModePoll   = "poll"
	ModeStream = "stream"
)

// DefaultQuery is used when neither QUERY nor KEYWORDS is set.
const DefaultQuery = `("OSSD" OR "Ontario Secondary School Diploma" OR "kanada lise" OR "yurtdışında üniversite") lang:tr`

// Search page size limits of the recent-search endpoint.
const (
	minMaxResults = 10
	maxMaxResults = 100
)

// Config is built once at startup and passed by value; nothing reads the
// environment after LoadConfig returns.
type Config struct {
	// BearerToken authenticates against the search and stream APIs.
	BearerToken string `env:"BEARER_TOKEN"`

	// Query is the raw search query. Ignored when Keywords is set.
	Query string `env:"QUERY"`

	// Keywords, when set, builds the query as an OR group of quoted terms.
	Keywords []string `env:"KEYWORDS" envSeparator:","`

	// QueryLang restricts a Keywords query to one language, e.g. "tr".
	QueryLang string `env:"QUERY_LANG"`

	// MinFollowers is the follower count an author needs for their post to
	// be relayed.
	MinFollowers int `env:"MIN_FOLLOWERS" envDefault:"0"`

	// SleepSeconds is the delay between polls.
	SleepSeconds int `env:"SLEEP_SECONDS" envDefault:"900"`

	MaxResults int `env:"MAX_RESULTS" envDefault:"50"`
	MaxPages   int `env:"MAX_PAGES" envDefault:"5"`

	// Mode is either "poll" or "stream".
	Mode string `env:"MODE" envDefault:"poll"`

	APIBaseURL     string        `env:"API_BASE_URL" envDefault:"https://api.twitter.com"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	BackoffInitial time.Duration `env:"BACKOFF_INITIAL" envDefault:"5s"`
	BackoffMax     time.Duration `env:"BACKOFF_MAX" envDefault:"5m"`

	// StatePath is an sqlite file to persist the watermark in. Empty keeps
	// the watermark in memory only.
	StatePath string `env:"STATE_PATH"`

	Notify NotifyConfig
}

// NotifyConfig selects and configures the notification channels.
type NotifyConfig struct {
	// Drivers lists the channels to relay to: log, webhook, telegram, twilio.
	Drivers    []string `env:"NOTIFY" envDefault:"log" envSeparator:","`
	RatePerSec float64  `env:"NOTIFY_RATE" envDefault:"1"`

	WebhookURL   string `env:"NOTIFY_URL"`
	WebhookToken string `env:"NOTIFY_TOKEN"`
	WebhookTo    string `env:"NOTIFY_TO"`

	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   int64  `env:"TELEGRAM_CHAT_ID"`

	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFrom       string `env:"TWILIO_PHONE_NUMBER"`
	TwilioTo         string `env:"TWILIO_TO"`
}

// LoadConfig reads the configuration from the process environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "error parsing environment")
	}
	return cfg, nil
}

// ParseConfig reads the configuration from the given variables instead of
// the process environment.
func ParseConfig(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, errors.Wrap(err, "error parsing environment")
	}
	return cfg, nil
}

// Validate reports the first setting that makes the configuration unusable.
func (c Config) Validate() error {
	if c.BearerToken == "" {
		return errors.New("BEARER_TOKEN must be set")
	}
	if c.SearchQuery() == "" {
		return errors.New("search query is empty")
	}
	if c.MinFollowers < 0 {
		return errors.New("MIN_FOLLOWERS must not be negative")
	}
	if c.SleepSeconds < 1 {
		return errors.New("minimum SLEEP_SECONDS is one second")
	}
	if c.MaxResults < minMaxResults || c.MaxResults > maxMaxResults {
		return errors.Errorf("MAX_RESULTS must be between %d and %d", minMaxResults, maxMaxResults)
	}
	if c.MaxPages < 1 {
		return errors.New("MAX_PAGES must be at least 1")
	}
	if c.Mode != ModePoll && c.Mode != ModeStream {
		return errors.Errorf("unknown mode %q", c.Mode)
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return errors.New("backoff bounds must satisfy 0 < BACKOFF_INITIAL <= BACKOFF_MAX")
	}
	for _, d := range c.Notify.Drivers {
		switch strings.TrimSpace(d) {
		case "log", "webhook", "telegram", "twilio":
		default:
			return errors.Errorf("unknown notifier %q", d)
		}
	}
	return nil
}

// PollInterval is the delay between two polls.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.SleepSeconds) * time.Second
}

// SearchQuery returns the query to send to the API. Keywords take
// precedence over Query; with neither set, DefaultQuery is used.
func (c Config) SearchQuery() string {
	var terms []string
	for _, k := range c.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			terms = append(terms, fmt.Sprintf("%q", k))
		}
	}
	if len(terms) == 0 {
		if q := strings.TrimSpace(c.Query); q != "" {
			return q
		}
		return DefaultQuery
	}
	q := "(" + strings.Join(terms, " OR ") + ")"
	if c.QueryLang != "" {
		q += " lang:" + c.QueryLang
	}
	return q
}
