package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ianfoo/tweetwatch"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run runs the watcher until it stops and returns the process exit code.
// Deferred cleanup happens before main exits.
func run(args []string) int {
	fs := flag.NewFlagSet(filepath.Base(os.Args[0]), flag.ContinueOnError)
	var (
		addr = fs.String("addr", ":4040", "Address on which to run the HTTP status server")
		mode = fs.String("mode", "", "Watch mode, poll or stream (overrides MODE)")
	)
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		return 2
	}

	log, err := logger()
	if err != nil {
		return fail(err)
	}
	defer log.Sync()

	cfg, err := tweetwatch.LoadConfig()
	if err != nil {
		return failUsage(err)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if err := cfg.Validate(); err != nil {
		return failUsage(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := tweetwatch.OpenStore(ctx, cfg.StatePath)
	if err != nil {
		log.Errorw("error opening watermark store", "err", err)
		return 1
	}
	if store != nil {
		defer store.Close()
	}

	watcher, err := setup(log, cfg, store)
	if err != nil {
		return failUsage(err)
	}
	srv := setupHTTP(log, *addr, watcher)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infow("starting", "mode", cfg.Mode)
	if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("watcher stopped", "err", err)
		return 1
	}
	log.Infow("exiting")
	return 0
}

func logger() (*zap.SugaredLogger, error) {
	var (
		log *zap.Logger
		err error
	)
	switch strings.ToLower(os.Getenv("ENV")) {
	case "dev", "development":
		log, err = zap.NewDevelopment()
	case "prod", "production":
		log, err = zap.NewProduction()
	default:
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}
	return log.Sugar(), nil
}

func setup(log *zap.SugaredLogger, cfg tweetwatch.Config, store tweetwatch.WatermarkStore) (*tweetwatch.Watcher, error) {
	notifier, err := setupNotifier(log, cfg.Notify)
	if err != nil {
		return nil, err
	}
	options := []func(*tweetwatch.Watcher){
		tweetwatch.WithWatcherLogger(log),
	}
	if store != nil {
		options = append(options, tweetwatch.WithStore(store))
	}
	return tweetwatch.NewWatcher(cfg, notifier, options...)
}

func setupNotifier(log *zap.SugaredLogger, cfg tweetwatch.NotifyConfig) (tweetwatch.Notifier, error) {
	var notifiers tweetwatch.MultiNotifier
	for _, driver := range cfg.Drivers {
		switch strings.TrimSpace(driver) {
		case "log":
			notifiers = append(notifiers, tweetwatch.NewLogNotifier(log))
		case "webhook":
			wn, err := tweetwatch.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookToken, cfg.WebhookTo,
				tweetwatch.WithWebhookLogger(log))
			if err != nil {
				return nil, err
			}
			notifiers = append(notifiers, wn)
		case "telegram":
			tn, err := tweetwatch.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
			if err != nil {
				return nil, err
			}
			tn.SetLogger(log)
			notifiers = append(notifiers, tn)
		case "twilio":
			if cfg.TwilioTo == "" {
				return nil, errors.New("TWILIO_TO is required for SMS notifications")
			}
			tss, err := tweetwatch.NewTwilioSMSSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFrom,
				tweetwatch.WithTwilioRecipient(cfg.TwilioTo),
				tweetwatch.WithTwilioLogger(log))
			if err != nil {
				return nil, err
			}
			notifiers = append(notifiers, tss)
		}
	}
	if len(notifiers) == 0 {
		log.Infow("no notifier configured, logging matches only")
		notifiers = append(notifiers, tweetwatch.NewLogNotifier(log))
	}
	return tweetwatch.RateLimited(notifiers, cfg.RatePerSec), nil
}

func setupHTTP(log *zap.SugaredLogger, addr string, w *tweetwatch.Watcher) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(rw, "Send requests with GET", http.StatusMethodNotAllowed)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		e := json.NewEncoder(rw)
		if err := e.Encode(w.Status()); err != nil {
			http.Error(rw,
				fmt.Sprintf("error encoding response: %v", err),
				http.StatusInternalServerError)
		}
	})
	srv := &http.Server{
		Addr:           addr,
		Handler:        mux,
		ReadTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Errorw("error running HTTP server", "err", err)
		}
		log.Infow("HTTP server stopped")
	}()
	return srv
}

func fail(err error) int {
	stdlog.SetFlags(0)
	stdlog.SetPrefix("")
	stdlog.Print(err)
	return 1
}

func failUsage(err error) int {
	stdlog.SetFlags(0)
	stdlog.SetPrefix(filepath.Base(os.Args[0]) + ": ")
	stdlog.Print(err)
	usage()
	return 1
}

func usage() {
	fmt.Fprintf(os.Stderr,
		`usage: %s [optional arguments]

Watches a Twitter/X search query and relays new posts from authors with
enough followers.

Optional arguments:
  -addr        Address on which to run the HTTP status server. Default ":4040"
  -mode        poll or stream. Overrides MODE.

environment:
  BEARER_TOKEN         Twitter API bearer token. Required.
  QUERY                Search query. Defaults to the built-in keyword group.
  KEYWORDS             Comma-separated keywords, OR-ed together. Overrides QUERY.
  QUERY_LANG           Language filter added to a KEYWORDS query, e.g. "tr".
  MIN_FOLLOWERS        Minimum follower count of a relayed post's author. Default 0.
  SLEEP_SECONDS        Seconds between polls. Default 900.
  MAX_RESULTS          Results per search page, 10 to 100. Default 50.
  MAX_PAGES            Pages followed per poll. Default 5.
  MODE                 poll or stream. Default poll.
  BACKOFF_INITIAL      First retry delay after an error. Default 5s.
  BACKOFF_MAX          Retry delay cap. Default 5m.
  STATE_PATH           SQLite file to keep the watermark in across restarts.
  NOTIFY               Comma-separated channels: log, webhook, telegram, twilio.
  NOTIFY_RATE          Notifications per second. Default 1.
  NOTIFY_URL           Webhook URL.
  NOTIFY_TOKEN         Webhook bearer token.
  NOTIFY_TO            Webhook destination identifier.
  TELEGRAM_BOT_TOKEN   Telegram bot token.
  TELEGRAM_CHAT_ID     Telegram chat to send to.
  TWILIO_ACCOUNT_SID   Twilio account SID.
  TWILIO_AUTH_TOKEN    Twilio auth token.
  TWILIO_PHONE_NUMBER  Twilio phone number to send from.
  TWILIO_TO            Phone number to send SMS to.
  ENV                  "prod" for JSON logs; development logging otherwise.
`,
		filepath.Base(os.Args[0]))
}
