// Package tweetwatch defines types to watch a Twitter/X search query for new
// posts, keep the ones whose authors have at least a configured number of
// followers, and relay them to a messaging endpoint (a webhook, a Telegram
// chat or an SMS via Twilio).
//
// The Watcher either polls the recent-search endpoint on an interval or holds
// a filtered-stream connection open. In both modes a since_id watermark keeps
// already-seen posts from being relayed twice.
package tweetwatch
