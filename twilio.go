package tweetwatch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TwilioSMSSender sends SMS messages.
type TwilioSMSSender struct {
	AccountSID string
	AuthToken  string
	Sender     string

	// To is the phone number notifications are sent to.
	To string

	apiBase string
	client  *http.Client
	log     *zap.SugaredLogger
}

const twilioAPIBase = "https://api.twilio.com/2010-04-01"

// smsLimit keeps a message within ten concatenated segments.
const smsLimit = 1530

// NewTwilioSMSSender returns a sender for the given account, sending from
// the Twilio number sender.
func NewTwilioSMSSender(sid, token, sender string, options ...func(*TwilioSMSSender)) (*TwilioSMSSender, error) {
	if sid == "" || token == "" {
		return nil, errors.New("twilio account SID and auth token must be specified")
	}
	if sender == "" {
		return nil, errors.New("twilio sender phone number must be specified")
	}
	tss := &TwilioSMSSender{
		AccountSID: sid,
		AuthToken:  token,
		Sender:     sender,
		apiBase:    twilioAPIBase,
		client:     initHTTPClient(20 * time.Second),
		log:        zap.NewNop().Sugar(),
	}
	for _, o := range options {
		o(tss)
	}
	return tss, nil
}

// WithTwilioRecipient sets the phone number Notify sends to.
func WithTwilioRecipient(to string) func(*TwilioSMSSender) {
	return func(tss *TwilioSMSSender) {
		tss.To = to
	}
}

// WithTwilioAPIBase overrides the Twilio API base URL.
func WithTwilioAPIBase(base string) func(*TwilioSMSSender) {
	return func(tss *TwilioSMSSender) {
		tss.apiBase = base
	}
}

// WithTwilioLogger sets the *zap.SugaredLogger the sender logs to.
func WithTwilioLogger(logger *zap.SugaredLogger) func(*TwilioSMSSender) {
	return func(tss *TwilioSMSSender) {
		tss.log = logger
	}
}

// Notify sends the notification text to the configured recipient.
func (tss *TwilioSMSSender) Notify(ctx context.Context, n Notification) error {
	if tss.To == "" {
		return errors.New("twilio recipient is not set")
	}
	return tss.Send(ctx, tss.To, truncateSMS(n.Text))
}

// truncateSMS cuts text to smsLimit bytes without splitting a character.
func truncateSMS(text string) string {
	if len(text) <= smsLimit {
		return text
	}
	cut := smsLimit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// Send sends message to phone number 'to' in an SMS.
func (tss *TwilioSMSSender) Send(ctx context.Context, to, message string) error {
	values := url.Values{}
	values.Set("To", to)
	values.Set("From", tss.Sender)
	values.Set("Body", message)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", tss.apiBase, tss.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(tss.AccountSID, tss.AuthToken)
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Add("Accept", "application/json")

	resp, err := tss.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "error reaching Twilio API")
	}

	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		// Error bodies carry a numeric status, unlike message resources.
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if err := decodeResponse(resp.Body, &apiErr); err != nil {
			return errors.Wrapf(err, "Twilio error status %d", resp.StatusCode)
		}
		return errors.Errorf("Twilio error %d: %s", apiErr.Code, apiErr.Message)
	}

	var apiResponse struct {
		MessageSID    string `json:"sid"`
		MessageStatus string `json:"status"`
		To            string `json:"to"`
	}
	if err := decodeResponse(resp.Body, &apiResponse); err != nil {
		return errors.Wrap(err, "Twilio response")
	}
	if isNotOKMessageStatus(apiResponse.MessageStatus) {
		return errors.Errorf("bad message status: %s", apiResponse.MessageStatus)
	}
	tss.log.Infow("sent SMS",
		"message_sid", apiResponse.MessageSID,
		"message_status", apiResponse.MessageStatus,
		"message_to", apiResponse.To)

	return nil
}

func isNotOKMessageStatus(status string) bool {
	okStatuses := []string{"accepted", "queued", "sending", "sent", "delivered"}
	for _, s := range okStatuses {
		if status == s {
			return false
		}
	}
	return true
}
