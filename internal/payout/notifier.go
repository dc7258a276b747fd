// internal/payout/notifier.go
package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jason-s-yu/arcade/internal/lobby"
	"github.com/sirupsen/logrus"
)

const completePath = "/match/complete"

// ErrPayoutNotificationFailed is returned once the retry budget is spent or a
// permanent rejection is received.
var ErrPayoutNotificationFailed = errors.New("payout notification failed")

// Completion is the body of POST /match/complete.
type Completion struct {
	LobbyID  string `json:"lobbyId"`
	WinnerID string `json:"winnerId"`
	IsBot    bool   `json:"isBot"`
	MatchID  string `json:"matchId"`
}

// Config configures an HTTPNotifier.
type Config struct {
	BaseURL         string
	Secret          []byte
	MaxRetries      int
	Timeout         time.Duration // per attempt
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Client          *http.Client
	Logger          *logrus.Logger
}

// HTTPNotifier tells the external settlement service who won a match.
type HTTPNotifier struct {
	cfg    Config
	client *http.Client
	log    *logrus.Entry
}

// NewHTTPNotifier validates cfg and fills in defaults.
func NewHTTPNotifier(cfg Config) (*HTTPNotifier, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("payout: base url required")
	}
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("payout: signing secret required")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 250 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPNotifier{
		cfg:    cfg,
		client: client,
		log:    cfg.Logger.WithField("component", "payout"),
	}, nil
}

// NotifyMatchComplete adapts a match result to a Completion.
func (n *HTTPNotifier) NotifyMatchComplete(ctx context.Context, res lobby.Result) error {
	if !res.HasWinner() || res.WinnerIsBot {
		return nil
	}
	return n.Notify(ctx, Completion{
		LobbyID:  res.LobbyID,
		WinnerID: res.WinnerID,
		IsBot:    res.WinnerIsBot,
		MatchID:  res.MatchID,
	})
}

// Notify posts c, retrying transient failures with exponential backoff.
// 4xx responses other than 408 and 429 are not retried.
func (n *HTTPNotifier) Notify(ctx context.Context, c Completion) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: encode body: %v", ErrPayoutNotificationFailed, err)
	}

	log := n.log.WithFields(logrus.Fields{"lobby": c.LobbyID, "match": c.MatchID, "winner": c.WinnerID})
	attempt := 0
	op := func() error {
		attempt++
		err := n.post(ctx, c, body)
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = n.cfg.InitialInterval
	exp.MaxInterval = n.cfg.MaxInterval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(n.cfg.MaxRetries)), ctx)

	err = backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		log.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "wait": wait}).Warn("payout attempt failed, retrying")
	})
	if err != nil {
		return fmt.Errorf("%w: after %d attempt(s): %v", ErrPayoutNotificationFailed, attempt, err)
	}
	return nil
}

func (n *HTTPNotifier) post(ctx context.Context, c Completion, body []byte) error {
	token, err := n.sign(c)
	if err != nil {
		return backoff.Permanent(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, n.cfg.BaseURL+completePath, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", c.MatchID)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (n *HTTPNotifier) sign(c Completion) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   "arcade",
		"sub":   c.WinnerID,
		"lobby": c.LobbyID,
		"match": c.MatchID,
		"iat":   now.Unix(),
		"exp":   now.Add(5 * time.Minute).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(n.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign payout token: %w", err)
	}
	return token, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("settlement service returned %d", e.code)
	}
	return fmt.Sprintf("settlement service returned %d: %s", e.code, e.body)
}

func (e *statusError) retryable() bool {
	if e.code == http.StatusRequestTimeout || e.code == http.StatusTooManyRequests {
		return true
	}
	return e.code >= 500
}
