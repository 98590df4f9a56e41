// Package owz speaks the OWZ heating controller's web API: a cookie-based
// login followed by getDp queries for individual plant items.
package owz

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/exp/slog"
)

const (
	loginPath = "/main.app"
	queryPath = "/ajax.app"

	defaultTimeout = 30 * time.Second
)

// ErrNoValue is returned by FetchDataPoint when the appliance answers
// without a usable "value" field.
var ErrNoValue = errors.New("no value in response")

type Opts struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// Manager provides access to one OWZ appliance. Login stores the session
// cookie in the client's jar; subsequent fetches reuse it.
type Manager struct {
	lo   *slog.Logger
	opts Opts

	client *http.Client
}

func New(lo *slog.Logger, opts Opts) (*Manager, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("could not create cookie jar: %w", err)
	}

	client := &http.Client{
		Timeout: opts.Timeout,
		Jar:     jar,
		Transport: &http.Transport{
			// The appliance serves a self-signed certificate on a trusted
			// local network, so certificate validation is switched off.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	return &Manager{
		lo:     lo.With("base_url", opts.BaseURL),
		opts:   opts,
		client: client,
	}, nil
}

// Login authenticates against the appliance. The session cookie set by the
// response lives in the client's jar and is reused by FetchDataPoint.
// Login is idempotent and may be called once per cycle.
func (mgr *Manager) Login(ctx context.Context) error {
	params := url.Values{}
	params.Set("user", mgr.opts.Username)
	params.Set("pwd", mgr.opts.Password)

	endpoint := mgr.opts.BaseURL + loginPath + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("could not create login request: %w", err)
	}

	resp, err := mgr.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request for login failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("login failed with status code: %d", resp.StatusCode)
	}

	mgr.lo.Debug("login successful", "user", mgr.opts.Username)

	return nil
}

// dpResponse is the appliance's answer to a getDp query. The value field
// arrives as a string or a number depending on the datapoint; any other
// fields are ignored.
type dpResponse struct {
	Value any `json:"value"`
}

// FetchDataPoint queries the current value of a single plant item. It needs
// a session established by a prior Login on the same Manager.
func (mgr *Manager) FetchDataPoint(ctx context.Context, id int) (float64, error) {
	params := url.Values{}
	params.Set("service", "getDp")
	params.Set("plantItemId", strconv.Itoa(id))

	endpoint := mgr.opts.BaseURL + queryPath + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("could not create request: %w", err)
	}

	resp, err := mgr.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request for datapoint failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("http request failed with status code: %d", resp.StatusCode)
	}

	var r dpResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return 0, fmt.Errorf("failed to unmarshal datapoint response: %w", err)
	}

	switch v := r.Value.(type) {
	case string:
		value, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("converting value %q to float failed: %w", v, err)
		}
		return value, nil
	case float64:
		return v, nil
	case nil:
		return 0, fmt.Errorf("datapoint %d: %w", id, ErrNoValue)
	default:
		return 0, fmt.Errorf("datapoint %d: unexpected value type %T", id, v)
	}
}
