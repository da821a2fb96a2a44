package csnet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/yutampo/yutampo/pkg/common"
	"github.com/yutampo/yutampo/pkg/log"
	"github.com/yutampo/yutampo/pkg/types"
)

const (
	loginPath     = "/login"
	dashboardPath = "/"
	elementsPath  = "/data/elements"
	commandPath   = "/data/indoor/heat_setting"

	fetchAttempts = 3
	maxBodySize   = 4 << 20
)

// SessionState is the authentication state of the client's session.
type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticating
	StateAuthenticated
	StateExpired
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateExpired:
		return "expired"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// Config holds what is needed to reach the CSNet Manager service.
type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// Client talks to the CSNet Manager web application. It hides login, the
// rotating _csrf token and session expiry from callers. All operations
// serialize on the session.
type Client struct {
	mu       sync.Mutex
	baseURL  *url.URL
	username string
	password string
	client   *http.Client
	token    string
	state    SessionState

	configErr error
}

// New returns an unauthenticated client.
func New(cfg Config) (*Client, error) {
	c := &Client{}
	if err := c.configure(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) configure(cfg Config) error {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid csnet url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid csnet url: %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	jar, err := newJar()
	if err != nil {
		return err
	}
	c.baseURL = u
	c.username = cfg.Username
	c.password = cfg.Password
	c.client = common.SessionClient(timeout, jar)
	c.state = StateUnauthenticated
	return nil
}

func newJar() (http.CookieJar, error) {
	return cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
}

// State returns the current session state.
func (c *Client) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Authenticate logs in and stores a fresh token and cookie session. It is
// safe to call repeatedly.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticate(ctx)
}

// authenticate must be called with c.mu held.
func (c *Client) authenticate(ctx context.Context) error {
	if c.username == "" || c.password == "" {
		c.state = StateUnauthenticated
		return fmt.Errorf("%w: missing username or password", ErrAuth)
	}
	c.state = StateAuthenticating
	token, err := c.login(ctx)
	if err != nil {
		c.state = StateUnauthenticated
		c.token = ""
		log.Ctx(ctx).ErrorContext(ctx, "csnet login failed", slog.Any("error", err))
		return err
	}
	c.token = token
	c.state = StateAuthenticated
	log.Ctx(ctx).DebugContext(ctx, "csnet login success", slog.String("username", c.username))
	return nil
}

func (c *Client) login(ctx context.Context) (string, error) {
	resp, body, err := c.do(ctx, http.MethodGet, loginPath, nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: login page status %d", ErrTransport, resp.StatusCode)
	}
	token, err := extractToken(bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	data := url.Values{}
	data.Set(tokenField, token)
	data.Set("username", c.username)
	data.Set("password_unsanitized", c.password)
	data.Set("password", c.password)

	resp, body, err = c.do(ctx, http.MethodPost, loginPath, data)
	if err != nil {
		return "", err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
	case isRedirect(resp.StatusCode):
		loc, err := resp.Location()
		if err != nil {
			return "", fmt.Errorf("%w: login redirect without location", ErrAuth)
		}
		if isLoginURL(loc) {
			return "", fmt.Errorf("%w: invalid credentials", ErrAuth)
		}
		// follow the redirect once so the final session cookies are set
		resp, body, err = c.do(ctx, http.MethodGet, loc.String(), nil)
		if err != nil {
			return "", err
		}
		if expired(resp) {
			return "", fmt.Errorf("%w: login did not stick", ErrAuth)
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: login status %d", ErrAuth, resp.StatusCode)
	default:
		return "", fmt.Errorf("%w: login status %d", ErrTransport, resp.StatusCode)
	}

	// the landing page usually carries a newer token
	if t, err := extractToken(bytes.NewReader(body)); err == nil {
		token = t
	}
	return token, nil
}

// reset drops the whole session, cookies included. Must be called with c.mu
// held.
func (c *Client) reset(ctx context.Context) {
	jar, err := newJar()
	if err != nil {
		// cookiejar.New only fails on bad options
		log.Ctx(ctx).ErrorContext(ctx, "failed to create cookie jar", slog.Any("error", err))
		return
	}
	c.client.Jar = jar
	c.token = ""
	c.state = StateUnauthenticated
}

func (c *Client) ensureSession(ctx context.Context) error {
	if c.state == StateAuthenticated {
		return nil
	}
	return c.authenticate(ctx)
}

type elementsResponse struct {
	Data *struct {
		Elements *[]element `json:"elements"`
	} `json:"data"`
}

type element struct {
	DeviceID           flexString `json:"deviceId"`
	DeviceName         string     `json:"deviceName"`
	ParentID           flexString `json:"parentId"`
	SettingTemperature *float64   `json:"settingTemperature"`
	CurrentTemperature *float64   `json:"currentTemperature"`
	OnOff              *int       `json:"onOff"`
	OperationStatus    int        `json:"operationStatus"`
	RunStopDHW         *int       `json:"runStopDHW"`
}

// flexString accepts both JSON numbers and strings. CSNet is not consistent
// about identifier types.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (e element) snapshot() types.DeviceSnapshot {
	mode := types.RunModeOff
	switch {
	case e.RunStopDHW != nil:
		if *e.RunStopDHW == 1 {
			mode = types.RunModeHeat
		}
	case e.OnOff != nil:
		if *e.OnOff == 1 {
			mode = types.RunModeHeat
		}
	}
	commandID := string(e.ParentID)
	if commandID == "" {
		commandID = string(e.DeviceID)
	}
	return types.DeviceSnapshot{
		ID:                 string(e.DeviceID),
		Name:               e.DeviceName,
		CommandID:          commandID,
		SettingTemperature: e.SettingTemperature,
		CurrentTemperature: e.CurrentTemperature,
		Mode:               mode,
		OperationStatus:    e.OperationStatus,
	}
}

// FetchDeviceState returns the state of every device on the account. A
// failed attempt resets the session and the fetch is tried again, up to 3
// attempts. Authentication failures are returned immediately.
func (c *Client) FetchDeviceState(ctx context.Context) ([]types.DeviceSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		snaps, err := c.fetchOnce(ctx)
		if err == nil {
			return snaps, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		log.Ctx(ctx).WarnContext(
			ctx,
			"csnet fetch attempt failed",
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		c.reset(ctx)
	}
	return nil, fmt.Errorf("fetch failed after %d attempts: %w", fetchAttempts, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context) ([]types.DeviceSnapshot, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	resp, body, err := c.do(ctx, http.MethodGet, elementsPath, nil)
	if err != nil {
		return nil, err
	}
	if expired(resp) {
		log.Ctx(ctx).DebugContext(ctx, "csnet session expired during fetch")
		c.state = StateExpired
		if err := c.authenticate(ctx); err != nil {
			return nil, err
		}
		resp, body, err = c.do(ctx, http.MethodGet, elementsPath, nil)
		if err != nil {
			return nil, err
		}
		if expired(resp) {
			c.state = StateExpired
			return nil, ErrSessionExpired
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: elements status %d", ErrTransport, resp.StatusCode)
	}

	var er elementsResponse
	if err := json.Unmarshal(body, &er); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode csnet elements", slog.Any("error", err), slog.String("body", truncate(body)))
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if er.Data == nil || er.Data.Elements == nil {
		log.Ctx(ctx).ErrorContext(ctx, "csnet elements missing data.elements", slog.String("body", truncate(body)))
		return nil, fmt.Errorf("%w: missing data.elements", ErrMalformedResponse)
	}

	snaps := make([]types.DeviceSnapshot, 0, len(*er.Data.Elements))
	for _, e := range *er.Data.Elements {
		if e.DeviceID == "" {
			log.Ctx(ctx).WarnContext(ctx, "skipping csnet element without deviceId", slog.String("name", e.DeviceName))
			continue
		}
		snaps = append(snaps, e.snapshot())
	}
	return snaps, nil
}

type commandResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// SendCommand sends a partial update for the device identified by its
// command ID. Only the non-nil fields of cmd are sent.
func (c *Client) SendCommand(ctx context.Context, commandID string, cmd types.Command) error {
	if commandID == "" {
		return errors.New("missing command id")
	}
	if cmd.Empty() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureSession(ctx); err != nil {
		return err
	}

	err := c.sendOnce(ctx, commandID, cmd)
	if errors.Is(err, ErrSessionExpired) {
		log.Ctx(ctx).DebugContext(ctx, "csnet session expired during command")
		c.state = StateExpired
		if err := c.authenticate(ctx); err != nil {
			return err
		}
		err = c.sendOnce(ctx, commandID, cmd)
	}
	if errors.Is(err, ErrTransport) || errors.Is(err, ErrSessionExpired) {
		c.reset(ctx)
	}
	return err
}

func (c *Client) sendOnce(ctx context.Context, commandID string, cmd types.Command) error {
	if err := c.refreshToken(ctx); err != nil {
		return err
	}

	data := url.Values{}
	data.Set("indoorId", commandID)
	if cmd.SettingTemperature != nil {
		data.Set("settingTempDHW", strconv.FormatFloat(*cmd.SettingTemperature, 'f', -1, 64))
	}
	if cmd.RunMode != nil {
		run := "0"
		if *cmd.RunMode == types.RunModeHeat {
			run = "1"
		}
		data.Set("runStopDHW", run)
	}
	data.Set(tokenField, c.token)

	resp, body, err := c.do(ctx, http.MethodPost, commandPath, data)
	if err != nil {
		return err
	}
	if expired(resp) {
		return ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: command status %d", ErrTransport, resp.StatusCode)
	}

	var cr commandResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode csnet command response", slog.Any("error", err), slog.String("body", truncate(body)))
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if cr.Status != "success" {
		log.Ctx(ctx).WarnContext(
			ctx,
			"csnet command rejected",
			slog.String("commandID", commandID),
			slog.String("status", cr.Status),
			slog.String("message", cr.Message),
		)
		return fmt.Errorf("%w: status %q %s", ErrCommandRejected, cr.Status, cr.Message)
	}
	log.Ctx(ctx).DebugContext(ctx, "csnet command accepted", slog.String("commandID", commandID))
	return nil
}

// refreshToken pulls a fresh token from the dashboard. The token is
// short-lived so this runs before every command.
func (c *Client) refreshToken(ctx context.Context) error {
	resp, body, err := c.do(ctx, http.MethodGet, dashboardPath, nil)
	if err != nil {
		return err
	}
	if expired(resp) {
		return ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: dashboard status %d", ErrTransport, resp.StatusCode)
	}
	token, err := extractToken(bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.token = token
	return nil
}

// do performs a request against the base URL and reads the whole body.
// Network errors are wrapped in ErrTransport.
func (c *Client) do(ctx context.Context, method, path string, form url.Values) (*http.Response, []byte, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, nil, err
	}
	u := c.baseURL.ResolveReference(ref)

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, nil, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading body: %w", ErrTransport, err)
	}
	return resp, b, nil
}

func isRedirect(code int) bool {
	return code >= 300 && code < 400
}

func isLoginURL(u *url.URL) bool {
	return strings.HasPrefix(u.Path, loginPath)
}

// expired reports whether the response is CSNet telling us the session is
// gone: either a redirect to the login page or a 403.
func expired(resp *http.Response) bool {
	if resp.StatusCode == http.StatusForbidden {
		return true
	}
	if !isRedirect(resp.StatusCode) {
		return false
	}
	loc, err := resp.Location()
	if err != nil {
		// a redirect nowhere is as good as a logout
		return true
	}
	return isLoginURL(loc)
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
