package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/containerd/log"

	pakhttp "github.com/ligustah/pakfetch/internal/http"
)

// Result is the outcome code of a login attempt.
type Result string

const (
	ResultOK              Result = "ok"
	ResultNeedEmailCode   Result = "need_email_code"
	ResultNeedTwoFactor   Result = "need_two_factor"
	ResultInvalidPassword Result = "invalid_password"
	ResultRateLimited     Result = "rate_limited"
)

// ErrNoToken is returned when the service accepts a login without issuing a token.
var ErrNoToken = errors.New("auth: login succeeded without a token")

// LoginError is returned when the service rejects a login.
type LoginError struct {
	Result  Result
	Message string
}

func (e *LoginError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = describe(e.Result)
	}
	return "auth: login failed: " + msg
}

// Credentials identify the account to log in with. TwoFactorCode may be set
// up front for unattended runs.
type Credentials struct {
	Username      string
	Password      string
	TwoFactorCode string
}

// Session is an authenticated session.
type Session struct {
	Username string
	Token    string
}

// Options configures a Client.
type Options struct {
	// LoginTimeout bounds each login request.
	// Default: 30s
	LoginTimeout time.Duration

	// PromptTimeout bounds each interactive code prompt.
	// Default: 5m
	PromptTimeout time.Duration
}

// Client performs logins.
type Client struct {
	http     *pakhttp.Client
	endpoint string
	prompter Prompter
	opts     Options
}

// NewClient returns a Client for the auth service at endpoint. prompter may
// be nil, in which case logins that need a code fail.
func NewClient(httpClient *pakhttp.Client, endpoint string, prompter Prompter, opts Options) *Client {
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = 30 * time.Second
	}
	if opts.PromptTimeout <= 0 {
		opts.PromptTimeout = 5 * time.Minute
	}
	return &Client{
		http:     httpClient,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		prompter: prompter,
		opts:     opts,
	}
}

type loginRequest struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	AuthCode      string `json:"auth_code,omitempty"`
	TwoFactorCode string `json:"two_factor_code,omitempty"`
}

type loginResponse struct {
	Result  Result `json:"result"`
	Token   string `json:"token"`
	Message string `json:"message"`
}

// Login authenticates creds, prompting for an email or authenticator code
// when the service asks for one.
func (c *Client) Login(ctx context.Context, creds Credentials) (*Session, error) {
	logger := log.G(ctx).WithField("user", creds.Username)
	logger.Info("logging in")

	req := loginRequest{
		Username:      creds.Username,
		Password:      creds.Password,
		TwoFactorCode: creds.TwoFactorCode,
	}
	resp, err := c.attempt(ctx, req)
	if err != nil {
		return nil, err
	}

	switch resp.Result {
	case ResultNeedEmailCode:
		logger.Info("email code required")
		code, err := c.prompt(ctx, "Please enter your email code: ")
		if err != nil {
			return nil, err
		}
		req.AuthCode = code
		if resp, err = c.attempt(ctx, req); err != nil {
			return nil, err
		}
	case ResultNeedTwoFactor:
		logger.Info("mobile authenticator code required")
		code, err := c.prompt(ctx, "Please enter your mobile authenticator code: ")
		if err != nil {
			return nil, err
		}
		req.TwoFactorCode = code
		if resp, err = c.attempt(ctx, req); err != nil {
			return nil, err
		}
	}

	if resp.Result != ResultOK {
		return nil, &LoginError{Result: resp.Result, Message: resp.Message}
	}
	if resp.Token == "" {
		return nil, ErrNoToken
	}

	logger.Info("login successful")
	return &Session{Username: creds.Username, Token: resp.Token}, nil
}

func (c *Client) attempt(ctx context.Context, req loginRequest) (*loginResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.LoginTimeout)
	defer cancel()

	var resp loginResponse
	_, err := c.http.PostJSON(ctx, c.endpoint+"/login", nil, req, &resp,
		http.StatusUnauthorized, http.StatusTooManyRequests)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("auth: login timed out after %s: %w", c.opts.LoginTimeout, err)
		}
		return nil, fmt.Errorf("auth: %w", err)
	}
	return &resp, nil
}

func (c *Client) prompt(ctx context.Context, label string) (string, error) {
	if c.prompter == nil {
		return "", fmt.Errorf("auth: %s but no prompter is available", strings.TrimSuffix(label, ": "))
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.PromptTimeout)
	defer cancel()

	code, err := c.prompter.Prompt(ctx, label)
	if err != nil {
		return "", fmt.Errorf("auth: prompt: %w", err)
	}
	return strings.TrimSpace(code), nil
}

func describe(r Result) string {
	switch r {
	case ResultInvalidPassword:
		return "invalid username or password"
	case ResultNeedEmailCode:
		return "invalid email code"
	case ResultNeedTwoFactor:
		return "invalid mobile authenticator code"
	case ResultRateLimited:
		return "too many login attempts, please wait and try again"
	default:
		return "unknown result " + string(r)
	}
}
