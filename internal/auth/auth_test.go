package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/term"

	pakhttp "github.com/ligustah/pakfetch/internal/http"
)

// fakeService accepts "gordon"/"crowbar" and requires the code kind in mode.
func fakeService(t *testing.T, mode string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/login" {
			http.NotFound(w, r)
			return
		}
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		reply := func(status int, res Result, token string) {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(loginResponse{Result: res, Token: token})
		}
		switch {
		case req.Username == "slow":
			reply(http.StatusTooManyRequests, ResultRateLimited, "")
		case req.Username != "gordon" || req.Password != "crowbar":
			reply(http.StatusUnauthorized, ResultInvalidPassword, "")
		case mode == "email" && req.AuthCode != "E-123":
			reply(http.StatusOK, ResultNeedEmailCode, "")
		case mode == "2fa" && req.TwoFactorCode != "F-456":
			reply(http.StatusOK, ResultNeedTwoFactor, "")
		default:
			reply(http.StatusOK, ResultOK, "token-"+req.Username)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newClient(url string, p Prompter) *Client {
	opts := pakhttp.DefaultOptions()
	opts.RetryAttempts = 0
	return NewClient(pakhttp.NewClient(opts), url, p, Options{})
}

func answer(code string, asked *[]string) Prompter {
	return PrompterFunc(func(ctx context.Context, label string) (string, error) {
		*asked = append(*asked, label)
		return code + "\n", nil
	})
}

func TestLogin(t *testing.T) {
	srv, calls := fakeService(t, "")
	c := newClient(srv.URL, nil)

	s, err := c.Login(context.Background(), Credentials{Username: "gordon", Password: "crowbar"})
	require.NoError(t, err)
	assert.Equal(t, "token-gordon", s.Token)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLoginEmailCode(t *testing.T) {
	srv, calls := fakeService(t, "email")
	var asked []string
	c := newClient(srv.URL, answer("E-123", &asked))

	s, err := c.Login(context.Background(), Credentials{Username: "gordon", Password: "crowbar"})
	require.NoError(t, err)
	assert.Equal(t, "token-gordon", s.Token)
	require.Len(t, asked, 1)
	assert.Contains(t, asked[0], "email code")
	assert.Equal(t, int32(2), calls.Load())
}

func TestLoginTwoFactor(t *testing.T) {
	srv, _ := fakeService(t, "2fa")
	var asked []string
	c := newClient(srv.URL, answer("F-456", &asked))

	_, err := c.Login(context.Background(), Credentials{Username: "gordon", Password: "crowbar"})
	require.NoError(t, err)
	require.Len(t, asked, 1)
	assert.Contains(t, asked[0], "authenticator")
}

func TestLoginTwoFactorUpFront(t *testing.T) {
	srv, calls := fakeService(t, "2fa")
	c := newClient(srv.URL, nil)

	_, err := c.Login(context.Background(), Credentials{Username: "gordon", Password: "crowbar", TwoFactorCode: "F-456"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLoginWrongCode(t *testing.T) {
	srv, _ := fakeService(t, "2fa")
	var asked []string
	c := newClient(srv.URL, answer("000000", &asked))

	_, err := c.Login(context.Background(), Credentials{Username: "gordon", Password: "crowbar"})
	var loginErr *LoginError
	require.True(t, errors.As(err, &loginErr), "got %v", err)
	assert.Equal(t, ResultNeedTwoFactor, loginErr.Result)
	assert.Contains(t, err.Error(), "invalid mobile authenticator code")
}

func TestLoginRejected(t *testing.T) {
	srv, _ := fakeService(t, "")
	c := newClient(srv.URL, nil)

	tests := []struct {
		user   string
		result Result
	}{
		{"gordon-typo", ResultInvalidPassword},
		{"slow", ResultRateLimited},
	}
	for _, tt := range tests {
		_, err := c.Login(context.Background(), Credentials{Username: tt.user, Password: "crowbar"})
		var loginErr *LoginError
		require.True(t, errors.As(err, &loginErr), "got %v", err)
		assert.Equal(t, tt.result, loginErr.Result)
	}
}

func TestLoginNeedsPrompter(t *testing.T) {
	srv, _ := fakeService(t, "email")
	c := newClient(srv.URL, nil)

	_, err := c.Login(context.Background(), Credentials{Username: "gordon", Password: "crowbar"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no prompter")
}

func TestLoginPromptTimeout(t *testing.T) {
	srv, _ := fakeService(t, "email")
	blocked := PrompterFunc(func(ctx context.Context, label string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	opts := pakhttp.DefaultOptions()
	c := NewClient(pakhttp.NewClient(opts), srv.URL, blocked, Options{PromptTimeout: 20 * time.Millisecond})

	_, err := c.Login(context.Background(), Credentials{Username: "gordon", Password: "crowbar"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTerminalPrompterPipe(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	go func() {
		w.WriteString("123456\r\n")
		w.Close()
	}()

	var out strings.Builder
	p := &TerminalPrompter{In: r, Out: &out}
	code, err := p.Prompt(context.Background(), "Code: ")
	require.NoError(t, err)
	assert.Equal(t, "123456", code)
	assert.Equal(t, "Code: ", out.String())
}

func TestTerminalPrompterCancelled(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var out strings.Builder
	p := &TerminalPrompter{In: r, Out: &out}
	_, err = p.Prompt(ctx, "Code: ")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTerminalPrompterRestoresTerminal(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()
	defer r.Close()

	saved := &term.State{}
	release := make(chan struct{})
	var restored atomic.Pointer[term.State]

	prevIsTerminal, prevGetState, prevRestore, prevRead := isTerminal, getState, restoreState, readPassword
	t.Cleanup(func() {
		close(release)
		isTerminal, getState, restoreState, readPassword = prevIsTerminal, prevGetState, prevRestore, prevRead
	})
	isTerminal = func(int) bool { return true }
	getState = func(int) (*term.State, error) { return saved, nil }
	restoreState = func(fd int, st *term.State) error {
		restored.Store(st)
		return nil
	}
	readPassword = func(int) ([]byte, error) {
		<-release
		return nil, io.EOF
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	p := &TerminalPrompter{In: r, Out: io.Discard}
	_, err = p.Prompt(ctx, "Password: ")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Same(t, saved, restored.Load(), "echo must be restored when the prompt is abandoned")
}
