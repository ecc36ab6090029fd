package teamchat

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/teamchat/teamchat-go/internal/transport"
	"github.com/teamchat/teamchat-go/pkg/logger"
)

// Options selects a login variant for From. Installation is required;
// exactly one of Auth, Key or Username+Password must be set.
type Options struct {
	// Installation is the base URL, e.g. https://digitalcrew.teamwork.com.
	Installation string
	// SocketServer overrides websocket endpoint resolution verbatim.
	SocketServer string

	Username string
	Password string
	// Key logs in with an API key (username=key, the launchpad's magic
	// key password).
	Key string
	// Auth reuses an existing tw-auth cookie.
	Auth string

	Logger *logger.Logger
}

// From picks the right login variant from the populated options and
// returns a connected session.
func From(ctx context.Context, opts Options) (*Session, error) {
	inst, err := NewInstallation(opts.Installation, opts.SocketServer)
	if err != nil {
		return nil, err
	}
	switch {
	case opts.Auth != "":
		return fromAuth(ctx, inst, opts.Auth, opts.Logger)
	case opts.Key != "":
		return fromCredentials(ctx, inst, opts.Key, keyPassword, opts.Logger)
	case opts.Username != "":
		return fromCredentials(ctx, inst, opts.Username, opts.Password, opts.Logger)
	default:
		return nil, fmt.Errorf("teamchat: no credentials provided")
	}
}

// FromCredentials logs in with a username and password and returns a
// connected session.
func FromCredentials(ctx context.Context, installation, username, password string) (*Session, error) {
	return From(ctx, Options{Installation: installation, Username: username, Password: password})
}

// FromKey logs in with an API key.
func FromKey(ctx context.Context, installation, key string) (*Session, error) {
	return From(ctx, Options{Installation: installation, Key: key})
}

// FromAuth reuses an existing tw-auth session cookie.
func FromAuth(ctx context.Context, installation, auth string) (*Session, error) {
	return From(ctx, Options{Installation: installation, Auth: auth})
}

func fromAuth(ctx context.Context, inst *Installation, auth string, log *logger.Logger) (*Session, error) {
	s := newSession(inst, auth, log)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func fromCredentials(ctx context.Context, inst *Installation, username, password string, log *logger.Logger) (*Session, error) {
	token, err := login(ctx, inst, username, password, log)
	if err != nil {
		return nil, err
	}
	return fromAuth(ctx, inst, token, log)
}

// login performs the launchpad login and extracts the tw-auth cookie
// from the response.
func login(ctx context.Context, inst *Installation, username, password string, log *logger.Logger) (string, error) {
	tr := transport.New(inst.Base(), nil, log)
	resp, err := tr.Do(ctx, "/launchpad/v1/login.json", transport.Options{
		Method: http.MethodPost,
		Body: map[string]any{
			"username":   username,
			"password":   password,
			"rememberMe": true,
		},
		NoAuth: true,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("teamchat: login failed with status %d", resp.StatusCode)
	}
	token := authCookie(resp)
	if token == "" {
		return "", fmt.Errorf("teamchat: login response did not set a %s cookie", transport.CookieName)
	}
	return token, nil
}

// authCookie extracts the tw-auth value from a Set-Cookie response
// header.
func authCookie(resp *http.Response) string {
	for _, c := range resp.Cookies() {
		if c.Name == transport.CookieName {
			return c.Value
		}
	}
	return ""
}
