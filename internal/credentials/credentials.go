// Package credentials hands the broker gateway its API key and access
// token, and renews the token through a TOTP login when the broker
// rejects the session.
package credentials

import (
	"context"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"mstock-trader/internal/errors"
	"mstock-trader/internal/security"
)

// Settings paths read and written by the store.
const (
	PathAPIKey      = "broker.api_key"
	PathTOTPSecret  = "broker.totp_secret"
	PathAccessToken = "broker.access_token"
)

// Verifier exchanges a TOTP code for a fresh access token.
type Verifier interface {
	VerifyTOTP(ctx context.Context, apiKey, code string) (string, error)
}

// Settings is the slice of the settings provider the store needs.
type Settings interface {
	GetDecrypted(path string) string
	Set(path string, value interface{}) error
}

// Validations records successful logins.
type Validations interface {
	MarkTokenValidated(now time.Time) error
}

// AuthAlerter is told when a refresh fails.
type AuthAlerter interface {
	SendAuthRequired(ctx context.Context, err error) error
}

// Config wires a Store.
type Config struct {
	Settings Settings
	Verifier Verifier
	State    Validations
	Alerts   AuthAlerter
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Store serves credentials from settings. Concurrent Refresh calls share
// a single login.
type Store struct {
	settings Settings
	verifier Verifier
	state    Validations
	alerts   AuthAlerter
	logger   zerolog.Logger
	now      func() time.Time

	group singleflight.Group

	// A token that could not be written to settings is held here for as
	// long as settings still carry the token it replaced.
	mu       sync.RWMutex
	unsaved  string
	replaced string
	// alerted is the token the last rejection alert was sent for.
	alerted string
}

// New creates a credential store.
func New(cfg Config) *Store {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		settings: cfg.Settings,
		verifier: cfg.Verifier,
		state:    cfg.State,
		alerts:   cfg.Alerts,
		logger:   cfg.Logger.With().Str("component", "credentials").Logger(),
		now:      cfg.Now,
	}
}

// APIKey returns the decrypted API key.
func (s *Store) APIKey() string {
	return s.settings.GetDecrypted(PathAPIKey)
}

// AccessToken returns the current decrypted access token.
func (s *Store) AccessToken() string {
	current := s.settings.GetDecrypted(PathAccessToken)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unsaved != "" && current == s.replaced {
		return s.unsaved
	}
	return current
}

// CanRefresh reports whether an automatic login is configured.
func (s *Store) CanRefresh() bool {
	return s.verifier != nil && s.settings.GetDecrypted(PathTOTPSecret) != "" && s.APIKey() != ""
}

// Refresh performs a TOTP login and stores the new token. It returns
// false without error when no TOTP secret is configured.
func (s *Store) Refresh(ctx context.Context) (bool, error) {
	v, err, shared := s.group.Do("refresh", func() (interface{}, error) {
		return s.refresh(ctx)
	})
	if shared {
		s.logger.Debug().Msg("Joined in-flight token refresh")
	}
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *Store) refresh(ctx context.Context) (bool, error) {
	secret := s.settings.GetDecrypted(PathTOTPSecret)
	apiKey := s.APIKey()
	if secret == "" || apiKey == "" {
		s.logger.Warn().Msg("No TOTP secret configured, cannot renew the session automatically")
		return false, nil
	}
	if s.verifier == nil {
		s.logger.Warn().Msg("Broker has no TOTP login, renew the access token manually")
		return false, nil
	}

	code, err := totp.GenerateCode(secret, s.now())
	if err != nil {
		err = errors.Wrapf(errors.ErrMissingCredentials, "totp secret unusable: %v", err)
		s.fail(ctx, err)
		return false, err
	}

	token, err := s.verifier.VerifyTOTP(ctx, apiKey, code)
	if err != nil {
		s.fail(ctx, err)
		return false, err
	}

	previous := s.settings.GetDecrypted(PathAccessToken)
	if err := s.settings.Set(PathAccessToken, token); err != nil {
		s.logger.Error().Err(err).Msg("Could not persist access token, keeping it in memory")
		s.mu.Lock()
		s.unsaved, s.replaced = token, previous
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		s.unsaved, s.replaced = "", ""
		s.mu.Unlock()
	}

	if s.state != nil {
		if err := s.state.MarkTokenValidated(s.now()); err != nil {
			s.logger.Warn().Err(err).Msg("Could not record token validation")
		}
	}
	s.logger.Info().Str("token", security.MaskCredential(token)).Msg("Access token renewed")
	return true, nil
}

// SessionRejected raises the authentication-required alert for a token the
// broker refused and no automatic login could replace. It alerts once per
// token so a stale session does not repeat the alert every cycle.
func (s *Store) SessionRejected(ctx context.Context, err error) {
	token := s.AccessToken()
	s.mu.Lock()
	repeat := s.alerted == token
	s.alerted = token
	s.mu.Unlock()
	if repeat {
		return
	}
	s.fail(ctx, err)
}

func (s *Store) fail(ctx context.Context, err error) {
	s.logger.Error().Err(err).Msg("Broker session needs a new login")
	if s.alerts == nil {
		return
	}
	if aerr := s.alerts.SendAuthRequired(ctx, err); aerr != nil {
		s.logger.Warn().Err(aerr).Msg("Auth alert not delivered")
	}
}
