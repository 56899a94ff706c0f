package credentials

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "JBSWY3DPEHPK3PXP"

type memSettings struct {
	mu     sync.Mutex
	values map[string]string
	setErr error
}

func (m *memSettings) GetDecrypted(path string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[path]
}

func (m *memSettings) Set(path string, value interface{}) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[path] = value.(string)
	return nil
}

type fakeVerifier struct {
	calls   atomic.Int32
	release chan struct{}
	token   string
	err     error
	codes   chan string
}

func (f *fakeVerifier) VerifyTOTP(ctx context.Context, apiKey, code string) (string, error) {
	f.calls.Add(1)
	if f.codes != nil {
		f.codes <- code
	}
	if f.release != nil {
		<-f.release
	}
	return f.token, f.err
}

type fakeState struct{ validated atomic.Int32 }

func (f *fakeState) MarkTokenValidated(now time.Time) error {
	f.validated.Add(1)
	return nil
}

type fakeAlerts struct{ sent atomic.Int32 }

func (f *fakeAlerts) SendAuthRequired(ctx context.Context, err error) error {
	f.sent.Add(1)
	return nil
}

var fixedNow = time.Date(2024, 3, 5, 4, 0, 0, 0, time.UTC)

func newStore(settings *memSettings, v Verifier) (*Store, *fakeState, *fakeAlerts) {
	st, al := &fakeState{}, &fakeAlerts{}
	return New(Config{
		Settings: settings,
		Verifier: v,
		State:    st,
		Alerts:   al,
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return fixedNow },
	}), st, al
}

func TestRefreshStoresTokenAndSendsValidCode(t *testing.T) {
	settings := &memSettings{values: map[string]string{
		PathAPIKey: "KEY", PathTOTPSecret: testSecret, PathAccessToken: "old",
	}}
	v := &fakeVerifier{token: "new-token", codes: make(chan string, 1)}
	s, st, al := newStore(settings, v)

	ok, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "new-token", s.AccessToken())
	assert.Equal(t, "new-token", settings.values[PathAccessToken])
	assert.Equal(t, int32(1), st.validated.Load())
	assert.Zero(t, al.sent.Load())

	code := <-v.codes
	want, err := totp.GenerateCode(testSecret, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, want, code)
}

func TestConcurrentRefreshesShareOneLogin(t *testing.T) {
	settings := &memSettings{values: map[string]string{PathAPIKey: "KEY", PathTOTPSecret: testSecret}}
	v := &fakeVerifier{token: "tok", release: make(chan struct{})}
	s, _, _ := newStore(settings, v)

	var wg sync.WaitGroup
	results := make([]bool, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.Refresh(context.Background())
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(v.release)
	wg.Wait()

	assert.Equal(t, int32(1), v.calls.Load())
	for _, ok := range results {
		assert.True(t, ok)
	}
}

func TestRefreshWithoutSecretIsNoop(t *testing.T) {
	settings := &memSettings{values: map[string]string{PathAPIKey: "KEY", PathAccessToken: "tok"}}
	v := &fakeVerifier{token: "unused"}
	s, _, al := newStore(settings, v)

	ok, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, s.CanRefresh())
	assert.Zero(t, v.calls.Load())
	assert.Zero(t, al.sent.Load())
	assert.Equal(t, "tok", s.AccessToken())
}

func TestRefreshFailureRaisesAlert(t *testing.T) {
	settings := &memSettings{values: map[string]string{PathAPIKey: "KEY", PathTOTPSecret: testSecret, PathAccessToken: "old"}}
	v := &fakeVerifier{err: errors.New("invalid totp")}
	s, st, al := newStore(settings, v)

	ok, err := s.Refresh(context.Background())
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(1), al.sent.Load())
	assert.Zero(t, st.validated.Load())
	assert.Equal(t, "old", s.AccessToken())
}

func TestUnsavedTokenServedUntilSettingsChange(t *testing.T) {
	settings := &memSettings{
		values: map[string]string{PathAPIKey: "KEY", PathTOTPSecret: testSecret, PathAccessToken: "old"},
		setErr: errors.New("read-only file system"),
	}
	s, _, _ := newStore(settings, &fakeVerifier{token: "fresh"})

	ok, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fresh", s.AccessToken())

	settings.mu.Lock()
	settings.values[PathAccessToken] = "from-login-command"
	settings.mu.Unlock()
	assert.Equal(t, "from-login-command", s.AccessToken())
}

func TestRefreshWithoutVerifierIsNoop(t *testing.T) {
	settings := &memSettings{values: map[string]string{PathAPIKey: "KEY", PathTOTPSecret: testSecret, PathAccessToken: "tok"}}
	s, _, al := newStore(settings, nil)

	ok, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, s.CanRefresh())
	assert.Zero(t, al.sent.Load())
	assert.Equal(t, "tok", s.AccessToken())
}

func TestSessionRejectedAlertsOncePerToken(t *testing.T) {
	settings := &memSettings{values: map[string]string{PathAPIKey: "KEY", PathAccessToken: "stale"}}
	s, _, al := newStore(settings, nil)
	rejected := errors.New("401 invalid session")

	s.SessionRejected(context.Background(), rejected)
	s.SessionRejected(context.Background(), rejected)
	assert.Equal(t, int32(1), al.sent.Load())

	settings.mu.Lock()
	settings.values[PathAccessToken] = "typed-in-again"
	settings.mu.Unlock()
	s.SessionRejected(context.Background(), rejected)
	assert.Equal(t, int32(2), al.sent.Load())
}
