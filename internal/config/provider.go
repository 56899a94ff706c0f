package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"mstock-trader/internal/errors"
	"mstock-trader/internal/models"
	"mstock-trader/internal/security"
)

// envFallbacks fills credentials missing from settings.json from a legacy .env.
var envFallbacks = map[string][]string{
	"broker.api_key":      {"MSTOCK_API_KEY", "API_KEY"},
	"broker.api_secret":   {"MSTOCK_API_SECRET", "API_SECRET"},
	"broker.client_code":  {"CLIENT_CODE"},
	"broker.password":     {"PASSWORD"},
	"broker.totp_secret":  {"TOTP_SECRET"},
	"broker.access_token": {"MSTOCK_ACCESS_TOKEN", "ACCESS_TOKEN"},
}

// Provider reads settings.json and hands out typed snapshots. Every Reload
// builds a fresh viper instance so nothing is cached across reloads.
type Provider struct {
	path    string
	envPath string
	cipher  *security.Cipher
	logger  zerolog.Logger

	mu        sync.RWMutex
	v         *viper.Viper
	snapshot  *Settings
	env       map[string]string
	listeners []func(*Settings)
	watcher   *viper.Viper
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger used for load warnings.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// WithCipher sets the cipher for sensitive leaves. Without it the key file
// next to settings.json is loaded or created.
func WithCipher(c *security.Cipher) Option {
	return func(p *Provider) { p.cipher = c }
}

// WithEnvFile overrides the legacy .env location.
func WithEnvFile(path string) Option {
	return func(p *Provider) { p.envPath = path }
}

// Load opens the settings file at path. A missing file is seeded from the
// defaults template; a malformed file yields defaults and a warning.
func Load(path string, opts ...Option) (*Provider, error) {
	if path == "" {
		path = "settings.json"
	}
	p := &Provider{
		path:    path,
		envPath: filepath.Join(filepath.Dir(path), ".env"),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.cipher == nil {
		c, err := security.LoadOrCreateKey(filepath.Join(filepath.Dir(path), security.DefaultKeyFile))
		if err != nil {
			return nil, fmt.Errorf("loading encryption key: %w", err)
		}
		p.cipher = c
	}

	if env, err := godotenv.Read(p.envPath); err == nil {
		p.env = env
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		source, err := createSettingsFile(path)
		if err != nil {
			return nil, err
		}
		p.logger.Info().Str("path", path).Str("source", source).Msg("Settings file created")
	}

	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Path returns the settings file location.
func (p *Provider) Path() string {
	return p.path
}

// Reload re-reads settings.json and rebuilds the snapshot.
func (p *Provider) Reload() error {
	v := viper.New()
	v.SetConfigFile(p.path)
	v.SetConfigType("json")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		p.logger.Warn().Err(err).Str("path", p.path).Msg("Settings unreadable, using defaults")
		v = viper.New()
		setDefaults(v)
	}

	snap := &Settings{}
	if err := v.Unmarshal(snap, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		timeframeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return fmt.Errorf("decoding settings: %w", err)
	}

	aliases := make(map[string]string, len(snap.SymbolAliases))
	for sym, token := range snap.SymbolAliases {
		aliases[strings.ToUpper(sym)] = token
	}
	snap.SymbolAliases = aliases

	p.mu.Lock()
	p.v = v
	p.decryptSnapshot(snap)
	p.snapshot = snap
	listeners := append([]func(*Settings){}, p.listeners...)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
	return nil
}

// timeframeHook accepts legacy spellings such as 15T for timeframe fields.
func timeframeHook() mapstructure.DecodeHookFuncType {
	tfType := reflect.TypeOf(models.Timeframe(""))
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != tfType || from.Kind() != reflect.String {
			return data, nil
		}
		s := data.(string)
		if s == "" {
			return models.TF15m, nil
		}
		tf, err := models.ParseTimeframe(s)
		if err != nil {
			return nil, err
		}
		return tf, nil
	}
}

func (p *Provider) decryptSnapshot(s *Settings) {
	b := &s.Broker
	b.APIKey = p.secret("broker.api_key", b.APIKey)
	b.APISecret = p.secret("broker.api_secret", b.APISecret)
	b.ClientCode = p.secret("broker.client_code", b.ClientCode)
	b.Password = p.secret("broker.password", b.Password)
	b.TOTPSecret = p.secret("broker.totp_secret", b.TOTPSecret)
	b.AccessToken = p.secret("broker.access_token", b.AccessToken)
	s.Notifications.Telegram.BotToken = p.cipher.DecryptOrPlain(s.Notifications.Telegram.BotToken)
}

// secret decrypts raw when path is sensitive, then falls back to .env.
func (p *Provider) secret(path, raw string) string {
	if security.IsSensitivePath(path) {
		raw = p.cipher.DecryptOrPlain(raw)
	}
	if raw != "" {
		return raw
	}
	for _, name := range envFallbacks[path] {
		if v := p.env[name]; v != "" {
			return v
		}
	}
	return ""
}

// Snapshot returns the current typed settings.
func (p *Provider) Snapshot() *Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Get looks up a dot-path, returning def when it is unset.
func (p *Provider) Get(path string, def interface{}) interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.v.IsSet(path) {
		return def
	}
	return p.v.Get(path)
}

// GetString returns a dot-path as a string.
func (p *Provider) GetString(path, def string) string {
	return cast.ToString(p.Get(path, def))
}

// GetFloat returns a dot-path as a float64.
func (p *Provider) GetFloat(path string, def float64) float64 {
	return cast.ToFloat64(p.Get(path, def))
}

// GetInt returns a dot-path as an int.
func (p *Provider) GetInt(path string, def int) int {
	return cast.ToInt(p.Get(path, def))
}

// GetBool returns a dot-path as a bool.
func (p *Provider) GetBool(path string, def bool) bool {
	return cast.ToBool(p.Get(path, def))
}

// GetStringSlice returns a dot-path as a string slice.
func (p *Provider) GetStringSlice(path string, def []string) []string {
	return cast.ToStringSlice(p.Get(path, def))
}

// GetDecrypted returns a dot-path with sensitive leaves decrypted.
func (p *Provider) GetDecrypted(path string) string {
	raw := p.GetString(path, "")
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.secret(strings.ToLower(path), raw)
}

// Set writes value at path, encrypting sensitive leaves, then reloads. It
// refuses to write over a file that is not valid JSON.
func (p *Provider) Set(path string, value interface{}) error {
	if security.IsSensitivePath(path) {
		sealed, err := p.cipher.Encrypt(cast.ToString(value))
		if err != nil {
			return fmt.Errorf("encrypting %s: %w", path, err)
		}
		value = sealed
	}

	// A malformed file is left untouched for the user to repair.
	tree := map[string]interface{}{}
	data, err := os.ReadFile(p.path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &tree); err != nil {
			p.logger.Error().Err(err).Str("path", p.path).Str("key", path).Msg("Settings file malformed, not writing")
			return errors.Wrapf(errors.ErrConfigInvalid, "%s is not valid JSON (%v), fix it before setting %s", p.path, err, path)
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("reading settings: %w", err)
	}
	setPath(tree, strings.Split(path, "."), value)

	data, err = json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("replacing settings: %w", err)
	}
	return p.Reload()
}

func setPath(tree map[string]interface{}, keys []string, value interface{}) {
	for _, k := range keys[:len(keys)-1] {
		next, ok := tree[k].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			tree[k] = next
		}
		tree = next
	}
	tree[keys[len(keys)-1]] = value
}

// OnChange registers fn to receive every new snapshot.
func (p *Provider) OnChange(fn func(*Settings)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Watch reloads the snapshot whenever settings.json changes on disk.
func (p *Provider) Watch() {
	p.mu.Lock()
	if p.watcher != nil {
		p.mu.Unlock()
		return
	}
	w := viper.New()
	w.SetConfigFile(p.path)
	w.SetConfigType("json")
	p.watcher = w
	p.mu.Unlock()

	w.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
			return
		}
		if err := p.Reload(); err != nil {
			p.logger.Warn().Err(err).Msg("Settings reload failed")
			return
		}
		p.logger.Info().Str("path", e.Name).Msg("Settings reloaded")
	})
	w.WatchConfig()
}
