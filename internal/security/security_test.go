package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestLoadOrCreateKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultKeyFile)

	c1, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}

	sealed, err := c1.Encrypt("secret-token")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	c2, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("reload key: %v", err)
	}
	got, err := c2.Decrypt(sealed)
	if err != nil || got != "secret-token" {
		t.Errorf("decrypt with reloaded key = %q, %v", got, err)
	}
}

func TestDecryptOrPlainPassesLegacyValues(t *testing.T) {
	c, err := LoadOrCreateKey(filepath.Join(t.TempDir(), DefaultKeyFile))
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range []string{"plain-api-key", "abc", "Zm9v"} {
		if got := c.DecryptOrPlain(v); got != v {
			t.Errorf("DecryptOrPlain(%q) = %q", v, got)
		}
	}
}

// Property: Decrypt(Encrypt(x)) == x for any string.
func TestCipherRoundTrip(t *testing.T) {
	c, err := LoadOrCreateKey(filepath.Join(t.TempDir(), DefaultKeyFile))
	if err != nil {
		t.Fatal(err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("sealed leaves open to the original value", prop.ForAll(
		func(s string) bool {
			sealed, err := c.Encrypt(s)
			if err != nil || sealed == s {
				return false
			}
			got, err := c.Decrypt(sealed)
			return err == nil && got == s
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestIsSensitivePath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"broker.api_key", true},
		{"broker.API_SECRET", true},
		{"broker.password", true},
		{"broker.access_token", true},
		{"broker.totp_secret", true},
		{"broker.client_code", false},
		{"notifications.telegram.bot_token", true},
		{"notifications.email.smtp_password", true},
		{"notifications.telegram.chat_id", false},
		{"capital.allocated_limit", false},
		{"app_settings.token", false},
	}
	for _, tt := range tests {
		if got := IsSensitivePath(tt.path); got != tt.want {
			t.Errorf("IsSensitivePath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestMaskString(t *testing.T) {
	in := "POST /session/verifytotp api_key=ABCDEFGH&totp=123456 Authorization: token KEY:ACCESS123"
	out := MaskString(in)
	for _, leaked := range []string{"ABCDEFGH", "123456", "KEY:ACCESS123"} {
		if strings.Contains(out, leaked) {
			t.Errorf("MaskString leaked %q in %q", leaked, out)
		}
	}
	if !strings.Contains(out, "/session/verifytotp") {
		t.Errorf("MaskString removed non-sensitive text: %q", out)
	}
}
