package credential

import (
	"context"
	"strings"
	"testing"
)

func TestManager_RoundTrip(t *testing.T) {
	m := NewManagerWithSecret("round-trip")
	for _, plaintext := range []string{
		"sk-1234567890abcdef",
		strings.Repeat("a", 1000),
		"api-key-日本語-🔑",
		"key!@#$%^&*()_+-=[]{}|;':\",./<>?",
	} {
		first, err := m.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt %q: %v", plaintext, err)
		}
		second, _ := m.Encrypt(plaintext)
		if !strings.HasPrefix(first, EncryptedPrefix) || first == second {
			t.Errorf("expected prefixed values with fresh nonces, got %q and %q", first, second)
		}
		for _, sealed := range []string{first, second} {
			if got, err := m.Decrypt(sealed); err != nil || got != plaintext {
				t.Errorf("Decrypt = %q, %v; want %q", got, err, plaintext)
			}
		}
	}

	if sealed, _ := m.Encrypt(""); sealed != "" {
		t.Errorf("empty values stay empty, got %q", sealed)
	}
}

func TestManager_Decrypt(t *testing.T) {
	m := NewManagerWithSecret("decrypt")
	cases := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plaintext passes through", input: "sk-not-encrypted", want: "sk-not-encrypted"},
		{name: "invalid base64", input: EncryptedPrefix + "not-valid-base64!!!", wantErr: true},
		{name: "shorter than a nonce", input: EncryptedPrefix + "YWJj", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := m.Decrypt(tc.input)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Decrypt error = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("Decrypt = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIsEncrypted(t *testing.T) {
	testCases := []struct {
		input    string
		expected bool
	}{
		{"", false},
		{"sk-plaintext", false},
		{EncryptedPrefix + "data", true},
		{"enc:wrong:prefix", false},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			result := IsEncrypted(tc.input)
			if result != tc.expected {
				t.Errorf("IsEncrypted(%q) = %v, want %v", tc.input, result, tc.expected)
			}
		})
	}
}

func TestMaskSecret(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{"", "****"},
		{"short", "****"},
		{"12345678", "****"},
		{"123456789", "1234...6789"},
		{"sk-1234567890abcdef", "sk-1...cdef"},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			result := MaskSecret(tc.input)
			if result != tc.expected {
				t.Errorf("MaskSecret(%q) = %q, want %q", tc.input, result, tc.expected)
			}
		})
	}
}

type mapConfig map[string]string

func (m mapConfig) SetConfig(_ context.Context, k, v string) error { m[k] = v; return nil }
func (m mapConfig) GetConfig(_ context.Context, k string) (string, error) {
	return m[k], nil
}

func TestIsSecretKey(t *testing.T) {
	testCases := map[string]bool{
		"openai.api_key":       true,
		"ANTHROPIC.API_KEY":    true,
		"store.redis.password": true,
		"openai.base_url":      false,
		"api_key_rotation":     false,
	}
	for key, want := range testCases {
		if got := IsSecretKey(key); got != want {
			t.Errorf("IsSecretKey(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestVault_EncryptsSecretsOnly(t *testing.T) {
	ctx := context.Background()
	backing := mapConfig{}
	v := NewVault(backing, NewManagerWithSecret("test"))

	if err := v.Set(ctx, "openai.api_key", "sk-1234567890"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := v.Set(ctx, "openai.base_url", "http://localhost"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	if !IsEncrypted(backing["openai.api_key"]) {
		t.Errorf("api key stored in plaintext: %q", backing["openai.api_key"])
	}
	if backing["openai.base_url"] != "http://localhost" {
		t.Errorf("non-secret should be stored as-is, got %q", backing["openai.base_url"])
	}

	got, err := v.Get(ctx, "openai.api_key")
	if err != nil || got != "sk-1234567890" {
		t.Errorf("Get = %q, %v", got, err)
	}

	other := NewVault(backing, NewManagerWithSecret("other"))
	if _, err := other.Get(ctx, "openai.api_key"); err == nil {
		t.Error("expected decryption failure with a different secret")
	}
}

func TestVault_APIKeyEnvFallback(t *testing.T) {
	ctx := context.Background()
	v := NewVault(mapConfig{}, NewManagerWithSecret("test"))
	t.Setenv("GEMINI_API_KEY", "from-env")

	key, err := v.APIKey(ctx, "gemini")
	if err != nil || key != "from-env" {
		t.Errorf("APIKey = %q, %v", key, err)
	}

	v.Set(ctx, "gemini.api_key", "from-store")
	if key, _ := v.APIKey(ctx, "gemini"); key != "from-store" {
		t.Errorf("stored key should win over env, got %q", key)
	}
}

func TestNewManager_SecretEnv(t *testing.T) {
	t.Setenv(SecretEnv, "shared")
	a, err := NewManager()
	if err != nil {
		t.Fatal(err)
	}
	sealed, _ := a.Encrypt("value")
	if got, err := NewManagerWithSecret("shared").Decrypt(sealed); err != nil || got != "value" {
		t.Errorf("managers with the same secret must interoperate: %q %v", got, err)
	}
}
