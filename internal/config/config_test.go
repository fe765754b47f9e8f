package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "floegate", "config.toml")

	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	cfg := &Config{
		Portal: PortalConfig{
			URL:      "wss://portal.example.com/client",
			Token:    "secret-token",
			DeviceID: "dev-1234",
		},
		Device: DeviceConfig{
			Name:       "laptop",
			PrivateKey: key,
		},
		DNS: DNSConfig{UpstreamResolvers: []string{"1.1.1.1:53"}},
	}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Portal.URL != cfg.Portal.URL {
		t.Errorf("portal URL: got %q", loaded.Portal.URL)
	}
	if loaded.Portal.Token != cfg.Portal.Token {
		t.Errorf("portal token: got %q", loaded.Portal.Token)
	}
	if loaded.Device.PrivateKey != key {
		t.Error("private key did not round-trip")
	}
	if len(loaded.DNS.UpstreamResolvers) != 1 || loaded.DNS.UpstreamResolvers[0] != "1.1.1.1:53" {
		t.Errorf("resolvers: got %v", loaded.DNS.UpstreamResolvers)
	}
}

func TestSecretsAreSplitOut(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	cfg := &Config{
		Portal: PortalConfig{URL: "wss://portal.example.com/client", Token: "hunter2"},
		Device: DeviceConfig{Name: "laptop", PrivateKey: key},
	}
	if err := Save(cfg, path); err != nil {
		t.Fatal(err)
	}

	public, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(public), "hunter2") || strings.Contains(string(public), key.String()) {
		t.Error("config.toml contains secret material")
	}

	info, err := os.Stat(filepath.Join(dir, "secrets.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets permissions: got %o, want 600", perm)
	}
}

func TestLoadWithoutSecretsFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[portal]\nurl = \"wss://portal.example.com/client\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Portal.URL == "" {
		t.Error("portal URL missing")
	}
	if !cfg.Device.PrivateKey.IsZero() {
		t.Error("private key should be zero without a secrets file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"complete", Config{Portal: PortalConfig{URL: "wss://x"}, Device: DeviceConfig{PrivateKey: key}}, false},
		{"missing url", Config{Device: DeviceConfig{PrivateKey: key}}, true},
		{"missing key", Config{Portal: PortalConfig{URL: "wss://x"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestGeneratePresharedKeyIsNotClamped(t *testing.T) {
	t.Parallel()

	// Over a handful of keys at least one must have a bit set that
	// clamping would clear.
	var sawUnclamped bool
	for i := 0; i < 16; i++ {
		k, err := GeneratePresharedKey()
		if err != nil {
			t.Fatal(err)
		}
		if k[0]&7 != 0 || k[31]&128 != 0 {
			sawUnclamped = true
		}
	}
	if !sawUnclamped {
		t.Error("16 preshared keys all look clamped; generator is suspicious")
	}
}
