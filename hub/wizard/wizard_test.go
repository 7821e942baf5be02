package wizard

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/amurg-ai/relay/hub/config"
	"github.com/amurg-ai/relay/pkg/cli"
)

func newWizard(input string) (*Wizard, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return New(&cli.Prompter{In: strings.NewReader(input), Out: out}), out
}

func TestRunBuiltinWithKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yaml")
	input := strings.Join([]string{
		":9090", // listen address
		"y",     // status token
		"1",     // builtin
		"",      // generated secret
		"y",     // static keys
		"shop",  // project
		"45s",   // request timeout
		"",      // ping interval
		"1",     // sqlite
		filepath.Join(t.TempDir(), "audit.db"),
		"2", // text logs
	}, "\n") + "\n"

	w, out := newWizard(input)
	if err := w.Run(path); err != nil {
		t.Fatalf("Run: %v\n%s", err, out.String())
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Server.StatusToken == "" {
		t.Errorf("server: %+v", cfg.Server)
	}
	if len(cfg.Auth.JWTSecret) != 64 {
		t.Errorf("jwt secret length: %d", len(cfg.Auth.JWTSecret))
	}
	if len(cfg.Auth.StaticKeys) != 2 || cfg.Auth.StaticKeys[0].ProjectID != "shop" {
		t.Errorf("static keys: %+v", cfg.Auth.StaticKeys)
	}
	if cfg.Relay.RequestTimeout.Duration != 45*time.Second {
		t.Errorf("request timeout: %v", cfg.Relay.RequestTimeout)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("log format: %q", cfg.Logging.Format)
	}
	for _, k := range cfg.Auth.StaticKeys {
		if !strings.Contains(out.String(), k.ID+".") {
			t.Errorf("key %s not shown to operator", k.ID)
		}
	}
}

func TestRunNoneProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.json")
	input := strings.Join([]string{
		"", // listen address
		"n",
		"3", // none
		"",  // request timeout
		"",  // ping interval
		"3", // no storage
		"",  // json logs
	}, "\n") + "\n"

	w, out := newWizard(input)
	if err := w.Run(path); err != nil {
		t.Fatalf("Run: %v\n%s", err, out.String())
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Auth.Provider != "none" || cfg.Storage.Driver != "none" || cfg.Server.StatusToken != "" {
		t.Errorf("config: auth=%q storage=%q", cfg.Auth.Provider, cfg.Storage.Driver)
	}
}

func TestRunDefaults(t *testing.T) {
	t.Setenv("RELAY_ADDR", ":7000")
	t.Setenv("RELAY_STORAGE_DRIVER", "sqlite")
	t.Setenv("RELAY_STORAGE_DSN", filepath.Join(t.TempDir(), "relay.db"))
	t.Setenv("RELAY_JWT_SECRET", "")

	path := filepath.Join(t.TempDir(), "hub.json")
	w, _ := newWizard("")
	if err := w.RunDefaults(path); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":7000" || cfg.Auth.JWTSecret == "" {
		t.Errorf("config: addr=%q", cfg.Server.Addr)
	}
}

func TestRunDefaultsPostgresNeedsDSN(t *testing.T) {
	t.Setenv("RELAY_STORAGE_DRIVER", "postgres")
	t.Setenv("RELAY_STORAGE_DSN", "")

	w, _ := newWizard("")
	if err := w.RunDefaults(filepath.Join(t.TempDir(), "hub.json")); err == nil {
		t.Fatal("expected error without DSN")
	}
}
