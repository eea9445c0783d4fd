package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "instrumentd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantDone bool
		wantErr  bool
		wantOut  string
		check    func(t *testing.T, o options)
	}{
		{name: "none", args: nil},
		{name: "version", args: []string{"--version"}, wantDone: true, wantOut: "instrumentd dev"},
		{name: "help", args: []string{"-h"}, wantDone: true, wantOut: "--transport"},
		{name: "unknown flag", args: []string{"--bogus"}, wantErr: true},
		{name: "positional", args: []string{"extra"}, wantErr: true},
		{
			name: "overrides",
			args: []string{"-c", "x.yaml", "--transport", "ws://0.0.0.0:9000", "--log-level", "debug", "--no-api"},
			check: func(t *testing.T, o options) {
				if o.configPath != "x.yaml" || o.transport != "ws://0.0.0.0:9000" || o.logLevel != "debug" || !o.noAPI {
					t.Errorf("options = %+v", o)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			opts, done, err := parseFlags(tt.args, &out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
			if done != tt.wantDone {
				t.Errorf("done = %v, want %v", done, tt.wantDone)
			}
			if tt.wantOut != "" && !strings.Contains(out.String(), tt.wantOut) {
				t.Errorf("output = %q, want it to contain %q", out.String(), tt.wantOut)
			}
			if tt.check != nil {
				tt.check(t, opts)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("INSTRUMENTD_CONFIG", "")

	t.Run("explicit path must exist", func(t *testing.T) {
		if _, _, err := loadConfig(options{configPath: "/nonexistent/instrumentd.yaml"}); err == nil {
			t.Error("loadConfig() with missing explicit path: expected error")
		}
	})

	t.Run("default path falls back", func(t *testing.T) {
		t.Chdir(t.TempDir())
		cfg, path, err := loadConfig(options{transport: "ws://127.0.0.1:9100", noAPI: true})
		if err != nil {
			t.Fatalf("loadConfig() error = %v", err)
		}
		if path != "(built-in defaults)" {
			t.Errorf("path = %q", path)
		}
		if cfg.Manager.Transport != "ws://127.0.0.1:9100" || cfg.API.Enabled {
			t.Errorf("flag overrides not applied: %+v", cfg.Manager)
		}
	})

	t.Run("env path", func(t *testing.T) {
		path := writeConfig(t, "manager:\n  port: 7777\nlogging:\n  level: warn\n")
		t.Setenv("INSTRUMENTD_CONFIG", path)
		cfg, got, err := loadConfig(options{logLevel: "debug"})
		if err != nil {
			t.Fatalf("loadConfig() error = %v", err)
		}
		if got != path || cfg.Manager.Port != 7777 || cfg.Logging.Level != "debug" {
			t.Errorf("loadConfig() = %s port=%d level=%s", got, cfg.Manager.Port, cfg.Logging.Level)
		}
	})
}

func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	path := writeConfig(t, "manager:\n  port: 0\n")
	if err := run(ctx, []string{"--config", path}, &bytes.Buffer{}); err == nil {
		t.Fatal("run() should fail with an invalid manager port")
	}
}

func TestRun_UnknownObjectClass(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	port := freePort(t)
	path := writeConfig(t, fmt.Sprintf(`
manager:
  host: 127.0.0.1
  port: %d
  transport: "ws://127.0.0.1:%d"
objects:
  - location: /Telescope/scope0
logging:
  level: error
`, port, port))

	err := run(ctx, []string{"--config", path, "--no-api"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "Telescope") {
		t.Errorf("run() error = %v, want unknown class failure", err)
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	port := freePort(t)
	apiPort := freePort(t)
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	path := writeConfig(t, fmt.Sprintf(`
manager:
  host: 127.0.0.1
  port: %d
  transport: "mqtt://127.0.0.1:%d"
  stop_timeout: 2
objects:
  - location: "/Sim/sim0?interval=50ms"
    autostart: true
  - location: "/instruments.Sim/sim1"
database:
  enabled: true
  path: %q
api:
  enabled: true
  host: 127.0.0.1
  port: %d
logging:
  level: error
  format: text
`, port, port, dbPath, apiPort))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, []string{"--config", path}, &bytes.Buffer{}) }()

	base := fmt.Sprintf("http://127.0.0.1:%d/api/v1", apiPort)
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(base + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		select {
		case err := <-errCh:
			t.Fatalf("run() exited early: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("status API never became healthy")
		}
		time.Sleep(50 * time.Millisecond)
	}

	resp, err := http.Get(base + "/resources?class=Sim")
	if err != nil {
		t.Fatalf("GET resources error = %v", err)
	}
	var body struct {
		Resources []struct {
			Location string `json:"location"`
			State    string `json:"state"`
		} `json:"resources"`
	}
	err = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decoding resources: %v", err)
	}
	if len(body.Resources) != 2 {
		t.Fatalf("resources = %+v, want sim0 and sim1", body.Resources)
	}
	if body.Resources[0].State != "running" || body.Resources[1].State != "stopped" {
		t.Errorf("states = %s, %s, want running, stopped", body.Resources[0].State, body.Resources[1].State)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancellation")
	}
}
