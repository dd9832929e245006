package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Credential.RefreshWindow != "2m" || cfg.Credential.RefreshMargin != "1m" {
		t.Errorf("refresh = %s/%s, want 2m/1m", cfg.Credential.RefreshWindow, cfg.Credential.RefreshMargin)
	}
	if cfg.Broker.Port != 8883 {
		t.Errorf("broker port = %d, want 8883", cfg.Broker.Port)
	}
	if cfg.Display.Rows != 2 || cfg.Display.Columns != 16 {
		t.Errorf("display = %dx%d, want 2x16", cfg.Display.Rows, cfg.Display.Columns)
	}
	if cfg.Storage.Type != "bolt" {
		t.Errorf("storage type = %s, want bolt", cfg.Storage.Type)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
device:
  device_id: desk
broker:
  port: 1883
storage:
  type: redis
  redis:
    host: redis.local
`)
	t.Setenv("POMODORO_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.DeviceID != "desk" {
		t.Errorf("device id = %s, want desk", cfg.Device.DeviceID)
	}
	if cfg.Broker.Port != 1883 {
		t.Errorf("broker port = %d, want 1883", cfg.Broker.Port)
	}
	if cfg.Storage.Type != "redis" || cfg.Storage.Redis.Host != "redis.local" {
		t.Errorf("storage = %s@%s, want redis@redis.local", cfg.Storage.Type, cfg.Storage.Redis.Host)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging level = %s, want debug from environment", cfg.Logging.Level)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "margin longer than window",
			body:    "credential:\n  refresh_window: 1m\n  refresh_margin: 2m\n",
			wantErr: "refresh_margin",
		},
		{
			name:    "margin below one second",
			body:    "credential:\n  refresh_margin: 500ms\n",
			wantErr: "refresh_margin",
		},
		{
			name:    "unknown algorithm",
			body:    "credential:\n  algorithm: HS256\n",
			wantErr: "unsupported signing algorithm",
		},
		{
			name:    "bad port",
			body:    "broker:\n  port: 70000\n",
			wantErr: "invalid broker port",
		},
		{
			name:    "bad driver",
			body:    "hardware:\n  driver: serial\n",
			wantErr: "unsupported hardware driver",
		},
		{
			name:    "bad timezone",
			body:    "display:\n  timezone: Mars/Olympus\n",
			wantErr: "invalid display timezone",
		},
		{
			name:    "bad storage type",
			body:    "storage:\n  type: postgres\n",
			wantErr: "unsupported storage type",
		},
		{
			name:    "bad prune time",
			body:    "history:\n  prune_time: noon\n",
			wantErr: "prune_time",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatalf("Load() error = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestClientID(t *testing.T) {
	d := DeviceConfig{
		ProjectID:   "pomodoro-90fd7",
		RegistryID:  "raspberry-pi-connection",
		DeviceID:    "raspi",
		CloudRegion: "europe-west1",
	}

	want := "projects/pomodoro-90fd7/locations/europe-west1/registries/raspberry-pi-connection/devices/raspi"
	if got := d.ClientID(); got != want {
		t.Errorf("ClientID() = %s, want %s", got, want)
	}
}
