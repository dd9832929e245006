package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/pomodoro/internal/config"
	"github.com/goodtune/pomodoro/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func init() {
	color.NoColor = true
}

func TestOpenStorageRejectsUnknownType(t *testing.T) {
	_, err := openStorage(config.StorageConfig{Type: "postgres"})
	if err == nil || !strings.Contains(err.Error(), "unsupported storage type") {
		t.Fatalf("openStorage() error = %v, want unsupported storage type", err)
	}
}

func TestOpenStorageFileBackends(t *testing.T) {
	for _, typ := range []string{"bolt", "sqlite"} {
		t.Run(typ, func(t *testing.T) {
			store, err := openStorage(config.StorageConfig{Type: typ, Path: filepath.Join(t.TempDir(), "history.db")})
			if err != nil {
				t.Fatalf("openStorage() error = %v", err)
			}
			defer func() { _ = store.Close() }()

			if store.History() == nil {
				t.Error("History() = nil")
			}
		})
	}
}

func TestOpenDevicesConsole(t *testing.T) {
	cfg := config.Defaults()
	cfg.Hardware.Driver = "console"

	var out bytes.Buffer
	devices, err := openDevices(cfg, &out, strings.NewReader(""), zerolog.Nop())
	if err != nil {
		t.Fatalf("openDevices() error = %v", err)
	}
	if devices.Display == nil || devices.Indicator == nil || devices.Button == nil {
		t.Fatalf("openDevices() = %+v, want all devices", devices)
	}

	if err := devices.Display.Show("Connected"); err != nil {
		t.Fatalf("Show() error = %v", err)
	}
	if !strings.Contains(out.String(), "Connected") {
		t.Errorf("display output = %q, want Connected", out.String())
	}
}

func TestFindUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "broker:\n  port: 8883\n  hostt: typo.example\nlogging:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	unknown, err := findUnknownKeys(path)
	if err != nil {
		t.Fatalf("findUnknownKeys() error = %v", err)
	}
	if len(unknown) != 1 || unknown[0] != "broker.hostt" {
		t.Errorf("findUnknownKeys() = %v, want [broker.hostt]", unknown)
	}
}

func TestFindUnknownKeysMissingFile(t *testing.T) {
	unknown, err := findUnknownKeys(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil || len(unknown) != 0 {
		t.Errorf("findUnknownKeys(missing) = %v, %v, want none", unknown, err)
	}
}

func TestDumpConfigHighlightsModified(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "broker:\n  port: 1883\nstorage:\n  redis:\n    password: hunter2\n"
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out bytes.Buffer
	if err := dumpConfig(&out, path); err != nil {
		t.Fatalf("dumpConfig() error = %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "broker.port = 1883  (default: 8883)") {
		t.Errorf("dump missing modified port:\n%s", got)
	}
	if strings.Contains(got, "hunter2") {
		t.Errorf("dump leaked password:\n%s", got)
	}
}

func TestPrintHistory(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	records := []storage.Record{
		{ID: "a", Kind: storage.EventStarted, At: at, Source: storage.SourceBroker, DurationMinutes: 25},
		{ID: "b", Kind: storage.EventPaused, At: at.Add(10 * time.Minute), Source: storage.SourceButton, SecsRemaining: 900},
		{ID: "c", Kind: storage.EventCompleted, At: at.Add(40 * time.Minute), Source: storage.SourceTimer, DurationMinutes: 25},
	}

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	printHistory(cmd, records, time.UTC)

	got := out.String()
	for _, want := range []string{"2024-03-01 09:00:00", "25 min", "15:00 left", "3 record(s), 1 completed"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestPrintHistoryEmpty(t *testing.T) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	printHistory(cmd, nil, time.UTC)

	if !strings.Contains(out.String(), "No pomodoros recorded") {
		t.Errorf("output = %q", out.String())
	}
}
