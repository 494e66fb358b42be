package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/pders01/ytmon/internal/config"
	"github.com/pders01/ytmon/internal/storage"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()

	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = w

	outC := make(chan string)
	go func() {
		var buf bytes.Buffer
		io.Copy(&buf, r)
		outC <- buf.String()
	}()

	fn()

	w.Close()
	os.Stdout = old
	return <-outC
}

func TestVersionCommand(t *testing.T) {
	out := captureStdout(t, func() {
		versionCmd.Run(nil, nil)
	})

	if !strings.Contains(out, "ytmon dev") {
		t.Errorf("Expected version output to contain 'ytmon dev', got: %s", out)
	}
	if !strings.Contains(out, "subscription emulator") {
		t.Errorf("Expected version output to contain 'subscription emulator', got: %s", out)
	}
	if !strings.Contains(out, "github.com/pders01/ytmon") {
		t.Errorf("Expected version output to contain 'github.com/pders01/ytmon', got: %s", out)
	}
}

func TestGenerateConfigCommand(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.toml")

	oldConfigPath := configPath
	configPath = configFile
	defer func() { configPath = oldConfigPath }()

	out := captureStdout(t, func() {
		if err := generateConfigCmd.RunE(generateConfigCmd, nil); err != nil {
			t.Errorf("generate-config failed: %v", err)
		}
	})

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		t.Errorf("Config file was not created at %s", configFile)
	}
	if !strings.Contains(out, "Generated default configuration at:") {
		t.Errorf("Expected output to contain 'Generated default configuration at:', got: %s", out)
	}
}

func TestGenerateConfigCommand_DefaultLocation(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, ".config", "ytmon", "config.toml")

	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", tmpDir)
	defer os.Setenv("HOME", oldHome)

	oldConfigPath := configPath
	configPath = ""
	defer func() { configPath = oldConfigPath }()

	captureStdout(t, func() {
		if err := generateConfigCmd.RunE(generateConfigCmd, nil); err != nil {
			t.Errorf("generate-config failed: %v", err)
		}
	})

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		t.Errorf("Config file was not created at %s", configFile)
	}
}

func TestDownloadCommand_RunsWhileLedgerHeld(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell for the stub extractor")
	}

	tmpDir := t.TempDir()

	stub := filepath.Join(tmpDir, "extractor.sh")
	script := `#!/bin/sh
out=""
prev=""
for arg in "$@"; do
	if [ "$prev" = "--output" ]; then out="$arg"; fi
	prev="$arg"
done
printf 'video' > "$out"
`
	if err := os.WriteFile(stub, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := config.TestConfig()
	cfg.Database.Path = filepath.Join(tmpDir, "ytmon.db")
	cfg.Extractor.Binary = stub
	cfg.Output.Directory = filepath.Join(tmpDir, "media")

	cfgFile := filepath.Join(tmpDir, "config.toml")
	if err := config.Save(cfg, cfgFile); err != nil {
		t.Fatal(err)
	}

	// Simulate a running daemon holding the ledger's exclusive lock.
	store, err := storage.NewStore(cfg.Database.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	oldConfigPath, oldDBPath := configPath, dbPath
	oldDir, oldProfile, oldTitle := downloadDir, downloadProfile, downloadTitle
	configPath, dbPath = cfgFile, ""
	downloadDir, downloadProfile, downloadTitle = "", "", ""
	defer func() {
		configPath, dbPath = oldConfigPath, oldDBPath
		downloadDir, downloadProfile, downloadTitle = oldDir, oldProfile, oldTitle
	}()

	var runErr error
	out := captureStdout(t, func() {
		runErr = downloadCmd.RunE(downloadCmd, []string{"https://example.com/watch?v=abc"})
	})
	if runErr != nil {
		t.Fatalf("download failed while the ledger was held: %v", runErr)
	}

	path := strings.TrimSpace(out)
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Expected downloaded file at %s: %v", path, err)
	}
}

func TestShortID(t *testing.T) {
	a := shortID("https://example.com/watch?v=abc")
	b := shortID("https://example.com/watch?v=abc")
	c := shortID("https://example.com/watch?v=def")

	if a != b {
		t.Errorf("shortID is not deterministic: %s != %s", a, b)
	}
	if a == c {
		t.Errorf("shortID collides for different URLs: %s", a)
	}
	if len(a) != 12 {
		t.Errorf("shortID length = %d, want 12", len(a))
	}
}
