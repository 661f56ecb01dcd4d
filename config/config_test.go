package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	filename := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(filename, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return filename
}

func TestLoadFileAndEnv(t *testing.T) {
	filename := writeFile(t, "config.yaml", `
origin: https://app.example
version: app-cache-v2.0
assets:
  - /
  - /index.html
`)
	t.Setenv(EnvPrefix+"VERSION", "app-cache-v2.1")

	config, err := Load(filename)
	if err != nil {
		t.Fatal(err)
	}
	if config.Version != "app-cache-v2.1" {
		t.Fatalf("Version is %s", config.Version)
	}
	if config.Origin != "https://app.example" || config.Port != 8080 || config.RootDocument != "/" {
		t.Fatalf("Config is %+v", config)
	}
	m, err := config.Manifest()
	if err != nil || len(m) != 2 || m[1] != "/index.html" {
		t.Fatalf("Manifest is %v (%v)", m, err)
	}
	if err := config.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestAssetsFromEnv(t *testing.T) {
	t.Setenv(EnvPrefix+"ASSETS", "/,/app.js")
	config, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if len(config.Assets) != 2 || config.Assets[1] != "/app.js" {
		t.Fatalf("Assets are %v", config.Assets)
	}
}

func TestManifestFile(t *testing.T) {
	manifestFile := writeFile(t, "assets.json", `["/", "/static/main.css"]`)
	config := Default()
	config.AssetManifest = manifestFile
	config.Assets = []string{"/ignored"}
	m, err := config.Manifest()
	if err != nil || len(m) != 2 || m[1] != "/static/main.css" {
		t.Fatalf("Manifest is %v (%v)", m, err)
	}
}

func TestValidate(t *testing.T) {
	config := Default()
	config.Version = "v1"
	for _, origin := range []string{"", "ftp://app.example", "https://app.example/sub"} {
		config.Origin = origin
		if err := config.Validate(); err == nil {
			t.Fatalf("Origin %q accepted", origin)
		}
	}
	config.Origin = "http://localhost:3000"
	config.Version = ""
	if err := config.Validate(); err == nil {
		t.Fatal("Missing version accepted")
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Missing file accepted")
	}
}
