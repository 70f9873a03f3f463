package shellcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
)

const testConfigYAML = `
namespace: venda-mais-admin
version: 1.0.0
scope: https://example.github.io/vendamaisadm
manifest:
  - ./
  - index.html
  - url: https://cdn.example.com/chart.js
    crossOrigin: true
excludedOrigins:
  - firestore.googleapis.com
  - " FirebaseIO.com "
storage:
  provider: sqlite
  path: cache.db
connectivity:
  probe: https://example.github.io/vendamaisadm/
  interval: 10s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "shellcache.yml")
	if err := os.WriteFile(filename, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return filename
}

func TestLoadConfig(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, testConfigYAML))
	if err != nil {
		t.Fatal(err)
	}

	if config.StoreName() != "venda-mais-admin-1.0.0" {
		t.Fatalf("Store name is %s", config.StoreName())
	}
	if config.Scope != "https://example.github.io/vendamaisadm/" {
		t.Fatalf("Scope is %s", config.Scope)
	}
	if len(config.Manifest) != 3 || !config.Manifest[2].CrossOrigin || config.Manifest[0].URL != "./" {
		t.Fatalf("Manifest is %+v", config.Manifest)
	}
	if len(config.ExcludedOrigins) != 2 || config.ExcludedOrigins[1] != "firebaseio.com" {
		t.Fatalf("Excluded origins are %q", config.ExcludedOrigins)
	}
	if config.Storage.Provider != "sqlite" || config.Storage.Path != "cache.db" {
		t.Fatalf("Storage is %+v", config.Storage)
	}
	if time.Duration(config.Connectivity.Interval) != 10*time.Second {
		t.Fatalf("Interval is %s", time.Duration(config.Connectivity.Interval))
	}
}

func TestConfigDefaults(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, "namespace: app\nversion: v1\nscope: http://localhost:3000/\n"))
	if err != nil {
		t.Fatal(err)
	}

	if config.Shell != "index.html" || config.Storage.Provider != "memory" || config.Server.Port != 8080 {
		t.Fatalf("Defaults are %+v", config)
	}
	if config.Revalidation.MaxInFlight != 32 || config.WarmUp.Concurrency != 4 {
		t.Fatalf("Limits are %+v %+v", config.Revalidation, config.WarmUp)
	}
	if config.Push.DefaultTitle != "app" || config.Push.DefaultBody != "New notification from app" {
		t.Fatalf("Push defaults are %+v", config.Push)
	}
}

func TestInvalidConfig(t *testing.T) {
	for name, content := range map[string]string{
		"no namespace":   "version: v1\nscope: https://example.com/\n",
		"no version":     "namespace: app\nscope: https://example.com/\n",
		"relative scope": "namespace: app\nversion: v1\nscope: /app/\n",
		"ftp scope":      "namespace: app\nversion: v1\nscope: ftp://example.com/\n",
		"bad interval":   "namespace: app\nversion: v1\nscope: https://example.com/\nconnectivity:\n  interval: often\n",
	} {
		_, err := LoadConfig(writeConfig(t, content))
		if errors.GetCode(err) != errors.CodeInvalidConfig {
			t.Fatalf("%s: error is %v", name, err)
		}
	}
}

func TestMissingConfigFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	if errors.GetCode(err) != errors.CodeInvalidConfig {
		t.Fatalf("Error is %v", err)
	}
}
