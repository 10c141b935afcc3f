// Package testutil provides shared test environment helpers for E2E tests
// that run the built binary against a live WebChart backend. It depends only
// on stdlib so that E2E tests (which cannot import internal/) can use it.
package testutil

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// AllowedHostsEnv lists the backend hosts E2E tests may talk to.
const AllowedHostsEnv = "MIEAPI_ALLOWED_TEST_HOSTS"

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// CheckAllowedHost returns an error unless the host of the URL held in
// baseURLEnv appears in MIEAPI_ALLOWED_TEST_HOSTS.
func CheckAllowedHost(baseURLEnv string) error {
	allowlist := os.Getenv(AllowedHostsEnv)
	if allowlist == "" {
		return fmt.Errorf("%s not set (example: %s=webchart-test.example.com)", AllowedHostsEnv, AllowedHostsEnv)
	}

	raw := os.Getenv(baseURLEnv)
	if raw == "" {
		return fmt.Errorf("%s not set", baseURLEnv)
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s=%q is not an absolute URL", baseURLEnv, raw)
	}

	for _, h := range strings.Split(allowlist, ",") {
		if strings.EqualFold(strings.TrimSpace(h), u.Hostname()) {
			return nil
		}
	}

	return fmt.Errorf("host %q is not in %s=%q", u.Hostname(), AllowedHostsEnv, allowlist)
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}
