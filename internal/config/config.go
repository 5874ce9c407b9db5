// Package config defines the configuration struct consumed from the CLI
// and the small text-file parsers for the input formats.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config is the full set of options the core engine accepts from its
// external collaborator (the CLI). Every field here has a documented
// default; the CLI is responsible for syntax (flags, env, files) and hands
// the core a populated Config.
type Config struct {
	APIToken string `json:"api_token"`

	OutputRoot string `json:"output_root"`
	TestMode   bool   `json:"test_mode"`

	Inputs InputsConfig `json:"inputs"`

	MaxConcurrentDownloads int  `json:"max_concurrent_downloads"`
	ParallelMode           bool `json:"parallel_mode"`
	SkipExisting           bool `json:"skip_existing"`

	BaseModelFilterPath string `json:"base_model_filter_path"`
	MaxUserImages        int    `json:"max_user_images"`

	Rate  RateConfig  `json:"rate"`
	Retry RetryConfig `json:"retry"`

	Resume ResumeConfig `json:"resume"`

	// FallbackEndpoints lets an operator point at a mirror or self-hosted
	// instance; the official endpoint is the only one present by default.
	FallbackEndpoints []string `json:"fallback_endpoints"`
}

// InputsConfig lists the work the Enumerator should walk.
type InputsConfig struct {
	Users  []string `json:"users"`
	Models []string `json:"models"`
}

// RateConfig seeds the Rate Governor's per-channel buckets.
type RateConfig struct {
	ModelAPIRPS     float64 `json:"model_api_rps"`
	ImageAPIRPS     float64 `json:"image_api_rps"`
	MaxConcurrentAPI int    `json:"max_concurrent_api"`
}

// RetryConfig bounds the HTTP Transport's retry loop.
type RetryConfig struct {
	MaxAttempts int `json:"max_attempts"`
}

// ResumeConfig toggles crash-resume behavior at startup.
type ResumeConfig struct {
	Enabled bool `json:"enabled"`
}

const officialEndpoint = "https://civitai.com/api/v1"

// Default returns a Config populated with every documented default value.
func Default() Config {
	return Config{
		OutputRoot:             defaultOutputRoot(),
		MaxConcurrentDownloads: 3,
		ParallelMode:           true,
		SkipExisting:           false,
		MaxUserImages:          1000,
		Rate: RateConfig{
			ModelAPIRPS:      0.5,
			ImageAPIRPS:      2.0,
			MaxConcurrentAPI: 3,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
		},
		Resume: ResumeConfig{
			Enabled: true,
		},
		FallbackEndpoints: []string{officialEndpoint},
	}
}

func defaultOutputRoot() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "./civitai-downloads"
	}
	return filepath.Join(dir, "civitai-downloads")
}

// Root returns the effective output root, honoring test_mode's override.
func (c Config) Root() string {
	if c.TestMode {
		return "./test_downloads"
	}
	return c.OutputRoot
}

// Validate rejects configurations that cannot run; returns a non-nil error
// describing the first problem found.
func (c Config) Validate() error {
	if c.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("config: max_concurrent_downloads must be >= 1, got %d", c.MaxConcurrentDownloads)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if len(c.Inputs.Users) == 0 && len(c.Inputs.Models) == 0 {
		return fmt.Errorf("config: no inputs configured (need at least one user or model)")
	}
	return nil
}

// ModelPipelinePermits returns the model pipeline's concurrency ceiling,
// collapsing to 1 when parallel_mode is disabled.
func (c Config) ModelPipelinePermits() int {
	if !c.ParallelMode {
		return 1
	}
	if c.MaxConcurrentDownloads < 1 {
		return 1
	}
	return c.MaxConcurrentDownloads
}

// ImagePipelinePermits returns the image pipeline's concurrency ceiling
// (2x model permits), collapsing to 1 when sequential.
func (c Config) ImagePipelinePermits() int {
	if !c.ParallelMode {
		return 1
	}
	return 2 * c.MaxConcurrentDownloads
}

var urlHandleRE = regexp.MustCompile(`^https?://[^/]+/(?:user|models)/([A-Za-z0-9_\-]+)/?$`)

// ParseLines reads a newline-delimited input file: UTF-8, one entry per
// line, blank lines and `#`-prefixed comments ignored, entries accepted as
// bare handles/ids or fully-qualified URLs (a models/<id> URL is reduced to
// its numeric id, any other URL to its trailing path segment).
func ParseLines(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, stripToHandle(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: reading input list: %w", err)
	}
	return out, nil
}

// ParseLinesFile opens path and delegates to ParseLines.
func ParseLinesFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()
	return ParseLines(f)
}

func stripToHandle(entry string) string {
	if strings.HasPrefix(entry, "http://") || strings.HasPrefix(entry, "https://") {
		if id, err := ParseModelID(entry); err == nil {
			return strconv.FormatInt(id, 10)
		}
	}
	if m := urlHandleRE.FindStringSubmatch(entry); m != nil {
		return m[1]
	}
	if strings.HasPrefix(entry, "http://") || strings.HasPrefix(entry, "https://") {
		trimmed := strings.TrimRight(entry, "/")
		if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
			return trimmed[idx+1:]
		}
	}
	return entry
}

// ParseFilterList reads a base-model whitelist file (same line shape as
// ParseLines: blank lines and `#` comments ignored).
func ParseFilterList(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: reading filter list: %w", err)
	}
	return out, nil
}

// ParseModelID accepts either a bare integer id or a models/<id>-slug URL.
func ParseModelID(entry string) (int64, error) {
	entry = strings.TrimSpace(entry)
	if id, err := strconv.ParseInt(entry, 10, 64); err == nil {
		return id, nil
	}
	re := regexp.MustCompile(`/models/(\d+)`)
	if m := re.FindStringSubmatch(entry); m != nil {
		return strconv.ParseInt(m[1], 10, 64)
	}
	return 0, fmt.Errorf("config: %q is not a valid model identifier", entry)
}

// MaxShutdownGracePeriod is cancellation grace window.
const MaxShutdownGracePeriod = 30 * time.Second

// EmergencyStopPollInterval is the polling cadence for the sentinel file.
const EmergencyStopPollInterval = 2 * time.Second

// DefaultUserAgent builds the User-Agent sent with every outbound request,
// in the usual `<product>/<version> (<os>/<arch>)` shape.
func DefaultUserAgent(version string) string {
	if version == "" {
		version = "dev"
	}
	return fmt.Sprintf("civitaifetch/%s (%s/%s)", version, runtime.GOOS, runtime.GOARCH)
}
