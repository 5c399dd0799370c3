// Package config loads application configuration from environment variables,
// an optional .env file and an optional YAML targets file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ericfisherdev/issuewatch/internal/domain/model"
)

const envPrefix = "ISSUEWATCH_"

// State backends.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// Config holds the validated application configuration.
type Config struct {
	Targets []model.Target

	GitHubToken string
	GitLabToken string
	GitLabURL   string

	TelegramBotToken string
	TelegramChatID   string
	TelegramAPIURL   string
	TelegramRate     float64

	PollInterval time.Duration
	IssueState   string
	FetchTimeout time.Duration
	SendTimeout  time.Duration
	Workers      int

	StateBackend string
	DBPath       string
	StateFile    string

	ListenAddr string
	LogLevel   slog.Level
	LogFormat  string
}

// HasProvider reports whether any target uses provider.
func (c *Config) HasProvider(provider model.Provider) bool {
	for _, t := range c.Targets {
		if t.Provider == provider {
			return true
		}
	}
	return false
}

// Load reads ISSUEWATCH_* variables and returns a validated Config. Variables
// from the .env file named by ISSUEWATCH_ENV_FILE (default ".env") are loaded
// first without overriding the real environment; a missing default file is
// not an error. Every validation problem is reported, joined into one error.
//
// Required: ISSUEWATCH_TELEGRAM_BOT_TOKEN, ISSUEWATCH_TELEGRAM_CHAT_ID and at
// least one target from ISSUEWATCH_REPOS or ISSUEWATCH_TARGETS_FILE.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	cfg := &Config{
		GitHubToken:      env("GITHUB_TOKEN", ""),
		GitLabToken:      env("GITLAB_TOKEN", ""),
		GitLabURL:        strings.TrimSuffix(env("GITLAB_URL", "https://gitlab.com"), "/"),
		TelegramBotToken: env("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   env("TELEGRAM_CHAT_ID", ""),
		TelegramAPIURL:   env("TELEGRAM_API_URL", ""),
		IssueState:       strings.ToLower(env("ISSUE_STATE", "open")),
		StateBackend:     strings.ToLower(env("STATE_BACKEND", BackendSQLite)),
		DBPath:           env("DB_PATH", "issuewatch.db"),
		StateFile:        env("STATE_FILE", "state.json"),
		ListenAddr:       env("LISTEN_ADDR", "127.0.0.1:8080"),
		LogFormat:        strings.ToLower(env("LOG_FORMAT", "text")),
	}

	if cfg.TelegramBotToken == "" {
		fail("%sTELEGRAM_BOT_TOKEN is required", envPrefix)
	}
	if cfg.TelegramChatID == "" {
		fail("%sTELEGRAM_CHAT_ID is required", envPrefix)
	}

	var err error
	if cfg.PollInterval, err = pollInterval(env("POLL_INTERVAL", "15m")); err != nil {
		errs = append(errs, err)
	}
	if cfg.FetchTimeout, err = positiveDuration("FETCH_TIMEOUT", "30s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.SendTimeout, err = positiveDuration("SEND_TIMEOUT", "10s"); err != nil {
		errs = append(errs, err)
	}

	workers, err := strconv.Atoi(env("WORKERS", "4"))
	switch {
	case err != nil:
		fail("%sWORKERS has invalid integer: %w", envPrefix, err)
	case workers < 1:
		fail("%sWORKERS must be at least 1, got %d", envPrefix, workers)
	default:
		cfg.Workers = workers
	}

	rate, err := strconv.ParseFloat(env("TELEGRAM_RATE", "1"), 64)
	switch {
	case err != nil:
		fail("%sTELEGRAM_RATE has invalid number: %w", envPrefix, err)
	case rate <= 0:
		fail("%sTELEGRAM_RATE must be positive, got %v", envPrefix, rate)
	default:
		cfg.TelegramRate = rate
	}

	if cfg.IssueState != "open" && cfg.IssueState != "all" {
		fail("%sISSUE_STATE must be open or all, got %q", envPrefix, cfg.IssueState)
	}
	if cfg.StateBackend != BackendSQLite && cfg.StateBackend != BackendFile {
		fail("%sSTATE_BACKEND must be %s or %s, got %q", envPrefix, BackendSQLite, BackendFile, cfg.StateBackend)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		fail("%sLOG_FORMAT must be text or json, got %q", envPrefix, cfg.LogFormat)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(env("LOG_LEVEL", "info"))); err != nil {
		fail("%sLOG_LEVEL: %w", envPrefix, err)
	}

	targets, targetErrs := loadTargets()
	errs = append(errs, targetErrs...)
	cfg.Targets = targets
	if len(targets) == 0 && len(targetErrs) == 0 {
		fail("no targets configured: set %sREPOS or %sTARGETS_FILE", envPrefix, envPrefix)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	return cfg, nil
}

func loadEnvFile() error {
	path, explicit := os.LookupEnv(envPrefix + "ENV_FILE")
	if !explicit {
		path = ".env"
	}
	if path == "" {
		return nil
	}

	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

func env(key, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return strings.TrimSpace(v)
	}
	return fallback
}

// pollInterval accepts a Go duration ("15m") or a whole number of seconds.
func pollInterval(v string) (time.Duration, error) {
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%sPOLL_INTERVAL has invalid duration %q: %w", envPrefix, v, err)
		}
		d = parsed
	}

	if d <= 0 {
		return 0, fmt.Errorf("%sPOLL_INTERVAL must be positive, got %s", envPrefix, d)
	}
	return d, nil
}

func positiveDuration(key, fallback string) (time.Duration, error) {
	v := env(key, fallback)
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s%s has invalid duration %q: %w", envPrefix, key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s%s must be positive, got %s", envPrefix, key, d)
	}
	return d, nil
}

// targetsFile is the YAML layout of ISSUEWATCH_TARGETS_FILE.
type targetsFile struct {
	Targets []struct {
		Repo     string `yaml:"repo"`
		Provider string `yaml:"provider"`
		Author   string `yaml:"author"`
	} `yaml:"targets"`
}

// loadTargets merges ISSUEWATCH_REPOS and the targets file, in that order.
func loadTargets() ([]model.Target, []error) {
	var (
		targets []model.Target
		errs    []error
		seen    = map[string]bool{}
	)

	add := func(origin, raw, provider, author string) {
		t, err := parseTarget(raw, provider, author)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", origin, err))
			return
		}
		if seen[t.Key()] {
			errs = append(errs, fmt.Errorf("%s: duplicate target %s", origin, t.Key()))
			return
		}
		seen[t.Key()] = true
		targets = append(targets, t)
	}

	author := env("AUTHOR", "")
	for _, raw := range splitList(env("REPOS", "")) {
		add(envPrefix+"REPOS", raw, "", author)
	}

	path := env("TARGETS_FILE", "")
	if path == "" {
		return targets, errs
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return targets, append(errs, fmt.Errorf("reading targets file: %w", err))
	}

	var file targetsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return targets, append(errs, fmt.Errorf("parsing targets file %s: %w", path, err))
	}

	for i, entry := range file.Targets {
		add(fmt.Sprintf("%s target %d", path, i+1), entry.Repo, entry.Provider, entry.Author)
	}

	return targets, errs
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == '\n' }) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

var pathSegment = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// parseTarget accepts "owner/name" or "gitlab:group/sub/project". An explicit
// provider overrides the default but must agree with any prefix.
func parseTarget(raw, provider, author string) (model.Target, error) {
	raw = strings.TrimSpace(raw)
	p := model.Provider(strings.ToLower(strings.TrimSpace(provider)))

	if prefix, rest, ok := strings.Cut(raw, ":"); ok {
		pp := model.Provider(strings.ToLower(prefix))
		if p != "" && p != pp {
			return model.Target{}, fmt.Errorf("repo %q conflicts with provider %q", raw, provider)
		}
		p, raw = pp, rest
	}
	if p == "" {
		p = model.ProviderGitHub
	}

	segments := strings.Split(raw, "/")
	for _, s := range segments {
		if !pathSegment.MatchString(s) {
			return model.Target{}, fmt.Errorf("malformed repo name %q", raw)
		}
	}

	switch p {
	case model.ProviderGitHub:
		if len(segments) != 2 {
			return model.Target{}, fmt.Errorf("malformed repo name %q: expected owner/name", raw)
		}
	case model.ProviderGitLab:
		if len(segments) < 2 {
			return model.Target{}, fmt.Errorf("malformed project path %q: expected group/project", raw)
		}
	default:
		return model.Target{}, fmt.Errorf("unknown provider %q", p)
	}

	return model.Target{Provider: p, FullName: raw, AuthorFilter: strings.TrimSpace(author)}, nil
}
