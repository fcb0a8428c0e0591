// Package config loads the translation mirror's configuration: a YAML file
// naming the target languages and storage layout, plus credentials taken
// from the environment. Configuration problems are the only fatal errors in
// the system, so loading is strict.
package config

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// SourceLanguage is the language the contest platform publishes in. The
// source-language fragment is authoritative; every other language variant is
// derived from it by translation.
const SourceLanguage = "ja"

// Environment variable names for required credentials.
const (
	EnvAPIKey   = "OPENAI_API_KEY"
	EnvUsername = "OMC_USERNAME"
	EnvPassword = "OMC_PASSWORD"
)

// GitConfig identifies the publication repository and the commit author.
type GitConfig struct {
	RepoPath    string `yaml:"repo_path"`
	Remote      string `yaml:"remote"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// Config is the explicit configuration struct passed into every component.
// There is no ambient global state; main constructs one Config and injects
// it everywhere.
type Config struct {
	// BaseURL is the contest platform root, without a trailing slash.
	BaseURL string `yaml:"base_url"`

	// LanguagesRoot is the directory under which all fragments are stored:
	// {languages_root}/{lang}/contests/{contest}/{kind}/{id}.html.
	LanguagesRoot string `yaml:"languages_root"`

	// Languages lists the translation targets in priority order. "en" must
	// be present and is always translated first.
	Languages []string `yaml:"languages"`

	// Model is the chat-completions model used for translation.
	Model string `yaml:"model"`

	// JournalPath is an optional SQLite database recording pipeline events.
	// Empty disables the journal.
	JournalPath string `yaml:"journal_path"`

	Git GitConfig `yaml:"git"`

	// Credentials from the environment, not the YAML file.
	APIKey   string `yaml:"-"`
	Username string `yaml:"-"`
	Password string `yaml:"-"`
}

// Load reads and validates the YAML configuration file. Missing file,
// unparseable YAML, an empty language list, or a list without "en" are all
// errors: the caller is expected to exit non-zero.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{
		BaseURL:       "https://onlinemathcontest.com",
		LanguagesRoot: "languages",
		Model:         "gpt-4o-mini",
		Git: GitConfig{
			RepoPath:    ".",
			Remote:      "origin",
			AuthorName:  "github-actions[bot]",
			AuthorEmail: "github-actions[bot]@users.noreply.github.com",
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if len(cfg.Languages) == 0 {
		return nil, fmt.Errorf("config lists no target languages")
	}
	if !slices.Contains(cfg.Languages, "en") {
		return nil, fmt.Errorf(`config language list must contain "en"`)
	}
	cfg.Languages = orderLanguages(cfg.Languages)

	return cfg, nil
}

// LoadCredentials pulls credentials from the environment. The API key is
// always required. The site login pair is required unless requireLogin is
// false (historical contests are public and need no session).
func (c *Config) LoadCredentials(requireLogin bool) error {
	c.APIKey = os.Getenv(EnvAPIKey)
	if c.APIKey == "" {
		return fmt.Errorf("environment variable %s is not set", EnvAPIKey)
	}

	c.Username = os.Getenv(EnvUsername)
	c.Password = os.Getenv(EnvPassword)
	if requireLogin && (c.Username == "" || c.Password == "") {
		return fmt.Errorf("environment variables %s and %s must be set", EnvUsername, EnvPassword)
	}

	return nil
}

// TargetLanguages returns the translation targets with "en" first,
// preserving the configured order for the rest. The source language is
// never a target.
func (c *Config) TargetLanguages() []string {
	return orderLanguages(c.Languages)
}

// orderLanguages moves "en" to the front, dedupes, and drops the source
// language if someone listed it by mistake.
func orderLanguages(langs []string) []string {
	ordered := []string{"en"}
	for _, l := range langs {
		if l == "en" || l == SourceLanguage || slices.Contains(ordered, l) {
			continue
		}
		ordered = append(ordered, l)
	}
	return ordered
}
