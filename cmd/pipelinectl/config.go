package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	apiclient "github.com/splax/localvercel/pipeline/pkg/api/client"
)

const defaultAPIBase = "http://localhost:5050"

type cliConfig struct {
	APIBaseURL string `json:"api_base_url"`
	Token      string `json:"token"`
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "peep", "pipelinectl.json"), nil
}

// client builds an API client from flags, falling back to the saved config.
func (f *globalFlags) client() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	base := strings.TrimSpace(f.apiBase)
	if base == "" {
		base = cfg.APIBaseURL
	}
	token := strings.TrimSpace(f.token)
	if token == "" {
		token = cfg.Token
	}
	if token == "" {
		return nil, errors.New("no service token: pass --token, set PIPELINE_TOKEN or run 'pipelinectl login'")
	}
	return apiclient.New(base, apiclient.WithToken(token))
}

// render prints v as indented JSON, or calls text for the text format.
func (f *globalFlags) render(w io.Writer, v any, text func(io.Writer)) error {
	switch f.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "text", "":
		text(w)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", f.output)
	}
}
