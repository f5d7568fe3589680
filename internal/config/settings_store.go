package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

type ClientSettings struct {
	BaseURL     string `json:"base_url"`
	Email       string `json:"email"`
	DataDir     string `json:"data_dir"`
	AutoConnect bool   `json:"auto_connect"`
	Debug       bool   `json:"debug"`
}

func SettingsPath() (string, error) {
	root, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "dabba", "client-settings.json"), nil
}

func LoadSettings() (ClientSettings, error) {
	path, err := SettingsPath()
	if err != nil {
		return ClientSettings{}, err
	}
	return loadSettingsFrom(path)
}

func loadSettingsFrom(path string) (ClientSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClientSettings{}, err
	}
	var settings ClientSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return ClientSettings{}, err
	}
	return settings, nil
}

func SaveSettings(settings ClientSettings) error {
	path, err := SettingsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

// MergeOptionsWithSettings overlays saved settings under any CLI/env values.
// CLI wins when set; boolean flags only promote false -> true.
func MergeOptionsWithSettings(cli Options, saved ClientSettings) Options {
	if strings.TrimSpace(cli.BaseURL) == "" {
		cli.BaseURL = saved.BaseURL
	}
	if strings.TrimSpace(cli.Email) == "" {
		cli.Email = saved.Email
	}
	if strings.TrimSpace(cli.DataDir) == "" {
		cli.DataDir = saved.DataDir
	}
	if !cli.AutoConnect {
		cli.AutoConnect = saved.AutoConnect
	}
	if !cli.Debug {
		cli.Debug = saved.Debug
	}
	return cli
}

func SettingsFromOptions(opts Options) ClientSettings {
	return ClientSettings{
		BaseURL:     strings.TrimSpace(opts.BaseURL),
		Email:       strings.TrimSpace(opts.Email),
		DataDir:     strings.TrimSpace(opts.DataDir),
		AutoConnect: opts.AutoConnect,
		Debug:       opts.Debug,
	}
}

// DefaultDataDir is where the local credential store lives when --data-dir is
// not set.
func DefaultDataDir() (string, error) {
	root, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "dabba"), nil
}
