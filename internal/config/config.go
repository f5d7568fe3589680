package config

import (
	"errors"
	"net/url"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

type Options struct {
	BaseURL     string `long:"base-url" env:"DABBA_BASE_URL" description:"Dabba service base URL (e.g. https://api.dabba.example)"`
	Email       string `long:"email" env:"DABBA_EMAIL" description:"Account email used for login when no session is cached"`
	Password    string `long:"password" env:"DABBA_PASSWORD" description:"Account password used for login when no session is cached"`
	DataDir     string `long:"data-dir" env:"DABBA_DATA_DIR" description:"Directory for the local credential store (defaults to the user config dir)"`
	AutoConnect bool   `long:"auto-connect" env:"DABBA_AUTO_CONNECT" description:"Connect the realtime transport on startup"`
	Debug       bool   `long:"debug" env:"DABBA_DEBUG" description:"Enable verbose debug output"`
}

type APIEndpoints struct {
	BaseURL          string
	LoginURL         string
	RefreshURL       string
	ProfileURL       string
	OrdersURL        string
	SubscriptionsURL string
	RealtimeURL      string
}

const (
	apiPrefix    = "/api/v1"
	realtimePath = "/api/v1/realtime"
)

func ParseOptions() (Options, error) {
	_ = godotenv.Load()
	opts := Options{}
	if _, err := flags.Parse(&opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func ValidateRequired(opts Options) error {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return errors.New("base URL is required")
	}
	return nil
}

func BuildEndpoints(rawBaseURL string) (APIEndpoints, error) {
	apiBaseURL, err := buildAPIBaseURL(rawBaseURL)
	if err != nil {
		return APIEndpoints{}, err
	}
	return APIEndpoints{
		BaseURL:          apiBaseURL,
		LoginURL:         apiBaseURL + apiPrefix + "/auth/login",
		RefreshURL:       apiBaseURL + apiPrefix + "/auth/refresh",
		ProfileURL:       apiBaseURL + apiPrefix + "/profile",
		OrdersURL:        apiBaseURL + apiPrefix + "/orders",
		SubscriptionsURL: apiBaseURL + apiPrefix + "/subscriptions",
		RealtimeURL:      websocketURL(apiBaseURL) + realtimePath,
	}, nil
}

func buildAPIBaseURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	parsed, err := url.Parse(value)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", errors.New("expected absolute URL like https://api.dabba.example")
	}
	if !strings.EqualFold(parsed.Scheme, "http") && !strings.EqualFold(parsed.Scheme, "https") {
		return "", errors.New("base URL scheme must be http or https")
	}

	// Normalize any pasted endpoint/path back to the bare host base.
	parsed.Path = ""
	parsed.RawPath = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""

	return strings.TrimRight(parsed.String(), "/"), nil
}

func websocketURL(apiBaseURL string) string {
	if strings.HasPrefix(apiBaseURL, "https://") {
		return "wss://" + strings.TrimPrefix(apiBaseURL, "https://")
	}
	return "ws://" + strings.TrimPrefix(apiBaseURL, "http://")
}
