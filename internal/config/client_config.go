package config

import (
	"strings"
	"time"
)

const (
	baseURLVar        = "API_BASE_URL"
	requestTimeoutVar = "REQUEST_TIMEOUT"
	refreshTimeoutVar = "REFRESH_TIMEOUT"

	defaultBaseURL = "http://localhost:8000/api"
)

type ClientConfig interface {
	GetBaseURL() string
	GetRequestTimeout() time.Duration
	GetRefreshTimeout() time.Duration
}

type Client struct{}

var _ ClientConfig = Client{}

// GetBaseURL returns the backend origin every request path is resolved against,
// without a trailing slash (e.g. "https://school.example.com/api").
func (Client) GetBaseURL() string {
	return strings.TrimRight(GetEnv(baseURLVar, defaultBaseURL), "/")
}

func (Client) GetRequestTimeout() time.Duration {
	return GetEnvDuration(requestTimeoutVar, 30*time.Second)
}

func (Client) GetRefreshTimeout() time.Duration {
	return GetEnvDuration(refreshTimeoutVar, 10*time.Second)
}
