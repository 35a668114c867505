package model

import "time"

// EndpointHealth is the observed state of one relay connection.
type EndpointHealth struct {
	Connected    bool      `json:"connected"`
	Healthy      bool      `json:"healthy"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
	FailureCount int       `json:"failure_count"`
	NextRetry    time.Time `json:"next_retry,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Endpoint is a relay the transport pool connects to.
type Endpoint struct {
	URL    string         `json:"url"`
	Health EndpointHealth `json:"health"`
}
