package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// HTTPSink posts records to a metrics collection service
type HTTPSink struct {
	baseURL    string
	runID      string
	experiment string
	httpClient *http.Client
	config     HTTPSinkConfig
	enabled    bool
	failures   int
}

// HTTPSinkConfig contains configuration for the HTTP sink
type HTTPSinkConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
	// MaxFailures consecutive failed emits disable the sink
	MaxFailures int `json:"max_failures"`
}

// LogResponse represents the response from the collection service
type LogResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type logRequest struct {
	RunID        string                 `json:"run_id"`
	ExperimentID string                 `json:"experiment_id"`
	Timestamp    time.Time              `json:"timestamp"`
	Metrics      map[string]interface{} `json:"metrics"`
}

// DefaultHTTPSinkConfig returns default configuration for the HTTP sink
func DefaultHTTPSinkConfig() HTTPSinkConfig {
	return HTTPSinkConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       10 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
		MaxFailures:   3,
	}
}

// NewHTTPSink creates an enabled HTTP sink
func NewHTTPSink(config HTTPSinkConfig, experimentID, runID string) *HTTPSink {
	if config.RetryAttempts < 1 {
		config.RetryAttempts = 1
	}
	if config.MaxFailures < 1 {
		config.MaxFailures = 1
	}
	return &HTTPSink{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		runID:      runID,
		experiment: experimentID,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		config:  config,
		enabled: true,
	}
}

// Enable enables the sink
func (s *HTTPSink) Enable() {
	s.enabled = true
	s.failures = 0
}

// Disable disables the sink; records are dropped silently
func (s *HTTPSink) Disable() {
	s.enabled = false
}

// IsEnabled returns whether the sink is enabled
func (s *HTTPSink) IsEnabled() bool {
	return s.enabled
}

// Send posts one record
func (s *HTTPSink) Send(r Record) (*LogResponse, error) {
	if !s.enabled {
		return &LogResponse{
			Success: false,
			Message: "Telemetry sink is disabled",
		}, nil
	}

	jsonData, err := json.Marshal(logRequest{
		RunID:        s.runID,
		ExperimentID: s.experiment,
		Timestamp:    r.Time,
		Metrics:      jsonValues(r.Values),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal telemetry record: %w", err)
	}

	url := fmt.Sprintf("%s/api/log", s.baseURL)
	req, err := http.NewRequest("POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-dti-training")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var logResponse LogResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &logResponse); err != nil {
			return nil, fmt.Errorf("failed to parse response JSON: %w", err)
		}
	}

	if resp.StatusCode != http.StatusOK {
		return &logResponse, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, logResponse.Message)
	}

	return &logResponse, nil
}

// SendWithRetry posts one record, retrying failed attempts
func (s *HTTPSink) SendWithRetry(r Record) (*LogResponse, error) {
	var lastErr error

	for attempt := 0; attempt < s.config.RetryAttempts; attempt++ {
		resp, err := s.Send(r)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		if attempt < s.config.RetryAttempts-1 {
			time.Sleep(s.config.RetryDelay)
		}
	}

	return nil, fmt.Errorf("failed to send telemetry after %d attempts: %w", s.config.RetryAttempts, lastErr)
}

// CheckHealth checks if the collection service is available
func (s *HTTPSink) CheckHealth() error {
	if !s.enabled {
		return fmt.Errorf("telemetry sink is disabled")
	}

	url := fmt.Sprintf("%s/health", s.baseURL)
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}

	return nil
}

// Emit sends r with retries. After MaxFailures consecutive failures the
// sink disables itself and drops later records.
func (s *HTTPSink) Emit(r Record) error {
	if !s.enabled {
		return nil
	}
	if _, err := s.SendWithRetry(r); err != nil {
		s.failures++
		if s.failures >= s.config.MaxFailures {
			s.Disable()
			klog.Warningf("Telemetry endpoint %s failed %d times in a row, disabling it: %v", s.baseURL, s.failures, err)
			return fmt.Errorf("disabling telemetry sink after %d consecutive failures: %w", s.failures, err)
		}
		return err
	}
	s.failures = 0
	return nil
}

func (s *HTTPSink) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}
