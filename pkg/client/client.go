package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client talks to the poolkeeper control API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Token    string // bearer token (control or admin)
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		Timeout: 30 * time.Second,
	}
}

// New creates a new poolkeeper API client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		token:   config.Token,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, nil, &st)
	return st, err
}

func (c *Client) Worker(ctx context.Context, pid int) (WorkerDetail, error) {
	var d WorkerDetail
	err := c.do(ctx, http.MethodGet, "/workers/"+strconv.Itoa(pid), nil, nil, &d)
	return d, err
}

// SetDesired sets the target worker count.
func (c *Client) SetDesired(ctx context.Context, n int) (State, error) {
	var st State
	err := c.do(ctx, http.MethodPut, "/desired", nil, map[string]int{"count": n}, &st)
	return st, err
}

func (c *Client) Pause(ctx context.Context) (State, error) {
	var st State
	err := c.do(ctx, http.MethodPost, "/pause", nil, nil, &st)
	return st, err
}

func (c *Client) Resume(ctx context.Context) (State, error) {
	var st State
	err := c.do(ctx, http.MethodPost, "/resume", nil, nil, &st)
	return st, err
}

// Launch starts one worker outside the reconcile cadence and returns its pid.
func (c *Client) Launch(ctx context.Context) (int, error) {
	var res struct {
		PID int `json:"pid"`
	}
	err := c.do(ctx, http.MethodPost, "/launch", nil, nil, &res)
	return res.PID, err
}

// Stop gracefully stops one worker; wait <= 0 uses the server's stop grace.
func (c *Client) Stop(ctx context.Context, pid int, wait time.Duration) (StopResult, error) {
	q := url.Values{"pid": {strconv.Itoa(pid)}}
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	var res StopResult
	err := c.do(ctx, http.MethodPost, "/stop", q, nil, &res)
	return res, err
}

func (c *Client) Kill(ctx context.Context, pid int) (StopResult, error) {
	var res StopResult
	err := c.do(ctx, http.MethodPost, "/kill", url.Values{"pid": {strconv.Itoa(pid)}}, nil, &res)
	return res, err
}

// StopAll pauses the pool and stops every worker.
func (c *Client) StopAll(ctx context.Context) (map[int]Outcome, error) {
	var res struct {
		Outcomes map[int]Outcome `json:"outcomes"`
	}
	err := c.do(ctx, http.MethodPost, "/stop-all", nil, nil, &res)
	return res.Outcomes, err
}

// Reset truncates the heartbeat log and zeroes counters. Requires the admin token.
func (c *Client) Reset(ctx context.Context) (State, error) {
	var st State
	err := c.do(ctx, http.MethodPost, "/reset", nil, nil, &st)
	return st, err
}

// Logs downloads the heartbeat log, optionally resetting afterwards.
// Requires the admin token.
func (c *Client) Logs(ctx context.Context, reset bool) ([]byte, error) {
	q := url.Values{}
	if reset {
		q.Set("reset", "true")
	}
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, "/logs", q, nil, &buf)
	return buf.Bytes(), err
}

// Reconcile runs one tick on the server. A failed tick is returned as an error.
func (c *Client) Reconcile(ctx context.Context) error {
	var res struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := c.do(ctx, http.MethodPost, "/debug/reconcile", nil, nil, &res); err != nil {
		return err
	}
	if !res.OK {
		return errors.New(res.Error)
	}
	return nil
}

// do sends a request and decodes the JSON response into out. A *bytes.Buffer
// out receives the raw body.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.errorFrom(resp)
	}
	if buf, ok := out.(*bytes.Buffer); ok {
		_, err := io.Copy(buf, resp.Body)
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) errorFrom(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: er.Error}
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}
