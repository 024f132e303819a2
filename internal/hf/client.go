package hf

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

const defaultBaseURL = "https://huggingface.co"

// ModelInfo is the outcome of validating a model id against the hub
type ModelInfo struct {
	ID    string // canonical id; may differ from the queried id after search resolution
	Gated bool
	Valid bool
	Err   string // human-readable failure reason when not valid
}

// Client talks to the HuggingFace model hub API
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a hub client. An empty baseURL selects the public hub.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

type modelResponse struct {
	ID    string          `json:"id"`
	Gated json.RawMessage `json:"gated"`
}

// Validate checks a model id against the hub. A 404 triggers a search by
// the same term; the first search hit is validated once more (search
// disabled on the second pass, so the recursion is bounded to one hop).
func (c *Client) Validate(ctx context.Context, modelID, token string) ModelInfo {
	return c.validate(ctx, modelID, token, true)
}

func (c *Client) validate(ctx context.Context, modelID, token string, allowSearch bool) ModelInfo {
	info := ModelInfo{}

	cleaned := strings.TrimSpace(modelID)
	if cleaned == "" {
		info.Err = "Model ID is empty or contains only whitespace"
		return info
	}
	info.ID = cleaned
	token = strings.TrimSpace(token)

	c.logger.Debug("validating model", "model_id", cleaned)

	reqURL := c.baseURL + "/api/models/" + encodeModelPath(cleaned)
	body, status, err := c.get(ctx, reqURL, token)
	if err != nil {
		info.Err = transportError(err)
		return info
	}

	if status == http.StatusNotFound {
		if allowSearch {
			c.logger.Debug("model not found (404), attempting search", "model_id", cleaned)
			if found := c.Search(ctx, cleaned, token); found != "" {
				return c.validate(ctx, found, token, false)
			}
		}
		info.Err = "Model not found: " + cleaned
		return info
	}

	if status != http.StatusOK {
		info.Err = fmt.Sprintf("API request failed with HTTP %d", status)
		return info
	}

	var resp modelResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.ID == "" {
		if allowSearch {
			if found := c.Search(ctx, cleaned, token); found != "" {
				return c.validate(ctx, found, token, false)
			}
		}
		info.Err = "Model not found: " + cleaned
		return info
	}

	info.ID = resp.ID
	info.Gated = string(resp.Gated) == "true"
	info.Valid = true
	c.logger.Info("model validated", "model_id", info.ID, "gated", info.Gated)
	return info
}

// Search queries the hub's search endpoint sorted by downloads and
// returns the top hit's id, or "" when nothing matches.
func (c *Client) Search(ctx context.Context, term, token string) string {
	cleaned := strings.TrimSpace(term)
	if cleaned == "" {
		return ""
	}

	reqURL := fmt.Sprintf("%s/api/models?search=%s&sort=downloads&direction=-1&limit=5",
		c.baseURL, url.QueryEscape(cleaned))

	body, status, err := c.get(ctx, reqURL, strings.TrimSpace(token))
	if err != nil || status != http.StatusOK {
		c.logger.Debug("model search failed", "term", cleaned, "status", status, "error", err)
		return ""
	}

	var results []modelResponse
	if err := json.Unmarshal(body, &results); err != nil || len(results) == 0 {
		return ""
	}

	c.logger.Info("found model via search", "term", cleaned, "model_id", results[0].ID)
	return results[0].ID
}

func (c *Client) get(ctx context.Context, reqURL, token string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	return body, resp.StatusCode, nil
}

// encodeModelPath URL-encodes a model id for the path, preserving the
// org/name slash.
func encodeModelPath(modelID string) string {
	parts := strings.Split(modelID, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// transportError maps common transport failures to readable strings.
func transportError(err error) string {
	const prefix = "Failed to connect to HuggingFace API: "

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return prefix + "Could not resolve host"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return prefix + "Failed to connect to host"
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return prefix + "Operation timeout"
	}
	var certErr *x509.CertificateInvalidError
	var unknownAuthErr x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuthErr) || errors.As(err, &hostnameErr) {
		return prefix + "SSL certificate problem"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && strings.Contains(urlErr.Err.Error(), "tls") {
		return prefix + "SSL connect error"
	}
	return prefix + err.Error()
}
