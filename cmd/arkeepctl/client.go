package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type ArkeepClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

func NewArkeepClient(baseURL string) *ArkeepClient {
	return &ArkeepClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// do issues a request and decodes the JSON response into out, turning
// structured error bodies into Go errors.
func (c *ArkeepClient) do(method, path string, reqBody, out interface{}) error {
	var body io.Reader
	if reqBody != nil {
		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("server error: %s - %s", errResp.Error, errResp.Message)
		}
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func (c *ArkeepClient) get(path string, out interface{}) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *ArkeepClient) post(path string, reqBody, out interface{}) error {
	return c.do(http.MethodPost, path, reqBody, out)
}

func (c *ArkeepClient) put(path string, reqBody, out interface{}) error {
	return c.do(http.MethodPut, path, reqBody, out)
}

func (c *ArkeepClient) delete(path string, out interface{}) error {
	return c.do(http.MethodDelete, path, nil, out)
}
