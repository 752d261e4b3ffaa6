package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

type apiClient struct {
	endpoint string
	token    string
}

// clientFlags registers the connection flags shared by every ledger command.
func clientFlags(fs *flag.FlagSet) *apiClient {
	c := &apiClient{}
	endpoint := strings.TrimSpace(os.Getenv(endpointEnv))
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	fs.StringVar(&c.endpoint, "endpoint", endpoint, "ledgerd base URL")
	fs.StringVar(&c.token, "token", os.Getenv(tokenEnv), "bearer token identifying the caller")
	return c
}

type apiError struct {
	Status int
	Code   string
	Msg    string
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", e.Msg, e.Status, e.Code)
	}
	return fmt.Sprintf("%s (%d)", e.Msg, e.Status)
}

func (c *apiClient) do(method, path string, body interface{}) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	url := strings.TrimRight(c.endpoint, "/") + path
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := strings.TrimSpace(c.token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &payload) != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(data))
		}
		return nil, &apiError{Status: resp.StatusCode, Code: payload.Code, Msg: payload.Error}
	}
	return data, nil
}

// call performs the request and pretty-prints the JSON result.
func (c *apiClient) call(stdout, stderr io.Writer, method, path string, body interface{}) int {
	data, err := c.do(method, path, body)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		_, _ = stdout.Write(data)
		return 0
	}
	pretty.WriteByte('\n')
	_, _ = pretty.WriteTo(stdout)
	return 0
}

// parseCents accepts either integer cents ("1050") or a decimal token amount
// with at most two fractional digits ("10.50").
func parseCents(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("amount required")
	}
	if !strings.Contains(raw, ".") {
		return parseUnits(raw)
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return "", fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	cents := value.Shift(2)
	if !cents.Equal(cents.Truncate(0)) {
		return "", fmt.Errorf("amount %q has more than two decimal places", raw)
	}
	if cents.Sign() <= 0 {
		return "", fmt.Errorf("amount %q must be positive", raw)
	}
	return cents.String(), nil
}

// parseUnits validates a non-negative integer amount.
func parseUnits(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	value, err := decimal.NewFromString(raw)
	if err != nil || !value.Equal(value.Truncate(0)) || value.Sign() < 0 {
		return "", fmt.Errorf("invalid integer amount %q", raw)
	}
	return value.String(), nil
}
