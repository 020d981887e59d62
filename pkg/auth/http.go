package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxTokenResponse bounds token endpoint response bodies.
const maxTokenResponse = 64 * 1024

// NewHTTPRequester returns a RequestTokenFunc that posts signed requests to
// {baseURL}/keys/{keyName}/requestToken.
func NewHTTPRequester(baseURL string, client *http.Client) RequestTokenFunc {
	if client == nil {
		client = http.DefaultClient
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return func(ctx context.Context, req *TokenRequest) (*TokenDetails, error) {
		body, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		endpoint := baseURL + "/keys/" + url.PathEscape(req.KeyName) + "/requestToken"
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/json")

		var td TokenDetails
		if err := doJSON(client, httpReq, &td); err != nil {
			return nil, fmt.Errorf("request token: %w", err)
		}
		return &td, nil
	}
}

// NewAuthURLCallback returns an AuthCallback that fetches a token, token
// details or signed token request from authURL. Token params are passed as
// query parameters.
func NewAuthURLCallback(authURL string, client *http.Client) AuthCallback {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, params TokenParams) (any, error) {
		u, err := url.Parse(authURL)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		if params.ClientID != "" {
			q.Set("clientId", params.ClientID)
		}
		if params.Capability != "" {
			q.Set("capability", params.Capability)
		}
		if params.TTL > 0 {
			q.Set("ttl", fmt.Sprint(params.TTL.Milliseconds()))
		}
		u.RawQuery = q.Encode()

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode/100 != 2 {
			return nil, fmt.Errorf("auth url: %s", resp.Status)
		}
		return parseAuthResponse(resp.Header.Get("Content-Type"), raw)
	}
}

// parseAuthResponse interprets an auth endpoint body. JSON bodies with a
// "mac" field are token requests, JSON bodies with a "token" field are token
// details; anything else is a literal token.
func parseAuthResponse(contentType string, raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if strings.HasPrefix(contentType, "application/json") || bytes.HasPrefix(trimmed, []byte("{")) {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, fmt.Errorf("auth url: invalid JSON: %w", err)
		}
		if _, ok := fields["mac"]; ok {
			var req TokenRequest
			if err := json.Unmarshal(trimmed, &req); err != nil {
				return nil, err
			}
			return &req, nil
		}
		if _, ok := fields["token"]; ok {
			var td TokenDetails
			if err := json.Unmarshal(trimmed, &td); err != nil {
				return nil, err
			}
			return &td, nil
		}
		return nil, fmt.Errorf("auth url: JSON response is neither a token nor a token request")
	}
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("auth url: empty response")
	}
	return string(trimmed), nil
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	return json.Unmarshal(raw, out)
}
