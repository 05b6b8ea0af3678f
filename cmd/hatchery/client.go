// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/juju/errors"
)

// apiClient is a thin authenticated JSON client for the control API.
type apiClient struct {
	url   string
	token string
	httpc *http.Client
}

func newAPIClient(url, token string) *apiClient {
	return &apiClient{
		url:   url,
		token: token,
		httpc: &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError carries the server's error body alongside the status.
type apiError struct {
	Status  int
	Kind    string
	Message string
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("%s (status %d)", e.Kind, e.Status)
}

func (c *apiClient) do(method, path string, body interface{}) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Trace(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.url+path, reader)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Annotate(err, "calling control API")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode}
		var body struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &body) == nil {
			apiErr.Kind = body.Error
			apiErr.Message = body.Message
		}
		return nil, apiErr
	}
	return raw, nil
}

func (c *apiClient) get(path string) (json.RawMessage, error) {
	return c.do("GET", path, nil)
}

func (c *apiClient) post(path string, body interface{}) (json.RawMessage, error) {
	return c.do("POST", path, body)
}
