/*
Copyright 2024 Carenote Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package device is the offline-first agent that runs on a clinic device. It
// drains the local cache to the server whenever a connection is available.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/carenote/carenote/internal/apierror"
	"github.com/carenote/carenote/internal/request"
	"github.com/carenote/carenote/model"
)

// KeyHeader carries the server secret key.
const KeyHeader = "X-Carenote-Key"

// DeviceHeader identifies this device to the server rate limiter.
const DeviceHeader = "X-Device-ID"

// ChunkHashHeader carries the hex SHA-256 of a chunk body.
const ChunkHashHeader = "X-Chunk-Hash"

// Client talks to the carenote server. Requests that fail on the network or
// with a 5xx or 429 are retried with exponential backoff; every other error
// is returned as an apierror.APIError decoded from the response.
type Client struct {
	baseURL    string
	apiKey     string
	deviceID   string
	http       *http.Client
	maxElapsed time.Duration
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

func WithDeviceID(id string) ClientOption {
	return func(c *Client) { c.deviceID = id }
}

// WithMaxElapsed bounds the time spent retrying a single request.
func WithMaxElapsed(d time.Duration) ClientOption {
	return func(c *Client) { c.maxElapsed = d }
}

func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		http:       &http.Client{Timeout: 60 * time.Second},
		maxElapsed: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) StartUpload(ctx context.Context, session model.UploadSession) (*model.UploadSession, error) {
	var out model.UploadSession
	if err := c.doJSON(ctx, http.MethodPost, "/uploads", session, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadStatus returns the ranges the server holds for a session.
func (c *Client) UploadStatus(ctx context.Context, sessionID string) (*model.ChunkAck, error) {
	var out model.ChunkAck
	if err := c.doJSON(ctx, http.MethodGet, "/uploads/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PutChunk(ctx context.Context, sessionID string, offset int64, data []byte) (*model.ChunkAck, error) {
	path := fmt.Sprintf("/uploads/%s/chunks?offset=%s", url.PathEscape(sessionID), strconv.FormatInt(offset, 10))
	headers := map[string]string{
		"Content-Type":  "application/octet-stream",
		ChunkHashHeader: model.HashBytes(data),
	}
	var out model.ChunkAck
	if err := c.do(ctx, http.MethodPut, path, data, headers, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FinalizeUpload(ctx context.Context, sessionID string) (*model.FinalizeResult, error) {
	var out model.FinalizeResult
	if err := c.doJSON(ctx, http.MethodPost, "/uploads/"+url.PathEscape(sessionID)+"/finalize", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Sync(ctx context.Context, env model.SyncEnvelope) (*model.SyncResponse, error) {
	var out model.SyncResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sync", env, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return err
		}
	}
	return c.do(ctx, method, path, raw, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string, out interface{}) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = c.maxElapsed

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if c.apiKey != "" {
			req.Header.Set(KeyHeader, c.apiKey)
		}
		if c.deviceID != "" {
			req.Header.Set(DeviceHeader, c.deviceID)
		}

		_, err = request.CallWithClient(c.http, req, out)
		if err == nil {
			return nil
		}
		var statusErr *request.StatusError
		if errors.As(err, &statusErr) {
			apiErr := decodeError(statusErr)
			if statusErr.Temporary() {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return apierror.Wrap(apierror.ErrTransient, "server unreachable", err)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logrus.WithFields(logrus.Fields{"method": method, "path": path, "attempt": attempt}).
			WithError(err).Debugf("request failed, retrying in %s", next)
	})
}

// decodeError rebuilds the server's APIError from an error response.
func decodeError(statusErr *request.StatusError) apierror.APIError {
	var apiErr apierror.APIError
	if err := json.Unmarshal([]byte(statusErr.Body), &apiErr); err == nil && apiErr.Code != "" {
		apiErr.Err = statusErr
		return apiErr
	}
	code := apierror.ErrInternalServer
	switch {
	case statusErr.StatusCode == http.StatusNotFound:
		code = apierror.ErrNotFound
	case statusErr.StatusCode == http.StatusTooManyRequests:
		code = apierror.ErrCapacity
	case statusErr.StatusCode >= 500:
		code = apierror.ErrTransient
	case statusErr.StatusCode >= 400:
		code = apierror.ErrBadRequest
	}
	return apierror.APIError{Code: code, Message: strings.TrimSpace(statusErr.Body), Err: statusErr}
}

// resumeOffset reads the offset an IncompleteUpload error asks the client to continue from.
func resumeOffset(err error) (int64, bool) {
	var apiErr apierror.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != apierror.ErrIncompleteUpload {
		return 0, false
	}
	details, ok := apiErr.Details.(map[string]interface{})
	if !ok {
		return 0, false
	}
	switch v := details["resume_from_offset"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}
