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

package carenote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/carenote/carenote/config"
	"github.com/carenote/carenote/internal/request"
	"github.com/carenote/carenote/model"
)

// HTTPExecutor invokes a capability served over HTTP. The stage input is
// posted as JSON and the response body is decoded as a StageOutput.
type HTTPExecutor struct {
	capability    model.Capability
	endpoint      string
	apiKey        string
	requireAPIKey bool
	client        *http.Client
	limiter       *rate.Limiter
}

func NewHTTPExecutor(capability model.Capability, cc config.CapabilityConfig) *HTTPExecutor {
	limit := rate.Inf
	burst := 1
	if cc.RequestsPerSecond > 0 {
		limit = rate.Limit(cc.RequestsPerSecond)
		burst = int(cc.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &HTTPExecutor{
		capability:    capability,
		endpoint:      cc.Endpoint,
		apiKey:        cc.APIKey,
		requireAPIKey: cc.RequireAPIKey,
		// The retry controller sets the per-attempt deadline on the request context.
		client:  &http.Client{},
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, in *StageInput) (*StageOutput, error) {
	if e.endpoint == "" {
		return nil, FatalConfigError(fmt.Sprintf("no endpoint configured for %s", e.capability), nil)
	}
	if e.requireAPIKey && e.apiKey == "" {
		return nil, FatalConfigError(fmt.Sprintf("no api key configured for %s", e.capability), nil)
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, TransientError("rate limiter wait cancelled", err)
	}

	body, err := request.ToJsonReq(in)
	if err != nil {
		return nil, InvalidError("stage input cannot be encoded", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, body)
	if err != nil {
		return nil, FatalConfigError(fmt.Sprintf("invalid endpoint for %s", e.capability), err)
	}
	req.Header.Set("Idempotency-Key", in.Fingerprint)
	req.Header.Set("X-Capability", string(e.capability))
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	var out StageOutput
	resp, err := request.CallWithClient(e.client, req, &out)
	if err != nil {
		return nil, e.classify(resp, err)
	}
	return &out, nil
}

// classify maps an HTTP outcome onto the stage error taxonomy.
func (e *HTTPExecutor) classify(resp *http.Response, err error) error {
	var statusErr *request.StatusError
	if errors.As(err, &statusErr) {
		msg := fmt.Sprintf("%s returned %d", e.capability, statusErr.StatusCode)
		switch {
		case statusErr.StatusCode == http.StatusBadRequest, statusErr.StatusCode == http.StatusUnprocessableEntity:
			return InvalidError(msg, err)
		case statusErr.StatusCode == http.StatusUnauthorized, statusErr.StatusCode == http.StatusForbidden:
			return FatalConfigError(msg, err)
		case statusErr.StatusCode == http.StatusTooManyRequests, statusErr.StatusCode == http.StatusServiceUnavailable:
			return CapacityError(msg, err)
		default:
			return TransientError(msg, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return TransientError(fmt.Sprintf("%s timed out", e.capability), err)
	}
	if resp != nil {
		// The request went through but the body could not be decoded.
		return InvalidError(fmt.Sprintf("%s returned a malformed response", e.capability), err)
	}
	return TransientError(fmt.Sprintf("%s is unreachable", e.capability), err)
}
