/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package twin is the REST transport to the AAS and submodel repositories.
// Every identifier travels Base64URL-encoded without padding; idShort
// paths are percent-encoded per segment. All requests pass through the
// circuit breaker: transport errors and 5xx responses count as failures,
// 4xx responses are client errors and count as successes.
package twin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-logr/logr"

	"github.com/mkessel/twinward/internal/aas"
	"github.com/mkessel/twinward/internal/breaker"
)

// ErrNotFound marks a 404 from the twin.
var ErrNotFound = errors.New("twin: not found")

// StatusError carries a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("twin returned %d: %s", e.Code, e.Body)
}

// Config configures the client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the twin repositories.
type Client struct {
	base    string
	http    *http.Client
	breaker *breaker.Breaker
	log     logr.Logger
}

// NewClient creates a twin client guarded by the given breaker.
func NewClient(cfg Config, br *breaker.Breaker, log logr.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:    cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: br,
		log:     log,
	}
}

// do runs one breaker-guarded request. 2xx responses are decoded into out
// when out is non-nil and the body is non-empty.
func (c *Client) do(ctx context.Context, method, url string, body any, out any) (int, error) {
	if c.breaker != nil && !c.breaker.CanExecute() {
		return 0, c.breaker.OpenError()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if c.breaker != nil {
			c.breaker.RecordFailure()
		}
		return 0, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if c.breaker != nil {
			c.breaker.RecordFailure()
		}
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		if c.breaker != nil {
			c.breaker.RecordFailure()
		}
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}

	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, fmt.Errorf("%s %s: %w", method, url, ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// GetShell fetches a shell by identifier.
func (c *Client) GetShell(ctx context.Context, shellID string) (*aas.Shell, error) {
	var shell aas.Shell
	url := c.base + "/shells/" + aas.EncodeID(shellID)
	if _, err := c.do(ctx, http.MethodGet, url, nil, &shell); err != nil {
		return nil, err
	}
	return &shell, nil
}

// ListSubmodelRefs returns the submodel identifiers a shell references.
func (c *Client) ListSubmodelRefs(ctx context.Context, shellID string) ([]string, error) {
	url := c.base + "/shells/" + aas.EncodeID(shellID) + "/submodel-refs"
	var raw json.RawMessage
	if _, err := c.do(ctx, http.MethodGet, url, nil, &raw); err != nil {
		return nil, err
	}

	// Repositories answer either a bare array or a paginated envelope.
	var refs []aas.Reference
	if err := json.Unmarshal(raw, &refs); err != nil {
		var envelope struct {
			Result []aas.Reference `json:"result"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, fmt.Errorf("decode submodel refs: %w", err)
		}
		refs = envelope.Result
	}

	var ids []string
	for _, ref := range refs {
		for _, key := range ref.Keys {
			if key.Value != "" {
				ids = append(ids, key.Value)
				break
			}
		}
	}
	return ids, nil
}

// GetSubmodel fetches a submodel by identifier.
func (c *Client) GetSubmodel(ctx context.Context, submodelID string) (*aas.Submodel, error) {
	var sm aas.Submodel
	url := c.base + "/submodels/" + aas.EncodeID(submodelID)
	if _, err := c.do(ctx, http.MethodGet, url, nil, &sm); err != nil {
		return nil, err
	}
	return &sm, nil
}

// GetElement fetches one submodel element by idShort path.
func (c *Client) GetElement(ctx context.Context, submodelID, path string) (*aas.Element, error) {
	var el aas.Element
	url := c.elementURL(submodelID, path)
	if _, err := c.do(ctx, http.MethodGet, url, nil, &el); err != nil {
		return nil, err
	}
	return &el, nil
}

// GetPropertyValue reads a property's value-only representation.
func (c *Client) GetPropertyValue(ctx context.Context, submodelID, path string) (any, error) {
	var v any
	url := c.elementURL(submodelID, path) + "/$value"
	if _, err := c.do(ctx, http.MethodGet, url, nil, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// SetPropertyValue writes a property's value-only representation.
func (c *Client) SetPropertyValue(ctx context.Context, submodelID, path string, value any) error {
	url := c.elementURL(submodelID, path) + "/$value"
	_, err := c.do(ctx, http.MethodPut, url, value, nil)
	return err
}

// Twin is a snapshot of the shell plus every reachable submodel.
type Twin struct {
	Shell     *aas.Shell
	Submodels map[string]*aas.Submodel
}

// GetFullTwin composes shell + submodel refs + each submodel. Referenced
// submodels that do not exist are logged and skipped; the snapshot is a
// partial success.
func (c *Client) GetFullTwin(ctx context.Context, shellID string) (*Twin, error) {
	shell, err := c.GetShell(ctx, shellID)
	if err != nil {
		return nil, fmt.Errorf("get shell: %w", err)
	}
	ids, err := c.ListSubmodelRefs(ctx, shellID)
	if err != nil {
		return nil, fmt.Errorf("list submodel refs: %w", err)
	}

	twin := &Twin{Shell: shell, Submodels: make(map[string]*aas.Submodel, len(ids))}
	for _, id := range ids {
		sm, err := c.GetSubmodel(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				c.log.Info("referenced submodel missing, skipping", "submodelId", id)
				continue
			}
			return nil, fmt.Errorf("get submodel %s: %w", id, err)
		}
		twin.Submodels[id] = sm
	}
	return twin, nil
}

// InvokeResult is the outcome of an operation invocation.
type InvokeResult struct {
	StatusCode int
	JobID      string
	Output     map[string]any
}

// InvokeOperation posts to an operation's $invoke or $invoke-async
// endpoint. Both 200 and 202 are success.
func (c *Client) InvokeOperation(ctx context.Context, submodelID, path string, args map[string]any, clientContext map[string]any, async bool) (*InvokeResult, error) {
	suffix := "/$invoke"
	if async {
		suffix = "/$invoke-async"
	}
	url := c.elementURL(submodelID, path) + suffix
	return c.invoke(ctx, url, invokeBody(args, clientContext))
}

// InvokeDelegated posts to an operation's delegation endpoint, carrying
// the simulate flag in the client context.
func (c *Client) InvokeDelegated(ctx context.Context, url string, args map[string]any, simulate bool) (*InvokeResult, error) {
	return c.invoke(ctx, url, invokeBody(args, map[string]any{"simulate": simulate}))
}

func (c *Client) invoke(ctx context.Context, url string, body map[string]any) (*InvokeResult, error) {
	var out map[string]any
	status, err := c.do(ctx, http.MethodPost, url, body, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		return nil, &StatusError{Code: status}
	}
	res := &InvokeResult{StatusCode: status, Output: out}
	if id, ok := out["jobId"].(string); ok {
		res.JobID = id
	}
	return res, nil
}

func invokeBody(args map[string]any, clientContext map[string]any) map[string]any {
	names := make([]string, 0, len(args))
	for k := range args {
		names = append(names, k)
	}
	sort.Strings(names)

	inputs := make([]map[string]any, 0, len(args))
	for _, k := range names {
		inputs = append(inputs, map[string]any{"idShort": k, "value": args[k]})
	}
	body := map[string]any{"inputArguments": inputs}
	if len(clientContext) > 0 {
		body["clientContext"] = clientContext
	}
	return body
}

// JobStatus is the HTTP fallback view of an async job.
type JobStatus struct {
	Status string         `json:"status"`
	Raw    map[string]any `json:"-"`
}

// GetJobStatus queries the $result endpoint for an async job. It is the
// fallback path when the event bus is stale.
func (c *Client) GetJobStatus(ctx context.Context, submodelID, path, jobID string) (*JobStatus, error) {
	url := c.elementURL(submodelID, path) + "/$result?jobId=" + jobID
	var raw map[string]any
	if _, err := c.do(ctx, http.MethodGet, url, nil, &raw); err != nil {
		return nil, err
	}
	js := &JobStatus{Raw: raw}
	if s, ok := raw["status"].(string); ok {
		js.Status = s
	}
	return js, nil
}

func (c *Client) elementURL(submodelID, path string) string {
	return c.base + "/submodels/" + aas.EncodeID(submodelID) + "/submodel-elements/" + aas.EncodeElementPath(path)
}
