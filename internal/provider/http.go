package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient is the default Client backend: a generic REST adapter against a
// LangSmith-shaped sandbox control API (list/get/create), the API the
// original reference app talks to.
type HTTPClient struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
}

// NewHTTPClient builds an HTTPClient against endpoint (e.g.
// "https://api.smith.langchain.com"), authenticating with apiKey.
func NewHTTPClient(endpoint, apiKey string) *HTTPClient {
	return &HTTPClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		apiKey:     apiKey,
	}
}

type listTemplatesResponse struct {
	Templates []struct {
		Name string `json:"name"`
	} `json:"templates"`
}

func (c *HTTPClient) ListTemplateNames(ctx context.Context) ([]string, error) {
	var resp listTemplatesResponse
	if err := c.do(ctx, http.MethodGet, "/v2/sandbox-templates", nil, &resp); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Templates))
	for _, t := range resp.Templates {
		names = append(names, t.Name)
	}
	return names, nil
}

// EnsureTemplate POSTs the template definition. A 409 conflict ("already
// exists") is treated as success, matching the idempotent contract.
func (c *HTTPClient) EnsureTemplate(ctx context.Context, spec TemplateSpec) error {
	body := map[string]string{"name": spec.Name, "image": spec.Image}
	if spec.CPU != "" {
		body["cpu"] = spec.CPU
	}
	if spec.Memory != "" {
		body["memory"] = spec.Memory
	}
	if spec.Storage != "" {
		body["storage"] = spec.Storage
	}

	status, err := c.doStatus(ctx, http.MethodPost, "/v2/sandbox-templates", body)
	if err != nil {
		return err
	}
	if status >= 400 && status != http.StatusConflict {
		return fmt.Errorf("provider: ensure_template failed with status %d", status)
	}
	return nil
}

type sandboxPayload struct {
	Name         string `json:"name"`
	DataplaneURL string `json:"dataplane_url"`
}

func (c *HTTPClient) Get(ctx context.Context, name string) (*Sandbox, error) {
	var payload sandboxPayload
	path := fmt.Sprintf("/v2/sandboxes/%s", name)
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	return sandboxFromPayload(&payload)
}

func (c *HTTPClient) Create(ctx context.Context, templateName, nameHint string) (*Sandbox, error) {
	if templateName == "" {
		names, err := c.ListTemplateNames(ctx)
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("provider: no sandbox templates available")
		}
		templateName = names[0]
	}

	body := map[string]string{"template_name": templateName}
	if nameHint != "" {
		body["name"] = nameHint
	}

	var payload sandboxPayload
	if err := c.do(ctx, http.MethodPost, "/v2/sandboxes", body, &payload); err != nil {
		return nil, err
	}
	return sandboxFromPayload(&payload)
}

func (c *HTTPClient) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/v2/sandbox-templates", nil)
	if err != nil {
		return false
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = strings.NewReader(string(encoded))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("provider: request failed with status %d: %s", resp.StatusCode, string(data))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// doStatus issues a request and returns its status code without decoding the
// body, for callers that only care whether the call succeeded (e.g. an
// idempotent create where a conflict response carries no useful payload).
func (c *HTTPClient) doStatus(ctx context.Context, method, path string, body any) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = strings.NewReader(string(encoded))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("provider: request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func sandboxFromPayload(payload *sandboxPayload) (*Sandbox, error) {
	if payload.Name == "" {
		return nil, fmt.Errorf("provider: sandbox payload missing name")
	}
	if payload.DataplaneURL == "" {
		return nil, fmt.Errorf("provider: sandbox missing dataplane_url")
	}
	return &Sandbox{
		Name:         payload.Name,
		DataplaneURL: strings.TrimSuffix(payload.DataplaneURL, "/"),
	}, nil
}
