package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"workflow-gateway/backend/pkg/models"
)

// HTTPClient is an HTTP implementation of the Executor interface, talking to
// an execution engine sidecar.
type HTTPClient struct {
	url    string
	client *http.Client
}

// NewHTTPClient creates a new HTTPClient for the given sidecar base URL.
func NewHTTPClient(url string) *HTTPClient {
	return &HTTPClient{url: url, client: http.DefaultClient}
}

type executeRequest struct {
	Workflow   string               `json:"workflow"`
	Parameters *models.ParameterSet `json:"parameters"`
}

type executeResponse struct {
	Output map[string]any `json:"output"`
	Error  string         `json:"error,omitempty"`
}

// Execute posts the workflow name and the full parameter set to the sidecar
// and decodes the resulting output map.
func (c *HTTPClient) Execute(ctx context.Context, handle *models.WorkflowHandle, params *models.ParameterSet) (map[string]any, error) {
	requestBody, err := json.Marshal(executeRequest{Workflow: handle.Name, Parameters: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execute request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/execute", bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executor request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("executor returned status %d", resp.StatusCode)
	}

	var out executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode executor response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("execution failed: %s", out.Error)
	}
	return out.Output, nil
}
