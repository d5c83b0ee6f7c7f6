package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/openfroyo/stackctl/pkg/health"
)

// Names of the objects PushConfiguration manages.
const (
	RetentionPolicyName = "ids-retention"
	IndexTemplateName   = "ids-template"
	IndexPattern        = "suricata-*"
	DataViewName        = "Suricata Full Specs"
)

var errUnauthorized = errors.New("unauthorized")

// searchClient talks to the search service and dashboard HTTP APIs.
type searchClient struct {
	endpoints health.Endpoints
	address   string
	password  string
	client    *http.Client
}

func (c *searchClient) do(ctx context.Context, method, url string, body any, dashboard bool) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, err
	}
	req.SetBasicAuth(health.ServiceUser, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if dashboard {
		req.Header.Set("kbn-xsrf", "true")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, errUnauthorized
	}
	return resp.StatusCode, nil
}

func (c *searchClient) searchURL(path string) string {
	return c.endpoints.SearchURL(c.address) + path
}

// info fetches the cluster root document.
func (c *searchClient) info(ctx context.Context) error {
	status, err := c.do(ctx, http.MethodGet, c.searchURL("/"), nil, false)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("search service info returned status %d", status)
	}
	return nil
}

// ensure creates the object at path with body unless GET finds it.
func (c *searchClient) ensure(ctx context.Context, path string, body any) (bool, error) {
	status, err := c.do(ctx, http.MethodGet, c.searchURL(path), nil, false)
	if err != nil {
		return false, err
	}
	if status == http.StatusOK {
		return false, nil
	}

	status, err = c.do(ctx, http.MethodPut, c.searchURL(path), body, false)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return false, fmt.Errorf("PUT %s returned status %d", path, status)
	}
	return true, nil
}

func (c *searchClient) ensureRetentionPolicy(ctx context.Context) (bool, error) {
	return c.ensure(ctx, "/_ilm/policy/"+RetentionPolicyName, map[string]any{
		"policy": map[string]any{
			"phases": map[string]any{
				"hot": map[string]any{
					"actions": map[string]any{
						"rollover": map[string]any{"max_age": "1d"},
					},
				},
				"delete": map[string]any{
					"min_age": "7d",
					"actions": map[string]any{"delete": map[string]any{}},
				},
			},
		},
	})
}

func (c *searchClient) ensureIndexTemplate(ctx context.Context) (bool, error) {
	field := func(t string) map[string]any { return map[string]any{"type": t} }
	return c.ensure(ctx, "/_index_template/"+IndexTemplateName, map[string]any{
		"index_patterns": []string{IndexPattern},
		"template": map[string]any{
			"settings": map[string]any{"index.lifecycle.name": RetentionPolicyName},
			"mappings": map[string]any{
				"properties": map[string]any{
					"@timestamp": field("date"),
					"src_ip":     field("ip"),
					"dest_ip":    field("ip"),
					"src_port":   field("integer"),
					"dest_port":  field("integer"),
					"proto":      field("keyword"),
					"event_type": field("keyword"),
					"flow": map[string]any{
						"properties": map[string]any{"total_bytes": field("long")},
					},
					"alert": map[string]any{
						"properties": map[string]any{
							"severity":  field("integer"),
							"signature": field("keyword"),
						},
					},
				},
			},
		},
	})
}

// ensureDataView creates the dashboard data view. Conflicts and duplicate
// rejections mean it already exists.
func (c *searchClient) ensureDataView(ctx context.Context) error {
	status, err := c.do(ctx, http.MethodPost, c.endpoints.DashboardURL(c.address, "/api/data_views/data_view"), map[string]any{
		"data_view": map[string]any{
			"title":         IndexPattern,
			"name":          DataViewName,
			"timeFieldName": "@timestamp",
		},
	}, true)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusConflict, http.StatusBadRequest:
		return nil
	default:
		return fmt.Errorf("data view creation returned status %d", status)
	}
}
