// Package superops is a client for the SuperOps MSP platform GraphQL API.
// It exposes the device inventory, patch catalog, alert feed, and patch
// deployment capabilities consumed by the scheduling subsystem.
package superops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
)

const (
	endpointUS = "https://api.superops.ai/graphql"
	endpointEU = "https://api-eu.superops.ai/graphql"

	// Deployment calls are slower than reads; both stay bounded
	requestTimeout = 30 * time.Second
)

// Config holds the connection settings for the SuperOps API.
type Config struct {
	APIToken   string
	Subdomain  string
	DataCenter string // "us" or "eu"
}

// Client talks to the SuperOps GraphQL endpoint. Calls are routed through a
// circuit breaker so a platform outage fails fast instead of stacking up
// 30-second timeouts.
type Client struct {
	endpoint   string
	subdomain  string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[json.RawMessage]
	logger     *slog.Logger
}

// NewClient creates a SuperOps client authenticated with a static bearer
// token.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	endpoint := endpointUS
	if cfg.DataCenter == "eu" {
		endpoint = endpointEU
	}

	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIToken})
	httpClient := oauth2.NewClient(context.Background(), source)
	httpClient.Timeout = requestTimeout

	settings := gobreaker.Settings{
		Name:    "superops",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &Client{
		endpoint:   endpoint,
		subdomain:  cfg.Subdomain,
		httpClient: httpClient,
		breaker:    gobreaker.NewCircuitBreaker[json.RawMessage](settings),
		logger:     logger,
	}
}

// Device is one entry in the managed device inventory.
type Device struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DeviceType string `json:"deviceType"`
	OSName     string `json:"osName"`
	IPAddress  string `json:"primaryIpAddress"`
	MACAddress string `json:"macAddress"`
	LastSeenAt string `json:"lastSeenAt"`
	ClientName string `json:"clientName"`
	SiteName   string `json:"siteName"`
}

// Patch is one entry in the platform patch catalog.
type Patch struct {
	ID                  string `json:"id"`
	Title               string `json:"title"`
	Description         string `json:"description"`
	Severity            string `json:"severity"`
	Category            string `json:"category"`
	ReleaseDate         string `json:"releaseDate"`
	Status              string `json:"status"`
	KBArticleID         string `json:"kbArticleId"`
	AffectedDeviceCount int    `json:"affectedDeviceCount"`
}

// Alert is an active platform alert.
type Alert struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Status      string `json:"status"`
	DeviceID    string `json:"deviceId"`
	DeviceName  string `json:"deviceName"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

// DeploymentAck is the platform's acknowledgement of a deployPatch mutation.
type DeploymentAck struct {
	DeploymentID string `json:"deploymentId"`
	Status       string `json:"status"`
	Message      string `json:"message"`
	ScheduledFor string `json:"scheduledFor"`
}

const devicesQuery = `
	query {
		devices {
			nodes {
				id
				name
				deviceType
				osName
				primaryIpAddress
				macAddress
				lastSeenAt
				clientName
				siteName
			}
		}
	}`

const patchesQuery = `
	query {
		patches {
			nodes {
				id
				title
				description
				severity
				category
				releaseDate
				status
				kbArticleId
				affectedDeviceCount
			}
		}
	}`

const alertsQuery = `
	query {
		alerts {
			nodes {
				id
				title
				description
				severity
				status
				deviceId
				deviceName
				createdAt
				updatedAt
			}
		}
	}`

const deployPatchMutation = `
	mutation DeployPatch($input: PatchDeploymentInput!) {
		deployPatch(input: $input) {
			deploymentId
			status
			message
			scheduledFor
		}
	}`

const updateAlertMutation = `
	mutation UpdateAlert($input: AlertUpdateInput!) {
		updateAlert(input: $input) {
			alertId
			status
			updatedAt
		}
	}`

// FetchDevices returns the managed device inventory.
func (c *Client) FetchDevices(ctx context.Context) ([]Device, error) {
	var payload struct {
		Devices struct {
			Nodes []Device `json:"nodes"`
		} `json:"devices"`
	}
	if err := c.query(ctx, devicesQuery, nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch device inventory: %w", err)
	}
	return payload.Devices.Nodes, nil
}

// FetchPatches returns the available patch catalog.
func (c *Client) FetchPatches(ctx context.Context) ([]Patch, error) {
	var payload struct {
		Patches struct {
			Nodes []Patch `json:"nodes"`
		} `json:"patches"`
	}
	if err := c.query(ctx, patchesQuery, nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch patches: %w", err)
	}
	return payload.Patches.Nodes, nil
}

// FetchAlerts returns platform alerts.
func (c *Client) FetchAlerts(ctx context.Context) ([]Alert, error) {
	var payload struct {
		Alerts struct {
			Nodes []Alert `json:"nodes"`
		} `json:"alerts"`
	}
	if err := c.query(ctx, alertsQuery, nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch alerts: %w", err)
	}
	return payload.Alerts.Nodes, nil
}

// DeployPatch asks the platform to push patches to devices immediately.
func (c *Client) DeployPatch(ctx context.Context, deviceIDs, patchIDs []string) (DeploymentAck, error) {
	variables := map[string]interface{}{
		"input": map[string]interface{}{
			"deviceIds": deviceIDs,
			"patchIds":  patchIDs,
		},
	}

	var payload struct {
		DeployPatch DeploymentAck `json:"deployPatch"`
	}
	if err := c.query(ctx, deployPatchMutation, variables, &payload); err != nil {
		return DeploymentAck{}, fmt.Errorf("failed to deploy patch: %w", err)
	}
	return payload.DeployPatch, nil
}

// UpdateAlertStatus transitions an alert (acknowledge, resolve).
func (c *Client) UpdateAlertStatus(ctx context.Context, alertID, status, notes string) error {
	variables := map[string]interface{}{
		"input": map[string]interface{}{
			"alertId": alertID,
			"status":  status,
			"notes":   notes,
		},
	}

	var payload struct {
		UpdateAlert struct {
			AlertID string `json:"alertId"`
			Status  string `json:"status"`
		} `json:"updateAlert"`
	}
	if err := c.query(ctx, updateAlertMutation, variables, &payload); err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	return nil
}

// SetEndpoint overrides the GraphQL endpoint. Used by tests.
func (c *Client) SetEndpoint(endpoint string) {
	c.endpoint = endpoint
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) query(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	data, err := c.breaker.Execute(func() (json.RawMessage, error) {
		return c.do(ctx, query, variables)
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, query string, variables map[string]interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("CustomerSubDomain", c.subdomain)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, respBody)
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(respBody, &gqlResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(gqlResp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", gqlResp.Errors[0].Message)
	}

	return gqlResp.Data, nil
}
