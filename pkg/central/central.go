// Package central is the typed HTTP client for the central orchestration
// server. Every call carries the agent's bearer credential and a fixed
// timeout; connection failures and 5xx responses are classified transient
// so callers can decide between retrying and dropping the sample.
package central

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrUnauthorized is returned on a 401: the configured API key is wrong.
// Fatal during registration, logged and dropped during normal operation.
var ErrUnauthorized = errors.New("central server rejected credentials")

// BadRequestError is returned on a 422: the server refused the payload.
type BadRequestError struct {
	Msg string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("central server rejected payload: %s", e.Msg)
}

// transientError marks timeouts, connection failures, and 5xx responses.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// IsTransient reports whether err is worth retrying on the next tick.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Command is one unit of work pulled from the server. Payload stays raw
// until the dispatcher knows the command type.
type Command struct {
	CommandID   string          `json:"command_id"`
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload"`
}

// RegisterRequest is the one-time registration payload.
type RegisterRequest struct {
	AgentID string      `json:"agent_id"`
	GPU     GPUInfo     `json:"gpu"`
	Host    HostInfo    `json:"host"`
	Network NetworkInfo `json:"network"`
}

// GPUInfo describes the GPU hardware for registration.
type GPUInfo struct {
	Name              string `json:"name"`
	VRAMTotalMB       int64  `json:"vram_total_mb"`
	DriverVersion     string `json:"driver_version"`
	CUDAVersion       string `json:"cuda_version"`
	ComputeCapability string `json:"compute_capability"`
}

// HostInfo describes the machine around the GPU.
type HostInfo struct {
	CPU   string `json:"cpu"`
	RAMMB int64  `json:"ram_mb"`
	OS    string `json:"os"`
}

// NetworkInfo describes how tenants reach this host.
type NetworkInfo struct {
	PublicIP    string `json:"public_ip"`
	SSHPort     int    `json:"ssh_port"`
	RentalPort1 int    `json:"rental_port_1"`
	RentalPort2 int    `json:"rental_port_2"`
}

// MetricsPayload is the combined GPU sample and system snapshot pushed on
// the metrics interval. Best-effort.
type MetricsPayload struct {
	AgentID        string   `json:"agent_id"`
	GPUUUID        string   `json:"gpu_uuid"`
	GPUUtilization *float64 `json:"gpu_utilization"`
	VRAMUsedMB     *int64   `json:"vram_used_mb"`
	Temperature    *float64 `json:"temperature_celsius"`
	PowerDraw      *float64 `json:"power_draw_watts"`
	FanSpeed       *float64 `json:"fan_speed_percent"`
	CPUUtilization float64  `json:"cpu_utilization"`
	RAMUsedGB      float64  `json:"ram_used_gb"`
	StorageUsedGB  float64  `json:"storage_used_gb"`
	UptimeHours    float64  `json:"uptime_hours"`
	Timestamp      string   `json:"timestamp"`
}

// HealthPayload is the health push: the stored health flags plus the two
// derived performance scores. Best-effort.
type HealthPayload struct {
	AgentID          string  `json:"agent_id"`
	GPUUUID          string  `json:"gpu_uuid"`
	IsHealthy        bool    `json:"is_healthy"`
	Status           string  `json:"status"`
	TemperatureOK    bool    `json:"temperature_ok"`
	PowerOK          bool    `json:"power_ok"`
	DriverOK         bool    `json:"driver_ok"`
	ECCOK            bool    `json:"ecc_ok"`
	FanOK            bool    `json:"fan_ok"`
	ErrorCount       int     `json:"error_count"`
	PerformanceScore float64 `json:"gpu_performance_score"`
	StabilityScore   float64 `json:"system_stability_score"`
	LastHealthCheck  string  `json:"last_health_check,omitempty"`
	Timestamp        string  `json:"timestamp"`
}

// SSHAccess is the ssh block of a deploy success notification.
type SSHAccess struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Command  string `json:"command"`
}

// RentalPort describes one of the two rental ports in the access info.
type RentalPort struct {
	Port        int    `json:"port"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Token       string `json:"token,omitempty"`
	FullURL     string `json:"full_url,omitempty"`
}

// AccessInfo tells the renter how to reach their tenant.
type AccessInfo struct {
	PublicIP     string         `json:"public_ip"`
	SSH          SSHAccess      `json:"ssh"`
	PortMappings map[string]int `json:"port_mappings"`
	RentalPorts  struct {
		Port1 RentalPort `json:"port_1"`
		Port2 RentalPort `json:"port_2"`
	} `json:"rental_ports"`
}

// DeploySuccess is the body of the deploy success notification.
type DeploySuccess struct {
	DeploymentID string     `json:"deployment_id"`
	Status       string     `json:"status"`
	ContainerID  string     `json:"container_id"`
	AccessInfo   AccessInfo `json:"access_info"`
}

// Client calls the central server's host-agent API.
type Client struct {
	http    *resty.Client
	agentID string
}

// Config configures the central server client.
type Config struct {
	BaseURL string
	APIKey  string
	AgentID string
	Timeout time.Duration
}

// New creates a client. Timeout defaults to 30s when unset.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{http: http, agentID: cfg.AgentID}
}

// Register announces the agent and returns the server-assigned GPU uuid.
// A 409 means the host is already registered; the existing uuid is adopted.
func (c *Client) Register(ctx context.Context, req *RegisterRequest) (string, error) {
	var result struct {
		GPUUUID string `json:"gpu_uuid"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		SetError(&result).
		Post("/api/host-agents/register")
	if err != nil {
		return "", &transientError{fmt.Errorf("registration request failed: %w", err)}
	}

	switch resp.StatusCode() {
	case 200:
		return result.GPUUUID, nil
	case 409:
		if result.GPUUUID == "" {
			return "", &transientError{fmt.Errorf("already registered but server returned no gpu_uuid")}
		}
		return result.GPUUUID, nil
	case 401:
		return "", ErrUnauthorized
	case 422:
		msg := result.Error
		if msg == "" {
			msg = resp.String()
		}
		return "", &BadRequestError{Msg: msg}
	default:
		return "", &transientError{fmt.Errorf("registration failed with status %d", resp.StatusCode())}
	}
}

// Heartbeat tells the server this agent is alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	body := map[string]string{
		"agent_id":  c.agentID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"status":    "online",
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("agent", c.agentID).
		SetBody(body).
		Post("/api/host-agents/{agent}/heartbeat")
	if err != nil {
		return &transientError{fmt.Errorf("heartbeat failed: %w", err)}
	}
	return classify(resp, "heartbeat")
}

// PollCommands fetches pending commands, in server order.
func (c *Client) PollCommands(ctx context.Context) ([]Command, error) {
	var result struct {
		Commands []Command `json:"commands"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("agent", c.agentID).
		SetResult(&result).
		Get("/api/host-agents/{agent}/commands")
	if err != nil {
		return nil, &transientError{fmt.Errorf("command poll failed: %w", err)}
	}
	if err := classify(resp, "command poll"); err != nil {
		return nil, err
	}
	return result.Commands, nil
}

// Ack acknowledges a command so the server stops redelivering it.
func (c *Client) Ack(ctx context.Context, commandID, status string) error {
	body := map[string]string{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("agent", c.agentID).
		SetPathParam("cmd", commandID).
		SetBody(body).
		Post("/api/host-agents/{agent}/commands/{cmd}/ack")
	if err != nil {
		return &transientError{fmt.Errorf("command ack failed: %w", err)}
	}
	return classify(resp, "command ack")
}

// PushMetrics sends a combined metrics sample. Best-effort, no retry.
func (c *Client) PushMetrics(ctx context.Context, payload *MetricsPayload) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post("/api/host-agents/metrics")
	if err != nil {
		return &transientError{fmt.Errorf("metrics push failed: %w", err)}
	}
	return classify(resp, "metrics push")
}

// PushHealth sends the current health with derived scores. Best-effort.
func (c *Client) PushHealth(ctx context.Context, payload *HealthPayload) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post("/api/host-agents/health")
	if err != nil {
		return &transientError{fmt.Errorf("health push failed: %w", err)}
	}
	return classify(resp, "health push")
}

// NotifyDeploySuccess reports a tenant that reached running, with its
// access info. Best-effort; the server resyncs from later polls if missed.
func (c *Client) NotifyDeploySuccess(ctx context.Context, success *DeploySuccess) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", success.DeploymentID).
		SetBody(success).
		Post("/api/deployments/{id}/success")
	if err != nil {
		return &transientError{fmt.Errorf("deploy success notification failed: %w", err)}
	}
	return classify(resp, "deploy success notification")
}

// NotifyDeployTerminated reports a tenant that reached a terminal state.
func (c *Client) NotifyDeployTerminated(ctx context.Context, deploymentID, reason string) error {
	body := map[string]string{
		"deployment_id": deploymentID,
		"reason":        reason,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", deploymentID).
		SetBody(body).
		Post("/api/deployments/{id}/terminated")
	if err != nil {
		return &transientError{fmt.Errorf("deploy terminated notification failed: %w", err)}
	}
	return classify(resp, "deploy terminated notification")
}

// classify maps a non-2xx response to the error taxonomy.
func classify(resp *resty.Response, op string) error {
	switch {
	case resp.IsSuccess():
		return nil
	case resp.StatusCode() == 401:
		return ErrUnauthorized
	case resp.StatusCode() >= 500:
		return &transientError{fmt.Errorf("%s failed with status %d", op, resp.StatusCode())}
	default:
		return fmt.Errorf("%s failed with status %d: %s", op, resp.StatusCode(), resp.String())
	}
}
