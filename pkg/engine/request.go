package engine

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Defaults applied to sparse deploy payloads.
const (
	defaultImage           = "ubuntu:22.04"
	defaultTemplate        = "custom"
	defaultUserID          = "unknown"
	defaultDurationMinutes = 60
)

// DeployRequest is a resolved deploy command. DeploymentID is the server
// command id, which is what makes command replays idempotent.
type DeployRequest struct {
	DeploymentID    string
	Template        string
	Image           string
	UserID          string
	DurationMinutes int

	// Ports maps requested labels to container ports the tenant wants
	// published beyond the built-in ssh and rental ports.
	Ports map[string]int

	Environment   map[string]string
	Volumes       map[string]string
	Command       string
	RestartPolicy string
	SSHPublicKey  string
}

// deployPayload is the wire shape of a deploy command payload.
type deployPayload struct {
	TemplateID      string            `json:"template_id"`
	TemplateType    string            `json:"template_type"`
	Image           string            `json:"image"`
	UserID          string            `json:"user_id"`
	DurationMinutes int               `json:"duration_minutes"`
	Ports           map[string]int    `json:"ports"`
	Environment     map[string]string `json:"environment"`
	Volumes         map[string]string `json:"volumes"`
	Command         string            `json:"command"`
	RestartPolicy   string            `json:"restart_policy"`
	SSHPublicKey    string            `json:"ssh_public_key"`
}

// ParseDeployRequest resolves a deploy command payload, applying defaults
// for missing fields. An empty command id gets a minted one so the
// deployment is still trackable.
func ParseDeployRequest(commandID string, payload json.RawMessage) (*DeployRequest, error) {
	var p deployPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("failed to parse deploy payload: %w", err)
		}
	}

	id := commandID
	if id == "" {
		id = uuid.NewString()
	}

	template := p.TemplateID
	if template == "" {
		template = p.TemplateType
	}
	if template == "" {
		template = defaultTemplate
	}

	image := p.Image
	if image == "" {
		image = defaultImage
	}

	userID := p.UserID
	if userID == "" {
		userID = defaultUserID
	}

	duration := p.DurationMinutes
	if duration <= 0 {
		duration = defaultDurationMinutes
	}

	for label, port := range p.Ports {
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("port %q out of range: %d", label, port)
		}
	}

	return &DeployRequest{
		DeploymentID:    id,
		Template:        template,
		Image:           image,
		UserID:          userID,
		DurationMinutes: duration,
		Ports:           p.Ports,
		Environment:     p.Environment,
		Volumes:         p.Volumes,
		Command:         p.Command,
		RestartPolicy:   p.RestartPolicy,
		SSHPublicKey:    p.SSHPublicKey,
	}, nil
}

// ExtraPorts returns the requested container ports beyond the built-in
// three, sorted and deduplicated against the built-ins.
func (r *DeployRequest) ExtraPorts() []int {
	seen := map[int]bool{
		sshContainerPort:     true,
		jupyterContainerPort: true,
		appContainerPort:     true,
	}
	var extras []int
	for _, port := range r.Ports {
		if seen[port] {
			continue
		}
		seen[port] = true
		extras = append(extras, port)
	}
	sort.Ints(extras)
	return extras
}

// terminatePayload is the wire shape of a terminate command payload.
type terminatePayload struct {
	DeploymentID string `json:"deployment_id"`
	Reason       string `json:"reason"`
}

// ParseTerminateRequest resolves a terminate command payload. The target
// deployment id defaults to the command id when the payload omits it.
func ParseTerminateRequest(commandID string, payload json.RawMessage) (deploymentID, reason string, err error) {
	var p terminatePayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", "", fmt.Errorf("failed to parse terminate payload: %w", err)
		}
	}

	deploymentID = p.DeploymentID
	if deploymentID == "" {
		deploymentID = commandID
	}
	if deploymentID == "" {
		return "", "", fmt.Errorf("terminate command names no deployment")
	}

	reason = p.Reason
	if reason == "" {
		reason = ReasonUserRequested
	}
	return deploymentID, reason, nil
}
