package central

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(url string) *Client {
	return New(Config{
		BaseURL: url,
		APIKey:  "test-key",
		AgentID: "agent-deadbeef0123",
		Timeout: 2 * time.Second,
	})
}

func TestRegisterSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/host-agents/register" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad body: %v", err)
		}
		if req.AgentID != "agent-deadbeef0123" {
			t.Errorf("agent_id = %q", req.AgentID)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"gpu_uuid": "gpu-abc"})
	}))
	defer srv.Close()

	uuid, err := newTestClient(srv.URL).Register(context.Background(), &RegisterRequest{
		AgentID: "agent-deadbeef0123",
		Network: NetworkInfo{PublicIP: "203.0.113.5", SSHPort: 22022},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if uuid != "gpu-abc" {
		t.Errorf("uuid = %q, want gpu-abc", uuid)
	}
}

func TestRegisterAlreadyRegistered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"gpu_uuid": "gpu-existing"})
	}))
	defer srv.Close()

	uuid, err := newTestClient(srv.URL).Register(context.Background(), &RegisterRequest{})
	if err != nil {
		t.Fatalf("Register on 409 failed: %v", err)
	}
	if uuid != "gpu-existing" {
		t.Errorf("uuid = %q, want gpu-existing", uuid)
	}
}

func TestRegister409WithoutUUIDIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Register(context.Background(), &RegisterRequest{})
	if !IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestRegisterUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Register(context.Background(), &RegisterRequest{})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRegisterBadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": "public_ip is invalid"})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Register(context.Background(), &RegisterRequest{})
	var bad *BadRequestError
	if !errors.As(err, &bad) {
		t.Fatalf("expected BadRequestError, got %v", err)
	}
	if bad.Msg != "public_ip is invalid" {
		t.Errorf("msg = %q", bad.Msg)
	}
}

func TestRegisterServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Register(context.Background(), &RegisterRequest{})
	if !IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestConnectionRefusedIsTransient(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	if err := c.Heartbeat(context.Background()); !IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestHeartbeatPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["status"] != "online" {
			t.Errorf("status = %q", body["status"])
		}
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL).Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if gotPath != "/api/host-agents/agent-deadbeef0123/heartbeat" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestPollCommandsPreservesOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"commands": []map[string]any{
				{"command_id": "c1", "command_type": "deploy", "payload": map[string]string{"image": "ubuntu:22.04"}},
				{"command_id": "c2", "command_type": "terminate", "payload": map[string]string{"deployment_id": "c1"}},
			},
		})
	}))
	defer srv.Close()

	cmds, err := newTestClient(srv.URL).PollCommands(context.Background())
	if err != nil {
		t.Fatalf("PollCommands failed: %v", err)
	}
	if len(cmds) != 2 || cmds[0].CommandID != "c1" || cmds[1].CommandID != "c2" {
		t.Fatalf("unexpected commands: %+v", cmds)
	}

	var payload struct {
		Image string `json:"image"`
	}
	if err := json.Unmarshal(cmds[0].Payload, &payload); err != nil {
		t.Fatalf("payload not preserved raw: %v", err)
	}
	if payload.Image != "ubuntu:22.04" {
		t.Errorf("image = %q", payload.Image)
	}
}

func TestAckPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL).Ack(context.Background(), "cmd-1", "processed"); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if gotPath != "/api/host-agents/agent-deadbeef0123/commands/cmd-1/ack" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestNotifyDeploySuccessPath(t *testing.T) {
	var gotPath string
	var got DeploySuccess
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	success := &DeploySuccess{
		DeploymentID: "d1",
		Status:       "running",
		ContainerID:  "abc",
		AccessInfo: AccessInfo{
			PublicIP: "203.0.113.5",
			SSH:      SSHAccess{Host: "203.0.113.5", Port: 30022, Username: "gpu-user"},
		},
	}
	if err := newTestClient(srv.URL).NotifyDeploySuccess(context.Background(), success); err != nil {
		t.Fatalf("NotifyDeploySuccess failed: %v", err)
	}
	if gotPath != "/api/deployments/d1/success" {
		t.Errorf("path = %q", gotPath)
	}
	if got.AccessInfo.SSH.Port != 30022 {
		t.Errorf("ssh port = %d", got.AccessInfo.SSH.Port)
	}
}
