package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/agent-relay/relay/internal/policy"
)

// ErrUnauthorized is returned on a 401; the loop stops until re-auth.
var ErrUnauthorized = errors.New("cloud: api key rejected")

// apiError carries a non-2xx status for the error event payload.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("cloud: api returned %d: %s", e.Status, e.Body)
}

// Client is a thin JSON client over the cloud bridge API. Every call goes
// through a shared circuit breaker so a flapping backend does not hold a
// connection slot per tick.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "cloud-api",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrUnauthorized)
			},
		}),
	}
}

// do executes one JSON request through the breaker and decodes the 2xx body
// into out. 401 maps to ErrUnauthorized and is never counted as a breaker
// failure: the backend is healthy, the key is not.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		var body io.Reader
		if in != nil {
			raw, err := json.Marshal(in)
			if err != nil {
				return nil, fmt.Errorf("cloud: encode request: %w", err)
			}
			body = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, &apiError{Status: resp.StatusCode, Body: string(raw)}
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("cloud: decode response: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

// heartbeatRequest is the per-tick roster publication.
type heartbeatRequest struct {
	MachineID   string      `json:"machineId"`
	Hostname    string      `json:"hostname"`
	Agents      []agentInfo `json:"agents"`
	UptimeMs    int64       `json:"uptimeMs"`
	MemoryBytes uint64      `json:"memoryBytes"`
}

type agentInfo struct {
	Name      string `json:"name"`
	Program   string `json:"program,omitempty"`
	Model     string `json:"model,omitempty"`
	Workspace string `json:"workspace,omitempty"`
}

// heartbeatResponse carries everything the cloud queued since the last tick.
type heartbeatResponse struct {
	Commands  []Command             `json:"commands,omitempty"`
	Messages  []CrossMachineMessage `json:"messages,omitempty"`
	AllAgents []RemoteAgent         `json:"allAgents,omitempty"`
}

// Command is an instruction queued by the cloud for this machine.
type Command struct {
	ID     string         `json:"id"`
	Action string         `json:"action"`
	Agent  string         `json:"agent,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
}

// CrossMachineMessage is a relayed message from an agent on another machine.
type CrossMachineMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	FromHost  string `json:"fromMachine,omitempty"`
	To        string `json:"to"`
	Body      string `json:"body"`
	Thread    string `json:"thread,omitempty"`
	Timestamp int64  `json:"ts"`
}

// RemoteAgent is a fleet roster entry as the cloud sees it.
type RemoteAgent struct {
	Name      string `json:"name"`
	MachineID string `json:"machineId"`
	Hostname  string `json:"hostname,omitempty"`
}

func (c *Client) Heartbeat(ctx context.Context, req heartbeatRequest) (*heartbeatResponse, error) {
	var resp heartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/v1/machines/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SendMessage(ctx context.Context, msg CrossMachineMessage) error {
	return c.do(ctx, http.MethodPost, "/v1/messages", msg, nil)
}

// Credentials is the on-demand credential refresh payload.
type Credentials struct {
	APIKey    string            `json:"apiKey,omitempty"`
	ExpiresAt int64             `json:"expiresAt,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

func (c *Client) PullCredentials(ctx context.Context) (*Credentials, error) {
	var creds Credentials
	if err := c.do(ctx, http.MethodGet, "/v1/credentials", nil, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// FetchWorkspacePolicies pulls the workspace policy set for the policy
// gate's cloud layer.
func (c *Client) FetchWorkspacePolicies(ctx context.Context) ([]policy.Policy, error) {
	var resp struct {
		Policies []policy.Policy `json:"policies"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/workspace/policies", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Policies, nil
}
