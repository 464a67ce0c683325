package vendapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/patrickmn/go-cache"

	"smartvend-client/internal/parse"
)

// Machine is one entry of the machine list.
type Machine struct {
	MachineID    string `json:"machine_id"`
	Location     string `json:"location"`
	CurrentStock int    `json:"current_stock"`
	Status       string `json:"status"`
}

// MachineStatus is the public status of a machine as seen by one client.
// LockedBy is only revealed when it matches the requesting client.
type MachineStatus struct {
	MachineID    string
	Status       string
	CurrentStock int
	HasStock     bool
	Locked       bool
	LockedBy     string
	ExpiresAt    time.Time
	ServerTime   time.Time
}

type statusBody struct {
	ID         string `json:"id"`
	MachineID  string `json:"machine_id"`
	Status     string `json:"status"`
	Stock      *int   `json:"current_stock"`
	Locked     *bool  `json:"locked"`
	LockedBy   string `json:"locked_by"`
	ExpiresAt  string `json:"expires_at"`
	ServerTime string `json:"server_time"`
}

// ListMachines returns the machine list. Results are cached for the
// configured TTL.
func (c *Client) ListMachines(ctx context.Context) ([]Machine, error) {
	if cached, ok := c.machines.Get(machinesCacheKey); ok {
		return cached.([]Machine), nil
	}

	var machines []Machine
	if err := c.do(ctx, request{method: http.MethodGet, path: "/api/machines"}, &machines); err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	c.machines.Set(machinesCacheKey, machines, cache.DefaultExpiration)
	return machines, nil
}

// InvalidateMachines drops the cached machine list.
func (c *Client) InvalidateMachines() {
	c.machines.Delete(machinesCacheKey)
}

// Status fetches the public status of a machine on behalf of clientID.
func (c *Client) Status(ctx context.Context, machineID, clientID string) (*MachineStatus, error) {
	q := url.Values{}
	if clientID != "" {
		q.Set("client_id", clientID)
	}

	var body statusBody
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   machinePath(machineID, "/public-status"),
		query:  q,
	}, &body)
	if err != nil {
		return nil, fmt.Errorf("machine status: %w", err)
	}

	st := &MachineStatus{
		MachineID: firstNonEmpty(body.MachineID, body.ID, machineID),
		Status:    body.Status,
		LockedBy:  body.LockedBy,
	}
	if body.Stock != nil {
		st.CurrentStock = *body.Stock
		st.HasStock = true
	}
	if st.ExpiresAt, err = parse.Instant(body.ExpiresAt); err != nil {
		return nil, fmt.Errorf("machine status: expires_at: %w", err)
	}
	if st.ServerTime, err = parse.Instant(body.ServerTime); err != nil {
		return nil, fmt.Errorf("machine status: server_time: %w", err)
	}
	// Older backends omit "locked" and only report the machine status.
	if body.Locked != nil {
		st.Locked = *body.Locked
	} else {
		st.Locked = body.Status == "locked" || body.LockedBy != ""
	}
	return st, nil
}

// UpdateStock sets the stock of a machine. It needs the admin token.
func (c *Client) UpdateStock(ctx context.Context, machineID string, stock int) error {
	if c.adminToken == "" {
		return fmt.Errorf("update stock: admin token is not configured")
	}
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   machinePath(machineID, "/update-stock"),
		body:   map[string]int{"stock": stock},
		bearer: c.adminToken,
	}, nil)
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}
	c.InvalidateMachines()
	return nil
}
