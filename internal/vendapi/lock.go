package vendapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"smartvend-client/internal/parse"
)

// Lock is the lease granted by lock-by-code.
type Lock struct {
	MachineID  string
	ExpiresAt  time.Time
	ServerTime time.Time
}

type lockBody struct {
	MachineID  string `json:"machine_id"`
	Status     string `json:"status"`
	ExpiresAt  string `json:"expires_at"`
	ServerTime string `json:"server_time"`
}

// UnlockResult is returned by a successful unlock.
type UnlockResult struct {
	Status         string `json:"status"`
	NewDisplayCode string `json:"new_display_code"`
}

// LockByCode asks the backend to lock the machine showing code for clientID.
func (c *Client) LockByCode(ctx context.Context, clientID, code string) (*Lock, error) {
	var body lockBody
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/api/lock-by-code",
		body:   map[string]string{"client_id": clientID, "code": code},
	}, &body)
	if err != nil {
		return nil, fmt.Errorf("lock by code: %w", err)
	}

	lock := &Lock{MachineID: body.MachineID}
	if lock.ExpiresAt, err = parse.Instant(body.ExpiresAt); err != nil {
		return nil, fmt.Errorf("lock by code: expires_at: %w", err)
	}
	if lock.ServerTime, err = parse.Instant(body.ServerTime); err != nil {
		return nil, fmt.Errorf("lock by code: server_time: %w", err)
	}
	return lock, nil
}

// Unlock releases the lock clientID holds on machineID.
func (c *Client) Unlock(ctx context.Context, machineID, clientID string) (*UnlockResult, error) {
	var res UnlockResult
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   machinePath(machineID, "/unlock"),
		body:   map[string]string{"client_id": clientID},
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("unlock: %w", err)
	}
	return &res, nil
}
