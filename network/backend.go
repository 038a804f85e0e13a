package network

import (
	"context"
	"fmt"
	"time"
)

// PollState is the status of an in-flight signup poll (spec §4.10
// "Terminal poll states are Completed(success), Completed(duplicate),
// Error, Failed; non-terminal are InProgress, Accepted").
type PollState int

const (
	PollInProgress PollState = iota
	PollAccepted
	PollCompletedSuccess
	PollCompletedDuplicate
	PollError
	PollFailed
)

// Terminal reports whether p is one of the poll loop's stopping states.
func (p PollState) Terminal() bool {
	switch p {
	case PollCompletedSuccess, PollCompletedDuplicate, PollError, PollFailed:
		return true
	default:
		return false
	}
}

func (p PollState) String() string {
	switch p {
	case PollAccepted:
		return "accepted"
	case PollCompletedSuccess:
		return "completed_success"
	case PollCompletedDuplicate:
		return "completed_duplicate"
	case PollError:
		return "error"
	case PollFailed:
		return "failed"
	default:
		return "in_progress"
	}
}

// SignupRequest carries the metadata the backend needs to admit a new
// signup attempt.
type SignupRequest struct {
	SignupID       string `json:"signup_id"`
	OperatorID     string `json:"operator_id,omitempty"`
	UserID         string `json:"user_id"`
	SoftwareVersion string `json:"software_version"`
}

type signupResponse struct {
	Accepted bool `json:"accepted"`
}

type signupStatusResponse struct {
	State string `json:"state"`
}

// Backend groups the remote endpoints the orb calls during a signup (spec
// §6 "Operator validation, user validation, signup (with retries),
// signup-poll (with retries), orb-OS version check, presigned-URL request
// (per upload type), config fetch").
type Backend struct {
	client *Client
}

// NewBackend wraps an existing retrying Client.
func NewBackend(c *Client) *Backend { return &Backend{client: c} }

// ValidateOperator checks an operator QR payload's user id.
func (b *Backend) ValidateOperator(ctx context.Context, operatorID string) error {
	return b.client.JSON(ctx, "POST", "/api/v2/operators/"+operatorID+"/validate", nil, nil)
}

// ValidateUser checks a user QR payload's user id and data policy.
func (b *Backend) ValidateUser(ctx context.Context, userID, dataPolicy string) error {
	req := struct {
		DataPolicy string `json:"data_policy"`
	}{DataPolicy: dataPolicy}
	return b.client.JSON(ctx, "POST", "/api/v2/users/"+userID+"/validate", req, nil)
}

// Signup submits a signup request, making at most four attempts (the first
// plus three retries) at the Client's configured backoff (spec §4.10). 4xx
// responses are never retried (enforced by Client.JSON).
func (b *Backend) Signup(ctx context.Context, req SignupRequest) (bool, error) {
	client := *b.client
	client.MaxAttempts = 4
	var resp signupResponse
	if err := client.JSON(ctx, "POST", "/api/v2/signups", req, &resp); err != nil {
		return false, err
	}
	return resp.Accepted, nil
}

// PollSignup polls the signup status endpoint up to 30 times at 2s
// intervals, stopping early on a terminal state (spec §4.10 "polls a status
// endpoint up to 30 times at 2 s intervals").
func (b *Backend) PollSignup(ctx context.Context, signupID string) (PollState, error) {
	const maxPolls = 30
	const interval = 2 * time.Second
	for i := 0; i < maxPolls; i++ {
		var resp signupStatusResponse
		if err := b.client.JSON(ctx, "GET", "/api/v2/signups/"+signupID+"/status", nil, &resp); err != nil {
			return PollError, err
		}
		state := parsePollState(resp.State)
		if state.Terminal() {
			return state, nil
		}
		if i == maxPolls-1 {
			return PollError, fmt.Errorf("network: signup %s: poll limit exhausted", signupID)
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return PollError, ctx.Err()
		case <-timer.C:
		}
	}
	return PollError, fmt.Errorf("network: signup %s: poll limit exhausted", signupID)
}

func parsePollState(s string) PollState {
	switch s {
	case "accepted":
		return PollAccepted
	case "completed_success":
		return PollCompletedSuccess
	case "completed_duplicate":
		return PollCompletedDuplicate
	case "failed":
		return PollFailed
	case "error":
		return PollError
	default:
		return PollInProgress
	}
}
