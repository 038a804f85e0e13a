package network

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestBackend_PollSignup_StopsOnTerminalState exercises the real 2s
// inter-poll interval, so it keeps the scenario to a single retry.
func TestBackend_PollSignup_StopsOnTerminalState(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping real-time poll interval test in short mode")
	}
	var polls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		state := "in_progress"
		if polls >= 2 {
			state = "completed_success"
		}
		json.NewEncoder(w).Encode(signupStatusResponse{State: state})
	}))
	defer srv.Close()

	backend := NewBackend(New(srv.URL, staticToken, WithBaseDelay(0)))
	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()

	state, err := backend.PollSignup(ctx, "signup-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != PollCompletedSuccess {
		t.Errorf("got %v, want PollCompletedSuccess", state)
	}
	if polls != 2 {
		t.Errorf("got %d polls, want 2", polls)
	}
}

func TestBackend_Signup_AcceptedTrue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(signupResponse{Accepted: true})
	}))
	defer srv.Close()

	backend := NewBackend(New(srv.URL, staticToken, WithBaseDelay(0)))
	ok, err := backend.Signup(context.Background(), SignupRequest{SignupID: "s1", UserID: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Errorf("got accepted=false")
	}
}

func TestPollState_Terminal(t *testing.T) {
	cases := map[PollState]bool{
		PollInProgress:          false,
		PollAccepted:            false,
		PollCompletedSuccess:    true,
		PollCompletedDuplicate:  true,
		PollError:               true,
		PollFailed:              true,
	}
	for state, want := range cases {
		if got := state.Terminal(); got != want {
			t.Errorf("%v.Terminal() = %v, want %v", state, got, want)
		}
	}
}
