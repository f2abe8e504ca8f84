package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/errs"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
)

// StateRepo is an in-memory StateRepository. Consume deletes under the lock, so a state is handed out once.
type StateRepo struct {
	mu      sync.Mutex
	entries map[string]model.OAuthState
}

// NewStateRepo constructs an empty repository.
func NewStateRepo() *StateRepo {
	return &StateRepo{entries: map[string]model.OAuthState{}}
}

func cloneState(st model.OAuthState) model.OAuthState {
	st.RequestSecretEnc = append([]byte(nil), st.RequestSecretEnc...)
	return st
}

// Save inserts a new state.
func (r *StateRepo) Save(_ context.Context, st model.OAuthState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[st.State]; ok {
		return fmt.Errorf("oauth state collision")
	}
	r.entries[st.State] = cloneState(st)
	return nil
}

// Consume removes and returns the state.
func (r *StateRepo) Consume(_ context.Context, state string) (model.OAuthState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.entries[state]
	if !ok {
		return model.OAuthState{}, errs.ErrNotFound
	}
	delete(r.entries, state)
	return st, nil
}

// ConsumeByRequestToken removes and returns the state bound to an OAuth1a request token.
func (r *StateRepo) ConsumeByRequestToken(_ context.Context, brokerID model.BrokerID, token string) (model.OAuthState, error) {
	if token == "" {
		return model.OAuthState{}, errs.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, st := range r.entries {
		if st.BrokerID == brokerID && st.RequestToken == token {
			delete(r.entries, k)
			return st, nil
		}
	}
	return model.OAuthState{}, errs.ErrNotFound
}

// PurgeExpired deletes states at or past their expiry.
func (r *StateRepo) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, st := range r.entries {
		if st.Expired(now) {
			delete(r.entries, k)
			n++
		}
	}
	return n, nil
}
