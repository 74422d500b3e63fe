// Package identity validates externally issued tokens and serves judge
// profiles. Both are read-only views of data owned by other services.
package identity

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/okian/tally/internal/domain/model"
)

// Verifier resolves an opaque token to the identity it was issued for.
type Verifier interface {
	Verify(ctx context.Context, token string) (model.Identity, error)
}

// StaticVerifier checks tokens against a fixed table, typically from config.
type StaticVerifier struct {
	mu     sync.RWMutex
	tokens map[string]model.Identity
}

// NewStaticVerifier creates a verifier over tokens.
func NewStaticVerifier(tokens map[string]model.Identity) *StaticVerifier {
	v := &StaticVerifier{tokens: make(map[string]model.Identity, len(tokens))}
	for tok, id := range tokens {
		v.tokens[tok] = id
	}
	return v
}

// Verify returns the identity for token or a *model.AuthError.
func (v *StaticVerifier) Verify(_ context.Context, token string) (model.Identity, error) {
	if token == "" {
		return model.Identity{}, &model.AuthError{Reason: "missing token"}
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	for tok, id := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(token)) == 1 {
			if !id.Role.Valid() || id.Role == model.RoleSpectator {
				return model.Identity{}, &model.AuthError{Reason: fmt.Sprintf("token role %q cannot authenticate", id.Role)}
			}
			return id, nil
		}
	}
	return model.Identity{}, &model.AuthError{Reason: "invalid token"}
}

// Issue adds or replaces a token.
func (v *StaticVerifier) Issue(token string, id model.Identity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[token] = id
}

// Revoke removes a token.
func (v *StaticVerifier) Revoke(token string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.tokens, token)
}

// StaticProfiles serves judge profiles from a fixed table. Unknown judges
// have no profile and get a neutral weight.
type StaticProfiles struct {
	mu       sync.RWMutex
	profiles map[string]model.JudgeProfile
}

// NewStaticProfiles creates a provider over profiles keyed by judge id.
func NewStaticProfiles(profiles map[string]model.JudgeProfile) *StaticProfiles {
	p := &StaticProfiles{profiles: make(map[string]model.JudgeProfile, len(profiles))}
	for id, prof := range profiles {
		if prof.JudgeID == "" {
			prof.JudgeID = id
		}
		p.profiles[id] = prof
	}
	return p
}

// Profile returns a copy of the judge's profile, or nil when unknown.
func (p *StaticProfiles) Profile(_ context.Context, judgeID string) (*model.JudgeProfile, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prof, ok := p.profiles[judgeID]
	if !ok {
		return nil, nil
	}
	prof.AssignedTeams = append([]string(nil), prof.AssignedTeams...)
	return &prof, nil
}

// Update replaces a judge's profile, as pushed by the calibration service.
func (p *StaticProfiles) Update(prof model.JudgeProfile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles[prof.JudgeID] = prof
}
