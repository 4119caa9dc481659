package app

import (
	"sync"
	"time"

	"dailylog/pkg/domain"
)

// PendingPrompt is an open self-improvement confirmation.
type PendingPrompt struct {
	Candidate domain.ImprovementCandidate `json:"candidate"`
	Sender    domain.User                 `json:"sender"`
	OpenedAt  time.Time                   `json:"openedAt"`
}

// Prompt holds at most one pending confirmation. A newer candidate replaces
// an unanswered one.
type Prompt struct {
	mu      sync.Mutex
	pending *PendingPrompt
}

// Open shows candidate to sender.
func (p *Prompt) Open(candidate domain.ImprovementCandidate, sender domain.User, now time.Time) PendingPrompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	pp := PendingPrompt{Candidate: candidate, Sender: sender, OpenedAt: now}
	p.pending = &pp
	return pp
}

// Current returns the open prompt, if any.
func (p *Prompt) Current() (PendingPrompt, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return PendingPrompt{}, false
	}
	return *p.pending, true
}

// Take closes the prompt and returns what it held.
func (p *Prompt) Take() (PendingPrompt, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return PendingPrompt{}, false
	}
	pp := *p.pending
	p.pending = nil
	return pp, true
}

// Reopen restores pp unless a newer prompt was opened meanwhile.
func (p *Prompt) Reopen(pp PendingPrompt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		p.pending = &pp
	}
}
