// Package moderation decides which remote actors and mirror targets the
// relay accepts subscriptions for.
package moderation

import (
	"fmt"
	"strings"
)

// Mode selects how the pattern list is interpreted.
type Mode string

const (
	// ModeNone accepts everything.
	ModeNone Mode = "none"
	// ModeAllowList accepts only entries matching the pattern list.
	ModeAllowList Mode = "allowlist"
	// ModeBlockList accepts everything except matching entries.
	ModeBlockList Mode = "blocklist"
)

// Policy evaluates follower and target admission against a pattern list.
// Patterns are exact values (hosts, user@host accts, or bare handles) or
// `*.suffix` host wildcards.
type Policy struct {
	mode     Mode
	exact    map[string]struct{}
	suffixes []string
}

// New builds a Policy. An unknown mode is an error.
func New(mode string, patterns []string) (*Policy, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(mode)))
	if m == "" {
		m = ModeNone
	}
	switch m {
	case ModeNone, ModeAllowList, ModeBlockList:
	default:
		return nil, fmt.Errorf("unknown moderation mode %q", mode)
	}

	p := &Policy{mode: m, exact: map[string]struct{}{}}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			p.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			p.addSuffix(strings.TrimPrefix(value, "."))
		default:
			p.exact[value] = struct{}{}
		}
	}
	return p, nil
}

func (p *Policy) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range p.suffixes {
		if existing == suffix {
			return
		}
	}
	p.suffixes = append(p.suffixes, suffix)
}

// AllowFollower reports whether a remote actor may subscribe, judged by its
// acct and host.
func (p *Policy) AllowFollower(acct, host string) bool {
	return p.allow(p.matches(acct) || p.matches(host))
}

// AllowTarget reports whether a source handle may be mirrored.
func (p *Policy) AllowTarget(handle string) bool {
	return p.allow(p.matches(handle))
}

func (p *Policy) allow(matched bool) bool {
	switch p.mode {
	case ModeAllowList:
		return matched
	case ModeBlockList:
		return !matched
	default:
		return true
	}
}

func (p *Policy) matches(value string) bool {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return false
	}
	if _, ok := p.exact[value]; ok {
		return true
	}
	for _, suffix := range p.suffixes {
		if value == suffix || strings.HasSuffix(value, "."+suffix) {
			return true
		}
	}
	return false
}
