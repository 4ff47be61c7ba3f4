package broadcast

import (
	"context"
	"fmt"
	"strings"

	"github.com/modfin/henry/slicez"
)

// Recipients resolves an audience at send time.
//
//   - general: verified users and the waitlist, one entry per address
//   - waitlist: waitlist entries without a verified account
//   - personal: the configured operator list
//
// Addresses compare case-insensitively; the first occurrence wins.
func (s *Service) Recipients(ctx context.Context, a Audience) ([]Recipient, error) {
	switch a {
	case AudiencePersonal:
		return dedupe(s.config().Personal), nil
	case AudienceGeneral, AudienceWaitlist:
	default:
		return nil, ErrInvalidAudience
	}

	verified, err := s.aud.VerifiedUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("verified users: %w", err)
	}
	waitlist, err := s.aud.Waitlist(ctx)
	if err != nil {
		return nil, fmt.Errorf("waitlist: %w", err)
	}

	if a == AudienceGeneral {
		return dedupe(slicez.Concat(verified, waitlist)), nil
	}
	known := make(map[string]struct{}, len(verified))
	for _, r := range verified {
		known[addrKey(r.Email)] = struct{}{}
	}
	return dedupe(slicez.Reject(waitlist, func(r Recipient) bool {
		_, ok := known[addrKey(r.Email)]
		return ok
	})), nil
}

func addrKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func dedupe(in []Recipient) []Recipient {
	seen := make(map[string]struct{}, len(in))
	return slicez.Reject(in, func(r Recipient) bool {
		k := addrKey(r.Email)
		if k == "" {
			return true
		}
		if _, dup := seen[k]; dup {
			return true
		}
		seen[k] = struct{}{}
		return false
	})
}
