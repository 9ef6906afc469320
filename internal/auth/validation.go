package auth

import (
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
)

// maxRecipients bounds a single address list
const maxRecipients = 100

// ParseRecipients turns editor input into the canonical ordered set of
// addresses. Entries may themselves hold comma-separated lists. Duplicates
// (case-insensitive) are dropped, keeping the first occurrence.
func ParseRecipients(values ...string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string

	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		list, err := mail.ParseAddressList(value)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", value, err)
		}

		for _, addr := range list {
			key := strings.ToLower(addr.Address)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, addr.Address)
		}
	}

	if len(out) > maxRecipients {
		return nil, fmt.Errorf("too many recipients: %d (max %d)", len(out), maxRecipients)
	}
	return out, nil
}
