package subscription

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadFile reads a JSON array of subscriptions and validates each one.
func LoadFile(path string) ([]Subscription, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read subscriptions file: %w", err)
	}
	var subs []Subscription
	if err := json.Unmarshal(b, &subs); err != nil {
		return nil, fmt.Errorf("decode subscriptions file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(subs))
	for _, s := range subs {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate subscription id %q in %s", s.ID, path)
		}
		seen[s.ID] = true
	}
	return subs, nil
}
