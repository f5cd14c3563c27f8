package leads

import (
	"strings"
	"testing"
)

func TestEnsureActiveLeadQueryRacesOnActivePartialIndex(t *testing.T) {
	query := strings.ToLower(ensureActiveLeadQuery)

	requiredFragments := []string{
		"on conflict (contact_id) where is_active do nothing",
		"returning id",
	}

	for _, fragment := range requiredFragments {
		if !strings.Contains(query, fragment) {
			t.Fatalf("expected ensure-active query fragment %q to be present", fragment)
		}
	}
}
