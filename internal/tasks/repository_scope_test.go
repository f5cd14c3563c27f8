package tasks

import (
	"strings"
	"testing"
)

func TestUpsertTaskQueryReopensCompletedTasks(t *testing.T) {
	query := strings.ToLower(upsertTaskQuery)

	requiredFragments := []string{
		"on conflict (idempotency_key) do update set",
		"due_at = excluded.due_at",
		"status = 'open'",
		"completed_at = null",
	}

	for _, fragment := range requiredFragments {
		if !strings.Contains(query, fragment) {
			t.Fatalf("expected task upsert fragment %q to be present", fragment)
		}
	}
}

func TestClaimForGenerationQueryGuardsTheAttempt(t *testing.T) {
	query := strings.ToLower(claimForGenerationQuery)

	requiredFragments := []string{
		"attempts = attempts + 1",
		"where id = $1 and status in ($3, $4)",
	}

	for _, fragment := range requiredFragments {
		if !strings.Contains(query, fragment) {
			t.Fatalf("expected claim query fragment %q to be present", fragment)
		}
	}
}

func TestRequeueJobQueryResetsTheAttemptBudget(t *testing.T) {
	query := strings.ToLower(requeueJobQuery)

	requiredFragments := []string{
		"attempts = 0",
		"last_error = null",
		"where id = $1 and status in ($3, $4)",
	}

	for _, fragment := range requiredFragments {
		if !strings.Contains(query, fragment) {
			t.Fatalf("expected requeue query fragment %q to be present", fragment)
		}
	}
}

func TestReleaseStaleGeneratingQueryOnlyTouchesOldClaims(t *testing.T) {
	query := strings.ToLower(releaseStaleGeneratingQuery)

	requiredFragments := []string{
		"where status = $3 and updated_at < now() - $4::interval",
		"returning",
	}

	for _, fragment := range requiredFragments {
		if !strings.Contains(query, fragment) {
			t.Fatalf("expected release query fragment %q to be present", fragment)
		}
	}
}
