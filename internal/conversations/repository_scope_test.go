package conversations

import (
	"strings"
	"testing"
)

func TestUpsertConversationQueryConvergesOnThreadConstraint(t *testing.T) {
	query := strings.ToLower(upsertConversationQuery)

	requiredFragments := []string{
		"on conflict on constraint ux_cmx_conversations_contact_channel",
		"do update set lead_id = excluded.lead_id",
		"returning",
	}

	for _, fragment := range requiredFragments {
		if !strings.Contains(query, fragment) {
			t.Fatalf("expected upsert query fragment %q to be present", fragment)
		}
	}
}

func TestMergeKnownFieldsQueryNeverDowngradesKnownAnswers(t *testing.T) {
	query := strings.ToLower(mergeKnownFieldsQuery)

	// jsonb || keeps the right operand's keys on conflict: the stored
	// fields must be the right operand or a later weak extraction would
	// overwrite an already captured answer.
	if !strings.Contains(query, "known_fields = $2::jsonb || known_fields") {
		t.Fatal("expected new fields to merge as the left operand of jsonb ||")
	}
	if strings.Contains(query, "known_fields || $2") {
		t.Fatal("merge direction reversed: incoming fields would overwrite stored answers")
	}
}

func TestListRecentMessagesQueryTrimsTheStartOfTheThread(t *testing.T) {
	query := strings.ToLower(listRecentMessagesQuery)

	requiredFragments := []string{
		"where conversation_id = $1",
		"order by created_at desc",
		"limit $2",
	}

	for _, fragment := range requiredFragments {
		if !strings.Contains(query, fragment) {
			t.Fatalf("expected recent-messages query fragment %q to be present", fragment)
		}
	}
}
