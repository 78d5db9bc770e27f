package db

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTables(t *testing.T) {
	want := []string{
		"scheduled_messages",
		"messages",
		"message_origins",
		"conversations",
		"user_conversations",
		"conversation_counters",
		"users",
	}
	var got []string
	for _, tbl := range Tables {
		got = append(got, tbl.Name)
		if !strings.HasPrefix(tbl.DDL, "CREATE TABLE IF NOT EXISTS "+tbl.Name+" (") {
			t.Errorf("table %s: DDL creates a different table", tbl.Name)
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tables (-want +got):\n%s", diff)
	}
}
