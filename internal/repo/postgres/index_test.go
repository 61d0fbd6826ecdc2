package postgres

import (
	"strings"
	"testing"
)

func TestBuildIndexQueryEscapesPrefix(t *testing.T) {
	_, args := buildIndexQuery("artifact_versions", "acme_100%/widget", 0)
	prefix, ok := args[2].(string)
	if !ok {
		t.Fatalf("args=%v", args)
	}
	if !strings.Contains(prefix, `\_`) || !strings.Contains(prefix, `\%`) {
		t.Fatalf("prefix=%q not escaped", prefix)
	}
	if !strings.HasSuffix(prefix, "/%") {
		t.Fatalf("prefix=%q missing boundary wildcard", prefix)
	}
}

func TestBuildIndexQueryMatchesKeyBoundary(t *testing.T) {
	query, args := buildIndexQuery("artifact_versions", "acme/widget", 0)
	if !strings.Contains(query, "entry_key = $2 OR entry_key LIKE $3") {
		t.Fatalf("query=%s", query)
	}
	if args[1] != "acme/widget" {
		t.Fatalf("exact key arg=%v", args[1])
	}
	// The LIKE arm only matches keys extending past a separator, so
	// "acme/widgetpro" rows stay out of "acme/widget" queries.
	if args[2] != `acme/widget/%` {
		t.Fatalf("like arg=%v", args[2])
	}
}

func TestBuildIndexQueryLimit(t *testing.T) {
	query, args := buildIndexQuery("artifact_versions", "acme/widget", 5)
	if !strings.Contains(query, "LIMIT $4") {
		t.Fatalf("query=%s", query)
	}
	if len(args) != 4 || args[3] != 5 {
		t.Fatalf("args=%v", args)
	}

	query, args = buildIndexQuery("artifact_versions", "acme/widget", 0)
	if strings.Contains(query, "LIMIT") || len(args) != 3 {
		t.Fatalf("unlimited query=%s args=%v", query, args)
	}
}

func TestBuildIndexQueryOrdering(t *testing.T) {
	query, _ := buildIndexQuery("artifact_versions", "acme/widget", 1)
	if !strings.Contains(query, "ORDER BY sort_key DESC, seq DESC") {
		t.Fatalf("query=%s", query)
	}
}
