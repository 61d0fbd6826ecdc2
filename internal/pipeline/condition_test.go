package pipeline

import (
	"encoding/json"
	"testing"
)

func mustParseCondition(t *testing.T, raw string) *Condition {
	t.Helper()
	c, err := ParseCondition(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("ParseCondition(%s): %v", raw, err)
	}
	return c
}

func TestConditionEquals(t *testing.T) {
	ec := testCtx()
	ec.SetVar("hit", true)

	c := mustParseCondition(t, `{"equals": ["$hit", true]}`)
	ok, err := c.Eval(ec)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}

	c = mustParseCondition(t, `{"equals": ["{namespace}", "other"]}`)
	ok, err = c.Eval(ec)
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestConditionEqualsNumericWidening(t *testing.T) {
	ec := testCtx()
	ec.SetVar("size", int64(42))

	ok, err := mustParseCondition(t, `{"equals": ["$size", 42]}`).Eval(ec)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestConditionNullChecks(t *testing.T) {
	ec := testCtx()
	ec.SetVar("existing", nil)
	ec.SetVar("meta", map[string]any{"a": 1})

	ok, _ := mustParseCondition(t, `{"is_null": "$existing"}`).Eval(ec)
	if !ok {
		t.Fatal("is_null on nil var should hold")
	}
	ok, _ = mustParseCondition(t, `{"is_not_null": "$meta"}`).Eval(ec)
	if !ok {
		t.Fatal("is_not_null on bound map should hold")
	}
}

func TestConditionIsEmpty(t *testing.T) {
	ec := testCtx()
	ec.SetVar("rows", []any{})
	ec.SetVar("full", []any{1})

	ok, _ := mustParseCondition(t, `{"is_empty": "$rows"}`).Eval(ec)
	if !ok {
		t.Fatal("empty slice should be empty")
	}
	ok, _ = mustParseCondition(t, `{"is_empty": "$full"}`).Eval(ec)
	if ok {
		t.Fatal("non-empty slice should not be empty")
	}
}

func TestConditionNotIn(t *testing.T) {
	ec := testCtx()
	ec.SetVar("tag", "stable")

	ok, err := mustParseCondition(t, `{"not_in": ["$tag", ["latest", "edge"]]}`).Eval(ec)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	ok, err = mustParseCondition(t, `{"not_in": ["$tag", ["stable", "latest"]]}`).Eval(ec)
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestConditionRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		`{"equals": ["only one"]}`,
		`{"not_in": ["a"]}`,
		`{"is_null": "$a", "is_empty": "$b"}`,
		`{}`,
		`{"unknown_kind": "$a"}`,
	} {
		if _, err := ParseCondition(json.RawMessage(raw)); err == nil {
			t.Errorf("ParseCondition(%s): expected error", raw)
		}
	}
}

func TestParseConditionEmptyIsNil(t *testing.T) {
	c, err := ParseCondition(nil)
	if err != nil || c != nil {
		t.Fatalf("c=%v err=%v", c, err)
	}
}
