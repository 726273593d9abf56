package main

import (
	"strings"
	"testing"
)

func TestJournalInit(t *testing.T) {
	path := writeConfig(t, "")
	out, err := run(t, "journal", "init", "-c", path)
	if err != nil {
		t.Fatalf("journal init: %v", err)
	}
	if !strings.Contains(out, "Migrated 1 tables") || !strings.Contains(out, "Journal ready (sqlite ") {
		t.Errorf("output = %q", out)
	}
}

func TestJournalList_Empty(t *testing.T) {
	path := writeConfig(t, "")
	out, err := run(t, "journal", "list", "-c", path)
	if err != nil {
		t.Fatalf("journal list: %v", err)
	}
	if !strings.Contains(out, "No journal entries.") {
		t.Errorf("output = %q", out)
	}
}

func TestJournalPrune(t *testing.T) {
	path := writeConfig(t, "")
	if _, err := run(t, "send", "private", "u1", "old news", "-c", path); err != nil {
		t.Fatal(err)
	}

	_, err := run(t, "journal", "prune", "-c", path)
	if err == nil || !strings.Contains(err.Error(), "retention_days") {
		t.Errorf("prune without window: error = %v", err)
	}

	out, err := run(t, "journal", "prune", "-c", path, "--older-than", "1h")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Pruned 0 entries") {
		t.Errorf("output = %q", out)
	}
}

func TestOneLine(t *testing.T) {
	if got := oneLine("a\n  b\tc", 10); got != "a b c" {
		t.Errorf("oneLine = %q", got)
	}
	if got := oneLine("abcdef", 3); got != "abc..." {
		t.Errorf("oneLine = %q", got)
	}
}
