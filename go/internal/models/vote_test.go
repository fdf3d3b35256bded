package models

import (
	"reflect"
	"testing"
)

func TestVoteTableKeysEnumerationOrder(t *testing.T) {
	table := VoteTable{
		"c": {DisplayName: "Carol", Vote: 1},
		"a": {DisplayName: "Alice", Vote: SentinelVote},
		"b": {DisplayName: "Bob", Vote: 3},
	}

	got := table.Keys()
	want := []ParticipantID{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}
}

func TestVoteTableCloneIsIndependent(t *testing.T) {
	table := VoteTable{"a": {DisplayName: "Alice", Vote: 1}}
	clone := table.Clone()
	clone["a"] = VoteRecord{DisplayName: "Alice", Vote: 2}

	if table["a"].Vote != 1 {
		t.Fatalf("original mutated through clone: %+v", table["a"])
	}
}

func TestPlaceholderRecord(t *testing.T) {
	rec := NewPlaceholderRecord("Alice")
	if rec.HasVoted() {
		t.Fatal("placeholder should not count as a vote")
	}
	if rec.Vote != SentinelVote || rec.DisplayName != "Alice" {
		t.Fatalf("unexpected placeholder %+v", rec)
	}
}

func TestValidateDisplayName(t *testing.T) {
	tests := []struct {
		raw  string
		want DisplayName
		ok   bool
	}{
		{raw: "Alice", want: "Alice", ok: true},
		{raw: "  Bob  ", want: "Bob", ok: true},
		{raw: "   ", ok: false},
		{raw: "", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ValidateDisplayName(tt.raw)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("ValidateDisplayName(%q) = %q, %v; want %q, %v", tt.raw, got, ok, tt.want, tt.ok)
			}
		})
	}
}
