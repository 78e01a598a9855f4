package livefeed

import (
	"net/url"
	"testing"
)

func TestFeedFilter_NoParams_MatchesEverything(t *testing.T) {
	filter, scope := feedFilter(url.Values{})
	if filter != nil {
		t.Fatal("expected nil filter when no scoping params are given")
	}
	if scope != "all" {
		t.Errorf("scope = %q, want all", scope)
	}
}

func TestFeedFilter_ByUser(t *testing.T) {
	filter, scope := feedFilter(url.Values{"user": {"alice"}})
	if filter == nil {
		t.Fatal("expected non-nil filter")
	}
	if scope != "user=alice" {
		t.Errorf("scope = %q, want user=alice", scope)
	}
	if !filter(FeedData{User: "alice"}) {
		t.Error("expected alice's record to match")
	}
	if filter(FeedData{User: "bob"}) {
		t.Error("expected bob's record to be filtered out")
	}
}

func TestFeedFilter_ByAllowed(t *testing.T) {
	filter, scope := feedFilter(url.Values{"allowed": {"false"}})
	if filter == nil {
		t.Fatal("expected non-nil filter")
	}
	if scope != "allowed=false" {
		t.Errorf("scope = %q, want allowed=false", scope)
	}
	if filter(FeedData{Allowed: true}) {
		t.Error("expected allowed record to be filtered out")
	}
	if !filter(FeedData{Allowed: false}) {
		t.Error("expected denied record to match")
	}
}

func TestFeedFilter_InvalidAllowedValue_Ignored(t *testing.T) {
	filter, scope := feedFilter(url.Values{"allowed": {"maybe"}})
	if filter != nil {
		t.Fatal("expected nil filter for an unparseable allowed value")
	}
	if scope != "all" {
		t.Errorf("scope = %q, want all", scope)
	}
}

func TestFeedFilter_UserAndAllowedCombine(t *testing.T) {
	filter, scope := feedFilter(url.Values{"user": {"alice"}, "allowed": {"true"}})
	if scope != "user=alice,allowed=true" {
		t.Errorf("scope = %q, want user=alice,allowed=true", scope)
	}
	if !filter(FeedData{User: "alice", Allowed: true}) {
		t.Error("expected matching record to pass")
	}
	if filter(FeedData{User: "alice", Allowed: false}) {
		t.Error("expected alice-but-denied record to be filtered out")
	}
	if filter(FeedData{User: "bob", Allowed: true}) {
		t.Error("expected bob-but-allowed record to be filtered out")
	}
}
