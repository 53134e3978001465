package checkout

import (
	"testing"
)

func TestUsernameOf(t *testing.T) {
	cases := map[string]string{
		"https://github.com/acme/shop-app":     "acme",
		"https://github.com/acme/shop-app.git": "acme",
		"https://example.com/solo":             "solo",
		"http://%zz":                           "",
	}
	for repoURL, want := range cases {
		if got := usernameOf(repoURL); got != want {
			t.Fatalf("usernameOf(%q) = %q, want %q", repoURL, got, want)
		}
	}
}

func TestShortCommit(t *testing.T) {
	if got := ShortCommit("0123456789abcdef0123"); got != "0123456789ab" {
		t.Fatalf("expected 12-char truncation, got %q", got)
	}
	if got := ShortCommit("abc"); got != "abc" {
		t.Fatalf("short ids pass through, got %q", got)
	}
}
