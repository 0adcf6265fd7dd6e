package mention

import "testing"

func TestIsMention(t *testing.T) {
	cases := map[string]bool{
		"@jason please build the login page": true,
		"hey @jason, ping":                    true,
		"@Jason fix the bug":                  true,
		"ask @jasonsmith about it":            false,
		"no mention here":                     false,
	}
	for msg, want := range cases {
		if got := IsMention(msg); got != want {
			t.Errorf("IsMention(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestStripMention(t *testing.T) {
	got := stripMention("@jason build the login page")
	if got != "build the login page" {
		t.Errorf("unexpected stripped task: %q", got)
	}

	got = stripMention("hey @jason can you help")
	if got != "hey  can you help" {
		t.Errorf("unexpected stripped task with inline mention: %q", got)
	}
}
