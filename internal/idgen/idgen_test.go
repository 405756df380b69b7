package idgen

import (
	"regexp"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	re := regexp.MustCompile(`^cmp_[0-9a-f]{32}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := Campaign()
		if !re.MatchString(id) {
			t.Fatalf("unexpected campaign id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
	if id := Application(); id[:4] != ApplicationPrefix {
		t.Errorf("application id %q lacks prefix", id)
	}
}
