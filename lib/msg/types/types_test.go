package types

import "testing"

func TestKinds(t *testing.T) {
	for _, k := range []int{WALLET, TOKEN, CHANNEL} {
		if KindOf(KindName(k)) != k {
			t.Errorf("kind %d does not round trip through %q", k, KindName(k))
		}
	}
	if KindOf("block") != EXIT || KindName(EXIT) != "unknown" {
		t.Errorf("unexpected unknown kind handling")
	}
}
