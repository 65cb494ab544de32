package amqp

import (
	"testing"

	"github.com/willx33/sol-tools/lib/monitor"
	"github.com/willx33/sol-tools/lib/msg/types"
)

func TestKeys(t *testing.T) {
	cases := []struct {
		got, want string
	}{
		{EventKey("solana", monitor.Event{Kind: "wallet", Target: "abc"}), "solana.wallet.abc"},
		{RequestKey("telegram", types.WatchReq{Kind: types.CHANNEL, Obj: "chan"}), "telegram.2.chan"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("got %s want %s", c.got, c.want)
		}
	}
}
