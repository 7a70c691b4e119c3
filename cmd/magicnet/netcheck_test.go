package main

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dep2p/go-magicnet/pkg/types"
)

func TestFmtAddr(t *testing.T) {
	assert.Equal(t, "-", fmtAddr(netip.AddrPort{}))
	assert.Equal(t, "203.0.113.7:41641", fmtAddr(netip.MustParseAddrPort("203.0.113.7:41641")))
}

// TestPrintReport 测试报告输出包含反射地址、NAT 类型、回环结果与中继时延
func TestPrintReport(t *testing.T) {
	relay := types.RelayURL("https://relay.example.com/derp")
	down := types.RelayURL("https://down.example.com/derp")
	hairpin := true
	r := &types.Report{
		UDP:            true,
		IPv4:           true,
		GlobalV4:       netip.MustParseAddrPort("203.0.113.7:41641"),
		NAT:            types.NATEasy,
		RelayLatency:   map[types.RelayURL]time.Duration{relay: 12 * time.Millisecond},
		RelayDown:      []types.RelayURL{down},
		PreferredRelay: relay,
		HairPinning:    &hairpin,
	}

	var buf bytes.Buffer
	printReport(&buf, r)
	out := buf.String()
	assert.Contains(t, out, "203.0.113.7:41641")
	assert.Contains(t, out, "(-)")
	assert.Contains(t, out, types.NATEasy.String())
	assert.Contains(t, out, string(relay))
	assert.Contains(t, out, "12ms")
	assert.Contains(t, out, string(down))
	assert.Contains(t, out, "NAT 回环:      true")
}
