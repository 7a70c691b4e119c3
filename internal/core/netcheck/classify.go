package netcheck

import (
	"net/netip"

	"github.com/dep2p/go-magicnet/pkg/types"
)

// Classify 根据探测样本推断 NAT 类型
//
// 规则：
//   - 无样本：Unknown
//   - 每个样本观察到的地址都是本机地址且端口未变：None
//   - 同一本地端口经多个中继探测时，比较该端口的观察结果：
//     所有端口都稳定为 Easy，所有端口每次都不同为 SymmetricLike，其余为 Hard
//   - 每个本地端口只有一个样本时，跨端口比较：
//     全部相同为 Easy，全部不同为 SymmetricLike，其余为 Hard
func Classify(samples []types.Sample, locals []netip.Addr) types.NATType {
	if len(samples) == 0 {
		return types.NATUnknown
	}
	if allLocal(samples, locals) {
		return types.NATNone
	}

	byPort := make(map[uint16][]netip.AddrPort)
	order := make([]uint16, 0, len(samples))
	for _, s := range samples {
		if _, ok := byPort[s.LocalPort]; !ok {
			order = append(order, s.LocalPort)
		}
		byPort[s.LocalPort] = append(byPort[s.LocalPort], s.Observed)
	}

	multi, stable, varying := 0, 0, 0
	for _, p := range order {
		obs := byPort[p]
		if len(obs) < 2 {
			continue
		}
		multi++
		switch {
		case distinct(obs) == 1:
			stable++
		case distinct(obs) == len(obs):
			varying++
		}
	}
	if multi > 0 {
		return verdict(multi, stable, varying)
	}

	all := make([]netip.AddrPort, 0, len(samples))
	for _, s := range samples {
		all = append(all, s.Observed)
	}
	if len(all) < 2 {
		return types.NATEasy
	}
	switch distinct(all) {
	case 1:
		return types.NATEasy
	case len(all):
		return types.NATSymmetricLike
	default:
		return types.NATHard
	}
}

func verdict(total, stable, varying int) types.NATType {
	switch {
	case stable == total:
		return types.NATEasy
	case varying == total:
		return types.NATSymmetricLike
	default:
		return types.NATHard
	}
}

func distinct(addrs []netip.AddrPort) int {
	seen := make(map[netip.AddrPort]struct{}, len(addrs))
	for _, a := range addrs {
		seen[a] = struct{}{}
	}
	return len(seen)
}

func allLocal(samples []types.Sample, locals []netip.Addr) bool {
	if len(locals) == 0 {
		return false
	}
	for _, s := range samples {
		if s.Observed.Port() != s.LocalPort || !containsAddr(locals, s.Observed.Addr()) {
			return false
		}
	}
	return true
}

func containsAddr(list []netip.Addr, a netip.Addr) bool {
	a = a.Unmap()
	for _, l := range list {
		if l.Unmap() == a {
			return true
		}
	}
	return false
}

// mappingVariesByDest 判断同一本地端口发往不同中继时映射是否变化
//
// 没有任何本地端口被两个以上中继探测到时返回 nil（未知）。
func mappingVariesByDest(samples []types.Sample) *bool {
	type key struct {
		port  uint16
		relay types.RelayURL
	}
	first := make(map[uint16]netip.AddrPort)
	seen := make(map[key]bool)
	var result *bool
	for _, s := range samples {
		k := key{s.LocalPort, s.Relay}
		if seen[k] {
			continue
		}
		seen[k] = true
		prev, ok := first[s.LocalPort]
		if !ok {
			first[s.LocalPort] = s.Observed
			continue
		}
		varies := prev != s.Observed
		if result == nil {
			result = new(bool)
		}
		*result = *result || varies
	}
	return result
}
