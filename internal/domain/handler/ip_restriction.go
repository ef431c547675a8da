package handler

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// IPRestrictionHandler tests the source IP against allowed and denied ranges.
// Denied ranges take precedence.
type IPRestrictionHandler struct{}

// Type implements Handler.
func (h *IPRestrictionHandler) Type() policy.Type { return policy.TypeIPRestriction }

// Compile implements Handler.
func (h *IPRestrictionHandler) Compile(_ policy.Policy, cfg policy.Config) (Rule, error) {
	c, err := configAs[policy.IPRestrictionConfig](cfg)
	if err != nil {
		return nil, err
	}
	allowed, err := parsePrefixes(c.AllowedCIDRs)
	if err != nil {
		return nil, fmt.Errorf("allowedCidrs: %w", err)
	}
	denied, err := parsePrefixes(c.DeniedCIDRs)
	if err != nil {
		return nil, fmt.Errorf("deniedCidrs: %w", err)
	}
	return &ipRestrictionRule{allowed: allowed, denied: denied}, nil
}

func parsePrefixes(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		p, err := policy.ParsePrefix(v)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", v, err)
		}
		out = append(out, p)
	}
	return out, nil
}

type ipRestrictionRule struct {
	allowed []netip.Prefix
	denied  []netip.Prefix
}

func containing(prefixes []netip.Prefix, addr netip.Addr) (netip.Prefix, bool) {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return p, true
		}
	}
	return netip.Prefix{}, false
}

// parseSourceIP accepts bare addresses and host:port forms.
func parseSourceIP(s string) (netip.Addr, error) {
	s = strings.TrimSpace(s)
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.Unmap(), nil
}

func (r *ipRestrictionRule) Evaluate(_ context.Context, in Input) (Result, error) {
	if in.Request.SourceIP == "" {
		return deny("source IP is missing"), nil
	}
	addr, err := parseSourceIP(in.Request.SourceIP)
	if err != nil {
		return deny(fmt.Sprintf("source IP %q is not a valid address", in.Request.SourceIP)), nil
	}
	if p, ok := containing(r.denied, addr); ok {
		return deny(fmt.Sprintf("source IP %s is in denied range %s", addr, p)), nil
	}
	if len(r.allowed) == 0 {
		return notApplicable(fmt.Sprintf("source IP %s is not in any denied range", addr)), nil
	}
	if p, ok := containing(r.allowed, addr); ok {
		return allow(fmt.Sprintf("source IP %s is in allowed range %s", addr, p)), nil
	}
	return deny(fmt.Sprintf("source IP %s is not in any allowed range", addr)), nil
}
