package condition

import (
	"fmt"
	"net"
	"regexp"
	"sync"
)

var (
	regexps sync.Map // pattern -> *regexp.Regexp
	cidrs   sync.Map // cidr -> *net.IPNet
)

func compileRegex(pattern string) (*regexp.Regexp, error) {
	if r, ok := regexps.Load(pattern); ok {
		return r.(*regexp.Regexp), nil
	}
	r, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("condition regex: %w", err)
	}
	regexps.Store(pattern, r)
	return r, nil
}

func parseCIDR(s string) (*net.IPNet, error) {
	if n, ok := cidrs.Load(s); ok {
		return n.(*net.IPNet), nil
	}
	_, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return nil, fmt.Errorf("condition cidr: %w", err)
	}
	cidrs.Store(s, ipnet)
	return ipnet, nil
}
