// Package providers classifies email domains against two embedded tables:
// free mailbox providers and corporate/enterprise domains. Both load once
// at process start and are read-only afterwards.
package providers

import (
	_ "embed"
	"strings"
)

//go:embed free.txt
var rawFree string

//go:embed corporate.txt
var rawCorporate string

var (
	freeSet      map[string]struct{}
	corporateSet map[string]struct{}
	freeList     []string
)

func init() {
	freeSet, freeList = load(rawFree)
	corporateSet, _ = load(rawCorporate)
}

func load(raw string) (map[string]struct{}, []string) {
	set := make(map[string]struct{})
	var list []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.ToLower(line)
		if _, dup := set[line]; dup {
			continue
		}
		set[line] = struct{}{}
		list = append(list, line)
	}
	return set, list
}

// IsFree reports whether domain belongs to a known free mailbox provider.
func IsFree(domain string) bool {
	_, ok := freeSet[strings.ToLower(domain)]
	return ok
}

// IsCorporate reports whether domain is treated as a corporate domain:
// either it appears in the enterprise table, or it is an .edu / .gov
// domain.
func IsCorporate(domain string) bool {
	domain = strings.ToLower(domain)
	if _, ok := corporateSet[domain]; ok {
		return true
	}
	return strings.HasSuffix(domain, ".edu") || strings.HasSuffix(domain, ".gov")
}

// Known returns the free-provider domains in list order, for typo
// suggestion matching. Callers must not mutate the returned slice.
func Known() []string { return freeList }
