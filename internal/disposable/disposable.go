// Package disposable answers whether a domain belongs to a throwaway
// email provider. The list ships with the binary via go:embed and is
// loaded once at process start; lookups are read-only afterwards.
package disposable

import (
	_ "embed"
	"strings"
)

//go:embed list.txt
var rawList string

var set map[string]struct{}

func init() {
	set = make(map[string]struct{})
	for _, line := range strings.Split(rawList, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set[strings.ToLower(line)] = struct{}{}
	}
}

// Has reports whether domain, or any parent domain of it, is a known
// disposable domain. The match is case-insensitive, so a provider cannot
// dodge the list by handing out subdomains.
func Has(domain string) bool {
	domain = strings.ToLower(domain)
	for domain != "" {
		if _, ok := set[domain]; ok {
			return true
		}
		i := strings.Index(domain, ".")
		if i < 0 {
			break
		}
		domain = domain[i+1:]
	}
	return false
}

// Count returns the size of the embedded list.
func Count() int { return len(set) }
