// Package parse splits raw email address input into the pieces the
// verification pipeline works with.
package parse

import (
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

// shape is the coarse deliverability shape: something without spaces or @
// on both sides of the last @, and at least one dot in the domain. Deeper
// RFC validation is deliberately not applied; the SMTP conversation is the
// authority on whether a mailbox exists.
var shape = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Address is a lexically split email address. Local and Domain come from
// splitting Raw on its last "@". Domain is the ASCII/Punycode form used for
// DNS and SMTP; DomainUnicode is the display form.
type Address struct {
	Raw           string
	Local         string
	Domain        string
	DomainUnicode string
	Valid         bool
}

// Split parses raw into an Address. Valid is false when raw does not match
// the coarse shape or its domain fails IDNA2008 conversion; Raw, and when
// possible Local and Domain, are still populated so error results can echo
// what the caller sent.
func Split(raw string) Address {
	raw = strings.TrimSpace(raw)
	addr := Address{Raw: raw}

	at := strings.LastIndex(raw, "@")
	if at > 0 && at < len(raw)-1 {
		addr.Local = raw[:at]
		addr.Domain = strings.ToLower(raw[at+1:])
		addr.DomainUnicode = addr.Domain
	}

	if !shape.MatchString(raw) {
		return addr
	}

	ascii, display, ok := domainForms(addr.Domain)
	if !ok {
		return addr
	}
	addr.Domain = ascii
	addr.DomainUnicode = display
	addr.Valid = true
	return addr
}

// domainForms converts a lowercased domain to ASCII/Punycode and Unicode
// display forms. ok is false when a non-ASCII domain fails IDNA2008.
func domainForms(domain string) (ascii, display string, ok bool) {
	nonASCII := false
	for _, r := range domain {
		if r > 127 {
			nonASCII = true
			break
		}
	}

	if nonASCII {
		a, err := idna.Lookup.ToASCII(domain)
		if err != nil {
			return "", "", false
		}
		return a, domain, true
	}

	// Already ASCII; recover the Unicode form for display when the input
	// is Punycode (xn--mnchen-3ya.de -> münchen.de).
	u, err := idna.Display.ToUnicode(domain)
	if err != nil {
		u = domain
	}
	return domain, u, true
}
