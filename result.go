package verifyd

import (
	"strings"
	"time"
	"unicode"

	"github.com/optimode/verifyd/internal/dnsx"
	"github.com/optimode/verifyd/internal/levenshtein"
	"github.com/optimode/verifyd/internal/parse"
	"github.com/optimode/verifyd/internal/providers"
	"github.com/optimode/verifyd/internal/smtpprobe"
)

// Verification statuses.
const (
	StatusValid    = "valid"
	StatusInvalid  = "invalid"
	StatusCatchAll = "catch-all"
	StatusError    = "error"
)

// typoThreshold is the maximum edit distance for a didYouMean suggestion.
const typoThreshold = 2

// Result is the public record of one verification. Every field is present
// on every code path; missing data is the literal "Unknown" or null, so
// downstream serialisation is stable.
type Result struct {
	Email         string  `json:"email,omitempty"` // populated in bulk results
	Status        string  `json:"status"`
	SubStatus     *string `json:"subStatus"`
	Account       string  `json:"account"`
	Domain        string  `json:"domain"`
	MXFound       string  `json:"mxFound"` // "Yes" | "No"
	MXRecord      *string `json:"mxRecord"`
	SMTPProvider  string  `json:"smtpProvider"`
	DMARCPolicy   *string `json:"dmarcPolicy"`
	FirstName     string  `json:"firstName"`
	LastName      string  `json:"lastName"`
	FreeEmail     string  `json:"freeEmail"` // "Yes" | "No" | "Unknown"
	DidYouMean    string  `json:"didYouMean"`
	DomainAgeDays string  `json:"domainAgeDays"`
	Message       string  `json:"message"`
	IsValid       bool    `json:"isValid"`
}

// outcome is the internal verification outcome the status mapper projects
// into a Result.
type outcome struct {
	valid       bool
	errKind     ErrorKind // empty when valid
	reason      string
	mxRecord    string // empty when none
	dmarc       *dnsx.DMARC
	isCatchAll  bool
	isCorporate bool
	logs        []smtpprobe.StageLog
	duration    time.Duration
}

// mapResult is the status mapper: a pure projection of (address, outcome)
// into the public record.
func mapResult(addr parse.Address, o outcome) Result {
	r := Result{
		Account:       addr.Local,
		Domain:        addr.Domain,
		MXFound:       "No",
		SMTPProvider:  "Unknown",
		FreeEmail:     "Unknown",
		DidYouMean:    "Unknown",
		DomainAgeDays: "Unknown",
	}
	if r.Account == "" {
		r.Account = addr.Raw
	}
	if r.Domain == "" {
		r.Domain = "Unknown"
	}

	r.FirstName, r.LastName = nameFromLocal(addr.Local)

	if o.mxRecord != "" {
		mx := o.mxRecord
		r.MXRecord = &mx
		r.MXFound = "Yes"
		if label, _, _ := strings.Cut(mx, "."); label != "" {
			r.SMTPProvider = strings.ToLower(label)
		}
	}

	if o.dmarc != nil {
		policy := o.dmarc.Policy
		r.DMARCPolicy = &policy
	}

	// FreeEmail stays "Unknown" only when the domain itself is unknown,
	// i.e. the input never parsed.
	if addr.Valid {
		if providers.IsFree(addr.Domain) {
			r.FreeEmail = "Yes"
		} else {
			r.FreeEmail = "No"
		}
		if suggestion, ok := levenshtein.Closest(addr.DomainUnicode, providers.Known(), typoThreshold); ok {
			r.DidYouMean = addr.Local + "@" + suggestion
		}
	}

	r.Status, r.SubStatus = statusFor(o)
	r.IsValid = r.Status == StatusValid || r.Status == StatusCatchAll
	r.Message = messageFor(o, r)
	return r
}

// statusFor derives (status, subStatus) from the outcome.
func statusFor(o outcome) (string, *string) {
	if o.valid {
		if o.isCatchAll {
			// A corporate catch-all is deliberate configuration and
			// counts as deliverable; anywhere else it defeats the probe.
			return StatusCatchAll, nil
		}
		return StatusValid, nil
	}

	switch o.errKind {
	case KindSystemError:
		return StatusError, tag(KindSystemError)
	case "":
		return StatusInvalid, nil
	default:
		return StatusInvalid, tag(o.errKind)
	}
}

func tag(k ErrorKind) *string {
	s := string(k)
	return &s
}

// messageFor yields the human-readable phrase: the outcome's own reason
// when present, otherwise a canonical phrase keyed off the status.
func messageFor(o outcome, r Result) string {
	if o.reason != "" {
		return o.reason
	}
	switch r.Status {
	case StatusValid:
		return "Valid email address"
	case StatusCatchAll:
		return "Valid corporate email domain with catch-all configuration"
	case StatusError:
		return "Internal error during verification"
	}

	if r.SubStatus != nil {
		switch ErrorKind(*r.SubStatus) {
		case KindFormatError:
			return "Invalid email format"
		case KindDisposable:
			return "Disposable email addresses are not allowed"
		case KindCatchAllDetected:
			return "Catch-all domain detected"
		case KindMailboxNotFound:
			return "Mailbox does not exist"
		case KindNoMXRecord:
			return "No MX records found for domain"
		case KindDNSError:
			return "DNS lookup failed"
		case KindTimeoutError:
			return "Verification timed out"
		case KindRateLimitExceeded:
			return "Rate limit exceeded"
		}
	}
	return "Email verification failed"
}

// nameFromLocal derives (firstName, lastName) from the local part:
// dots and underscores become spaces, parts are title-cased.
func nameFromLocal(local string) (string, string) {
	cleaned := strings.NewReplacer(".", " ", "_", " ").Replace(local)
	parts := strings.Fields(cleaned)
	for i, p := range parts {
		parts[i] = capitalize(p)
	}

	switch len(parts) {
	case 0:
		return "Unknown", "Unknown"
	case 1:
		return parts[0], "Unknown"
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

func capitalize(s string) string {
	runes := []rune(strings.ToLower(s))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
