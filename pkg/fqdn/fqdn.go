// Package fqdn provides strict hostname validation and the domain helpers
// used by certificate issuance: registrable-parent lookup, wildcard
// normalization, and common-name selection for a set of subject names.
package fqdn

import "strings"

// Valid reports whether domain is a strictly valid fully qualified domain
// name: a TLD is required, underscores and trailing dots are rejected, and a
// single leading wildcard label is allowed.
func Valid(domain string) bool {
	if domain == "" || strings.HasSuffix(domain, ".") {
		return false
	}
	if rest, ok := strings.CutPrefix(domain, "*."); ok {
		domain = rest
	}

	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if !validLabel(label) {
			return false
		}
	}
	return validTLD(labels[len(labels)-1])
}

func validLabel(label string) bool {
	if len(label) == 0 || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return false
		}
	}
	return true
}

// validTLD rejects all-numeric and single-character top level labels.
func validTLD(tld string) bool {
	if len(tld) < 2 {
		return false
	}
	for i := 0; i < len(tld); i++ {
		c := tld[i]
		if c < '0' || c > '9' {
			return true
		}
	}
	return false
}

// StripWildcard removes a leading "*." so a wildcard name maps onto the
// challenge name of its base domain.
func StripWildcard(domain string) string {
	return strings.TrimPrefix(domain, "*.")
}

// ChallengeName builds the DNS-01 challenge owner name for a domain.
func ChallengeName(domain string) string {
	return "_acme-challenge." + StripWildcard(domain)
}

// RegistrableParent returns the last two labels of a domain, the zone a
// delegated DNS provider manages records under.
func RegistrableParent(domain string) string {
	parts := strings.Split(StripWildcard(domain), ".")
	if len(parts) < 2 {
		return domain
	}
	return parts[len(parts)-2] + "." + parts[len(parts)-1]
}

// HasSubdomain reports whether domain carries labels below its registrable
// parent.
func HasSubdomain(domain string) bool {
	return len(strings.Split(StripWildcard(domain), ".")) > 2
}

// Subdomain returns the labels below the registrable parent, joined by dots.
func Subdomain(domain string) string {
	parts := strings.Split(StripWildcard(domain), ".")
	if len(parts) <= 2 {
		return ""
	}
	return strings.Join(parts[:len(parts)-2], ".")
}

// Dedupe returns the domains with duplicates removed, preserving order.
func Dedupe(domains []string) []string {
	seen := make(map[string]struct{}, len(domains))
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// CommonName selects the certificate subject: the first apex domain (exactly
// two labels) in the list, or the first entry when none is an apex.
func CommonName(domains []string) string {
	if len(domains) == 0 {
		return ""
	}
	for _, d := range domains {
		if len(strings.Split(d, ".")) == 2 {
			return d
		}
	}
	return domains[0]
}
