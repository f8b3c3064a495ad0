// Package emails holds the extraction, validation, classification, and
// fingerprinting rules shared by the extract and generate stages and the
// store-writer.
package emails

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"

	"mailsweep/internal/models"
)

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// anchored variant for validating a whole candidate string.
var emailExact = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

// atToken and dotToken match the bracketed at/dot spellings together
// with any whitespace around them, so "sales [at] bigco" collapses to
// "sales@bigco" instead of "sales @ bigco".
var (
	atToken  = regexp.MustCompile(`\s*(?:\[at\]|\(at\))\s*`)
	dotToken = regexp.MustCompile(`\s*(?:\[dot\]|\(dot\))\s*`)
)

// deobfuscator undoes the bare-word " at "/" dot " spellings after the
// bracketed forms have been normalized. Replacements happen in one pass.
var deobfuscator = strings.NewReplacer(
	" at ", "@",
	" dot ", ".",
)

// assetExtensions are suffixes that mark a regex hit as a file path,
// not an address (e.g. logo@2x.png).
var assetExtensions = []string{
	".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico", ".css", ".js",
}

// defaultFakeDomains are placeholder domains that never belong to a lead.
var defaultFakeDomains = []string{
	"example.com", "example.org", "example.net",
	"test.com", "test.org", "test.net", "testing.com",
	"localhost", "localhost.localdomain",
	"email.com", "domain.com", "yourdomain.com", "mydomain.com",
	"company.com", "yourcompany.com", "sample.com",
}

// webmailDomains identify personal inboxes for classification.
var webmailDomains = map[string]struct{}{
	"gmail.com": {}, "yahoo.com": {}, "outlook.com": {}, "hotmail.com": {},
	"aol.com": {}, "icloud.com": {}, "protonmail.com": {}, "proton.me": {},
	"mail.com": {}, "zoho.com": {}, "gmx.com": {}, "yandex.com": {},
	"live.com": {}, "msn.com": {},
}

// executiveKeywords classify an address as belonging to a decision maker
// when one appears in the local part.
var executiveKeywords = []string{
	"ceo", "cto", "cfo", "coo", "founder", "owner", "president",
	"director", "vp", "chief", "principal", "partner",
}

// roleLocalParts are the fixed local parts the generate stage tries.
var roleLocalParts = []string{
	"info", "contact", "sales", "support", "admin", "hello", "office", "team",
}

const maxSlugLen = 30

// Extractor applies the shared validation rules. The fake-domain list is
// extendable per deployment.
type Extractor struct {
	fake map[string]struct{}
}

// New builds an Extractor with the default placeholder-domain list plus
// any extras.
func New(extraFakeDomains ...string) *Extractor {
	fake := make(map[string]struct{}, len(defaultFakeDomains)+len(extraFakeDomains))
	for _, d := range defaultFakeDomains {
		fake[d] = struct{}{}
	}
	for _, d := range extraFakeDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			fake[d] = struct{}{}
		}
	}
	return &Extractor{fake: fake}
}

// Deobfuscate rewrites textual at/dot spellings so the regex can see the
// address.
func Deobfuscate(text string) string {
	text = atToken.ReplaceAllString(text, "@")
	text = dotToken.ReplaceAllString(text, ".")
	return deobfuscator.Replace(text)
}

// Extract returns every valid address found in text, lowercased, deduped,
// in first-occurrence order.
func (e *Extractor) Extract(text string) []string {
	matches := emailPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		addr := strings.ToLower(m)
		if _, dup := seen[addr]; dup {
			continue
		}
		if !IsValid(addr) || e.IsFakeDomain(Domain(addr)) {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// IsValid reports whether the candidate looks like a real address and not
// a path or asset reference swept up by the regex.
func IsValid(email string) bool {
	if len(email) < 6 || len(email) > 254 {
		return false
	}
	if strings.ContainsAny(email, "/ ") || strings.Contains(email, "..") {
		return false
	}
	lower := strings.ToLower(email)
	for _, ext := range assetExtensions {
		if strings.HasSuffix(lower, ext) {
			return false
		}
	}
	return emailExact.MatchString(email)
}

// IsFakeDomain reports whether domain is an exact match against the
// placeholder list.
func (e *Extractor) IsFakeDomain(domain string) bool {
	_, ok := e.fake[strings.ToLower(domain)]
	return ok
}

// Domain returns the part after the last @, lowercased.
func Domain(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

// Fingerprint returns the deterministic one-way hash of the canonicalized
// address, used as the dedup and storage key. ok is false for invalid or
// fake-domain input.
func (e *Extractor) Fingerprint(email string) (string, bool) {
	addr := strings.ToLower(strings.TrimSpace(email))
	if !IsValid(addr) || e.IsFakeDomain(Domain(addr)) {
		return "", false
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(addr)), true
}

// Classify applies the three-tier rule: webmail domain, executive local
// part, else plain domain address.
func Classify(email string) models.EmailType {
	addr := strings.ToLower(email)
	if _, ok := webmailDomains[Domain(addr)]; ok {
		return models.EmailTypePersonal
	}
	local := addr
	if at := strings.LastIndexByte(addr, '@'); at >= 0 {
		local = addr[:at]
	}
	for _, kw := range executiveKeywords {
		if strings.Contains(local, kw) {
			return models.EmailTypeExecutive
		}
	}
	return models.EmailTypeDomain
}

// RegistrableDomain returns the grouping key for a page URL: its host
// with any www. prefix stripped.
func RegistrableDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// Slugify lowercases a company name, turns separators into hyphens,
// drops everything else, and bounds the length.
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case r == ' ' || r == '-' || r == '_' || r == '.':
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	return slug
}

// Candidates synthesizes pattern-based addresses for a domain with no
// naturally found email: role local parts at the domain, plus the company
// slug at the domain and as a sub-domain variant.
func Candidates(domain, companyName string) []string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil
	}
	out := make([]string, 0, len(roleLocalParts)+2)
	for _, local := range roleLocalParts {
		out = append(out, local+"@"+domain)
	}
	if slug := Slugify(companyName); slug != "" {
		out = append(out, slug+"@"+domain, "info@"+slug+"."+domain)
	}
	return out
}
