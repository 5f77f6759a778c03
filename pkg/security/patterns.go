package security

import (
	"bytes"
	"crypto/sha256"
	"math/big"
	"net"
	"regexp"
	"strings"
)

// PII types. The placeholder for a type is "[REDACTED:<TYPE>]".
const (
	TypeEmail       = "EMAIL"
	TypePhone       = "PHONE"
	TypeAPIKey      = "API_KEY"
	TypeAWSKey      = "AWS_KEY"
	TypeGitHubToken = "GITHUB_TOKEN"
	TypePrivateKey  = "PRIVATE_KEY"
	TypeJWT         = "JWT"
	TypePassword    = "PASSWORD"
	TypeBearer      = "BEARER"
	TypeIPv4        = "IPV4"
	TypeIPv6        = "IPV6"
	TypeMAC         = "MAC"
	TypeSSN         = "SSN"
	TypeCreditCard  = "CREDIT_CARD"
	TypeEthAddress  = "ETH_ADDRESS"
	TypeBTCAddress  = "BTC_ADDRESS"
)

// Pattern categories accepted in security.patterns.
const (
	CategoryContact    = "contact"
	CategoryCredential = "credential"
	CategoryNetwork    = "network"
	CategoryIdentity   = "identity"
)

var (
	privateKeyRegex    = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)
	jwtRegex           = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{4,}\.eyJ[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]{4,}`)
	bearerRegex        = regexp.MustCompile(`(?i)(\bbearer\s+)([A-Za-z0-9._~+/=-]{8,})`)
	passwordRegex      = regexp.MustCompile(`(?i)(\b[\w-]*(?:password|passwd|pwd|secret)["']?\s*[:=]\s*["']?)([^\s"',;]+)`)
	awsKeyRegex        = regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)
	githubTokenRegex   = regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,})\b`)
	apiKeyLiteralRegex = regexp.MustCompile(`\b(?:sk|pk|rk)_(?:live|test)_[A-Za-z0-9]{16,}\b|\bsk-[A-Za-z0-9_-]{20,}`)
	apiKeyAssignRegex  = regexp.MustCompile(`(?i)(\b[\w-]*(?:api[_-]?key|access[_-]?token|auth[_-]?token|token)["']?\s*[:=]\s*["']?)([^\s"',;]+)`)
	emailRegex         = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	ethAddressRegex    = regexp.MustCompile(`\b0x[a-fA-F0-9]{40}\b`)
	btcAddressRegex    = regexp.MustCompile(`\b[13][a-km-zA-HJ-NP-Z1-9]{25,34}\b|\bbc1[ac-hj-np-z02-9]{39,59}\b`)
	creditCardRegex    = regexp.MustCompile(`\b(?:\d{4}[ -]){3}\d{1,7}\b|\b\d{4}[ -]\d{6}[ -]\d{5}\b|\b\d{13,19}\b`)
	ssnRegex           = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	phoneRegex         = regexp.MustCompile(`(?:\+\d{1,3}[ .-]?)?\(?\b\d{3}\)?[ .-]\d{3}[ .-]\d{4}\b`)
	ipv6Regex          = regexp.MustCompile(`\b[0-9A-Fa-f]{1,4}(?::[0-9A-Fa-f]{0,4}){2,7}\b`)
	macRegex           = regexp.MustCompile(`\b(?:[0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}\b`)
	ipv4Regex          = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`)
)

// pattern is one detector. When keepPrefix is set the regex has two groups:
// the first (a keyword like "password=") survives and only the second is
// replaced.
type pattern struct {
	typ        string
	category   string
	re         *regexp.Regexp
	keepPrefix bool
	valid      func(string) bool
}

// builtinPatterns is applied in order. Credentials run first so that a
// token body is never half-claimed by a broader network or number rule.
var builtinPatterns = []pattern{
	{typ: TypePrivateKey, category: CategoryCredential, re: privateKeyRegex},
	{typ: TypeJWT, category: CategoryCredential, re: jwtRegex},
	{typ: TypeBearer, category: CategoryCredential, re: bearerRegex, keepPrefix: true},
	{typ: TypePassword, category: CategoryCredential, re: passwordRegex, keepPrefix: true, valid: notRedacted},
	{typ: TypeAWSKey, category: CategoryCredential, re: awsKeyRegex},
	{typ: TypeGitHubToken, category: CategoryCredential, re: githubTokenRegex},
	{typ: TypeAPIKey, category: CategoryCredential, re: apiKeyLiteralRegex},
	{typ: TypeAPIKey, category: CategoryCredential, re: apiKeyAssignRegex, keepPrefix: true, valid: notRedacted},
	{typ: TypeEmail, category: CategoryContact, re: emailRegex},
	{typ: TypeEthAddress, category: CategoryIdentity, re: ethAddressRegex},
	{typ: TypeBTCAddress, category: CategoryIdentity, re: btcAddressRegex, valid: validBTCAddress},
	{typ: TypeCreditCard, category: CategoryIdentity, re: creditCardRegex, valid: validLuhn},
	{typ: TypeSSN, category: CategoryIdentity, re: ssnRegex, valid: validSSN},
	{typ: TypePhone, category: CategoryContact, re: phoneRegex},
	{typ: TypeIPv6, category: CategoryNetwork, re: ipv6Regex, valid: validIPv6},
	{typ: TypeMAC, category: CategoryNetwork, re: macRegex},
	{typ: TypeIPv4, category: CategoryNetwork, re: ipv4Regex},
}

const placeholderPrefix = "[REDACTED:"

func placeholder(typ string) string { return placeholderPrefix + typ + "]" }

// notRedacted keeps keyword rules from claiming their own placeholder.
func notRedacted(s string) bool { return !strings.HasPrefix(s, placeholderPrefix) }

// span returns the byte range to replace for one submatch location.
func (p pattern) span(loc []int) (int, int) {
	if p.keepPrefix && len(loc) >= 6 && loc[4] >= 0 {
		return loc[4], loc[5]
	}
	return loc[0], loc[1]
}

func (p pattern) find(s string) [][2]int {
	var out [][2]int
	for _, loc := range p.re.FindAllStringSubmatchIndex(s, -1) {
		start, end := p.span(loc)
		if start >= end {
			continue
		}
		if p.valid != nil && !p.valid(s[start:end]) {
			continue
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

func (p pattern) replace(s string) string {
	spans := p.find(s)
	if len(spans) == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, sp := range spans {
		b.WriteString(s[last:sp[0]])
		b.WriteString(placeholder(p.typ))
		last = sp[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

func digitsOf(s string) []int {
	out := make([]int, 0, len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			out = append(out, int(r-'0'))
		}
	}
	return out
}

// validLuhn checks the mod-10 checksum of a 13 to 19 digit card number.
func validLuhn(s string) bool {
	digits := digitsOf(s)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if (len(digits)-1-i)%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}

// validSSN rejects area 000, 666 and 900-999, group 00 and serial 0000.
func validSSN(s string) bool {
	d := digitsOf(s)
	if len(d) != 9 {
		return false
	}
	area := d[0]*100 + d[1]*10 + d[2]
	group := d[3]*10 + d[4]
	serial := d[5]*1000 + d[6]*100 + d[7]*10 + d[8]
	if area == 0 || area == 666 || area >= 900 {
		return false
	}
	return group != 0 && serial != 0
}

func validIPv6(s string) bool {
	if strings.Count(s, ":") < 2 {
		return false
	}
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() == nil
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// validBTCAddress accepts bech32 addresses by shape and legacy addresses
// only when their Base58Check checksum holds.
func validBTCAddress(s string) bool {
	if strings.HasPrefix(s, "bc1") {
		return true
	}
	n := new(big.Int)
	radix := big.NewInt(58)
	for _, r := range s {
		i := strings.IndexRune(base58Alphabet, r)
		if i < 0 {
			return false
		}
		n.Mul(n, radix)
		n.Add(n, big.NewInt(int64(i)))
	}
	zeros := 0
	for zeros < len(s) && s[zeros] == '1' {
		zeros++
	}
	raw := append(make([]byte, zeros), n.Bytes()...)
	if len(raw) != 25 {
		return false
	}
	first := sha256.Sum256(raw[:21])
	second := sha256.Sum256(first[:])
	return bytes.Equal(second[:4], raw[21:])
}
