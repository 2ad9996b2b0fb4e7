// Package smtpserver binds the inbound SMTP listener to the ingestion
// pipeline: session admission, per-command policy hooks, MIME parsing and
// task creation.
package smtpserver

import (
	"strings"

	"github.com/theviktor/inbound-email/internal/email"
	"github.com/theviktor/inbound-email/internal/ratelimit"
)

// Decision is the result of a policy hook. The zero value accepts; a
// non-zero Code rejects with that SMTP status. Only the session layer
// translates decisions into the SMTP library's error shape.
type Decision struct {
	Code    int
	Message string
}

// Rejected reports whether the decision refuses the command.
func (d Decision) Rejected() bool { return d.Code != 0 }

var accept = Decision{}

// Policy evaluates the configured admission rules. It is shared by all
// sessions; the rate limiter serializes its own state.
type Policy struct {
	allowedClients map[string]struct{}
	trustedRelays  map[string]struct{}
	requireRelay   bool

	senderDomains    []string
	recipientDomains []string

	requiredAuthResults []string

	limiter *ratelimit.Limiter
}

// PolicyOptions carries the configured admission rules.
type PolicyOptions struct {
	AllowedClients      []string
	TrustedRelayIPs     []string
	RequireTrustedRelay bool
	SenderDomains       []string
	RecipientDomains    []string
	RequiredAuthResults []string
}

// NewPolicy builds the admission policy. limiter may be nil to disable
// connection rate limiting.
func NewPolicy(opts PolicyOptions, limiter *ratelimit.Limiter) *Policy {
	return &Policy{
		allowedClients:      ipSet(opts.AllowedClients),
		trustedRelays:       ipSet(opts.TrustedRelayIPs),
		requireRelay:        opts.RequireTrustedRelay,
		senderDomains:       lowerAll(opts.SenderDomains),
		recipientDomains:    lowerAll(opts.RecipientDomains),
		requiredAuthResults: opts.RequiredAuthResults,
		limiter:             limiter,
	}
}

// CheckConnect runs the on-connect hook for a normalized remote IP.
func (p *Policy) CheckConnect(ip string) Decision {
	if len(p.allowedClients) > 0 {
		if _, ok := p.allowedClients[ip]; !ok {
			return Decision{Code: 550, Message: "Client not allowed"}
		}
	}
	if p.requireRelay && !p.IsTrustedRelay(ip) {
		return Decision{Code: 550, Message: "Relay not trusted"}
	}
	if p.limiter != nil && !p.limiter.Allow(ip) {
		return Decision{Code: 421, Message: "Too many connections, try again later"}
	}
	return accept
}

// CheckSender runs the MAIL FROM hook.
func (p *Policy) CheckSender(addr string) Decision {
	if len(p.senderDomains) == 0 {
		return accept
	}
	if domainAllowed(addr, p.senderDomains) {
		return accept
	}
	return Decision{Code: 553, Message: "Sender domain not allowed"}
}

// CheckRecipient runs the RCPT TO hook.
func (p *Policy) CheckRecipient(addr string) Decision {
	if len(p.recipientDomains) == 0 {
		return accept
	}
	if domainAllowed(addr, p.recipientDomains) {
		return accept
	}
	return Decision{Code: 553, Message: "Recipient domain not allowed"}
}

// CheckAuthResults enforces the post-parse authentication policy: when
// required tokens are configured, the message must come from a trusted
// relay and its Authentication-Results header must contain every token as a
// case-insensitive substring.
func (p *Policy) CheckAuthResults(parsed *email.ParsedEmail, fromTrustedRelay bool) Decision {
	if len(p.requiredAuthResults) == 0 {
		return accept
	}
	if !fromTrustedRelay {
		return Decision{Code: 550, Message: "Authentication results required from trusted relay"}
	}

	header := strings.ToLower(strings.Join(parsed.Header("Authentication-Results"), " "))
	for _, token := range p.requiredAuthResults {
		if !strings.Contains(header, strings.ToLower(token)) {
			return Decision{Code: 550, Message: "Required authentication result missing: " + token}
		}
	}
	return accept
}

// IsTrustedRelay reports whether the normalized IP is in the trust set.
func (p *Policy) IsTrustedRelay(ip string) bool {
	_, ok := p.trustedRelays[ip]
	return ok
}

// NormalizeIP strips an optional port, removes the IPv4-mapped IPv6 prefix
// and lowercases the result.
func NormalizeIP(addr string) string {
	ip := addr
	// host:port or [v6]:port
	if i := strings.LastIndex(addr, ":"); i >= 0 && strings.Count(addr, ":") == 1 {
		ip = addr[:i]
	} else if strings.HasPrefix(addr, "[") {
		if j := strings.Index(addr, "]"); j > 0 {
			ip = addr[1:j]
		}
	}
	ip = strings.ToLower(strings.TrimSpace(ip))
	ip = strings.TrimPrefix(ip, "::ffff:")
	return ip
}

func domainAllowed(addr string, domains []string) bool {
	domain := domainOf(addr)
	if domain == "" {
		return false
	}
	for _, d := range domains {
		if domain == d {
			return true
		}
	}
	return false
}

func domainOf(addr string) string {
	i := strings.LastIndex(addr, "@")
	if i < 0 || i == len(addr)-1 {
		return ""
	}
	return strings.ToLower(strings.Trim(addr[i+1:], "<> "))
}

func ipSet(ips []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		set[NormalizeIP(ip)] = struct{}{}
	}
	return set
}

func lowerAll(items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
