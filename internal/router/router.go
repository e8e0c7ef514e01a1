// Package router implements the rule-based session→outbound-tag matcher
// (spec §4.2). Rules are compiled once at construction time: domain lists
// become a crit-bit trie (mirroring the compiled domain trie firestack
// builds in dnsx/transport.go's NewResolver, there used for undelegated
// domains; here for exact-match routing), CIDR lists become a plain ordered
// slice of *net.IPNet, and regex lists are compiled once with regexp.
package router

import (
	"net"
	"regexp"

	"github.com/k-sone/critbitgo"

	"github.com/coldwire/coldwire/internal/logx"
	"github.com/coldwire/coldwire/internal/session"
)

// Rule is the source-level description of one routing rule (spec §6).
type Rule struct {
	Target string
	Domain []string
	IPCIDR []string
	Regexp []string
}

// matcher is one compiled predicate within a rule.
type matcher interface {
	match(s session.Session) bool
}

type domainExactMatcher struct {
	trie *critbitgo.Trie
}

func (m *domainExactMatcher) match(s session.Session) bool {
	host, ok := s.Destination.Domain()
	if !ok {
		return false
	}
	_, found := m.trie.Get([]byte(host))
	return found
}

type ipCIDRMatcher struct {
	nets []*net.IPNet
}

func (m *ipCIDRMatcher) match(s session.Session) bool {
	addr, ok := s.Destination.Resolved()
	if !ok {
		return false
	}
	ip := net.IP(addr.Addr().AsSlice())
	for _, n := range m.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

type regexMatcher struct {
	re *regexp.Regexp
}

func (m *regexMatcher) match(s session.Session) bool {
	return m.re.MatchString(s.Destination.String())
}

// compiledRule is a Rule with every matcher precompiled.
type compiledRule struct {
	target   string
	matchers []matcher
}

func (r *compiledRule) match(s session.Session) bool {
	for _, m := range r.matchers {
		if m.match(s) {
			return true
		}
	}
	return false
}

// Router evaluates sessions against compiled rules in declaration order.
type Router struct {
	rules []*compiledRule
}

// New compiles rules, dropping (with a warning) any rule whose matcher
// fails to compile — a bad CIDR or regex never participates in matching,
// per spec §4.2.
func New(rules []Rule) *Router {
	r := &Router{}
	for _, rule := range rules {
		cr, ok := compile(rule)
		if !ok {
			continue
		}
		r.rules = append(r.rules, cr)
	}
	return r
}

func compile(rule Rule) (*compiledRule, bool) {
	cr := &compiledRule{target: rule.Target}

	if len(rule.Domain) > 0 {
		trie := critbitgo.NewTrie()
		for _, d := range rule.Domain {
			trie.Insert([]byte(d), struct{}{})
		}
		cr.matchers = append(cr.matchers, &domainExactMatcher{trie: trie})
	}

	if len(rule.IPCIDR) > 0 {
		var nets []*net.IPNet
		for _, c := range rule.IPCIDR {
			_, n, err := net.ParseCIDR(c)
			if err != nil {
				logx.W("router: target(%s): bad cidr %q, dropping rule: %v", rule.Target, c, err)
				return nil, false
			}
			nets = append(nets, n)
		}
		if len(nets) > 0 {
			cr.matchers = append(cr.matchers, &ipCIDRMatcher{nets: nets})
		}
	}

	if len(rule.Regexp) > 0 {
		for _, p := range rule.Regexp {
			re, err := regexp.Compile(p)
			if err != nil {
				logx.W("router: target(%s): bad regexp %q, dropping rule: %v", rule.Target, p, err)
				return nil, false
			}
			cr.matchers = append(cr.matchers, &regexMatcher{re: re})
		}
	}

	if len(cr.matchers) == 0 {
		logx.W("router: target(%s): rule has no usable matchers, dropping rule", rule.Target)
		return nil, false
	}
	return cr, true
}

// Route returns the tag of the first rule (in declaration order) whose any
// matcher matches s, or ("", false) if none match.
func (r *Router) Route(s session.Session) (string, bool) {
	for _, rule := range r.rules {
		if rule.match(s) {
			return rule.target, true
		}
	}
	return "", false
}
