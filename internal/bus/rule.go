package bus

import "strings"

// Rule is a signal match rule. The zero Sender matches any sender.
type Rule struct {
	Interface   string
	Member      string
	Sender      string
	Sessionless bool
}

// SessionlessRule matches sessionless signals of iface.
func SessionlessRule(iface string) Rule {
	return Rule{Interface: iface, Sessionless: true}
}

// FromSender narrows the rule to one sender.
func (r Rule) FromSender(sender string) Rule {
	r.Sender = sender
	return r
}

// Matches reports whether sig is admitted by the rule.
func (r Rule) Matches(sig Signal) bool {
	if r.Interface != "" && r.Interface != sig.Interface {
		return false
	}
	if r.Member != "" && r.Member != sig.Member {
		return false
	}
	if r.Sender != "" && r.Sender != sig.Sender {
		return false
	}
	if r.Sessionless && !sig.Sessionless {
		return false
	}
	return true
}

// String renders the rule in match-rule syntax, e.g.
// type='signal',interface='org.alljoyn.Notification',sessionless='t'.
func (r Rule) String() string {
	parts := []string{"type='signal'"}
	if r.Interface != "" {
		parts = append(parts, "interface='"+r.Interface+"'")
	}
	if r.Member != "" {
		parts = append(parts, "member='"+r.Member+"'")
	}
	if r.Sessionless {
		parts = append(parts, "sessionless='t'")
	}
	if r.Sender != "" {
		parts = append(parts, "sender='"+r.Sender+"'")
	}
	return strings.Join(parts, ",")
}
