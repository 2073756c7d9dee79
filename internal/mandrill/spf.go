package mandrill

import "slices"

// SPFResult is the SPF check Mandrill ran against the sending host.
type SPFResult struct {
	Result string `json:"result"`
	Detail string `json:"detail"`
}

// SPFPolicy decides which SPF results are trusted.
type SPFPolicy struct {
	Validate  bool
	Whitelist []string
}

// SPFOverride is a partial SPFPolicy. Nil fields keep the base value; a
// non-nil empty Whitelist replaces it with the empty set.
type SPFOverride struct {
	Validate  *bool    `yaml:"validate"`
	Whitelist []string `yaml:"whitelist"`
}

// DefaultSPFPolicy validates SPF and accepts pass, neutral and none.
func DefaultSPFPolicy() SPFPolicy {
	return SPFPolicy{
		Validate:  true,
		Whitelist: []string{"pass", "neutral", "none"},
	}
}

// Merge returns p with the fields set in o replaced. p is not modified.
func (p SPFPolicy) Merge(o SPFOverride) SPFPolicy {
	merged := SPFPolicy{
		Validate:  p.Validate,
		Whitelist: slices.Clone(p.Whitelist),
	}
	if o.Validate != nil {
		merged.Validate = *o.Validate
	}
	if o.Whitelist != nil {
		merged.Whitelist = slices.Clone(o.Whitelist)
	}
	return merged
}

// Valid reports whether msg passes the policy. With validation on, a message
// without an SPF record is never valid.
func (p SPFPolicy) Valid(msg *InboundMessage) bool {
	if !p.Validate {
		return true
	}
	spf := msg.SPF
	if spf == nil || (spf.Result == "" && spf.Detail == "") {
		return false
	}
	return slices.Contains(p.Whitelist, spf.Result)
}
