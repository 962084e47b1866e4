package privacy

import "regexp"

// RedactionRule recognises a masking marker left in captured values
type RedactionRule struct {
	Name    string
	Pattern *regexp.Regexp
}

// Finding reports a known sensitive value seen in a payload
type Finding struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}
