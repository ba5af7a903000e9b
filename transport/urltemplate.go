package transport

import (
	"github.com/yosida95/uritemplate/v3"
)

// endpointTemplate expands the single endpoint URL a Client is configured
// with against the {token} variable defined by spec §4.3, so that a host
// exposing a non-default path layout (a prefix, an API version segment)
// can still be addressed by one template string rather than four
// hand-assembled URLs.
//
// A plain URL with no template variables (the common case) expands to
// itself unchanged for every token, including the empty one used by
// distinct-connection mode.
type endpointTemplate struct {
	tpl *uritemplate.Template
}

func newEndpointTemplate(raw string) (*endpointTemplate, error) {
	tpl, err := uritemplate.New(raw)
	if err != nil {
		return nil, err
	}
	return &endpointTemplate{tpl: tpl}, nil
}

func (e *endpointTemplate) expand(token string) (string, error) {
	if token == "" {
		return e.tpl.Expand(uritemplate.Values{})
	}
	return e.tpl.Expand(uritemplate.Values{}.Set("token", uritemplate.String(token)))
}
