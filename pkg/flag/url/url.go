// Package url adapts *url.URL to the flag.Value interface with http_url
// validation, for flags like the gateway base URL.
package url

import (
	"fmt"
	"net/url"

	"github.com/go-playground/validator/v10"
)

// URL is a flag.Value that parses into an existing url.URL. An empty
// argument leaves the current value untouched.
type URL struct{ URL *url.URL }

func (u *URL) Set(s string) error {
	if u == nil || u.URL == nil {
		return fmt.Errorf("url flag has no destination")
	}
	if s == "" {
		return nil
	}
	if err := validator.New().Var(s, "http_url"); err != nil {
		return fmt.Errorf("invalid URL: %q", s)
	}
	parsed, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid URL: %q", s)
	}
	*u.URL = *parsed
	return nil
}

func (u *URL) String() string {
	if u == nil || u.URL == nil {
		return ""
	}
	return u.URL.String()
}

// Reset clears the destination URL.
func (u *URL) Reset() error {
	if u == nil || u.URL == nil {
		return fmt.Errorf("url flag has no destination")
	}
	*u.URL = url.URL{}
	return nil
}

func (u *URL) Type() string {
	return "url"
}
