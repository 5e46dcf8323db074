package validator

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	playground "github.com/go-playground/validator/v10"
)

var (
	ErrInvalidURL    = errors.New("invalid URL format")
	ErrHTTPSRequired = errors.New("HTTPS is required")
	ErrPrivateIP     = errors.New("private IP addresses are not allowed")
	ErrInvalidRecord = errors.New("invalid record")
)

// Validator provides URL and struct validation.
type Validator struct {
	structs         *playground.Validate
	allowPrivateIPs bool
	lookupIP        func(host string) ([]net.IP, error)
}

// Option configures a Validator.
type Option func(*Validator)

// WithAllowPrivateIPs allows hosts that resolve to private addresses.
func WithAllowPrivateIPs() Option {
	return func(v *Validator) {
		v.allowPrivateIPs = true
	}
}

// New creates a new Validator with the given options.
func New(opts ...Option) *Validator {
	v := &Validator{
		structs:  playground.New(playground.WithRequiredStructEnabled()),
		lookupIP: net.LookupIP,
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// isPrivateIP checks if an IP address is private or reserved.
func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// ValidateURL validates a URL string.
// If requireHTTPS is true, only HTTPS URLs are accepted.
func (v *Validator) ValidateURL(rawURL string, requireHTTPS bool) error {
	if rawURL == "" {
		return ErrInvalidURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: parse error: %w", ErrInvalidURL, err)
	}

	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if requireHTTPS && parsed.Scheme != "https" {
		return ErrHTTPSRequired
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}

	return nil
}

// ValidatePublicHost rejects URLs whose host resolves to a private address.
// Alert webhooks are checked this way before any payload is sent.
func (v *Validator) ValidatePublicHost(rawURL string) error {
	if err := v.ValidateURL(rawURL, false); err != nil {
		return err
	}
	if v.allowPrivateIPs {
		return nil
	}

	parsed, _ := url.Parse(rawURL)
	host := parsed.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrPrivateIP
		}
		return nil
	}

	ips, err := v.lookupIP(host)
	if err != nil {
		return fmt.Errorf("DNS resolution failed: %w", err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return ErrPrivateIP
		}
	}
	return nil
}

// Struct validates s against its `validate` tags. Failures are wrapped in
// ErrInvalidRecord and name every failing field.
func (v *Validator) Struct(s any) error {
	err := v.structs.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs playground.ValidationErrors
	if errors.As(err, &fieldErrs) {
		parts := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidRecord, strings.Join(parts, "; "))
	}
	return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
}
