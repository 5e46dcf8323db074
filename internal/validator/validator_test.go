package validator

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateURL(t *testing.T) {
	v := New()

	testCases := []struct {
		name         string
		url          string
		requireHTTPS bool
		want         error
	}{
		{"https", "https://textit.example.org/api/v2", true, nil},
		{"http allowed", "http://localhost:8000", false, nil},
		{"http rejected", "http://textit.example.org", true, ErrHTTPSRequired},
		{"empty", "", false, ErrInvalidURL},
		{"no host", "https:///path", false, ErrInvalidURL},
		{"bad scheme", "ftp://textit.example.org", false, ErrInvalidURL},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateURL(tc.url, tc.requireHTTPS)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestValidatePublicHost(t *testing.T) {
	v := New()
	v.lookupIP = func(host string) ([]net.IP, error) {
		switch host {
		case "hooks.example.com":
			return []net.IP{net.ParseIP("93.184.216.34")}, nil
		case "internal.example.com":
			return []net.IP{net.ParseIP("93.184.216.34"), net.ParseIP("10.0.0.5")}, nil
		}
		return nil, errors.New("no such host")
	}

	assert.NoError(t, v.ValidatePublicHost("https://hooks.example.com/x"))
	assert.ErrorIs(t, v.ValidatePublicHost("https://internal.example.com/x"), ErrPrivateIP)
	assert.ErrorIs(t, v.ValidatePublicHost("http://127.0.0.1:9000"), ErrPrivateIP)
	assert.ErrorIs(t, v.ValidatePublicHost("http://[::1]/"), ErrPrivateIP)
	assert.Error(t, v.ValidatePublicHost("https://unknown.example.com"))

	permissive := New(WithAllowPrivateIPs())
	assert.NoError(t, permissive.ValidatePublicHost("http://127.0.0.1:9000"))
}

func TestStruct(t *testing.T) {
	type record struct {
		UUID string `validate:"required"`
		Name string `validate:"max=5"`
	}

	v := New()
	assert.NoError(t, v.Struct(record{UUID: "a", Name: "short"}))

	err := v.Struct(record{Name: "too long"})
	assert.ErrorIs(t, err, ErrInvalidRecord)
	assert.Contains(t, err.Error(), "record.UUID failed required")
	assert.Contains(t, err.Error(), "record.Name failed max")
}
