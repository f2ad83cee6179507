//go:build !profile

package prof

import "github.com/ardnew/softuac/pkg"

// Session is a running set of profiles. Without the "profile" build tag it
// records nothing.
type Session struct{}

// Start returns an inert session. Requested profiles are reported once at
// warn level so a missing build tag is noticed.
func Start(o Options) (*Session, error) {
	if o.Enabled() {
		pkg.LogWarn(pkg.ComponentCLI, "profiling requested but not compiled in; rebuild with -tags profile")
	}
	return &Session{}, nil
}

// Addr always returns "".
func (*Session) Addr() string { return "" }

// Stop does nothing.
func (*Session) Stop() error { return nil }
