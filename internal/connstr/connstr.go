// Package connstr parses client connection strings of the form
//
//	<dialect>://host[:port][/target][?username=...&password=...&sslmode=...]
//
// and turns them into the initial state of an auth.Authenticator.
package connstr

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/arwahdevops/dbcreds/internal/auth"
)

// Spec is a parsed connection string.
type Spec struct {
	Dialect  string // mysql, postgres or sqlite
	Host     string
	Port     int
	Target   string // bucket / database the handle connects to first
	Username string // non-empty selects RBAC mode
	Password string
	SSLMode  string
	Options  map[string]string // remaining query parameters
}

var defaultPorts = map[string]int{
	"mysql":    3306,
	"postgres": 5432,
}

// Parse parses s. The target defaults to "default" and sslmode to "disable".
func Parse(s string) (*Spec, error) {
	// url errors quote the raw input, password included, so they are not wrapped.
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return nil, errors.New("invalid connection string: not a valid URL")
	}

	spec := &Spec{
		Dialect: strings.ToLower(u.Scheme),
		Options: map[string]string{},
	}
	if spec.Dialect == "postgresql" {
		spec.Dialect = "postgres"
	}

	switch spec.Dialect {
	case "mysql", "postgres":
		spec.Host = u.Hostname()
		if spec.Host == "" {
			return nil, fmt.Errorf("connection string %q has no host", redact(u))
		}
		spec.Port = defaultPorts[spec.Dialect]
		if p := u.Port(); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil || port < 1 || port > 65535 {
				return nil, fmt.Errorf("invalid port %q in connection string", p)
			}
			spec.Port = port
		}
	case "sqlite":
		// sqlite://relative/file.db or sqlite:///absolute/file.db; the
		// whole path is the target.
	case "":
		return nil, errors.New("connection string has no dialect scheme")
	default:
		return nil, fmt.Errorf("unsupported dialect %q in connection string", u.Scheme)
	}

	spec.Target = strings.TrimPrefix(u.Path, "/")
	if spec.Dialect == "sqlite" {
		spec.Host = ""
		spec.Target = u.Host + u.Path
	}
	if spec.Target == "" {
		spec.Target = auth.DefaultTarget
	}

	for key, values := range u.Query() {
		value := ""
		if len(values) > 0 {
			value = values[len(values)-1]
		}
		switch strings.ToLower(key) {
		case "username", "user":
			spec.Username = value
		case "password":
			spec.Password = value
		case "sslmode":
			spec.SSLMode = strings.ToLower(value)
		default:
			spec.Options[key] = value
		}
	}
	if spec.SSLMode == "" {
		spec.SSLMode = "disable"
	}
	return spec, nil
}

// Mode reports the credential model the connection string selects.
func (s *Spec) Mode() auth.Mode {
	if s.Username != "" {
		return auth.ModeRBAC
	}
	return auth.ModeClassic
}

// NewAuthenticator builds the authenticator a handle owns when it is created
// from this connection string. password is the caller-supplied secret; it is
// the cluster password in RBAC mode and the connection target's password in
// classic mode. A password in the connection string itself wins over it.
// buckets are extra per-target passwords and are refused in RBAC mode.
func (s *Spec) NewAuthenticator(password string, buckets map[string]string) (*auth.Authenticator, error) {
	if s.Password != "" {
		password = s.Password
	}

	var a *auth.Authenticator
	var err error
	if s.Mode() == auth.ModeRBAC {
		a = auth.NewFromIdentity(s.Username)
		if password != "" {
			err = a.Add(s.Username, password, auth.ScopeCluster)
		}
	} else {
		if s.Target == auth.DefaultTarget {
			a = auth.NewDefault()
		} else {
			a = auth.New()
		}
		if s.Target != auth.DefaultTarget || password != "" {
			err = a.Add(s.Target, password, auth.ScopeBucket)
		}
	}

	for target, secret := range buckets {
		err = multierr.Append(err, a.Add(target, secret, auth.ScopeBucket))
	}
	if err != nil {
		a.Unref()
		return nil, fmt.Errorf("failed to seed %s authenticator: %w", s.Mode(), err)
	}
	return a, nil
}

// String renders the spec back to a connection string without the password.
func (s *Spec) String() string {
	u := url.URL{Scheme: s.Dialect, Host: s.Host + ":" + strconv.Itoa(s.Port), Path: "/" + s.Target}
	if s.Dialect == "sqlite" {
		u.Host, u.Path = "", s.Target
	}
	q := url.Values{}
	if s.Username != "" {
		q.Set("username", s.Username)
	}
	if s.SSLMode != "" && s.SSLMode != "disable" {
		q.Set("sslmode", s.SSLMode)
	}
	for k, v := range s.Options {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func redact(u *url.URL) string {
	q := u.Query()
	if q.Has("password") {
		q.Set("password", "xxxxx")
		c := *u
		c.RawQuery = q.Encode()
		return c.Redacted()
	}
	return u.Redacted()
}
