package auth

import (
	"fmt"

	"github.com/go-ldap/ldap/v3"

	"github.com/uniset/mediator/internal/errs"
)

// LDAPConfig names the directory to bind against and how to resolve a
// login name to a bind DN and its group roles (spec §6's UserManagement,
// backed by a directory instead of a local table).
type LDAPConfig struct {
	URL        string // e.g. "ldap://dc.example.org:389"
	BaseDN     string
	BindDNFmt  string // fmt.Sprintf pattern with two %s verbs, filled with the username then BaseDN, e.g. "uid=%s,ou=people,%s"
	RoleFilter string // optional filter for role lookup; empty disables role resolution
	RoleAttr   string
}

// LDAPBackend authenticates by binding to a directory server with the
// supplied credentials, grounded on f0oster-adSpy's
// ActiveDirectoryInstance.Connect (DialURL + Bind + WhoAmI).
type LDAPBackend struct {
	cfg LDAPConfig
	dial func(url string, opts ...ldap.DialOpt) (*ldap.Conn, error)
}

// NewLDAPBackend builds an LDAPBackend for cfg.
func NewLDAPBackend(cfg LDAPConfig) *LDAPBackend {
	return &LDAPBackend{cfg: cfg, dial: ldap.DialURL}
}

func (b *LDAPBackend) Authenticate(user, password string) (Principal, error) {
	conn, err := b.dial(b.cfg.URL)
	if err != nil {
		return Principal{}, errs.New(errs.Connectivity, "auth.LDAPBackend.Authenticate", fmt.Errorf("dial %s: %w", b.cfg.URL, err))
	}
	defer conn.Close()

	bindDN := fmt.Sprintf(b.cfg.BindDNFmt, user, b.cfg.BaseDN)
	if err := conn.Bind(bindDN, password); err != nil {
		return Principal{}, ErrInvalidCredentials
	}

	roles, err := b.lookupRoles(conn, bindDN)
	if err != nil {
		return Principal{}, errs.New(errs.Connectivity, "auth.LDAPBackend.Authenticate", fmt.Errorf("role lookup: %w", err))
	}
	return Principal{Name: user, Roles: roles}, nil
}

func (b *LDAPBackend) lookupRoles(conn *ldap.Conn, bindDN string) ([]string, error) {
	if b.cfg.RoleFilter == "" {
		return nil, nil
	}
	req := ldap.NewSearchRequest(
		b.cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, 0, false,
		fmt.Sprintf(b.cfg.RoleFilter, bindDN),
		[]string{b.cfg.RoleAttr},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, err
	}
	var roles []string
	for _, entry := range res.Entries {
		roles = append(roles, entry.GetAttributeValue(b.cfg.RoleAttr))
	}
	return roles, nil
}
