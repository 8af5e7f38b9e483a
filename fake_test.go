package userstore

import (
	"context"
	"fmt"

	"github.com/go-ldap/ldap/v3"
)

// fakeConn is an in-memory DirectoryConn recording every request. Behavior
// is overridden per test through the *Func fields; unset functions succeed
// with empty results.
type fakeConn struct {
	BindFunc     func(username, password string) error
	SearchFunc   func(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	AddFunc      func(req *ldap.AddRequest) error
	ModifyFunc   func(req *ldap.ModifyRequest) error
	DelFunc      func(req *ldap.DelRequest) error
	ModifyDNFunc func(req *ldap.ModifyDNRequest) error

	Binds      [][2]string
	Searches   []*ldap.SearchRequest
	Adds       []*ldap.AddRequest
	Modifies   []*ldap.ModifyRequest
	Deletes    []*ldap.DelRequest
	DNModifies []*ldap.ModifyDNRequest
	Closed     bool
}

func (f *fakeConn) Bind(username, password string) error {
	f.Binds = append(f.Binds, [2]string{username, password})
	if f.BindFunc != nil {
		return f.BindFunc(username, password)
	}
	return nil
}

func (f *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	f.Searches = append(f.Searches, req)
	if f.SearchFunc != nil {
		return f.SearchFunc(req)
	}
	return &ldap.SearchResult{}, nil
}

func (f *fakeConn) Add(req *ldap.AddRequest) error {
	f.Adds = append(f.Adds, req)
	if f.AddFunc != nil {
		return f.AddFunc(req)
	}
	return nil
}

func (f *fakeConn) Modify(req *ldap.ModifyRequest) error {
	f.Modifies = append(f.Modifies, req)
	if f.ModifyFunc != nil {
		return f.ModifyFunc(req)
	}
	return nil
}

func (f *fakeConn) Del(req *ldap.DelRequest) error {
	f.Deletes = append(f.Deletes, req)
	if f.DelFunc != nil {
		return f.DelFunc(req)
	}
	return nil
}

func (f *fakeConn) ModifyDN(req *ldap.ModifyDNRequest) error {
	f.DNModifies = append(f.DNModifies, req)
	if f.ModifyDNFunc != nil {
		return f.ModifyDNFunc(req)
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.Closed = true
	return nil
}

// fakeDialer hands out the same connection for every dial and counts the
// attempts. Errs, when non-empty, is consumed one entry per dial.
type fakeDialer struct {
	Conn  *fakeConn
	Errs  []error
	Dials []string
}

func (d *fakeDialer) Dial(_ context.Context, url string) (DirectoryConn, error) {
	d.Dials = append(d.Dials, url)
	if len(d.Errs) > 0 {
		err := d.Errs[0]
		d.Errs = d.Errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if d.Conn == nil {
		d.Conn = &fakeConn{}
	}
	return d.Conn, nil
}

// searchReply builds a search function returning the given entries once per
// call, regardless of the request.
func searchReply(entries ...*ldap.Entry) func(*ldap.SearchRequest) (*ldap.SearchResult, error) {
	return func(*ldap.SearchRequest) (*ldap.SearchResult, error) {
		return &ldap.SearchResult{Entries: entries}, nil
	}
}

func ldapResultError(code uint16) error {
	return &ldap.Error{ResultCode: code, Err: fmt.Errorf("result code %d", code)}
}

func minimalConfig() *StoreConfig {
	cfg, err := NewStoreConfig(map[string]string{
		PropConnectionURL:      "ldap://ldap.example.org:389",
		PropConnectionName:     "cn=admin,dc=example,dc=org",
		PropConnectionPassword: "admin-secret",
		PropUserSearchBase:     "ou=Users,dc=example,dc=org",
		PropGroupSearchBase:    "ou=Groups,dc=example,dc=org",
	}, nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

func newTestStore(cfg *StoreConfig, conn *fakeConn) (*Store, *fakeDialer) {
	dialer := &fakeDialer{Conn: conn}
	store, err := NewStoreFromConfig(context.Background(), cfg, WithDialer(dialer))
	if err != nil {
		panic(err)
	}
	return store, dialer
}
