package userstore

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// DirectoryConn is the subset of an LDAP connection the store uses. It is
// satisfied by *ldap.Conn; tests substitute an in-memory fake.
type DirectoryConn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
	Del(req *ldap.DelRequest) error
	ModifyDN(req *ldap.ModifyDNRequest) error
	Close() error
}

// Dialer opens a directory connection to a single URL. The default
// implementation dials with go-ldap; tests inject a fake.
type Dialer interface {
	Dial(ctx context.Context, url string) (DirectoryConn, error)
}

// ldapDialer dials with the configured connect timeout and applies the read
// timeout to the established connection.
type ldapDialer struct {
	connectTimeout time.Duration
	readTimeout    time.Duration
}

func (d *ldapDialer) Dial(_ context.Context, url string) (DirectoryConn, error) {
	conn, err := ldap.DialURL(url, ldap.DialWithDialer(&net.Dialer{Timeout: d.connectTimeout}))
	if err != nil {
		return nil, err
	}
	if d.readTimeout > 0 {
		conn.SetTimeout(d.readTimeout)
	}
	return conn, nil
}

// ConnectionContext produces admin-bound and credential-bound directory
// connections. It holds either a static connection URL or a list of domain
// controllers discovered via DNS SRV records, and it owns the admin bind
// credential, which can be rotated at runtime.
type ConnectionContext struct {
	cfg       *StoreConfig
	dialer    Dialer
	logger    *slog.Logger
	endpoints []DirectoryEndpoint

	mu           sync.RWMutex
	bindDN       string
	bindPassword string
}

// NewConnectionContext builds the connection context. When DNS discovery is
// configured the SRV lookup happens here, once; a failing lookup is fatal.
func NewConnectionContext(ctx context.Context, cfg *StoreConfig, dialer Dialer, logger *slog.Logger) (*ConnectionContext, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dialer == nil {
		dialer = &ldapDialer{
			connectTimeout: time.Duration(cfg.ConnectionTimeoutMillis) * time.Millisecond,
			readTimeout:    time.Duration(cfg.ReadTimeoutMillis) * time.Millisecond,
		}
	}

	cc := &ConnectionContext{
		cfg:          cfg,
		dialer:       dialer,
		logger:       logger,
		bindDN:       cfg.ConnectionName,
		bindPassword: cfg.ConnectionPassword,
	}

	if cfg.DNSURL != "" {
		endpoints, err := DiscoverEndpoints(ctx, cfg.DNSDomainName, logger)
		if err != nil {
			return nil, fmt.Errorf("domain controller discovery failed: %w", err)
		}
		cc.endpoints = endpoints
	}

	return cc, nil
}

// Connect returns a connection bound with the store's admin credential.
//
// With a static URL a failed dial is retried exactly once before giving up;
// with discovered endpoints each domain controller is tried once in priority
// order and there is no per-endpoint retry.
func (cc *ConnectionContext) Connect(ctx context.Context) (DirectoryConn, error) {
	bindDN, bindPassword := cc.credentials()
	return cc.connect(ctx, bindDN, bindPassword)
}

// ConnectWithCredentials returns a connection bound as the given DN with the
// supplied password. The store's own credential is untouched; the overlay
// exists only for the lifetime of the returned connection. A directory
// rejection of the password surfaces as ErrInvalidCredentials so callers can
// distinguish a bad password from an unreachable server.
func (cc *ConnectionContext) ConnectWithCredentials(ctx context.Context, dn, password string) (DirectoryConn, error) {
	if password == "" {
		// An empty password would turn the bind into an anonymous bind and
		// report success for any DN.
		return nil, fmt.Errorf("%w: empty password", ErrInvalidCredentials)
	}
	return cc.connect(ctx, dn, password)
}

func (cc *ConnectionContext) connect(ctx context.Context, bindDN, bindPassword string) (DirectoryConn, error) {
	conn, url, err := cc.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	if bindDN != "" {
		if err := conn.Bind(bindDN, bindPassword); err != nil {
			conn.Close()
			if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
				cc.logger.Debug("directory_bind_rejected",
					slog.String("bind_dn", bindDN),
					slog.String("server", url))
				return nil, fmt.Errorf("%w: bind as %q rejected", ErrInvalidCredentials, bindDN)
			}
			return nil, NewStoreError("Bind", url, err).WithDN(bindDN)
		}
	}

	return conn, nil
}

func (cc *ConnectionContext) dial(ctx context.Context) (DirectoryConn, string, error) {
	if len(cc.endpoints) > 0 {
		return cc.dialEndpoints(ctx)
	}
	return cc.dialStatic(ctx)
}

func (cc *ConnectionContext) dialStatic(ctx context.Context) (DirectoryConn, string, error) {
	url := cc.cfg.ConnectionURL

	conn, err := cc.dialer.Dial(ctx, url)
	if err == nil {
		return conn, url, nil
	}

	cc.logger.Warn("directory_dial_failed_retrying",
		slog.String("server", url),
		slog.String("error", err.Error()))

	conn, err = cc.dialer.Dial(ctx, url)
	if err != nil {
		return nil, url, fmt.Errorf("dial %s failed after retry: %w", url, err)
	}
	return conn, url, nil
}

func (cc *ConnectionContext) dialEndpoints(ctx context.Context) (DirectoryConn, string, error) {
	var lastErr error
	var lastURL string

	for _, ep := range cc.endpoints {
		url := ep.URL(cc.cfg.ReadOnly)
		conn, err := cc.dialer.Dial(ctx, url)
		if err == nil {
			return conn, url, nil
		}

		cc.logger.Warn("domain_controller_unreachable",
			slog.String("server", url),
			slog.String("error", err.Error()))
		lastErr = err
		lastURL = url
	}

	return nil, lastURL, fmt.Errorf("all %d domain controllers unreachable, last error: %w", len(cc.endpoints), lastErr)
}

// UpdateCredential replaces the admin bind password used for subsequent
// connections. In-flight connections keep their existing bind.
func (cc *ConnectionContext) UpdateCredential(newPassword string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.bindPassword = newPassword
}

func (cc *ConnectionContext) credentials() (string, string) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.bindDN, cc.bindPassword
}
