package folio

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/foliodb/folio/pkg/hay"
)

// DefaultPort is the endpoint port assumed when the URI omits one.
const DefaultPort = 6379

// CommitEvent is passed to the commit hooks, once per diff.
type CommitEvent struct {
	Diff   hay.Diff
	OldRec *hay.Dict
	CxInfo any
}

// HisWriteEvent is passed to the post-history-write hook.
type HisWriteEvent struct {
	Rec    *hay.Dict
	Count  int
	Span   *hay.Span
	CxInfo any
}

// Hooks are the host-supplied callbacks. PreCommit failures abort the whole
// batch before storage is touched; PostCommit and PostHisWrite failures are
// logged and swallowed. Hooks run on the write thread and must not submit
// commits synchronously.
type Hooks struct {
	PreCommit    func(ev CommitEvent) error
	PostCommit   func(ev CommitEvent)
	PostHisWrite func(ev HisWriteEvent)
}

// Config describes a store to open.
type Config struct {
	// Name is a diagnostic label.
	Name string
	// Dir is a filesystem directory for auxiliary files; unused by the core.
	Dir string
	// Endpoint is the connection URI:
	// scheme://[:password@]host:port[/db]. Default redis://localhost:6379/0.
	Endpoint string
	// PoolSize bounds the connection pool. Default 3.
	PoolSize int
	// ConnectTimeout default 5s.
	ConnectTimeout time.Duration
	// RecvTimeout default 30s.
	RecvTimeout time.Duration
	// IdPrefix absolutizes relative ref ids before interning when set.
	IdPrefix string
	// Hooks are optional host callbacks.
	Hooks Hooks
	// Log defaults to a nop logger.
	Log *zap.Logger
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "folio"
	}
	if c.Endpoint == "" {
		c.Endpoint = fmt.Sprintf("redis://localhost:%d/0", DefaultPort)
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 3
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RecvTimeout <= 0 {
		c.RecvTimeout = 30 * time.Second
	}
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
}

// endpoint is the parsed connection URI.
type endpoint struct {
	addr     string
	password string
	db       int
}

// parseEndpoint splits the connection URI. Only path position 0 is
// consulted as the optional numeric namespace index; non-numeric path
// components are ignored.
func parseEndpoint(raw string) (endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, fmt.Errorf("endpoint %q: %w", raw, err)
	}
	if u.Host == "" {
		return endpoint{}, fmt.Errorf("endpoint %q: missing host", raw)
	}
	ep := endpoint{addr: u.Host}
	if u.Port() == "" {
		ep.addr = u.Host + ":" + strconv.Itoa(DefaultPort)
	}
	if u.User != nil {
		if pw, ok := u.User.Password(); ok {
			ep.password = pw
		} else {
			// ":password@" parses the secret into the username slot
			ep.password = u.User.Username()
		}
	}
	if parts := strings.Split(strings.TrimPrefix(u.Path, "/"), "/"); len(parts) > 0 {
		if db, err := strconv.Atoi(parts[0]); err == nil {
			ep.db = db
		}
	}
	return ep, nil
}
