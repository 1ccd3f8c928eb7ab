// Package wire implements the framed request/reply session to the remote
// key-value store: typed operations over strings, hashes, sets and sorted
// sets, transactional batching (MULTI/EXEC) and pipelined batches.
//
// A Client is a single-threaded stateful session. Transport and protocol
// failures break the session permanently; the owner must close and discard
// it. Server errors leave the session usable, except inside a transaction,
// which must be rolled back.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Config describes how to open a session.
type Config struct {
	// Addr is the host:port endpoint.
	Addr string
	// Password authenticates the session when non-empty.
	Password string
	// DB selects the logical namespace when non-zero.
	DB int
	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration
	// RecvTimeout bounds each blocking reply read.
	RecvTimeout time.Duration
}

// ErrBroken is wrapped by operations attempted on an invalidated session.
var ErrBroken = errors.New("session invalidated")

// Client is one wire session. Not safe for concurrent use; callers
// serialize access (the pool hands a client to one goroutine at a time).
type Client struct {
	addr        string
	conn        net.Conn
	br          *bufio.Reader
	bw          *bufio.Writer
	recvTimeout time.Duration

	broken    bool
	inTx      bool
	pipeline  bool
	pipelined int
}

// Open connects, authenticates when credentials are configured, and selects
// the logical namespace. Any failure during the handshake surfaces as a
// TransportError (or RemoteError for a rejected AUTH/SELECT) and leaves no
// session behind.
func Open(cfg Config) (*Client, error) {
	conn, err := net.DialTimeout("tcp", cfg.Addr, cfg.ConnectTimeout)
	if err != nil {
		return nil, &TransportError{Op: "connect " + cfg.Addr, Err: err}
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	c := &Client{
		addr:        cfg.Addr,
		conn:        conn,
		br:          bufio.NewReader(conn),
		bw:          bufio.NewWriter(conn),
		recvTimeout: cfg.RecvTimeout,
	}
	if cfg.Password != "" {
		if err := c.statusCmd("AUTH", cfg.Password); err != nil {
			conn.Close()
			return nil, fmt.Errorf("auth: %w", err)
		}
	}
	if cfg.DB != 0 {
		if err := c.statusCmd("SELECT", strconv.Itoa(cfg.DB)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("select db %d: %w", cfg.DB, err)
		}
	}
	return c, nil
}

// Addr returns the endpoint the session is connected to.
func (c *Client) Addr() string { return c.addr }

// Broken reports whether the session has been invalidated.
func (c *Client) Broken() bool { return c.broken }

// Close shuts the session down.
func (c *Client) Close() error {
	c.broken = true
	return c.conn.Close()
}

// cmd sends one request and, unless pipelining, reads its reply. Inside a
// transaction the queued acknowledgement is consumed and an empty reply
// returned; results arrive from Exec.
func (c *Client) cmd(args ...string) (Reply, error) {
	if c.broken {
		return Reply{}, &TransportError{Op: args[0], Err: ErrBroken}
	}
	if err := writeRequest(c.bw, args); err != nil {
		c.broken = true
		return Reply{}, err
	}
	if c.pipeline {
		c.pipelined++
		return Reply{}, nil
	}
	if err := c.flush(args[0]); err != nil {
		return Reply{}, err
	}
	reply, err := c.readReply()
	if err != nil {
		return Reply{}, err
	}
	if reply.Kind == ReplyErr {
		return Reply{}, &RemoteError{Msg: reply.Status}
	}
	if c.inTx {
		if reply.Kind != ReplyStatus || reply.Status != "QUEUED" {
			c.broken = true
			return Reply{}, &ProtocolError{Msg: "expected queued ack, got " + reply.Status}
		}
		return Reply{}, nil
	}
	return reply, nil
}

func (c *Client) flush(op string) error {
	if err := c.bw.Flush(); err != nil {
		c.broken = true
		return &TransportError{Op: op, Err: err}
	}
	return nil
}

func (c *Client) readReply() (Reply, error) {
	if c.recvTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.recvTimeout))
	}
	reply, err := readReply(c.br)
	if err != nil {
		// transport and protocol failures both desynchronize the session
		c.broken = true
		return Reply{}, err
	}
	return reply, nil
}

func (c *Client) statusCmd(args ...string) error {
	_, err := c.cmd(args...)
	return err
}

func (c *Client) intCmd(args ...string) (int64, error) {
	reply, err := c.cmd(args...)
	if err != nil || c.inTx || c.pipeline {
		return 0, err
	}
	if reply.Kind != ReplyInt {
		return 0, &ProtocolError{Msg: "expected integer reply to " + args[0]}
	}
	return reply.Int, nil
}

// ---- strings ----

// Ping issues a liveness echo and returns the status text.
func (c *Client) Ping() (string, error) {
	reply, err := c.cmd("PING")
	if err != nil {
		return "", err
	}
	return reply.Status, nil
}

// Get reads a string key. The second return is false when the key is
// absent.
func (c *Client) Get(key string) ([]byte, bool, error) {
	reply, err := c.cmd("GET", key)
	if err != nil || c.inTx || c.pipeline {
		return nil, false, err
	}
	if reply.Kind == ReplyNil {
		return nil, false, nil
	}
	return reply.Bulk, true, nil
}

// Set writes a string key.
func (c *Client) Set(key, val string) error {
	return c.statusCmd("SET", key, val)
}

// Del removes keys, returning how many existed.
func (c *Client) Del(keys ...string) (int64, error) {
	return c.intCmd(append([]string{"DEL"}, keys...)...)
}

// ---- hashes ----

// HSet writes one hash field.
func (c *Client) HSet(key, field, val string) error {
	_, err := c.intCmd("HSET", key, field, val)
	return err
}

// HGet reads one hash field; false when absent.
func (c *Client) HGet(key, field string) ([]byte, bool, error) {
	reply, err := c.cmd("HGET", key, field)
	if err != nil || c.inTx || c.pipeline {
		return nil, false, err
	}
	if reply.Kind == ReplyNil {
		return nil, false, nil
	}
	return reply.Bulk, true, nil
}

// HGetAll reads every field of a hash.
func (c *Client) HGetAll(key string) (map[string][]byte, error) {
	reply, err := c.cmd("HGETALL", key)
	if err != nil || c.inTx || c.pipeline {
		return nil, err
	}
	if reply.Kind != ReplyArray || len(reply.Array)%2 != 0 {
		return nil, &ProtocolError{Msg: "malformed HGETALL reply"}
	}
	out := make(map[string][]byte, len(reply.Array)/2)
	for i := 0; i < len(reply.Array); i += 2 {
		out[string(reply.Array[i].Bulk)] = reply.Array[i+1].Bulk
	}
	return out, nil
}

// ---- sets ----

// SAdd adds members to a set.
func (c *Client) SAdd(key string, members ...string) (int64, error) {
	return c.intCmd(append([]string{"SADD", key}, members...)...)
}

// SRem removes members from a set.
func (c *Client) SRem(key string, members ...string) (int64, error) {
	return c.intCmd(append([]string{"SREM", key}, members...)...)
}

// SMembers enumerates a set.
func (c *Client) SMembers(key string) ([]string, error) {
	reply, err := c.cmd("SMEMBERS", key)
	if err != nil || c.inTx || c.pipeline {
		return nil, err
	}
	if reply.Kind != ReplyArray {
		return nil, &ProtocolError{Msg: "malformed SMEMBERS reply"}
	}
	out := make([]string, len(reply.Array))
	for i, r := range reply.Array {
		out[i] = string(r.Bulk)
	}
	return out, nil
}

// SIsMember tests set membership.
func (c *Client) SIsMember(key, member string) (bool, error) {
	n, err := c.intCmd("SISMEMBER", key, member)
	return n == 1, err
}

// SCard returns the set cardinality.
func (c *Client) SCard(key string) (int64, error) {
	return c.intCmd("SCARD", key)
}

// ---- sorted sets ----

// ZEntry is one sorted-set member with its score.
type ZEntry struct {
	Score  float64
	Member []byte
}

// ZAdd adds or overwrites a member at the given score.
func (c *Client) ZAdd(key string, score int64, member string) (int64, error) {
	return c.intCmd("ZADD", key, strconv.FormatInt(score, 10), member)
}

// ZRem removes members.
func (c *Client) ZRem(key string, members ...string) (int64, error) {
	return c.intCmd(append([]string{"ZREM", key}, members...)...)
}

// ZCard returns the sorted-set cardinality.
func (c *Client) ZCard(key string) (int64, error) {
	return c.intCmd("ZCARD", key)
}

// ZRangeWithScores reads members by rank, ascending.
func (c *Client) ZRangeWithScores(key string, start, stop int64) ([]ZEntry, error) {
	reply, err := c.cmd("ZRANGE", key,
		strconv.FormatInt(start, 10), strconv.FormatInt(stop, 10), "WITHSCORES")
	if err != nil || c.inTx || c.pipeline {
		return nil, err
	}
	return DecodeZEntries(reply)
}

// ZRangeByScoreWithScores reads members by score range, ascending. Min and
// max use the server's score syntax ("-inf", "(42", "42"). A negative count
// means no limit.
func (c *Client) ZRangeByScoreWithScores(key, min, max string, offset, count int64) ([]ZEntry, error) {
	args := []string{"ZRANGEBYSCORE", key, min, max, "WITHSCORES"}
	if count >= 0 {
		args = append(args, "LIMIT", strconv.FormatInt(offset, 10), strconv.FormatInt(count, 10))
	}
	reply, err := c.cmd(args...)
	if err != nil || c.inTx || c.pipeline {
		return nil, err
	}
	return DecodeZEntries(reply)
}

// ZRevRangeByScoreWithScores reads members by score range, descending.
func (c *Client) ZRevRangeByScoreWithScores(key, max, min string, offset, count int64) ([]ZEntry, error) {
	args := []string{"ZREVRANGEBYSCORE", key, max, min, "WITHSCORES"}
	if count >= 0 {
		args = append(args, "LIMIT", strconv.FormatInt(offset, 10), strconv.FormatInt(count, 10))
	}
	reply, err := c.cmd(args...)
	if err != nil || c.inTx || c.pipeline {
		return nil, err
	}
	return DecodeZEntries(reply)
}

// ZRemRangeByScore deletes members whose score lies in [min, max].
func (c *Client) ZRemRangeByScore(key, min, max string) (int64, error) {
	return c.intCmd("ZREMRANGEBYSCORE", key, min, max)
}

// DecodeZEntries decodes a WITHSCORES array reply. Exported for callers
// that collect sorted-set replies through a pipeline.
func DecodeZEntries(reply Reply) ([]ZEntry, error) {
	if reply.Kind != ReplyArray || len(reply.Array)%2 != 0 {
		return nil, &ProtocolError{Msg: "malformed sorted-set reply"}
	}
	out := make([]ZEntry, 0, len(reply.Array)/2)
	for i := 0; i < len(reply.Array); i += 2 {
		score, err := strconv.ParseFloat(string(reply.Array[i+1].Bulk), 64)
		if err != nil {
			return nil, &ProtocolError{Msg: "malformed sorted-set score " + string(reply.Array[i+1].Bulk)}
		}
		out = append(out, ZEntry{Score: score, Member: reply.Array[i].Bulk})
	}
	return out, nil
}

// ---- transactions ----

// Multi opens a transaction. Subsequent operations are queued server-side
// and acknowledged only; Exec runs them atomically.
func (c *Client) Multi() error {
	if c.inTx {
		return &RemoteError{Msg: "MULTI calls can not be nested"}
	}
	if err := c.statusCmd("MULTI"); err != nil {
		return err
	}
	c.inTx = true
	return nil
}

// Exec commits the open transaction and returns the per-op results in
// queue order. The second return is false when the server aborted the
// transaction (a watched key changed); no results exist in that case.
func (c *Client) Exec() ([]Reply, bool, error) {
	if !c.inTx {
		return nil, false, &RemoteError{Msg: "EXEC without MULTI"}
	}
	c.inTx = false
	if err := writeRequest(c.bw, []string{"EXEC"}); err != nil {
		c.broken = true
		return nil, false, err
	}
	if err := c.flush("EXEC"); err != nil {
		return nil, false, err
	}
	reply, err := c.readReply()
	if err != nil {
		return nil, false, err
	}
	switch reply.Kind {
	case ReplyNil:
		return nil, false, nil
	case ReplyArray:
		return reply.Array, true, nil
	case ReplyErr:
		return nil, false, &RemoteError{Msg: reply.Status}
	}
	return nil, false, &ProtocolError{Msg: "malformed EXEC reply"}
}

// Discard rolls back the open transaction. Required after any error while
// queueing.
func (c *Client) Discard() error {
	if !c.inTx {
		return nil
	}
	c.inTx = false
	return c.statusCmd("DISCARD")
}

// InTx reports whether a transaction is open.
func (c *Client) InTx() bool { return c.inTx }

// ---- pipelining ----

// BeginPipeline marks the session pipelining: operations are written but
// their replies deferred until EndPipeline.
func (c *Client) BeginPipeline() {
	c.pipeline = true
	c.pipelined = 0
}

// EndPipeline flushes the batch and reads exactly as many replies as
// operations were queued, in order. Server errors are returned in-place as
// error-kind replies.
func (c *Client) EndPipeline() ([]Reply, error) {
	if !c.pipeline {
		return nil, nil
	}
	c.pipeline = false
	n := c.pipelined
	c.pipelined = 0
	if c.broken {
		return nil, &TransportError{Op: "pipeline", Err: ErrBroken}
	}
	if err := c.flush("pipeline"); err != nil {
		return nil, err
	}
	out := make([]Reply, n)
	for i := 0; i < n; i++ {
		reply, err := c.readReply()
		if err != nil {
			return nil, err
		}
		out[i] = reply
	}
	return out, nil
}
