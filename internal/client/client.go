// Package client is the Go client for the tierkv wire protocol. A Client
// owns one TCP connection and serialises round trips, so it is safe for
// concurrent use at the cost of one in-flight request at a time.
package client

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tierkv/tierkv/internal/protocol"
	"github.com/tierkv/tierkv/internal/value"
)

// Options configures a Client.
type Options struct {
	Addr string
	// Namespace, when set, prefixes every key with "<Namespace>:" so
	// multiple applications can share one server.
	Namespace   string
	DialTimeout time.Duration
}

// Pair is one key-value pair for MSet.
type Pair struct {
	Key   string
	Value value.Value
}

// Client is a connection to a tierkv server.
type Client struct {
	mu        sync.Mutex
	conn      net.Conn
	reader    *protocol.Reader
	writer    *protocol.Writer
	namespace string
}

// Dial connects to a tierkv server.
func Dial(opts Options) (*Client, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("tcp", opts.Addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", opts.Addr, err)
	}
	return &Client{
		conn:      conn,
		reader:    protocol.NewReader(conn),
		writer:    protocol.NewWriter(conn),
		namespace: opts.Namespace,
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) key(key string) string {
	if c.namespace == "" {
		return key
	}
	return c.namespace + ":" + key
}

// roundTrip sends one request and reads its response.
func (c *Client) roundTrip(op byte, payload []byte) (byte, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writer.WriteFrame(op, payload); err != nil {
		return 0, nil, fmt.Errorf("client: write: %w", err)
	}
	status, resp, err := c.reader.ReadFrame()
	if err != nil {
		return 0, nil, fmt.Errorf("client: read: %w", err)
	}
	return status, resp, nil
}

// call is roundTrip plus rejection of error statuses.
func (c *Client) call(op byte, payload []byte) (byte, []byte, error) {
	status, resp, err := c.roundTrip(op, payload)
	if err != nil {
		return 0, nil, err
	}
	switch status {
	case protocol.StatusError:
		return status, nil, fmt.Errorf("client: server error: %s", resp)
	case protocol.StatusInvalid:
		return status, nil, fmt.Errorf("client: invalid request: %s", resp)
	}
	return status, resp, nil
}

func decodeBool(resp []byte) (bool, error) {
	v, err := value.Decode(resp)
	if err != nil {
		return false, fmt.Errorf("client: bad response: %w", err)
	}
	return v.Bool, nil
}

func decodeInt(resp []byte) (int64, error) {
	v, err := value.Decode(resp)
	if err != nil {
		return 0, fmt.Errorf("client: bad response: %w", err)
	}
	return v.Int, nil
}

func ttlMillis(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	ms := ttl.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	return ms
}

// ============================================================================
// Single-key operations
// ============================================================================

// Ping checks connectivity.
func (c *Client) Ping() error {
	_, _, err := c.call(protocol.OpPing, nil)
	return err
}

// Get fetches key. The bool reports presence.
func (c *Client) Get(key string) (value.Value, bool, error) {
	status, resp, err := c.call(protocol.OpGet, protocol.AppendString(nil, c.key(key)))
	if err != nil {
		return value.Value{}, false, err
	}
	if status == protocol.StatusNull {
		return value.Null(), false, nil
	}
	v, err := value.Decode(resp)
	if err != nil {
		return value.Value{}, false, fmt.Errorf("client: bad response: %w", err)
	}
	return v, true, nil
}

// Set writes key with an optional ttl (zero = no expiry).
func (c *Client) Set(key string, v value.Value, ttl time.Duration) error {
	payload := protocol.AppendString(nil, c.key(key))
	payload = protocol.AppendInt64(payload, ttlMillis(ttl))
	payload = append(payload, value.Encode(v)...)
	_, _, err := c.call(protocol.OpSet, payload)
	return err
}

// SetNX writes key only if absent.
func (c *Client) SetNX(key string, v value.Value, ttl time.Duration) (bool, error) {
	payload := protocol.AppendString(nil, c.key(key))
	payload = protocol.AppendInt64(payload, ttlMillis(ttl))
	payload = append(payload, value.Encode(v)...)
	_, resp, err := c.call(protocol.OpSetNX, payload)
	if err != nil {
		return false, err
	}
	return decodeBool(resp)
}

// Delete removes key.
func (c *Client) Delete(key string) (bool, error) {
	_, resp, err := c.call(protocol.OpDelete, protocol.AppendString(nil, c.key(key)))
	if err != nil {
		return false, err
	}
	return decodeBool(resp)
}

// Exists reports whether key is live.
func (c *Client) Exists(key string) (bool, error) {
	_, resp, err := c.call(protocol.OpExists, protocol.AppendString(nil, c.key(key)))
	if err != nil {
		return false, err
	}
	return decodeBool(resp)
}

// IncrBy atomically adds delta to the integer at key.
func (c *Client) IncrBy(key string, delta int64) (int64, error) {
	payload := protocol.AppendString(nil, c.key(key))
	payload = protocol.AppendInt64(payload, delta)
	_, resp, err := c.call(protocol.OpIncr, payload)
	if err != nil {
		return 0, err
	}
	return decodeInt(resp)
}

// DecrBy atomically subtracts delta from the integer at key.
func (c *Client) DecrBy(key string, delta int64) (int64, error) {
	payload := protocol.AppendString(nil, c.key(key))
	payload = protocol.AppendInt64(payload, delta)
	_, resp, err := c.call(protocol.OpDecr, payload)
	if err != nil {
		return 0, err
	}
	return decodeInt(resp)
}

// CompareAndSwap replaces key's value with newV iff the stored value equals
// expected. A conflict returns (false, nil).
func (c *Client) CompareAndSwap(key string, expected, newV value.Value, ttl time.Duration) (bool, error) {
	payload := protocol.AppendString(nil, c.key(key))
	payload = protocol.AppendInt64(payload, ttlMillis(ttl))
	payload = protocol.AppendBytes(payload, value.Encode(expected))
	payload = append(payload, value.Encode(newV)...)
	status, _, err := c.call(protocol.OpCAS, payload)
	if err != nil {
		return false, err
	}
	return status != protocol.StatusCASFailed, nil
}

// Expire sets a fresh ttl on an existing key.
func (c *Client) Expire(key string, ttl time.Duration) (bool, error) {
	payload := protocol.AppendString(nil, c.key(key))
	payload = protocol.AppendInt64(payload, ttlMillis(ttl))
	_, resp, err := c.call(protocol.OpExpire, payload)
	if err != nil {
		return false, err
	}
	return decodeBool(resp)
}

// TTL returns the remaining lifetime of key: -2s when absent, -1s when the
// key never expires.
func (c *Client) TTL(key string) (time.Duration, error) {
	_, resp, err := c.call(protocol.OpTTL, protocol.AppendString(nil, c.key(key)))
	if err != nil {
		return 0, err
	}
	ms, err := decodeInt(resp)
	if err != nil {
		return 0, err
	}
	switch ms {
	case -2:
		return -2 * time.Second, nil
	case -1:
		return -1 * time.Second, nil
	default:
		return time.Duration(ms) * time.Millisecond, nil
	}
}

// ============================================================================
// Batch operations
// ============================================================================

func (c *Client) appendKeyList(keys []string) []byte {
	payload := protocol.AppendUint32(nil, uint32(len(keys)))
	for _, key := range keys {
		payload = protocol.AppendString(payload, c.key(key))
	}
	return payload
}

// MGet fetches keys in order; the mask reports which were found.
func (c *Client) MGet(keys []string) ([]value.Value, []bool, error) {
	_, resp, err := c.call(protocol.OpMGet, c.appendKeyList(keys))
	if err != nil {
		return nil, nil, err
	}
	count, rest, err := protocol.ReadUint32(resp)
	if err != nil {
		return nil, nil, fmt.Errorf("client: bad response: %w", err)
	}
	// Every element carries at least its presence byte, so a count beyond
	// the remaining payload is a malformed response.
	if uint64(count) > uint64(len(rest)) {
		return nil, nil, fmt.Errorf("client: bad response: %w", protocol.ErrTruncated)
	}
	vals := make([]value.Value, count)
	found := make([]bool, count)
	for i := uint32(0); i < count; i++ {
		if len(rest) == 0 {
			return nil, nil, fmt.Errorf("client: bad response: %w", protocol.ErrTruncated)
		}
		present := rest[0] == 1
		rest = rest[1:]
		if !present {
			vals[i] = value.Null()
			continue
		}
		var raw []byte
		raw, rest, err = protocol.ReadBytes(rest)
		if err != nil {
			return nil, nil, fmt.Errorf("client: bad response: %w", err)
		}
		v, err := value.Decode(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("client: bad response: %w", err)
		}
		vals[i] = v
		found[i] = true
	}
	return vals, found, nil
}

// MSet writes every pair with the same ttl.
func (c *Client) MSet(pairs []Pair, ttl time.Duration) error {
	payload := protocol.AppendInt64(nil, ttlMillis(ttl))
	payload = protocol.AppendUint32(payload, uint32(len(pairs)))
	for _, p := range pairs {
		payload = protocol.AppendString(payload, c.key(p.Key))
		payload = protocol.AppendBytes(payload, value.Encode(p.Value))
	}
	_, _, err := c.call(protocol.OpMSet, payload)
	return err
}

// MDelete removes every named key, returning how many were live.
func (c *Client) MDelete(keys []string) (int, error) {
	_, resp, err := c.call(protocol.OpMDelete, c.appendKeyList(keys))
	if err != nil {
		return 0, err
	}
	n, err := decodeInt(resp)
	return int(n), err
}

// MExists counts how many of the named keys are live.
func (c *Client) MExists(keys []string) (int, error) {
	_, resp, err := c.call(protocol.OpMExists, c.appendKeyList(keys))
	if err != nil {
		return 0, err
	}
	n, err := decodeInt(resp)
	return int(n), err
}

// ============================================================================
// Locks
// ============================================================================

// Lock is a held advisory lock.
type Lock struct {
	c        *Client
	Resource string
	Owner    string
}

// Lock acquires the named advisory lock with a generated owner token.
// Returns nil and false when another owner holds it.
func (c *Client) Lock(resource string, ttl time.Duration) (*Lock, bool, error) {
	owner := uuid.NewString()
	ok, err := c.LockAs(resource, owner, ttl)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &Lock{c: c, Resource: resource, Owner: owner}, true, nil
}

// LockAs acquires the named lock for an explicit owner token.
func (c *Client) LockAs(resource, owner string, ttl time.Duration) (bool, error) {
	payload := protocol.AppendString(nil, c.key(resource))
	payload = protocol.AppendString(payload, owner)
	payload = protocol.AppendInt64(payload, ttlMillis(ttl))
	_, resp, err := c.call(protocol.OpLock, payload)
	if err != nil {
		return false, err
	}
	return decodeBool(resp)
}

// Unlock releases the lock iff owner still holds it.
func (c *Client) Unlock(resource, owner string) (bool, error) {
	payload := protocol.AppendString(nil, c.key(resource))
	payload = protocol.AppendString(payload, owner)
	_, resp, err := c.call(protocol.OpUnlock, payload)
	if err != nil {
		return false, err
	}
	return decodeBool(resp)
}

// ExtendLock pushes the lock deadline iff owner still holds it.
func (c *Client) ExtendLock(resource, owner string, ttl time.Duration) (bool, error) {
	payload := protocol.AppendString(nil, c.key(resource))
	payload = protocol.AppendString(payload, owner)
	payload = protocol.AppendInt64(payload, ttlMillis(ttl))
	_, resp, err := c.call(protocol.OpExtendLock, payload)
	if err != nil {
		return false, err
	}
	return decodeBool(resp)
}

// Unlock releases the held lock.
func (l *Lock) Unlock() (bool, error) {
	return l.c.Unlock(l.Resource, l.Owner)
}

// Extend pushes the held lock's deadline to now+ttl.
func (l *Lock) Extend(ttl time.Duration) (bool, error) {
	return l.c.ExtendLock(l.Resource, l.Owner, ttl)
}

// ============================================================================
// Introspection
// ============================================================================

// Info returns the server's stats map.
func (c *Client) Info() (map[string]value.Value, error) {
	_, resp, err := c.call(protocol.OpInfo, nil)
	if err != nil {
		return nil, err
	}
	v, err := value.Decode(resp)
	if err != nil {
		return nil, fmt.Errorf("client: bad response: %w", err)
	}
	if v.Type != value.TypeMap {
		return nil, fmt.Errorf("client: bad response: info is not a map")
	}
	return v.Map, nil
}

// Keys lists every live key, restricted to the client's namespace when one
// is set (the namespace prefix is stripped).
func (c *Client) Keys() ([]string, error) {
	_, resp, err := c.call(protocol.OpKeys, nil)
	if err != nil {
		return nil, err
	}
	count, rest, err := protocol.ReadUint32(resp)
	if err != nil {
		return nil, fmt.Errorf("client: bad response: %w", err)
	}
	prefix := ""
	if c.namespace != "" {
		prefix = c.namespace + ":"
	}
	hint := int(count)
	if uint64(count) > uint64(len(rest)) {
		hint = len(rest)
	}
	keys := make([]string, 0, hint)
	for i := uint32(0); i < count; i++ {
		var key string
		key, rest, err = protocol.ReadString(rest)
		if err != nil {
			return nil, fmt.Errorf("client: bad response: %w", err)
		}
		if prefix != "" {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			key = strings.TrimPrefix(key, prefix)
		}
		keys = append(keys, key)
	}
	return keys, nil
}
