// Package server exposes the engine over TCP. One goroutine per connection
// reads frames, dispatches to the engine and answers in request order.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tierkv/tierkv/internal/engine"
	"github.com/tierkv/tierkv/internal/protocol"
	"github.com/tierkv/tierkv/internal/store"
	"github.com/tierkv/tierkv/internal/value"
	"github.com/tierkv/tierkv/internal/version"
)

// Config holds server configuration.
type Config struct {
	// MaxClients caps concurrent connections; zero means unlimited.
	MaxClients int
	// IdleTimeout closes connections with no traffic for this long; zero
	// disables the deadline.
	IdleTimeout time.Duration
	// MaxPayload bounds a single request payload. Zero uses the protocol
	// default.
	MaxPayload uint32
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		MaxClients:  10000,
		IdleTimeout: 5 * time.Minute,
		MaxPayload:  protocol.DefaultMaxPayload,
	}
}

// Server accepts client connections and serves the wire protocol.
type Server struct {
	addr   string
	engine *engine.Engine
	config Config

	mu        sync.Mutex
	listener  net.Listener
	closed    bool
	connCount int

	wg sync.WaitGroup
}

// New creates a server for addr backed by e.
func New(addr string, e *engine.Engine, cfg Config) *Server {
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = protocol.DefaultMaxPayload
	}
	return &Server{addr: addr, engine: e, config: cfg}
}

// Addr returns the bound listen address, useful when addr used port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens on the configured address and serves until ctx is
// cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	log.Info().Str("addr", listener.Addr().String()).Msg("server listening")

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			log.Warn().Err(err).Msg("accept failed")
			continue
		}

		s.mu.Lock()
		if s.config.MaxClients > 0 && s.connCount >= s.config.MaxClients {
			s.mu.Unlock()
			log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("max clients reached, rejecting")
			conn.Close()
			continue
		}
		s.connCount++
		s.mu.Unlock()

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				s.connCount--
				s.mu.Unlock()
			}()
			s.handleConnection(c)
		}(conn)
	}
}

// Close stops accepting, closes the listener and waits for in-flight
// connections to finish their current request.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	s.wg.Wait()
	log.Info().Msg("server stopped")
	return err
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	log.Debug().Str("remote", remote).Msg("client connected")

	reader := protocol.NewReaderSize(conn, s.config.MaxPayload)
	writer := protocol.NewWriter(conn)

	for {
		if s.config.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}

		op, payload, err := reader.ReadFrame()
		if errors.Is(err, protocol.ErrPayloadTooLarge) {
			if werr := writer.WriteFrame(protocol.StatusInvalid, []byte(err.Error())); werr != nil {
				return
			}
			continue
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrDeadlineExceeded) {
				log.Warn().Err(err).Str("remote", remote).Msg("read failed")
			}
			log.Debug().Str("remote", remote).Msg("client disconnected")
			return
		}

		status, resp := s.dispatch(op, payload)
		if err := writer.WriteFrame(status, resp); err != nil {
			log.Warn().Err(err).Str("remote", remote).Msg("write failed")
			return
		}
	}
}

// ============================================================================
// Dispatch
// ============================================================================

func (s *Server) dispatch(op byte, payload []byte) (byte, []byte) {
	switch op {
	case protocol.OpPing:
		return protocol.StatusOK, []byte("PONG")
	case protocol.OpGet:
		return s.handleGet(payload)
	case protocol.OpSet:
		return s.handleSet(payload)
	case protocol.OpDelete:
		return s.handleDelete(payload)
	case protocol.OpExists:
		return s.handleExists(payload)
	case protocol.OpIncr:
		return s.handleIncrDecr(payload, 1)
	case protocol.OpDecr:
		return s.handleIncrDecr(payload, -1)
	case protocol.OpCAS:
		return s.handleCAS(payload)
	case protocol.OpSetNX:
		return s.handleSetNX(payload)
	case protocol.OpExpire:
		return s.handleExpire(payload)
	case protocol.OpTTL:
		return s.handleTTL(payload)
	case protocol.OpMGet:
		return s.handleMGet(payload)
	case protocol.OpMSet:
		return s.handleMSet(payload)
	case protocol.OpMDelete:
		return s.handleMDelete(payload)
	case protocol.OpMExists:
		return s.handleMExists(payload)
	case protocol.OpLock:
		return s.handleLock(payload)
	case protocol.OpUnlock:
		return s.handleUnlock(payload)
	case protocol.OpExtendLock:
		return s.handleExtendLock(payload)
	case protocol.OpInfo:
		return s.handleInfo()
	case protocol.OpKeys:
		return s.handleKeys()
	default:
		return protocol.StatusInvalid, []byte(fmt.Sprintf("unknown opcode 0x%02x", op))
	}
}

// errorResponse maps engine errors onto wire statuses. Validation failures
// are the client's fault and come back Invalid; the rest are Error.
func errorResponse(err error) (byte, []byte) {
	if errors.Is(err, store.ErrKeyTooLong) || errors.Is(err, store.ErrValueTooLarge) {
		return protocol.StatusInvalid, []byte(err.Error())
	}
	return protocol.StatusError, []byte(err.Error())
}

func invalidPayload(err error) (byte, []byte) {
	return protocol.StatusInvalid, []byte(err.Error())
}

func boolResponse(ok bool) (byte, []byte) {
	return protocol.StatusOK, value.Encode(value.NewBool(ok))
}

func intResponse(n int64) (byte, []byte) {
	return protocol.StatusOK, value.Encode(value.NewInt(n))
}

// ttlFromMillis converts a wire ttl (milliseconds, <=0 meaning none) into a
// duration.
func ttlFromMillis(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Server) handleGet(payload []byte) (byte, []byte) {
	key, _, err := protocol.ReadString(payload)
	if err != nil {
		return invalidPayload(err)
	}
	v, ok := s.engine.Get(key)
	if !ok {
		return protocol.StatusNull, nil
	}
	return protocol.StatusOK, value.Encode(v)
}

func (s *Server) handleSet(payload []byte) (byte, []byte) {
	key, rest, err := protocol.ReadString(payload)
	if err != nil {
		return invalidPayload(err)
	}
	ttlMillis, rest, err := protocol.ReadInt64(rest)
	if err != nil {
		return invalidPayload(err)
	}
	v, err := value.Decode(rest)
	if err != nil {
		return invalidPayload(err)
	}
	if err := s.engine.Set(key, v, ttlFromMillis(ttlMillis)); err != nil {
		return errorResponse(err)
	}
	return protocol.StatusOK, nil
}

func (s *Server) handleDelete(payload []byte) (byte, []byte) {
	key, _, err := protocol.ReadString(payload)
	if err != nil {
		return invalidPayload(err)
	}
	ok, err := s.engine.Delete(key)
	if err != nil {
		return errorResponse(err)
	}
	return boolResponse(ok)
}

func (s *Server) handleExists(payload []byte) (byte, []byte) {
	key, _, err := protocol.ReadString(payload)
	if err != nil {
		return invalidPayload(err)
	}
	return boolResponse(s.engine.Exists(key))
}

func (s *Server) handleIncrDecr(payload []byte, sign int64) (byte, []byte) {
	key, rest, err := protocol.ReadString(payload)
	if err != nil {
		return invalidPayload(err)
	}
	delta, _, err := protocol.ReadInt64(rest)
	if err != nil {
		return invalidPayload(err)
	}
	n, err := s.engine.IncrBy(key, sign*delta)
	if err != nil {
		return errorResponse(err)
	}
	return intResponse(n)
}

func (s *Server) handleCAS(payload []byte) (byte, []byte) {
	key, rest, err := protocol.ReadString(payload)
	if err != nil {
		return invalidPayload(err)
	}
	ttlMillis, rest, err := protocol.ReadInt64(rest)
	if err != nil {
		return invalidPayload(err)
	}
	expectedBytes, rest, err := protocol.ReadBytes(rest)
	if err != nil {
		return invalidPayload(err)
	}
	expected, err := value.Decode(expectedBytes)
	if err != nil {
		return invalidPayload(err)
	}
	newV, err := value.Decode(rest)
	if err != nil {
		return invalidPayload(err)
	}
	swapped, err := s.engine.CompareAndSwap(key, expected, newV, ttlFromMillis(ttlMillis))
	if err != nil {
		return errorResponse(err)
	}
	if !swapped {
		return protocol.StatusCASFailed, nil
	}
	return protocol.StatusOK, nil
}

func (s *Server) handleSetNX(payload []byte) (byte, []byte) {
	key, rest, err := protocol.ReadString(payload)
	if err != nil {
		return invalidPayload(err)
	}
	ttlMillis, rest, err := protocol.ReadInt64(rest)
	if err != nil {
		return invalidPayload(err)
	}
	v, err := value.Decode(rest)
	if err != nil {
		return invalidPayload(err)
	}
	ok, err := s.engine.SetNX(key, v, ttlFromMillis(ttlMillis))
	if err != nil {
		return errorResponse(err)
	}
	return boolResponse(ok)
}

func (s *Server) handleExpire(payload []byte) (byte, []byte) {
	key, rest, err := protocol.ReadString(payload)
	if err != nil {
		return invalidPayload(err)
	}
	ttlMillis, _, err := protocol.ReadInt64(rest)
	if err != nil {
		return invalidPayload(err)
	}
	ok, err := s.engine.Expire(key, ttlFromMillis(ttlMillis))
	if err != nil {
		return errorResponse(err)
	}
	return boolResponse(ok)
}

func (s *Server) handleTTL(payload []byte) (byte, []byte) {
	key, _, err := protocol.ReadString(payload)
	if err != nil {
		return invalidPayload(err)
	}
	d := s.engine.TTLRemaining(key)
	switch d {
	case -2 * time.Second:
		return intResponse(-2)
	case -1 * time.Second:
		return intResponse(-1)
	default:
		return intResponse(d.Milliseconds())
	}
}

// capCount bounds a client-supplied element count by the bytes left in the
// payload, so a bogus count cannot size a huge allocation.
func capCount(count uint32, remaining int) int {
	if uint64(count) > uint64(remaining) {
		return remaining
	}
	return int(count)
}

func readKeyList(payload []byte) ([]string, error) {
	count, rest, err := protocol.ReadUint32(payload)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, capCount(count, len(rest)))
	for i := uint32(0); i < count; i++ {
		var key string
		key, rest, err = protocol.ReadString(rest)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *Server) handleMGet(payload []byte) (byte, []byte) {
	keys, err := readKeyList(payload)
	if err != nil {
		return invalidPayload(err)
	}
	vals, found := s.engine.MGet(keys)
	resp := protocol.AppendUint32(nil, uint32(len(keys)))
	for i := range keys {
		if !found[i] {
			resp = append(resp, 0)
			continue
		}
		resp = append(resp, 1)
		resp = protocol.AppendBytes(resp, value.Encode(vals[i]))
	}
	return protocol.StatusOK, resp
}

func (s *Server) handleMSet(payload []byte) (byte, []byte) {
	ttlMillis, rest, err := protocol.ReadInt64(payload)
	if err != nil {
		return invalidPayload(err)
	}
	count, rest, err := protocol.ReadUint32(rest)
	if err != nil {
		return invalidPayload(err)
	}
	pairs := make([]engine.KV, 0, capCount(count, len(rest)))
	for i := uint32(0); i < count; i++ {
		var key string
		key, rest, err = protocol.ReadString(rest)
		if err != nil {
			return invalidPayload(err)
		}
		var raw []byte
		raw, rest, err = protocol.ReadBytes(rest)
		if err != nil {
			return invalidPayload(err)
		}
		v, err := value.Decode(raw)
		if err != nil {
			return invalidPayload(err)
		}
		pairs = append(pairs, engine.KV{Key: key, Value: v})
	}
	if err := s.engine.MSet(pairs, ttlFromMillis(ttlMillis)); err != nil {
		return errorResponse(err)
	}
	return protocol.StatusOK, nil
}

func (s *Server) handleMDelete(payload []byte) (byte, []byte) {
	keys, err := readKeyList(payload)
	if err != nil {
		return invalidPayload(err)
	}
	removed, err := s.engine.MDelete(keys)
	if err != nil {
		return errorResponse(err)
	}
	return intResponse(int64(removed))
}

func (s *Server) handleMExists(payload []byte) (byte, []byte) {
	keys, err := readKeyList(payload)
	if err != nil {
		return invalidPayload(err)
	}
	n := int64(0)
	for _, key := range keys {
		if s.engine.Exists(key) {
			n++
		}
	}
	return intResponse(n)
}

func (s *Server) handleLock(payload []byte) (byte, []byte) {
	resource, rest, err := protocol.ReadString(payload)
	if err != nil {
		return invalidPayload(err)
	}
	owner, rest, err := protocol.ReadString(rest)
	if err != nil {
		return invalidPayload(err)
	}
	ttlMillis, _, err := protocol.ReadInt64(rest)
	if err != nil {
		return invalidPayload(err)
	}
	ok, err := s.engine.Lock(resource, owner, ttlFromMillis(ttlMillis))
	if err != nil {
		return errorResponse(err)
	}
	return boolResponse(ok)
}

func (s *Server) handleUnlock(payload []byte) (byte, []byte) {
	resource, rest, err := protocol.ReadString(payload)
	if err != nil {
		return invalidPayload(err)
	}
	owner, _, err := protocol.ReadString(rest)
	if err != nil {
		return invalidPayload(err)
	}
	ok, err := s.engine.Unlock(resource, owner)
	if err != nil {
		return errorResponse(err)
	}
	return boolResponse(ok)
}

func (s *Server) handleExtendLock(payload []byte) (byte, []byte) {
	resource, rest, err := protocol.ReadString(payload)
	if err != nil {
		return invalidPayload(err)
	}
	owner, rest, err := protocol.ReadString(rest)
	if err != nil {
		return invalidPayload(err)
	}
	ttlMillis, _, err := protocol.ReadInt64(rest)
	if err != nil {
		return invalidPayload(err)
	}
	ok, err := s.engine.ExtendLock(resource, owner, ttlFromMillis(ttlMillis))
	if err != nil {
		return errorResponse(err)
	}
	return boolResponse(ok)
}

func (s *Server) handleInfo() (byte, []byte) {
	st := s.engine.Stats()
	info := value.NewMap(map[string]value.Value{
		"version":        value.NewString(version.Version),
		"uptime_seconds": value.NewInt(int64(st.Uptime.Seconds())),
		"shards":         value.NewInt(int64(st.Shards)),
		"keys":           value.NewInt(int64(st.Keys)),
		"hot_keys":       value.NewInt(int64(st.HotKeys)),
		"cold_keys":      value.NewInt(int64(st.ColdKeys)),
		"hot_bytes":      value.NewInt(st.HotBytes),
		"total_commands": value.NewInt(st.TotalCommands),
		"total_reads":    value.NewInt(st.TotalReads),
		"total_writes":   value.NewInt(st.TotalWrites),
		"expired_keys":   value.NewInt(st.ExpiredKeys),
		"persisted":      value.NewBool(st.Persisted),
	})
	return protocol.StatusOK, value.Encode(info)
}

func (s *Server) handleKeys() (byte, []byte) {
	keys := s.engine.Keys()
	resp := protocol.AppendUint32(nil, uint32(len(keys)))
	for _, key := range keys {
		resp = protocol.AppendString(resp, key)
	}
	return protocol.StatusOK, resp
}
