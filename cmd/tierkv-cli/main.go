// tierkv-cli - interactive command-line client for tierkvd
//
// Usage:
//
//	tierkv-cli [flags]
//
// Flags:
//
//	-addr string   Server address (default "localhost:7440")
//	-ns string     Key namespace prefix
//
// Commands:
//
//	get <key>                  Fetch a value
//	set <key> <value> [ttl]    Store a value, optional TTL like 30s or 5m
//	setnx <key> <value> [ttl]  Store only if the key is absent
//	del <key>                  Delete a key
//	exists <key>               Check key presence
//	incr <key> [delta]         Increment an integer counter
//	decr <key> [delta]         Decrement an integer counter
//	expire <key> <ttl>         Set a TTL on an existing key
//	ttl <key>                  Show remaining TTL
//	keys                       List all keys
//	lock <resource> <ttl>      Acquire a lock
//	unlock <resource> <owner>  Release a lock
//	info                       Show server statistics
//	ping                       Check connectivity
//	help                       Show this list
//	quit                       Exit
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tierkv/tierkv/internal/client"
	"github.com/tierkv/tierkv/internal/value"
)

func main() {
	addr := flag.String("addr", "localhost:7440", "Server address")
	namespace := flag.String("ns", "", "Key namespace prefix")
	flag.Parse()

	c, err := client.Dial(client.Options{Addr: *addr, Namespace: *namespace})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer c.Close()

	if err := c.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "ping failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("connected to %s\n", *addr)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("tierkv> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		args := strings.Fields(line)
		cmd := strings.ToLower(args[0])
		if cmd == "quit" || cmd == "exit" {
			break
		}
		if err := run(c, cmd, args[1:]); err != nil {
			fmt.Printf("(error) %v\n", err)
		}
	}
}

func run(c *client.Client, cmd string, args []string) error {
	switch cmd {
	case "ping":
		if err := c.Ping(); err != nil {
			return err
		}
		fmt.Println("PONG")

	case "get":
		if len(args) != 1 {
			return fmt.Errorf("usage: get <key>")
		}
		v, found, err := c.Get(args[0])
		if err != nil {
			return err
		}
		if !found {
			fmt.Println("(nil)")
		} else {
			fmt.Println(format(v))
		}

	case "set", "setnx":
		if len(args) < 2 || len(args) > 3 {
			return fmt.Errorf("usage: %s <key> <value> [ttl]", cmd)
		}
		ttl, err := parseTTL(args, 2)
		if err != nil {
			return err
		}
		v := parseValue(args[1])
		if cmd == "set" {
			if err := c.Set(args[0], v, ttl); err != nil {
				return err
			}
			fmt.Println("OK")
		} else {
			ok, err := c.SetNX(args[0], v, ttl)
			if err != nil {
				return err
			}
			fmt.Println(boolResult(ok))
		}

	case "del":
		if len(args) != 1 {
			return fmt.Errorf("usage: del <key>")
		}
		ok, err := c.Delete(args[0])
		if err != nil {
			return err
		}
		fmt.Println(boolResult(ok))

	case "exists":
		if len(args) != 1 {
			return fmt.Errorf("usage: exists <key>")
		}
		ok, err := c.Exists(args[0])
		if err != nil {
			return err
		}
		fmt.Println(boolResult(ok))

	case "incr", "decr":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("usage: %s <key> [delta]", cmd)
		}
		delta := int64(1)
		if len(args) == 2 {
			var err error
			delta, err = strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("bad delta %q", args[1])
			}
		}
		var n int64
		var err error
		if cmd == "incr" {
			n, err = c.IncrBy(args[0], delta)
		} else {
			n, err = c.DecrBy(args[0], delta)
		}
		if err != nil {
			return err
		}
		fmt.Printf("(integer) %d\n", n)

	case "expire":
		if len(args) != 2 {
			return fmt.Errorf("usage: expire <key> <ttl>")
		}
		ttl, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("bad ttl %q", args[1])
		}
		ok, err := c.Expire(args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Println(boolResult(ok))

	case "ttl":
		if len(args) != 1 {
			return fmt.Errorf("usage: ttl <key>")
		}
		ttl, err := c.TTL(args[0])
		if err != nil {
			return err
		}
		switch {
		case ttl == -2*time.Second:
			fmt.Println("(no such key)")
		case ttl == -1*time.Second:
			fmt.Println("(no expiration)")
		default:
			fmt.Println(ttl)
		}

	case "keys":
		keys, err := c.Keys()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("(empty)")
		}
		for i, k := range keys {
			fmt.Printf("%d) %s\n", i+1, k)
		}

	case "lock":
		if len(args) != 2 {
			return fmt.Errorf("usage: lock <resource> <ttl>")
		}
		ttl, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("bad ttl %q", args[1])
		}
		lock, ok, err := c.Lock(args[0], ttl)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("(locked by someone else)")
		} else {
			fmt.Printf("acquired, owner=%s\n", lock.Owner)
		}

	case "unlock":
		if len(args) != 2 {
			return fmt.Errorf("usage: unlock <resource> <owner>")
		}
		ok, err := c.Unlock(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(boolResult(ok))

	case "info":
		info, err := c.Info()
		if err != nil {
			return err
		}
		for k, v := range info {
			fmt.Printf("%s: %s\n", k, format(v))
		}

	case "help":
		fmt.Println("commands: ping get set setnx del exists incr decr expire ttl keys lock unlock info help quit")

	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

// parseValue guesses the densest type for a literal token, the way a user
// at a prompt would expect: 42 is an integer, 4.2 a float, true a bool,
// everything else a string.
func parseValue(tok string) value.Value {
	if tok == "null" {
		return value.Null()
	}
	if tok == "true" {
		return value.NewBool(true)
	}
	if tok == "false" {
		return value.NewBool(false)
	}
	if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return value.NewInt(n)
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return value.NewFloat(f)
	}
	return value.NewString(tok)
}

func parseTTL(args []string, idx int) (time.Duration, error) {
	if len(args) <= idx {
		return 0, nil
	}
	ttl, err := time.ParseDuration(args[idx])
	if err != nil {
		return 0, fmt.Errorf("bad ttl %q", args[idx])
	}
	return ttl, nil
}

func format(v value.Value) string {
	switch v.Type {
	case value.TypeNull:
		return "(nil)"
	case value.TypeBool:
		return strconv.FormatBool(v.Bool)
	case value.TypeInt64:
		return strconv.FormatInt(v.Int, 10)
	case value.TypeFloat64:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case value.TypeDecimal, value.TypeString:
		return fmt.Sprintf("%q", v.Str)
	case value.TypeBytes:
		return fmt.Sprintf("%d bytes", len(v.Bytes))
	case value.TypeList:
		parts := make([]string, len(v.List))
		for i, item := range v.List {
			parts[i] = format(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case value.TypeMap:
		parts := make([]string, 0, len(v.Map))
		for k, item := range v.Map {
			parts = append(parts, fmt.Sprintf("%s: %s", k, format(item)))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return "(unknown)"
}

func boolResult(ok bool) string {
	if ok {
		return "(integer) 1"
	}
	return "(integer) 0"
}
