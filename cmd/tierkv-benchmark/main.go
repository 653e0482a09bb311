// tierkv-benchmark - load generator for tierkvd
//
// Usage:
//
//	tierkv-benchmark [flags]
//
// Flags:
//
//	-addr string      Server address (default "localhost:7440")
//	-clients int      Number of concurrent clients (default 16)
//	-requests int     Requests per client (default 10000)
//	-test string      Workload: set, get, incr, mixed (default "mixed")
//	-valuesize int    Value size in bytes for set workloads (default 64)
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tierkv/tierkv/internal/client"
	"github.com/tierkv/tierkv/internal/value"
)

func main() {
	addr := flag.String("addr", "localhost:7440", "Server address")
	clients := flag.Int("clients", 16, "Number of concurrent clients")
	requests := flag.Int("requests", 10000, "Requests per client")
	test := flag.String("test", "mixed", "Workload: set, get, incr, mixed")
	valueSize := flag.Int("valuesize", 64, "Value size in bytes")
	flag.Parse()

	switch *test {
	case "set", "get", "incr", "mixed":
	default:
		fmt.Fprintf(os.Stderr, "unknown test %q\n", *test)
		os.Exit(1)
	}

	fmt.Printf("tierkv-benchmark: %s, %d clients x %d requests, addr=%s\n",
		*test, *clients, *requests, *addr)

	payload := make([]byte, *valueSize)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	val := value.NewBytes(payload)

	// Preload keys so get workloads hit instead of miss.
	if *test == "get" || *test == "mixed" {
		c, err := client.Dial(client.Options{Addr: *addr})
		if err != nil {
			fmt.Fprintf(os.Stderr, "connect: %v\n", err)
			os.Exit(1)
		}
		for i := 0; i < 1000; i++ {
			if err := c.Set(benchKey(i), val, 0); err != nil {
				fmt.Fprintf(os.Stderr, "preload: %v\n", err)
				os.Exit(1)
			}
		}
		c.Close()
	}

	var completed, failed atomic.Int64
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c, err := client.Dial(client.Options{Addr: *addr})
			if err != nil {
				failed.Add(int64(*requests))
				return
			}
			defer c.Close()

			rng := rand.New(rand.NewSource(int64(id)))
			for n := 0; n < *requests; n++ {
				if err := doRequest(c, *test, rng, val); err != nil {
					failed.Add(1)
				} else {
					completed.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := completed.Load() + failed.Load()
	fmt.Printf("\nresults:\n")
	fmt.Printf("  total time:    %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  completed:     %d\n", completed.Load())
	fmt.Printf("  failed:        %d\n", failed.Load())
	fmt.Printf("  requests/sec:  %.0f\n", float64(total)/elapsed.Seconds())
	fmt.Printf("  avg latency:   %v\n",
		(elapsed * time.Duration(*clients) / time.Duration(total)).Round(time.Microsecond))
}

func doRequest(c *client.Client, test string, rng *rand.Rand, val value.Value) error {
	switch test {
	case "set":
		return c.Set(benchKey(rng.Intn(100000)), val, 0)
	case "get":
		_, _, err := c.Get(benchKey(rng.Intn(1000)))
		return err
	case "incr":
		_, err := c.IncrBy(fmt.Sprintf("bench:counter:%d", rng.Intn(64)), 1)
		return err
	default: // mixed: 70% reads, 30% writes
		if rng.Intn(10) < 7 {
			_, _, err := c.Get(benchKey(rng.Intn(1000)))
			return err
		}
		return c.Set(benchKey(rng.Intn(1000)), val, 0)
	}
}

func benchKey(i int) string {
	return fmt.Sprintf("bench:key:%d", i)
}
