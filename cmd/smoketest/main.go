// Command smoketest exercises an Agent against a URL passed on the command
// line, printing for each request the status, the body length, and the
// number of idle pooled connections. Useful for manually checking pooling and redirect behavior
// against a live server.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/arkveil/httpcore"
)

func main() {
	url := flag.String("url", "https://httpbin.org/get", "URL to fetch")
	proxy := flag.String("proxy", "", "proxy URL, e.g. http://127.0.0.1:8080")
	timeout := flag.Duration("timeout", 10*time.Second, "global timeout")
	repeat := flag.Int("repeat", 1, "number of sequential requests, to observe pool reuse")
	flag.Parse()

	cfg := httpcore.DefaultConfig()
	cfg.Timeouts.Global = *timeout
	cfg.SaveRedirectHistory = true

	if *proxy != "" {
		p, err := httpcore.ParseProxyURL(*proxy)
		if err != nil {
			log.Fatalf("parse proxy: %v", err)
		}
		cfg.Proxy = p
	}

	a := httpcore.NewAgent(cfg)
	defer a.Close()

	for i := 0; i < *repeat; i++ {
		resp, err := a.Get(*url)
		if err != nil {
			log.Fatalf("request %d failed: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		fmt.Fprintf(os.Stdout, "[%d] %d %s, %d body bytes, pool idle=%d\n",
			i, resp.Status, resp.StatusText, len(body), a.PoolStats().TotalIdle)
	}
}
