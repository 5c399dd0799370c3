// Command healthcheck checks the issuewatch status API and exits non-zero
// when it is unreachable or unhealthy. It is meant for container HEALTHCHECK
// instructions, where no shell or curl is available.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

const defaultAddr = "127.0.0.1:8080"

func main() {
	addr, ok := os.LookupEnv("ISSUEWATCH_LISTEN_ADDR")
	if ok && addr == "" {
		fmt.Fprintln(os.Stderr, "status API disabled (ISSUEWATCH_LISTEN_ADDR is empty)")
		os.Exit(1)
	}
	os.Exit(check(healthURL(addr)))
}

func healthURL(addr string) string {
	return fmt.Sprintf("http://%s/api/v1/health", normalizeAddr(addr))
}

func check(url string) int {
	client := &http.Client{Timeout: 2 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 1
	}

	resp, err := client.Do(req)
	if err != nil {
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 1
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Status != "ok" {
		return 1
	}

	return 0
}

// normalizeAddr ensures the healthcheck connects to loopback rather than the
// bind-all address. Containers bind 0.0.0.0 or [::] but the healthcheck runs
// inside the same container, so loopback is reachable.
func normalizeAddr(raw string) string {
	if raw == "" {
		return defaultAddr
	}

	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return defaultAddr
	}

	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}

	return net.JoinHostPort(host, port)
}
