package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// apiURLFromListen turns a server listen address and base path into a
// client base URL. Wildcard hosts are dialed on loopback.
func apiURLFromListen(listen, basePath string, tls bool) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return ""
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	scheme := "http"
	if tls {
		scheme = "https"
	}
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	return scheme + "://" + net.JoinHostPort(host, port) + strings.TrimRight(basePath, "/")
}
