// Package endpoint identifies a single shard: a normalised filesystem-like
// path, plus an optional remote node identity (host + binary protocol port).
package endpoint

import (
	"strconv"
	"strings"
)

// Endpoint is a value-typed, hashable location of one shard.
//
// A local endpoint has an empty Host and zero BinaryPort. A remote endpoint
// names the node that owns the shard over the binary replication protocol.
type Endpoint struct {
	Path       string
	Host       string
	BinaryPort int
}

// New builds an Endpoint from a URI-or-plain-path string and an optional
// "host:port" remote address. An empty remote makes the endpoint local.
func New(pathOrURI string, remote string) Endpoint {
	ep := Endpoint{Path: Normalize(pathOrURI)}
	if remote == "" {
		return ep
	}
	host, portStr, ok := strings.Cut(remote, ":")
	ep.Host = host
	if ok {
		if port, err := strconv.Atoi(portStr); err == nil {
			ep.BinaryPort = port
		}
	}
	return ep
}

// IsLocal reports whether this endpoint names no remote node.
func (e Endpoint) IsLocal() bool {
	return e.Host == ""
}

// String renders the endpoint the way it would be written in a server log
// line: "host:port/path" for remote endpoints, the bare path otherwise.
func (e Endpoint) String() string {
	if e.IsLocal() {
		return e.Path
	}
	return e.Host + ":" + strconv.Itoa(e.BinaryPort) + "/" + e.Path
}

// Less orders endpoints by path, then host, then port — the stable sort
// order the pool's LRU listing and replication fan-out rely on.
func Less(a, b Endpoint) bool {
	if a.Path != b.Path {
		return a.Path < b.Path
	}
	if a.Host != b.Host {
		return a.Host < b.Host
	}
	return a.BinaryPort < b.BinaryPort
}

// Normalize collapses "." and ".." segments and duplicate slashes the way a
// filesystem path resolver would, so that differently-spelled paths to the
// same shard compare and hash equal. Ported from the original source's
// normalize_path (src/endpoint.h).
func Normalize(path string) string {
	if path == "" {
		return path
	}

	absolute := strings.HasPrefix(path, "/")
	segments := strings.Split(path, "/")
	stack := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 && stack[len(stack)-1] != ".." {
				stack = stack[:len(stack)-1]
			} else if !absolute {
				stack = append(stack, seg)
			}
		default:
			stack = append(stack, seg)
		}
	}

	joined := strings.Join(stack, "/")
	if absolute {
		return "/" + joined
	}
	return joined
}
