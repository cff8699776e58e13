// Package routing decides, per tool source descriptor, whether a tool
// executes through a local agent or a directly reachable remote endpoint.
package routing

import (
	"net/url"
	"strings"
)

// Target is the dispatch path for a tool.
type Target string

const (
	// TargetLocal routes tool calls through the task broker to a polling agent.
	TargetLocal Target = "local"
	// TargetRemote routes tool calls to a directly reachable endpoint.
	TargetRemote Target = "remote"
)

// localSchemes are the source-descriptor schemes denoting execution on a
// machine only a local agent can reach.
var localSchemes = map[string]struct{}{
	"local":  {},
	"stdio":  {},
	"docker": {},
	"agent":  {},
}

// Classify maps a tool's originating source descriptor to its dispatch
// path. It is pure and runs once per tool registration, not per call.
// Ambiguous or unrecognized descriptors classify as remote: a tool is never
// silently dropped, and remote dispatch fails loudly if the guess is wrong.
func Classify(source string) Target {
	scheme := schemeOf(source)
	if scheme == "" {
		return TargetRemote
	}
	if _, ok := localSchemes[scheme]; ok {
		return TargetLocal
	}
	return TargetRemote
}

func schemeOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if i := strings.Index(raw, "://"); i > 0 {
		return strings.ToLower(raw[:i])
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" {
		return ""
	}
	// url.Parse treats "host:port" as scheme "host"; a purely numeric
	// opaque part means this was not a real scheme.
	if parsed.Opaque != "" && strings.Trim(parsed.Opaque, "0123456789") == "" {
		return ""
	}
	return strings.ToLower(parsed.Scheme)
}
