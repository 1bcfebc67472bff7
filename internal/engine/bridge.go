package engine

// Hint is one weighted agent suggestion for a path.
type Hint struct {
	Agent  string  `json:"agent"`
	Weight float64 `json:"weight"`
}

// AgentBridge supplies advisory hints about which agents care about a
// path. The engine logs hints for observability but never treats them
// as a control signal; hint-generation internals live outside this
// module.
type AgentBridge interface {
	GetHints(path string) []Hint
}

// NopBridge returns no hints. Used when no bridge is configured.
type NopBridge struct{}

// GetHints implements AgentBridge.
func (NopBridge) GetHints(string) []Hint { return nil }

// StaticBridge serves a fixed hint table keyed by path prefix. It
// exists so deployments without a live agent mesh can still exercise
// the advisory channel.
type StaticBridge struct {
	Hints map[string][]Hint
}

// GetHints returns the hints for the longest configured prefix of path.
func (b *StaticBridge) GetHints(path string) []Hint {
	var (
		best    []Hint
		bestLen = -1
	)

	for prefix, hints := range b.Hints {
		if len(prefix) > bestLen && hasPathPrefix(path, prefix) {
			best = hints
			bestLen = len(prefix)
		}
	}

	return best
}

func hasPathPrefix(path, prefix string) bool {
	if len(path) < len(prefix) || path[:len(prefix)] != prefix {
		return false
	}

	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
