package relevance

import (
	"path"
	"regexp"
	"strings"

	"ctxbudget/internal/content"
)

var referencePatterns = []*regexp.Regexp{
	// JS/TS: import x from "y", import "y", export * from "y"
	regexp.MustCompile(`^\s*(?:import|export)\b.*?\bfrom\s+['"]([^'"]+)['"]`),
	regexp.MustCompile(`^\s*import\s+['"]([^'"]+)['"]`),
	// require("y") and dynamic import("y")
	regexp.MustCompile(`\b(?:require|import)\(\s*['"]([^'"]+)['"]\s*\)`),
	// C/C++: #include "y" or <y>
	regexp.MustCompile(`^\s*#\s*(?:include|import)\s+[<"]([^>"]+)[>"]`),
	// Go: import "y", import alias "y", and quoted lines inside import blocks
	regexp.MustCompile(`^\s*import\s+(?:[\w.]+\s+)?"([^"]+)"`),
	regexp.MustCompile(`^\s*(?:[\w.]+\s+)?"([^"\s]+/[^"\s]+)"\s*$`),
	// Python: from y import z, import y
	regexp.MustCompile(`^\s*from\s+([\w.]+)\s+import\b`),
	regexp.MustCompile(`^\s*import\s+([\w.]+)\s*$`),
	// Rust: mod y; use crate::y
	regexp.MustCompile(`^\s*(?:pub\s+)?mod\s+(\w+)\s*;`),
	regexp.MustCompile(`^\s*(?:pub\s+)?use\s+crate::([\w:]+)`),
	// Markdown links to local files
	regexp.MustCompile(`\[[^\]]*\]\(([^)\s#]+)(?:#[^)]*)?\)`),
}

// References returns the distinct reference targets found in a unit: import
// paths, includes, requires and local markdown links.
func References(u content.Unit) []string {
	seen := make(map[string]bool)
	var refs []string
	for _, line := range strings.Split(u.Text, "\n") {
		if len(line) > 512 {
			continue
		}
		for _, re := range referencePatterns {
			for _, m := range re.FindAllStringSubmatch(line, -1) {
				target := strings.TrimSpace(m[1])
				if target == "" || strings.Contains(target, "://") || strings.HasPrefix(target, "mailto:") {
					continue
				}
				target = strings.ReplaceAll(target, "::", "/")
				if !seen[target] {
					seen[target] = true
					refs = append(refs, target)
				}
			}
		}
	}
	return refs
}

// resolves reports whether a reference target plausibly names the unit id.
func resolves(id, target string) bool {
	id = strings.ToLower(strings.ReplaceAll(id, "\\", "/"))
	idBase := strings.TrimSuffix(id, path.Ext(id))

	t := strings.ToLower(target)
	for strings.HasPrefix(t, "./") || strings.HasPrefix(t, "../") {
		t = t[strings.Index(t, "/")+1:]
	}
	t = strings.TrimPrefix(t, "@/")
	if t == "" {
		return false
	}

	candidates := []string{t, strings.TrimSuffix(t, path.Ext(t))}
	if !strings.Contains(t, "/") && strings.Contains(t, ".") {
		candidates = append(candidates, strings.ReplaceAll(t, ".", "/"))
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if id == c || idBase == c || strings.HasSuffix(id, "/"+c) || strings.HasSuffix(idBase, "/"+c) {
			return true
		}
		// Directory imports (Go packages, index files).
		if dir := path.Dir(id); dir != "." && (dir == c || strings.HasSuffix(dir, "/"+c) || strings.HasSuffix(c, "/"+dir)) {
			return true
		}
	}
	return false
}

// Graph holds the undirected reference degree of every unit in a pool.
type Graph struct {
	degree map[string]int
}

// BuildGraph links units whose references resolve to other units in the
// pool. A peer counts once whether it references, is referenced, or both.
func BuildGraph(units []content.Unit) *Graph {
	peers := make(map[string]map[string]bool, len(units))
	link := func(a, b string) {
		if peers[a] == nil {
			peers[a] = make(map[string]bool)
		}
		peers[a][b] = true
	}
	for _, u := range units {
		for _, target := range References(u) {
			for _, other := range units {
				if other.ID == u.ID || !resolves(other.ID, target) {
					continue
				}
				link(u.ID, other.ID)
				link(other.ID, u.ID)
			}
		}
	}
	g := &Graph{degree: make(map[string]int, len(peers))}
	for id, p := range peers {
		g.degree[id] = len(p)
	}
	return g
}

// Degree returns the number of distinct peers linked to id.
func (g *Graph) Degree(id string) int {
	if g == nil {
		return 0
	}
	return g.degree[id]
}
