// Package cmdtree defines the netbootctl command tree.
//
// The tree drives tab completion, "?" help and command validation in the
// interactive shell.
package cmdtree

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Node defines a completion tree node with description, children, and an
// optional source of dynamic values such as interface names.
type Node struct {
	Desc     string
	Children map[string]*Node
	// Dynamic names the kind of value accepted after this word.
	Dynamic string
}

// Dynamic value kinds.
const (
	Interfaces = "interfaces"
	Blocks     = "blocks"
)

// ValuesFunc returns the current values of a dynamic kind.
type ValuesFunc func(kind string) []string

// Candidate holds a command name and its description for display.
type Candidate struct {
	Name string
	Desc string
}

// Tree is the netbootctl command tree.
var Tree = map[string]*Node{
	"show": {Desc: "Show information", Children: map[string]*Node{
		"status":     {Desc: "Show daemon status"},
		"interfaces": {Desc: "Show network interfaces"},
		"routes":     {Desc: "Show the IPv6 minirouting table"},
		"settings":   {Desc: "Show effective settings", Dynamic: Blocks},
		"blocks":     {Desc: "Show the settings tree"},
		"neighbours": {Desc: "Show the neighbour cache"},
		"statistics": {Desc: "Show IP statistics"},
		"dhcp": {Desc: "Show DHCP state", Children: map[string]*Node{
			"leases":   {Desc: "Show obtained leases"},
			"sessions": {Desc: "Show running sessions"},
		}},
		"logs": {Desc: "Show recent log records"},
	}},
	"renew": {Desc: "Restart DHCP on an interface", Dynamic: Interfaces},
	"monitor": {Desc: "Follow live output", Children: map[string]*Node{
		"logs": {Desc: "Follow the log stream"},
	}},
	"help": {Desc: "Show help"},
	"exit": {Desc: "Leave the shell"},
}

// Complete walks the tree to find completion candidates for the given
// words and partial. values may be nil.
func Complete(tree map[string]*Node, words []string, partial string, values ValuesFunc) []Candidate {
	current := tree
	var currentNode *Node
	dynamicConsumed := false
	for _, w := range words {
		dynamicConsumed = false
		node, ok := current[w]
		if !ok {
			// A word not in the static children is the dynamic value of
			// the parent, if it takes one.
			if currentNode != nil && currentNode.Dynamic != "" {
				dynamicConsumed = true
				current = nil
				continue
			}
			return nil
		}
		currentNode = node
		current = node.Children
	}

	var candidates []Candidate
	for name, node := range current {
		if strings.HasPrefix(name, partial) {
			candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
		}
	}
	if !dynamicConsumed && currentNode != nil && currentNode.Dynamic != "" && values != nil {
		for _, name := range values(currentNode.Dynamic) {
			if strings.HasPrefix(name, partial) {
				candidates = append(candidates, Candidate{Name: name, Desc: "(" + currentNode.Dynamic + ")"})
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	return candidates
}

// Names returns the candidate names.
func Names(candidates []Candidate) []string {
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.Name
	}
	return out
}

// WriteHelp prints aligned completion candidates to w.
// The entire output is built as a single string and written in one call
// so that readline's wrapWriter triggers only one Refresh cycle.
func WriteHelp(w io.Writer, candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	maxWidth := 20
	for _, c := range candidates {
		if len(c.Name)+2 > maxWidth {
			maxWidth = len(c.Name) + 2
		}
	}
	var sb strings.Builder
	sb.WriteString("Possible completions:\n")
	for _, c := range candidates {
		if c.Desc != "" {
			fmt.Fprintf(&sb, "  %-*s %s\n", maxWidth, c.Name, c.Desc)
		} else {
			fmt.Fprintf(&sb, "  %s\n", c.Name)
		}
	}
	io.WriteString(w, sb.String())
}

// CommonPrefix returns the longest shared prefix among the given strings.
func CommonPrefix(items []string) string {
	if len(items) == 0 {
		return ""
	}
	prefix := items[0]
	for _, s := range items[1:] {
		for !strings.HasPrefix(s, prefix) {
			prefix = prefix[:len(prefix)-1]
			if prefix == "" {
				return ""
			}
		}
	}
	return prefix
}

// Split separates a partially typed line into complete words and the
// word being typed.
func Split(line string) (words []string, partial string) {
	words = strings.Fields(line)
	if len(words) > 0 && !strings.HasSuffix(line, " ") {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}
	return words, partial
}
