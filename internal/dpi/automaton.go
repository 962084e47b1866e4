package dpi

import "unicode/utf8"

// acNode is a state of the Aho-Corasick automaton.
type acNode struct {
	children map[byte]int
	fail     int
	out      []int // pattern ids recognised in this state
}

// Automaton finds all patterns in a single pass over the payload using an
// Aho-Corasick trie. Its output is identical to Naive's.
type Automaton struct {
	patterns []string
	nodes    []acNode
}

// NewAutomaton returns an uninitialised automaton searcher.
func NewAutomaton() *Automaton {
	a := &Automaton{}
	a.Init(nil)
	return a
}

// Init rebuilds the automaton for a new pattern set.
func (a *Automaton) Init(patterns []string) {
	a.patterns = dedupe(patterns)
	a.nodes = []acNode{{children: map[byte]int{}}}

	for id, p := range a.patterns {
		state := 0
		for i := 0; i < len(p); i++ {
			next, ok := a.nodes[state].children[p[i]]
			if !ok {
				a.nodes = append(a.nodes, acNode{children: map[byte]int{}})
				next = len(a.nodes) - 1
				a.nodes[state].children[p[i]] = next
			}
			state = next
		}
		a.nodes[state].out = append(a.nodes[state].out, id)
	}

	// Breadth-first failure links
	queue := make([]int, 0, len(a.nodes))
	for _, child := range a.nodes[0].children {
		a.nodes[child].fail = 0
		queue = append(queue, child)
	}
	for len(queue) > 0 {
		state := queue[0]
		queue = queue[1:]
		for c, child := range a.nodes[state].children {
			f := a.nodes[state].fail
			for f != 0 {
				if _, ok := a.nodes[f].children[c]; ok {
					break
				}
				f = a.nodes[f].fail
			}
			if next, ok := a.nodes[f].children[c]; ok && next != child {
				a.nodes[child].fail = next
			} else {
				a.nodes[child].fail = 0
			}
			fo := a.nodes[a.nodes[child].fail].out
			if len(fo) > 0 {
				a.nodes[child].out = append(a.nodes[child].out, fo...)
			}
			queue = append(queue, child)
		}
	}
}

// Search reports, per pattern in init order, the non-overlapping occurrences
// found scanning left to right.
func (a *Automaton) Search(buf []byte, size int) ([]Match, error) {
	data, err := window(buf, size)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, ErrInvalidUTF8
	}
	if len(a.patterns) == 0 {
		return nil, nil
	}

	// chars[i] is the number of characters in data[:i]
	chars := make([]int, len(data)+1)
	n := 0
	for i := range data {
		if utf8.RuneStart(data[i]) {
			n++
		}
		chars[i+1] = n
	}

	ends := make([][]int, len(a.patterns))
	lastEnd := make([]int, len(a.patterns))
	state := 0
	for i := 0; i < len(data); i++ {
		c := data[i]
		for state != 0 {
			if _, ok := a.nodes[state].children[c]; ok {
				break
			}
			state = a.nodes[state].fail
		}
		if next, ok := a.nodes[state].children[c]; ok {
			state = next
		}
		for _, id := range a.nodes[state].out {
			end := i + 1
			start := end - len(a.patterns[id])
			if start < lastEnd[id] {
				continue
			}
			lastEnd[id] = end
			ends[id] = append(ends[id], end)
		}
	}

	var matches []Match
	for id, p := range a.patterns {
		for _, end := range ends[id] {
			matches = append(matches, Match{Pattern: p, End: chars[end]})
		}
	}
	return matches, nil
}
