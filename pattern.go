/*
 *    Copyright 2025 Jeff Galyan
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *        http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package waypoint

import "strings"

// segmentKind classifies one "/"-delimited piece of a route pattern.
type segmentKind int

const (
	segLiteral segmentKind = iota
	segCapture
	segWildcard
)

// pattern is the compiled form of a route template such as
// "/test/v1/multi-match/{param}". Segments are classified once at
// registration time; matching never re-parses the template.
type pattern struct {
	raw      string
	segments []compiledSegment
}

type compiledSegment struct {
	kind  segmentKind
	value string // literal text, or capture name (without braces)
}

// compilePattern splits a template on "/" and classifies each segment.
// "**" is only legal as the final segment.
func compilePattern(raw string) (*pattern, error) {
	parts := splitSegments(raw)
	p := &pattern{raw: raw, segments: make([]compiledSegment, 0, len(parts))}
	for i, part := range parts {
		switch {
		case part == "**":
			if i != len(parts)-1 {
				return nil, ErrInternal("** wildcard must be the final path segment: "+raw, nil)
			}
			p.segments = append(p.segments, compiledSegment{kind: segWildcard})
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") && len(part) > 2:
			name := part[1 : len(part)-1]
			p.segments = append(p.segments, compiledSegment{kind: segCapture, value: name})
		default:
			p.segments = append(p.segments, compiledSegment{kind: segLiteral, value: part})
		}
	}
	return p, nil
}

// splitSegments splits a path on "/" without collapsing empty components
// from trailing or doubled slashes: those participate as empty literals,
// per spec.
func splitSegments(p string) []string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// trieNode is one position in the compiled route trie. literal holds exact
// child segments keyed by value; capture is the single named-capture child
// (insert rejects conflicting capture names at the same position, and
// registration panics on that error, so it is caught at registration time);
// wildcard is the "**" terminal child.
type trieNode struct {
	literal     map[string]*trieNode
	capture     *trieNode
	captureName string
	wildcard    *trieNode
	resources   []*resourceEntry // resources terminating exactly at this node
}

func newTrieNode() *trieNode {
	return &trieNode{literal: make(map[string]*trieNode)}
}

// insert adds a resourceEntry's pattern into the trie.
func (n *trieNode) insert(segs []compiledSegment, entry *resourceEntry) error {
	cur := n
	for _, seg := range segs {
		switch seg.kind {
		case segLiteral:
			child, ok := cur.literal[seg.value]
			if !ok {
				child = newTrieNode()
				cur.literal[seg.value] = child
			}
			cur = child
		case segCapture:
			if cur.capture == nil {
				cur.capture = newTrieNode()
				cur.captureName = seg.value
			} else if cur.captureName != seg.value {
				return ErrInternal("conflicting capture name at same position: {"+cur.captureName+"} vs {"+seg.value+"}", nil)
			}
			cur = cur.capture
		case segWildcard:
			if cur.wildcard == nil {
				cur.wildcard = newTrieNode()
			}
			cur = cur.wildcard
		}
	}
	cur.resources = append(cur.resources, entry)
	return nil
}

// pathMatch is one candidate match produced while walking the trie:
// the resource it terminates at, the named-capture bindings collected
// along the way, and the counters used for precedence ordering.
type pathMatch struct {
	entry      *resourceEntry
	groups     map[string]string
	literalHit int
	captures   int
	hasGlob    bool
}

// matchPath walks the trie against an incoming path's segments and collects
// every complete match (a pattern is complete when the path is exhausted at
// a node with resources, or a "**" has been traversed). Candidates are not
// yet ordered; orderMatches does that.
func matchPath(root *trieNode, segs []string) []pathMatch {
	var out []pathMatch
	walkTrie(root, segs, map[string]string{}, 0, 0, false, &out)
	return out
}

func walkTrie(n *trieNode, segs []string, groups map[string]string, literalHit, captures int, hasGlob bool, out *[]pathMatch) {
	if len(segs) == 0 {
		if len(n.resources) > 0 {
			for _, e := range n.resources {
				*out = append(*out, pathMatch{entry: e, groups: cloneGroups(groups), literalHit: literalHit, captures: captures, hasGlob: hasGlob})
			}
		}
		// A wildcard child can also match zero remaining segments.
		if n.wildcard != nil && len(n.wildcard.resources) > 0 {
			for _, e := range n.wildcard.resources {
				*out = append(*out, pathMatch{entry: e, groups: cloneGroups(groups), literalHit: literalHit, captures: captures, hasGlob: true})
			}
		}
		return
	}

	seg, rest := segs[0], segs[1:]

	if child, ok := n.literal[seg]; ok {
		walkTrie(child, rest, groups, literalHit+1, captures, hasGlob, out)
	}
	if n.capture != nil {
		g2 := cloneGroups(groups)
		g2[n.captureName] = seg
		walkTrie(n.capture, rest, g2, literalHit, captures+1, hasGlob, out)
	}
	if n.wildcard != nil {
		for _, e := range n.wildcard.resources {
			*out = append(*out, pathMatch{entry: e, groups: cloneGroups(groups), literalHit: literalHit, captures: captures, hasGlob: true})
		}
	}
}

func cloneGroups(g map[string]string) map[string]string {
	out := make(map[string]string, len(g))
	for k, v := range g {
		out[k] = v
	}
	return out
}

// orderMatches sorts candidates by the spec's tie-break rules:
//  1. greater literal-segment match count wins
//  2. fewer named captures wins
//  3. a pattern without ** wins
//  4. remaining ties: registration order
//
// Rule 4 compares resourceEntry.order, since walkTrie appends candidates in
// trie-walk order rather than registration order.
func orderMatches(matches []pathMatch) {
	stableSortMatches(matches)
}

func stableSortMatches(matches []pathMatch) {
	// Simple stable insertion sort: match counts are small per request, so
	// this avoids pulling in sort.SliceStable's reflection overhead on a hot
	// path.
	for i := 1; i < len(matches); i++ {
		j := i
		for j > 0 && less(matches[j], matches[j-1]) {
			matches[j], matches[j-1] = matches[j-1], matches[j]
			j--
		}
	}
}

func less(a, b pathMatch) bool {
	if a.literalHit != b.literalHit {
		return a.literalHit > b.literalHit
	}
	if a.captures != b.captures {
		return a.captures < b.captures
	}
	if a.hasGlob != b.hasGlob {
		return !a.hasGlob
	}
	return a.entry.order < b.entry.order
}
