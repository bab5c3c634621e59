package landing

import (
	"fmt"
	"sort"
)

// BuildStack turns a flat revision set and its parent/child relation into
// the request-scoped Stack aggregate: deduplicated edges, adjacency,
// resolved landable paths and the uplift repository list. It fails with
// ErrGraph if an edge references a revision outside the supplied set or
// if the edge set contains a cycle. Pure transformation, no side effects.
func BuildStack(revisions []Revision, repositories []Repository, edges []StackEdge) (*Stack, error) {
	s := &Stack{
		byPHID:     make(map[string]int, len(revisions)),
		repoByPHID: make(map[string]int, len(repositories)),
		children:   make(map[string][]string),
		parents:    make(map[string][]string),
	}
	for _, rev := range revisions {
		if _, ok := s.byPHID[rev.PHID]; ok {
			return nil, fmt.Errorf("%w: duplicate revision %s", ErrGraph, rev.PHID)
		}
		s.byPHID[rev.PHID] = len(s.Revisions)
		s.Revisions = append(s.Revisions, rev)
	}
	for _, repo := range repositories {
		if _, ok := s.repoByPHID[repo.PHID]; ok {
			continue
		}
		s.repoByPHID[repo.PHID] = len(s.Repositories)
		s.Repositories = append(s.Repositories, repo)
	}

	seen := make(map[StackEdge]bool, len(edges))
	for _, edge := range edges {
		if seen[edge] {
			continue
		}
		seen[edge] = true
		if _, ok := s.byPHID[edge.Child]; !ok {
			return nil, fmt.Errorf("%w: edge references unknown revision %s", ErrGraph, edge.Child)
		}
		if _, ok := s.byPHID[edge.Parent]; !ok {
			return nil, fmt.Errorf("%w: edge references unknown revision %s", ErrGraph, edge.Parent)
		}
		s.Edges = append(s.Edges, edge)
		s.children[edge.Parent] = append(s.children[edge.Parent], edge.Child)
		s.parents[edge.Child] = append(s.parents[edge.Child], edge.Parent)
	}

	// Deterministic traversal order regardless of upstream edge order.
	for phid := range s.children {
		siblings := s.children[phid]
		sort.Slice(siblings, func(i, j int) bool {
			return s.Revisions[s.byPHID[siblings[i]]].ID < s.Revisions[s.byPHID[siblings[j]]].ID
		})
	}

	if cycle := s.findCycle(); cycle != "" {
		return nil, fmt.Errorf("%w: cycle through revision %s", ErrGraph, cycle)
	}

	s.resolvePaths()
	s.collectUpliftRepositories()
	return s, nil
}

const (
	colorUnvisited = iota
	colorOnStack
	colorDone
)

// findCycle runs a depth-first traversal over the child relation with a
// recursion-stack marker. A child edge back to a revision currently on
// the stack is a cycle. Returns the PHID of a revision on the cycle, or
// "" if the graph is acyclic.
func (s *Stack) findCycle() string {
	color := make(map[string]int, len(s.Revisions))
	var visit func(phid string) string
	visit = func(phid string) string {
		color[phid] = colorOnStack
		for _, child := range s.children[phid] {
			switch color[child] {
			case colorOnStack:
				return child
			case colorUnvisited:
				if hit := visit(child); hit != "" {
					return hit
				}
			}
		}
		color[phid] = colorDone
		return ""
	}
	for _, rev := range s.Revisions {
		if color[rev.PHID] == colorUnvisited {
			if hit := visit(rev.PHID); hit != "" {
				return hit
			}
		}
	}
	return ""
}

func (s *Stack) collectUpliftRepositories() {
	seen := make(map[string]bool)
	for _, rev := range s.Revisions {
		repo, ok := s.Repository(rev.RepositoryPHID)
		if !ok || !repo.ApprovalRequired || seen[repo.ShortName] {
			continue
		}
		seen[repo.ShortName] = true
		s.UpliftRepositories = append(s.UpliftRepositories, repo.ShortName)
	}
}
