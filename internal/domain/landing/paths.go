package landing

// landable reports whether a revision can currently be part of a
// landable path: open, unblocked, in a repository this service can land
// to, no outstanding blocking reviewer, and, for secure revisions, a
// sanitized commit message already supplied.
func (s *Stack) landable(rev Revision) bool {
	if rev.Status.Closed || rev.BlockedReason != "" {
		return false
	}
	repo, ok := s.Repository(rev.RepositoryPHID)
	if !ok || !repo.LandingSupported {
		return false
	}
	for _, reviewer := range rev.Reviewers {
		if reviewer.BlockingLanding {
			return false
		}
	}
	if rev.IsSecure && !rev.IsUsingSecureCommitMessage {
		return false
	}
	return true
}

// resolvePaths enumerates every maximal contiguous chain of landable
// revisions starting at a stack root. A revision with multiple landable
// children yields one path per branch; paths are never merged, never
// empty and never revisit a revision.
func (s *Stack) resolvePaths() {
	for _, rev := range s.Revisions {
		if len(s.parents[rev.PHID]) > 0 {
			continue
		}
		if !s.landable(rev) {
			continue
		}
		visited := map[string]bool{rev.PHID: true}
		s.extendPath(LandablePath{rev.PHID}, rev.PHID, visited)
	}
}

func (s *Stack) extendPath(path LandablePath, phid string, visited map[string]bool) {
	extended := false
	for _, child := range s.children[phid] {
		if visited[child] {
			continue
		}
		rev, ok := s.Revision(child)
		if !ok || !s.landable(rev) {
			continue
		}
		extended = true
		visited[child] = true
		next := make(LandablePath, len(path), len(path)+1)
		copy(next, path)
		s.extendPath(append(next, child), child, visited)
		delete(visited, child)
	}
	if !extended {
		s.LandablePaths = append(s.LandablePaths, path)
	}
}
