package landing

import (
	"fmt"
	"strings"
)

// WarningRule is one advisory check run against every revision of a
// declared landing path. Rules are pure and independent; adding a rule
// is purely additive and must not require touching existing rules.
type WarningRule struct {
	ID      int
	Display string
	Check   func(Revision, *Stack) *WarningInstance
}

// warningRules is a fixed ordered registry. Order matters: the
// confirmation token digests warnings in registry order, so reordering
// entries invalidates outstanding tokens.
var warningRules = []WarningRule{
	{
		ID:      0,
		Display: "Revision is not accepted.",
		Check:   checkNotAccepted,
	},
	{
		ID:      1,
		Display: "Reviews are out of date.",
		Check:   checkReviewsOutOfDate,
	},
	{
		ID:      2,
		Display: "Revision has no associated bug.",
		Check:   checkMissingBug,
	},
	{
		ID:      3,
		Display: "Diff is missing author information.",
		Check:   checkMissingDiffAuthor,
	},
}

func checkNotAccepted(rev Revision, _ *Stack) *WarningInstance {
	for _, reviewer := range rev.Reviewers {
		if reviewer.Status == ReviewerAccepted {
			return nil
		}
	}
	return &WarningInstance{
		RevisionID: rev.ID,
		Details:    fmt.Sprintf("%s has not been accepted by any reviewer", rev.Monogram()),
	}
}

func checkReviewsOutOfDate(rev Revision, _ *Stack) *WarningInstance {
	var stale []string
	for _, reviewer := range rev.Reviewers {
		if reviewer.Status == ReviewerAccepted && reviewer.ForOtherDiff {
			stale = append(stale, reviewer.Identifier)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return &WarningInstance{
		RevisionID: rev.ID,
		Details: fmt.Sprintf("%s was accepted against an older diff by: %s",
			rev.Monogram(), strings.Join(stale, ", ")),
	}
}

func checkMissingBug(rev Revision, _ *Stack) *WarningInstance {
	if strings.TrimSpace(rev.BugID) != "" {
		return nil
	}
	return &WarningInstance{
		RevisionID: rev.ID,
		Details:    fmt.Sprintf("%s has no bug attached", rev.Monogram()),
	}
}

func checkMissingDiffAuthor(rev Revision, _ *Stack) *WarningInstance {
	if rev.Diff.AuthorName != "" || rev.Diff.AuthorEmail != "" {
		return nil
	}
	return &WarningInstance{
		RevisionID: rev.ID,
		Details: fmt.Sprintf("diff %d of %s has no author information; the landed commit would be attributed to the requester",
			rev.Diff.ID, rev.Monogram()),
	}
}
