package landing

import "fmt"

// Assess evaluates a caller-declared landing path against the freshly
// built stack. A blocker means landing is impossible and suppresses the
// confirmation token; warnings are advisory and acknowledged by echoing
// the token on submission. Assessing an unchanged stack twice is fully
// deterministic and yields an identical token.
func Assess(stack *Stack, path []LandingPathItem) Assessment {
	assessment := Assessment{Warnings: []Warning{}}

	revisions, blocker := resolveDeclaredPath(stack, path)
	if blocker != "" {
		assessment.Blocker = &blocker
		return assessment
	}

	for _, rule := range warningRules {
		var instances []WarningInstance
		for _, rev := range revisions {
			if instance := rule.Check(rev, stack); instance != nil {
				instances = append(instances, *instance)
			}
		}
		if len(instances) > 0 {
			assessment.Warnings = append(assessment.Warnings, Warning{
				ID:        rule.ID,
				Display:   rule.Display,
				Instances: instances,
			})
		}
	}

	token := ConfirmationToken(assessment.Warnings)
	assessment.ConfirmationToken = &token
	return assessment
}

// resolveDeclaredPath maps the declared (revision, diff) pairs onto
// stack revisions and checks that the declared sequence is a prefix of
// some resolved landable path, that every diff id is current, and that
// the path does not span repositories.
func resolveDeclaredPath(stack *Stack, path []LandingPathItem) ([]Revision, string) {
	if len(path) == 0 {
		return nil, "landing path is empty"
	}

	revisions := make([]Revision, 0, len(path))
	phids := make([]string, 0, len(path))
	for _, item := range path {
		rev, ok := stack.RevisionByID(item.RevisionID)
		if !ok {
			return nil, fmt.Sprintf("revision D%d is not part of the stack", item.RevisionID)
		}
		if rev.Diff.ID != item.DiffID {
			return nil, fmt.Sprintf(
				"diff %d is not the current diff of D%d; please confirm you want to land the latest version",
				item.DiffID, item.RevisionID)
		}
		revisions = append(revisions, rev)
		phids = append(phids, rev.PHID)
	}

	if !prefixOfLandablePath(stack, phids) {
		return nil, "the requested landing path is not currently landable"
	}

	repoPHID := revisions[0].RepositoryPHID
	for _, rev := range revisions[1:] {
		if rev.RepositoryPHID != repoPHID {
			return nil, "landing path spans more than one repository"
		}
	}
	return revisions, ""
}

func prefixOfLandablePath(stack *Stack, phids []string) bool {
	for _, landable := range stack.LandablePaths {
		if len(phids) > len(landable) {
			continue
		}
		match := true
		for i, phid := range phids {
			if landable[i] != phid {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
