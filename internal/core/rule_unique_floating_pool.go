package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"screencore/pkg/domain"
)

const copySuffix = "_copy"

// NewUniqueFloatingPoolRule blocks commits in which one floating pool is
// used by two active ISOs of the same request. A rescheduled copy may share
// the pools of the ISO it was copied from.
func NewUniqueFloatingPoolRule() domain.Rule {
	return uniqueFloatingPoolRule{}
}

type uniqueFloatingPoolRule struct{}

func (uniqueFloatingPoolRule) Name() string { return "unique_floating_pool" }

func (r uniqueFloatingPoolRule) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, req := range view.ListIsoRequests() {
		owner := make(map[int]domain.Iso)
		for _, iso := range view.IsosForRequest(req.ID) {
			if !iso.Active() || iso.PoolSet == nil {
				continue
			}
			var clashes []string
			for _, id := range iso.PoolSet.IDs() {
				prev, seen := owner[id]
				if !seen {
					owner[id] = iso
					continue
				}
				if labelRoot(prev.Label) != labelRoot(iso.Label) {
					clashes = append(clashes, fmt.Sprintf("%d (%s)", id, prev.Label))
				}
			}
			if len(clashes) == 0 {
				continue
			}
			sort.Strings(clashes)
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("iso %s reuses floating pools of other active isos: %s", iso.Label, strings.Join(clashes, ", ")),
				Entity:   domain.EntityIso,
				EntityID: iso.ID,
			})
		}
	}
	return res, nil
}

func labelRoot(label string) string {
	for strings.HasSuffix(label, copySuffix) {
		label = strings.TrimSuffix(label, copySuffix)
	}
	return label
}
