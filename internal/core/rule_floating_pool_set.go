package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"screencore/pkg/domain"
)

// NewFloatingPoolSetRule blocks ISOs whose pools are not part of the
// floating pool set of their request.
func NewFloatingPoolSetRule() domain.Rule {
	return floatingPoolSetRule{}
}

type floatingPoolSetRule struct{}

func (floatingPoolSetRule) Name() string { return "floating_pool_set" }

func (r floatingPoolSetRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityIso || change.Action == domain.ActionDelete {
			continue
		}
		iso, ok := change.After.(domain.Iso)
		if !ok || iso.PoolSet == nil || iso.PoolSet.Len() == 0 {
			continue
		}
		req, ok := view.FindIsoRequest(iso.IsoRequestID)
		if !ok {
			continue
		}
		var foreign []string
		for _, id := range iso.PoolSet.IDs() {
			if req.PoolSet == nil || !req.PoolSet.Contains(id) {
				foreign = append(foreign, strconv.Itoa(id))
			}
		}
		if len(foreign) == 0 {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("iso %s uses pools outside the floating pool set of %s: %s", iso.Label, req.Label, strings.Join(foreign, ", ")),
			Entity:   domain.EntityIso,
			EntityID: iso.ID,
		})
	}
	return res, nil
}
