package core

import "screencore/pkg/domain"

type (
	EntityType         = domain.EntityType
	Severity           = domain.Severity
	ExperimentMetadata = domain.ExperimentMetadata
	IsoRequest         = domain.IsoRequest
	Iso                = domain.Iso
	Change             = domain.Change
	Action             = domain.Action
	Violation          = domain.Violation
	Result             = domain.Result
	RuleViolationError = domain.RuleViolationError
	Rule               = domain.Rule
	RulesEngine        = domain.RulesEngine
)

const (
	EntityExperimentMetadata = domain.EntityExperimentMetadata
	EntityIsoRequest         = domain.EntityIsoRequest
	EntityIso                = domain.EntityIso
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
	ActionDelete = domain.ActionDelete
)
