package core

import "screencore/pkg/domain"

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds a rules engine with the built-in commit rules.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(NewUniqueFloatingPoolRule())
	engine.Register(NewRackBarcodeRule())
	engine.Register(NewFloatingPoolSetRule())
	return engine
}
