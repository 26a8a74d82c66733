package config

import (
	"regexp"

	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/expr"
)

// Reserved route destinations. A gate route pointing at "fork" duplicates
// the token to every fork_to entry; "discard" retires it without reaching a
// sink. Node names cannot shadow them.
const (
	RouteFork    = "fork"
	RouteDiscard = "discard"
)

// nodeNamePattern keeps node and sink names usable as identifiers in node
// IDs, file names, and export columns.
var nodeNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// triggerScope lists the identifiers an aggregation trigger condition may
// reference.
var triggerScope = []string{"batch_count", "batch_age_seconds"}

// Validate applies the cross-field rules that struct tags cannot express:
// global name uniqueness, gate route and fork consistency, coalesce policy
// requirements, trigger completeness, and export wiring. Fails on the first
// violation.
func (s *Settings) Validate() error {
	names := make(map[string]string) // name -> component kind

	claim := func(component, name string) *ValidationError {
		if name == RouteFork || name == RouteDiscard {
			return validationErrorf(component, name, "name", "%q is a reserved destination", name)
		}
		if !nodeNamePattern.MatchString(name) {
			return validationErrorf(component, name, "name", "must match %s", nodeNamePattern.String())
		}
		if prior, taken := names[name]; taken {
			return validationErrorf(component, name, "name", "already used by a %s; node names are global", prior)
		}
		names[name] = component
		return nil
	}

	for name := range s.Sinks {
		if err := claim("sink", name); err != nil {
			return err
		}
	}
	for _, t := range s.Transforms {
		if err := claim("transform", t.Name); err != nil {
			return err
		}
	}
	for i := range s.Gates {
		if err := claim("gate", s.Gates[i].Name); err != nil {
			return err
		}
		if err := s.Gates[i].validate(); err != nil {
			return err
		}
	}
	for i := range s.Aggregations {
		if err := claim("aggregation", s.Aggregations[i].Name); err != nil {
			return err
		}
		if err := s.Aggregations[i].validate(); err != nil {
			return err
		}
	}
	for i := range s.Coalesce {
		if err := claim("coalesce", s.Coalesce[i].Name); err != nil {
			return err
		}
		if err := s.Coalesce[i].validate(); err != nil {
			return err
		}
	}

	if s.Landscape.Export.Enabled {
		if s.Landscape.Export.Sink == "" {
			return validationErrorf("landscape", "", "export.sink", "required when export is enabled")
		}
		if _, ok := s.Sinks[s.Landscape.Export.Sink]; !ok {
			return validationErrorf("landscape", "", "export.sink", "sink %q is not defined", s.Landscape.Export.Sink)
		}
	}

	if s.Checkpoint.Frequency == contracts.CheckpointEveryN && s.Checkpoint.Interval == nil {
		return validationErrorf("checkpoint", "", "interval", "required when frequency is every_n")
	}

	if s.Retry.MaxDelaySeconds < s.Retry.InitialDelaySeconds {
		return validationErrorf("retry", "", "max_delay_seconds", "must be at least initial_delay_seconds")
	}

	exporters := make(map[string]struct{}, len(s.Telemetry.Exporters))
	for _, e := range s.Telemetry.Exporters {
		if _, dup := exporters[e.Name]; dup {
			return validationErrorf("telemetry", e.Name, "exporters", "exporter listed twice")
		}
		exporters[e.Name] = struct{}{}
	}

	return nil
}

func (g *GateSettings) validate() error {
	condition, err := expr.Parse(g.Condition)
	if err != nil {
		return &ValidationError{Component: "gate", Name: g.Name, Field: "condition", Err: err}
	}

	if len(g.Routes) == 0 {
		return validationErrorf("gate", g.Name, "routes", "at least one route is required")
	}

	if condition.IsBoolean() {
		_, hasTrue := g.Routes["true"]
		_, hasFalse := g.Routes["false"]
		if !hasTrue || !hasFalse || len(g.Routes) != 2 {
			return validationErrorf("gate", g.Name, "routes",
				"boolean condition requires exactly the routes \"true\" and \"false\"")
		}
	}

	routesToFork := false
	for label, dest := range g.Routes {
		if dest == "" {
			return validationErrorf("gate", g.Name, "routes", "route %q has an empty destination", label)
		}
		if dest == RouteFork {
			routesToFork = true
		}
	}

	if routesToFork && len(g.ForkTo) == 0 {
		return validationErrorf("gate", g.Name, "fork_to", "required because a route points to %q", RouteFork)
	}
	if len(g.ForkTo) > 0 && !routesToFork {
		return validationErrorf("gate", g.Name, "fork_to", "set but no route points to %q", RouteFork)
	}

	seen := make(map[string]struct{}, len(g.ForkTo))
	for _, dest := range g.ForkTo {
		if dest == RouteFork || dest == RouteDiscard {
			return validationErrorf("gate", g.Name, "fork_to", "%q is not a valid fork destination", dest)
		}
		if _, dup := seen[dest]; dup {
			return validationErrorf("gate", g.Name, "fork_to", "destination %q listed twice", dest)
		}
		seen[dest] = struct{}{}
	}

	return nil
}

func (a *AggregationSettings) validate() error {
	t := a.Trigger
	if t.Count == nil && t.TimeoutSeconds == nil && t.Condition == "" {
		return validationErrorf("aggregation", a.Name, "trigger",
			"at least one of count, timeout_seconds, or condition is required")
	}

	if t.Condition != "" {
		condition, err := expr.ParseNames(t.Condition, triggerScope...)
		if err != nil {
			return &ValidationError{Component: "aggregation", Name: a.Name, Field: "trigger.condition", Err: err}
		}
		if !condition.IsBoolean() {
			return validationErrorf("aggregation", a.Name, "trigger.condition",
				"must be a boolean expression over batch_count and batch_age_seconds")
		}
	}

	return nil
}

func (c *CoalesceSettings) validate() error {
	if len(c.Branches) < 2 {
		return validationErrorf("coalesce", c.Name, "branches", "at least two branches are required")
	}

	switch c.Policy {
	case contracts.PolicyQuorum:
		if c.QuorumCount == nil {
			return validationErrorf("coalesce", c.Name, "quorum_count", "required for policy quorum")
		}
		if *c.QuorumCount > len(c.Branches) {
			return validationErrorf("coalesce", c.Name, "quorum_count",
				"%d exceeds the %d configured branches", *c.QuorumCount, len(c.Branches))
		}
	case contracts.PolicyBestEffort:
		if c.TimeoutSeconds == nil {
			return validationErrorf("coalesce", c.Name, "timeout_seconds", "required for policy best_effort")
		}
	}

	if c.Merge == contracts.MergeSelect {
		if c.SelectBranch == "" {
			return validationErrorf("coalesce", c.Name, "select_branch", "required for merge select")
		}
		if _, ok := c.Branches[c.SelectBranch]; !ok {
			return validationErrorf("coalesce", c.Name, "select_branch",
				"%q is not one of the configured branches", c.SelectBranch)
		}
	} else if c.SelectBranch != "" {
		return validationErrorf("coalesce", c.Name, "select_branch", "only applies to merge select")
	}

	return nil
}
