package graph

import (
	"sort"
	"strings"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// resolveInheritedSchemas materializes schemas for nodes that do not
// declare their own. Gates pass data through unchanged and inherit the
// upstream schema; coalesce nodes derive theirs from the merge strategy.
// Runs in topological order so upstreams resolve first.
func (g *Graph) resolveInheritedSchemas() error {
	for _, id := range g.topoOrder() {
		n := g.nodes[id]
		switch n.Type {
		case contracts.NodeTypeGate:
			upstream := g.firstUpstream(id)
			if upstream == "" {
				return contracts.NewFrameworkBug("gates have an upstream producer",
					"gate %q has no incoming edges", n.Name)
			}
			inherited := g.nodes[upstream].OutputSchema
			n.InputSchema = inherited
			n.OutputSchema = inherited
		case contracts.NodeTypeCoalesce:
			merged, err := g.mergedCoalesceSchema(id)
			if err != nil {
				return err
			}
			n.OutputSchema = merged
		}
	}
	return nil
}

// firstUpstream returns the producer on the first non-DIVERT incoming edge.
func (g *Graph) firstUpstream(nodeID string) string {
	for _, i := range g.incoming[nodeID] {
		if g.edges[i].Mode == contracts.EdgeDivert {
			continue
		}
		return g.edges[i].From
	}
	return ""
}

// mergedCoalesceSchema derives a coalesce node's output schema from its
// branch producers. Union merges field lists and requires agreeing types on
// shared fields; nested keys each branch's row under the branch label;
// select passes the chosen branch through unchanged.
func (g *Graph) mergedCoalesceSchema(coalesceID string) (*contracts.SchemaConfig, error) {
	spec := g.coalesces[coalesceID]
	producers := g.branchProducers[coalesceID]

	branchSchemas := make(map[string]*contracts.SchemaConfig, len(producers))
	for branch, producerID := range producers {
		branchSchemas[branch] = g.nodes[producerID].OutputSchema
	}

	switch spec.Merge {
	case contracts.MergeSelect:
		selected, ok := branchSchemas[spec.SelectBranch]
		if !ok {
			return nil, contracts.NewFrameworkBug("select branch resolves to a producer",
				"coalesce %q select branch %q has no producer", spec.Name, spec.SelectBranch)
		}
		if selected == nil {
			return contracts.DynamicSchema(), nil
		}
		return selected, nil

	case contracts.MergeNested:
		// Output is {branch: row, ...}; inner shapes are opaque.
		fields := make([]contracts.FieldDefinition, 0, len(spec.Branches))
		for _, branch := range spec.ExpectedBranches() {
			fields = append(fields, contracts.FieldDefinition{
				Name: branch, Kind: contracts.KindAny, Required: true,
			})
		}
		return &contracts.SchemaConfig{Mode: "free", Fields: fields}, nil

	default: // union
		return mergeUnionSchemas(spec.Name, branchSchemas)
	}
}

// mergeUnionSchemas combines branch schemas for a union merge. Any dynamic
// branch makes the result dynamic; shared fields must agree on type; a
// field is required only when every branch declares it required. Explicit
// guarantees intersect, audit fields union.
func mergeUnionSchemas(coalesceName string, branchSchemas map[string]*contracts.SchemaConfig) (*contracts.SchemaConfig, error) {
	branches := make([]string, 0, len(branchSchemas))
	for branch := range branchSchemas {
		branches = append(branches, branch)
	}
	sort.Strings(branches)

	for _, branch := range branches {
		s := branchSchemas[branch]
		if s == nil || s.IsDynamic {
			return contracts.DynamicSchema(), nil
		}
	}

	type fieldMeta struct {
		kind        contracts.FieldKind
		requiredAll bool
		declaredIn  int
		firstBranch string
	}
	seen := make(map[string]*fieldMeta)
	var fieldOrder []string

	for _, branch := range branches {
		for _, f := range branchSchemas[branch].Fields {
			meta, ok := seen[f.Name]
			if !ok {
				seen[f.Name] = &fieldMeta{kind: f.Kind, requiredAll: f.Required, declaredIn: 1, firstBranch: branch}
				fieldOrder = append(fieldOrder, f.Name)
				continue
			}
			if meta.kind != f.Kind && meta.kind != contracts.KindAny && f.Kind != contracts.KindAny {
				return nil, contracts.NewConfigurationError(
					"coalesce %q union merge has conflicting types for field %q: branch %q declares %s, branch %q declares %s",
					coalesceName, f.Name, meta.firstBranch, meta.kind, branch, f.Kind)
			}
			meta.declaredIn++
			if !f.Required {
				meta.requiredAll = false
			}
		}
	}

	fields := make([]contracts.FieldDefinition, 0, len(fieldOrder))
	for _, name := range fieldOrder {
		meta := seen[name]
		fields = append(fields, contracts.FieldDefinition{
			Name:     name,
			Kind:     meta.kind,
			Required: meta.requiredAll && meta.declaredIn == len(branches),
		})
	}

	var guaranteed map[string]struct{}
	auditSet := make(map[string]struct{})
	for _, branch := range branches {
		s := branchSchemas[branch]
		bg := s.EffectiveGuaranteedFields()
		if guaranteed == nil {
			guaranteed = bg
		} else {
			for name := range guaranteed {
				if _, ok := bg[name]; !ok {
					delete(guaranteed, name)
				}
			}
		}
		for _, name := range s.AuditFields {
			auditSet[name] = struct{}{}
		}
	}

	merged := &contracts.SchemaConfig{Mode: "free", Fields: fields}
	if len(guaranteed) > 0 {
		merged.GuaranteedFields = sortedKeys(guaranteed)
	}
	if len(auditSet) > 0 {
		merged.AuditFields = sortedKeys(auditSet)
	}
	return merged, nil
}

// validateEdgeSchemas checks every MOVE and COPY edge after schema
// resolution: the consumer's explicitly required fields must be guaranteed
// by the producer, and declared field types must agree. DIVERT edges carry
// failed rows that never conformed, so they are exempt; edges into coalesce
// nodes were already checked by the merge computation.
func (g *Graph) validateEdgeSchemas() error {
	for _, e := range g.edges {
		if e.Mode == contracts.EdgeDivert {
			continue
		}
		consumer := g.nodes[e.To]
		if consumer.Type == contracts.NodeTypeCoalesce {
			continue
		}
		producer := g.nodes[e.From]

		required := explicitRequired(consumer)
		if len(required) > 0 {
			guaranteed := producerGuarantees(producer)
			var missing []string
			for name := range required {
				if _, ok := guaranteed[name]; !ok {
					missing = append(missing, name)
				}
			}
			if len(missing) > 0 {
				sort.Strings(missing)
				return contracts.NewConfigurationError(
					"edge %s -> %s violates the schema contract: %s requires [%s] but %s guarantees [%s]; add the fields to the producer's schema or guaranteed_fields, or drop them from required_fields",
					producer.Name, consumer.Name,
					consumer.Name, strings.Join(missing, ", "),
					producer.Name, strings.Join(sortedKeys(guaranteed), ", "))
			}
		}

		if err := checkTypedCompatibility(producer, consumer); err != nil {
			return err
		}
	}
	return nil
}

// explicitRequired returns only the consumer's declared required_fields,
// not fields implied by a typed schema. Typed schemas are enforced by the
// type check and at runtime; requiring them here would reject dynamic
// producers that satisfy them row by row.
func explicitRequired(n *Node) map[string]struct{} {
	if n.InputSchema == nil {
		return nil
	}
	out := make(map[string]struct{}, len(n.InputSchema.RequiredFields))
	for _, name := range n.InputSchema.RequiredFields {
		out[name] = struct{}{}
	}
	return out
}

func producerGuarantees(n *Node) map[string]struct{} {
	if n.OutputSchema == nil {
		return map[string]struct{}{}
	}
	return n.OutputSchema.EffectiveGuaranteedFields()
}

// checkTypedCompatibility compares explicit schemas on both ends of an
// edge. Dynamic schemas on either side defer to runtime validation.
func checkTypedCompatibility(producer, consumer *Node) error {
	ps, cs := producer.OutputSchema, consumer.InputSchema
	if ps == nil || cs == nil || ps.IsDynamic || cs.IsDynamic {
		return nil
	}

	psFields := make(map[string]contracts.FieldDefinition, len(ps.Fields))
	for _, f := range ps.Fields {
		psFields[f.Name] = f
	}
	guaranteed := ps.EffectiveGuaranteedFields()

	for _, f := range cs.Fields {
		pf, declared := psFields[f.Name]
		if !declared {
			if f.Required && !ps.AllowsExtraFields() {
				return contracts.NewConfigurationError(
					"edge %s -> %s is incompatible: %s requires field %q which %s never produces (strict schema)",
					producer.Name, consumer.Name, consumer.Name, f.Name, producer.Name)
			}
			continue
		}
		if !kindsCompatible(pf.Kind, f.Kind) {
			return contracts.NewConfigurationError(
				"edge %s -> %s is incompatible: field %q is %s in %s but %s in %s",
				producer.Name, consumer.Name, f.Name, pf.Kind, producer.Name, f.Kind, consumer.Name)
		}
		if f.Required && !pf.Required {
			if _, ok := guaranteed[f.Name]; !ok {
				return contracts.NewConfigurationError(
					"edge %s -> %s is incompatible: %s requires field %q but %s declares it optional; mark it required or add it to guaranteed_fields",
					producer.Name, consumer.Name, consumer.Name, f.Name, producer.Name)
			}
		}
	}

	if !cs.AllowsExtraFields() {
		csNames := make(map[string]struct{}, len(cs.Fields))
		for _, f := range cs.Fields {
			csNames[f.Name] = struct{}{}
		}
		var extras []string
		for _, f := range ps.Fields {
			if _, ok := csNames[f.Name]; !ok {
				extras = append(extras, f.Name)
			}
		}
		if len(extras) > 0 {
			sort.Strings(extras)
			return contracts.NewConfigurationError(
				"edge %s -> %s is incompatible: %s has a strict schema but %s also produces [%s]",
				producer.Name, consumer.Name, consumer.Name, producer.Name, strings.Join(extras, ", "))
		}
	}
	return nil
}

// kindsCompatible allows exact matches, any on either side, and the int to
// float widening the row validator performs.
func kindsCompatible(producer, consumer contracts.FieldKind) bool {
	if producer == consumer {
		return true
	}
	if producer == contracts.KindAny || consumer == contracts.KindAny {
		return true
	}
	return producer == contracts.KindInt && consumer == contracts.KindFloat
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
