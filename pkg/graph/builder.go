package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// PluginInfo carries what the builder needs to know about one instantiated
// plugin: its registry name, version, determinism, and declared schemas.
type PluginInfo struct {
	PluginName  string
	Version     string
	Determinism contracts.Determinism

	InputSchema  *contracts.SchemaConfig
	OutputSchema *contracts.SchemaConfig

	// QuarantineDestination applies to sources only: the sink that receives
	// rows failing normalization, or "discard".
	QuarantineDestination string
}

// BuildInput bundles settings with the plugin instances already constructed
// for them. Maps are keyed by the component names used in settings.
type BuildInput struct {
	Settings     *config.Settings
	Source       PluginInfo
	Transforms   map[string]PluginInfo
	Aggregations map[string]PluginInfo
	Sinks        map[string]PluginInfo
}

// producerEntry records which node produces a named connection and under
// which edge label.
type producerEntry struct {
	nodeID string
	label  string
	desc   string
}

// consumerClaim records one component's claim on a named connection.
type consumerClaim struct {
	connection string
	nodeID     string
	desc       string
}

// Build wires settings and plugin schemas into a validated execution graph.
// Connections are matched by name: producers publish their on_success (or
// route target) under a connection name, consumers subscribe with input.
// Misspelled names fail with a did-you-mean hint rather than silently
// dangling.
func Build(in BuildInput) (*Graph, error) {
	s := in.Settings
	if s == nil {
		return nil, contracts.NewConfigurationError("settings are required to build a graph")
	}
	g := newGraph()

	// Source node.
	sourceCfg := map[string]any{
		"plugin":  in.Source.PluginName,
		"options": anyMap(s.Source.Options),
	}
	if in.Source.OutputSchema != nil {
		sourceCfg["schema"] = in.Source.OutputSchema.ToMap()
	}
	sourceID, err := NodeID(contracts.NodeTypeSource, in.Source.PluginName, sourceCfg)
	if err != nil {
		return nil, err
	}
	src := g.addNode(&Node{
		ID:            sourceID,
		Name:          in.Source.PluginName,
		Type:          contracts.NodeTypeSource,
		PluginName:    in.Source.PluginName,
		PluginVersion: in.Source.Version,
		Determinism:   defaultDeterminism(in.Source.Determinism, contracts.DeterminismIORead),
		Config:        sourceCfg,
		OutputSchema:  in.Source.OutputSchema,
	})
	g.sourceID = src.ID

	// Sink nodes.
	sinkNames := make([]string, 0, len(s.Sinks))
	for name := range s.Sinks {
		sinkNames = append(sinkNames, name)
	}
	sort.Strings(sinkNames)
	for _, name := range sinkNames {
		sinkSettings := s.Sinks[name]
		info := in.Sinks[name]
		cfg := map[string]any{
			"plugin":  info.PluginName,
			"options": anyMap(sinkSettings.Options),
		}
		if info.InputSchema != nil {
			cfg["schema"] = info.InputSchema.ToMap()
		}
		id, err := NodeID(contracts.NodeTypeSink, name, cfg)
		if err != nil {
			return nil, err
		}
		node := g.addNode(&Node{
			ID:            id,
			Name:          name,
			Type:          contracts.NodeTypeSink,
			PluginName:    info.PluginName,
			PluginVersion: info.Version,
			Determinism:   defaultDeterminism(info.Determinism, contracts.DeterminismIOWrite),
			Config:        cfg,
			InputSchema:   info.InputSchema,
		})
		g.sinkIDs[name] = node.ID
		g.byName[name] = node.ID
	}

	// Transform nodes, in declared order.
	transformIDs := make(map[string]string, len(s.Transforms))
	for i := range s.Transforms {
		t := &s.Transforms[i]
		info := in.Transforms[t.Name]
		cfg := map[string]any{
			"plugin":  info.PluginName,
			"options": anyMap(t.Options),
		}
		if info.OutputSchema != nil {
			cfg["schema"] = info.OutputSchema.ToMap()
		}
		id, err := NodeID(contracts.NodeTypeTransform, t.Name, cfg)
		if err != nil {
			return nil, err
		}
		node := g.addNode(&Node{
			ID:            id,
			Name:          t.Name,
			Type:          contracts.NodeTypeTransform,
			PluginName:    info.PluginName,
			PluginVersion: info.Version,
			Determinism:   defaultDeterminism(info.Determinism, contracts.DeterminismDeterministic),
			Config:        cfg,
			InputSchema:   info.InputSchema,
			OutputSchema:  info.OutputSchema,
		})
		transformIDs[t.Name] = node.ID
		g.byName[t.Name] = node.ID
	}

	// Aggregation nodes.
	aggregationIDs := make(map[string]string, len(s.Aggregations))
	for i := range s.Aggregations {
		a := &s.Aggregations[i]
		info := in.Aggregations[a.Name]
		cfg := map[string]any{
			"plugin":      info.PluginName,
			"trigger":     triggerMap(a.Trigger),
			"output_mode": string(a.OutputMode),
			"options":     anyMap(a.Options),
		}
		if info.OutputSchema != nil {
			cfg["schema"] = info.OutputSchema.ToMap()
		}
		id, err := NodeID(contracts.NodeTypeAggregation, a.Name, cfg)
		if err != nil {
			return nil, err
		}
		node := g.addNode(&Node{
			ID:            id,
			Name:          a.Name,
			Type:          contracts.NodeTypeAggregation,
			PluginName:    info.PluginName,
			PluginVersion: info.Version,
			Determinism:   defaultDeterminism(info.Determinism, contracts.DeterminismDeterministic),
			Config:        cfg,
			InputSchema:   info.InputSchema,
			OutputSchema:  info.OutputSchema,
		})
		aggregationIDs[a.Name] = node.ID
		g.byName[a.Name] = node.ID
		g.aggregations[node.ID] = AggregationSpec{
			Name:                a.Name,
			TriggerCount:        a.Trigger.Count,
			TriggerTimeout:      a.Trigger.TimeoutSeconds,
			TriggerCondition:    a.Trigger.Condition,
			OutputMode:          a.OutputMode,
			ExpectedOutputCount: a.ExpectedOutputCount,
		}
	}

	// Gate nodes. Routes to sinks resolve immediately; routes naming
	// connections are deferred until the producer registry exists.
	gateIDs := make(map[string]string, len(s.Gates))
	type deferredRoute struct {
		gateID string
		label  string
		target string
	}
	var deferredRoutes []deferredRoute
	for i := range s.Gates {
		gate := &s.Gates[i]
		cfg := map[string]any{
			"condition": gate.Condition,
			"routes":    stringAnyMap(gate.Routes),
		}
		if len(gate.ForkTo) > 0 {
			cfg["fork_to"] = toAnyList(gate.ForkTo)
		}
		id, err := NodeID(contracts.NodeTypeGate, gate.Name, cfg)
		if err != nil {
			return nil, err
		}
		node := g.addNode(&Node{
			ID:          id,
			Name:        gate.Name,
			Type:        contracts.NodeTypeGate,
			PluginName:  "gate:" + gate.Name,
			Determinism: contracts.DeterminismDeterministic,
			Config:      cfg,
		})
		gateIDs[gate.Name] = node.ID
		g.byName[gate.Name] = node.ID
		g.gates[node.ID] = GateSpec{
			Name:      gate.Name,
			Condition: gate.Condition,
			Routes:    copyStringMap(gate.Routes),
			ForkTo:    append([]string(nil), gate.ForkTo...),
		}
		g.routes[node.ID] = make(map[string]RouteDestination, len(gate.Routes))

		for label, target := range gate.Routes {
			switch {
			case target == config.RouteFork:
				g.routes[node.ID][label] = RouteDestination{Kind: RouteToFork}
			case target == config.RouteDiscard:
				g.routes[node.ID][label] = RouteDestination{Kind: RouteToDiscard}
			case g.sinkIDs[target] != "":
				if err := g.addEdge(Edge{From: node.ID, To: g.sinkIDs[target], Label: label, Mode: contracts.EdgeMove}); err != nil {
					return nil, err
				}
				g.routes[node.ID][label] = RouteDestination{Kind: RouteToSink, Sink: target}
			default:
				deferredRoutes = append(deferredRoutes, deferredRoute{gateID: node.ID, label: label, target: target})
			}
		}
	}

	// Coalesce nodes and the branch registry. A branch belongs to exactly
	// one coalesce point.
	coalesceIDs := make(map[string]string, len(s.Coalesce))
	branchCoalesceName := make(map[string]string)
	branchInput := make(map[string]string)
	for i := range s.Coalesce {
		c := &s.Coalesce[i]
		cfg := map[string]any{
			"branches": stringAnyMap(map[string]string(c.Branches)),
			"policy":   string(c.Policy),
			"merge":    string(c.Merge),
		}
		if c.TimeoutSeconds != nil {
			cfg["timeout_seconds"] = *c.TimeoutSeconds
		}
		if c.QuorumCount != nil {
			cfg["quorum_count"] = int64(*c.QuorumCount)
		}
		if c.SelectBranch != "" {
			cfg["select_branch"] = c.SelectBranch
		}
		id, err := NodeID(contracts.NodeTypeCoalesce, c.Name, cfg)
		if err != nil {
			return nil, err
		}
		node := g.addNode(&Node{
			ID:          id,
			Name:        c.Name,
			Type:        contracts.NodeTypeCoalesce,
			PluginName:  "coalesce:" + c.Name,
			Determinism: contracts.DeterminismDeterministic,
			Config:      cfg,
		})
		coalesceIDs[c.Name] = node.ID
		g.byName[c.Name] = node.ID
		g.coalesces[node.ID] = CoalesceSpec{
			Name:           c.Name,
			Branches:       copyStringMap(map[string]string(c.Branches)),
			Policy:         c.Policy,
			Merge:          c.Merge,
			TimeoutSeconds: c.TimeoutSeconds,
			QuorumCount:    c.QuorumCount,
			SelectBranch:   c.SelectBranch,
			OnSuccess:      c.OnSuccess,
		}

		for branch, inputConn := range c.Branches {
			if prior, dup := branchCoalesceName[branch]; dup {
				return nil, contracts.NewConfigurationError(
					"branch %q is declared by both coalesce %q and coalesce %q; a branch merges at exactly one point",
					branch, prior, c.Name)
			}
			branchCoalesceName[branch] = c.Name
			branchInput[branch] = inputConn
			g.branchCoalesce[branch] = node.ID
		}
	}

	// Connect fork gates. Every fork branch needs an explicit destination:
	// a coalesce branch, or a sink of the same name. Identity branches
	// (input connection equals the branch label) get a direct COPY edge;
	// transformed branches publish the branch label as a connection the
	// branch's first transform consumes.
	transformedBranches := make(map[string]struct{})
	for branch, inputConn := range branchInput {
		if inputConn != branch {
			transformedBranches[branch] = struct{}{}
		}
	}
	producedBranches := make(map[string]struct{})
	for i := range s.Gates {
		gate := &s.Gates[i]
		gateID := gateIDs[gate.Name]
		for _, branch := range gate.ForkTo {
			if prior, dup := g.branchGate[branch]; dup {
				return nil, contracts.NewConfigurationError(
					"fork branch %q is declared by gates %q and %q; branch names are global",
					branch, g.nodes[prior].Name, gate.Name)
			}
			g.branchGate[branch] = gateID
			producedBranches[branch] = struct{}{}

			switch {
			case g.branchCoalesce[branch] != "":
				if _, transformed := transformedBranches[branch]; transformed {
					continue // wired through the connection namespace below
				}
				if err := g.addEdge(Edge{From: gateID, To: g.branchCoalesce[branch], Label: branch, Mode: contracts.EdgeCopy}); err != nil {
					return nil, err
				}
			case g.sinkIDs[branch] != "":
				g.branchSink[branch] = g.sinkIDs[branch]
				if err := g.addEdge(Edge{From: gateID, To: g.sinkIDs[branch], Label: branch, Mode: contracts.EdgeCopy}); err != nil {
					return nil, err
				}
			default:
				return nil, contracts.NewConfigurationError(
					"gate %q fork branch %q has no destination; it must be a coalesce branch or match a sink name (coalesce branches: %s; sinks: %s)",
					gate.Name, branch, joinSorted(branchCoalesceName), strings.Join(sinkNames, ", "))
			}
		}
	}

	// Every coalesce branch must be produced by some gate.
	for branch, coalesceName := range branchCoalesceName {
		if _, ok := producedBranches[branch]; !ok {
			return nil, contracts.NewConfigurationError(
				"coalesce %q declares branch %q but no gate forks it; add it to a gate's fork_to",
				coalesceName, branch)
		}
	}

	// Producer registry: connection name -> producing node. on_success
	// entries that name a sink are terminal, not connections.
	producers := make(map[string]producerEntry)
	registerProducer := func(conn, nodeID, label, desc string) error {
		if prior, dup := producers[conn]; dup {
			return contracts.NewConfigurationError(
				"connection %q has two producers: %s and %s", conn, prior.desc, desc)
		}
		producers[conn] = producerEntry{nodeID: nodeID, label: label, desc: desc}
		return nil
	}

	if _, isSink := g.sinkIDs[s.Source.OnSuccess]; !isSink {
		if err := registerProducer(s.Source.OnSuccess, g.sourceID, ContinueLabel,
			fmt.Sprintf("source %q", in.Source.PluginName)); err != nil {
			return nil, err
		}
	}
	for i := range s.Transforms {
		t := &s.Transforms[i]
		if _, isSink := g.sinkIDs[t.OnSuccess]; !isSink {
			if err := registerProducer(t.OnSuccess, transformIDs[t.Name], ContinueLabel,
				fmt.Sprintf("transform %q", t.Name)); err != nil {
				return nil, err
			}
		}
	}
	for i := range s.Aggregations {
		a := &s.Aggregations[i]
		if _, isSink := g.sinkIDs[a.OnSuccess]; !isSink {
			if err := registerProducer(a.OnSuccess, aggregationIDs[a.Name], ContinueLabel,
				fmt.Sprintf("aggregation %q", a.Name)); err != nil {
				return nil, err
			}
		}
	}
	for i := range s.Coalesce {
		c := &s.Coalesce[i]
		if _, isSink := g.sinkIDs[c.OnSuccess]; !isSink {
			if err := registerProducer(c.OnSuccess, coalesceIDs[c.Name], ContinueLabel,
				fmt.Sprintf("coalesce %q", c.Name)); err != nil {
				return nil, err
			}
		}
	}
	// Gate routes targeting connections. Several labels from one gate may
	// converge on the same connection.
	routeLabelsByConn := make(map[string][]string) // gateID+"\x00"+conn -> labels
	for _, dr := range deferredRoutes {
		key := dr.gateID + "\x00" + dr.target
		routeLabelsByConn[key] = append(routeLabelsByConn[key], dr.label)
		if prior, exists := producers[dr.target]; exists && prior.nodeID == dr.gateID {
			continue
		}
		if err := registerProducer(dr.target, dr.gateID, dr.label,
			fmt.Sprintf("gate %q route %q", g.nodes[dr.gateID].Name, dr.label)); err != nil {
			return nil, err
		}
	}
	// Transformed fork branches publish the branch label from the gate.
	for branch := range transformedBranches {
		gateID, ok := g.branchGate[branch]
		if !ok {
			continue // caught above: branch not produced by any gate
		}
		if err := registerProducer(branch, gateID, branch,
			fmt.Sprintf("fork branch %q of gate %q", branch, g.nodes[gateID].Name)); err != nil {
			return nil, err
		}
	}

	// Consumer registry. Duplicate claims are configuration errors: fan-out
	// needs an explicit gate.
	var claims []consumerClaim
	consumers := make(map[string]string)
	registerConsumer := func(conn, nodeID, desc string) {
		claims = append(claims, consumerClaim{connection: conn, nodeID: nodeID, desc: desc})
		if _, ok := consumers[conn]; !ok {
			consumers[conn] = nodeID
		}
	}
	for i := range s.Transforms {
		t := &s.Transforms[i]
		registerConsumer(t.Input, transformIDs[t.Name], fmt.Sprintf("transform %q", t.Name))
	}
	for i := range s.Aggregations {
		a := &s.Aggregations[i]
		registerConsumer(a.Input, aggregationIDs[a.Name], fmt.Sprintf("aggregation %q", a.Name))
	}
	for i := range s.Gates {
		gate := &s.Gates[i]
		registerConsumer(gate.Input, gateIDs[gate.Name], fmt.Sprintf("gate %q", gate.Name))
	}
	// A transformed branch's coalesce consumes the branch chain's final
	// connection.
	for branch := range transformedBranches {
		coalesceName := branchCoalesceName[branch]
		registerConsumer(branchInput[branch], coalesceIDs[coalesceName],
			fmt.Sprintf("coalesce %q branch %q", coalesceName, branch))
	}

	sinkNameSet := make(map[string]struct{}, len(sinkNames))
	for _, name := range sinkNames {
		sinkNameSet[name] = struct{}{}
	}
	if err := validateNamespaces(producers, consumers, claims, sinkNameSet, false); err != nil {
		return nil, err
	}

	// Match producers to consumers. Gate route producers keep their route
	// labels on the edge; everything else continues.
	gateContinueTarget := make(map[string]string)
	ambiguousContinue := make(map[string]struct{})
	connNames := make([]string, 0, len(consumers))
	for conn := range consumers {
		connNames = append(connNames, conn)
	}
	sort.Strings(connNames)
	for _, conn := range connNames {
		consumerID := consumers[conn]
		producer := producers[conn]
		_, fromGate := g.gates[producer.nodeID]
		if fromGate && producer.label != ContinueLabel {
			labels := routeLabelsByConn[producer.nodeID+"\x00"+conn]
			if len(labels) == 0 {
				labels = []string{producer.label}
			}
			sort.Strings(labels)
			for _, label := range labels {
				if err := g.addEdge(Edge{From: producer.nodeID, To: consumerID, Label: label, Mode: contracts.EdgeMove}); err != nil {
					return nil, err
				}
			}
			// A gate with a single downstream processing target keeps
			// continue fallthrough; multiple targets leave it unresolved
			// and the executor fails closed.
			if existing, ok := gateContinueTarget[producer.nodeID]; !ok {
				gateContinueTarget[producer.nodeID] = consumerID
			} else if existing != consumerID {
				ambiguousContinue[producer.nodeID] = struct{}{}
			}
		} else {
			if err := g.addEdge(Edge{From: producer.nodeID, To: consumerID, Label: ContinueLabel, Mode: contracts.EdgeMove}); err != nil {
				return nil, err
			}
		}
	}
	for gateID, target := range gateContinueTarget {
		if _, ambiguous := ambiguousContinue[gateID]; ambiguous {
			continue
		}
		if err := g.addEdge(Edge{From: gateID, To: target, Label: ContinueLabel, Mode: contracts.EdgeMove}); err != nil {
			return nil, err
		}
	}

	// Resolve deferred gate routes now that consumers exist.
	for _, dr := range deferredRoutes {
		consumerID, ok := consumers[dr.target]
		if !ok {
			return nil, contracts.NewConfigurationError(
				"gate %q route %q targets %q, which is neither a sink nor a consumed connection%s",
				g.nodes[dr.gateID].Name, dr.label, dr.target, didYouMean(dr.target, keysOf(consumers), sinkNames))
		}
		g.routes[dr.gateID][dr.label] = RouteDestination{Kind: RouteToNode, NodeID: consumerID}
	}
	// Every declared route label must resolve.
	for gateID, spec := range g.gates {
		for label := range spec.Routes {
			if _, ok := g.routes[gateID][label]; !ok {
				return nil, contracts.NewFrameworkBug("gate routes resolve at build time",
					"gate %q label %q missing from route resolution", spec.Name, label)
			}
		}
	}

	// Terminal on_success wiring into sinks.
	if sinkID, ok := g.sinkIDs[s.Source.OnSuccess]; ok {
		if len(s.Transforms) == 0 && len(s.Gates) == 0 && len(s.Aggregations) == 0 {
			if err := g.addEdge(Edge{From: g.sourceID, To: sinkID, Label: OnSuccessLabel, Mode: contracts.EdgeMove}); err != nil {
				return nil, err
			}
		}
	} else if _, ok := consumers[s.Source.OnSuccess]; !ok {
		return nil, contracts.NewConfigurationError(
			"source on_success %q is neither a sink nor a consumed connection%s",
			s.Source.OnSuccess, didYouMean(s.Source.OnSuccess, keysOf(consumers), sinkNames))
	}
	for i := range s.Transforms {
		t := &s.Transforms[i]
		if sinkID, ok := g.sinkIDs[t.OnSuccess]; ok {
			if err := g.addEdge(Edge{From: transformIDs[t.Name], To: sinkID, Label: OnSuccessLabel, Mode: contracts.EdgeMove}); err != nil {
				return nil, err
			}
		} else if _, ok := consumers[t.OnSuccess]; !ok {
			return nil, contracts.NewConfigurationError(
				"transform %q on_success %q is neither a sink nor a consumed connection%s",
				t.Name, t.OnSuccess, didYouMean(t.OnSuccess, keysOf(consumers), sinkNames))
		}
	}
	for i := range s.Aggregations {
		a := &s.Aggregations[i]
		if sinkID, ok := g.sinkIDs[a.OnSuccess]; ok {
			if err := g.addEdge(Edge{From: aggregationIDs[a.Name], To: sinkID, Label: OnSuccessLabel, Mode: contracts.EdgeMove}); err != nil {
				return nil, err
			}
		} else if _, ok := consumers[a.OnSuccess]; !ok {
			return nil, contracts.NewConfigurationError(
				"aggregation %q on_success %q is neither a sink nor a consumed connection%s",
				a.Name, a.OnSuccess, didYouMean(a.OnSuccess, keysOf(consumers), sinkNames))
		}
	}
	for i := range s.Coalesce {
		c := &s.Coalesce[i]
		sinkID, ok := g.sinkIDs[c.OnSuccess]
		if !ok {
			continue // wired through the connection namespace above
		}
		if err := g.addEdge(Edge{From: coalesceIDs[c.Name], To: sinkID, Label: OnSuccessLabel, Mode: contracts.EdgeMove}); err != nil {
			return nil, err
		}
	}

	if err := validateNamespaces(producers, consumers, claims, sinkNameSet, true); err != nil {
		return nil, err
	}

	// Record which node feeds each coalesce branch: the forking gate for
	// identity branches, the producer of the branch's input connection for
	// transformed branches.
	for i := range s.Coalesce {
		c := &s.Coalesce[i]
		byBranch := make(map[string]string, len(c.Branches))
		for branch, inputConn := range c.Branches {
			if inputConn == branch {
				byBranch[branch] = g.branchGate[branch]
			} else {
				byBranch[branch] = producers[inputConn].nodeID
			}
		}
		g.branchProducers[coalesceIDs[c.Name]] = byBranch
	}

	// DIVERT edges. Structural markers for quarantine and error flows: rows
	// reach these sinks through failure handling, not normal traversal.
	if dest := in.Source.QuarantineDestination; dest != "" && dest != config.RouteDiscard {
		sinkID, ok := g.sinkIDs[dest]
		if !ok {
			return nil, contracts.NewConfigurationError(
				"source quarantine destination %q is not a sink%s", dest, didYouMean(dest, nil, sinkNames))
		}
		if err := g.addEdge(Edge{From: g.sourceID, To: sinkID, Label: QuarantineLabel, Mode: contracts.EdgeDivert}); err != nil {
			return nil, err
		}
	}
	for i := range s.Transforms {
		t := &s.Transforms[i]
		if t.OnError == "" || t.OnError == config.RouteDiscard {
			continue
		}
		sinkID, ok := g.sinkIDs[t.OnError]
		if !ok {
			return nil, contracts.NewConfigurationError(
				"transform %q on_error %q is not a sink%s", t.Name, t.OnError, didYouMean(t.OnError, nil, sinkNames))
		}
		if err := g.addEdge(Edge{From: transformIDs[t.Name], To: sinkID, Label: ErrorEdgeLabel(t.Name), Mode: contracts.EdgeDivert}); err != nil {
			return nil, err
		}
	}

	if err := g.validateStructure(); err != nil {
		return nil, err
	}
	g.buildSteps()

	if err := g.resolveInheritedSchemas(); err != nil {
		return nil, err
	}
	if err := g.validateEdgeSchemas(); err != nil {
		return nil, err
	}
	return g, nil
}

// validateNamespaces enforces connection namespace integrity: single
// consumer per connection, every consumed connection produced, connection
// and sink names disjoint, and (once terminal wiring is done) no produced
// connection left dangling.
func validateNamespaces(
	producers map[string]producerEntry,
	consumers map[string]string,
	claims []consumerClaim,
	sinkNames map[string]struct{},
	checkDangling bool,
) error {
	counts := make(map[string][]consumerClaim)
	for _, c := range claims {
		counts[c.connection] = append(counts[c.connection], c)
	}
	var dups []string
	for conn, entries := range counts {
		if len(entries) > 1 {
			dups = append(dups, fmt.Sprintf("%q claimed by %s and %s", conn, entries[0].desc, entries[1].desc))
		}
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		return contracts.NewConfigurationError(
			"duplicate consumers: %s; use a gate for fan-out", strings.Join(dups, "; "))
	}

	for conn := range consumers {
		if _, ok := producers[conn]; !ok {
			return contracts.NewConfigurationError(
				"no producer for connection %q%s (available: %s)",
				conn, didYouMean(conn, keysOf2(producers), nil), joinSortedKeys2(producers))
		}
	}

	for conn := range producers {
		if _, overlap := sinkNames[conn]; overlap {
			return contracts.NewConfigurationError(
				"connection name %q collides with a sink name; the namespaces are disjoint", conn)
		}
	}
	for conn := range consumers {
		if _, overlap := sinkNames[conn]; overlap {
			return contracts.NewConfigurationError(
				"connection name %q collides with a sink name; the namespaces are disjoint", conn)
		}
	}

	if checkDangling {
		var dangling []string
		for conn := range producers {
			if _, ok := consumers[conn]; !ok {
				dangling = append(dangling, conn)
			}
		}
		if len(dangling) > 0 {
			sort.Strings(dangling)
			return contracts.NewConfigurationError(
				"produced connections with no consumer: %s; every connection must be consumed or routed to a sink",
				strings.Join(dangling, ", "))
		}
	}
	return nil
}

func defaultDeterminism(d, fallback contracts.Determinism) contracts.Determinism {
	if d == "" {
		return fallback
	}
	return d
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func stringAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toAnyList(items []string) []any {
	out := make([]any, len(items))
	for i, v := range items {
		out[i] = v
	}
	return out
}

func triggerMap(t config.TriggerSettings) map[string]any {
	out := map[string]any{}
	if t.Count != nil {
		out["count"] = int64(*t.Count)
	}
	if t.TimeoutSeconds != nil {
		out["timeout_seconds"] = *t.TimeoutSeconds
	}
	if t.Condition != "" {
		out["condition"] = t.Condition
	}
	return out
}

func keysOf(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func keysOf2(m map[string]producerEntry) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func joinSorted(m map[string]string) string {
	keys := keysOf(m)
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

func joinSortedKeys2(m map[string]producerEntry) string {
	keys := keysOf2(m)
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

// didYouMean formats a hint listing close matches for a misspelled name.
func didYouMean(name string, candidates []string, more []string) string {
	all := append(append([]string(nil), candidates...), more...)
	suggestions := suggestSimilar(name, all)
	if len(suggestions) == 0 {
		return ""
	}
	return fmt.Sprintf("; did you mean %s?", strings.Join(suggestions, ", "))
}

// suggestSimilar returns up to three candidates within edit distance two,
// nearest first.
func suggestSimilar(name string, candidates []string) []string {
	type scored struct {
		name string
		dist int
	}
	var close []scored
	for _, c := range candidates {
		if c == name {
			continue
		}
		if d := editDistance(name, c); d <= 2 {
			close = append(close, scored{name: c, dist: d})
		}
	}
	sort.Slice(close, func(i, j int) bool {
		if close[i].dist != close[j].dist {
			return close[i].dist < close[j].dist
		}
		return close[i].name < close[j].name
	})
	if len(close) > 3 {
		close = close[:3]
	}
	out := make([]string, len(close))
	for i, s := range close {
		out[i] = fmt.Sprintf("%q", s.name)
	}
	return out
}

func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
