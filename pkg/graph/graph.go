// Package graph builds and validates the execution DAG a pipeline runs on.
// Nodes come from settings (one source, transforms, gates, aggregations,
// coalesce points, sinks); edges come from the declarative connection
// namespace the settings wire by name. Node IDs are deterministic so the
// same configuration yields the same graph across runs, which checkpoint
// resume depends on.
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/elspeth-io/elspeth/pkg/canonical"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// maxNodeIDLength bounds generated IDs so they stay usable as file names
// and database keys. Exceeding it is a configuration error, not a
// truncation: truncated IDs could collide.
const maxNodeIDLength = 128

// ErrorLabelPrefix starts every DIVERT edge label that carries failed rows
// to an on_error destination.
const ErrorLabelPrefix = "__error_"

// QuarantineLabel is the DIVERT edge label for source rows that failed
// normalization and ship to the quarantine destination.
const QuarantineLabel = "__quarantine__"

// ContinueLabel marks the default MOVE edge to the next processing node;
// OnSuccessLabel marks the terminal MOVE edge into a sink.
const (
	ContinueLabel  = "continue"
	OnSuccessLabel = "on_success"
)

// ErrorEdgeLabel builds the DIVERT label for a node's on_error edge.
func ErrorEdgeLabel(nodeName string) string {
	return ErrorLabelPrefix + nodeName + "__"
}

// Node is one vertex of the execution graph.
type Node struct {
	ID            string
	Name          string
	Type          contracts.NodeType
	PluginName    string
	PluginVersion string
	Determinism   contracts.Determinism

	// Config is the canonicalized settings material the node ID was derived
	// from; it is what gets registered to the audit trail.
	Config map[string]any

	// Schemas as declared by the plugin or computed during build. Gates and
	// coalesce nodes inherit or merge theirs from upstream.
	InputSchema  *contracts.SchemaConfig
	OutputSchema *contracts.SchemaConfig
}

// Edge is one directed labeled connection. Labels are unique per source
// node. MOVE transfers the token, COPY duplicates it onto a fork branch,
// DIVERT carries quarantined or errored rows outside the normal flow.
type Edge struct {
	From  string
	To    string
	Label string
	Mode  contracts.EdgeMode
}

// RouteKind classifies where a gate route label lands.
type RouteKind string

const (
	// RouteToSink retires the token at a named sink.
	RouteToSink RouteKind = "sink"
	// RouteToNode moves the token to another processing node.
	RouteToNode RouteKind = "node"
	// RouteToFork duplicates the token onto every fork_to branch.
	RouteToFork RouteKind = "fork"
	// RouteToDiscard retires the token without any sink write.
	RouteToDiscard RouteKind = "discard"
)

// RouteDestination is the resolved target of one gate route label.
type RouteDestination struct {
	Kind   RouteKind
	Sink   string // set when Kind == RouteToSink
	NodeID string // set when Kind == RouteToNode
}

// GateSpec is the typed view of a gate node's configuration.
type GateSpec struct {
	Name      string
	Condition string
	Routes    map[string]string
	ForkTo    []string
}

// CoalesceSpec is the typed view of a coalesce node's configuration.
// Branches maps branch labels to the connection each branch is consumed
// from; an identity branch consumes the branch label itself.
type CoalesceSpec struct {
	Name           string
	Branches       map[string]string
	Policy         contracts.CoalescePolicy
	Merge          contracts.MergeStrategy
	TimeoutSeconds *float64
	QuorumCount    *int
	SelectBranch   string
	OnSuccess      string
}

// ExpectedBranches returns the branch labels in sorted order.
func (c CoalesceSpec) ExpectedBranches() []string {
	labels := make([]string, 0, len(c.Branches))
	for label := range c.Branches {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// AggregationSpec is the typed view of an aggregation node's configuration.
type AggregationSpec struct {
	Name                string
	TriggerCount        *int
	TriggerTimeout      *float64
	TriggerCondition    string
	OutputMode          contracts.AggregationOutputMode
	ExpectedOutputCount *int
}

// Graph is the validated execution DAG.
type Graph struct {
	nodes map[string]*Node
	order []string // insertion order, for deterministic iteration
	edges []Edge

	outgoing map[string][]int // node id -> indexes into edges
	incoming map[string][]int

	sourceID string
	sinkIDs  map[string]string // sink name -> node id
	byName   map[string]string // component name -> node id

	gates        map[string]GateSpec        // gate node id -> spec
	coalesces    map[string]CoalesceSpec    // coalesce node id -> spec
	aggregations map[string]AggregationSpec // aggregation node id -> spec

	// routes resolves gate route labels to destinations at build time so
	// the engine never re-derives routing from raw settings.
	routes map[string]map[string]RouteDestination

	// branchCoalesce maps every fork branch label to the coalesce node that
	// merges it; branchGate maps it to the gate that produces it.
	branchCoalesce map[string]string
	branchSink     map[string]string // branches that land directly in a sink
	branchGate     map[string]string

	// branchProducers maps each coalesce node to the node producing every
	// branch: the gate for identity branches, the final transform of the
	// chain for transformed branches.
	branchProducers map[string]map[string]string

	pipeline []string       // processing nodes in traversal order
	steps    map[string]int // node id -> audit step (source = 0)
}

func newGraph() *Graph {
	return &Graph{
		nodes:          make(map[string]*Node),
		outgoing:       make(map[string][]int),
		incoming:       make(map[string][]int),
		sinkIDs:        make(map[string]string),
		byName:         make(map[string]string),
		gates:          make(map[string]GateSpec),
		coalesces:      make(map[string]CoalesceSpec),
		aggregations:   make(map[string]AggregationSpec),
		routes:          make(map[string]map[string]RouteDestination),
		branchCoalesce:  make(map[string]string),
		branchSink:      make(map[string]string),
		branchGate:      make(map[string]string),
		branchProducers: make(map[string]map[string]string),
	}
}

// nodeIDPrefixes keyed by node type; IDs read like
// "transform_normalize_9f8a67c01d22".
var nodeIDPrefixes = map[contracts.NodeType]string{
	contracts.NodeTypeSource:      "source",
	contracts.NodeTypeTransform:   "transform",
	contracts.NodeTypeGate:        "gate",
	contracts.NodeTypeAggregation: "aggregation",
	contracts.NodeTypeCoalesce:    "coalesce",
	contracts.NodeTypeSink:        "sink",
}

// NodeID derives the deterministic ID for a node from its type, name, and
// canonicalized config. Resume requires the same config to produce the
// same ID, so the hash uses canonical JSON, never encoding/json.
func NodeID(nodeType contracts.NodeType, name string, cfg map[string]any) (string, error) {
	if cfg == nil {
		cfg = map[string]any{}
	}
	data, err := canonical.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize config for node %q: %w", name, err)
	}
	sum := sha256.Sum256(data)
	id := fmt.Sprintf("%s_%s_%s", nodeIDPrefixes[nodeType], name, hex.EncodeToString(sum[:])[:12])
	if len(id) > maxNodeIDLength {
		return "", contracts.NewConfigurationError(
			"generated node id exceeds %d characters: %q; use a shorter name for %q",
			maxNodeIDLength, id, name)
	}
	return id, nil
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Node returns a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeByName resolves a settings-level component name to its node.
func (g *Graph) NodeByName(name string) (*Node, bool) {
	id, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return g.nodes[id], true
}

// Edges returns every edge.
func (g *Graph) Edges() []Edge { return append([]Edge(nil), g.edges...) }

// OutgoingEdges returns the edges leaving a node.
func (g *Graph) OutgoingEdges(nodeID string) []Edge {
	idxs := g.outgoing[nodeID]
	out := make([]Edge, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, g.edges[i])
	}
	return out
}

// IncomingEdges returns the edges entering a node.
func (g *Graph) IncomingEdges(nodeID string) []Edge {
	idxs := g.incoming[nodeID]
	out := make([]Edge, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, g.edges[i])
	}
	return out
}

// SourceID is the single source node's ID.
func (g *Graph) SourceID() string { return g.sourceID }

// SinkID resolves a sink name to its node ID.
func (g *Graph) SinkID(name string) (string, bool) {
	id, ok := g.sinkIDs[name]
	return id, ok
}

// SinkIDs returns a copy of the sink name to node ID map.
func (g *Graph) SinkIDs() map[string]string {
	out := make(map[string]string, len(g.sinkIDs))
	for k, v := range g.sinkIDs {
		out[k] = v
	}
	return out
}

// SinkNameByID resolves a sink node ID back to its settings name.
func (g *Graph) SinkNameByID(nodeID string) (string, bool) {
	for name, id := range g.sinkIDs {
		if id == nodeID {
			return name, true
		}
	}
	return "", false
}

// IsSink reports whether a node is a sink.
func (g *Graph) IsSink(nodeID string) bool {
	n, ok := g.nodes[nodeID]
	return ok && n.Type == contracts.NodeTypeSink
}

// Gate returns the typed spec for a gate node.
func (g *Graph) Gate(nodeID string) (GateSpec, bool) {
	spec, ok := g.gates[nodeID]
	return spec, ok
}

// Coalesce returns the typed spec for a coalesce node.
func (g *Graph) Coalesce(nodeID string) (CoalesceSpec, bool) {
	spec, ok := g.coalesces[nodeID]
	return spec, ok
}

// CoalesceIDs returns every coalesce node ID in insertion order.
func (g *Graph) CoalesceIDs() []string {
	out := make([]string, 0, len(g.coalesces))
	for _, id := range g.order {
		if _, ok := g.coalesces[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Aggregation returns the typed spec for an aggregation node.
func (g *Graph) Aggregation(nodeID string) (AggregationSpec, bool) {
	spec, ok := g.aggregations[nodeID]
	return spec, ok
}

// AggregationIDs returns every aggregation node ID in insertion order.
func (g *Graph) AggregationIDs() []string {
	out := make([]string, 0, len(g.aggregations))
	for _, id := range g.order {
		if _, ok := g.aggregations[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// ResolveRoute resolves a gate's route label to its destination.
func (g *Graph) ResolveRoute(gateID, label string) (RouteDestination, bool) {
	targets, ok := g.routes[gateID]
	if !ok {
		return RouteDestination{}, false
	}
	dest, ok := targets[label]
	return dest, ok
}

// CoalesceForBranch returns the coalesce node that merges a fork branch.
func (g *Graph) CoalesceForBranch(branch string) (string, bool) {
	id, ok := g.branchCoalesce[branch]
	return id, ok
}

// SinkForBranch returns the sink node a fork branch lands in directly,
// when the branch is not merged by a coalesce.
func (g *Graph) SinkForBranch(branch string) (string, bool) {
	id, ok := g.branchSink[branch]
	return id, ok
}

// GateForBranch returns the gate node that produces a fork branch.
func (g *Graph) GateForBranch(branch string) (string, bool) {
	id, ok := g.branchGate[branch]
	return id, ok
}

// BranchProducers maps each branch of a coalesce to the node whose output
// arrives on that branch.
func (g *Graph) BranchProducers(coalesceID string) map[string]string {
	out := make(map[string]string, len(g.branchProducers[coalesceID]))
	for branch, nodeID := range g.branchProducers[coalesceID] {
		out[branch] = nodeID
	}
	return out
}

// BranchEntryNode returns the node a forked child token starts at for a
// branch: the coalesce (identity branch), the first transform of the
// branch chain (transformed branch), or the sink.
func (g *Graph) BranchEntryNode(branch string) (string, bool) {
	gateID, ok := g.branchGate[branch]
	if !ok {
		return "", false
	}
	for _, i := range g.outgoing[gateID] {
		if g.edges[i].Label == branch {
			return g.edges[i].To, true
		}
	}
	return "", false
}

// NextHop follows the single continuation edge out of a node: "continue"
// to the next processing node, or "on_success" into a sink. Terminal sinks
// have none.
func (g *Graph) NextHop(nodeID string) (string, bool) {
	for _, i := range g.outgoing[nodeID] {
		e := g.edges[i]
		if e.Mode != contracts.EdgeMove {
			continue
		}
		if e.Label == ContinueLabel || e.Label == OnSuccessLabel {
			return e.To, true
		}
	}
	return "", false
}

// ErrorTarget returns the DIVERT destination for a node's failures, if the
// node declared on_error.
func (g *Graph) ErrorTarget(nodeID string) (string, bool) {
	n, ok := g.nodes[nodeID]
	if !ok {
		return "", false
	}
	label := ErrorEdgeLabel(n.Name)
	for _, i := range g.outgoing[nodeID] {
		if g.edges[i].Label == label && g.edges[i].Mode == contracts.EdgeDivert {
			return g.edges[i].To, true
		}
	}
	return "", false
}

// QuarantineTarget returns the DIVERT destination for source quarantine.
func (g *Graph) QuarantineTarget() (string, bool) {
	for _, i := range g.outgoing[g.sourceID] {
		if g.edges[i].Label == QuarantineLabel && g.edges[i].Mode == contracts.EdgeDivert {
			return g.edges[i].To, true
		}
	}
	return "", false
}

// EdgeBetween finds the edge from one node to another, preferring MOVE and
// COPY over DIVERT when both exist.
func (g *Graph) EdgeBetween(fromID, toID string) (Edge, bool) {
	divert := -1
	for _, i := range g.outgoing[fromID] {
		e := g.edges[i]
		if e.To != toID {
			continue
		}
		if e.Mode == contracts.EdgeDivert {
			divert = i
			continue
		}
		return e, true
	}
	if divert >= 0 {
		return g.edges[divert], true
	}
	return Edge{}, false
}

// PipelineNodes returns the processing nodes (transforms, gates,
// aggregations, coalesce) in traversal order.
func (g *Graph) PipelineNodes() []string { return append([]string(nil), g.pipeline...) }

// StepIndex returns the audit step of a node: source is 0, processing
// nodes are 1..N in pipeline order, sinks follow after. Unknown IDs
// return -1.
func (g *Graph) StepIndex(nodeID string) int {
	if step, ok := g.steps[nodeID]; ok {
		return step
	}
	return -1
}

// TopologyHash fingerprints the graph structure: every node ID plus every
// edge, hashed canonically. Checkpoints store it so resume can refuse to
// continue on a changed pipeline.
func (g *Graph) TopologyHash() (string, error) {
	nodeIDs := make([]string, len(g.order))
	copy(nodeIDs, g.order)
	sort.Strings(nodeIDs)

	edges := make([]string, len(g.edges))
	for i, e := range g.edges {
		edges[i] = fmt.Sprintf("%s|%s|%s|%s", e.From, e.To, e.Label, e.Mode)
	}
	sort.Strings(edges)

	return canonical.StableHash(map[string]any{
		"nodes": nodeIDs,
		"edges": edges,
	})
}

// NodeConfigHash fingerprints one node's canonical config.
func (g *Graph) NodeConfigHash(nodeID string) (string, error) {
	n, ok := g.nodes[nodeID]
	if !ok {
		return "", fmt.Errorf("unknown node %q", nodeID)
	}
	return canonical.StableHash(n.Config)
}

// addNode inserts a node, suffixing the ID on collision so two components
// with identical name and config still get distinct identities.
func (g *Graph) addNode(n *Node) *Node {
	base := n.ID
	for seq := 2; ; seq++ {
		if _, taken := g.nodes[n.ID]; !taken {
			break
		}
		n.ID = fmt.Sprintf("%s_%d", base, seq)
	}
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	return n
}

// addEdge appends an edge, enforcing label uniqueness per source node.
func (g *Graph) addEdge(e Edge) error {
	if _, ok := g.nodes[e.To]; !ok {
		return contracts.NewConfigurationError("edge %q from %q targets unknown node %q", e.Label, e.From, e.To)
	}
	for _, i := range g.outgoing[e.From] {
		if g.edges[i].Label == e.Label {
			return contracts.NewConfigurationError(
				"duplicate edge label %q leaving node %q", e.Label, e.From)
		}
	}
	g.edges = append(g.edges, e)
	idx := len(g.edges) - 1
	g.outgoing[e.From] = append(g.outgoing[e.From], idx)
	g.incoming[e.To] = append(g.incoming[e.To], idx)
	return nil
}

// validateStructure checks the DAG invariants: exactly one source, at
// least one sink, acyclic, and every node reachable from the source.
func (g *Graph) validateStructure() error {
	if g.sourceID == "" {
		return contracts.NewConfigurationError("pipeline has no source node")
	}
	if len(g.sinkIDs) == 0 {
		return contracts.NewConfigurationError("pipeline has no sink nodes")
	}

	if cycle := g.findCycle(); len(cycle) > 0 {
		return contracts.NewConfigurationError(
			"pipeline graph has a cycle: %s", strings.Join(cycle, " -> "))
	}

	reachable := make(map[string]struct{})
	stack := []string{g.sourceID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := reachable[id]; seen {
			continue
		}
		reachable[id] = struct{}{}
		for _, i := range g.outgoing[id] {
			stack = append(stack, g.edges[i].To)
		}
	}
	var unreachable []string
	for _, id := range g.order {
		if _, ok := reachable[id]; !ok {
			unreachable = append(unreachable, g.nodes[id].Name)
		}
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return contracts.NewConfigurationError(
			"nodes unreachable from the source: %s", strings.Join(unreachable, ", "))
	}
	return nil
}

// findCycle returns the node names along a cycle, or nil when acyclic.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	parent := make(map[string]string)

	var cycleStart, cycleEnd string
	var dfs func(id string) bool
	dfs = func(id string) bool {
		color[id] = gray
		for _, i := range g.outgoing[id] {
			next := g.edges[i].To
			switch color[next] {
			case white:
				parent[next] = id
				if dfs(next) {
					return true
				}
			case gray:
				cycleStart, cycleEnd = next, id
				return true
			}
		}
		color[id] = black
		return false
	}

	for _, id := range g.order {
		if color[id] == white && dfs(id) {
			break
		}
	}
	if cycleStart == "" {
		return nil
	}
	path := []string{g.nodes[cycleStart].Name}
	for at := cycleEnd; at != cycleStart; at = parent[at] {
		path = append(path, g.nodes[at].Name)
	}
	path = append(path, g.nodes[cycleStart].Name)
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// topoOrder returns node IDs in a stable topological order (Kahn's
// algorithm, ties broken by insertion order).
func (g *Graph) topoOrder() []string {
	indegree := make(map[string]int, len(g.nodes))
	for _, e := range g.edges {
		indegree[e.To]++
	}
	var order []string
	frontier := make([]string, 0, len(g.nodes))
	for _, id := range g.order {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)
		for _, i := range g.outgoing[id] {
			next := g.edges[i].To
			indegree[next]--
			if indegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
	}
	return order
}

// buildSteps fixes the pipeline traversal order and the audit step map:
// source is step 0, processing nodes take 1..N in topological order, and
// sinks follow so their node states carry a meaningful step too.
func (g *Graph) buildSteps() {
	g.pipeline = g.pipeline[:0]
	g.steps = map[string]int{g.sourceID: 0}

	step := 1
	for _, id := range g.topoOrder() {
		n := g.nodes[id]
		switch n.Type {
		case contracts.NodeTypeSource, contracts.NodeTypeSink:
			continue
		}
		g.pipeline = append(g.pipeline, id)
		g.steps[id] = step
		step++
	}
	sinkNames := make([]string, 0, len(g.sinkIDs))
	for name := range g.sinkIDs {
		sinkNames = append(sinkNames, name)
	}
	sort.Strings(sinkNames)
	for _, name := range sinkNames {
		g.steps[g.sinkIDs[name]] = step
		step++
	}
}
