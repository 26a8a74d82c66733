package contracts

// TokenInfo identifies one row instance traversing the graph. A row spawns
// one initial token; forks, expansions, and joins create further tokens that
// all share the originating row_id.
type TokenInfo struct {
	TokenID string
	RowID   string

	// RowData is the token's current row snapshot. Executors replace it
	// after each successful transform.
	RowData *PipelineRow

	// Lineage markers, set when the token was created by the named
	// operation and empty otherwise.
	BranchName    string
	ForkGroupID   string
	JoinGroupID   string
	ExpandGroupID string
}

// WithRowData returns a copy of the token carrying new row data.
func (t TokenInfo) WithRowData(row *PipelineRow) TokenInfo {
	t.RowData = row
	return t
}
