package plugins

import (
	"context"
	"fmt"
	"sort"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

type fieldMapperOptions struct {
	Mapping map[string]string `yaml:"mapping"`
	Set     map[string]any    `yaml:"set"`
	Keep    []string          `yaml:"keep"`
	OnError string            `yaml:"on_error"`
}

// FieldMapper reshapes rows: renames fields, sets constant fields, and
// optionally projects down to a keep list. The output contract is derived
// from the input contract through the same reshaping, so declared kinds
// survive the rename.
type FieldMapper struct {
	name string
	opts fieldMapperOptions

	// derived caches output contracts per input contract. Input contracts
	// are stable per source load, so this holds one entry in practice.
	derived map[*contracts.SchemaContract]*contracts.SchemaContract
}

// NewFieldMapper builds the plugin from its options block.
func NewFieldMapper(name string, options map[string]any) (contracts.Transform, error) {
	var opts fieldMapperOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, err
	}
	if len(opts.Mapping) == 0 && len(opts.Set) == 0 && len(opts.Keep) == 0 {
		return nil, fmt.Errorf("field_mapper needs at least one of mapping, set, or keep")
	}
	seen := make(map[string]string, len(opts.Mapping))
	for old, renamed := range opts.Mapping {
		if renamed == "" {
			return nil, fmt.Errorf("mapping for %q renames to an empty field name", old)
		}
		if prev, dup := seen[renamed]; dup {
			return nil, fmt.Errorf("mapping renames both %q and %q to %q", prev, old, renamed)
		}
		seen[renamed] = old
	}
	return &FieldMapper{
		name:    name,
		opts:    opts,
		derived: make(map[*contracts.SchemaContract]*contracts.SchemaContract),
	}, nil
}

func (m *FieldMapper) Name() string { return m.name }

func (m *FieldMapper) Close(context.Context) error { return nil }

func (m *FieldMapper) InputSchema() *contracts.SchemaConfig { return contracts.DynamicSchema() }

func (m *FieldMapper) OutputSchema() *contracts.SchemaConfig { return contracts.DynamicSchema() }

func (m *FieldMapper) OnErrorDestination() string { return m.opts.OnError }

// Process reshapes one row. Renaming a field the row does not have is a data
// error, not a crash: the row goes to the error destination.
func (m *FieldMapper) Process(ctx context.Context, row *contracts.PipelineRow, pctx *contracts.PluginContext) (*contracts.TransformResult, error) {
	data := row.Data()

	for old, renamed := range m.opts.Mapping {
		key := old
		if c := row.Contract(); c != nil {
			if norm, err := c.ResolveName(old); err == nil {
				key = norm
			}
		}
		value, present := data[key]
		if !present {
			return contracts.TransformError(map[string]any{
				"reason": "missing_field",
				"field":  old,
			}, false), nil
		}
		delete(data, key)
		data[renamed] = value
	}

	for field, value := range m.opts.Set {
		data[field] = value
	}

	if len(m.opts.Keep) > 0 {
		kept := make(contracts.Row, len(m.opts.Keep))
		for _, field := range m.opts.Keep {
			if value, present := data[field]; present {
				kept[field] = value
			}
		}
		data = kept
	}

	outContract, err := m.outputContract(row.Contract())
	if err != nil {
		return nil, err
	}

	reason := map[string]any{"action": "field_mapping"}
	if len(m.opts.Mapping) > 0 {
		reason["renamed"] = len(m.opts.Mapping)
	}
	if len(m.opts.Set) > 0 {
		reason["set"] = sortedKeys(m.opts.Set)
	}
	if len(m.opts.Keep) > 0 {
		reason["kept"] = len(m.opts.Keep)
	}
	return contracts.TransformSuccess(contracts.NewPipelineRow(data, outContract), reason), nil
}

// outputContract runs the input contract through the same reshaping as the
// data. Derived contracts are cached per input contract so every output row
// of one load shares one contract instance.
func (m *FieldMapper) outputContract(in *contracts.SchemaContract) (*contracts.SchemaContract, error) {
	if in == nil {
		return nil, fmt.Errorf("field_mapper received a row without a contract")
	}
	if cached, ok := m.derived[in]; ok {
		return cached, nil
	}

	renamed := func(f contracts.FieldContract) contracts.FieldContract {
		if to, ok := m.opts.Mapping[f.NormalizedName]; ok {
			f.NormalizedName, f.OriginalName = to, to
		} else if to, ok := m.opts.Mapping[f.OriginalName]; ok {
			f.NormalizedName, f.OriginalName = to, to
		}
		return f
	}

	keep := make(map[string]bool, len(m.opts.Keep))
	for _, field := range m.opts.Keep {
		keep[field] = true
	}

	var fields []contracts.FieldContract
	for _, f := range in.Fields() {
		f = renamed(f)
		if _, isSet := m.opts.Set[f.NormalizedName]; isSet {
			// The constant below wins over the inherited field.
			continue
		}
		if len(keep) > 0 && !keep[f.NormalizedName] {
			continue
		}
		fields = append(fields, f)
	}
	for _, field := range sortedKeys(m.opts.Set) {
		if len(keep) > 0 && !keep[field] {
			continue
		}
		fields = append(fields, contracts.FieldContract{
			NormalizedName: field,
			OriginalName:   field,
			Kind:           contracts.KindOf(m.opts.Set[field]),
			Required:       true,
			Source:         contracts.SourceDeclared,
		})
	}

	out, err := contracts.NewContract(in.Mode(), fields...)
	if err != nil {
		return nil, fmt.Errorf("deriving output contract: %w", err)
	}
	out = out.WithLocked()
	m.derived[in] = out
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
