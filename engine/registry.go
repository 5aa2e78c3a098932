package engine

import (
	"errors"
	"fmt"

	"github.com/BaSui01/chorus/types"
)

var (
	ErrNoEngines       = errors.New("no engines configured")
	ErrUnknownEngine   = errors.New("unknown engine")
	ErrDuplicateEngine = errors.New("duplicate engine id")
	ErrBadTableWidth   = errors.New("strategy table row has wrong width")
	ErrFallbackInRow   = errors.New("fallback engine cannot appear in a strategy row")
)

// Member pairs an engine configuration with the backend that serves it.
type Member struct {
	Config  Config
	Backend Backend
}

// Table maps each strategy to a static ordered list of engine ids.
type Table map[Strategy][]ID

// RegistryOptions carries the static selection tables.
type RegistryOptions struct {
	// Table is the default strategy table. Missing rows are derived from configuration order.
	Table Table
	// Domains substitutes a different row of the same width for a topic tag.
	Domains map[string]Table
	// FallbackID names the always-available engine tried after a total failure. Empty disables it.
	// The fallback is reserved: it never appears in a fan-out row.
	FallbackID ID
}

// Registry 引擎注册表：策略 -> 有序引擎列表（静态查表，启动后只读，无需加锁）
type Registry struct {
	members  map[ID]Member
	order    []ID
	rowable  []ID
	table    Table
	domains  map[string]Table
	fallback ID
}

// NewRegistry validates the configuration and selection tables.
func NewRegistry(members []Member, opts RegistryOptions) (*Registry, error) {
	if len(members) == 0 {
		return nil, ErrNoEngines
	}

	r := &Registry{
		members: make(map[ID]Member, len(members)),
		order:   make([]ID, 0, len(members)),
		table:   make(Table, len(AllStrategies)),
		domains: make(map[string]Table, len(opts.Domains)),
	}

	for _, m := range members {
		if m.Config.ID == "" {
			return nil, fmt.Errorf("engine config missing id")
		}
		if m.Backend == nil {
			return nil, fmt.Errorf("engine %s: backend is nil", m.Config.ID)
		}
		if m.Config.Weight < 0 {
			return nil, fmt.Errorf("engine %s: weight must be >= 0", m.Config.ID)
		}
		if _, dup := r.members[m.Config.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEngine, m.Config.ID)
		}
		r.members[m.Config.ID] = m
		r.order = append(r.order, m.Config.ID)
	}

	if opts.FallbackID != "" {
		if _, ok := r.members[opts.FallbackID]; !ok {
			return nil, fmt.Errorf("fallback %w: %s", ErrUnknownEngine, opts.FallbackID)
		}
		if len(r.order) == 1 {
			return nil, fmt.Errorf("fallback %s is the only engine; configure at least one other", opts.FallbackID)
		}
		r.fallback = opts.FallbackID
	}
	for _, id := range r.order {
		if id != r.fallback {
			r.rowable = append(r.rowable, id)
		}
	}

	for _, st := range AllStrategies {
		row, ok := opts.Table[st]
		if !ok {
			row = r.defaultRow(st)
		}
		if err := r.checkRow(st, row); err != nil {
			return nil, err
		}
		r.table[st] = row
	}

	for domain, tbl := range opts.Domains {
		checked := make(Table, len(tbl))
		for st, row := range tbl {
			if !st.Valid() {
				return nil, types.InvalidStrategy(st.String())
			}
			if err := r.checkRow(st, row); err != nil {
				return nil, fmt.Errorf("domain %q: %w", domain, err)
			}
			checked[st] = row
		}
		r.domains[domain] = checked
	}

	return r, nil
}

// defaultRow takes the first non-fallback engines in configuration order.
func (r *Registry) defaultRow(st Strategy) []ID {
	n := len(r.rowable)
	switch st {
	case StrategySingle:
		n = min(n, 1)
	case StrategyDual:
		n = min(n, 2)
	case StrategySynthesis:
		n = min(n, 4)
	}
	row := make([]ID, n)
	copy(row, r.rowable[:n])
	return row
}

func (r *Registry) checkRow(st Strategy, row []ID) error {
	if len(row) == 0 {
		return fmt.Errorf("%w: %s is empty", ErrBadTableWidth, st)
	}
	seen := make(map[ID]bool, len(row))
	for _, id := range row {
		if _, ok := r.members[id]; !ok {
			return fmt.Errorf("%s row: %w: %s", st, ErrUnknownEngine, id)
		}
		if id == r.fallback {
			return fmt.Errorf("%s row: %w: %s", st, ErrFallbackInRow, id)
		}
		if seen[id] {
			return fmt.Errorf("%s row: %w: %s", st, ErrDuplicateEngine, id)
		}
		seen[id] = true
	}

	// 只有当可用引擎数量足够时才强制宽度
	total := len(r.rowable)
	switch st {
	case StrategySingle:
		if len(row) != 1 {
			return fmt.Errorf("%w: single needs 1, got %d", ErrBadTableWidth, len(row))
		}
	case StrategyDual:
		if want := min(total, 2); len(row) != want {
			return fmt.Errorf("%w: dual needs %d, got %d", ErrBadTableWidth, want, len(row))
		}
	case StrategySynthesis:
		if total >= 3 && (len(row) < 3 || len(row) > 4) {
			return fmt.Errorf("%w: synthesis needs 3-4, got %d", ErrBadTableWidth, len(row))
		}
	}
	return nil
}

// Select returns the ordered engines for a strategy, honoring a domain override.
func (r *Registry) Select(st Strategy, domain string) ([]Member, error) {
	if !st.Valid() {
		return nil, types.InvalidStrategy(st.String())
	}

	row := r.table[st]
	if domain != "" {
		if tbl, ok := r.domains[domain]; ok {
			if drow, ok := tbl[st]; ok {
				row = drow
			}
		}
	}

	out := make([]Member, len(row))
	for i, id := range row {
		out[i] = r.members[id]
	}
	return out, nil
}

// Fallback returns the designated fallback engine, if any.
func (r *Registry) Fallback() (Member, bool) {
	if r.fallback == "" {
		return Member{}, false
	}
	return r.members[r.fallback], true
}

// Get looks up one engine by id.
func (r *Registry) Get(id ID) (Member, bool) {
	m, ok := r.members[id]
	return m, ok
}

// IDs returns all engine ids in configuration order.
func (r *Registry) IDs() []ID {
	out := make([]ID, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of configured engines.
func (r *Registry) Len() int {
	return len(r.order)
}
