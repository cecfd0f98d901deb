package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"cloud.google.com/go/civil"
)

// logKey is the top-level key holding the cooldown entries in the state file.
const logKey = "wash_sale_log"

// ErrCorrupt is returned when persisted state exists but cannot be decoded.
var ErrCorrupt = errors.New("ledger state corrupt")

// State is the persisted form of the ledger.
type State struct {
	WashSaleLog map[string]civil.Date

	// Extra holds any other top-level keys found in the state file so
	// hand-edited files survive a rewrite.
	Extra map[string]json.RawMessage
}

// NewState returns an empty state.
func NewState() State {
	return State{
		WashSaleLog: make(map[string]civil.Date),
		Extra:       make(map[string]json.RawMessage),
	}
}

// Symbols returns the symbols in the log, sorted.
func (s State) Symbols() []string {
	out := make([]string, 0, len(s.WashSaleLog))
	for sym := range s.WashSaleLog {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Store loads and saves ledger state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// FileStore keeps the ledger in a single JSON file:
//
//	{"wash_sale_log": {"ULTY": "2025-12-15"}}
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load reads the state file. A missing file is an empty ledger.
func (f *FileStore) Load(ctx context.Context) (State, error) {
	st := NewState()
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read ledger %s: %w", f.Path, err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		return State{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, f.Path, err)
	}

	for k, v := range top {
		if k == logKey {
			continue
		}
		st.Extra[k] = v
	}

	raw, ok := top[logKey]
	if !ok || string(raw) == "null" {
		return st, nil
	}
	var entries map[string]string
	if err := json.Unmarshal(raw, &entries); err != nil {
		return State{}, fmt.Errorf("%w: %s: %s: %v", ErrCorrupt, f.Path, logKey, err)
	}
	if err := decodeEntries(st.WashSaleLog, entries); err != nil {
		return State{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, f.Path, err)
	}
	return st, nil
}

// Save rewrites the state file atomically.
func (f *FileStore) Save(ctx context.Context, s State) error {
	top := make(map[string]json.RawMessage, len(s.Extra)+1)
	for k, v := range s.Extra {
		top[k] = v
	}

	entries := make(map[string]string, len(s.WashSaleLog))
	for sym, d := range s.WashSaleLog {
		entries[sym] = d.String()
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", logKey, err)
	}
	top[logKey] = raw

	b, err := json.MarshalIndent(top, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	b = append(b, '\n')

	if err := writeFileAtomic(f.Path, b, 0o600); err != nil {
		return fmt.Errorf("write ledger %s: %w", f.Path, err)
	}
	return nil
}

// readDateFormat also accepts single-digit months and days from hand edits.
const readDateFormat = "2006-1-2"

func parseDate(s string) (civil.Date, error) {
	if d, err := civil.ParseDate(s); err == nil {
		return d, nil
	}
	t, err := time.Parse(readDateFormat, s)
	if err != nil {
		return civil.Date{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD: %w", s, err)
	}
	return civil.DateOf(t), nil
}

func decodeEntries(dst map[string]civil.Date, src map[string]string) error {
	for sym, s := range src {
		d, err := parseDate(s)
		if err != nil {
			return fmt.Errorf("entry %q: %w", sym, err)
		}
		dst[sym] = d
	}
	return nil
}
