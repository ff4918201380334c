package series

import (
	"iter"
	"sync"
	"time"
)

// Observation is a single balance sample for one pair.
type Observation struct {
	Timestamp time.Time
	Balance   float64
	Valid     bool
}

// Store holds append-only balance series keyed by pair key.
type Store struct {
	mu      sync.RWMutex
	columns []string
	series  map[string][]Observation
}

// NewStore builds an empty store with the given columns registered in order.
func NewStore(keys ...string) *Store {
	s := &Store{series: make(map[string][]Observation, len(keys))}
	for _, key := range keys {
		s.register(key)
	}
	return s
}

func (s *Store) register(key string) {
	if _, ok := s.series[key]; ok {
		return
	}
	s.series[key] = nil
	s.columns = append(s.columns, key)
}

// Append records an observation for key. Unknown keys become new columns.
func (s *Store) Append(key string, obs Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.register(key)
	s.series[key] = append(s.series[key], obs)
}

// Columns returns pair keys in registration order.
func (s *Store) Columns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.columns))
	copy(out, s.columns)
	return out
}

// Len reports how many observations (valid or not) are held for key.
func (s *Store) Len(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series[key])
}

// LatestValidPair returns the two most recent valid observations for key,
// previous first.
func (s *Store) LatestValidPair(key string) (Observation, Observation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		found [2]Observation
		n     int
	)
	obs := s.series[key]
	for i := len(obs) - 1; i >= 0 && n < 2; i-- {
		if !obs[i].Valid {
			continue
		}
		found[n] = obs[i]
		n++
	}
	if n < 2 {
		return Observation{}, Observation{}, false
	}
	return found[1], found[0], true
}

// LatestChange is the fractional change between the two most recent valid
// observations. It reports false when there is no usable signal yet or the
// previous balance is zero.
func (s *Store) LatestChange(key string) (float64, bool) {
	prev, curr, ok := s.LatestValidPair(key)
	if !ok || prev.Balance == 0 {
		return 0, false
	}
	return (curr.Balance - prev.Balance) / prev.Balance, true
}

// Cell is one pair's value within a snapshot row.
type Cell struct {
	Balance float64
	Valid   bool
}

// Row groups every observation sharing a timestamp.
type Row struct {
	Timestamp time.Time
	Cells     map[string]Cell
}

// Snapshot is a frozen view of the store.
type Snapshot struct {
	Columns []string
	Rows    iter.Seq[Row]
}

// Snapshot freezes the current series. Rows are merged lazily on each
// iteration, so the sequence can be ranged over more than once.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	columns := make([]string, len(s.columns))
	copy(columns, s.columns)
	frozen := make([][]Observation, len(columns))
	for i, key := range columns {
		obs := s.series[key]
		frozen[i] = obs[:len(obs):len(obs)]
	}
	s.mu.RUnlock()

	return Snapshot{
		Columns: columns,
		Rows: func(yield func(Row) bool) {
			mergeRows(columns, frozen, yield)
		},
	}
}

// mergeRows walks the per-column series in timestamp order, emitting one row
// per distinct timestamp.
func mergeRows(columns []string, frozen [][]Observation, yield func(Row) bool) {
	cursor := make([]int, len(frozen))
	for {
		var (
			next time.Time
			have bool
		)
		for i, obs := range frozen {
			if cursor[i] >= len(obs) {
				continue
			}
			ts := obs[cursor[i]].Timestamp
			if !have || ts.Before(next) {
				next = ts
				have = true
			}
		}
		if !have {
			return
		}

		row := Row{Timestamp: next, Cells: make(map[string]Cell)}
		for i, obs := range frozen {
			for cursor[i] < len(obs) && obs[cursor[i]].Timestamp.Equal(next) {
				o := obs[cursor[i]]
				row.Cells[columns[i]] = Cell{Balance: o.Balance, Valid: o.Valid}
				cursor[i]++
			}
		}
		if !yield(row) {
			return
		}
	}
}
