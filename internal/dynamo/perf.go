package dynamo

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Table store operation kinds as reported to the admin API.
const (
	OpRead  = "READ"
	OpWrite = "WRITE"
)

// Perf accumulates per-table call counters between performance reports.
// Counter keys are `<table-suffix>:<op>:<is_error>` with the index name
// appended for indexed reads; the table suffix is the segment after the last
// underscore in the table name.
type Perf struct {
	mu       sync.Mutex
	counters map[string]int64
	start    time.Time
	now      func() time.Time
}

// NewPerf returns an empty counter set with the report window starting now.
func NewPerf() *Perf {
	return newPerf(time.Now)
}

func newPerf(now func() time.Time) *Perf {
	return &Perf{
		counters: make(map[string]int64),
		start:    now().UTC(),
		now:      now,
	}
}

// Update bumps the counter for one call against table.
func (p *Perf) Update(table, op string, isError bool, index string) {
	key := tableSuffix(table) + ":" + op + ":" + strconv.FormatBool(isError)
	if index != "" {
		key += ":" + index
	}

	p.mu.Lock()
	p.counters[key]++
	p.mu.Unlock()
}

// Drain returns the accumulated counters with the window they cover and
// starts a fresh window.
func (p *Perf) Drain() (data map[string]int64, from, to time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	to = p.now().UTC()
	data = p.counters
	from = p.start

	p.counters = make(map[string]int64)
	p.start = to
	return data, from, to
}

func tableSuffix(table string) string {
	if i := strings.LastIndex(table, "_"); i >= 0 {
		return table[i+1:]
	}
	return table
}
