package routes

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"crowdbus/internal/bus"
	"crowdbus/internal/schedule"
)

var ErrUnknownRoute = errors.New("unknown route")

// Table maps route identifiers to static route data. Safe for concurrent reads.
type Table struct {
	byID map[string]bus.Route
	ids  []string
}

type fileFormat struct {
	Routes []bus.Route `yaml:"routes" validate:"required,dive"`
}

// LoadFile reads and validates a YAML route table.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := validator.New().Struct(f); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return New(f.Routes)
}

// New builds a table, rejecting routes that break the stop/schedule invariants.
func New(rs []bus.Route) (*Table, error) {
	t := &Table{byID: make(map[string]bus.Route, len(rs))}
	for _, r := range rs {
		if err := Validate(r); err != nil {
			return nil, err
		}
		if _, dup := t.byID[r.ID]; dup {
			return nil, fmt.Errorf("duplicate route %q", r.ID)
		}
		t.byID[r.ID] = r
		t.ids = append(t.ids, r.ID)
	}
	sort.Strings(t.ids)
	return t, nil
}

// Validate checks len(stops) == len(schedule) >= 1 and a non-decreasing schedule.
func Validate(r bus.Route) error {
	if r.ID == "" {
		return errors.New("route id is required")
	}
	if len(r.Stops) == 0 || len(r.Stops) != len(r.Schedule) {
		return fmt.Errorf("route %q: %d stops vs %d schedule entries", r.ID, len(r.Stops), len(r.Schedule))
	}
	prev := -1.0
	for i, s := range r.Schedule {
		m, err := schedule.ParseClock(s)
		if err != nil {
			return fmt.Errorf("route %q stop %d: %w", r.ID, i, err)
		}
		if m < prev {
			return fmt.Errorf("route %q: schedule decreases at stop %d (%s)", r.ID, i, s)
		}
		prev = m
	}
	return nil
}

// Get is Route with an ErrUnknownRoute error.
func (t *Table) Get(id string) (bus.Route, error) {
	r, ok := t.byID[id]
	if !ok {
		return bus.Route{}, fmt.Errorf("%w: %q", ErrUnknownRoute, id)
	}
	return r, nil
}

func (t *Table) Route(id string) (bus.Route, bool) {
	r, ok := t.byID[id]
	return r, ok
}

// IDs returns all route identifiers in sorted order.
func (t *Table) IDs() []string {
	out := make([]string, len(t.ids))
	copy(out, t.ids)
	return out
}

func (t *Table) Len() int { return len(t.ids) }

// Match is a route serving from -> to, with the scheduled arrival at to.
type Match struct {
	Route   bus.Route
	FromIdx int
	ToIdx   int
	Arrival string
}

var spaces = regexp.MustCompile(`\s+`)

// NormalizeName trims, collapses inner whitespace and lower-cases a stop name.
func NormalizeName(s string) string {
	return strings.ToLower(spaces.ReplaceAllString(strings.TrimSpace(s), " "))
}

// Search returns routes on which from is served before to.
func (t *Table) Search(from, to string) []Match {
	fromKey, toKey := NormalizeName(from), NormalizeName(to)
	if fromKey == "" || toKey == "" {
		return nil
	}
	var out []Match
	for _, id := range t.ids {
		r := t.byID[id]
		fi, ti := -1, -1
		for i, s := range r.Stops {
			k := NormalizeName(s.Name)
			if fi == -1 && k == fromKey {
				fi = i
			}
			if ti == -1 && k == toKey {
				ti = i
			}
		}
		if fi == -1 || ti == -1 || fi >= ti {
			continue
		}
		out = append(out, Match{Route: r, FromIdx: fi, ToIdx: ti, Arrival: r.Schedule[ti]})
	}
	return out
}
