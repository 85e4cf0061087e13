package selection

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jwalitptl/lab-booking/internal/model"
	"github.com/jwalitptl/lab-booking/pkg/errors"
)

// Ledger holds the tests and packages picked at one lab. It is safe for
// concurrent use; toggles commute.
type Ledger struct {
	mu       sync.RWMutex
	lab      *model.Lab
	tests    map[string]struct{}
	packages map[string]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{
		tests:    make(map[string]struct{}),
		packages: make(map[string]struct{}),
	}
}

// Reset scopes the ledger to lab and empties it. A nil lab clears the scope.
func (l *Ledger) Reset(lab *model.Lab) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lab != nil {
		cp := *lab
		l.lab = &cp
	} else {
		l.lab = nil
	}
	l.tests = make(map[string]struct{})
	l.packages = make(map[string]struct{})
}

// LabID returns the lab the ledger is scoped to, or "".
func (l *Ledger) LabID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.lab == nil {
		return ""
	}
	return l.lab.ID
}

// ToggleTest adds the test if absent and removes it if present. It returns
// whether the test is selected afterwards.
func (l *Ledger) ToggleTest(id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireLab(); err != nil {
		return false, err
	}
	if _, ok := l.lab.TestByID(id); !ok {
		return false, errors.NewRecoverableInput(fmt.Sprintf("test %q is not offered by %s", id, l.lab.Name))
	}
	return toggle(l.tests, id), nil
}

// TogglePackage is ToggleTest for packages.
func (l *Ledger) TogglePackage(id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireLab(); err != nil {
		return false, err
	}
	if _, ok := l.lab.PackageByID(id); !ok {
		return false, errors.NewRecoverableInput(fmt.Sprintf("package %q is not offered by %s", id, l.lab.Name))
	}
	return toggle(l.packages, id), nil
}

// SelectOnly replaces the selection with exactly the given tests. Unknown
// ids are skipped.
func (l *Ledger) SelectOnly(testIDs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireLab(); err != nil {
		return err
	}
	l.tests = make(map[string]struct{}, len(testIDs))
	l.packages = make(map[string]struct{})
	for _, id := range testIDs {
		if _, ok := l.lab.TestByID(id); ok {
			l.tests[id] = struct{}{}
		}
	}
	return nil
}

// Total is the sum of selected test and package prices from the lab's loaded
// catalog. Package discounts are not applied.
func (l *Ledger) Total() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.lab == nil {
		return 0
	}
	var total int64
	for id := range l.tests {
		if t, ok := l.lab.TestByID(id); ok {
			total += t.Price
		}
	}
	for id := range l.packages {
		if p, ok := l.lab.PackageByID(id); ok {
			total += p.Price
		}
	}
	return total
}

// ItemCount is the number of selected items. A test and a package are
// separate items even when their ids collide, as in Total.
func (l *Ledger) ItemCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tests) + len(l.packages)
}

func (l *Ledger) IsEmpty() bool {
	return l.ItemCount() == 0
}

func (l *Ledger) TestIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedKeys(l.tests)
}

func (l *Ledger) PackageIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedKeys(l.packages)
}

// Snapshot is a consistent copy of the ledger.
type Snapshot struct {
	LabID      string           `json:"lab_id,omitempty"`
	TestIDs    []string         `json:"test_ids"`
	PackageIDs []string         `json:"package_ids"`
	Tests      []model.LineItem `json:"tests"`
	Packages   []model.LineItem `json:"packages"`
	Total      int64            `json:"total"`
	ItemCount  int              `json:"item_count"`
}

// Snapshot captures ids, line items and totals under one lock.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Snapshot{
		TestIDs:    sortedKeys(l.tests),
		PackageIDs: sortedKeys(l.packages),
	}
	if l.lab == nil {
		return s
	}
	s.LabID = l.lab.ID
	for _, id := range s.TestIDs {
		if t, ok := l.lab.TestByID(id); ok {
			s.Tests = append(s.Tests, model.LineItem{ID: t.ID, Name: t.Name, Price: t.Price})
			s.Total += t.Price
		}
	}
	for _, id := range s.PackageIDs {
		if p, ok := l.lab.PackageByID(id); ok {
			s.Packages = append(s.Packages, model.LineItem{ID: p.ID, Name: p.Name, Price: p.Price})
			s.Total += p.Price
		}
	}
	s.ItemCount = len(s.TestIDs) + len(s.PackageIDs)
	return s
}

func (l *Ledger) requireLab() error {
	if l.lab == nil {
		return errors.NewRecoverableInput("choose a lab first")
	}
	return nil
}

func toggle(set map[string]struct{}, id string) bool {
	if _, ok := set[id]; ok {
		delete(set, id)
		return false
	}
	set[id] = struct{}{}
	return true
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
