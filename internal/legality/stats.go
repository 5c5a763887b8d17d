package legality

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hassan/ivdesc/internal/ivdesc"
)

// Stats tracks what an Analyzer found across every function it analyzed.
//
// DESIGN CHOICE: Collect stats alongside the reports because:
// - A module-wide summary does not need the reports kept around
// - The counts show which classifier explains most of the phis
// - Useful for regression testing on larger inputs
//
// Functions are analyzed concurrently, so every update takes the lock.
type Stats struct {
	mu sync.Mutex

	// Functions is the number of functions analyzed
	Functions int

	// Loops is the number of loops visited
	Loops int

	// Phis is the number of header phis seen
	Phis int

	// Inductions counts induction variables by kind
	Inductions map[ivdesc.InductionKind]int

	// Reductions counts reductions by kind
	Reductions map[ivdesc.RecurKind]int

	// Recurrences is the number of first-order recurrences
	Recurrences int

	// Unclassified is the number of phis no pass claimed
	Unclassified int

	// PassExecutions tracks how many times each pass ran
	PassExecutions map[string]int
}

// NewStats creates a new stats tracker.
func NewStats() *Stats {
	return &Stats{
		Inductions:     make(map[ivdesc.InductionKind]int),
		Reductions:     make(map[ivdesc.RecurKind]int),
		PassExecutions: make(map[string]int),
	}
}

func (s *Stats) passRan(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PassExecutions[name]++
}

func (s *Stats) record(r *LoopReport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Loops++
	for _, ind := range r.Inductions {
		s.Inductions[ind.Kind]++
	}
	for _, red := range r.Reductions {
		s.Reductions[red.Kind]++
	}
	s.Recurrences += len(r.Recurrences)
	s.Unclassified += len(r.Unclassified)
	s.Phis += len(r.Inductions) + len(r.Reductions) + len(r.Recurrences) + len(r.Unclassified)
}

func (s *Stats) functionDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Functions++
}

// String returns a human-readable summary of the statistics.
func (s *Stats) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	inductions := make([]string, 0, len(s.Inductions))
	for kind, n := range s.Inductions {
		inductions = append(inductions, fmt.Sprintf("%s=%d", kind, n))
	}
	sort.Strings(inductions)

	reductions := make([]string, 0, len(s.Reductions))
	for kind, n := range s.Reductions {
		reductions = append(reductions, fmt.Sprintf("%s=%d", kind, n))
	}
	sort.Strings(reductions)

	return fmt.Sprintf("Analysis Stats:\n"+
		"  Functions: %d\n"+
		"  Loops: %d\n"+
		"  Header phis: %d\n"+
		"  Inductions: [%s]\n"+
		"  Reductions: [%s]\n"+
		"  Recurrences: %d\n"+
		"  Unclassified: %d\n",
		s.Functions,
		s.Loops,
		s.Phis,
		strings.Join(inductions, " "),
		strings.Join(reductions, " "),
		s.Recurrences,
		s.Unclassified)
}
