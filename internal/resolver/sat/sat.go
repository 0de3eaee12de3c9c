// Package sat implements a small CDCL (conflict-driven clause
// learning) Boolean satisfiability solver used as the resolver's
// fallback path when greedy highest-version selection can't satisfy
// every constraint simultaneously. There is no suitable general-purpose
// SAT library in the example corpus, so this is hand-rolled rather than
// imported; it is deliberately minimal — unit propagation, first-UIP
// clause learning, and non-chronological backtracking — not a
// competition-grade solver.
package sat

import (
	"context"
)

// Var is an opaque solver variable handle.
type Var int

// Lit is a literal: a variable in either its positive or negated form.
type Lit int

// Pos returns the positive literal for v.
func (v Var) Pos() Lit { return Lit(2 * int(v)) }

// Neg returns the negated literal for v.
func (v Var) Neg() Lit { return Lit(2*int(v) + 1) }

func (l Lit) variable() Var   { return Var(int(l) / 2) }
func (l Lit) isNegated() bool { return int(l)%2 == 1 }
func (l Lit) negate() Lit     { return Lit(int(l) ^ 1) }

type clause struct {
	lits   []Lit
	learnt bool
}

// Builder accumulates named variables and clauses before producing an
// immutable Solver.
type Builder struct {
	names   map[string]Var
	clauses []clause
	nextVar int
}

// NewBuilder returns an empty clause-set builder.
func NewBuilder() *Builder {
	return &Builder{names: make(map[string]Var)}
}

// NewVar allocates a fresh variable bound to name; calling it twice
// with the same name is an error left to the caller to avoid (VarOf
// should be used to look an existing one back up).
func (b *Builder) NewVar(name string) Var {
	v := Var(b.nextVar)
	b.nextVar++
	b.names[name] = v
	return v
}

// VarOf returns the variable previously registered under name via
// NewVar. Panics if name was never registered, since that indicates a
// caller bug (a candidate referencing a dependency that was never
// expanded into the instance).
func (b *Builder) VarOf(name string) Var {
	v, ok := b.names[name]
	if !ok {
		panic("sat: unknown variable name: " + name)
	}
	return v
}

// AddClause adds a disjunction of literals to the instance. An empty
// clause makes the instance trivially unsatisfiable.
func (b *Builder) AddClause(lits ...Lit) {
	cp := make([]Lit, len(lits))
	copy(cp, lits)
	b.clauses = append(b.clauses, clause{lits: cp})
}

// Build finalizes the instance into a Solver.
func (b *Builder) Build() *Solver {
	s := &Solver{
		numVars:   b.nextVar,
		clauses:   append([]clause(nil), b.clauses...),
		assign:    make([]int8, b.nextVar), // 0=unset, 1=true, -1=false
		level:     make([]int, b.nextVar),
		reason:    make([]int, b.nextVar),
		trailPos:  make([]int, b.nextVar),
		watchers:  make([][]int, 2*b.nextVar),
	}
	for i := range s.reason {
		s.reason[i] = -1
	}
	for idx, c := range s.clauses {
		s.attachWatchers(idx, c.lits)
	}
	// Unit clauses (a single forced literal) have no second watched
	// literal to trigger propagation through, so assign them directly
	// before the first Solve() call drives everything else.
	for idx, c := range s.clauses {
		if len(c.lits) == 1 {
			s.assignLit(c.lits[0], idx)
		}
	}
	return s
}

// Solver holds a finalized CDCL instance. Not safe for concurrent use.
type Solver struct {
	numVars  int
	clauses  []clause
	assign   []int8
	level    []int
	reason   []int // index into clauses, or -1 for a decision/no reason
	trailPos []int
	watchers [][]int // indexed by literal id -> clause indices watching it

	trail       []Lit
	head        int // index of the next trail entry propagate() has not yet processed
	decisionStk []int // trail positions where a decision was pushed
	decisionLvl int
}

func (s *Solver) attachWatchers(idx int, lits []Lit) {
	if len(lits) == 0 {
		return
	}
	a := lits[0]
	s.watchers[a] = append(s.watchers[a], idx)
	if len(lits) > 1 {
		b := lits[1]
		s.watchers[b] = append(s.watchers[b], idx)
	}
}

func (s *Solver) valueOf(l Lit) int8 {
	v := s.assign[l.variable()]
	if v == 0 {
		return 0
	}
	if l.isNegated() {
		return -v
	}
	return v
}

func (s *Solver) assignLit(l Lit, reasonClause int) {
	v := l.variable()
	if l.isNegated() {
		s.assign[v] = -1
	} else {
		s.assign[v] = 1
	}
	s.level[v] = s.decisionLvl
	s.reason[v] = reasonClause
	s.trailPos[v] = len(s.trail)
	s.trail = append(s.trail, l)
}

// propagate performs unit propagation, returning the index of a
// violated clause, or -1 if a fixed point was reached without
// conflict.
func (s *Solver) propagate() int {
	for s.head < len(s.trail) {
		falseLit := s.trail[s.head].negate()
		s.head++

		watchList := s.watchers[falseLit]
		stillWatching := watchList[:0]
		for wi := 0; wi < len(watchList); wi++ {
			ci := watchList[wi]
			c := s.clauses[ci]
			lits := c.lits

			if len(lits) < 2 {
				stillWatching = append(stillWatching, ci)
				if len(lits) == 1 && s.valueOf(lits[0]) == -1 {
					s.watchers[falseLit] = append(append([]int(nil), stillWatching...), watchList[wi+1:]...)
					return ci
				}
				continue
			}
			if lits[0] == falseLit {
				lits[0], lits[1] = lits[1], lits[0]
			}
			if s.valueOf(lits[0]) == 1 {
				stillWatching = append(stillWatching, ci)
				continue
			}

			found := false
			for k := 2; k < len(lits); k++ {
				if s.valueOf(lits[k]) != -1 {
					lits[1], lits[k] = lits[k], lits[1]
					s.watchers[lits[1]] = append(s.watchers[lits[1]], ci)
					found = true
					break
				}
			}
			if found {
				continue
			}

			stillWatching = append(stillWatching, ci)
			if s.valueOf(lits[0]) == -1 {
				s.watchers[falseLit] = append(append([]int(nil), stillWatching...), watchList[wi+1:]...)
				return ci
			}
			s.assignLit(lits[0], ci)
		}
		s.watchers[falseLit] = stillWatching
	}
	return -1
}

// analyzeConflict walks backwards from the violated clause, resolving
// against each literal's reason until only literals from earlier
// decision levels remain (first-UIP), producing a learnt clause and
// the level to backtrack to.
func (s *Solver) analyzeConflict(confl int) (clause, int) {
	seen := make(map[Var]bool)
	learnt := []Lit{0} // placeholder for the UIP literal, filled in below
	counter := 0
	lit := Lit(-1)
	idx := len(s.trail) - 1

	for {
		for _, l := range s.clauses[confl].lits {
			v := l.variable()
			if seen[v] || s.level[v] == 0 {
				continue
			}
			seen[v] = true
			if s.level[v] == s.decisionLvl {
				counter++
			} else {
				learnt = append(learnt, l)
			}
		}

		for idx >= 0 && !seen[s.trail[idx].variable()] {
			idx--
		}
		if idx < 0 {
			break
		}
		lit = s.trail[idx]
		v := lit.variable()
		seen[v] = false
		counter--
		idx--
		if counter == 0 {
			break
		}
		confl = s.reason[v]
		if confl < 0 {
			break
		}
	}

	if lit != -1 {
		learnt[0] = lit.negate()
	} else if len(learnt) > 0 {
		learnt[0] = learnt[len(learnt)-1]
		learnt = learnt[1:]
	}

	backLevel := 0
	for _, l := range learnt[1:] {
		if lv := s.level[l.variable()]; lv > backLevel {
			backLevel = lv
		}
	}
	return clause{lits: learnt, learnt: true}, backLevel
}

func (s *Solver) backtrackTo(level int) {
	for len(s.decisionStk) > level {
		pos := s.decisionStk[len(s.decisionStk)-1]
		s.decisionStk = s.decisionStk[:len(s.decisionStk)-1]
		for i := len(s.trail) - 1; i >= pos; i-- {
			v := s.trail[i].variable()
			s.assign[v] = 0
			s.reason[v] = -1
		}
		s.trail = s.trail[:pos]
	}
	s.decisionLvl = level
	s.head = len(s.trail)
}

func (s *Solver) pickUnassigned() (Var, bool) {
	for v := 0; v < s.numVars; v++ {
		if s.assign[v] == 0 {
			return Var(v), true
		}
	}
	return 0, false
}

// Solve searches for a satisfying assignment, respecting ctx
// cancellation. On success it returns a complete assignment and
// ok=true. On unsatisfiability it returns ok=false along with a
// conflict core: the variables of the clause found violated at decision
// level 0, useful for reporting which packages are mutually
// unsatisfiable. An instance holding an empty clause is reported
// unsatisfiable with an empty core.
func (s *Solver) Solve(ctx context.Context) (map[Var]bool, []Var, bool) {
	for _, c := range s.clauses {
		if len(c.lits) == 0 {
			return nil, nil, false
		}
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, false
		}

		confl := s.propagate()
		if confl >= 0 {
			if s.decisionLvl == 0 {
				core := conflictCore(s.clauses[confl].lits)
				return nil, core, false
			}
			learnt, backLevel := s.analyzeConflict(confl)
			s.backtrackTo(backLevel)
			ci := len(s.clauses)
			s.clauses = append(s.clauses, learnt)
			s.attachWatchers(ci, learnt.lits)
			if len(learnt.lits) > 0 {
				s.decisionLvl = backLevel
				s.assignLit(learnt.lits[0], ci)
			}
			continue
		}

		v, ok := s.pickUnassigned()
		if !ok {
			return s.finalAssignment(), nil, true
		}
		s.decisionLvl++
		s.decisionStk = append(s.decisionStk, len(s.trail))
		s.assignLit(v.Pos(), -1)
	}
}

func conflictCore(lits []Lit) []Var {
	vars := make([]Var, 0, len(lits))
	for _, l := range lits {
		vars = append(vars, l.variable())
	}
	return vars
}

func (s *Solver) finalAssignment() map[Var]bool {
	out := make(map[Var]bool, s.numVars)
	for v := 0; v < s.numVars; v++ {
		out[Var(v)] = s.assign[v] == 1
	}
	return out
}
