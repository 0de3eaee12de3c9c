// Package resolver resolves a set of top-level dependency specs into a
// concrete, topologically ordered set of package versions. It tries a
// greedy highest-version walk first; only on conflict does it fall
// back to the CDCL SAT solver in internal/resolver/sat, since greedy
// resolution is the common case and solving a SAT instance is
// considerably more expensive.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"time"

	mmsemver "github.com/Masterminds/semver/v3"

	"github.com/sps2/sps2/internal/errcode"
	"github.com/sps2/sps2/internal/index"
	"github.com/sps2/sps2/internal/resolver/sat"
	"github.com/sps2/sps2/internal/semver"
)

// Candidate is a single (name, version) the resolver can choose.
type Candidate struct {
	Name    string
	Version *mmsemver.Version
	Entry   index.Entry
}

func (c Candidate) key() string { return c.Name + "@" + c.Version.String() }

// Index is the subset of index.Index behavior the resolver needs,
// declared as an interface so tests can supply a fixture without a
// real network-backed catalog.
type Index interface {
	GetPackageVersions(name string) ([]*mmsemver.Version, error)
	GetVersion(name, version string) (index.Entry, error)
}

// Resolution is the ordered, conflict-free package set the resolver
// produced: dependencies appear before dependents.
type Resolution struct {
	Packages []Candidate
}

// Options bounds the resolve: a wall-clock deadline and the currently
// installed set, used to minimize change vs. what's already present.
type Options struct {
	Timeout   time.Duration
	Installed map[string]*mmsemver.Version
}

// Resolve resolves specs against idx. It first attempts a greedy
// highest-version walk; on conflict it builds a SAT instance and
// solves with CDCL. On UNSAT it reports the solver's conflict core (the
// variables of the clause found violated at decision level 0); the core
// is not minimised.
func Resolve(ctx context.Context, idx Index, specs []semver.Spec, opts Options) (*Resolution, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	greedy, err := resolveGreedy(ctx, idx, specs)
	if err == nil {
		ordered, orderErr := topoSort(greedy)
		if orderErr != nil {
			return nil, orderErr
		}
		return &Resolution{Packages: ordered}, nil
	}

	var conflictErr *conflictError
	if !asConflict(err, &conflictErr) {
		return nil, err // NoMatchingVersion, timeout, etc. — SAT cannot help
	}

	decided, satErr := resolveSAT(ctx, idx, specs, opts)
	if satErr != nil {
		return nil, satErr
	}
	ordered, orderErr := topoSort(decided)
	if orderErr != nil {
		return nil, orderErr
	}
	return &Resolution{Packages: ordered}, nil
}

// conflictError marks a greedy-resolution failure that SAT might
// recover from, as opposed to a hard failure like NoMatchingVersion.
type conflictError struct {
	name string
}

func (e *conflictError) Error() string { return "resolve conflict on " + e.name }

func asConflict(err error, target **conflictError) bool {
	ce, ok := err.(*conflictError)
	if ok {
		*target = ce
	}
	return ok
}

// resolveGreedy walks specs in insertion order, picking the highest
// matching version for each name and recursing into its runtime
// dependencies, failing as soon as two decisions for the same name
// disagree.
func resolveGreedy(ctx context.Context, idx Index, specs []semver.Spec) (map[string]Candidate, error) {
	decided := make(map[string]Candidate)
	var visit func(spec semver.Spec) error

	visit = func(spec semver.Spec) error {
		if err := ctx.Err(); err != nil {
			return errcode.New(errcode.ResolveTimeout, "resolve deadline exceeded")
		}

		if existing, ok := decided[spec.Name]; ok {
			if !spec.Matches(existing.Version) {
				return &conflictError{name: spec.Name}
			}
			return nil
		}

		versions, err := idx.GetPackageVersions(spec.Name)
		if err != nil {
			return err
		}
		best := semver.FindBest(spec, versions)
		if best == nil {
			return errcode.New(errcode.NotFound,
				fmt.Sprintf("no version of %s satisfies %s", spec.Name, spec)).
				WithHint("NoMatchingVersion")
		}

		entry, err := idx.GetVersion(spec.Name, best.String())
		if err != nil {
			return err
		}
		decided[spec.Name] = Candidate{Name: spec.Name, Version: best, Entry: entry}

		for _, depSpecStr := range entry.Dependencies.Runtime {
			depSpec, err := semver.ParseSpec(depSpecStr)
			if err != nil {
				return err
			}
			if err := visit(depSpec); err != nil {
				return err
			}
		}
		return nil
	}

	for _, spec := range specs {
		if err := visit(spec); err != nil {
			return nil, err
		}
	}
	return decided, nil
}

// resolveSAT maps every candidate version of every package reachable
// from specs to a Boolean variable and asks the CDCL solver for a
// satisfying assignment, from three clause families: at-least-one per
// spec, at-most-one per package name, and dependency implications. No
// separate conflict clauses are emitted; incompatible candidates are
// excluded by the at-most-one and implication clauses together.
func resolveSAT(ctx context.Context, idx Index, specs []semver.Spec, opts Options) (map[string]Candidate, error) {
	builder := sat.NewBuilder()
	candidatesByName := make(map[string][]Candidate)
	entryByVar := make(map[sat.Var]Candidate)

	var expand func(name string) error
	visited := make(map[string]bool)
	expand = func(name string) error {
		if visited[name] {
			return nil
		}
		visited[name] = true

		versions, err := idx.GetPackageVersions(name)
		if err != nil {
			return err
		}
		for _, v := range versions {
			entry, err := idx.GetVersion(name, v.String())
			if err != nil {
				return err
			}
			c := Candidate{Name: name, Version: v, Entry: entry}
			va := builder.NewVar(c.key())
			entryByVar[va] = c
			candidatesByName[name] = append(candidatesByName[name], c)

			for _, depStr := range entry.Dependencies.Runtime {
				depSpec, err := semver.ParseSpec(depStr)
				if err != nil {
					return err
				}
				if err := expand(depSpec.Name); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, spec := range specs {
		if err := expand(spec.Name); err != nil {
			return nil, err
		}
	}

	// (a) at-least-one candidate per top-level spec, restricted to
	// versions matching the spec's constraint.
	for _, spec := range specs {
		var lits []sat.Lit
		for _, c := range candidatesByName[spec.Name] {
			if spec.Matches(c.Version) {
				lits = append(lits, builder.VarOf(c.key()).Pos())
			}
		}
		if len(lits) == 0 {
			return nil, errcode.New(errcode.NotFound,
				fmt.Sprintf("no version of %s satisfies %s", spec.Name, spec)).
				WithHint("NoMatchingVersion")
		}
		builder.AddClause(lits...)
	}

	// (b) at-most-one decided candidate per package name.
	for _, cands := range candidatesByName {
		for i := 0; i < len(cands); i++ {
			for j := i + 1; j < len(cands); j++ {
				builder.AddClause(builder.VarOf(cands[i].key()).Neg(), builder.VarOf(cands[j].key()).Neg())
			}
		}
	}

	// (c) dependency implications: candidate ⇒ at-least-one matching
	// dependency candidate.
	for _, cands := range candidatesByName {
		for _, c := range cands {
			for _, depStr := range c.Entry.Dependencies.Runtime {
				depSpec, err := semver.ParseSpec(depStr)
				if err != nil {
					return nil, err
				}
				var depLits []sat.Lit
				for _, depCand := range candidatesByName[depSpec.Name] {
					if depSpec.Matches(depCand.Version) {
						depLits = append(depLits, builder.VarOf(depCand.key()).Pos())
					}
				}
				clause := append([]sat.Lit{builder.VarOf(c.key()).Neg()}, depLits...)
				builder.AddClause(clause...)
			}
		}
	}

	solver := builder.Build()
	assignment, core, ok := solver.Solve(ctx)
	if !ok {
		members := make([]string, 0, len(core))
		for _, v := range core {
			members = append(members, entryByVar[v].key())
		}
		return nil, errcode.NewConflict(errcode.ConflictCore{Members: members})
	}

	decided := make(map[string]Candidate)
	for va, value := range assignment {
		if !value {
			continue
		}
		c, ok := entryByVar[va]
		if !ok {
			continue
		}
		decided[c.Name] = preferMinimalChange(decided[c.Name], c, opts)
	}
	return decided, nil
}

// preferMinimalChange is a tie-break hook: when SAT leaves more than
// one satisfying assignment reachable for a name (it won't, since (b)
// enforces at-most-one, but defensive programming here costs nothing),
// keep whichever is already installed.
func preferMinimalChange(existing, candidate Candidate, opts Options) Candidate {
	if existing.Version == nil {
		return candidate
	}
	if installed, ok := opts.Installed[candidate.Name]; ok && installed.Equal(existing.Version) {
		return existing
	}
	return candidate
}

// topoSort orders decided packages so dependencies precede dependents,
// failing with DependencyCycle if the graph is not a DAG (which must
// not happen against a well-formed index).
func topoSort(decided map[string]Candidate) ([]Candidate, error) {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(decided))
	var order []Candidate

	var visit func(name string, stack []string) error
	visit = func(name string, stack []string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return errcode.New(errcode.InvalidInput,
				fmt.Sprintf("dependency cycle detected: %v", append(stack, name))).
				WithHint("DependencyCycle")
		}
		color[name] = gray
		c, ok := decided[name]
		if ok {
			for _, depStr := range c.Entry.Dependencies.Runtime {
				depSpec, err := semver.ParseSpec(depStr)
				if err != nil {
					return err
				}
				if _, ok := decided[depSpec.Name]; ok {
					if err := visit(depSpec.Name, append(stack, name)); err != nil {
						return err
					}
				}
			}
		}
		color[name] = black
		if ok {
			order = append(order, c)
		}
		return nil
	}

	names := make([]string, 0, len(decided))
	for name := range decided {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic traversal order for reproducible output
	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}
