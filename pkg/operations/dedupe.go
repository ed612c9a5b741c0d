package operations

import (
	"context"
	"fmt"
	"sort"

	"github.com/soundprediction/go-graphops/pkg/types"
)

// DedupeOperation finds transitively-similar entities above a similarity
// threshold and merges each group into a canonical representative. Merging
// is a fixpoint: re-running at the same threshold immediately after a commit
// finds nothing.
type DedupeOperation struct{}

func (o *DedupeOperation) Kind() types.TaskKind { return types.KindDeduplicate }

func (o *DedupeOperation) Validate(params types.Params, dryRun bool) error {
	if params.SimilarityThreshold <= 0 || params.SimilarityThreshold > 1 {
		return &types.ValidationError{
			Field:  "similarity_threshold",
			Reason: "must be in (0, 1]",
		}
	}
	return nil
}

func (o *DedupeOperation) Run(ctx context.Context, r *Run) (types.Result, error) {
	r.tick(0, "computing entity similarity")

	var pairs []types.SimilarPair
	err := r.caller.do(ctx, "SimilarEntityPairs", func() error {
		var err error
		pairs, err = r.Engine.SimilarEntityPairs(ctx, r.Scope, r.Params.SimilarityThreshold)
		return err
	})
	if err != nil {
		return nil, err
	}

	var entities []*types.Entity
	err = r.caller.do(ctx, "Entities", func() error {
		var err error
		entities, err = r.Engine.Entities(ctx, r.Scope)
		return err
	})
	if err != nil {
		return nil, err
	}

	groups := groupDuplicates(pairs, entities)
	duplicates := 0
	for _, g := range groups {
		duplicates += len(g.members) - 1
	}

	if r.DryRun {
		r.tick(100, fmt.Sprintf("found %d duplicates in %d groups", duplicates, len(groups)))
		return types.Result{
			"duplicates_found": duplicates,
			"duplicate_groups": len(groups),
		}, nil
	}

	merged := 0
	for i, g := range groups {
		if err := r.checkCancel(); err != nil {
			return nil, err
		}
		dups := make([]string, 0, len(g.members)-1)
		for _, id := range g.members {
			if id != g.canonical {
				dups = append(dups, id)
			}
		}
		err := r.caller.do(ctx, "MergeEntities", func() error {
			return r.Engine.MergeEntities(ctx, r.Scope, g.canonical, dups)
		})
		if err != nil {
			return nil, err
		}
		merged += len(dups)
		r.tick((i+1)*100/len(groups), fmt.Sprintf("merged group %d/%d", i+1, len(groups)))
	}

	return types.Result{
		"merged":           merged,
		"duplicate_groups": len(groups),
	}, nil
}

type duplicateGroup struct {
	canonical string
	members   []string
}

// groupDuplicates unions transitively-similar pairs and picks each group's
// canonical representative: earliest created_at, ties broken by lowest id.
func groupDuplicates(pairs []types.SimilarPair, entities []*types.Entity) []duplicateGroup {
	if len(pairs) == 0 {
		return nil
	}
	byID := make(map[string]*types.Entity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}

	uf := newUnionFind()
	for _, p := range pairs {
		if byID[p.A] == nil || byID[p.B] == nil {
			continue
		}
		uf.union(p.A, p.B)
	}

	membersByRoot := make(map[string][]string)
	for id := range uf.parent {
		root := uf.find(id)
		membersByRoot[root] = append(membersByRoot[root], id)
	}

	var groups []duplicateGroup
	for _, members := range membersByRoot {
		if len(members) < 2 {
			continue
		}
		sort.Strings(members)
		canonical := members[0]
		for _, id := range members[1:] {
			c, e := byID[canonical], byID[id]
			if e.CreatedAt.Before(c.CreatedAt) {
				canonical = id
			}
			// Equal timestamps fall through: the sort already guarantees
			// the lowest id wins.
		}
		groups = append(groups, duplicateGroup{canonical: canonical, members: members})
	}
	// Deterministic processing order for progress and tests.
	sort.Slice(groups, func(i, j int) bool { return groups[i].canonical < groups[j].canonical })
	return groups
}

type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

func (u *unionFind) find(x string) string {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x
	}
	if u.parent[x] != x {
		u.parent[x] = u.find(u.parent[x])
	}
	return u.parent[x]
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}
