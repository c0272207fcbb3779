// Package graph answers reachability questions for graph conditions,
// either against an in-memory view of a single plan or against a
// Neo4j deployment graph.
package graph

import (
	"context"
	"strings"

	"github.com/qualys/iacguard/internal/jsonval"
	"github.com/qualys/iacguard/internal/models"
	"github.com/qualys/iacguard/internal/policy"
)

// internetLabel is the synthetic start class for attack-path queries.
// It resolves to the plan's publicly exposed resources.
const internetLabel = "internet"

// PlanOracle answers reachability queries by walking one plan's
// dependency edges. It is immutable after construction and safe for
// concurrent use.
type PlanOracle struct {
	resources map[string]*models.Resource
	edges     map[string][]string
	order     []string
}

func NewPlanOracle(plan *models.Plan) *PlanOracle {
	o := &PlanOracle{
		resources: make(map[string]*models.Resource, len(plan.Resources)),
		edges:     make(map[string][]string, len(plan.Dependencies)),
		order:     make([]string, 0, len(plan.Resources)),
	}
	for i := range plan.Resources {
		res := &plan.Resources[i]
		o.resources[res.IaCID] = res
		o.order = append(o.order, res.IaCID)
	}
	// Reachability follows dependency edges in both directions: a
	// compute instance that depends on a database is also a way to
	// reach that database.
	for _, dep := range plan.Dependencies {
		o.edges[dep.SourceID] = append(o.edges[dep.SourceID], dep.TargetID)
		o.edges[dep.TargetID] = append(o.edges[dep.TargetID], dep.SourceID)
	}
	return o
}

// Reachable runs a bounded breadth-first search from the resources
// matching the from label to any resource matching the to label. When
// via labels are given, intermediate hops must match one of them.
func (o *PlanOracle) Reachable(ctx context.Context, q models.GraphQuery) (bool, error) {
	fromInternet := strings.EqualFold(q.FromLabel, internetLabel)

	type hop struct {
		id    string
		depth int
	}
	var frontier []hop
	visited := make(map[string]bool)

	for _, id := range o.order {
		res := o.resources[id]
		if fromInternet {
			if !PubliclyExposed(res) {
				continue
			}
			// The internet edge itself is the first hop.
			if labelMatches(res, q.ToLabel) {
				return true, nil
			}
			frontier = append(frontier, hop{id: id, depth: 1})
			visited[id] = true
		} else if labelMatches(res, q.FromLabel) {
			frontier = append(frontier, hop{id: id, depth: 0})
			visited[id] = true
		}
	}

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		cur := frontier[0]
		frontier = frontier[1:]
		if cur.depth >= q.MaxDepth {
			continue
		}

		for _, next := range o.edges[cur.id] {
			if visited[next] {
				continue
			}
			res, ok := o.resources[next]
			if !ok {
				continue
			}
			if labelMatches(res, q.ToLabel) {
				return true, nil
			}
			if len(q.ViaLabels) > 0 && !matchesAny(res, q.ViaLabels) {
				continue
			}
			visited[next] = true
			frontier = append(frontier, hop{id: next, depth: cur.depth + 1})
		}
	}
	return false, nil
}

// labelMatches compares a resource against a node class. A label
// containing colons is treated as a full wildcard type pattern;
// otherwise it names a service or service category.
func labelMatches(res *models.Resource, label string) bool {
	if label == "" || label == "*" {
		return true
	}
	if strings.Contains(label, ":") {
		return policy.MatchResourceType(label, res.ResourceType)
	}
	return policy.MatchResourceType("*:"+label+":*", res.ResourceType)
}

func matchesAny(res *models.Resource, labels []string) bool {
	for _, l := range labels {
		if labelMatches(res, l) {
			return true
		}
	}
	return false
}

// PubliclyExposed reports whether a resource looks internet-facing:
// a public ACL, an explicit public-access flag, or a 0.0.0.0/0
// ingress rule.
func PubliclyExposed(res *models.Resource) bool {
	props := res.Properties

	if acl, ok := props.Lookup("acl"); ok && strings.Contains(acl.Str(), "public") {
		return true
	}
	for _, path := range []string{"public_access", "publicly_accessible", "public"} {
		if v, ok := props.Lookup(path); ok {
			if b, isBool := v.AsBool(); isBool && b {
				return true
			}
		}
	}
	if v, ok := props.Lookup("publicNetworkAccess"); ok && strings.EqualFold(v.Str(), "Enabled") {
		return true
	}
	if ingress, ok := props.Lookup("ingress"); ok && containsOpenCIDR(ingress) {
		return true
	}
	return false
}

func containsOpenCIDR(v jsonval.Value) bool {
	switch v.Kind() {
	case jsonval.KindString:
		return v.Str() == "0.0.0.0/0" || v.Str() == "::/0"
	case jsonval.KindArray:
		for _, item := range v.Items() {
			if containsOpenCIDR(item) {
				return true
			}
		}
	case jsonval.KindObject:
		for _, key := range v.Keys() {
			if containsOpenCIDR(v.Field(key)) {
				return true
			}
		}
	}
	return false
}
