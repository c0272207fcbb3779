package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/qualys/iacguard/internal/models"
	"github.com/qualys/iacguard/internal/policy"
)

// Neo4jOracle stores synced plans in Neo4j and answers reachability
// queries with bounded-depth path matches. It serves deployments where
// the graph spans more than one plan, for example live infrastructure
// synced from prior applies.
type Neo4jOracle struct {
	driver neo4j.DriverWithContext
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
}

func NewNeo4jOracle(cfg Neo4jConfig) (*Neo4jOracle, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("verifying neo4j connectivity: %w", err)
	}

	o := &Neo4jOracle{driver: driver}
	if err := o.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}
	return o, nil
}

func (o *Neo4jOracle) Close(ctx context.Context) error {
	return o.driver.Close(ctx)
}

func (o *Neo4jOracle) createIndexes(ctx context.Context) error {
	session := o.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS FOR (n:Resource) ON (n.iacId)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Resource) ON (n.service)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Resource) ON (n.planId)",
	}

	for _, idx := range indexes {
		if _, err := session.Run(ctx, idx, nil); err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}
	return nil
}

// SyncPlan upserts the plan's resources and dependency edges.
func (o *Neo4jOracle) SyncPlan(ctx context.Context, plan *models.Plan) error {
	session := o.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for i := range plan.Resources {
		res := &plan.Resources[i]
		_, err := session.Run(ctx, `
			MERGE (r:Resource {iacId: $iacId})
			SET r.resourceType = $resourceType,
				r.service = $service,
				r.cloudProvider = $cloudProvider,
				r.changeType = $changeType,
				r.exposed = $exposed,
				r.planId = $planId
		`, map[string]interface{}{
			"iacId":         res.IaCID,
			"resourceType":  res.ResourceType,
			"service":       serviceSegment(res.ResourceType),
			"cloudProvider": string(res.CloudProvider),
			"changeType":    string(res.ChangeType),
			"exposed":       PubliclyExposed(res),
			"planId":        plan.ID,
		})
		if err != nil {
			return fmt.Errorf("upserting resource %s: %w", res.IaCID, err)
		}
	}

	for _, dep := range plan.Dependencies {
		_, err := session.Run(ctx, `
			MATCH (s:Resource {iacId: $sourceId})
			MATCH (t:Resource {iacId: $targetId})
			MERGE (s)-[r:DEPENDS_ON]->(t)
			SET r.dependencyType = $dependencyType
		`, map[string]interface{}{
			"sourceId":       dep.SourceID,
			"targetId":       dep.TargetID,
			"dependencyType": string(dep.DependencyType),
		})
		if err != nil {
			return fmt.Errorf("upserting dependency %s -> %s: %w", dep.SourceID, dep.TargetID, err)
		}
	}
	return nil
}

// Reachable checks for a dependency path between the two node
// classes. The internet start label matches exposed resources; service
// categories expand to their member services.
func (o *Neo4jOracle) Reachable(ctx context.Context, q models.GraphQuery) (bool, error) {
	session := o.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	depth := q.MaxDepth
	if depth <= 0 {
		depth = 5
	}

	fromInternet := strings.EqualFold(q.FromLabel, internetLabel)
	fromClause := "a.service IN $fromServices"
	if fromInternet {
		fromClause = "a.exposed = true"
	}

	// Path length cannot be parameterized in Cypher; the depth is an
	// int under our control.
	query := fmt.Sprintf(`
		MATCH path = (a:Resource)-[:DEPENDS_ON*0..%d]-(b:Resource)
		WHERE %s AND b.service IN $toServices
	`, depth, fromClause)

	params := map[string]interface{}{
		"toServices": policy.ServicesForCategory(q.ToLabel),
	}
	if !fromInternet {
		params["fromServices"] = policy.ServicesForCategory(q.FromLabel)
	}
	if len(q.ViaLabels) > 0 {
		var viaServices []string
		for _, label := range q.ViaLabels {
			viaServices = append(viaServices, policy.ServicesForCategory(label)...)
		}
		query += ` AND ALL(n IN nodes(path)[1..-1] WHERE n.service IN $viaServices)`
		params["viaServices"] = viaServices
	}
	query += `
		RETURN count(path) > 0 AS reachable
	`

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return false, fmt.Errorf("executing reachability query: %w", err)
	}

	record, err := result.Single(ctx)
	if err != nil {
		return false, fmt.Errorf("reading reachability result: %w", err)
	}
	reachable, _ := record.Get("reachable")
	b, ok := reachable.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected reachability result %T", reachable)
	}
	return b, nil
}

func serviceSegment(resourceType string) string {
	segs := strings.Split(resourceType, ":")
	if len(segs) != 3 {
		return resourceType
	}
	return segs[1]
}
