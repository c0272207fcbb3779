package parsers

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/qualys/iacguard/internal/jsonval"
	"github.com/qualys/iacguard/internal/models"
)

// ARMParser handles Azure Resource Manager templates and what-if
// results.
type ARMParser struct{}

func NewARMParser() *ARMParser { return &ARMParser{} }

func (p *ARMParser) Source() models.SourceType { return models.SourceARM }

func (p *ARMParser) Detect(content []byte) bool {
	doc, err := jsonval.Decode(content)
	if err != nil || doc.Kind() != jsonval.KindObject {
		return false
	}
	return isARMTemplate(doc) || isWhatIfResult(doc)
}

func isARMTemplate(doc jsonval.Value) bool {
	schema := doc.Field("$schema").Str()
	if !strings.Contains(strings.ToLower(schema), "deploymenttemplate") {
		return false
	}
	resources, ok := doc.Get("resources")
	return ok && resources.Kind() == jsonval.KindArray
}

func isWhatIfResult(doc jsonval.Value) bool {
	changes, ok := doc.Get("changes")
	if !ok || changes.Kind() != jsonval.KindArray {
		return false
	}
	// At least one entry must look like a what-if change.
	for _, c := range changes.Items() {
		if _, ok := c.Get("changeType"); ok {
			return true
		}
	}
	return false
}

func (p *ARMParser) Parse(content []byte) (*models.Plan, error) {
	doc, err := jsonval.Decode(content)
	if err != nil {
		return nil, &ParseError{Source: "arm", Err: err}
	}
	if doc.Kind() != jsonval.KindObject {
		return nil, &ParseError{Source: "arm", Err: fmt.Errorf("top-level document is not an object")}
	}

	plan := &models.Plan{SourceType: models.SourceARM}

	switch {
	case isARMTemplate(doc):
		p.parseTemplate(doc, plan)
	case isWhatIfResult(doc):
		p.parseWhatIf(doc, plan)
	default:
		return nil, &ParseError{Source: "arm", Err: fmt.Errorf("document is neither a template nor a what-if result")}
	}
	return plan, nil
}

func (p *ARMParser) parseTemplate(doc jsonval.Value, plan *models.Plan) {
	resources, _ := doc.Get("resources")

	// First pass collects resources so single-argument resourceId()
	// references can be resolved by name.
	var entries []templateEntry
	p.collectTemplateResources(resources, &entries, plan)

	byName := make(map[string]string, len(entries))
	for _, e := range entries {
		byName[e.name] = e.id
	}

	for _, e := range entries {
		plan.Resources = append(plan.Resources, e.resource)
	}
	for _, e := range entries {
		p.extractTemplateDependencies(e, byName, plan)
	}
}

type templateEntry struct {
	id       string
	name     string
	raw      jsonval.Value
	resource models.Resource
}

func (p *ARMParser) collectTemplateResources(resources jsonval.Value, entries *[]templateEntry, plan *models.Plan) {
	for _, raw := range resources.Items() {
		rType := raw.Field("type").Str()
		name := raw.Field("name").Str()
		if rType == "" || name == "" {
			plan.Warnings = append(plan.Warnings, "skipped ARM resource with missing type or name")
			continue
		}

		id := rType + "/" + name
		props := raw.Field("properties")
		normalized := NormalizeResourceType(rType)

		tags := make(map[string]string)
		if t, ok := raw.Get("tags"); ok {
			mergeTags(tags, t)
		}
		if t, ok := props.Get("tags"); ok {
			mergeTags(tags, t)
		}
		if len(tags) == 0 {
			tags = nil
		}

		metadata := map[string]jsonval.Value{
			"arm_type": jsonval.String(rType),
			"name":     jsonval.String(name),
		}
		if loc := raw.Field("location").Str(); loc != "" {
			metadata["location"] = jsonval.String(loc)
		}

		*entries = append(*entries, templateEntry{
			id:   id,
			name: name,
			raw:  raw,
			resource: models.Resource{
				IaCID:         id,
				ResourceType:  normalized,
				CloudProvider: ProviderForType(normalized),
				Properties:    props,
				Tags:          tags,
				Metadata:      metadata,
				ChangeType:    models.ChangeCreate,
			},
		})

		// Nested child resources.
		if nested, ok := raw.Get("resources"); ok && nested.Kind() == jsonval.KindArray {
			p.collectTemplateResources(nested, entries, plan)
		}
	}
}

func (p *ARMParser) extractTemplateDependencies(e templateEntry, byName map[string]string, plan *models.Plan) {
	if dependsOn, ok := e.raw.Get("dependsOn"); ok && dependsOn.Kind() == jsonval.KindArray {
		for _, d := range dependsOn.Items() {
			if target := resolveARMReference(d.Str(), byName); target != "" {
				plan.Dependencies = append(plan.Dependencies, models.Dependency{
					SourceID:       e.id,
					TargetID:       target,
					DependencyType: models.DependencyExplicit,
				})
			}
		}
	}
	p.scanBracketExpressions(e.raw.Field("properties"), e.id, "", byName, plan)
}

// scanBracketExpressions walks property values looking for
// [resourceId(...)] patterns, including those nested inside concat().
func (p *ARMParser) scanBracketExpressions(v jsonval.Value, source, path string, byName map[string]string, plan *models.Plan) {
	switch v.Kind() {
	case jsonval.KindString:
		s := v.Str()
		if !strings.HasPrefix(s, "[") || !strings.Contains(s, "resourceId") {
			return
		}
		for _, target := range resourceIDTargets(s, byName) {
			plan.Dependencies = append(plan.Dependencies, models.Dependency{
				SourceID:       source,
				TargetID:       target,
				DependencyType: models.DependencyReference,
				PropertyPath:   path,
			})
		}
	case jsonval.KindObject:
		for _, key := range v.Keys() {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			p.scanBracketExpressions(v.Field(key), source, childPath, byName, plan)
		}
	case jsonval.KindArray:
		for _, item := range v.Items() {
			p.scanBracketExpressions(item, source, path, byName, plan)
		}
	}
}

// resourceIDPattern captures the argument list of a resourceId() call.
// Arguments never contain parentheses, so the match cannot run away on
// malformed bracket expressions.
var resourceIDPattern = regexp.MustCompile(`resourceId\(([^()]*)\)`)

var armQuotedArg = regexp.MustCompile(`'([^']*)'`)

// resourceIDTargets extracts dependency targets from every
// resourceId() occurrence inside one bracket expression. Unmatched or
// unresolvable patterns yield nothing; this scanner never fails.
func resourceIDTargets(expr string, byName map[string]string) []string {
	var targets []string
	for _, m := range resourceIDPattern.FindAllStringSubmatch(expr, -1) {
		args := armQuotedArg.FindAllStringSubmatch(m[1], -1)
		switch {
		case len(args) >= 2:
			rType := args[0][1]
			name := args[len(args)-1][1]
			if rType != "" && name != "" {
				targets = append(targets, rType+"/"+name)
			}
		case len(args) == 1:
			if id, ok := byName[args[0][1]]; ok {
				targets = append(targets, id)
			}
		}
	}
	return targets
}

// resolveARMReference handles the shapes found in dependsOn entries:
// a bracket expression, a full "{type}/{name}" id, or a bare name.
func resolveARMReference(ref string, byName map[string]string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "[") {
		if targets := resourceIDTargets(ref, byName); len(targets) > 0 {
			return targets[0]
		}
		return ""
	}
	if id, ok := byName[ref]; ok {
		return id
	}
	if strings.Contains(ref, "/") {
		return ref
	}
	return ""
}

func (p *ARMParser) parseWhatIf(doc jsonval.Value, plan *models.Plan) {
	changes, _ := doc.Get("changes")
	for _, change := range changes.Items() {
		resourceID := change.Field("resourceId").Str()
		changeType := armChangeType(change.Field("changeType").Str())

		var props jsonval.Value
		switch changeType {
		case models.ChangeCreate, models.ChangeUpdate:
			props = change.Field("after")
		default:
			props = change.Field("before")
		}

		rType := props.Field("type").Str()
		name := props.Field("name").Str()
		if rType == "" || name == "" {
			var ok bool
			rType, name, ok = splitAzureResourceID(resourceID)
			if !ok {
				plan.Warnings = append(plan.Warnings,
					"skipped what-if change with unrecognized resource id: "+resourceID)
				continue
			}
		}

		id := rType + "/" + name
		normalized := NormalizeResourceType(rType)

		plan.Resources = append(plan.Resources, models.Resource{
			IaCID:         id,
			ResourceType:  normalized,
			CloudProvider: ProviderForType(normalized),
			Properties:    props.Field("properties"),
			Tags:          collectTags(props, "tags"),
			Metadata: map[string]jsonval.Value{
				"arm_type":    jsonval.String(rType),
				"resource_id": jsonval.String(resourceID),
			},
			ChangeType: changeType,
		})
	}
	// What-if results carry no dependency information.
}

func armChangeType(ct string) models.ChangeType {
	switch ct {
	case "Create":
		return models.ChangeCreate
	case "Modify":
		return models.ChangeUpdate
	case "Delete":
		return models.ChangeDelete
	case "NoChange", "Ignore":
		return models.ChangeNoChange
	default:
		return models.ChangeNoChange
	}
}

// splitAzureResourceID extracts "{type}" and "{name}" from a full
// ".../providers/Microsoft.X/kind/name" resource id.
func splitAzureResourceID(id string) (rType, name string, ok bool) {
	parts := strings.Split(id, "/")
	for i, part := range parts {
		if strings.EqualFold(part, "providers") && i+2 < len(parts) {
			segs := parts[i+1:]
			if len(segs) < 3 {
				return "", "", false
			}
			name = segs[len(segs)-1]
			rType = strings.Join(segs[:len(segs)-1], "/")
			return rType, name, true
		}
	}
	return "", "", false
}
