package parsers

import (
	"fmt"
	"strings"

	"github.com/qualys/iacguard/internal/jsonval"
	"github.com/qualys/iacguard/internal/models"
)

// TerraformParser handles `terraform show -json` plan output and raw
// JSON configurations.
type TerraformParser struct{}

func NewTerraformParser() *TerraformParser { return &TerraformParser{} }

func (p *TerraformParser) Source() models.SourceType { return models.SourceTerraform }

func (p *TerraformParser) Detect(content []byte) bool {
	doc, err := jsonval.Decode(content)
	if err != nil || doc.Kind() != jsonval.KindObject {
		return false
	}
	for _, key := range []string{"planned_values", "resource_changes", "configuration", "terraform_version"} {
		if _, ok := doc.Get(key); ok {
			return true
		}
	}
	// Raw .tf.json configuration.
	if res, ok := doc.Get("resource"); ok && res.Kind() == jsonval.KindObject {
		return true
	}
	if _, ok := doc.Get("terraform"); ok {
		return true
	}
	return false
}

func (p *TerraformParser) Parse(content []byte) (*models.Plan, error) {
	doc, err := jsonval.Decode(content)
	if err != nil {
		return nil, &ParseError{Source: "terraform", Err: err}
	}
	if doc.Kind() != jsonval.KindObject {
		return nil, &ParseError{Source: "terraform", Err: fmt.Errorf("top-level document is not an object")}
	}

	plan := &models.Plan{SourceType: models.SourceTerraform}

	if p.isPlanDocument(doc) {
		p.parsePlanDocument(doc, plan)
	} else {
		p.parseConfiguration(doc, plan)
	}
	return plan, nil
}

func (p *TerraformParser) isPlanDocument(doc jsonval.Value) bool {
	for _, key := range []string{"planned_values", "resource_changes", "configuration"} {
		if _, ok := doc.Get(key); ok {
			return true
		}
	}
	return false
}

// parsePlanDocument merges planned_values (recursed through child
// modules) with resource_changes, keyed by address so no resource
// appears twice.
func (p *TerraformParser) parsePlanDocument(doc jsonval.Value, plan *models.Plan) {
	byAddress := make(map[string]int)

	addResource := func(res models.Resource) int {
		if idx, ok := byAddress[res.IaCID]; ok {
			return idx
		}
		plan.Resources = append(plan.Resources, res)
		byAddress[res.IaCID] = len(plan.Resources) - 1
		return len(plan.Resources) - 1
	}

	if pv, ok := doc.Get("planned_values"); ok {
		if root, ok := pv.Get("root_module"); ok {
			p.walkModule(root, "", plan, addResource)
		}
	}

	if changes, ok := doc.Get("resource_changes"); ok {
		for _, rc := range changes.Items() {
			p.applyResourceChange(rc, plan, byAddress, addResource)
		}
	}

	if cfg, ok := doc.Get("configuration"); ok {
		if root, ok := cfg.Get("root_module"); ok {
			p.extractConfigReferences(root, "", plan)
		}
	}

	// State trees carry reference-like strings the configuration does
	// not repeat (computed values, provider defaults).
	if changes, ok := doc.Get("resource_changes"); ok {
		for _, rc := range changes.Items() {
			address := rc.Field("address").Str()
			if address == "" {
				continue
			}
			if change, ok := rc.Get("change"); ok {
				p.scanStateReferences(change.Field("before"), address, "", plan)
				p.scanStateReferences(change.Field("after"), address, "", plan)
			}
		}
	}
}

// walkModule adds resources from one planned_values module, recursing
// through child_modules. modulePath is the dotted module address
// ("module.app.module.db"); resource addresses in terraform JSON
// already carry it, but it is reapplied when an entry omits its
// address.
func (p *TerraformParser) walkModule(mod jsonval.Value, modulePath string, plan *models.Plan, add func(models.Resource) int) {
	if resources, ok := mod.Get("resources"); ok {
		for _, raw := range resources.Items() {
			res, ok := p.plannedResource(raw, modulePath, plan)
			if ok {
				add(res)
			}
		}
	}
	if children, ok := mod.Get("child_modules"); ok {
		for _, child := range children.Items() {
			childPath := child.Field("address").Str()
			if childPath == "" {
				childPath = modulePath
			}
			p.walkModule(child, childPath, plan, add)
		}
	}
}

func (p *TerraformParser) plannedResource(raw jsonval.Value, modulePath string, plan *models.Plan) (models.Resource, bool) {
	rType := raw.Field("type").Str()
	name := raw.Field("name").Str()
	address := raw.Field("address").Str()

	if rType == "" || (name == "" && address == "") {
		plan.Warnings = append(plan.Warnings, "skipped planned resource with missing type or name")
		return models.Resource{}, false
	}

	if address == "" {
		address = rType + "." + name
		if modulePath != "" {
			address = modulePath + "." + address
		}
		if idx, ok := raw.Get("index"); ok && !idx.IsNull() {
			address += "[" + scalarString(idx) + "]"
		}
	}

	props := raw.Field("values")
	normalized := NormalizeResourceType(rType)

	metadata := map[string]jsonval.Value{
		"terraform_type": jsonval.String(rType),
	}
	if modulePath != "" {
		metadata["module"] = jsonval.String(modulePath)
	}
	if mode := raw.Field("mode").Str(); mode != "" {
		metadata["mode"] = jsonval.String(mode)
	}

	return models.Resource{
		IaCID:         address,
		ResourceType:  normalized,
		CloudProvider: ProviderForType(normalized),
		Properties:    props,
		Tags:          collectTags(props, "tags", "tags_all"),
		Metadata:      metadata,
		ChangeType:    models.ChangeNoChange,
	}, true
}

func (p *TerraformParser) applyResourceChange(rc jsonval.Value, plan *models.Plan, byAddress map[string]int, add func(models.Resource) int) {
	address := rc.Field("address").Str()
	rType := rc.Field("type").Str()
	if address == "" || rType == "" {
		plan.Warnings = append(plan.Warnings, "skipped resource change with missing type or address")
		return
	}

	changeType := models.ChangeNoChange
	change, hasChange := rc.Get("change")
	if hasChange {
		if actions, ok := change.Get("actions"); ok && actions.Len() > 0 {
			changeType = terraformChangeType(actions.Index(0).Str())
		}
	}

	var props jsonval.Value
	if hasChange {
		switch changeType {
		case models.ChangeCreate, models.ChangeUpdate:
			props = change.Field("after")
		default:
			props = change.Field("before")
		}
	}

	if idx, ok := byAddress[address]; ok {
		existing := plan.Resources[idx]
		existing.ChangeType = changeType
		if !props.IsNull() {
			existing.Properties = props
			existing.Tags = collectTags(props, "tags", "tags_all")
		}
		plan.Resources[idx] = existing
		return
	}

	normalized := NormalizeResourceType(rType)
	add(models.Resource{
		IaCID:         address,
		ResourceType:  normalized,
		CloudProvider: ProviderForType(normalized),
		Properties:    props,
		Tags:          collectTags(props, "tags", "tags_all"),
		Metadata: map[string]jsonval.Value{
			"terraform_type": jsonval.String(rType),
		},
		ChangeType: changeType,
	})
}

func terraformChangeType(action string) models.ChangeType {
	switch action {
	case "create":
		return models.ChangeCreate
	case "update":
		return models.ChangeUpdate
	case "delete":
		return models.ChangeDelete
	case "no-change", "no-op":
		return models.ChangeNoChange
	default:
		return models.ChangeNoChange
	}
}

// extractConfigReferences walks configuration modules emitting one
// dependency per expression reference.
func (p *TerraformParser) extractConfigReferences(mod jsonval.Value, modulePath string, plan *models.Plan) {
	if resources, ok := mod.Get("resources"); ok {
		for _, res := range resources.Items() {
			address := res.Field("address").Str()
			if address == "" {
				continue
			}
			if modulePath != "" && !strings.HasPrefix(address, modulePath) {
				address = modulePath + "." + address
			}
			if exprs, ok := res.Get("expressions"); ok {
				p.walkExpressions(exprs, address, "", plan)
			}
			if dependsOn, ok := res.Get("depends_on"); ok {
				for _, d := range dependsOn.Items() {
					p.addReference(plan, address, d.Str(), models.DependencyExplicit, "")
				}
			}
		}
	}
	if calls, ok := mod.Get("module_calls"); ok {
		for _, key := range calls.Keys() {
			call := calls.Field(key)
			childPath := "module." + key
			if modulePath != "" {
				childPath = modulePath + "." + childPath
			}
			if child, ok := call.Get("module"); ok {
				p.extractConfigReferences(child, childPath, plan)
			}
		}
	}
}

// walkExpressions finds "references" arrays anywhere under an
// expressions object.
func (p *TerraformParser) walkExpressions(v jsonval.Value, source, path string, plan *models.Plan) {
	switch v.Kind() {
	case jsonval.KindObject:
		for _, key := range v.Keys() {
			child := v.Field(key)
			if key == "references" && child.Kind() == jsonval.KindArray {
				for _, ref := range child.Items() {
					p.addReference(plan, source, ref.Str(), models.DependencyReference, path)
				}
				continue
			}
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			p.walkExpressions(child, source, childPath, plan)
		}
	case jsonval.KindArray:
		for _, item := range v.Items() {
			p.walkExpressions(item, source, path, plan)
		}
	}
}

// referencePrefixes are the address namespaces that mark a string as a
// terraform reference when found inside before/after state values.
var referencePrefixes = []string{
	"var.", "data.", "module.", "self.", "count.", "each.", "terraform.", "local.",
}

func (p *TerraformParser) scanStateReferences(v jsonval.Value, source, path string, plan *models.Plan) {
	switch v.Kind() {
	case jsonval.KindString:
		s := v.Str()
		for _, prefix := range referencePrefixes {
			if strings.HasPrefix(s, prefix) {
				p.addReference(plan, source, s, models.DependencyReference, path)
				return
			}
		}
	case jsonval.KindObject:
		for _, key := range v.Keys() {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			p.scanStateReferences(v.Field(key), source, childPath, plan)
		}
	case jsonval.KindArray:
		for _, item := range v.Items() {
			p.scanStateReferences(item, source, path, plan)
		}
	}
}

// addReference resolves a reference string to its target address and
// records the dependency. References into non-resource namespaces
// (variables, locals, meta-arguments) are kept but marked external so
// endpoint validation leaves them alone.
func (p *TerraformParser) addReference(plan *models.Plan, source, ref string, depType models.DependencyType, path string) {
	target, external := terraformRefTarget(ref)
	if target == "" || target == source {
		return
	}
	dep := models.Dependency{
		SourceID:       source,
		TargetID:       target,
		DependencyType: depType,
		PropertyPath:   path,
	}
	if external {
		dep.Metadata = map[string]jsonval.Value{"external": jsonval.Bool(true)}
	}
	plan.Dependencies = append(plan.Dependencies, dep)
}

// terraformRefTarget trims a reference expression down to the address
// of the thing it points at: "aws_s3_bucket.b.id" refers to
// "aws_s3_bucket.b", "module.app.aws_s3_bucket.b.arn" to
// "module.app.aws_s3_bucket.b".
func terraformRefTarget(ref string) (target string, external bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	parts := strings.Split(ref, ".")

	switch parts[0] {
	case "var", "local", "count", "each", "terraform", "self":
		if len(parts) < 2 {
			return ref, true
		}
		return parts[0] + "." + parts[1], true
	case "data":
		if len(parts) < 3 {
			return "", false
		}
		return strings.Join(parts[:3], "."), false
	case "module":
		if len(parts) < 2 {
			return "", false
		}
		// module.app alone, or module.app.<type>.<name>.
		if len(parts) >= 4 {
			return strings.Join(parts[:4], "."), false
		}
		return strings.Join(parts[:2], "."), true
	default:
		if len(parts) < 2 {
			return "", false
		}
		return parts[0] + "." + parts[1], false
	}
}

// parseConfiguration handles raw .tf.json documents: a "resource"
// object keyed by type then name. A bare configuration expresses
// intent to create.
func (p *TerraformParser) parseConfiguration(doc jsonval.Value, plan *models.Plan) {
	resources, ok := doc.Get("resource")
	if !ok || resources.Kind() != jsonval.KindObject {
		plan.Warnings = append(plan.Warnings, "terraform configuration has no resource blocks")
		return
	}

	for _, rType := range resources.Keys() {
		byName := resources.Field(rType)
		if byName.Kind() != jsonval.KindObject {
			plan.Warnings = append(plan.Warnings, "skipped malformed resource block "+rType)
			continue
		}
		for _, name := range byName.Keys() {
			props := byName.Field(name)
			address := rType + "." + name
			normalized := NormalizeResourceType(rType)
			plan.Resources = append(plan.Resources, models.Resource{
				IaCID:         address,
				ResourceType:  normalized,
				CloudProvider: ProviderForType(normalized),
				Properties:    props,
				Tags:          collectTags(props, "tags"),
				Metadata: map[string]jsonval.Value{
					"terraform_type": jsonval.String(rType),
				},
				ChangeType: models.ChangeCreate,
			})
			p.scanStateReferences(props, address, "", plan)
		}
	}
}
