package parsers

import (
	"fmt"
	"strings"

	"github.com/qualys/iacguard/internal/jsonval"
	"github.com/qualys/iacguard/internal/models"
)

// CloudFormationParser handles CloudFormation templates in JSON or
// YAML form. Resource ids are namespaced with the "cloudformation:"
// prefix of the logical id.
type CloudFormationParser struct{}

func NewCloudFormationParser() *CloudFormationParser { return &CloudFormationParser{} }

func (p *CloudFormationParser) Source() models.SourceType { return models.SourceCloudFormation }

func (p *CloudFormationParser) Detect(content []byte) bool {
	doc, err := decodeTemplate(content)
	if err != nil || doc.Kind() != jsonval.KindObject {
		return false
	}
	resources, ok := doc.Get("Resources")
	if !ok || resources.Kind() != jsonval.KindObject {
		return false
	}
	if _, versioned := doc.Get("AWSTemplateFormatVersion"); versioned {
		return true
	}
	// Require at least one Type-carrying entry so arbitrary documents
	// with a Resources key are not claimed.
	for _, key := range resources.Keys() {
		if t := resources.Field(key).Field("Type").Str(); strings.Contains(t, "::") {
			return true
		}
	}
	return false
}

// decodeTemplate tries strict JSON first to keep key order, then YAML.
func decodeTemplate(content []byte) (jsonval.Value, error) {
	if v, err := jsonval.Decode(content); err == nil {
		return v, nil
	}
	return jsonval.DecodeYAML(content)
}

func (p *CloudFormationParser) Parse(content []byte) (*models.Plan, error) {
	doc, err := decodeTemplate(content)
	if err != nil {
		return nil, &ParseError{Source: "cloudformation", Err: err}
	}
	if doc.Kind() != jsonval.KindObject {
		return nil, &ParseError{Source: "cloudformation", Err: fmt.Errorf("top-level document is not an object")}
	}

	plan := &models.Plan{SourceType: models.SourceCloudFormation}

	resources, ok := doc.Get("Resources")
	if !ok || resources.Kind() != jsonval.KindObject {
		return nil, &ParseError{Source: "cloudformation", Err: fmt.Errorf("template has no Resources map")}
	}

	for _, logicalID := range resources.Keys() {
		p.parseResource(logicalID, resources.Field(logicalID), plan)
	}
	return plan, nil
}

func cfnID(logicalID string) string { return "cloudformation:" + logicalID }

func (p *CloudFormationParser) parseResource(logicalID string, raw jsonval.Value, plan *models.Plan) {
	rType := raw.Field("Type").Str()
	if logicalID == "" || rType == "" {
		plan.Warnings = append(plan.Warnings,
			"skipped CloudFormation resource with missing type or name: "+logicalID)
		return
	}

	id := cfnID(logicalID)
	props := raw.Field("Properties")
	normalized := NormalizeResourceType(rType)

	tags := collectTags(props, "Tags", "tags")

	plan.Resources = append(plan.Resources, models.Resource{
		IaCID:         id,
		ResourceType:  normalized,
		CloudProvider: ProviderForType(normalized),
		Properties:    props,
		Tags:          tags,
		Metadata: map[string]jsonval.Value{
			"logical_id":          jsonval.String(logicalID),
			"cloudformation_type": jsonval.String(rType),
		},
		ChangeType: models.ChangeCreate,
	})

	// Explicit DependsOn: a string or a list of strings.
	if dependsOn, ok := raw.Get("DependsOn"); ok {
		switch dependsOn.Kind() {
		case jsonval.KindString:
			p.addDependency(plan, id, dependsOn.Str(), models.DependencyExplicit, "")
		case jsonval.KindArray:
			for _, d := range dependsOn.Items() {
				p.addDependency(plan, id, d.Str(), models.DependencyExplicit, "")
			}
		}
	}

	p.walkIntrinsics(props, id, "", plan)
}

// walkIntrinsics recursively matches the closed set of recognized
// intrinsic-function shapes. Unknown Fn::* functions are walked
// generically; unrecognized shapes simply contribute nothing.
func (p *CloudFormationParser) walkIntrinsics(v jsonval.Value, source, path string, plan *models.Plan) {
	switch v.Kind() {
	case jsonval.KindObject:
		// Intrinsic functions appear as single-key objects.
		if v.Len() == 1 {
			key := v.Keys()[0]
			arg := v.Field(key)
			switch key {
			case "Ref":
				if target := arg.Str(); target != "" && !isPseudoParameter(target) {
					p.addDependency(plan, source, target, models.DependencyReference, path)
				}
				return
			case "Fn::GetAtt":
				p.matchGetAtt(arg, source, path, plan)
				return
			case "Fn::Join", "Fn::Split", "Fn::Sub", "Fn::Select", "Fn::If":
				p.walkIntrinsics(arg, source, path, plan)
				return
			}
		}
		for _, key := range v.Keys() {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			p.walkIntrinsics(v.Field(key), source, childPath, plan)
		}
	case jsonval.KindArray:
		for _, item := range v.Items() {
			p.walkIntrinsics(item, source, path, plan)
		}
	}
}

// matchGetAtt accepts both GetAtt forms: ["Bucket", "Arn"] and
// "Bucket.Arn".
func (p *CloudFormationParser) matchGetAtt(arg jsonval.Value, source, path string, plan *models.Plan) {
	var logicalID, attribute string

	switch arg.Kind() {
	case jsonval.KindArray:
		if arg.Len() < 1 {
			return
		}
		logicalID = arg.Index(0).Str()
		if arg.Len() > 1 {
			attribute = arg.Index(1).Str()
		}
	case jsonval.KindString:
		logicalID, attribute, _ = strings.Cut(arg.Str(), ".")
	default:
		return
	}

	if logicalID == "" {
		return
	}

	dep := models.Dependency{
		SourceID:       source,
		TargetID:       cfnID(logicalID),
		DependencyType: models.DependencyAttribute,
		PropertyPath:   path,
	}
	if attribute != "" {
		dep.Metadata = map[string]jsonval.Value{"attribute": jsonval.String(attribute)}
	}
	plan.Dependencies = append(plan.Dependencies, dep)
}

func (p *CloudFormationParser) addDependency(plan *models.Plan, source, targetLogicalID string, depType models.DependencyType, path string) {
	if targetLogicalID == "" {
		return
	}
	plan.Dependencies = append(plan.Dependencies, models.Dependency{
		SourceID:       source,
		TargetID:       cfnID(targetLogicalID),
		DependencyType: depType,
		PropertyPath:   path,
	})
}

// isPseudoParameter filters AWS::Region, AWS::AccountId and friends
// out of Ref targets.
func isPseudoParameter(name string) bool {
	return strings.HasPrefix(name, "AWS::")
}
