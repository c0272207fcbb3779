package parsers

import (
	"strings"

	"github.com/qualys/iacguard/internal/models"
)

// terraformProviders maps Terraform type prefixes to canonical
// provider segments.
var terraformProviders = map[string]string{
	"aws":        "aws",
	"azurerm":    "azure",
	"azuread":    "azure",
	"google":     "gcp",
	"gcp":        "gcp",
	"kubernetes": "kubernetes",
	"k8s":        "kubernetes",
}

// typeAliases covers common Terraform types whose service segment is
// not spelled out in the type name.
var typeAliases = map[string]string{
	"aws_instance":        "aws:ec2:instance",
	"aws_eip":             "aws:ec2:eip",
	"aws_ami":             "aws:ec2:ami",
	"aws_vpc":             "aws:vpc:vpc",
	"aws_subnet":          "aws:vpc:subnet",
	"aws_security_group":  "aws:ec2:securitygroup",
	"aws_db_instance":     "aws:rds:dbinstance",
	"aws_db_subnet_group": "aws:rds:subnetgroup",
}

// NormalizeResourceType maps a provider-specific type string to the
// canonical provider:service:resource form. The transform is
// idempotent: canonical input is returned unchanged.
func NormalizeResourceType(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	if isCanonical(raw) {
		return raw
	}

	if alias, ok := typeAliases[strings.ToLower(raw)]; ok {
		return alias
	}

	// CloudFormation style: AWS::S3::Bucket
	if strings.Contains(raw, "::") {
		parts := splitNonEmpty(raw, "::")
		provider := strings.ToLower(parts[0])
		if provider == "aws" && len(parts) >= 3 {
			return canonical("aws", parts[1], parts[2:])
		}
		return canonicalFromTokens(provider, parts[1:])
	}

	// ARM / GCP asset / Kubernetes style: Microsoft.Storage/storageAccounts
	if strings.Contains(raw, "/") {
		parts := splitNonEmpty(raw, "/")
		head := parts[0]
		switch {
		case strings.HasPrefix(strings.ToLower(head), "microsoft."):
			service := strings.TrimPrefix(strings.ToLower(head), "microsoft.")
			return canonical("azure", service, parts[1:])
		case strings.Contains(head, "googleapis.com"):
			service := strings.ToLower(strings.TrimSuffix(head, ".googleapis.com"))
			return canonical("gcp", service, parts[1:])
		default:
			return canonical("kubernetes", head, parts[1:])
		}
	}

	// Terraform style: aws_s3_bucket
	if strings.Contains(raw, "_") {
		parts := splitNonEmpty(raw, "_")
		if provider, ok := terraformProviders[strings.ToLower(parts[0])]; ok {
			return canonicalFromTokens(provider, parts[1:])
		}
		return canonicalFromTokens(strings.ToLower(parts[0]), parts[1:])
	}

	// Generic fallback: lowercase, strip remaining separators.
	stripped := strings.ToLower(strings.NewReplacer(".", "", "-", "", " ", "").Replace(raw))
	return canonicalFromTokens(stripped, nil)
}

// ProviderForType derives the cloud provider enum from a canonical
// resource type.
func ProviderForType(canonicalType string) models.CloudProvider {
	segment, _, _ := strings.Cut(canonicalType, ":")
	switch segment {
	case "aws":
		return models.ProviderAWS
	case "azure":
		return models.ProviderAzure
	case "gcp":
		return models.ProviderGCP
	case "kubernetes":
		return models.ProviderKubernetes
	}
	return models.ProviderMultiCloud
}

// isCanonical reports whether the type is already in
// provider:service:resource form.
func isCanonical(s string) bool {
	if strings.Count(s, ":") != 2 || strings.Contains(s, "::") {
		return false
	}
	if s != strings.ToLower(s) {
		return false
	}
	for _, part := range strings.Split(s, ":") {
		if part == "" {
			return false
		}
	}
	return true
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// canonical joins provider, service and the remaining tokens into an
// exactly-two-colon type, lowercased with separators stripped.
func canonical(provider, service string, rest []string) string {
	resource := strings.ToLower(strings.Join(rest, ""))
	resource = strings.NewReplacer("_", "", "-", "", ".", "").Replace(resource)
	service = strings.ToLower(strings.NewReplacer("_", "", "-", "", ".", "").Replace(service))
	if service == "" {
		service = "generic"
	}
	if resource == "" {
		resource = service
	}
	return provider + ":" + service + ":" + resource
}

func canonicalFromTokens(provider string, tokens []string) string {
	switch len(tokens) {
	case 0:
		return canonical(provider, provider, nil)
	case 1:
		return canonical(provider, tokens[0], tokens)
	default:
		return canonical(provider, tokens[0], tokens[1:])
	}
}
