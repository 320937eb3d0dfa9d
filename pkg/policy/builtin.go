package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		resourceNamingPolicy(),
		bucketNamingPolicy(),
		deletionProtectionPolicy(),
		notebookImagePolicy(),
	}
}

// resourceNamingPolicy rejects display names that would be awkward to show
// or to pass through a shell.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Resource names have no surrounding whitespace or control characters",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming"},
		Rego: `package wsm.policies.naming

import rego.v1

deny contains violation if {
	name := input.resource.name
	trim_space(name) != name
	violation := {"message": sprintf("resource name %q has leading or trailing whitespace", [name])}
}

deny contains violation if {
	name := input.resource.name
	regex.match("[\\x00-\\x1f\\x7f]", name)
	violation := {"message": "resource name contains control characters"}
}`,
	}
}

// bucketNamingPolicy enforces the S3 bucket naming rules.
func bucketNamingPolicy() Policy {
	return Policy{
		Name:        "bucket-naming",
		Description: "Bucket names follow the S3 naming rules",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "bucket"},
		Rego: `package wsm.policies.bucket

import rego.v1

bucket_name := input.resource.attributes.bucketName if {
	input.resource.type == "BUCKET"
	input.resource.stewardship == "CONTROLLED"
}

# name is bound first so that "not" below only applies to buckets
deny contains violation if {
	name := bucket_name
	not regex.match("^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$", name)
	violation := {"message": sprintf("bucket name %q must be 3-63 lowercase letters, digits, dots or hyphens", [name])}
}

deny contains violation if {
	name := bucket_name
	contains(name, "..")
	violation := {"message": sprintf("bucket name %q must not contain adjacent dots", [name])}
}

deny contains violation if {
	name := bucket_name
	regex.match("^[0-9]+\\.[0-9]+\\.[0-9]+\\.[0-9]+$", name)
	violation := {"message": sprintf("bucket name %q must not look like an IP address", [name])}
}

deny contains violation if {
	name := bucket_name
	startswith(name, "xn--")
	violation := {"message": sprintf("bucket name %q must not start with xn--", [name])}
}`,
	}
}

// deletionProtectionPolicy blocks normal deletes of resources labelled
// protected=true. Force deletes of BROKEN resources are not affected.
func deletionProtectionPolicy() Policy {
	return Policy{
		Name:        "deletion-protection",
		Description: "Resources labelled protected=true cannot be deleted",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package wsm.policies.protection

import rego.v1

deny contains violation if {
	input.operation == "delete"
	input.resource.attributes.labels.protected == "true"
	violation := {"message": sprintf("resource %s is protected; remove the protected label first", [input.resource.resourceId])}
}`,
	}
}

// notebookImagePolicy warns about notebook images without a pinned tag.
func notebookImagePolicy() Policy {
	return Policy{
		Name:        "notebook-image-tag",
		Description: "Notebook images should be pinned to a tag or digest",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"notebook"},
		Rego: `package wsm.policies.notebook

import rego.v1

image := input.resource.attributes.image if input.resource.type == "NOTEBOOK"

deny contains violation if {
	endswith(image, ":latest")
	violation := {"message": sprintf("notebook image %q uses the latest tag", [image])}
}

deny contains violation if {
	img := image
	img != ""
	not contains(img, "@")
	not regex.match(":[^/]+$", img)
	violation := {"message": sprintf("notebook image %q has no tag", [img])}
}`,
	}
}
