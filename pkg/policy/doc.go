// Package policy provides Open Policy Agent (OPA) admission policies for
// resource requests.
//
// Before a create, update, delete or clone run is started, the request is
// described as an Input document and evaluated by every enabled policy. A
// policy is a Rego module whose package defines a "deny" set; each entry is
// either a message or an object with "message" and optional "severity".
// Entries of severity error or critical reject the request with a
// *DeniedError (errors.Is(err, ErrDenied)); warnings are only reported.
//
// # Input
//
//	{
//	  "operation": "create",
//	  "resource": {
//	    "workspaceId": "ws-1",
//	    "resourceId": "6f1c2d40-...",
//	    "name": "logs",
//	    "type": "BUCKET",
//	    "stewardship": "CONTROLLED",
//	    "attributes": {"bucketName": "acme-logs"}
//	  },
//	  "previous": {...},   // update only: the attributes being replaced
//	  "source": {...},     // clone only: the resource being copied
//	  "timestamp": "..."
//	}
//
// # Built-in policies
//
//   - resource-naming: names without surrounding whitespace or control characters
//   - bucket-naming: S3 bucket naming rules for controlled buckets
//   - deletion-protection: resources labelled protected=true cannot be deleted
//   - notebook-image-tag: warns about unpinned notebook images
//
// # Custom policies
//
// Custom policies are loaded from .rego and .json files:
//
//	engine, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := engine.LoadPolicies(ctx, []string{"/etc/wsm/policies"}); err != nil {
//	    return err
//	}
//
// A Rego file sets its severity in its header:
//
//	# Buckets must carry a team label.
//	# severity: error
//	package wsm.custom.labels
//
//	import rego.v1
//
//	deny contains "buckets need a team label" if {
//	    input.resource.type == "BUCKET"
//	    not input.resource.attributes.labels.team
//	}
//
// Loader.Watch reloads the files on change; a set that fails to load or
// compile leaves the previous one in place.
package policy
