// Package config loads the wsm service configuration and resource
// definition files.
//
// # Service configuration
//
// Load reads a YAML file, applies WSM_* environment overrides and validates
// the result:
//
//	database:
//	  path: /var/lib/wsm/wsm.db
//	cloud:
//	  provider: aws
//	  region: eu-west-1
//	retry:
//	  longSync:
//	    type: twoPhase
//	    initialInterval: 15s
//	    initialAttempts: 8
//	    longInterval: 3m
//	    longAttempts: 10
//	lifecycle:
//	  createFailure: broken
//	policy:
//	  paths: [/etc/wsm/policies]
//	  disabled: [notebook-image-tag]
//
// A Watcher reloads the retry section when the file changes and stores the
// new policies in a saga.PolicyHolder. Custom admission policies under
// policy.paths are watched separately by wsm serve. Other sections need a
// restart.
//
// # Resource definitions
//
// LoadDefinition reads a CUE, JSON or YAML file describing one resource and
// checks it against the built-in #Resource schema:
//
//	workspaceId: "ws-1"
//	name:        "logs"
//	type:        "BUCKET"
//	attributes: bucketName: "acme-logs"
//
// A missing resourceId is generated.
package config
