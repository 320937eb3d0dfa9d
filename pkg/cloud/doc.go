// Package cloud defines the narrow cloud APIs that resource tasks call and
// the error taxonomy every adapter reports through.
//
// Adapters live in subpackages: aws (S3, EC2, IAM), docker (notebook
// containers) and fake (in-memory, used by tests and local runs). Each
// adapter converts provider errors into *Error values so tasks can classify
// failures with Outcome, CreateOutcome, ClaimOutcome and DeleteOutcome
// without knowing which provider produced them.
//
// Every object created for a resource carries the LabelOwner label. A create
// that finds the name taken adopts the object only when that label names the
// same resource.
package cloud
