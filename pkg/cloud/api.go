package cloud

import (
	"context"

	"github.com/openfroyo/wsm/pkg/fanout"
)

// BucketSpec describes a storage bucket.
type BucketSpec struct {
	Name         string            `json:"name"`
	Region       string            `json:"region,omitempty"`
	StorageClass string            `json:"storageClass,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// BucketInfo is what the provider reports about a bucket.
type BucketInfo struct {
	Name   string            `json:"name"`
	Region string            `json:"region,omitempty"`
	ARN    string            `json:"arn,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// ObjectRef names one object in a bucket.
type ObjectRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
	ETag   string `json:"etag,omitempty"`
}

// BucketAPI manages buckets and copies their objects.
type BucketAPI interface {
	// CreateBucket returns a KindConflict error when the caller already owns the bucket.
	CreateBucket(ctx context.Context, spec BucketSpec) error
	GetBucket(ctx context.Context, name string) (*BucketInfo, error)
	SetBucketLabels(ctx context.Context, name string, labels map[string]string) error
	DeleteBucket(ctx context.Context, name string) error

	// ListObjects enumerates a bucket lazily.
	ListObjects(ctx context.Context, bucket string) fanout.Source[ObjectRef]

	// StartCopy begins copying src into dstBucket under the same key and
	// returns an operation id.
	StartCopy(ctx context.Context, src ObjectRef, dstBucket string) (string, error)

	// CopyStatus reports the progress of a copy started by StartCopy.
	CopyStatus(ctx context.Context, src ObjectRef, dstBucket string) (fanout.Status, error)

	// DeleteObject removes one object; a missing object is NotFound.
	DeleteObject(ctx context.Context, bucket, key string) error
}

// InstanceSpec describes a virtual machine.
type InstanceSpec struct {
	Name         string            `json:"name"`
	ImageID      string            `json:"imageId"`
	InstanceType string            `json:"instanceType"`
	SubnetID     string            `json:"subnetId,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`

	// ClientToken makes creation idempotent: repeating a create with the
	// same token returns the instance created the first time.
	ClientToken string `json:"clientToken"`
}

// Instance states reported by InstanceInfo.State.
const (
	InstancePending    = "pending"
	InstanceRunning    = "running"
	InstanceStopping   = "stopping"
	InstanceStopped    = "stopped"
	InstanceTerminated = "terminated"
)

// InstanceInfo is what the provider reports about a virtual machine.
type InstanceInfo struct {
	ID                 string `json:"id"`
	State              string `json:"state"`
	InstanceType       string `json:"instanceType"`
	Region             string `json:"region,omitempty"`
	AvailabilityZone   string `json:"availabilityZone,omitempty"`
	PrivateIP          string `json:"privateIp,omitempty"`
	InstanceProfileARN string `json:"instanceProfileArn,omitempty"`
}

// InstanceAPI manages virtual machines.
type InstanceAPI interface {
	CreateInstance(ctx context.Context, spec InstanceSpec) (*InstanceInfo, error)
	GetInstance(ctx context.Context, id string) (*InstanceInfo, error)
	WaitForState(ctx context.Context, id, state string) error
	StartInstance(ctx context.Context, id string) error
	StopInstance(ctx context.Context, id string) error
	ResizeInstance(ctx context.Context, id, instanceType string) error

	// AttachInstanceProfile fails with KindBadRequest or KindNotFound while
	// a freshly created profile has not propagated yet.
	AttachInstanceProfile(ctx context.Context, id, profileName string) error
	TerminateInstance(ctx context.Context, id string) error
}

// IdentitySpec describes a service identity.
type IdentitySpec struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	TrustPolicy string            `json:"trustPolicy,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// IdentityInfo is what the provider reports about an identity.
type IdentityInfo struct {
	Name               string            `json:"name"`
	ID                 string            `json:"id,omitempty"`
	ARN                string            `json:"arn,omitempty"`
	Description        string            `json:"description,omitempty"`
	InstanceProfileARN string            `json:"instanceProfileArn,omitempty"`
	Labels             map[string]string `json:"labels,omitempty"`
}

// IdentityAPI manages service identities and their instance profiles.
type IdentityAPI interface {
	CreateIdentity(ctx context.Context, spec IdentitySpec) (*IdentityInfo, error)
	GetIdentity(ctx context.Context, name string) (*IdentityInfo, error)
	UpdateIdentityDescription(ctx context.Context, name, description string) error
	DeleteIdentity(ctx context.Context, name string) error
}

// NotebookSpec describes an interactive notebook server.
type NotebookSpec struct {
	Name   string            `json:"name"`
	Image  string            `json:"image"`
	Port   int               `json:"port,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// NotebookInfo is what the provider reports about a notebook.
type NotebookInfo struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Image    string            `json:"image"`
	Running  bool              `json:"running"`
	HostPort string            `json:"hostPort,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// NotebookAPI manages notebook servers.
type NotebookAPI interface {
	CreateNotebook(ctx context.Context, spec NotebookSpec) (*NotebookInfo, error)
	GetNotebook(ctx context.Context, name string) (*NotebookInfo, error)
	StartNotebook(ctx context.Context, name string) error
	StopNotebook(ctx context.Context, name string) error
	DeleteNotebook(ctx context.Context, name string) error
}

// Provider bundles the APIs of one cloud. Any field may be nil when the
// provider does not support that resource type.
type Provider struct {
	Name       string
	Region     string
	Buckets    BucketAPI
	Instances  InstanceAPI
	Identities IdentityAPI
	Notebooks  NotebookAPI
}
