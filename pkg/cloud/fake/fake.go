// Package fake provides an in-memory cloud for tests and local runs.
//
// Every call can be made to fail by queueing errors with FailNext, and
// eventual consistency can be simulated for identities and copies.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/fanout"
	"github.com/openfroyo/wsm/pkg/telemetry"
)

const providerName = "fake"

type bucket struct {
	info    cloud.BucketInfo
	objects map[string]cloud.ObjectRef
}

// Cloud implements every cloud API in memory. The zero value is not usable;
// call New.
type Cloud struct {
	mu sync.Mutex

	// CopyPolls is how many CopyStatus calls a copy stays in progress.
	CopyPolls int

	// VisibilityDelay is how many GetIdentity calls miss a new identity.
	VisibilityDelay int

	// PropagationDelay is how many AttachInstanceProfile calls fail with
	// NotFound for a new instance profile.
	PropagationDelay int

	region     string
	buckets    map[string]*bucket
	copies     map[string]int
	instances  map[string]*cloud.InstanceInfo
	tokens     map[string]string
	identities map[string]*cloud.IdentityInfo
	invisible  map[string]int
	pending    map[string]int
	notebooks  map[string]*cloud.NotebookInfo
	failures   map[string][]error
	calls      map[string]int
	nextID     int
}

// New returns an empty cloud in region.
func New(region string) *Cloud {
	return &Cloud{
		region:     region,
		buckets:    make(map[string]*bucket),
		copies:     make(map[string]int),
		instances:  make(map[string]*cloud.InstanceInfo),
		tokens:     make(map[string]string),
		identities: make(map[string]*cloud.IdentityInfo),
		invisible:  make(map[string]int),
		pending:    make(map[string]int),
		notebooks:  make(map[string]*cloud.NotebookInfo),
		failures:   make(map[string][]error),
		calls:      make(map[string]int),
	}
}

// Provider exposes the cloud through every API.
func (c *Cloud) Provider() *cloud.Provider {
	return &cloud.Provider{
		Name:       providerName,
		Region:     c.region,
		Buckets:    c,
		Instances:  c,
		Identities: c,
		Notebooks:  c,
	}
}

// FailNext makes the next len(errs) calls of op return errs in order.
func (c *Cloud) FailNext(op string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], errs...)
}

// Err builds a classified error as the provider would report it.
func Err(kind cloud.Kind, op string) error {
	return cloud.NewError(kind, providerName, op, fmt.Errorf("injected %s", kind))
}

// Calls returns how often op was invoked, failed calls included.
func (c *Cloud) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// do records the call and runs fn under the lock unless a failure is queued.
func (c *Cloud) do(ctx context.Context, op string, fn func() error) error {
	return telemetry.RecordCloudOperation(ctx, providerName, op, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return cloud.NewError(cloud.KindTimeout, providerName, op, err)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.calls[op]++
		if queued := c.failures[op]; len(queued) > 0 {
			c.failures[op] = queued[1:]
			return queued[0]
		}
		return fn()
	})
}

func notFound(op, format string, args ...interface{}) error {
	return cloud.NewError(cloud.KindNotFound, providerName, op, fmt.Errorf(format, args...))
}

func conflict(op, format string, args ...interface{}) error {
	return cloud.NewError(cloud.KindConflict, providerName, op, fmt.Errorf(format, args...))
}

func (c *Cloud) newID(prefix string) string {
	c.nextID++
	return fmt.Sprintf("%s-%06d", prefix, c.nextID)
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// PutObject stores an object directly, bypassing failure injection.
func (c *Cloud) PutObject(bucketName, key string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buckets[bucketName]; ok {
		b.objects[key] = cloud.ObjectRef{Bucket: bucketName, Key: key, Size: size}
	}
}

// Objects returns the keys stored in a bucket, sorted.
func (c *Cloud) Objects(bucketName string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[bucketName]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasBucket reports whether the bucket exists.
func (c *Cloud) HasBucket(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.buckets[name]
	return ok
}

// CreateBucket implements cloud.BucketAPI.
func (c *Cloud) CreateBucket(ctx context.Context, spec cloud.BucketSpec) error {
	return c.do(ctx, "CreateBucket", func() error {
		if _, ok := c.buckets[spec.Name]; ok {
			return conflict("CreateBucket", "bucket %s already exists", spec.Name)
		}
		region := spec.Region
		if region == "" {
			region = c.region
		}
		c.buckets[spec.Name] = &bucket{
			info: cloud.BucketInfo{
				Name:   spec.Name,
				Region: region,
				ARN:    "fake:bucket/" + spec.Name,
				Labels: copyLabels(spec.Labels),
			},
			objects: make(map[string]cloud.ObjectRef),
		}
		return nil
	})
}

// GetBucket implements cloud.BucketAPI.
func (c *Cloud) GetBucket(ctx context.Context, name string) (*cloud.BucketInfo, error) {
	var info cloud.BucketInfo
	err := c.do(ctx, "GetBucket", func() error {
		b, ok := c.buckets[name]
		if !ok {
			return notFound("GetBucket", "bucket %s", name)
		}
		info = b.info
		info.Labels = copyLabels(b.info.Labels)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// SetBucketLabels implements cloud.BucketAPI.
func (c *Cloud) SetBucketLabels(ctx context.Context, name string, labels map[string]string) error {
	return c.do(ctx, "SetBucketLabels", func() error {
		b, ok := c.buckets[name]
		if !ok {
			return notFound("SetBucketLabels", "bucket %s", name)
		}
		b.info.Labels = copyLabels(labels)
		return nil
	})
}

// DeleteBucket implements cloud.BucketAPI. Only empty buckets can be deleted.
func (c *Cloud) DeleteBucket(ctx context.Context, name string) error {
	return c.do(ctx, "DeleteBucket", func() error {
		b, ok := c.buckets[name]
		if !ok {
			return notFound("DeleteBucket", "bucket %s", name)
		}
		if len(b.objects) > 0 {
			return conflict("DeleteBucket", "bucket %s is not empty", name)
		}
		delete(c.buckets, name)
		return nil
	})
}

// ListObjects implements cloud.BucketAPI over a snapshot of the bucket.
func (c *Cloud) ListObjects(ctx context.Context, bucketName string) fanout.Source[cloud.ObjectRef] {
	var refs []cloud.ObjectRef
	err := c.do(ctx, "ListObjects", func() error {
		b, ok := c.buckets[bucketName]
		if !ok {
			return notFound("ListObjects", "bucket %s", bucketName)
		}
		for _, ref := range b.objects {
			refs = append(refs, ref)
		}
		return nil
	})
	if err != nil {
		return errSource{err: err}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key < refs[j].Key })
	return fanout.NewSliceSource(refs...)
}

// StartCopy implements cloud.BucketAPI.
func (c *Cloud) StartCopy(ctx context.Context, src cloud.ObjectRef, dstBucket string) (string, error) {
	id := dstBucket + "/" + src.Key
	err := c.do(ctx, "StartCopy", func() error {
		if _, ok := c.buckets[dstBucket]; !ok {
			return notFound("StartCopy", "bucket %s", dstBucket)
		}
		c.copies[id] = 0
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CopyStatus implements cloud.BucketAPI. A copy completes after CopyPolls
// calls.
func (c *Cloud) CopyStatus(ctx context.Context, src cloud.ObjectRef, dstBucket string) (fanout.Status, error) {
	status := fanout.StatusInProgress
	id := dstBucket + "/" + src.Key
	err := c.do(ctx, "CopyStatus", func() error {
		polls, ok := c.copies[id]
		if !ok {
			return notFound("CopyStatus", "copy %s", id)
		}
		if polls < c.CopyPolls {
			c.copies[id] = polls + 1
			return nil
		}
		b, ok := c.buckets[dstBucket]
		if !ok {
			return notFound("CopyStatus", "bucket %s", dstBucket)
		}
		b.objects[src.Key] = cloud.ObjectRef{Bucket: dstBucket, Key: src.Key, Size: src.Size, ETag: src.ETag}
		status = fanout.StatusSucceeded
		return nil
	})
	if err != nil {
		return fanout.StatusFailed, err
	}
	return status, nil
}

// DeleteObject implements cloud.BucketAPI.
func (c *Cloud) DeleteObject(ctx context.Context, bucketName, key string) error {
	return c.do(ctx, "DeleteObject", func() error {
		b, ok := c.buckets[bucketName]
		if !ok {
			return notFound("DeleteObject", "bucket %s", bucketName)
		}
		if _, ok := b.objects[key]; !ok {
			return notFound("DeleteObject", "object %s/%s", bucketName, key)
		}
		delete(b.objects, key)
		return nil
	})
}

type errSource struct {
	err error
}

func (s errSource) Next(context.Context) (cloud.ObjectRef, bool, error) {
	return cloud.ObjectRef{}, false, s.err
}
