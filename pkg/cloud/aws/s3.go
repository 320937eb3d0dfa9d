package aws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/fanout"
)

// s3API is the subset of *s3.Client the adapter uses.
type s3API interface {
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	GetBucketTagging(ctx context.Context, in *s3.GetBucketTaggingInput, opts ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error)
	PutBucketTagging(ctx context.Context, in *s3.PutBucketTaggingInput, opts ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error)
	DeleteBucketTagging(ctx context.Context, in *s3.DeleteBucketTaggingInput, opts ...func(*s3.Options)) (*s3.DeleteBucketTaggingOutput, error)
	DeleteBucket(ctx context.Context, in *s3.DeleteBucketInput, opts ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Buckets implements cloud.BucketAPI on S3.
type Buckets struct {
	client s3API
	region string
}

func newBuckets(client s3API, region string) *Buckets {
	return &Buckets{client: client, region: region}
}

// CreateBucket creates the bucket in the spec's region, or the adapter's.
func (b *Buckets) CreateBucket(ctx context.Context, spec cloud.BucketSpec) error {
	region := spec.Region
	if region == "" {
		region = b.region
	}
	in := &s3.CreateBucketInput{Bucket: aws.String(spec.Name)}
	// us-east-1 rejects an explicit location constraint
	if region != "" && region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}
	err := call(ctx, "CreateBucket", func(ctx context.Context) error {
		_, err := b.client.CreateBucket(ctx, in)
		return err
	})
	if err != nil {
		if !cloud.IsConflict(err) {
			return err
		}
		// a previous attempt may have stopped between creating and tagging
		ok, terr := b.retaggable(ctx, spec.Name, spec.Labels[cloud.LabelOwner])
		if terr != nil {
			return terr
		}
		if !ok {
			return err
		}
	}
	if len(spec.Labels) > 0 {
		if terr := b.SetBucketLabels(ctx, spec.Name, spec.Labels); terr != nil {
			return terr
		}
	}
	return err
}

// retaggable reports whether an existing bucket may take the tags of a
// create for owner: it has no owner tag yet, or the same one.
func (b *Buckets) retaggable(ctx context.Context, name, owner string) (bool, error) {
	info, err := b.GetBucket(ctx, name)
	if err != nil {
		return false, err
	}
	current, ok := info.Labels[cloud.LabelOwner]
	return !ok || current == owner, nil
}

// GetBucket returns the bucket's region and labels.
func (b *Buckets) GetBucket(ctx context.Context, name string) (*cloud.BucketInfo, error) {
	var head *s3.HeadBucketOutput
	err := call(ctx, "HeadBucket", func(ctx context.Context) error {
		var err error
		head, err = b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
		return err
	})
	if err != nil {
		return nil, err
	}

	info := &cloud.BucketInfo{
		Name:   name,
		Region: aws.ToString(head.BucketRegion),
		ARN:    "arn:aws:s3:::" + name,
		Labels: map[string]string{},
	}

	var tagging *s3.GetBucketTaggingOutput
	err = call(ctx, "GetBucketTagging", func(ctx context.Context) error {
		var err error
		tagging, err = b.client.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: aws.String(name)})
		return err
	})
	switch {
	case err == nil:
		for _, tag := range tagging.TagSet {
			info.Labels[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
		}
	case isNoTagSet(err):
	default:
		return nil, err
	}
	return info, nil
}

// SetBucketLabels replaces every tag on the bucket.
func (b *Buckets) SetBucketLabels(ctx context.Context, name string, labels map[string]string) error {
	if len(labels) == 0 {
		return call(ctx, "DeleteBucketTagging", func(ctx context.Context) error {
			_, err := b.client.DeleteBucketTagging(ctx, &s3.DeleteBucketTaggingInput{Bucket: aws.String(name)})
			return err
		})
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tags := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(labels[k])})
	}

	return call(ctx, "PutBucketTagging", func(ctx context.Context) error {
		_, err := b.client.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
			Bucket:  aws.String(name),
			Tagging: &types.Tagging{TagSet: tags},
		})
		return err
	})
}

// DeleteBucket deletes an empty bucket.
func (b *Buckets) DeleteBucket(ctx context.Context, name string) error {
	return call(ctx, "DeleteBucket", func(ctx context.Context) error {
		_, err := b.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)})
		return err
	})
}

// ListObjects pages through the bucket as objects are consumed.
func (b *Buckets) ListObjects(_ context.Context, bucket string) fanout.Source[cloud.ObjectRef] {
	return &objectSource{
		bucket:    bucket,
		paginator: s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}),
	}
}

// StartCopy issues a server-side copy. S3 copies objects up to 5 GiB in a
// single request; CopyStatus confirms the destination is visible.
func (b *Buckets) StartCopy(ctx context.Context, src cloud.ObjectRef, dstBucket string) (string, error) {
	var out *s3.CopyObjectOutput
	err := call(ctx, "CopyObject", func(ctx context.Context) error {
		var err error
		out, err = b.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(dstBucket),
			Key:        aws.String(src.Key),
			CopySource: aws.String(src.Bucket + "/" + url.PathEscape(src.Key)),
		})
		return err
	})
	if err != nil {
		return "", err
	}
	id := fmt.Sprintf("s3://%s/%s", dstBucket, src.Key)
	if v := aws.ToString(out.VersionId); v != "" {
		id += "?versionId=" + v
	}
	return id, nil
}

// CopyStatus reports Succeeded once the destination object exists with the
// source's size.
func (b *Buckets) CopyStatus(ctx context.Context, src cloud.ObjectRef, dstBucket string) (fanout.Status, error) {
	var head *s3.HeadObjectOutput
	err := call(ctx, "HeadObject", func(ctx context.Context) error {
		var err error
		head, err = b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(dstBucket),
			Key:    aws.String(src.Key),
		})
		return err
	})
	switch {
	case cloud.IsNotFound(err):
		return fanout.StatusInProgress, nil
	case err != nil:
		if cloud.Outcome(err).IsRetryable() {
			return fanout.StatusInProgress, nil
		}
		return fanout.StatusFailed, err
	}
	if aws.ToInt64(head.ContentLength) != src.Size {
		return fanout.StatusInProgress, nil
	}
	return fanout.StatusSucceeded, nil
}

// DeleteObject removes one object. S3 reports success for a missing key.
func (b *Buckets) DeleteObject(ctx context.Context, bucket, key string) error {
	return call(ctx, "DeleteObject", func(ctx context.Context) error {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		return err
	})
}

// isNoTagSet reports whether GetBucketTagging failed because the bucket has no tags.
func isNoTagSet(err error) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "NoSuchTagSet"
}

// objectSource adapts the ListObjectsV2 paginator to fanout.Source.
type objectSource struct {
	bucket    string
	paginator *s3.ListObjectsV2Paginator
	page      []types.Object
}

func (s *objectSource) Next(ctx context.Context) (cloud.ObjectRef, bool, error) {
	for len(s.page) == 0 {
		if !s.paginator.HasMorePages() {
			return cloud.ObjectRef{}, false, nil
		}
		var out *s3.ListObjectsV2Output
		err := call(ctx, "ListObjectsV2", func(ctx context.Context) error {
			var err error
			out, err = s.paginator.NextPage(ctx)
			return err
		})
		if err != nil {
			return cloud.ObjectRef{}, false, err
		}
		s.page = out.Contents
	}

	obj := s.page[0]
	s.page = s.page[1:]
	return cloud.ObjectRef{
		Bucket: s.bucket,
		Key:    aws.ToString(obj.Key),
		Size:   aws.ToInt64(obj.Size),
		ETag:   aws.ToString(obj.ETag),
	}, true, nil
}
