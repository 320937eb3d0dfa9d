package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/fanout"
)

func apiErr(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want cloud.Kind
	}{
		{"not found", apiErr("NoSuchBucket"), cloud.KindNotFound},
		{"owned by caller", apiErr("BucketAlreadyOwnedByYou"), cloud.KindConflict},
		{"owned by someone else", apiErr("BucketAlreadyExists"), cloud.KindBadRequest},
		{"throttled", apiErr("SlowDown"), cloud.KindThrottled},
		{"server", apiErr("InternalError"), cloud.KindServerError},
		{"unmapped code", apiErr("SomethingNew"), cloud.KindUnknown},
		{"deadline", context.DeadlineExceeded, cloud.KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("Op", tt.err)
			assert.Equal(t, tt.want, cloud.KindOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestClassifyKeepsCloudErrors(t *testing.T) {
	orig := cloud.NewError(cloud.KindConflict, "aws", "First", errors.New("boom"))
	assert.Same(t, orig, classify("Second", orig))
	assert.NoError(t, classify("Op", nil))
}

type stubS3 struct {
	s3API

	created    *s3.CreateBucketInput
	createErr  error
	tags       []s3types.Tag
	tagErr     error
	putTagging *s3.PutBucketTaggingInput
	pages      [][]s3types.Object
	headSize   int64
	headErr    error
}

func (s *stubS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	s.created = in
	return &s3.CreateBucketOutput{}, s.createErr
}

func (s *stubS3) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{BucketRegion: aws.String("eu-west-1")}, nil
}

func (s *stubS3) GetBucketTagging(_ context.Context, _ *s3.GetBucketTaggingInput, _ ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error) {
	if s.tagErr != nil {
		return nil, s.tagErr
	}
	return &s3.GetBucketTaggingOutput{TagSet: s.tags}, nil
}

func (s *stubS3) PutBucketTagging(_ context.Context, in *s3.PutBucketTaggingInput, _ ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error) {
	s.putTagging = in
	return &s3.PutBucketTaggingOutput{}, nil
}

func (s *stubS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	page := 0
	if in.ContinuationToken != nil {
		page = len(aws.ToString(in.ContinuationToken))
	}
	out := &s3.ListObjectsV2Output{Contents: s.pages[page]}
	if page+1 < len(s.pages) {
		// the token length encodes the next page index
		token := make([]byte, page+1)
		for i := range token {
			token[i] = 'x'
		}
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(string(token))
	}
	return out, nil
}

func (s *stubS3) HeadObject(_ context.Context, _ *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if s.headErr != nil {
		return nil, s.headErr
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(s.headSize)}, nil
}

func TestCreateBucket(t *testing.T) {
	ctx := context.Background()

	t.Run("sets location and labels", func(t *testing.T) {
		stub := &stubS3{}
		b := newBuckets(stub, "eu-west-1")
		err := b.CreateBucket(ctx, cloud.BucketSpec{Name: "data", Labels: map[string]string{"b": "2", "a": "1"}})
		require.NoError(t, err)

		require.NotNil(t, stub.created.CreateBucketConfiguration)
		assert.Equal(t, s3types.BucketLocationConstraint("eu-west-1"), stub.created.CreateBucketConfiguration.LocationConstraint)
		require.NotNil(t, stub.putTagging)
		require.Len(t, stub.putTagging.Tagging.TagSet, 2)
		assert.Equal(t, "a", aws.ToString(stub.putTagging.Tagging.TagSet[0].Key))
	})

	t.Run("us-east-1 has no location constraint", func(t *testing.T) {
		stub := &stubS3{}
		require.NoError(t, newBuckets(stub, "us-east-1").CreateBucket(ctx, cloud.BucketSpec{Name: "data"}))
		assert.Nil(t, stub.created.CreateBucketConfiguration)
		assert.Nil(t, stub.putTagging)
	})

	t.Run("already owned is a conflict", func(t *testing.T) {
		stub := &stubS3{createErr: apiErr("BucketAlreadyOwnedByYou"), tagErr: apiErr("NoSuchTagSet")}
		err := newBuckets(stub, "us-east-1").CreateBucket(ctx, cloud.BucketSpec{Name: "data"})
		assert.True(t, cloud.IsConflict(err))
		assert.True(t, cloud.CreateOutcome(err).IsSuccess())
	})

	t.Run("already owned still gets its tags", func(t *testing.T) {
		stub := &stubS3{createErr: apiErr("BucketAlreadyOwnedByYou"), tagErr: apiErr("NoSuchTagSet")}
		labels := cloud.OwnedLabels(map[string]string{"team": "a"}, "r-1")
		err := newBuckets(stub, "us-east-1").CreateBucket(ctx, cloud.BucketSpec{Name: "data", Labels: labels})
		assert.True(t, cloud.IsConflict(err))

		require.NotNil(t, stub.putTagging)
		tags := map[string]string{}
		for _, tag := range stub.putTagging.Tagging.TagSet {
			tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
		}
		assert.Equal(t, labels, tags)
	})

	t.Run("bucket of another resource keeps its tags", func(t *testing.T) {
		stub := &stubS3{
			createErr: apiErr("BucketAlreadyOwnedByYou"),
			tags:      []s3types.Tag{{Key: aws.String(cloud.LabelOwner), Value: aws.String("r-2")}},
		}
		labels := cloud.OwnedLabels(nil, "r-1")
		err := newBuckets(stub, "us-east-1").CreateBucket(ctx, cloud.BucketSpec{Name: "data", Labels: labels})
		assert.True(t, cloud.IsConflict(err))
		assert.Nil(t, stub.putTagging)
	})
}

func TestGetBucketWithoutTags(t *testing.T) {
	stub := &stubS3{tagErr: apiErr("NoSuchTagSet")}
	info, err := newBuckets(stub, "eu-west-1").GetBucket(context.Background(), "data")
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", info.Region)
	assert.Equal(t, "arn:aws:s3:::data", info.ARN)
	assert.Empty(t, info.Labels)
}

func TestListObjectsPages(t *testing.T) {
	stub := &stubS3{pages: [][]s3types.Object{
		{{Key: aws.String("a"), Size: aws.Int64(1)}, {Key: aws.String("b/"), Size: aws.Int64(0)}},
		{{Key: aws.String("c"), Size: aws.Int64(3)}},
	}}
	src := newBuckets(stub, "").ListObjects(context.Background(), "data")

	var keys []string
	for {
		ref, ok, err := src.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		assert.Equal(t, "data", ref.Bucket)
		keys = append(keys, ref.Key)
	}
	assert.Equal(t, []string{"a", "b/", "c"}, keys)
}

func TestCopyStatus(t *testing.T) {
	ctx := context.Background()
	src := cloud.ObjectRef{Bucket: "src", Key: "k", Size: 10}

	tests := []struct {
		name    string
		stub    *stubS3
		want    fanout.Status
		wantErr bool
	}{
		{"copied", &stubS3{headSize: 10}, fanout.StatusSucceeded, false},
		{"partial", &stubS3{headSize: 4}, fanout.StatusInProgress, false},
		{"not visible yet", &stubS3{headErr: apiErr("NotFound")}, fanout.StatusInProgress, false},
		{"throttled", &stubS3{headErr: apiErr("SlowDown")}, fanout.StatusInProgress, false},
		{"denied", &stubS3{headErr: apiErr("AccessDenied")}, fanout.StatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, err := newBuckets(tt.stub, "").CopyStatus(ctx, src, "dst")
			assert.Equal(t, tt.want, status)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

type stubEC2 struct {
	ec2API

	run        *ec2.RunInstancesInput
	instance   ec2types.Instance
	associated *ec2.AssociateIamInstanceProfileInput
	resized    *ec2.ModifyInstanceAttributeInput
}

func (s *stubEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	s.run = in
	return &ec2.RunInstancesOutput{Instances: []ec2types.Instance{s.instance}}, nil
}

func (s *stubEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if in.InstanceIds[0] != aws.ToString(s.instance.InstanceId) {
		return &ec2.DescribeInstancesOutput{}, nil
	}
	return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{s.instance}}}}, nil
}

func (s *stubEC2) AssociateIamInstanceProfile(_ context.Context, in *ec2.AssociateIamInstanceProfileInput, _ ...func(*ec2.Options)) (*ec2.AssociateIamInstanceProfileOutput, error) {
	s.associated = in
	return &ec2.AssociateIamInstanceProfileOutput{}, nil
}

func (s *stubEC2) ModifyInstanceAttribute(_ context.Context, in *ec2.ModifyInstanceAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error) {
	s.resized = in
	return &ec2.ModifyInstanceAttributeOutput{}, nil
}

func newStubInstance() ec2types.Instance {
	return ec2types.Instance{
		InstanceId:   aws.String("i-123"),
		InstanceType: ec2types.InstanceTypeT3Micro,
		State:        &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
		Placement:    &ec2types.Placement{AvailabilityZone: aws.String("eu-west-1b")},
	}
}

func TestCreateInstance(t *testing.T) {
	stub := &stubEC2{instance: newStubInstance()}
	info, err := newInstances(stub, "eu-west-1").CreateInstance(context.Background(), cloud.InstanceSpec{
		Name:         "vm",
		ImageID:      "ami-1",
		InstanceType: "t3.micro",
		ClientToken:  "run-1",
		Labels:       map[string]string{"team": "data"},
	})
	require.NoError(t, err)

	assert.Equal(t, "run-1", aws.ToString(stub.run.ClientToken))
	assert.Equal(t, int32(1), aws.ToInt32(stub.run.MinCount))
	require.Len(t, stub.run.TagSpecifications, 1)
	assert.Len(t, stub.run.TagSpecifications[0].Tags, 2)

	assert.Equal(t, "i-123", info.ID)
	assert.Equal(t, cloud.InstanceRunning, info.State)
	assert.Equal(t, "eu-west-1", info.Region)
	assert.Equal(t, "eu-west-1b", info.AvailabilityZone)
}

func TestGetInstanceMissing(t *testing.T) {
	stub := &stubEC2{instance: newStubInstance()}
	_, err := newInstances(stub, "").GetInstance(context.Background(), "i-other")
	assert.True(t, cloud.IsNotFound(err))
}

func TestAttachInstanceProfile(t *testing.T) {
	ctx := context.Background()

	t.Run("associates when none attached", func(t *testing.T) {
		stub := &stubEC2{instance: newStubInstance()}
		require.NoError(t, newInstances(stub, "").AttachInstanceProfile(ctx, "i-123", "vm-profile"))
		require.NotNil(t, stub.associated)
		assert.Equal(t, "vm-profile", aws.ToString(stub.associated.IamInstanceProfile.Name))
	})

	t.Run("skips when already attached", func(t *testing.T) {
		inst := newStubInstance()
		inst.IamInstanceProfile = &ec2types.IamInstanceProfile{Arn: aws.String("arn:profile")}
		stub := &stubEC2{instance: inst}
		require.NoError(t, newInstances(stub, "").AttachInstanceProfile(ctx, "i-123", "vm-profile"))
		assert.Nil(t, stub.associated)
	})
}

func TestResizeInstance(t *testing.T) {
	stub := &stubEC2{instance: newStubInstance()}
	require.NoError(t, newInstances(stub, "").ResizeInstance(context.Background(), "i-123", "m5.large"))
	assert.Equal(t, "m5.large", aws.ToString(stub.resized.InstanceType.Value))
}

func TestWaitForUnsupportedState(t *testing.T) {
	err := newInstances(&stubEC2{}, "").WaitForState(context.Background(), "i-123", cloud.InstanceStopping)
	assert.Equal(t, cloud.KindBadRequest, cloud.KindOf(err))
}

type stubIAM struct {
	iamAPI

	roleErr    error
	profileErr error
	roleAdded  bool
	hasRole    bool
	roleTags   []iamtypes.Tag
	calls      []string
}

func (s *stubIAM) CreateRole(_ context.Context, _ *iam.CreateRoleInput, _ ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	s.calls = append(s.calls, "CreateRole")
	return &iam.CreateRoleOutput{}, s.roleErr
}

func (s *stubIAM) CreateInstanceProfile(_ context.Context, _ *iam.CreateInstanceProfileInput, _ ...func(*iam.Options)) (*iam.CreateInstanceProfileOutput, error) {
	s.calls = append(s.calls, "CreateInstanceProfile")
	return &iam.CreateInstanceProfileOutput{}, s.profileErr
}

func (s *stubIAM) GetInstanceProfile(_ context.Context, in *iam.GetInstanceProfileInput, _ ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error) {
	profile := &iamtypes.InstanceProfile{
		InstanceProfileName: in.InstanceProfileName,
		Arn:                 aws.String("arn:aws:iam::1:instance-profile/" + aws.ToString(in.InstanceProfileName)),
	}
	if s.hasRole || s.roleAdded {
		profile.Roles = []iamtypes.Role{{RoleName: in.InstanceProfileName}}
	}
	return &iam.GetInstanceProfileOutput{InstanceProfile: profile}, nil
}

func (s *stubIAM) AddRoleToInstanceProfile(_ context.Context, _ *iam.AddRoleToInstanceProfileInput, _ ...func(*iam.Options)) (*iam.AddRoleToInstanceProfileOutput, error) {
	s.calls = append(s.calls, "AddRoleToInstanceProfile")
	s.roleAdded = true
	return &iam.AddRoleToInstanceProfileOutput{}, nil
}

func (s *stubIAM) GetRole(_ context.Context, in *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	return &iam.GetRoleOutput{Role: &iamtypes.Role{
		RoleName: in.RoleName,
		RoleId:   aws.String("AROA1"),
		Arn:      aws.String("arn:aws:iam::1:role/" + aws.ToString(in.RoleName)),
		Tags:     s.roleTags,
	}}, nil
}

func (s *stubIAM) RemoveRoleFromInstanceProfile(_ context.Context, _ *iam.RemoveRoleFromInstanceProfileInput, _ ...func(*iam.Options)) (*iam.RemoveRoleFromInstanceProfileOutput, error) {
	s.calls = append(s.calls, "RemoveRoleFromInstanceProfile")
	return nil, apiErr("NoSuchEntity")
}

func (s *stubIAM) DeleteInstanceProfile(_ context.Context, _ *iam.DeleteInstanceProfileInput, _ ...func(*iam.Options)) (*iam.DeleteInstanceProfileOutput, error) {
	s.calls = append(s.calls, "DeleteInstanceProfile")
	return &iam.DeleteInstanceProfileOutput{}, nil
}

func (s *stubIAM) DeleteRole(_ context.Context, _ *iam.DeleteRoleInput, _ ...func(*iam.Options)) (*iam.DeleteRoleOutput, error) {
	s.calls = append(s.calls, "DeleteRole")
	return &iam.DeleteRoleOutput{}, nil
}

func TestCreateIdentity(t *testing.T) {
	stub := &stubIAM{}
	info, err := newIdentities(stub).CreateIdentity(context.Background(), cloud.IdentitySpec{Name: "svc"})
	require.NoError(t, err)

	assert.Equal(t, []string{"CreateRole", "CreateInstanceProfile", "AddRoleToInstanceProfile"}, stub.calls)
	assert.Equal(t, "AROA1", info.ID)
	assert.Equal(t, "arn:aws:iam::1:instance-profile/svc", info.InstanceProfileARN)
}

func TestCreateIdentityIsRepeatable(t *testing.T) {
	stub := &stubIAM{
		roleErr:    apiErr("EntityAlreadyExists"),
		profileErr: apiErr("EntityAlreadyExists"),
		hasRole:    true,
	}
	_, err := newIdentities(stub).CreateIdentity(context.Background(), cloud.IdentitySpec{Name: "svc"})
	require.NoError(t, err)
	assert.NotContains(t, stub.calls, "AddRoleToInstanceProfile")
}

func TestCreateIdentityLeavesRoleOfAnotherResource(t *testing.T) {
	stub := &stubIAM{
		roleErr:  apiErr("EntityAlreadyExists"),
		roleTags: []iamtypes.Tag{{Key: aws.String(cloud.LabelOwner), Value: aws.String("r-2")}},
	}
	_, err := newIdentities(stub).CreateIdentity(context.Background(), cloud.IdentitySpec{
		Name:   "svc",
		Labels: cloud.OwnedLabels(nil, "r-1"),
	})
	assert.ErrorIs(t, err, cloud.ErrNotOwned)
	assert.Equal(t, []string{"CreateRole"}, stub.calls)
}

func TestGetIdentityLabels(t *testing.T) {
	stub := &stubIAM{roleTags: []iamtypes.Tag{{Key: aws.String("team"), Value: aws.String("a")}}}
	info, err := newIdentities(stub).GetIdentity(context.Background(), "svc")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"team": "a"}, info.Labels)
}

func TestDeleteIdentitySkipsMissingParts(t *testing.T) {
	stub := &stubIAM{}
	require.NoError(t, newIdentities(stub).DeleteIdentity(context.Background(), "svc"))
	assert.Equal(t, []string{"RemoveRoleFromInstanceProfile", "DeleteInstanceProfile", "DeleteRole"}, stub.calls)
}
