package aws

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/openfroyo/wsm/pkg/cloud"
)

// defaultTrustPolicy lets EC2 instances assume the role.
const defaultTrustPolicy = `{
  "Version": "2012-10-17",
  "Statement": [{
    "Effect": "Allow",
    "Principal": {"Service": "ec2.amazonaws.com"},
    "Action": "sts:AssumeRole"
  }]
}`

// iamAPI is the subset of *iam.Client the adapter uses.
type iamAPI interface {
	CreateRole(ctx context.Context, in *iam.CreateRoleInput, opts ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	GetRole(ctx context.Context, in *iam.GetRoleInput, opts ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	UpdateRole(ctx context.Context, in *iam.UpdateRoleInput, opts ...func(*iam.Options)) (*iam.UpdateRoleOutput, error)
	DeleteRole(ctx context.Context, in *iam.DeleteRoleInput, opts ...func(*iam.Options)) (*iam.DeleteRoleOutput, error)
	CreateInstanceProfile(ctx context.Context, in *iam.CreateInstanceProfileInput, opts ...func(*iam.Options)) (*iam.CreateInstanceProfileOutput, error)
	GetInstanceProfile(ctx context.Context, in *iam.GetInstanceProfileInput, opts ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error)
	AddRoleToInstanceProfile(ctx context.Context, in *iam.AddRoleToInstanceProfileInput, opts ...func(*iam.Options)) (*iam.AddRoleToInstanceProfileOutput, error)
	RemoveRoleFromInstanceProfile(ctx context.Context, in *iam.RemoveRoleFromInstanceProfileInput, opts ...func(*iam.Options)) (*iam.RemoveRoleFromInstanceProfileOutput, error)
	DeleteInstanceProfile(ctx context.Context, in *iam.DeleteInstanceProfileInput, opts ...func(*iam.Options)) (*iam.DeleteInstanceProfileOutput, error)
}

// Identities implements cloud.IdentityAPI with an IAM role and an instance
// profile of the same name.
type Identities struct {
	client iamAPI
}

func newIdentities(client iamAPI) *Identities {
	return &Identities{client: client}
}

// CreateIdentity creates the role and its instance profile. Parts that
// already exist are reused, so the call can be repeated.
func (d *Identities) CreateIdentity(ctx context.Context, spec cloud.IdentitySpec) (*cloud.IdentityInfo, error) {
	policy := spec.TrustPolicy
	if policy == "" {
		policy = defaultTrustPolicy
	}

	err := call(ctx, "CreateRole", func(ctx context.Context) error {
		_, err := d.client.CreateRole(ctx, &iam.CreateRoleInput{
			RoleName:                 aws.String(spec.Name),
			AssumeRolePolicyDocument: aws.String(policy),
			Description:              aws.String(spec.Description),
			Tags:                     iamTags(spec.Labels),
		})
		return err
	})
	if err != nil && !cloud.IsConflict(err) {
		return nil, err
	}
	if err != nil {
		if err := d.checkRoleOwner(ctx, spec); err != nil {
			return nil, err
		}
	}

	err = call(ctx, "CreateInstanceProfile", func(ctx context.Context) error {
		_, err := d.client.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
			InstanceProfileName: aws.String(spec.Name),
		})
		return err
	})
	if err != nil && !cloud.IsConflict(err) {
		return nil, err
	}

	profile, err := d.getProfile(ctx, spec.Name)
	if err != nil {
		return nil, err
	}
	if len(profile.Roles) == 0 {
		err = call(ctx, "AddRoleToInstanceProfile", func(ctx context.Context) error {
			_, err := d.client.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
				InstanceProfileName: aws.String(spec.Name),
				RoleName:            aws.String(spec.Name),
			})
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	return d.GetIdentity(ctx, spec.Name)
}

// GetIdentity returns the role and the ARN of its instance profile.
func (d *Identities) GetIdentity(ctx context.Context, name string) (*cloud.IdentityInfo, error) {
	var out *iam.GetRoleOutput
	err := call(ctx, "GetRole", func(ctx context.Context) error {
		var err error
		out, err = d.client.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
		return err
	})
	if err != nil {
		return nil, err
	}

	info := &cloud.IdentityInfo{
		Name:        aws.ToString(out.Role.RoleName),
		ID:          aws.ToString(out.Role.RoleId),
		ARN:         aws.ToString(out.Role.Arn),
		Description: aws.ToString(out.Role.Description),
		Labels:      make(map[string]string, len(out.Role.Tags)),
	}
	for _, tag := range out.Role.Tags {
		info.Labels[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	profile, err := d.getProfile(ctx, name)
	switch {
	case err == nil:
		info.InstanceProfileARN = aws.ToString(profile.Arn)
	case !cloud.IsNotFound(err):
		return nil, err
	}
	return info, nil
}

// UpdateIdentityDescription replaces the role description.
func (d *Identities) UpdateIdentityDescription(ctx context.Context, name, description string) error {
	return call(ctx, "UpdateRole", func(ctx context.Context) error {
		_, err := d.client.UpdateRole(ctx, &iam.UpdateRoleInput{
			RoleName:    aws.String(name),
			Description: aws.String(description),
		})
		return err
	})
}

// DeleteIdentity removes the instance profile and the role. Missing parts
// are skipped; a missing role is reported as NotFound.
func (d *Identities) DeleteIdentity(ctx context.Context, name string) error {
	err := call(ctx, "RemoveRoleFromInstanceProfile", func(ctx context.Context) error {
		_, err := d.client.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
			InstanceProfileName: aws.String(name),
			RoleName:            aws.String(name),
		})
		return err
	})
	if err != nil && !cloud.IsNotFound(err) {
		return err
	}

	err = call(ctx, "DeleteInstanceProfile", func(ctx context.Context) error {
		_, err := d.client.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{
			InstanceProfileName: aws.String(name),
		})
		return err
	})
	if err != nil && !cloud.IsNotFound(err) {
		return err
	}

	return call(ctx, "DeleteRole", func(ctx context.Context) error {
		_, err := d.client.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(name)})
		return err
	})
}

// checkRoleOwner refuses to attach a profile to an existing role that was
// created for a different resource.
func (d *Identities) checkRoleOwner(ctx context.Context, spec cloud.IdentitySpec) error {
	owner, ok := spec.Labels[cloud.LabelOwner]
	if !ok {
		return nil
	}
	existing, err := d.GetIdentity(ctx, spec.Name)
	if err != nil {
		return err
	}
	return cloud.CheckOwner("identity", spec.Name, existing.Labels, owner)
}

func (d *Identities) getProfile(ctx context.Context, name string) (*types.InstanceProfile, error) {
	var out *iam.GetInstanceProfileOutput
	err := call(ctx, "GetInstanceProfile", func(ctx context.Context) error {
		var err error
		out, err = d.client.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{
			InstanceProfileName: aws.String(name),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out.InstanceProfile, nil
}

func iamTags(labels map[string]string) []types.Tag {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tags := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(labels[k])})
	}
	return tags
}
