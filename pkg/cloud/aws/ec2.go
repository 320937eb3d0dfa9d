package aws

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/openfroyo/wsm/pkg/cloud"
)

// maxWaiterDuration bounds every EC2 waiter.
const maxWaiterDuration = 10 * time.Minute

// ec2API is the subset of *ec2.Client the adapter uses.
type ec2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, opts ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, opts ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, opts ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	ModifyInstanceAttribute(ctx context.Context, in *ec2.ModifyInstanceAttributeInput, opts ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error)
	AssociateIamInstanceProfile(ctx context.Context, in *ec2.AssociateIamInstanceProfileInput, opts ...func(*ec2.Options)) (*ec2.AssociateIamInstanceProfileOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// Instances implements cloud.InstanceAPI on EC2.
type Instances struct {
	client ec2API
	region string
}

func newInstances(client ec2API, region string) *Instances {
	return &Instances{client: client, region: region}
}

// CreateInstance launches one instance. The client token makes a repeated
// call return the instance launched by the first one.
func (i *Instances) CreateInstance(ctx context.Context, spec cloud.InstanceSpec) (*cloud.InstanceInfo, error) {
	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.ImageID),
		InstanceType: types.InstanceType(spec.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		ClientToken:  aws.String(spec.ClientToken),
	}
	if spec.SubnetID != "" {
		in.SubnetId = aws.String(spec.SubnetID)
	}
	if tags := ec2Tags(spec.Name, spec.Labels); len(tags) > 0 {
		in.TagSpecifications = []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         tags,
		}}
	}

	var out *ec2.RunInstancesOutput
	err := call(ctx, "RunInstances", func(ctx context.Context) error {
		var err error
		out, err = i.client.RunInstances(ctx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(out.Instances) == 0 {
		return nil, cloud.NewError(cloud.KindServerError, providerName, "RunInstances",
			fmt.Errorf("no instance returned for token %s", spec.ClientToken))
	}
	return i.toInfo(out.Instances[0]), nil
}

// GetInstance describes one instance.
func (i *Instances) GetInstance(ctx context.Context, id string) (*cloud.InstanceInfo, error) {
	var out *ec2.DescribeInstancesOutput
	err := call(ctx, "DescribeInstances", func(ctx context.Context) error {
		var err error
		out, err = i.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) == id {
				return i.toInfo(inst), nil
			}
		}
	}
	return nil, cloud.NewError(cloud.KindNotFound, providerName, "DescribeInstances",
		fmt.Errorf("instance %s not found", id))
}

// WaitForState blocks until the instance reaches state or the waiter gives up.
func (i *Instances) WaitForState(ctx context.Context, id, state string) error {
	in := &ec2.DescribeInstancesInput{InstanceIds: []string{id}}
	op := "Wait" + state

	var wait func(ctx context.Context) error
	switch state {
	case cloud.InstanceRunning:
		wait = func(ctx context.Context) error {
			return ec2.NewInstanceRunningWaiter(i.client).Wait(ctx, in, maxWaiterDuration)
		}
	case cloud.InstanceStopped:
		wait = func(ctx context.Context) error {
			return ec2.NewInstanceStoppedWaiter(i.client).Wait(ctx, in, maxWaiterDuration)
		}
	case cloud.InstanceTerminated:
		wait = func(ctx context.Context) error {
			return ec2.NewInstanceTerminatedWaiter(i.client).Wait(ctx, in, maxWaiterDuration)
		}
	default:
		return cloud.NewError(cloud.KindBadRequest, providerName, op, fmt.Errorf("cannot wait for state %q", state))
	}

	err := call(ctx, op, wait)
	if err != nil && cloud.KindOf(err) == cloud.KindUnknown {
		// waiter errors carry no API code; they mean the wait ran out
		return cloud.NewError(cloud.KindTimeout, providerName, op, err)
	}
	return err
}

// StartInstance starts a stopped instance.
func (i *Instances) StartInstance(ctx context.Context, id string) error {
	return call(ctx, "StartInstances", func(ctx context.Context) error {
		_, err := i.client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{id}})
		return err
	})
}

// StopInstance stops a running instance.
func (i *Instances) StopInstance(ctx context.Context, id string) error {
	return call(ctx, "StopInstances", func(ctx context.Context) error {
		_, err := i.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}})
		return err
	})
}

// ResizeInstance changes the type of a stopped instance.
func (i *Instances) ResizeInstance(ctx context.Context, id, instanceType string) error {
	return call(ctx, "ModifyInstanceAttribute", func(ctx context.Context) error {
		_, err := i.client.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
			InstanceId:   aws.String(id),
			InstanceType: &types.AttributeValue{Value: aws.String(instanceType)},
		})
		return err
	})
}

// AttachInstanceProfile associates an instance profile unless the instance
// already carries one.
func (i *Instances) AttachInstanceProfile(ctx context.Context, id, profileName string) error {
	info, err := i.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if info.InstanceProfileARN != "" {
		return nil
	}
	return call(ctx, "AssociateIamInstanceProfile", func(ctx context.Context) error {
		_, err := i.client.AssociateIamInstanceProfile(ctx, &ec2.AssociateIamInstanceProfileInput{
			InstanceId:         aws.String(id),
			IamInstanceProfile: &types.IamInstanceProfileSpecification{Name: aws.String(profileName)},
		})
		return err
	})
}

// TerminateInstance terminates the instance.
func (i *Instances) TerminateInstance(ctx context.Context, id string) error {
	return call(ctx, "TerminateInstances", func(ctx context.Context) error {
		_, err := i.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
		return err
	})
}

func (i *Instances) toInfo(inst types.Instance) *cloud.InstanceInfo {
	info := &cloud.InstanceInfo{
		ID:           aws.ToString(inst.InstanceId),
		InstanceType: string(inst.InstanceType),
		Region:       i.region,
		PrivateIP:    aws.ToString(inst.PrivateIpAddress),
	}
	if inst.State != nil {
		info.State = string(inst.State.Name)
	}
	if inst.Placement != nil {
		info.AvailabilityZone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	if inst.IamInstanceProfile != nil {
		info.InstanceProfileARN = aws.ToString(inst.IamInstanceProfile.Arn)
	}
	return info
}

func ec2Tags(name string, labels map[string]string) []types.Tag {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var tags []types.Tag
	if name != "" {
		tags = append(tags, types.Tag{Key: aws.String("Name"), Value: aws.String(name)})
	}
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(labels[k])})
	}
	return tags
}
