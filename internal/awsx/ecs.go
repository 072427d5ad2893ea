// Package awsx wraps the container-platform (ECS) and network (EC2)
// calls the orchestration core needs: launching and stopping tasks, and
// resolving a task's reachable public address.
package awsx

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
)

// LaunchSpec describes one container launch request.
type LaunchSpec struct {
	Cluster        string
	TaskDefinition string
	ContainerName  string
	Env            map[string]string
}

// ContainerPlatform is the narrow surface the Provisioning Coordinator,
// Event Router, and Lifecycle Reconciler need against the container
// platform. Backed by ECS Fargate in this implementation.
type ContainerPlatform struct {
	ecs *ecs.Client
	ec2 *ec2.Client
}

// NewContainerPlatform builds a ContainerPlatform from an AWS config.
func NewContainerPlatform(cfg aws.Config) *ContainerPlatform {
	return &ContainerPlatform{
		ecs: ecs.NewFromConfig(cfg),
		ec2: ec2.NewFromConfig(cfg),
	}
}

// RunTask launches one container per spec and returns its task handle,
// tagging it with sessionId via an environment variable so the Event
// Router can correlate lifecycle events back to the session.
func (p *ContainerPlatform) RunTask(ctx context.Context, spec LaunchSpec) (taskID string, err error) {
	var env []ecstypes.KeyValuePair
	for k, v := range spec.Env {
		env = append(env, ecstypes.KeyValuePair{Name: aws.String(k), Value: aws.String(v)})
	}

	out, err := p.ecs.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(spec.Cluster),
		TaskDefinition: aws.String(spec.TaskDefinition),
		LaunchType:     ecstypes.LaunchTypeFargate,
		Count:          aws.Int32(1),
		Overrides: &ecstypes.TaskOverride{
			ContainerOverrides: []ecstypes.ContainerOverride{
				{Name: aws.String(spec.ContainerName), Environment: env},
			},
		},
	})
	if err != nil {
		return "", err
	}
	if len(out.Tasks) == 0 {
		if len(out.Failures) > 0 && out.Failures[0].Reason != nil {
			return "", fmt.Errorf("run task failed: %s", *out.Failures[0].Reason)
		}
		return "", fmt.Errorf("run task returned no tasks")
	}
	return *out.Tasks[0].TaskArn, nil
}

// StopTask stops a running task, best-effort, recording reason.
func (p *ContainerPlatform) StopTask(ctx context.Context, cluster, taskID, reason string) error {
	_, err := p.ecs.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(cluster),
		Task:    aws.String(taskID),
		Reason:  aws.String(reason),
	})
	return err
}

// PublicAddress resolves a running task's reachable address with a
// DescribeTasks round trip, then walks the task's ENI attachment to its IP.
func (p *ContainerPlatform) PublicAddress(ctx context.Context, cluster, taskID string) (string, error) {
	out, err := p.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(cluster),
		Tasks:   []string{taskID},
	})
	if err != nil {
		return "", err
	}
	if len(out.Tasks) == 0 {
		return "", fmt.Errorf("task not found: %s", taskID)
	}
	for _, att := range out.Tasks[0].Attachments {
		if att.Type == nil || *att.Type != "ElasticNetworkInterface" {
			continue
		}
		for _, d := range att.Details {
			if d.Name != nil && *d.Name == "networkInterfaceId" && d.Value != nil {
				return p.ENIPublicIP(ctx, *d.Value)
			}
		}
	}
	return "", fmt.Errorf("no network interface attachment for task %s", taskID)
}

// ENIPublicIP resolves the public (falling back to private) IP of an
// Elastic Network Interface, given its id directly — used by the Event
// Router when the lifecycle event already carries the ENI id, avoiding an
// extra DescribeTasks round trip.
func (p *ContainerPlatform) ENIPublicIP(ctx context.Context, eniID string) (string, error) {
	out, err := p.ec2.DescribeNetworkInterfaces(ctx, &ec2.DescribeNetworkInterfacesInput{
		NetworkInterfaceIds: []string{eniID},
	})
	if err != nil {
		return "", err
	}
	if len(out.NetworkInterfaces) == 0 {
		return "", fmt.Errorf("network interface not found: %s", eniID)
	}
	ni := out.NetworkInterfaces[0]
	if ni.Association != nil && ni.Association.PublicIp != nil {
		return *ni.Association.PublicIp, nil
	}
	if ni.PrivateIpAddress != nil {
		return *ni.PrivateIpAddress, nil
	}
	return "", fmt.Errorf("no IP address on network interface %s", eniID)
}

// ListRunningTaskIDs lists the ARNs of all running tasks in cluster,
// tagged or not — callers filter by tag/environment afterward. Used by
// the Lifecycle Reconciler's orphan-task pass.
func (p *ContainerPlatform) ListRunningTaskIDs(ctx context.Context, cluster string) ([]string, error) {
	out, err := p.ecs.ListTasks(ctx, &ecs.ListTasksInput{
		Cluster:       aws.String(cluster),
		DesiredStatus: ecstypes.DesiredStatusRunning,
	})
	if err != nil {
		return nil, err
	}
	return out.TaskArns, nil
}

// DescribeTaskSessionID extracts the SESSION_ID tag this module's RunTask
// sets on every launch, by re-describing the task's container overrides.
func (p *ContainerPlatform) DescribeTaskSessionID(ctx context.Context, cluster, taskID string) (string, error) {
	out, err := p.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(cluster),
		Tasks:   []string{taskID},
	})
	if err != nil {
		return "", err
	}
	if len(out.Tasks) == 0 {
		return "", fmt.Errorf("task not found: %s", taskID)
	}
	for _, c := range out.Tasks[0].Overrides.ContainerOverrides {
		for _, e := range c.Environment {
			if e.Name != nil && *e.Name == "SESSION_ID" && e.Value != nil {
				return *e.Value, nil
			}
		}
	}
	return "", nil
}
