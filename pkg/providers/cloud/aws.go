package cloud

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/smithy-go"

	"github.com/openfroyo/stackctl/pkg/engine"
)

// rootDeviceName is the root device of the Ubuntu images the stack uses.
const rootDeviceName = "/dev/sda1"

// runShellDocument is the managed command document for shell scripts.
const runShellDocument = "AWS-RunShellScript"

// authErrorCodes are provider error codes meaning the credentials were rejected.
var authErrorCodes = map[string]bool{
	"AuthFailure":                 true,
	"UnauthorizedOperation":       true,
	"InvalidClientTokenId":        true,
	"SignatureDoesNotMatch":       true,
	"ExpiredToken":                true,
	"AccessDenied":                true,
	"AccessDeniedException":       true,
	"UnrecognizedClientException": true,
}

// throttleErrorCodes are provider error codes meaning the call was rate limited.
var throttleErrorCodes = map[string]bool{
	"RequestLimitExceeded": true,
	"Throttling":           true,
	"ThrottlingException":  true,
	"TooManyRequests":      true,
}

// AWSOptions configures credentials for AWSClient. Empty fields fall back
// to the default credential chain.
type AWSOptions struct {
	Profile         string `yaml:"profile"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

type regionClients struct {
	ec2 *ec2.Client
	ssm *ssm.Client
}

// AWSClient implements API with aws-sdk-go-v2. Clients are created per
// region on first use.
type AWSClient struct {
	opts AWSOptions

	mu      sync.Mutex
	clients map[string]*regionClients
}

// NewAWSClient creates an AWS-backed API.
func NewAWSClient(opts AWSOptions) *AWSClient {
	return &AWSClient{
		opts:    opts,
		clients: make(map[string]*regionClients),
	}
}

func (c *AWSClient) region(ctx context.Context, region string) (*regionClients, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rc, ok := c.clients[region]; ok {
		return rc, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if c.opts.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(c.opts.Profile))
	}
	if c.opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.opts.AccessKeyID, c.opts.SecretAccessKey, c.opts.SessionToken),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, engine.NewAuthError("failed to load cloud credentials", err).WithResource(region)
	}

	rc := &regionClients{ec2: ec2.NewFromConfig(cfg), ssm: ssm.NewFromConfig(cfg)}
	c.clients[region] = rc
	return rc, nil
}

// DescribeInstances implements API.
func (c *AWSClient) DescribeInstances(ctx context.Context, region string, filter InstanceFilter) ([]engine.ComputeNodeRecord, error) {
	rc, err := c.region(ctx, region)
	if err != nil {
		return nil, err
	}

	input := &ec2.DescribeInstancesInput{}
	for k, v := range filter.Tags {
		input.Filters = append(input.Filters, ec2types.Filter{Name: aws.String("tag:" + k), Values: []string{v}})
	}
	if len(filter.States) > 0 {
		states := make([]string, 0, len(filter.States))
		for _, s := range filter.States {
			states = append(states, string(s))
		}
		input.Filters = append(input.Filters, ec2types.Filter{Name: aws.String("instance-state-name"), Values: states})
	}

	var nodes []engine.ComputeNodeRecord
	pager := ec2.NewDescribeInstancesPaginator(rc.ec2, input)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify("describe_instances", region, err)
		}
		for _, reservation := range page.Reservations {
			for _, inst := range reservation.Instances {
				nodes = append(nodes, nodeFromInstance(region, inst))
			}
		}
	}
	return nodes, nil
}

// RunInstance implements API.
func (c *AWSClient) RunInstance(ctx context.Context, region string, req LaunchRequest) (engine.ComputeNodeRecord, error) {
	rc, err := c.region(ctx, region)
	if err != nil {
		return engine.ComputeNodeRecord{}, err
	}

	tags := make([]ec2types.Tag, 0, len(req.Tags))
	for k, v := range req.Tags {
		tags = append(tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(req.ImageID),
		InstanceType: ec2types.InstanceType(req.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(req.UserData))),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         tags,
		}},
		BlockDeviceMappings: []ec2types.BlockDeviceMapping{{
			DeviceName: aws.String(rootDeviceName),
			Ebs: &ec2types.EbsBlockDevice{
				VolumeSize:          aws.Int32(req.RootVolumeGiB),
				VolumeType:          ec2types.VolumeType(req.RootVolumeType),
				DeleteOnTermination: aws.Bool(true),
			},
		}},
	}
	if req.KeyName != "" {
		input.KeyName = aws.String(req.KeyName)
	}
	if req.InstanceProfile != "" {
		if strings.HasPrefix(req.InstanceProfile, "arn:") {
			input.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{Arn: aws.String(req.InstanceProfile)}
		} else {
			input.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{Name: aws.String(req.InstanceProfile)}
		}
	}
	if req.SubnetID != "" {
		input.NetworkInterfaces = []ec2types.InstanceNetworkInterfaceSpecification{{
			DeviceIndex:              aws.Int32(0),
			SubnetId:                 aws.String(req.SubnetID),
			Groups:                   req.SecurityGroupIDs,
			AssociatePublicIpAddress: aws.Bool(req.AssociatePublicIP),
		}}
	} else {
		input.SecurityGroupIds = req.SecurityGroupIDs
	}

	out, err := rc.ec2.RunInstances(ctx, input)
	if err != nil {
		return engine.ComputeNodeRecord{}, classify("run_instances", region, err)
	}
	if len(out.Instances) == 0 {
		return engine.ComputeNodeRecord{}, engine.NewPermanentError("run instances returned no instance", nil).WithResource(region)
	}
	return nodeFromInstance(region, out.Instances[0]), nil
}

// TerminateInstances implements API.
func (c *AWSClient) TerminateInstances(ctx context.Context, region string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	rc, err := c.region(ctx, region)
	if err != nil {
		return err
	}
	if _, err := rc.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids}); err != nil {
		return classify("terminate_instances", region, err)
	}
	return nil
}

// DescribeSecurityGroup implements API.
func (c *AWSClient) DescribeSecurityGroup(ctx context.Context, region, name, vpcID string) (SecurityGroup, error) {
	rc, err := c.region(ctx, region)
	if err != nil {
		return SecurityGroup{}, err
	}

	filters := []ec2types.Filter{{Name: aws.String("group-name"), Values: []string{name}}}
	if vpcID != "" {
		filters = append(filters, ec2types.Filter{Name: aws.String("vpc-id"), Values: []string{vpcID}})
	}
	out, err := rc.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{Filters: filters})
	if err != nil {
		if apiErrorCode(err) == "InvalidGroup.NotFound" {
			return SecurityGroup{}, ErrNotFound
		}
		return SecurityGroup{}, classify("describe_security_groups", region, err)
	}
	if len(out.SecurityGroups) == 0 {
		return SecurityGroup{}, ErrNotFound
	}
	sg := out.SecurityGroups[0]
	return SecurityGroup{ID: aws.ToString(sg.GroupId), Name: aws.ToString(sg.GroupName)}, nil
}

// CreateSecurityGroup implements API.
func (c *AWSClient) CreateSecurityGroup(ctx context.Context, region, name, description, vpcID string, rules []IngressRule) (SecurityGroup, error) {
	rc, err := c.region(ctx, region)
	if err != nil {
		return SecurityGroup{}, err
	}

	input := &ec2.CreateSecurityGroupInput{GroupName: aws.String(name), Description: aws.String(description)}
	if vpcID != "" {
		input.VpcId = aws.String(vpcID)
	}
	out, err := rc.ec2.CreateSecurityGroup(ctx, input)
	if err != nil {
		return SecurityGroup{}, classify("create_security_group", region, err)
	}
	sg := SecurityGroup{ID: aws.ToString(out.GroupId), Name: name}

	perms := make([]ec2types.IpPermission, 0, len(rules))
	for _, r := range rules {
		perms = append(perms, ec2types.IpPermission{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int32(r.Port),
			ToPort:     aws.Int32(r.Port),
			IpRanges:   []ec2types.IpRange{{CidrIp: aws.String(r.CIDR)}},
		})
	}
	if len(perms) > 0 {
		_, err = rc.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       out.GroupId,
			IpPermissions: perms,
		})
		if err != nil && apiErrorCode(err) != "InvalidPermission.Duplicate" {
			return sg, classify("authorize_ingress", region, err)
		}
	}
	return sg, nil
}

// KeyPairExists implements API.
func (c *AWSClient) KeyPairExists(ctx context.Context, region, name string) (bool, error) {
	rc, err := c.region(ctx, region)
	if err != nil {
		return false, err
	}
	out, err := rc.ec2.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{KeyNames: []string{name}})
	if err != nil {
		if apiErrorCode(err) == "InvalidKeyPair.NotFound" {
			return false, nil
		}
		return false, classify("describe_key_pairs", region, err)
	}
	return len(out.KeyPairs) > 0, nil
}

// ImportKeyPair implements API.
func (c *AWSClient) ImportKeyPair(ctx context.Context, region, name string, publicKey []byte) error {
	rc, err := c.region(ctx, region)
	if err != nil {
		return err
	}
	_, err = rc.ec2.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(name),
		PublicKeyMaterial: publicKey,
	})
	if err != nil && apiErrorCode(err) != "InvalidKeyPair.Duplicate" {
		return classify("import_key_pair", region, err)
	}
	return nil
}

// SendCommand implements API.
func (c *AWSClient) SendCommand(ctx context.Context, region, instanceID string, commands []string) (string, error) {
	rc, err := c.region(ctx, region)
	if err != nil {
		return "", err
	}
	out, err := rc.ssm.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName: aws.String(runShellDocument),
		InstanceIds:  []string{instanceID},
		Parameters:   map[string][]string{"commands": commands},
	})
	if err != nil {
		return "", classify("send_command", region, err)
	}
	if out.Command == nil {
		return "", engine.NewPermanentError("send command returned no command", nil).WithResource(instanceID)
	}
	return aws.ToString(out.Command.CommandId), nil
}

// GetCommandInvocation implements API. An invocation the provider has not
// registered yet is reported as pending.
func (c *AWSClient) GetCommandInvocation(ctx context.Context, region, commandID, instanceID string) (CommandInvocation, error) {
	rc, err := c.region(ctx, region)
	if err != nil {
		return CommandInvocation{}, err
	}
	out, err := rc.ssm.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
		CommandId:  aws.String(commandID),
		InstanceId: aws.String(instanceID),
	})
	if err != nil {
		if apiErrorCode(err) == "InvocationDoesNotExist" {
			return CommandInvocation{Status: CommandPending}, nil
		}
		return CommandInvocation{}, classify("get_command_invocation", region, err)
	}
	return CommandInvocation{
		Status: CommandStatus(out.Status),
		Stdout: aws.ToString(out.StandardOutputContent),
		Stderr: aws.ToString(out.StandardErrorContent),
	}, nil
}

// GetParameter implements API.
func (c *AWSClient) GetParameter(ctx context.Context, region, name string) (string, error) {
	rc, err := c.region(ctx, region)
	if err != nil {
		return "", err
	}
	out, err := rc.ssm.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(name)})
	if err != nil {
		if apiErrorCode(err) == "ParameterNotFound" {
			return "", ErrNotFound
		}
		return "", classify("get_parameter", region, err)
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return "", ErrNotFound
	}
	return aws.ToString(out.Parameter.Value), nil
}

func nodeFromInstance(region string, inst ec2types.Instance) engine.ComputeNodeRecord {
	node := engine.ComputeNodeRecord{
		ID:             aws.ToString(inst.InstanceId),
		Region:         region,
		InstanceType:   string(inst.InstanceType),
		PublicAddress:  aws.ToString(inst.PublicIpAddress),
		PrivateAddress: aws.ToString(inst.PrivateIpAddress),
		State:          engine.StatePending,
		Tags:           make(map[string]string, len(inst.Tags)),
	}
	if inst.State != nil {
		node.State = engine.LifecycleState(inst.State.Name)
	}
	if inst.LaunchTime != nil {
		node.LaunchTime = *inst.LaunchTime
	}
	for _, t := range inst.Tags {
		node.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return node
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// classify maps a provider error into the engine error taxonomy.
func classify(op, region string, err error) error {
	code := apiErrorCode(err)
	switch {
	case authErrorCodes[code]:
		return engine.NewAuthError(fmt.Sprintf("cloud credentials rejected (%s)", code), err).
			WithOperation(op).WithResource(region)
	case throttleErrorCodes[code]:
		return engine.NewThrottledError("cloud API rate limited", err).
			WithOperation(op).WithResource(region)
	case code != "":
		return engine.NewPermanentError(fmt.Sprintf("cloud API error %s", code), err).
			WithOperation(op).WithResource(region)
	default:
		return engine.NewTransientError("cloud API call failed", err).
			WithOperation(op).WithResource(region)
	}
}
