package cloud

import (
	"context"
	"errors"

	"github.com/openfroyo/stackctl/pkg/engine"
)

// ErrNotFound is returned by API lookups when the named object does not exist.
var ErrNotFound = errors.New("not found")

// InstanceFilter selects instances by tag and lifecycle state.
type InstanceFilter struct {
	Tags   map[string]string
	States []engine.LifecycleState
}

// LaunchRequest describes one instance to launch.
type LaunchRequest struct {
	ImageID        string
	InstanceType   string
	KeyName        string
	UserData       string
	RootVolumeGiB  int32
	RootVolumeType string

	// SubnetID places the instance explicitly. When set, the security
	// groups and public address association go on the primary interface.
	SubnetID          string
	SecurityGroupIDs  []string
	AssociatePublicIP bool

	// InstanceProfile is an IAM instance profile ARN or name.
	InstanceProfile string

	Tags map[string]string
}

// IngressRule opens a TCP port to a CIDR block.
type IngressRule struct {
	Port int32
	CIDR string
}

// SecurityGroup is a network access rule set.
type SecurityGroup struct {
	ID   string
	Name string
}

// CommandStatus is the state of a remote command invocation.
type CommandStatus string

const (
	CommandPending    CommandStatus = "Pending"
	CommandInProgress CommandStatus = "InProgress"
	CommandDelayed    CommandStatus = "Delayed"
	CommandSuccess    CommandStatus = "Success"
	CommandFailed     CommandStatus = "Failed"
	CommandTimedOut   CommandStatus = "TimedOut"
	CommandCancelled  CommandStatus = "Cancelled"
)

// Terminal reports whether the invocation has finished.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandSuccess, CommandFailed, CommandTimedOut, CommandCancelled:
		return true
	default:
		return false
	}
}

// CommandInvocation is the result of polling a remote command.
type CommandInvocation struct {
	Status CommandStatus
	Stdout string
	Stderr string
}

// API is the subset of the cloud provider the manager depends on. Every
// method takes the region explicitly; implementations map provider
// responses into engine types.
type API interface {
	// DescribeInstances lists instances matching filter.
	DescribeInstances(ctx context.Context, region string, filter InstanceFilter) ([]engine.ComputeNodeRecord, error)

	// RunInstance launches exactly one instance.
	RunInstance(ctx context.Context, region string, req LaunchRequest) (engine.ComputeNodeRecord, error)

	// TerminateInstances terminates the given instances.
	TerminateInstances(ctx context.Context, region string, ids []string) error

	// DescribeSecurityGroup finds a group by name, optionally scoped to a
	// VPC. Returns ErrNotFound when absent.
	DescribeSecurityGroup(ctx context.Context, region, name, vpcID string) (SecurityGroup, error)

	// CreateSecurityGroup creates a group and authorizes rules. Rules that
	// already exist are not an error.
	CreateSecurityGroup(ctx context.Context, region, name, description, vpcID string, rules []IngressRule) (SecurityGroup, error)

	// KeyPairExists reports whether a key pair is registered.
	KeyPairExists(ctx context.Context, region, name string) (bool, error)

	// ImportKeyPair registers an OpenSSH public key.
	ImportKeyPair(ctx context.Context, region, name string, publicKey []byte) error

	// SendCommand runs shell commands on an instance and returns the
	// command id.
	SendCommand(ctx context.Context, region, instanceID string, commands []string) (string, error)

	// GetCommandInvocation polls a command sent with SendCommand.
	GetCommandInvocation(ctx context.Context, region, commandID, instanceID string) (CommandInvocation, error)

	// GetParameter reads a provider parameter. Returns ErrNotFound when absent.
	GetParameter(ctx context.Context, region, name string) (string, error)
}
