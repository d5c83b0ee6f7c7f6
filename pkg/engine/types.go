package engine

import (
	"sort"
	"time"
)

// Default ownership values used when the configuration leaves them empty.
const (
	DefaultProject = "ids2"
	DefaultRole    = "elk"
)

// Tag keys attached to every cloud resource owned by the stack.
const (
	TagProject = "Project"
	TagRole    = "Role"
	TagName    = "Name"
)

// DesiredStackSpec is the immutable configuration for one deployment attempt.
// It is built once at session start and never mutated afterwards; callers
// that need a variation take a copy.
type DesiredStackSpec struct {
	// Project is the ownership project tag value.
	Project string `json:"project" yaml:"project" validate:"required"`

	// Role is the ownership role tag value.
	Role string `json:"role" yaml:"role" validate:"required"`

	// Region is the primary region new nodes are created in.
	Region string `json:"region" yaml:"region" validate:"required"`

	// SearchRegions are additional regions scanned during discovery.
	SearchRegions []string `json:"search_regions,omitempty" yaml:"search_regions"`

	// Compute describes the cloud compute node.
	Compute ComputeSpec `json:"compute" yaml:"compute"`

	// Edge describes the fixed edge host.
	Edge EdgeSpec `json:"edge" yaml:"edge"`

	// Secrets holds credentials. Never persisted in clear text.
	Secrets Secrets `json:"secrets" yaml:"secrets"`

	// Flags toggles the optional pipeline steps.
	Flags FeatureFlags `json:"flags" yaml:"flags"`
}

// ComputeSpec holds sizing and placement for the cloud node.
type ComputeSpec struct {
	InstanceType      string `json:"instance_type" yaml:"instance_type" validate:"required"`
	ImageID           string `json:"image_id,omitempty" yaml:"image_id"`
	RootVolumeGiB     int32  `json:"root_volume_gib" yaml:"root_volume_gib" validate:"gte=8"`
	RootVolumeType    string `json:"root_volume_type" yaml:"root_volume_type" validate:"oneof=gp2 gp3 io1 io2 standard"`
	VPCID             string `json:"vpc_id,omitempty" yaml:"vpc_id"`
	SubnetID          string `json:"subnet_id,omitempty" yaml:"subnet_id"`
	SecurityGroupID   string `json:"security_group_id,omitempty" yaml:"security_group_id"`
	AssociatePublicIP bool   `json:"associate_public_ip" yaml:"associate_public_ip"`
	AdminCIDR         string `json:"admin_cidr,omitempty" yaml:"admin_cidr" validate:"omitempty,cidr"`
	KeyName           string `json:"key_name" yaml:"key_name" validate:"required"`
	KeyPath           string `json:"key_path" yaml:"key_path" validate:"required"`
	InstanceProfile   string `json:"instance_profile,omitempty" yaml:"instance_profile"`
	ServiceVersion    string `json:"service_version" yaml:"service_version" validate:"required"`
}

// EdgeSpec describes the edge host and what gets installed on it.
type EdgeSpec struct {
	Host            string   `json:"host" yaml:"host" validate:"required"`
	Port            int      `json:"port" yaml:"port" validate:"gte=1,lte=65535"`
	User            string   `json:"user" yaml:"user" validate:"required"`
	KeyPath         string   `json:"key_path,omitempty" yaml:"key_path"`
	RemoteDir       string   `json:"remote_dir" yaml:"remote_dir" validate:"required,startswith=/"`
	MirrorInterface string   `json:"mirror_interface" yaml:"mirror_interface" validate:"required"`
	AppDir          string   `json:"app_dir,omitempty" yaml:"app_dir"`
	SharedKeyPath   string   `json:"shared_key_path,omitempty" yaml:"shared_key_path"`
	Services        []string `json:"services,omitempty" yaml:"services"`

	// StrictHostKeyChecking rejects edge host keys missing from KnownHosts.
	// Unset means strict; only an explicit false disables verification.
	StrictHostKeyChecking *bool  `json:"strict_host_key_checking,omitempty" yaml:"strict_host_key_checking"`
	KnownHosts            string `json:"known_hosts,omitempty" yaml:"known_hosts"`
}

// VerifiesHostKey reports whether the edge host key must match known_hosts.
func (e EdgeSpec) VerifiesHostKey() bool {
	return e.StrictHostKeyChecking == nil || *e.StrictHostKeyChecking
}

// Secrets are the credentials a deployment needs.
type Secrets struct {
	EdgePassword    string `json:"edge_password,omitempty" yaml:"edge_password"`
	SudoPassword    string `json:"sudo_password,omitempty" yaml:"sudo_password"`
	ServicePassword string `json:"service_password,omitempty" yaml:"service_password" validate:"required"`
}

// FeatureFlags enable the optional edge preparation steps.
type FeatureFlags struct {
	ResetFirst     bool `json:"reset_first" yaml:"reset_first"`
	InstallRuntime bool `json:"install_runtime" yaml:"install_runtime"`
	RemoveRuntime  bool `json:"remove_runtime" yaml:"remove_runtime"`
}

// OwnershipTag identifies the cloud resources that belong to a stack.
type OwnershipTag struct {
	Project string
	Role    string
}

// Name is the Name tag value and the prefix for named resources.
func (o OwnershipTag) Name() string {
	return o.Project + "-" + o.Role
}

// Tags returns the full tag set applied at creation.
func (o OwnershipTag) Tags() map[string]string {
	return map[string]string{
		TagProject: o.Project,
		TagRole:    o.Role,
		TagName:    o.Name(),
	}
}

// Matches reports whether a tag set carries this ownership marker.
func (o OwnershipTag) Matches(tags map[string]string) bool {
	return tags[TagProject] == o.Project && tags[TagRole] == o.Role
}

// Identity returns the ownership marker of the spec.
func (s DesiredStackSpec) Identity() OwnershipTag {
	return OwnershipTag{Project: s.Project, Role: s.Role}
}

// Regions returns the primary region followed by the search regions,
// without duplicates.
func (s DesiredStackSpec) Regions() []string {
	seen := map[string]bool{}
	out := make([]string, 0, 1+len(s.SearchRegions))
	for _, r := range append([]string{s.Region}, s.SearchRegions...) {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// SudoSecret returns the secret used for privilege escalation on the edge.
func (s DesiredStackSpec) SudoSecret() string {
	if s.Secrets.SudoPassword != "" {
		return s.Secrets.SudoPassword
	}
	return s.Secrets.EdgePassword
}

// Redacted returns a copy with every secret blanked.
func (s DesiredStackSpec) Redacted() DesiredStackSpec {
	c := s
	c.SearchRegions = append([]string(nil), s.SearchRegions...)
	c.Edge.Services = append([]string(nil), s.Edge.Services...)
	c.Secrets = Secrets{}
	return c
}

// ComputeNodeRecord is the provider-neutral view of a cloud instance.
type ComputeNodeRecord struct {
	// ID is assigned by the provider and is the natural key.
	ID string `json:"id"`

	// Region the node lives in.
	Region string `json:"region"`

	// InstanceType is the sizing class.
	InstanceType string `json:"instance_type"`

	// PublicAddress is empty until the provider assigns one.
	PublicAddress string `json:"public_address,omitempty"`

	// PrivateAddress is the VPC-internal address.
	PrivateAddress string `json:"private_address,omitempty"`

	// State is the provider lifecycle state.
	State LifecycleState `json:"state"`

	// Tags carry the ownership marker.
	Tags map[string]string `json:"tags,omitempty"`

	// LaunchTime is when the provider launched the node.
	LaunchTime time.Time `json:"launch_time"`
}

// Address returns the address used to reach the node's services.
func (r ComputeNodeRecord) Address() string {
	if r.PublicAddress != "" {
		return r.PublicAddress
	}
	return r.PrivateAddress
}

// Differs reports whether two observations of the same node disagree on the
// fields the inventory tracks.
func (r ComputeNodeRecord) Differs(other ComputeNodeRecord) bool {
	return r.PublicAddress != other.PublicAddress ||
		r.PrivateAddress != other.PrivateAddress ||
		r.State != other.State
}

// SortNodes orders nodes by lifecycle rank, newest launch first within a rank.
func SortNodes(nodes []ComputeNodeRecord) {
	sort.SliceStable(nodes, func(i, j int) bool {
		ri, rj := nodes[i].State.Rank(), nodes[j].State.Rank()
		if ri != rj {
			return ri < rj
		}
		return nodes[i].LaunchTime.After(nodes[j].LaunchTime)
	})
}

// EdgeNodeRecord is the observed state of the edge host.
type EdgeNodeRecord struct {
	Host             string          `json:"host"`
	Reachable        bool            `json:"reachable"`
	ExpectedServices []string        `json:"expected_services,omitempty"`
	ActiveServices   map[string]bool `json:"active_services,omitempty"`
}

// InventorySnapshot is a point-in-time copy of the persisted inventory.
type InventorySnapshot struct {
	ComputeNodes     map[string]ComputeNodeRecord `json:"compute_nodes"`
	LastReconciledAt time.Time                    `json:"last_reconciled_at"`
}

// CostEstimate is the advisory price of a node.
type CostEstimate struct {
	InstanceType string  `json:"instance_type"`
	Region       string  `json:"region"`
	Hourly       float64 `json:"hourly"`
	Monthly      float64 `json:"monthly"`

	// NodeID and Address identify the node the estimate was made for.
	NodeID  string `json:"node_id,omitempty"`
	Address string `json:"address,omitempty"`
}

// Known reports whether the price table had an entry.
func (c CostEstimate) Known() bool {
	return c.Hourly > 0
}

// ReachabilityReport is one connectivity observation of the stack.
type ReachabilityReport struct {
	At    time.Time       `json:"at"`
	Edge  EdgeNodeRecord  `json:"edge"`
	Nodes map[string]bool `json:"nodes"`
}
