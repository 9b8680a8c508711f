// Package cloudtest provides an in-memory cloud.Client that records calls.
package cloudtest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"popup/internal/cloud"

	"golang.org/x/crypto/ssh"
)

// Fake implements cloud.Client in memory.
//
// A launched instance reports "pending" for BootPolls describes and then
// moves to BootState. A terminated instance reports "shutting-down" for
// TerminatePolls describes before reaching "terminated". HiddenPolls
// describes of a new instance fail with cloud.ErrInstanceNotFound before
// any of that, like a fresh id that has not propagated through EC2.
type Fake struct {
	mu sync.Mutex

	BootPolls      int
	BootState      string
	TerminatePolls int
	HiddenPolls    int

	// Errors injects a failure for a method name, e.g. "CreateTags".
	Errors map[string]error

	Calls     []string
	KeyPairs  map[string]string
	Groups    map[string]string
	Rules     map[string][]cloud.IngressRule
	Launches  []cloud.LaunchSpec
	Stopped   [][]string
	ForceStop bool

	instances map[string]*fakeInstance
	order     []string
	nextID    int
}

type fakeInstance struct {
	cloud.Instance
	hidden    int
	countdown int
	next      string
}

var _ cloud.Client = (*Fake)(nil)

// NewFake returns a Fake whose instances boot after one pending poll.
func NewFake() *Fake {
	return &Fake{
		BootPolls:      1,
		BootState:      cloud.StateRunning,
		TerminatePolls: 1,
		Errors:         map[string]error{},
		KeyPairs:       map[string]string{},
		Groups:         map[string]string{},
		Rules:          map[string][]cloud.IngressRule{},
		instances:      map[string]*fakeInstance{},
	}
}

// AddInstance seeds an existing instance.
func (f *Fake) AddInstance(inst cloud.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst.Tags == nil {
		inst.Tags = map[string]string{}
	}
	f.instances[inst.ID] = &fakeInstance{Instance: inst}
	f.order = append(f.order, inst.ID)
}

// Instance returns a snapshot of an instance.
func (f *Fake) Instance(id string) (cloud.Instance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return cloud.Instance{}, false
	}
	return copyInstance(inst.Instance), true
}

// CallCount counts recorded calls to method.
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == method {
			n++
		}
	}
	return n
}

func (f *Fake) record(method string) error {
	f.Calls = append(f.Calls, method)
	return f.Errors[method]
}

func (f *Fake) CreateKeyPair(_ context.Context, name string, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateKeyPair"); err != nil {
		return "", err
	}
	material, err := newKeyMaterial(name)
	if err != nil {
		return "", err
	}
	f.KeyPairs[name] = material
	return material, nil
}

func (f *Fake) DeleteKeyPair(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteKeyPair"); err != nil {
		return err
	}
	delete(f.KeyPairs, name)
	return nil
}

func (f *Fake) CreateSecurityGroup(_ context.Context, name, _ string, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateSecurityGroup"); err != nil {
		return "", err
	}
	id := fmt.Sprintf("sg-%04d", len(f.Groups)+1)
	f.Groups[name] = id
	return id, nil
}

func (f *Fake) AuthorizeIngress(_ context.Context, groupID string, rule cloud.IngressRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AuthorizeIngress"); err != nil {
		return err
	}
	f.Rules[groupID] = append(f.Rules[groupID], rule)
	return nil
}

func (f *Fake) DeleteSecurityGroup(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteSecurityGroup"); err != nil {
		return err
	}
	// A group still referenced by a live instance cannot be deleted.
	id := f.Groups[name]
	for _, inst := range f.instances {
		if inst.Tags["fake:group"] == id && inst.State != cloud.StateTerminated {
			return fmt.Errorf("DependencyViolation: %s in use by %s", name, inst.ID)
		}
	}
	delete(f.Groups, name)
	return nil
}

func (f *Fake) RunInstance(_ context.Context, spec cloud.LaunchSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RunInstance"); err != nil {
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("i-%08d", f.nextID)
	f.Launches = append(f.Launches, spec)
	f.instances[id] = &fakeInstance{
		Instance: cloud.Instance{
			ID:           id,
			State:        cloud.StatePending,
			InstanceType: spec.InstanceType,
			ImageID:      spec.ImageID,
			LaunchTime:   time.Date(2013, 3, 1, 12, 0, 0, 0, time.UTC),
			Tags:         map[string]string{"Name": spec.Name, "fake:group": spec.SecurityGroupID},
		},
		hidden:    f.HiddenPolls,
		countdown: f.BootPolls,
		next:      f.BootState,
	}
	f.order = append(f.order, id)
	return id, nil
}

func (f *Fake) DescribeInstance(_ context.Context, instanceID string) (*cloud.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DescribeInstance"); err != nil {
		return nil, err
	}
	inst, ok := f.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", cloud.ErrInstanceNotFound, instanceID)
	}
	if inst.hidden > 0 {
		inst.hidden--
		return nil, fmt.Errorf("%w: %s", cloud.ErrInstanceNotFound, instanceID)
	}
	if inst.countdown > 0 {
		inst.countdown--
	} else if inst.next != "" {
		inst.State = inst.next
		inst.next = ""
		if inst.State == cloud.StateRunning && inst.PublicDNS == "" {
			inst.PublicDNS = fmt.Sprintf("ec2-%s.compute-1.amazonaws.com", inst.ID)
		}
		if inst.State == cloud.StateTerminated {
			inst.PublicDNS = ""
		}
	}
	out := copyInstance(inst.Instance)
	return &out, nil
}

func (f *Fake) ListInstances(_ context.Context) ([]cloud.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListInstances"); err != nil {
		return nil, err
	}
	out := make([]cloud.Instance, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, copyInstance(f.instances[id].Instance))
	}
	return out, nil
}

func (f *Fake) CreateTags(_ context.Context, instanceID string, tags map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateTags"); err != nil {
		return err
	}
	inst, ok := f.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", cloud.ErrInstanceNotFound, instanceID)
	}
	for k, v := range tags {
		inst.Tags[k] = v
	}
	return nil
}

func (f *Fake) TerminateInstance(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("TerminateInstance"); err != nil {
		return err
	}
	inst, ok := f.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", cloud.ErrInstanceNotFound, instanceID)
	}
	inst.State = cloud.StateShuttingDown
	inst.countdown = f.TerminatePolls
	inst.next = cloud.StateTerminated
	return nil
}

func (f *Fake) StopInstances(_ context.Context, instanceIDs []string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("StopInstances"); err != nil {
		return err
	}
	f.Stopped = append(f.Stopped, append([]string(nil), instanceIDs...))
	f.ForceStop = force
	for _, id := range instanceIDs {
		if inst, ok := f.instances[id]; ok {
			inst.State = cloud.StateStopping
		}
	}
	return nil
}

func copyInstance(in cloud.Instance) cloud.Instance {
	out := in
	out.Tags = make(map[string]string, len(in.Tags))
	for k, v := range in.Tags {
		out.Tags[k] = v
	}
	return out
}

// newKeyMaterial returns an OpenSSH PEM private key, like EC2 hands back.
func newKeyMaterial(comment string) (string, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", err
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(block)), nil
}
