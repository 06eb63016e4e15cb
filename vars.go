package fastboot

import (
	"fmt"
	"strings"

	"github.com/kernelflinger/fastbootd/fberr"
	"github.com/kernelflinger/fastbootd/logx"
)

// MaxVariableLength is the wire limit on a variable's name or value: 63
// bytes plus the implicit NUL.
const MaxVariableLength = 63

// PartitionVarPrefix marks the names swept by CleanPartitionVars.
const PartitionVarPrefix = "partition-"

// DynamicGetter produces a transient variable value on every read.
type DynamicGetter func() (string, error)

type variable struct {
	value string
	get   DynamicGetter
}

// VarRegistry is an unordered name -> entry mapping: names are unique, and
// the collection itself has no defined order. Insertion order is tracked
// only so getvar:all is deterministic for tests; nothing in the protocol
// depends on that order.
type VarRegistry struct {
	order []string
	vars  map[string]*variable
}

// NewVarRegistry returns an empty registry.
func NewVarRegistry() *VarRegistry {
	return &VarRegistry{vars: make(map[string]*variable)}
}

// Publish stores a static string variable, replacing any previous value.
func (r *VarRegistry) Publish(name, value string) error {
	if len(name) > MaxVariableLength || len(value) > MaxVariableLength {
		return fberr.New(fberr.InvalidParameter, "name or value too long for variable %q", name)
	}
	r.upsert(name, &variable{value: value})
	return nil
}

// PublishDynamic stores a zero-arg getter invoked fresh on every read.
func (r *VarRegistry) PublishDynamic(name string, get DynamicGetter) error {
	if len(name) > MaxVariableLength {
		return fberr.New(fberr.InvalidParameter, "name too long for variable %q", name)
	}
	r.upsert(name, &variable{get: get})
	return nil
}

func (r *VarRegistry) upsert(name string, v *variable) {
	if _, exists := r.vars[name]; !exists {
		r.order = append(r.order, name)
	}
	r.vars[name] = v
}

// Lookup returns the current value of name. A dynamic getter's result
// longer than MaxVariableLength yields an empty string and an error log,
// rather than a truncated or oversized reply.
func (r *VarRegistry) Lookup(name string) (string, bool) {
	v, ok := r.vars[name]
	if !ok {
		return "", false
	}
	return r.resolve(name, v), true
}

func (r *VarRegistry) resolve(name string, v *variable) string {
	if v.get == nil {
		return v.value
	}
	value, err := v.get()
	if err != nil {
		logx.Errorf("dynamic variable %q getter failed: %v", name, err)
		return ""
	}
	if len(value) > MaxVariableLength {
		logx.Errorf("value too long for %q variable", name)
		return ""
	}
	return value
}

// Entry is a materialized (name, value) pair returned by Enumerate.
type Entry struct {
	Name  string
	Value string
}

// Enumerate returns every published variable, resolving dynamic getters,
// in stable insertion order.
func (r *VarRegistry) Enumerate() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, Entry{Name: name, Value: r.resolve(name, r.vars[name])})
	}
	return out
}

// CleanPartitionVars drops every variable whose name begins with
// "partition-", used before re-publishing partition metadata after a GPT
// change.
func (r *VarRegistry) CleanPartitionVars() {
	kept := r.order[:0:0]
	for _, name := range r.order {
		if strings.HasPrefix(name, PartitionVarPrefix) {
			delete(r.vars, name)
			continue
		}
		kept = append(kept, name)
	}
	r.order = kept
}

// PartitionType classifies a GPT partition type GUID into the fastboot
// vocabulary used by partition-type:<name>.
type PartitionType int

const (
	PartitionTypeNone PartitionType = iota
	PartitionTypeExt4
	PartitionTypeVFAT
)

func (t PartitionType) String() string {
	switch t {
	case PartitionTypeExt4:
		return "ext4"
	case PartitionTypeVFAT:
		return "vfat"
	default:
		return "none"
	}
}

// PublishPartitionVars publishes partition-size/-type and has-slot for a
// single partition, aliasing data<->userdata.
func (r *VarRegistry) PublishPartitionVars(name string, sizeBytes uint64, ptype PartitionType) error {
	if err := r.publishOnePartition(name, sizeBytes, ptype); err != nil {
		return err
	}
	switch name {
	case "data":
		return r.publishOnePartition("userdata", sizeBytes, ptype)
	case "userdata":
		return r.publishOnePartition("data", sizeBytes, ptype)
	}
	return nil
}

func (r *VarRegistry) publishOnePartition(name string, sizeBytes uint64, ptype PartitionType) error {
	if err := r.Publish(fmt.Sprintf("partition-size:%s", name), fmt.Sprintf("0x%X", sizeBytes)); err != nil {
		return err
	}
	if err := r.Publish(fmt.Sprintf("partition-type:%s", name), ptype.String()); err != nil {
		return err
	}
	return r.Publish(fmt.Sprintf("has-slot:%s", name), "no")
}
