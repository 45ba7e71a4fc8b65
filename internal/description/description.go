// Package description parses and validates the declarative range
// description: a YAML document of host_settings, guest_settings, and
// clone_settings sections.
package description

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/cyris-lab/cyris/internal/cyriserr"
	"gopkg.in/yaml.v3"
)

// BaseVMType is the closed sum for a guest's disk-acquisition strategy.
// Following "dynamic enums as tagged variants" rather than an open
// string, unknown tags are rejected at parse time.
type BaseVMType string

const (
	BaseVMPreBuilt BaseVMType = "pre-built"
	BaseVMOnDemand BaseVMType = "on-demand"
	BaseVMCloud    BaseVMType = "cloud"
)

// Host is an immutable-after-parse hypervisor host entry.
type Host struct {
	HostID       string `yaml:"host_id"`
	MgmtAddr     string `yaml:"mgmt_addr"`
	VirbrAddr    string `yaml:"virbr_addr"`
	Account      string `yaml:"account"`
}

// Task is one provisioning step declared on a guest.
type Task struct {
	Kind   string                 `yaml:"task_type"`
	Params map[string]interface{} `yaml:"params"`
	Fatal  bool                   `yaml:"fatal"`
}

// Guest is immutable after parse; resolved IP and assigned domain name
// live on the range record, never mutated here.
type Guest struct {
	GuestID           string     `yaml:"guest_id"`
	BaseVMType        BaseVMType `yaml:"basevm_type"`
	OSType            string     `yaml:"basevm_os_type"`
	ImageName         string     `yaml:"image_name,omitempty"`
	BaseVMConfigFile  string     `yaml:"basevm_config_file,omitempty"`
	VCPUs             int        `yaml:"vcpus"`
	MemoryMB          int        `yaml:"memory"`
	DiskGB            int        `yaml:"disk_size"`
	RootPassword      string     `yaml:"root_passwd,omitempty"`
	Tasks             []Task     `yaml:"tasks"`
}

// NetworkMember references a guest interface (`guest_id.ifaceN`).
type NetworkMember struct {
	GuestID   string
	Interface string
}

// TopologyNetwork is one named network in a clone spec's topology.
type TopologyNetwork struct {
	Name    string          `yaml:"name"`
	Members []NetworkMember `yaml:"-"`
	rawMembers []string     `yaml:"members"`
}

// CloneSettingInstance maps a guest_id to an instance count and whether
// it is the entry point.
type CloneSettingInstance struct {
	GuestID     string `yaml:"guest_id"`
	Number      int    `yaml:"number"`
	EntryPoint  bool   `yaml:"entry_point"`
}

// CloneSpec declares one range's topology and instance counts.
type CloneSpec struct {
	RangeID   string                 `yaml:"range_id"`
	Instances []CloneSettingInstance `yaml:"instances"`
	Topology  []TopologyNetwork      `yaml:"topology"`
}

// Document is the fully parsed description.
type Document struct {
	Hosts  []Host      `yaml:"host_settings"`
	Guests []Guest     `yaml:"guest_settings"`
	Clones []CloneSpec `yaml:"clone_settings"`
}

type rawDocument struct {
	HostSettings  []Host      `yaml:"host_settings"`
	GuestSettings []Guest     `yaml:"guest_settings"`
	CloneSettings []rawClone  `yaml:"clone_settings"`
}

type rawClone struct {
	RangeID   string                 `yaml:"range_id"`
	Instances []CloneSettingInstance `yaml:"instances"`
	Topology  []rawTopologyNetwork   `yaml:"topology"`
}

type rawTopologyNetwork struct {
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
}

var shellMetaChars = regexp.MustCompile(`[;&|$` + "`" + `<>"'\\(){}\n]`)

// Parse reads and validates a description document from path. Relative
// paths inside it (basevm_config_file) are resolved against path's
// directory at parse time and stored absolute, so later code never
// needs to know what directory the document came from.
func Parse(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, cyriserr.Wrap(cyriserr.KindValidation, "parse", err)
	}
	dir := filepath.Dir(path)

	var rd rawDocument
	if err := yaml.Unmarshal(raw, &rd); err != nil {
		return nil, cyriserr.Wrap(cyriserr.KindValidation, "parse", err)
	}

	doc := &Document{
		Hosts:  rd.HostSettings,
		Guests: rd.GuestSettings,
	}
	for _, rc := range rd.CloneSettings {
		cs := CloneSpec{RangeID: rc.RangeID, Instances: rc.Instances}
		for _, rt := range rc.Topology {
			tn := TopologyNetwork{Name: rt.Name}
			for _, m := range rt.Members {
				gid, iface, err := splitMember(m)
				if err != nil {
					return nil, err
				}
				tn.Members = append(tn.Members, NetworkMember{GuestID: gid, Interface: iface})
			}
			cs.Topology = append(cs.Topology, tn)
		}
		doc.Clones = append(doc.Clones, cs)
	}

	for i := range doc.Guests {
		if doc.Guests[i].BaseVMConfigFile != "" && !filepath.IsAbs(doc.Guests[i].BaseVMConfigFile) {
			doc.Guests[i].BaseVMConfigFile = filepath.Join(dir, doc.Guests[i].BaseVMConfigFile)
		}
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func splitMember(m string) (guestID, iface string, err error) {
	idx := -1
	for i := len(m) - 1; i >= 0; i-- {
		if m[i] == '.' {
			idx = i
			break
		}
	}
	if idx <= 0 || idx == len(m)-1 {
		return "", "", cyriserr.New(cyriserr.KindValidation, "parse",
			fmt.Sprintf("malformed topology member %q, expected guest_id.ifaceN", m))
	}
	return m[:idx], m[idx+1:], nil
}

// Validate checks every structural invariant the format requires:
// exactly one of image_name/basevm_config_file per basevm_type, every
// topology member references a declared guest, and no shell
// metacharacters in operator-supplied identifiers.
func (d *Document) Validate() error {
	guestByID := make(map[string]*Guest, len(d.Guests))
	for i := range d.Guests {
		g := &d.Guests[i]
		if g.GuestID == "" {
			return cyriserr.New(cyriserr.KindValidation, "validate", "guest missing guest_id")
		}
		if shellMetaChars.MatchString(g.GuestID) {
			return cyriserr.New(cyriserr.KindValidation, "validate",
				fmt.Sprintf("guest_id %q contains shell metacharacters", g.GuestID))
		}
		if _, dup := guestByID[g.GuestID]; dup {
			return cyriserr.New(cyriserr.KindValidation, "validate",
				fmt.Sprintf("duplicate guest_id %q", g.GuestID))
		}
		guestByID[g.GuestID] = g

		switch g.BaseVMType {
		case BaseVMPreBuilt:
			if g.BaseVMConfigFile == "" || g.ImageName != "" {
				return cyriserr.New(cyriserr.KindValidation, "validate",
					fmt.Sprintf("guest %q: pre-built requires basevm_config_file only", g.GuestID))
			}
		case BaseVMOnDemand:
			if g.ImageName == "" || g.BaseVMConfigFile != "" {
				return cyriserr.New(cyriserr.KindValidation, "validate",
					fmt.Sprintf("guest %q: on-demand requires image_name only", g.GuestID))
			}
		case BaseVMCloud:
			// out of core scope (non-goals); accepted at parse
			// time as a tagged variant but no provider implements it.
		default:
			return cyriserr.New(cyriserr.KindValidation, "validate",
				fmt.Sprintf("guest %q: unknown basevm_type %q", g.GuestID, g.BaseVMType))
		}

		for _, t := range g.Tasks {
			if err := validateTaskIdentifiers(t); err != nil {
				return err
			}
		}
	}

	for _, c := range d.Clones {
		for _, inst := range c.Instances {
			if _, ok := guestByID[inst.GuestID]; !ok {
				return cyriserr.New(cyriserr.KindValidation, "validate",
					fmt.Sprintf("clone_settings %s: instance references unknown guest_id %q", c.RangeID, inst.GuestID))
			}
		}
		for _, net := range c.Topology {
			for _, m := range net.Members {
				if _, ok := guestByID[m.GuestID]; !ok {
					return cyriserr.New(cyriserr.KindValidation, "validate",
						fmt.Sprintf("clone_settings %s: network %q references unknown guest_id %q", c.RangeID, net.Name, m.GuestID))
				}
			}
		}
	}

	return nil
}

func validateTaskIdentifiers(t Task) error {
	for k, v := range t.Params {
		s, ok := v.(string)
		if !ok {
			continue
		}
		// Only identifier-like fields are rejected outright; free-form
		// content (inline script bodies, file paths) is handled by the
		// positional-argument script envelope in internal/task, not here.
		if (k == "account" || k == "new_account" || k == "username" || k == "new_username" || k == "manager" || k == "as_user") && shellMetaChars.MatchString(s) {
			return cyriserr.New(cyriserr.KindValidation, "validate",
				fmt.Sprintf("task parameter %q contains shell metacharacters", k))
		}
	}
	return nil
}

// EntryPointGuestIDs returns the guest_ids flagged as entry points in a
// clone spec, used by the orchestrator's final success policy.
func (c *CloneSpec) EntryPointGuestIDs() []string {
	var ids []string
	for _, inst := range c.Instances {
		if inst.EntryPoint {
			ids = append(ids, inst.GuestID)
		}
	}
	return ids
}
