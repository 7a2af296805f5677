// Package provisioning models what the control plane knows about a machine's
// operating system and the infrastructure services it can install and probe.
package provisioning

import "strings"

// OSFamily groups operating systems that share install scripts.
type OSFamily string

const (
	// OSFamilyLinuxA covers Ubuntu and other Debian-like distributions.
	OSFamilyLinuxA OSFamily = "linux_a"
	// OSFamilyLinuxB covers CentOS and RHEL.
	OSFamilyLinuxB OSFamily = "linux_b"
	// OSFamilyWindows covers Windows Server.
	OSFamilyWindows OSFamily = "windows"
	// OSFamilyUnknown is the zero state before classification has run.
	OSFamilyUnknown OSFamily = "unknown"
)

var allFamilies = []OSFamily{OSFamilyLinuxA, OSFamilyLinuxB, OSFamilyWindows}

// String returns the string representation of the OSFamily.
func (f OSFamily) String() string { return string(f) }

// ScriptDir returns the directory holding this family's install scripts.
func (f OSFamily) ScriptDir() string {
	switch f {
	case OSFamilyLinuxA:
		return "ubuntu"
	case OSFamilyLinuxB:
		return "centos"
	case OSFamilyWindows:
		return "windows"
	default:
		return ""
	}
}

// Families returns every classifiable family.
func Families() []OSFamily { return append([]OSFamily(nil), allFamilies...) }

// OSDescriptor is the classified operating system of a machine.
type OSDescriptor struct {
	Family       OSFamily `json:"family"`
	Distribution string   `json:"distribution"`
	Version      string   `json:"version"`
}

// String renders the descriptor as "<distribution> <version>".
func (d OSDescriptor) String() string {
	return strings.TrimSpace(d.Distribution + " " + d.Version)
}
