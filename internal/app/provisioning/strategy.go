package provisioning

import (
	"fmt"
	"strings"

	regexp "github.com/wasilibs/go-re2"

	domain "github.com/ahrav/fleet-armada/internal/domain/provisioning"
)

// StrategyKind names a family of detection rules selected by the coarse probe.
type StrategyKind string

const (
	StrategyPOSIX   StrategyKind = "posix"
	StrategyWindows StrategyKind = "windows"
)

// Strategy turns the output of its detection command into an OS descriptor.
type Strategy interface {
	Kind() StrategyKind
	DetectCommand() string
	// Parse returns false when no rule recognizes output.
	Parse(output string) (domain.OSDescriptor, bool)
}

// StrategyRegistry resolves a StrategyKind to its implementation. It is built
// once at startup and read-only afterwards.
type StrategyRegistry struct {
	strategies map[StrategyKind]Strategy
}

// NewStrategyRegistry indexes strategies by kind. A later strategy with the
// same kind replaces an earlier one.
func NewStrategyRegistry(strategies ...Strategy) *StrategyRegistry {
	r := &StrategyRegistry{strategies: make(map[StrategyKind]Strategy, len(strategies))}
	for _, s := range strategies {
		r.strategies[s.Kind()] = s
	}
	return r
}

// DefaultStrategyRegistry registers every supported detection strategy.
func DefaultStrategyRegistry() *StrategyRegistry {
	return NewStrategyRegistry(posixStrategy{}, windowsStrategy{})
}

// Lookup returns the strategy for kind or ErrUnsupportedStrategy.
func (r *StrategyRegistry) Lookup(kind StrategyKind) (Strategy, error) {
	s, ok := r.strategies[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedStrategy, kind)
	}
	return s, nil
}

// familyProbeCommand works in both a POSIX shell and cmd.exe: uname fails on
// Windows and ver runs instead.
const familyProbeCommand = "uname -s || ver"

// selectStrategy maps coarse probe output to a strategy kind.
func selectStrategy(output string) (StrategyKind, bool) {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "windows"):
		return StrategyWindows, true
	case strings.Contains(lower, "linux"):
		return StrategyPOSIX, true
	default:
		return "", false
	}
}

var (
	osReleaseLine = regexp.MustCompile(`(?m)^([A-Z_]+)=(.*)$`)
	majorMinor    = regexp.MustCompile(`^(\d+\.\d+)`)
	major         = regexp.MustCompile(`^(\d+)`)
	// Matches /etc/redhat-release when os-release is absent, e.g.
	// "CentOS Linux release 7.9.2009 (Core)".
	redhatRelease = regexp.MustCompile(`(?i)(centos|red hat enterprise linux)[^\d]*(\d+)`)
)

type posixStrategy struct{}

func (posixStrategy) Kind() StrategyKind { return StrategyPOSIX }

func (posixStrategy) DetectCommand() string {
	return "cat /etc/os-release 2>/dev/null || cat /etc/*-release"
}

func (posixStrategy) Parse(output string) (domain.OSDescriptor, bool) {
	fields := parseOSRelease(output)
	id := strings.ToLower(fields["ID"])
	like := strings.ToLower(fields["ID_LIKE"])
	version := fields["VERSION_ID"]

	switch {
	case id == "ubuntu" || id == "debian" || containsWord(like, "ubuntu") || containsWord(like, "debian"):
		m := majorMinor.FindStringSubmatch(version)
		if m == nil {
			m = major.FindStringSubmatch(version)
		}
		if m == nil {
			return domain.OSDescriptor{}, false
		}
		return domain.OSDescriptor{Family: domain.OSFamilyLinuxA, Distribution: distribution(fields, id), Version: m[1]}, true

	case id == "centos" || id == "rhel" || containsWord(like, "rhel") || containsWord(like, "centos"):
		m := major.FindStringSubmatch(version)
		if m == nil {
			return domain.OSDescriptor{}, false
		}
		return domain.OSDescriptor{Family: domain.OSFamilyLinuxB, Distribution: distribution(fields, id), Version: m[1]}, true
	}

	if m := redhatRelease.FindStringSubmatch(output); m != nil {
		return domain.OSDescriptor{Family: domain.OSFamilyLinuxB, Distribution: m[1], Version: m[2]}, true
	}
	return domain.OSDescriptor{}, false
}

func parseOSRelease(output string) map[string]string {
	fields := make(map[string]string)
	for _, m := range osReleaseLine.FindAllStringSubmatch(output, -1) {
		v := strings.TrimSpace(m[2])
		v = strings.Trim(v, `"'`)
		fields[m[1]] = v
	}
	return fields
}

func distribution(fields map[string]string, id string) string {
	if name := fields["NAME"]; name != "" {
		return name
	}
	return id
}

func containsWord(list, word string) bool {
	for _, w := range strings.Fields(list) {
		if w == word {
			return true
		}
	}
	return false
}

var windowsVersion = regexp.MustCompile(`(?i)microsoft windows\s*\[version\s+([\d.]+)\]`)

type windowsStrategy struct{}

func (windowsStrategy) Kind() StrategyKind { return StrategyWindows }

func (windowsStrategy) DetectCommand() string { return "ver" }

func (windowsStrategy) Parse(output string) (domain.OSDescriptor, bool) {
	m := windowsVersion.FindStringSubmatch(output)
	if m == nil {
		return domain.OSDescriptor{}, false
	}
	return domain.OSDescriptor{Family: domain.OSFamilyWindows, Distribution: "Windows", Version: m[1]}, true
}
