package provisioning

import (
	"fmt"
	"strings"
)

// ServiceType names an infrastructure service the control plane can install
// or probe.
type ServiceType string

const (
	ServiceDocker        ServiceType = "docker"
	ServiceNginx         ServiceType = "nginx"
	ServicePrometheus    ServiceType = "prometheus"
	ServiceMySQL         ServiceType = "mysql"
	ServiceRedis         ServiceType = "redis"
	ServiceNacos         ServiceType = "nacos"
	ServiceCommon        ServiceType = "common"
	ServiceHTTP          ServiceType = "http"
	ServiceHTTPS         ServiceType = "https"
	ServiceFTP           ServiceType = "ftp"
	ServiceElasticsearch ServiceType = "elasticsearch"
)

// String returns the string representation of the ServiceType.
func (s ServiceType) String() string { return string(s) }

// ProbePolicy selects how a service's ports are checked for reachability.
type ProbePolicy int

const (
	// ProbeSingle checks one port and reports a boolean.
	ProbeSingle ProbePolicy = iota
	// ProbeSet checks a small fixed set of ports to completion and reports
	// each port in declared order.
	ProbeSet
	// ProbeRange checks a contiguous range and gives up on the first port
	// that appears firewalled.
	ProbeRange
)

// PortSpec declares which ports a service listens on.
type PortSpec struct {
	Policy ProbePolicy
	Ports  []int
	// RangeStart and RangeEnd bound ProbeRange services, inclusive.
	RangeStart int
	RangeEnd   int
}

// Expand returns every port covered by the spec in declared order.
func (p PortSpec) Expand() []int {
	if p.Policy != ProbeRange {
		return append([]int(nil), p.Ports...)
	}
	ports := make([]int, 0, p.RangeEnd-p.RangeStart+1)
	for port := p.RangeStart; port <= p.RangeEnd; port++ {
		ports = append(ports, port)
	}
	return ports
}

var catalog = map[ServiceType]PortSpec{
	ServiceDocker:        {Policy: ProbeSingle, Ports: []int{2375}},
	ServiceNginx:         {Policy: ProbeSingle, Ports: []int{80}},
	ServicePrometheus:    {Policy: ProbeSingle, Ports: []int{9100}},
	ServiceMySQL:         {Policy: ProbeSingle, Ports: []int{3306}},
	ServiceRedis:         {Policy: ProbeSingle, Ports: []int{6379}},
	ServiceHTTP:          {Policy: ProbeSingle, Ports: []int{80}},
	ServiceHTTPS:         {Policy: ProbeSingle, Ports: []int{443}},
	ServiceNacos:         {Policy: ProbeSet, Ports: []int{8848, 9848, 9849}},
	ServiceFTP:           {Policy: ProbeSet, Ports: []int{20, 21}},
	ServiceElasticsearch: {Policy: ProbeSet, Ports: []int{9200, 9300}},
	ServiceCommon:        {Policy: ProbeRange, RangeStart: 9000, RangeEnd: 10000},
}

// Ports returns the port declaration for s.
func (s ServiceType) Ports() (PortSpec, bool) {
	spec, ok := catalog[s]
	return spec, ok
}

// ParseServiceType resolves a case-insensitive service name.
func ParseServiceType(name string) (ServiceType, error) {
	s := ServiceType(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := catalog[s]; !ok {
		return "", fmt.Errorf("unknown service type %q", name)
	}
	return s, nil
}

// ParseServiceList resolves a list of names, rejecting unknown and duplicate
// entries.
func ParseServiceList(names []string) ([]ServiceType, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no services requested")
	}
	seen := make(map[ServiceType]struct{}, len(names))
	out := make([]ServiceType, 0, len(names))
	for _, n := range names {
		s, err := ParseServiceType(n)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[s]; dup {
			return nil, fmt.Errorf("service %q listed more than once", s)
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}
