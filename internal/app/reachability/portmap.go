package reachability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// PortResult is one port's reachability.
type PortResult struct {
	Port      int
	Reachable bool
}

// PortMap is an ordered port -> reachable list. It encodes as a JSON object
// whose keys appear in declared port order.
type PortMap []PortResult

// Get returns the result for port.
func (m PortMap) Get(port int) (bool, bool) {
	for _, r := range m {
		if r.Port == port {
			return r.Reachable, true
		}
	}
	return false, false
}

// AllReachable reports whether every port is reachable.
func (m PortMap) AllReachable() bool {
	for _, r := range m {
		if !r.Reachable {
			return false
		}
	}
	return true
}

// MarshalJSON encodes m as {"<port>": bool, ...} in slice order.
func (m PortMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, r := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('"')
		buf.WriteString(strconv.Itoa(r.Port))
		buf.WriteString(`":`)
		buf.WriteString(strconv.FormatBool(r.Reachable))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object produced by MarshalJSON, keeping key order.
func (m *PortMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("port map: expected object, got %v", tok)
	}

	out := PortMap{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		port, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("port map: invalid port %q", key)
		}
		var reachable bool
		if err := dec.Decode(&reachable); err != nil {
			return fmt.Errorf("port map: port %d: %w", port, err)
		}
		out = append(out, PortResult{Port: port, Reachable: reachable})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*m = out
	return nil
}

// ServiceResult is the scan outcome for one service. Set-policy services
// carry per-port detail in Ports; every other policy reports only Reachable.
type ServiceResult struct {
	Reachable bool
	Ports     PortMap
}

// MarshalJSON encodes the result as a bare bool or, with per-port detail, as
// a PortMap object.
func (r ServiceResult) MarshalJSON() ([]byte, error) {
	if r.Ports != nil {
		return r.Ports.MarshalJSON()
	}
	return []byte(strconv.FormatBool(r.Reachable)), nil
}

// UnmarshalJSON accepts either encoding produced by MarshalJSON.
func (r *ServiceResult) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var pm PortMap
		if err := pm.UnmarshalJSON(data); err != nil {
			return err
		}
		*r = ServiceResult{Reachable: pm.AllReachable(), Ports: pm}
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("service result: %w", err)
	}
	*r = ServiceResult{Reachable: b}
	return nil
}
