package mcu

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Dictionary is the parsed identify dictionary of an MCU
type Dictionary struct {
	Version       string                          `json:"version"`
	BuildVersions string                          `json:"build_versions"`
	Config        map[string]any                  `json:"config"`
	Commands      map[string]int                  `json:"commands"`
	Responses     map[string]int                  `json:"responses"`
	Enumerations  map[string]map[string]EnumValue `json:"enumerations,omitempty"`
}

// EnumValue is one enumeration entry: either a single value or a run of
// Count consecutive values starting at Start ("PA0": [0, 16]).
type EnumValue struct {
	Start int
	Count int
}

// UnmarshalJSON accepts both the scalar and the [start, count] form
func (v *EnumValue) UnmarshalJSON(b []byte) error {
	var single int
	if err := json.Unmarshal(b, &single); err == nil {
		v.Start, v.Count = single, 1
		return nil
	}
	var pair [2]int
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("enumeration value %s: %w", b, err)
	}
	v.Start, v.Count = pair[0], pair[1]
	return nil
}

// ParseDictionary decodes identify data, inflating it first when it is
// zlib compressed.
func ParseDictionary(data []byte) (*Dictionary, error) {
	if len(data) >= 2 && data[0] == 0x78 {
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("inflate dictionary: %w", err)
		}
		inflated, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("inflate dictionary: %w", err)
		}
		data = inflated
	}
	dict := &Dictionary{}
	if err := json.Unmarshal(data, dict); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return dict, nil
}

// Enumeration returns the flattened values of the named enumeration with
// ranges expanded, so "PA0": [0, 16] yields PA0..PA15.
func (d *Dictionary) Enumeration(name string) map[string]int {
	entries, ok := d.Enumerations[name]
	if !ok {
		return nil
	}
	out := make(map[string]int)
	for key, v := range entries {
		if v.Count <= 1 {
			out[key] = v.Start
			continue
		}
		prefix, first := splitTrailingNumber(key)
		for i := 0; i < v.Count; i++ {
			out[prefix+strconv.Itoa(first+i)] = v.Start + i
		}
	}
	return out
}

// enumerationFor finds the enumeration applying to a command parameter.
// A parameter uses an enumeration when its name matches it exactly or
// ends in "_<enumeration>" (scl_pin uses "pin").
func (d *Dictionary) enumerationFor(param string) (map[string]int, bool) {
	for name := range d.Enumerations {
		if param == name || strings.HasSuffix(param, "_"+name) {
			return d.Enumeration(name), true
		}
	}
	return nil, false
}

func splitTrailingNumber(s string) (string, int) {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	n, _ := strconv.Atoi(s[i:])
	return s[:i], n
}

// ConfigFloat returns a numeric config constant such as CLOCK_FREQ
func (d *Dictionary) ConfigFloat(key string) (float64, bool) {
	switch v := d.Config[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// Summary writes a human readable overview of the dictionary
func (d *Dictionary) Summary(w io.Writer) {
	fmt.Fprintf(w, "Version: %s\n", d.Version)
	fmt.Fprintf(w, "Build: %s\n", d.BuildVersions)

	fmt.Fprintln(w, "\nConfig:")
	for _, k := range sortedKeys(d.Config) {
		fmt.Fprintf(w, "  %s = %v\n", k, d.Config[k])
	}

	fmt.Fprintf(w, "\nCommands (%d):\n", len(d.Commands))
	for _, k := range sortedByID(d.Commands) {
		fmt.Fprintf(w, "  [%d] %s\n", d.Commands[k], k)
	}

	fmt.Fprintf(w, "\nResponses (%d):\n", len(d.Responses))
	for _, k := range sortedByID(d.Responses) {
		fmt.Fprintf(w, "  [%d] %s\n", d.Responses[k], k)
	}

	if len(d.Enumerations) > 0 {
		fmt.Fprintf(w, "\nEnumerations (%d):\n", len(d.Enumerations))
		for _, k := range sortedKeys(d.Enumerations) {
			fmt.Fprintf(w, "  %s: %d values\n", k, len(d.Enumeration(k)))
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedByID(m map[string]int) []string {
	keys := sortedKeys(m)
	sort.SliceStable(keys, func(i, j int) bool { return m[keys[i]] < m[keys[j]] })
	return keys
}
