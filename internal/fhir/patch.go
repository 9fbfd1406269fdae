package fhir

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PatchOperation is a single JSON Patch operation (RFC 6902).
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
	From  string      `json:"from,omitempty"`
}

// ParseJSONPatch parses and shape-checks a JSON Patch document.
func ParseJSONPatch(data []byte) ([]PatchOperation, error) {
	var ops []PatchOperation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, InvalidError("invalid JSON Patch document: %v", err)
	}
	if len(ops) == 0 {
		return nil, InvalidError("JSON Patch document contains no operations")
	}
	for i, op := range ops {
		switch op.Op {
		case "add", "remove", "replace", "move", "copy", "test":
		default:
			return nil, InvalidError("patch operation %d: unknown op %q", i, op.Op)
		}
		if op.Path == "" {
			return nil, InvalidError("patch operation %d: missing 'path'", i)
		}
		if (op.Op == "move" || op.Op == "copy") && op.From == "" {
			return nil, InvalidError("patch operation %d: %s requires 'from'", i, op.Op)
		}
	}
	return ops, nil
}

// ApplyJSONPatch applies a JSON Patch to a resource map and returns the
// patched copy; the input map is never mutated.
func ApplyJSONPatch(resource map[string]interface{}, ops []PatchOperation) (map[string]interface{}, error) {
	result := DeepCopyMap(resource)
	for i, op := range ops {
		var err error
		switch op.Op {
		case "add":
			err = patchAdd(result, op.Path, op.Value)
		case "remove":
			err = patchRemove(result, op.Path)
		case "replace":
			err = patchReplace(result, op.Path, op.Value)
		case "move":
			err = patchMove(result, op.From, op.Path)
		case "copy":
			err = patchCopy(result, op.From, op.Path)
		case "test":
			err = patchTest(result, op.Path, op.Value)
		}
		if err != nil {
			return nil, InvalidError("patch operation %d (%s %s) failed: %v", i, op.Op, op.Path, err)
		}
	}
	return result, nil
}

func patchAdd(doc map[string]interface{}, path string, value interface{}) error {
	parts, err := splitPointer(path)
	if err != nil {
		return err
	}
	return applyAt(doc, parts, func(container interface{}, key string) (interface{}, error) {
		switch c := container.(type) {
		case map[string]interface{}:
			c[key] = value
			return c, nil
		case []interface{}:
			if key == "-" {
				return append(c, value), nil
			}
			idx, err := arrayIndex(key, len(c), true)
			if err != nil {
				return nil, err
			}
			out := make([]interface{}, 0, len(c)+1)
			out = append(out, c[:idx]...)
			out = append(out, value)
			out = append(out, c[idx:]...)
			return out, nil
		default:
			return nil, fmt.Errorf("cannot add into non-container")
		}
	})
}

func patchRemove(doc map[string]interface{}, path string) error {
	parts, err := splitPointer(path)
	if err != nil {
		return err
	}
	return applyAt(doc, parts, func(container interface{}, key string) (interface{}, error) {
		switch c := container.(type) {
		case map[string]interface{}:
			if _, ok := c[key]; !ok {
				return nil, fmt.Errorf("path not found")
			}
			delete(c, key)
			return c, nil
		case []interface{}:
			idx, err := arrayIndex(key, len(c), false)
			if err != nil {
				return nil, err
			}
			out := make([]interface{}, 0, len(c)-1)
			out = append(out, c[:idx]...)
			out = append(out, c[idx+1:]...)
			return out, nil
		default:
			return nil, fmt.Errorf("cannot remove from non-container")
		}
	})
}

func patchReplace(doc map[string]interface{}, path string, value interface{}) error {
	parts, err := splitPointer(path)
	if err != nil {
		return err
	}
	return applyAt(doc, parts, func(container interface{}, key string) (interface{}, error) {
		switch c := container.(type) {
		case map[string]interface{}:
			if _, ok := c[key]; !ok {
				return nil, fmt.Errorf("path not found")
			}
			c[key] = value
			return c, nil
		case []interface{}:
			idx, err := arrayIndex(key, len(c), false)
			if err != nil {
				return nil, err
			}
			c[idx] = value
			return c, nil
		default:
			return nil, fmt.Errorf("cannot replace in non-container")
		}
	})
}

func patchMove(doc map[string]interface{}, from, path string) error {
	value, err := getAtPointer(doc, from)
	if err != nil {
		return fmt.Errorf("move from: %w", err)
	}
	if err := patchRemove(doc, from); err != nil {
		return fmt.Errorf("move remove: %w", err)
	}
	return patchAdd(doc, path, value)
}

func patchCopy(doc map[string]interface{}, from, path string) error {
	value, err := getAtPointer(doc, from)
	if err != nil {
		return fmt.Errorf("copy from: %w", err)
	}
	return patchAdd(doc, path, deepCopyValue(value))
}

func patchTest(doc map[string]interface{}, path string, expected interface{}) error {
	actual, err := getAtPointer(doc, path)
	if err != nil {
		return fmt.Errorf("test: %w", err)
	}
	actualJSON, _ := json.Marshal(actual)
	expectedJSON, _ := json.Marshal(expected)
	if string(actualJSON) != string(expectedJSON) {
		return fmt.Errorf("test failed at %s: expected %s, got %s", path, expectedJSON, actualJSON)
	}
	return nil
}

// applyAt walks to the parent container of the pointer target and runs
// mutate on it. mutate returns the container's replacement, which matters
// for slices whose backing array changed.
func applyAt(doc map[string]interface{}, parts []string, mutate func(container interface{}, key string) (interface{}, error)) error {
	if len(parts) == 0 {
		return fmt.Errorf("cannot operate on the document root")
	}
	out, err := applyAtNode(doc, parts, mutate)
	if err != nil {
		return err
	}
	// The root of a FHIR resource is always an object, so the returned
	// container is the same map mutated in place.
	if _, ok := out.(map[string]interface{}); !ok {
		return fmt.Errorf("patch replaced the document root")
	}
	return nil
}

func applyAtNode(node interface{}, parts []string, mutate func(container interface{}, key string) (interface{}, error)) (interface{}, error) {
	if len(parts) == 1 {
		return mutate(node, parts[0])
	}
	head, rest := parts[0], parts[1:]
	switch c := node.(type) {
	case map[string]interface{}:
		child, ok := c[head]
		if !ok {
			return nil, fmt.Errorf("path segment %q not found", head)
		}
		newChild, err := applyAtNode(child, rest, mutate)
		if err != nil {
			return nil, err
		}
		c[head] = newChild
		return c, nil
	case []interface{}:
		idx, err := arrayIndex(head, len(c), false)
		if err != nil {
			return nil, err
		}
		newChild, err := applyAtNode(c[idx], rest, mutate)
		if err != nil {
			return nil, err
		}
		c[idx] = newChild
		return c, nil
	default:
		return nil, fmt.Errorf("cannot traverse into segment %q", head)
	}
}

func getAtPointer(doc map[string]interface{}, path string) (interface{}, error) {
	parts, err := splitPointer(path)
	if err != nil {
		return nil, err
	}
	var current interface{} = doc
	for _, part := range parts {
		switch c := current.(type) {
		case map[string]interface{}:
			v, ok := c[part]
			if !ok {
				return nil, fmt.Errorf("path segment %q not found", part)
			}
			current = v
		case []interface{}:
			idx, err := arrayIndex(part, len(c), false)
			if err != nil {
				return nil, err
			}
			current = c[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into segment %q", part)
		}
	}
	return current, nil
}

// splitPointer splits an RFC 6901 JSON pointer and unescapes ~1 and ~0.
func splitPointer(path string) ([]string, error) {
	if path == "" || path == "/" {
		return nil, fmt.Errorf("empty pointer")
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("pointer must start with '/'")
	}
	raw := strings.Split(path[1:], "/")
	parts := make([]string, len(raw))
	for i, p := range raw {
		p = strings.ReplaceAll(p, "~1", "/")
		p = strings.ReplaceAll(p, "~0", "~")
		parts[i] = p
	}
	return parts, nil
}

func arrayIndex(key string, length int, allowEnd bool) (int, error) {
	idx, err := strconv.Atoi(key)
	if err != nil {
		return 0, fmt.Errorf("invalid array index %q", key)
	}
	max := length - 1
	if allowEnd {
		max = length
	}
	if idx < 0 || idx > max {
		return 0, fmt.Errorf("array index %d out of bounds (len %d)", idx, length)
	}
	return idx, nil
}

// DeepCopyMap copies a decoded JSON document via a marshal round-trip.
func DeepCopyMap(m map[string]interface{}) map[string]interface{} {
	data, _ := json.Marshal(m)
	var result map[string]interface{}
	_ = json.Unmarshal(data, &result)
	return result
}

func deepCopyValue(v interface{}) interface{} {
	data, _ := json.Marshal(v)
	var result interface{}
	_ = json.Unmarshal(data, &result)
	return result
}

// ---------------------------------------------------------------------------
// FHIR Patch (Parameters document)
// ---------------------------------------------------------------------------

// FHIRPatchOperation is one operation from a FHIR Patch Parameters document.
type FHIRPatchOperation struct {
	Type        string      // add | insert | delete | replace | move
	Path        string      // FHIRPath to the target (dot segments, [n] indexes)
	Name        string      // element name for add
	Value       interface{} // decoded value[x]
	Index       int         // insert position
	Source      int         // move source
	Destination int         // move destination
	hasIndex    bool
	hasSource   bool
	hasDest     bool
}

// IsFHIRPatchDocument reports whether a body is a Parameters resource, the
// envelope of a FHIR Patch.
func IsFHIRPatchDocument(body []byte) bool {
	return RawResourceType(body) == "Parameters"
}

// ParseFHIRPatch extracts the operation list from a FHIR Patch Parameters
// document.
func ParseFHIRPatch(data []byte) ([]FHIRPatchOperation, error) {
	var doc struct {
		ResourceType string `json:"resourceType"`
		Parameter    []struct {
			Name string                   `json:"name"`
			Part []map[string]interface{} `json:"part"`
		} `json:"parameter"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, InvalidError("invalid FHIR Patch document: %v", err)
	}
	if doc.ResourceType != "Parameters" {
		return nil, InvalidError("FHIR Patch body must be a Parameters resource, got %q", doc.ResourceType)
	}

	var ops []FHIRPatchOperation
	for i, param := range doc.Parameter {
		if param.Name != "operation" {
			continue
		}
		op := FHIRPatchOperation{}
		for _, part := range param.Part {
			name, _ := part["name"].(string)
			switch name {
			case "type":
				op.Type, _ = firstValueField(part).(string)
			case "path":
				op.Path, _ = firstValueField(part).(string)
			case "name":
				op.Name, _ = firstValueField(part).(string)
			case "value":
				op.Value = firstValueField(part)
			case "index":
				op.Index, op.hasIndex = intValueField(part)
			case "source":
				op.Source, op.hasSource = intValueField(part)
			case "destination":
				op.Destination, op.hasDest = intValueField(part)
			}
		}
		switch op.Type {
		case "add", "insert", "delete", "replace", "move":
		default:
			return nil, InvalidError("FHIR Patch operation %d: unknown type %q", i, op.Type)
		}
		if op.Path == "" {
			return nil, InvalidError("FHIR Patch operation %d: missing path", i)
		}
		ops = append(ops, op)
	}
	if len(ops) == 0 {
		return nil, InvalidError("FHIR Patch document contains no operations")
	}
	return ops, nil
}

// firstValueField returns the value[x] member of an operation part, e.g.
// valueString, valueCode, valueInteger, valueHumanName.
func firstValueField(part map[string]interface{}) interface{} {
	for k, v := range part {
		if k != "value" && strings.HasPrefix(k, "value") {
			return v
		}
	}
	return nil
}

func intValueField(part map[string]interface{}) (int, bool) {
	v := firstValueField(part)
	switch n := v.(type) {
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// ApplyFHIRPatch applies FHIR Patch operations to a resource map and returns
// a patched copy. Paths support dot navigation and [n] indexes; the leading
// resource-type segment is optional. Structure is inferred from the document:
// add on an existing list appends, otherwise the named element is set.
func ApplyFHIRPatch(resource map[string]interface{}, ops []FHIRPatchOperation) (map[string]interface{}, error) {
	result := DeepCopyMap(resource)
	resourceType, _ := result["resourceType"].(string)

	for i, op := range ops {
		segs, err := parsePatchPath(op.Path, resourceType)
		if err != nil {
			return nil, InvalidError("FHIR Patch operation %d: %v", i, err)
		}
		switch op.Type {
		case "add":
			err = fhirPatchAdd(result, segs, op.Name, op.Value)
		case "insert":
			if !op.hasIndex {
				err = fmt.Errorf("insert requires an index")
			} else {
				err = fhirPatchInsert(result, segs, op.Index, op.Value)
			}
		case "delete":
			err = fhirPatchDelete(result, segs)
		case "replace":
			err = fhirPatchReplace(result, segs, op.Value)
		case "move":
			if !op.hasSource || !op.hasDest {
				err = fmt.Errorf("move requires source and destination")
			} else {
				err = fhirPatchMove(result, segs, op.Source, op.Destination)
			}
		}
		if err != nil {
			return nil, InvalidError("FHIR Patch operation %d (%s %s) failed: %v", i, op.Type, op.Path, err)
		}
	}
	return result, nil
}

type patchSeg struct {
	name string
	idx  int
	hasIdx bool
}

func parsePatchPath(path, resourceType string) ([]patchSeg, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	rawSegs := strings.Split(path, ".")
	if rawSegs[0] == resourceType || (resourceType == "" && rawSegs[0] != "" && rawSegs[0][0] >= 'A' && rawSegs[0][0] <= 'Z') {
		rawSegs = rawSegs[1:]
	}
	var segs []patchSeg
	for _, raw := range rawSegs {
		seg := patchSeg{name: raw}
		if open := strings.IndexByte(raw, '['); open >= 0 {
			close := strings.IndexByte(raw, ']')
			if close < open {
				return nil, fmt.Errorf("malformed index in segment %q", raw)
			}
			idx, err := strconv.Atoi(raw[open+1 : close])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("malformed index in segment %q", raw)
			}
			seg.name = raw[:open]
			seg.idx = idx
			seg.hasIdx = true
		}
		if seg.name == "" {
			return nil, fmt.Errorf("empty segment in path %q", path)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// navigatePatch walks segs from the document root and returns the addressed node.
func navigatePatch(doc map[string]interface{}, segs []patchSeg) (interface{}, error) {
	var current interface{} = doc
	for _, seg := range segs {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("segment %q: parent is not an object", seg.name)
		}
		v, ok := m[seg.name]
		if !ok {
			return nil, fmt.Errorf("segment %q not found", seg.name)
		}
		if seg.hasIdx {
			arr, ok := v.([]interface{})
			if !ok {
				return nil, fmt.Errorf("segment %q is not a list", seg.name)
			}
			if seg.idx >= len(arr) {
				return nil, fmt.Errorf("index %d out of bounds in %q", seg.idx, seg.name)
			}
			v = arr[seg.idx]
		}
		current = v
	}
	return current, nil
}

func fhirPatchAdd(doc map[string]interface{}, segs []patchSeg, name string, value interface{}) error {
	if name == "" {
		return fmt.Errorf("add requires a name")
	}
	target, err := navigatePatch(doc, segs)
	if err != nil {
		return err
	}
	m, ok := target.(map[string]interface{})
	if !ok {
		return fmt.Errorf("add target is not an object")
	}
	if existing, ok := m[name].([]interface{}); ok {
		m[name] = append(existing, value)
		return nil
	}
	m[name] = value
	return nil
}

func fhirPatchInsert(doc map[string]interface{}, segs []patchSeg, index int, value interface{}) error {
	return mutateList(doc, segs, func(arr []interface{}) ([]interface{}, error) {
		if index < 0 || index > len(arr) {
			return nil, fmt.Errorf("insert index %d out of bounds (len %d)", index, len(arr))
		}
		out := make([]interface{}, 0, len(arr)+1)
		out = append(out, arr[:index]...)
		out = append(out, value)
		out = append(out, arr[index:]...)
		return out, nil
	})
}

func fhirPatchMove(doc map[string]interface{}, segs []patchSeg, source, destination int) error {
	return mutateList(doc, segs, func(arr []interface{}) ([]interface{}, error) {
		if source < 0 || source >= len(arr) {
			return nil, fmt.Errorf("move source %d out of bounds", source)
		}
		if destination < 0 || destination >= len(arr) {
			return nil, fmt.Errorf("move destination %d out of bounds", destination)
		}
		v := arr[source]
		tmp := append(append([]interface{}{}, arr[:source]...), arr[source+1:]...)
		out := make([]interface{}, 0, len(arr))
		out = append(out, tmp[:destination]...)
		out = append(out, v)
		out = append(out, tmp[destination:]...)
		return out, nil
	})
}

// mutateList addresses a list-valued path and replaces it with fn's result.
func mutateList(doc map[string]interface{}, segs []patchSeg, fn func([]interface{}) ([]interface{}, error)) error {
	if len(segs) == 0 {
		return fmt.Errorf("path addresses the document root")
	}
	last := segs[len(segs)-1]
	if last.hasIdx {
		return fmt.Errorf("list operation path must not carry an index")
	}
	parent, err := navigatePatch(doc, segs[:len(segs)-1])
	if err != nil {
		return err
	}
	m, ok := parent.(map[string]interface{})
	if !ok {
		return fmt.Errorf("parent of %q is not an object", last.name)
	}
	arr, ok := m[last.name].([]interface{})
	if !ok {
		return fmt.Errorf("%q is not a list", last.name)
	}
	out, err := fn(arr)
	if err != nil {
		return err
	}
	m[last.name] = out
	return nil
}

func fhirPatchDelete(doc map[string]interface{}, segs []patchSeg) error {
	if len(segs) == 0 {
		return fmt.Errorf("path addresses the document root")
	}
	last := segs[len(segs)-1]
	parent, err := navigatePatch(doc, segs[:len(segs)-1])
	if err != nil {
		return err
	}
	m, ok := parent.(map[string]interface{})
	if !ok {
		return fmt.Errorf("parent of %q is not an object", last.name)
	}
	if !last.hasIdx {
		if _, ok := m[last.name]; !ok {
			return fmt.Errorf("%q not found", last.name)
		}
		delete(m, last.name)
		return nil
	}
	arr, ok := m[last.name].([]interface{})
	if !ok {
		return fmt.Errorf("%q is not a list", last.name)
	}
	if last.idx >= len(arr) {
		return fmt.Errorf("index %d out of bounds in %q", last.idx, last.name)
	}
	out := make([]interface{}, 0, len(arr)-1)
	out = append(out, arr[:last.idx]...)
	out = append(out, arr[last.idx+1:]...)
	m[last.name] = out
	return nil
}

func fhirPatchReplace(doc map[string]interface{}, segs []patchSeg, value interface{}) error {
	if len(segs) == 0 {
		return fmt.Errorf("path addresses the document root")
	}
	last := segs[len(segs)-1]
	parent, err := navigatePatch(doc, segs[:len(segs)-1])
	if err != nil {
		return err
	}
	m, ok := parent.(map[string]interface{})
	if !ok {
		return fmt.Errorf("parent of %q is not an object", last.name)
	}
	if !last.hasIdx {
		if _, ok := m[last.name]; !ok {
			return fmt.Errorf("%q not found", last.name)
		}
		m[last.name] = value
		return nil
	}
	arr, ok := m[last.name].([]interface{})
	if !ok {
		return fmt.Errorf("%q is not a list", last.name)
	}
	if last.idx >= len(arr) {
		return fmt.Errorf("index %d out of bounds in %q", last.idx, last.name)
	}
	arr[last.idx] = value
	return nil
}
