package collab

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	OpSet         = "set"
	OpDelete      = "delete"
	OpArrayInsert = "array-insert"
	OpArrayRemove = "array-remove"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrPathNotFound     = errors.New("path not found")
	ErrNotAnArray       = errors.New("not an array")
	ErrIndexOutOfRange  = errors.New("index out of range")
	ErrUnknownOperation = errors.New("unknown operation type")
)

// VersionConflictError is returned by SubmitOperation when the client's base
// version does not match the session's current version. Expected is the
// version the server required, Received the one the client sent. The client
// must fetch a fresh snapshot before resubmitting.
type VersionConflictError struct {
	Expected int64
	Received int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, received %d", e.Expected, e.Received)
}

// Operation is a single structural edit addressed by a path expression.
type Operation struct {
	Type  string      `json:"type" mapstructure:"type"`
	Path  string      `json:"path" mapstructure:"path"`
	Value interface{} `json:"value,omitempty" mapstructure:"value"`
	Index int         `json:"index,omitempty" mapstructure:"index"`
}

// pathToken is one parsed segment of a path: a plain key, or key[n] when
// indexed is set.
type pathToken struct {
	key     string
	index   int
	indexed bool
}

// parsePath tokenizes a dot-separated path once. A segment is either a plain
// key or key[n] with a decimal, non-negative n. Anything else is malformed.
func parsePath(path string) ([]pathToken, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrPathNotFound)
	}
	segments := strings.Split(path, ".")
	tokens := make([]pathToken, 0, len(segments))
	for _, seg := range segments {
		if seg == "" {
			return nil, fmt.Errorf("%w: %q", ErrPathNotFound, path)
		}
		open := strings.IndexByte(seg, '[')
		if open < 0 {
			tokens = append(tokens, pathToken{key: seg})
			continue
		}
		if open == 0 || !strings.HasSuffix(seg, "]") {
			return nil, fmt.Errorf("%w: bad segment %q", ErrPathNotFound, seg)
		}
		idx, err := strconv.Atoi(seg[open+1 : len(seg)-1])
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("%w: bad index in %q", ErrPathNotFound, seg)
		}
		tokens = append(tokens, pathToken{key: seg[:open], index: idx, indexed: true})
	}
	return tokens, nil
}

// Apply mutates doc in place according to op. On error the document may have
// had intermediate objects created along the path; callers that need
// atomicity must apply to a clone and swap (the registry does exactly that).
func Apply(doc map[string]interface{}, op Operation) error {
	tokens, err := parsePath(op.Path)
	if err != nil {
		return err
	}
	switch op.Type {
	case OpSet:
		return applySet(doc, tokens, op.Value)
	case OpDelete:
		return applyDelete(doc, tokens)
	case OpArrayInsert:
		return applyArrayInsert(doc, tokens, op.Index, op.Value)
	case OpArrayRemove:
		return applyArrayRemove(doc, tokens, op.Index)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperation, op.Type)
	}
}

// step resolves one token inside m and returns the value it addresses.
// When create is set, missing plain keys are materialized as empty objects;
// indexed segments are never auto-created.
func step(m map[string]interface{}, tok pathToken, create bool) (interface{}, error) {
	child, ok := m[tok.key]
	if !ok {
		if !create || tok.indexed {
			return nil, fmt.Errorf("%w: %q", ErrPathNotFound, tok.key)
		}
		child = map[string]interface{}{}
		m[tok.key] = child
	}
	if !tok.indexed {
		return child, nil
	}
	arr, ok := child.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotAnArray, tok.key)
	}
	if tok.index >= len(arr) {
		return nil, fmt.Errorf("%w: %s[%d]", ErrIndexOutOfRange, tok.key, tok.index)
	}
	return arr[tok.index], nil
}

// resolveParent walks every token but the last and returns the object holding
// the final segment.
func resolveParent(doc map[string]interface{}, tokens []pathToken, create bool) (map[string]interface{}, error) {
	cur := doc
	for _, tok := range tokens[:len(tokens)-1] {
		child, err := step(cur, tok, create)
		if err != nil {
			return nil, err
		}
		next, ok := child.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: %q is not an object", ErrPathNotFound, tok.key)
		}
		cur = next
	}
	return cur, nil
}

func applySet(doc map[string]interface{}, tokens []pathToken, value interface{}) error {
	parent, err := resolveParent(doc, tokens, true)
	if err != nil {
		return err
	}
	last := tokens[len(tokens)-1]
	if !last.indexed {
		parent[last.key] = value
		return nil
	}
	arr, ok := parent[last.key].([]interface{})
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotAnArray, last.key)
	}
	if last.index >= len(arr) {
		return fmt.Errorf("%w: %s[%d]", ErrIndexOutOfRange, last.key, last.index)
	}
	arr[last.index] = value
	return nil
}

func applyDelete(doc map[string]interface{}, tokens []pathToken) error {
	parent, err := resolveParent(doc, tokens, false)
	if err != nil {
		return err
	}
	last := tokens[len(tokens)-1]
	if !last.indexed {
		// Deleting an absent key is a no-op.
		delete(parent, last.key)
		return nil
	}
	return removeAt(parent, last.key, last.index)
}

// resolveArray resolves the whole token list to the array it addresses,
// including an indexed final segment such as rows[0] when that element is
// itself an array. It returns the slice plus a writeback storing the spliced
// replacement in the enclosing container.
func resolveArray(doc map[string]interface{}, tokens []pathToken) ([]interface{}, func([]interface{}), error) {
	parent, err := resolveParent(doc, tokens, false)
	if err != nil {
		return nil, nil, err
	}
	last := tokens[len(tokens)-1]
	if !last.indexed {
		arr, ok := parent[last.key].([]interface{})
		if !ok {
			return nil, nil, fmt.Errorf("%w: %q", ErrNotAnArray, last.key)
		}
		return arr, func(next []interface{}) { parent[last.key] = next }, nil
	}
	outer, ok := parent[last.key].([]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrNotAnArray, last.key)
	}
	if last.index >= len(outer) {
		return nil, nil, fmt.Errorf("%w: %s[%d]", ErrIndexOutOfRange, last.key, last.index)
	}
	arr, ok := outer[last.index].([]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s[%d]", ErrNotAnArray, last.key, last.index)
	}
	return arr, func(next []interface{}) { outer[last.index] = next }, nil
}

func applyArrayInsert(doc map[string]interface{}, tokens []pathToken, index int, value interface{}) error {
	arr, writeback, err := resolveArray(doc, tokens)
	if err != nil {
		return err
	}
	if index < 0 || index > len(arr) {
		return fmt.Errorf("%w: index %d", ErrIndexOutOfRange, index)
	}
	next := make([]interface{}, 0, len(arr)+1)
	next = append(next, arr[:index]...)
	next = append(next, value)
	next = append(next, arr[index:]...)
	writeback(next)
	return nil
}

func applyArrayRemove(doc map[string]interface{}, tokens []pathToken, index int) error {
	arr, writeback, err := resolveArray(doc, tokens)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(arr) {
		return fmt.Errorf("%w: index %d", ErrIndexOutOfRange, index)
	}
	next := make([]interface{}, 0, len(arr)-1)
	next = append(next, arr[:index]...)
	next = append(next, arr[index+1:]...)
	writeback(next)
	return nil
}

// removeAt removes the element at index from the array stored under key,
// writing the shortened slice back to the parent.
func removeAt(parent map[string]interface{}, key string, index int) error {
	arr, ok := parent[key].([]interface{})
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotAnArray, key)
	}
	if index < 0 || index >= len(arr) {
		return fmt.Errorf("%w: %s[%d]", ErrIndexOutOfRange, key, index)
	}
	next := make([]interface{}, 0, len(arr)-1)
	next = append(next, arr[:index]...)
	next = append(next, arr[index+1:]...)
	parent[key] = next
	return nil
}

// Clone makes a deep copy of a JSON-like document. Scalar leaves are shared;
// every map and slice is copied.
func Clone(doc map[string]interface{}) map[string]interface{} {
	if doc == nil {
		return nil
	}
	return cloneValue(doc).(map[string]interface{})
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			out[k] = cloneValue(elem)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}
