// Package execution provides hierarchical execution identity and lifecycle
// tracking for flow runs.
//
// Every unit of work the engine performs (a flow run, an agent turn, a tool
// call, a chained sub-flow) is identified by an ID that carries its kind,
// the random root shared by the whole run, the sequence path of its
// ancestors, and its own tracker-assigned sequence number. IDs are values;
// parent/child navigation goes through the Tracker.
package execution

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/archflow/archflow/pkg/errors"
)

// Kind classifies what a tracked execution represents.
type Kind string

const (
	// KindFlow is a top-level flow run.
	KindFlow Kind = "flow"
	// KindAgent is an agent (model) turn inside a run.
	KindAgent Kind = "agent"
	// KindTool is a single tool invocation.
	KindTool Kind = "tool"
	// KindChain is a nested sub-flow execution.
	KindChain Kind = "chain"
)

// Valid reports whether k is a known execution kind.
func (k Kind) Valid() bool {
	switch k {
	case KindFlow, KindAgent, KindTool, KindChain:
		return true
	}
	return false
}

// ID is an immutable hierarchical execution identity.
//
// The string form is KIND_<root>[_<ancestor-seq>...]_<nnn>: the kind in
// upper case, the run-wide root, one sequence segment per ancestor from the
// root down, and the execution's own zero-padded sequence. A root execution
// has no ancestor segments and sequence 0.
type ID struct {
	// Kind classifies the execution.
	Kind Kind

	// Root is the random identifier shared by every execution of one run.
	Root string

	// Path holds the sequence numbers of all ancestors, root first. Empty
	// for root executions. Depth is len(Path).
	Path []int

	// Seq is the tracker-assigned sequence number. Roots are always 0;
	// children receive the next value of the tracker-global counter.
	Seq int
}

// NewRoot mints a root identity of the given kind with a fresh random root.
// The root carries the full 122 bits of a version-4 UUID.
func NewRoot(kind Kind) ID {
	u := uuid.New()
	return ID{
		Kind: kind,
		Root: strings.ReplaceAll(u.String(), "-", ""),
	}
}

// Child derives an identity below parent. The child shares the parent's
// root, extends the ancestor path with the parent's sequence, and leaves
// its own sequence unset until the tracker assigns it.
func Child(parent ID, kind Kind) ID {
	path := make([]int, 0, len(parent.Path)+1)
	path = append(path, parent.Path...)
	path = append(path, parent.Seq)
	return ID{
		Kind: kind,
		Root: parent.Root,
		Path: path,
	}
}

// Depth is the number of ancestors above this execution.
func (id ID) Depth() int {
	return len(id.Path)
}

// ParentSeq returns the immediate parent's sequence number, and false for
// root executions.
func (id ID) ParentSeq() (int, bool) {
	if len(id.Path) == 0 {
		return 0, false
	}
	return id.Path[len(id.Path)-1], true
}

// IsRoot reports whether the identity belongs to a root execution.
func (id ID) IsRoot() bool {
	return len(id.Path) == 0
}

// WithSeq returns a copy of the identity carrying the given sequence.
// Used by the tracker when it allocates the child's sequence number.
func (id ID) WithSeq(seq int) ID {
	id.Seq = seq
	return id
}

// String renders the canonical wire form. The final sequence segment is
// zero-padded to three digits for display; Parse accepts any width.
func (id ID) String() string {
	var sb strings.Builder
	sb.WriteString(strings.ToUpper(string(id.Kind)))
	sb.WriteByte('_')
	sb.WriteString(id.Root)
	for _, seq := range id.Path {
		sb.WriteByte('_')
		sb.WriteString(strconv.Itoa(seq))
	}
	sb.WriteByte('_')
	fmt.Fprintf(&sb, "%03d", id.Seq)
	return sb.String()
}

// Equal reports whether two identities denote the same execution.
func (id ID) Equal(other ID) bool {
	if id.Kind != other.Kind || id.Root != other.Root || id.Seq != other.Seq {
		return false
	}
	if len(id.Path) != len(other.Path) {
		return false
	}
	for i := range id.Path {
		if id.Path[i] != other.Path[i] {
			return false
		}
	}
	return true
}

// Parse decodes the canonical wire form. It fails when the string does not
// match the KIND_ROOT[_SEQ...]_SEQ shape, the kind is unknown, or any
// sequence segment is non-numeric.
func Parse(s string) (ID, error) {
	parts := strings.Split(s, "_")
	if len(parts) < 3 {
		return ID{}, invalidID(s, "expected KIND_ROOT[_PARENT-SEQ]_SEQ")
	}

	kind := Kind(strings.ToLower(parts[0]))
	if !kind.Valid() {
		return ID{}, invalidID(s, fmt.Sprintf("unknown kind %q", parts[0]))
	}

	root := parts[1]
	if root == "" {
		return ID{}, invalidID(s, "empty root")
	}

	seq, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil || seq < 0 {
		return ID{}, invalidID(s, fmt.Sprintf("non-numeric sequence %q", parts[len(parts)-1]))
	}

	var path []int
	for _, part := range parts[2 : len(parts)-1] {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return ID{}, invalidID(s, fmt.Sprintf("non-numeric ancestor sequence %q", part))
		}
		path = append(path, n)
	}

	return ID{Kind: kind, Root: root, Path: path, Seq: seq}, nil
}

func invalidID(s, reason string) error {
	return &errors.ValidationError{
		Field:      "executionId",
		Message:    fmt.Sprintf("invalid execution id %q: %s", s, reason),
		Suggestion: "execution ids look like TOOL_<root>_<parent-seq>_<nnn>",
	}
}
