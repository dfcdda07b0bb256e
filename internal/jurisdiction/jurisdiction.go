// Package jurisdiction describes the region of the octree this server owns and advertises it
// to peers.
package jurisdiction

import (
	"encoding/binary"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"voxelshard.ai/internal/encoding"
	"voxelshard.ai/internal/octree"
)

// Area is where a path sits relative to a jurisdiction.
type Area int

const (
	// Above: outside the owned prefix (an ancestor or an unrelated branch).
	Above Area = iota
	Within
	// Below: at or under an end node, owned by another server.
	Below
)

func (a Area) String() string {
	switch a {
	case Above:
		return "above"
	case Within:
		return "within"
	case Below:
		return "below"
	}
	return "unknown"
}

// Map is a root prefix plus the end nodes where ownership passes to other servers.
// A Map without a root owns the whole world. Maps are immutable.
type Map struct {
	root     octree.Path
	hasRoot  bool
	endNodes []octree.Path
}

func New(root octree.Path, endNodes []octree.Path) *Map {
	m := &Map{root: root.Clone(), hasRoot: root != nil}
	for _, e := range endNodes {
		m.endNodes = append(m.endNodes, e.Clone())
	}
	return m
}

// Everything is the map of a server that owns the whole tree and advertises no root.
func Everything() *Map { return &Map{} }

// Parse builds a map from octal digit strings. An empty root with no end nodes is Everything;
// end nodes may also be given as one comma separated string.
func Parse(root string, endNodes []string) (*Map, error) {
	var ends []octree.Path
	for _, s := range endNodes {
		for _, part := range strings.Split(s, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			p, err := octree.ParsePath(part)
			if err != nil {
				return nil, errors.Wrapf(err, "end node %q", part)
			}
			ends = append(ends, p)
		}
	}
	root = strings.TrimSpace(root)
	if root == "" && len(ends) == 0 {
		return Everything(), nil
	}
	r, err := octree.ParsePath(root)
	if err != nil {
		return nil, errors.Wrapf(err, "root %q", root)
	}
	for _, e := range ends {
		if !e.HasPrefix(r) {
			return nil, errors.Errorf("end node %q is not under root %q", e.String(), r.String())
		}
	}
	return New(r, ends), nil
}

type fileFormat struct {
	Root     string   `yaml:"root"`
	EndNodes []string `yaml:"end_nodes"`
}

// Load reads a jurisdiction file:
//
//	root: "0"
//	end_nodes: ["01", "0734"]
func Load(path string) (*Map, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fileFormat
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrapf(err, "jurisdiction %s", path)
	}
	m, err := Parse(f.Root, f.EndNodes)
	if err != nil {
		return nil, errors.Wrapf(err, "jurisdiction %s", path)
	}
	return m, nil
}

func (m *Map) Root() (octree.Path, bool) { return m.root, m.hasRoot }

func (m *Map) EndNodes() []octree.Path { return m.endNodes }

// Locate classifies p against the map.
func (m *Map) Locate(p octree.Path) Area {
	if m == nil || !m.hasRoot {
		return Within
	}
	if !p.HasPrefix(m.root) {
		return Above
	}
	for _, e := range m.endNodes {
		if p.HasPrefix(e) {
			return Below
		}
	}
	return Within
}

func (m *Map) Contains(p octree.Path) bool { return m.Locate(p) == Within }

func (m *Map) String() string {
	if m == nil || !m.hasRoot {
		return "everything"
	}
	parts := make([]string, 0, len(m.endNodes))
	for _, e := range m.endNodes {
		parts = append(parts, e.String())
	}
	return "root=" + m.root.String() + " end_nodes=[" + strings.Join(parts, ",") + "]"
}

// MarshalBinary encodes the VOXEL_JURISDICTION payload: a uint32 byte count and the root
// code, then a uint32 end-node count and each end node as byte count plus code. All
// integers are little endian. A map without a root is a single zero count.
func (m *Map) MarshalBinary() ([]byte, error) {
	if !m.hasRoot {
		return binary.LittleEndian.AppendUint32(nil, 0), nil
	}
	b, err := appendSizedCode(nil, m.root)
	if err != nil {
		return nil, err
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(len(m.endNodes)))
	for _, e := range m.endNodes {
		if b, err = appendSizedCode(b, e); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func appendSizedCode(dst []byte, p octree.Path) ([]byte, error) {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(encoding.CodeSize(len(p))))
	return encoding.AppendCode(dst, p)
}

func (m *Map) UnmarshalBinary(b []byte) error {
	*m = Map{}
	size, b, err := readUint32(b)
	if err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	root, b, err := readSizedCode(b, size)
	if err != nil {
		return errors.Wrap(err, "root")
	}
	count, b, err := readUint32(b)
	if err != nil {
		return err
	}
	ends := make([]octree.Path, 0, min(int(count), len(b)/5))
	for i := uint32(0); i < count; i++ {
		var n uint32
		if n, b, err = readUint32(b); err != nil {
			return err
		}
		var e octree.Path
		if e, b, err = readSizedCode(b, n); err != nil {
			return errors.Wrapf(err, "end node %d", i)
		}
		ends = append(ends, e)
	}
	m.root, m.hasRoot, m.endNodes = root, true, ends
	return nil
}

func readUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, encoding.ErrTruncated
	}
	return binary.LittleEndian.Uint32(b), b[4:], nil
}

func readSizedCode(b []byte, size uint32) (octree.Path, []byte, error) {
	if uint64(size) > uint64(len(b)) {
		return nil, nil, encoding.ErrTruncated
	}
	p, n, err := encoding.ReadCode(b[:size])
	if err != nil {
		return nil, nil, err
	}
	if n != int(size) {
		return nil, nil, errors.Errorf("code size %d does not match declared %d", n, size)
	}
	return p, b[size:], nil
}
