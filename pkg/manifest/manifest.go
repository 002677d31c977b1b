// Package manifest holds the aggregation manifest: one entry per trackable
// dynamic object, keyed by object ID, describing its mesh and initial transform.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Entry describes one dynamic object.
type Entry struct {
	Name           string     `json:"name"`
	MeshID         string     `json:"mesh"`
	ObjectID       string     `json:"id"`
	IsController   bool       `json:"isController"`
	ControllerType string     `json:"controllerType,omitempty"`
	Scale          [3]float32 `json:"scaleCustom"`
	Position       [3]float32 `json:"initialPosition"`
	Rotation       [4]float32 `json:"initialRotation"`
}

// Manifest is an ordered set of entries keyed by ObjectID. The zero value is
// ready to use.
type Manifest struct {
	entries []Entry
	index   map[string]int
}

func New() *Manifest { return &Manifest{} }

// AddOrReplaceDynamic merges entries into the manifest in order. An entry whose
// ObjectID is already present has its MeshID and Name replaced in place.
// Entries without a MeshID are not stored; their names are returned so the
// caller can report them.
func (m *Manifest) AddOrReplaceDynamic(entries ...Entry) (missingMesh []string) {
	if m.index == nil {
		m.index = make(map[string]int, len(entries))
	}
	for _, e := range entries {
		if e.MeshID == "" {
			missingMesh = append(missingMesh, e.Name)
			continue
		}
		if i, ok := m.index[e.ObjectID]; ok {
			m.entries[i].MeshID = e.MeshID
			m.entries[i].Name = e.Name
			continue
		}
		m.index[e.ObjectID] = len(m.entries)
		m.entries = append(m.entries, e)
	}
	return missingMesh
}

// Entries returns a copy of the entries in insertion order.
func (m *Manifest) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Get returns the entry for objectID.
func (m *Manifest) Get(objectID string) (Entry, bool) {
	i, ok := m.index[objectID]
	if !ok {
		return Entry{}, false
	}
	return m.entries[i], true
}

// Len returns the number of entries. A nil manifest is empty.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// MeshIDs returns the distinct mesh IDs referenced by the manifest, in first
// use order.
func (m *Manifest) MeshIDs() []string {
	seen := make(map[string]struct{}, len(m.entries))
	var out []string
	for _, e := range m.entries {
		if _, ok := seen[e.MeshID]; ok {
			continue
		}
		seen[e.MeshID] = struct{}{}
		out = append(out, e.MeshID)
	}
	return out
}

type document struct {
	Objects []Entry `json:"objects"`
}

// MarshalJSON renders the manifest in the aggregation wire form.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	return json.Marshal(document{Objects: m.Entries()})
}

// UnmarshalJSON replaces the manifest contents. Entries are merged through
// AddOrReplaceDynamic, so duplicates collapse and meshless objects are dropped.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*m = Manifest{}
	m.AddOrReplaceDynamic(doc.Objects...)
	return nil
}

// Decode reads a manifest document from r. It returns the names of objects
// dropped for lacking a mesh.
func Decode(r io.Reader) (*Manifest, []string, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("manifest: decode: %w", err)
	}
	m := New()
	missing := m.AddOrReplaceDynamic(doc.Objects...)
	return m, missing, nil
}

// ReadFile decodes the manifest stored at path.
func ReadFile(path string) (*Manifest, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("manifest: %w", err)
	}
	defer f.Close()
	return Decode(f)
}
