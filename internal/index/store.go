package index

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
)

// Store hands out isolated namespaces keyed by (profile, kind) and persists
// each namespace to its own file under dir. An empty dir keeps everything
// in memory (used by tests).
type Store struct {
	dir        string
	dimensions int

	mu         sync.Mutex
	namespaces map[string]*memoryNamespace
}

// NewStore creates a store rooted at dir with the given embedding dimension.
// The directory is created if needed.
func NewStore(dir string, dimensions int) (*Store, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: create index dir: %v", ErrUnavailable, err)
		}
	}
	return &Store{
		dir:        dir,
		dimensions: dimensions,
		namespaces: make(map[string]*memoryNamespace),
	}, nil
}

// Namespace returns the namespace for (profileID, kind), loading it from
// disk on first use.
func (s *Store) Namespace(profileID string, kind Kind) (Namespace, error) {
	key := profileID + "_" + string(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ns, ok := s.namespaces[key]; ok {
		return ns, nil
	}
	ns, err := newMemoryNamespace(s.dimensions)
	if err != nil {
		return nil, err
	}
	if s.dir != "" {
		if err := ns.load(s.namespacePath(key)); err != nil {
			return nil, fmt.Errorf("%w: load namespace %s: %v", ErrUnavailable, key, err)
		}
	}
	s.namespaces[key] = ns
	return ns, nil
}

// Flush persists every namespace with unsaved changes.
func (s *Store) Flush() error {
	if s.dir == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ns := range s.namespaces {
		if err := ns.save(s.namespacePath(key)); err != nil {
			return fmt.Errorf("%w: save namespace %s: %v", ErrUnavailable, key, err)
		}
	}
	return nil
}

// Close flushes and releases all namespaces.
func (s *Store) Close() error {
	err := s.Flush()
	s.mu.Lock()
	s.namespaces = make(map[string]*memoryNamespace)
	s.mu.Unlock()
	return err
}

func (s *Store) namespacePath(key string) string {
	return filepath.Join(s.dir, key+".idx")
}

// save persists the namespace to path if it has unsaved changes.
// Format: dimensions (4), n (4), then per record: idLen (4), id bytes,
// vector (dimensions*4), metaCount (4), then per field: keyLen, key,
// valueLen, value.
func (n *memoryNamespace) save(path string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.dirty {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer f.Close()
	if err := binary.Write(f, binary.LittleEndian, uint32(n.dimensions)); err != nil {
		return fmt.Errorf("write dimensions: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(len(n.order))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	for _, id := range n.order {
		rec := n.records[id]
		if err := writeBytes(f, []byte(rec.ID)); err != nil {
			return fmt.Errorf("write id: %w", err)
		}
		if _, err := f.Write(float32SliceToBytes(rec.Vector)); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
		if err := binary.Write(f, binary.LittleEndian, uint32(len(rec.Metadata))); err != nil {
			return fmt.Errorf("write metadata count: %w", err)
		}
		for k, v := range rec.Metadata {
			if err := writeBytes(f, []byte(k)); err != nil {
				return fmt.Errorf("write metadata key: %w", err)
			}
			if err := writeBytes(f, []byte(v)); err != nil {
				return fmt.Errorf("write metadata value: %w", err)
			}
		}
	}
	n.dirty = false
	return nil
}

// load reads the namespace from path, replacing in-memory contents.
// A missing file leaves the namespace empty without error.
func (n *memoryNamespace) load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	var dim, count uint32
	if err := binary.Read(f, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("read dimensions: %w", err)
	}
	if int(dim) != n.dimensions {
		return fmt.Errorf("dimension mismatch: file has %d, store expects %d", dim, n.dimensions)
	}
	if err := binary.Read(f, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("read count: %w", err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.order = make([]string, 0, count)
	n.records = make(map[string]Record, count)
	vecBuf := make([]byte, n.dimensions*4)
	for i := uint32(0); i < count; i++ {
		idBytes, err := readBytes(f)
		if err != nil {
			return fmt.Errorf("read id: %w", err)
		}
		if _, err := io.ReadFull(f, vecBuf); err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		var metaCount uint32
		if err := binary.Read(f, binary.LittleEndian, &metaCount); err != nil {
			return fmt.Errorf("read metadata count: %w", err)
		}
		var meta map[string]string
		if metaCount > 0 {
			meta = make(map[string]string, metaCount)
			for j := uint32(0); j < metaCount; j++ {
				k, err := readBytes(f)
				if err != nil {
					return fmt.Errorf("read metadata key: %w", err)
				}
				v, err := readBytes(f)
				if err != nil {
					return fmt.Errorf("read metadata value: %w", err)
				}
				meta[string(k)] = string(v)
			}
		}
		id := string(idBytes)
		n.order = append(n.order, id)
		n.records[id] = Record{ID: id, Vector: bytesToFloat32Slice(vecBuf), Metadata: meta}
	}
	n.dirty = false
	return nil
}

func writeBytes(f *os.File, b []byte) error {
	if err := binary.Write(f, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := f.Write(b)
	return err
}

func readBytes(f *os.File) ([]byte, error) {
	var n uint32
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(f, b); err != nil {
		return nil, err
	}
	return b, nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
