package bondstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/srg/blemgr/pkg/stack"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

// FileStore persists items to a YAML file. Every mutation rewrites the file.
type FileStore struct {
	mu       sync.Mutex
	path     string
	items    *orderedmap.OrderedMap[ItemID, Record]
	garbage  int
	capacity int
}

type fileImage struct {
	Garbage int         `yaml:"garbage"`
	Items   []fileEntry `yaml:"items"`
}

type fileEntry struct {
	ID       uint16  `yaml:"id"`
	Peer     string  `yaml:"peer"`
	PeerType uint8   `yaml:"peer_type"`
	Auth     uint8   `yaml:"auth"`
	PeerLTK  fileLTK `yaml:"peer_ltk"`
	PeerCSRK string  `yaml:"peer_csrk"`
	PeerIRK  string  `yaml:"peer_irk"`
	LocalLTK fileLTK `yaml:"local_ltk"`
}

type fileLTK struct {
	Key     string `yaml:"key"`
	EDiv    uint16 `yaml:"ediv"`
	Rand    string `yaml:"rand"`
	KeySize uint8  `yaml:"key_size"`
}

// OpenFileStore loads the store at path, creating an empty one if the file does not exist.
func OpenFileStore(path string, capacity int) (*FileStore, error) {
	s := &FileStore{
		path:     path,
		items:    orderedmap.New[ItemID, Record](),
		capacity: capacity,
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading bond store: %w", err)
	}

	var img fileImage
	if err := yaml.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("parsing bond store %s: %w", path, err)
	}
	for _, e := range img.Items {
		rec, err := e.record()
		if err != nil {
			return nil, fmt.Errorf("parsing bond store item %d: %w", e.ID, err)
		}
		s.items.Set(ItemID(e.ID), rec)
	}
	s.garbage = img.Garbage
	return s, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Write(id ItemID, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.items.Len()+s.garbage >= s.capacity {
		return fmt.Errorf("write %s: %w", id, ErrNoSpace)
	}
	if _, present := s.items.Set(id, rec); present {
		s.garbage++
	}
	return s.flush()
}

func (s *FileStore) Read(id ItemID) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items.Get(id)
	if !ok {
		return Record{}, fmt.Errorf("read %s: %w", id, ErrNotFound)
	}
	return rec, nil
}

func (s *FileStore) List(group uint8) ([]ItemID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]ItemID, 0, s.items.Len())
	for pair := s.items.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key.Group() == group {
			ids = append(ids, pair.Key)
		}
	}
	return sortIDs(ids), nil
}

func (s *FileStore) Delete(id ItemID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, present := s.items.Delete(id); !present {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	s.garbage++
	return s.flush()
}

func (s *FileStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.garbage = 0
	return s.flush()
}

func (s *FileStore) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Usage{Live: s.items.Len(), Garbage: s.garbage, Capacity: s.capacity}
}

// flush writes the image to a temporary file and renames it over the store. Caller holds mu.
func (s *FileStore) flush() error {
	img := fileImage{Garbage: s.garbage, Items: make([]fileEntry, 0, s.items.Len())}
	for pair := s.items.Oldest(); pair != nil; pair = pair.Next() {
		img.Items = append(img.Items, newFileEntry(pair.Key, pair.Value))
	}

	data, err := yaml.Marshal(&img)
	if err != nil {
		return fmt.Errorf("encoding bond store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating bond store directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing bond store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing bond store: %w", err)
	}
	return nil
}

func newFileEntry(id ItemID, rec Record) fileEntry {
	return fileEntry{
		ID:       uint16(id),
		Peer:     rec.PeerAddr.String(),
		PeerType: uint8(rec.PeerAddr.Type),
		Auth:     uint8(rec.Auth),
		PeerLTK:  newFileLTK(rec.PeerLTK),
		PeerCSRK: hex.EncodeToString(rec.PeerCSRK[:]),
		PeerIRK:  hex.EncodeToString(rec.PeerIRK[:]),
		LocalLTK: newFileLTK(rec.LocalLTK),
	}
}

func newFileLTK(k stack.LTK) fileLTK {
	return fileLTK{
		Key:     hex.EncodeToString(k.Key[:]),
		EDiv:    k.EDiv,
		Rand:    hex.EncodeToString(k.Rand[:]),
		KeySize: k.KeySize,
	}
}

func (e fileEntry) record() (Record, error) {
	addr, err := stack.ParseAddress(e.Peer, stack.AddrType(e.PeerType))
	if err != nil {
		return Record{}, err
	}
	rec := Record{PeerAddr: addr, Auth: stack.AuthLevel(e.Auth)}

	if rec.PeerLTK, err = e.PeerLTK.ltk(); err != nil {
		return Record{}, fmt.Errorf("peer_ltk: %w", err)
	}
	if rec.LocalLTK, err = e.LocalLTK.ltk(); err != nil {
		return Record{}, fmt.Errorf("local_ltk: %w", err)
	}
	if err := decodeHex(rec.PeerCSRK[:], e.PeerCSRK); err != nil {
		return Record{}, fmt.Errorf("peer_csrk: %w", err)
	}
	if err := decodeHex(rec.PeerIRK[:], e.PeerIRK); err != nil {
		return Record{}, fmt.Errorf("peer_irk: %w", err)
	}
	return rec, nil
}

func (f fileLTK) ltk() (stack.LTK, error) {
	k := stack.LTK{EDiv: f.EDiv, KeySize: f.KeySize}
	if err := decodeHex(k.Key[:], f.Key); err != nil {
		return k, err
	}
	if err := decodeHex(k.Rand[:], f.Rand); err != nil {
		return k, err
	}
	return k, nil
}

func decodeHex(dst []byte, s string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("expected %d bytes, got %d", len(dst), len(b))
	}
	copy(dst, b)
	return nil
}
