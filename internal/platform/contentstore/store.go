// Package contentstore stores the clinical documents medical records point
// at. The registry only keeps the returned reference; documents live in IPFS
// (through Pinata) or, for development, in memory.
package contentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

var (
	ErrMissingContent = errors.New("content is required")
	ErrNotFound       = errors.New("document not found")
)

// ClinicalContent is the payload a hospital attaches to a medical record.
type ClinicalContent struct {
	PatientAddress string `json:"patient_address,omitempty"`
	Diagnosis      string `json:"diagnosis"`
	Treatment      string `json:"treatment"`
	Cost           uint64 `json:"cost"`
	DurationDays   uint32 `json:"duration_days,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

func (c ClinicalContent) validate() error {
	if c.Diagnosis == "" && c.Treatment == "" && c.Notes == "" {
		return ErrMissingContent
	}
	return nil
}

// Metadata follows Pinata's pinataMetadata object.
type Metadata struct {
	Name      string            `json:"name,omitempty"`
	KeyValues map[string]string `json:"keyvalues,omitempty"`
}

type Document struct {
	Content  ClinicalContent `json:"content"`
	Metadata *Metadata       `json:"metadata,omitempty"`
}

// Uploader stores a document and returns the reference a record carries.
type Uploader interface {
	Upload(ctx context.Context, doc Document) (string, error)
}

// UpstreamError reports a failed call to a remote pinning service.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("pinning service returned %d: %s", e.Status, e.Message)
}

// Stored is a document held by MemoryStore.
type Stored struct {
	Ref      string    `json:"ref"`
	UploadID string    `json:"upload_id"`
	Document Document  `json:"document"`
	Size     int       `json:"size"`
	PinnedAt time.Time `json:"pinned_at"`
}

// MemoryStore is a content-addressed in-memory Uploader. The reference is
// the keccak256 of the encoded content, so identical content yields the same
// reference.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*Stored
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]*Stored),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Upload(_ context.Context, doc Document) (string, error) {
	if err := doc.Content.validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(doc.Content)
	if err != nil {
		return "", fmt.Errorf("encoding content: %w", err)
	}
	ref := crypto.Keccak256Hash(raw).Hex()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[ref]; !ok {
		s.docs[ref] = &Stored{
			Ref:      ref,
			UploadID: uuid.New().String(),
			Document: doc,
			Size:     len(raw),
			PinnedAt: s.now(),
		}
	}
	return ref, nil
}

// Fetch returns the document stored under ref.
func (s *MemoryStore) Fetch(_ context.Context, ref string) (*Stored, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	out := *doc
	return &out, nil
}

// Len returns the number of distinct documents held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
