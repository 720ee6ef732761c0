// Package records is the identity record store the matcher reads from and the
// enrollment commit writes to.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/MrCodeEU/faceenroll/pkg/embedding"
	"github.com/MrCodeEU/faceenroll/pkg/logging"
	"github.com/MrCodeEU/faceenroll/pkg/storage"
)

// ErrNotFound is returned when an identity does not exist.
var ErrNotFound = errors.New("identity not found")

// ErrInvalidActivation is returned when an activation lacks required fields.
var ErrInvalidActivation = errors.New("invalid activation")

// IdentityRecord is one enrolled identity. Embeddings keep whatever legacy
// shape they were stored in; callers canonicalize before comparing.
type IdentityRecord struct {
	ID           string             `json:"id"`
	DisplayName  string             `json:"display_name"`
	Role         string             `json:"role,omitempty"`
	Embeddings   []embedding.Stored `json:"embeddings"`
	PhotoURL     string             `json:"photo_url,omitempty"`
	Attributes   map[string]string  `json:"attributes,omitempty"`
	PasswordHash string             `json:"password_hash,omitempty"`
	ActivatedAt  time.Time          `json:"activated_at,omitempty"`
}

// Activation is the terminal enrollment write. Embedding is nil when face
// recognition was skipped; PhotoURL is empty when the photo was skipped.
type Activation struct {
	IdentityID   string
	Role         string
	DisplayName  string
	Attributes   map[string]string
	PasswordHash string
	PhotoURL     string
	Embedding    *embedding.Embedding
	ActivatedAt  time.Time
}

// Validate checks the fields every backend requires.
func (a Activation) Validate() error {
	if a.IdentityID == "" {
		return fmt.Errorf("%w: identity id is required", ErrInvalidActivation)
	}
	if a.Embedding != nil && !a.Embedding.Finite() {
		return fmt.Errorf("%w: embedding has non-finite components", ErrInvalidActivation)
	}
	return nil
}

// Record converts the activation into the stored record form.
func (a Activation) Record() IdentityRecord {
	rec := IdentityRecord{
		ID:           a.IdentityID,
		DisplayName:  a.DisplayName,
		Role:         a.Role,
		Embeddings:   []embedding.Stored{},
		PhotoURL:     a.PhotoURL,
		Attributes:   a.Attributes,
		PasswordHash: a.PasswordHash,
		ActivatedAt:  a.ActivatedAt,
	}
	if a.Embedding != nil {
		rec.Embeddings = append(rec.Embeddings, embedding.FromEmbedding(*a.Embedding))
	}
	return rec
}

// Reader lists enrolled identities for matching.
type Reader interface {
	ListIdentities(ctx context.Context) ([]IdentityRecord, error)
}

// Writer accepts one activation per successful enrollment. Activating the
// same identity again replaces the record.
type Writer interface {
	ActivateIdentity(ctx context.Context, a Activation) error
}

// Store is both a Reader and a Writer.
type Store interface {
	Reader
	Writer
}

// FileStore keeps one file per identity below dataDir/identities.
type FileStore struct {
	dir *storage.Dir
	now func() time.Time
}

// NewFileStore creates a FileStore. With encryption enabled, records are
// sealed with a machine-derived key.
func NewFileStore(dataDir string, encryptionEnabled bool) (*FileStore, error) {
	var sealer *storage.Sealer
	if encryptionEnabled {
		s, err := storage.NewMachineSealer("faceenroll-records-v1")
		if err != nil {
			return nil, err
		}
		sealer = s
	}
	return NewFileStoreWithSealer(dataDir, sealer)
}

// NewFileStoreWithSealer creates a FileStore using an explicit sealer.
func NewFileStoreWithSealer(dataDir string, sealer *storage.Sealer) (*FileStore, error) {
	dir, err := storage.NewDir(identitiesPath(dataDir), sealer)
	if err != nil {
		return nil, fmt.Errorf("failed to create identities directory: %w", err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

func identitiesPath(dataDir string) string {
	return filepath.Join(dataDir, "identities")
}

// ListIdentities returns every readable record sorted by id. Files that
// cannot be read or decoded are logged and skipped.
func (fs *FileStore) ListIdentities(ctx context.Context) ([]IdentityRecord, error) {
	names, err := fs.dir.List()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	log := logging.Component("records")
	out := make([]IdentityRecord, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := fs.load(name)
		if err != nil {
			log.WithField("record_id", name).WithError(err).Warn("Skipping unreadable identity record")
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Get loads a single identity.
func (fs *FileStore) Get(ctx context.Context, id string) (*IdentityRecord, error) {
	rec, err := fs.load(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (fs *FileStore) load(name string) (*IdentityRecord, error) {
	data, err := fs.dir.Read(name)
	if err != nil {
		return nil, err
	}
	var rec IdentityRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity record: %w", err)
	}
	if rec.ID == "" {
		rec.ID = name
	}
	return &rec, nil
}

// ActivateIdentity writes the record, replacing any earlier activation.
func (fs *FileStore) ActivateIdentity(ctx context.Context, a Activation) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if a.ActivatedAt.IsZero() {
		a.ActivatedAt = fs.now()
	}
	return fs.Put(ctx, a.Record())
}

// Put stores a record as-is. It is used for imports and seeding.
func (fs *FileStore) Put(ctx context.Context, rec IdentityRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: identity id is required", ErrInvalidActivation)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity record: %w", err)
	}
	if err := fs.dir.Write(rec.ID, data); err != nil {
		return err
	}

	logging.Component("records").WithField("record_id", rec.ID).Info("Stored identity record")
	return nil
}

// Delete removes an identity.
func (fs *FileStore) Delete(ctx context.Context, id string) error {
	err := fs.dir.Remove(id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
