// Package storage provides encrypted file-per-key storage shared by the
// identity record store and the session store.
// Data is encrypted at rest using NaCl secretbox.
package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrCodeEU/faceenroll/pkg/logging"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// NonceSize is the size of the nonce used for encryption
	NonceSize = 24
	// KeySize is the size of the encryption key
	KeySize = 32
)

// ErrNotFound is returned when no entry exists under a name.
var ErrNotFound = errors.New("entry not found")

// ErrStorageAccess is returned when storage cannot be accessed.
var ErrStorageAccess = errors.New("failed to access storage")

// ErrEncryption is returned when encryption/decryption fails.
var ErrEncryption = errors.New("encryption error")

// ErrInvalidName is returned for names that would escape the directory.
var ErrInvalidName = errors.New("invalid entry name")

// Sealer encrypts and decrypts byte slices with a fixed secretbox key.
type Sealer struct {
	key [KeySize]byte
}

// NewSealer creates a Sealer from an explicit key.
func NewSealer(key [KeySize]byte) *Sealer {
	return &Sealer{key: key}
}

// NewMachineSealer creates a Sealer whose key is derived from machine-specific
// information. Data sealed with it can only be opened on the same machine by
// the same user.
func NewMachineSealer(salt string) (*Sealer, error) {
	key, err := deriveKey(salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// deriveKey derives an encryption key from machine-specific information.
func deriveKey(salt string) ([KeySize]byte, error) {
	var key [KeySize]byte

	var identity strings.Builder

	// Machine ID (Linux specific)
	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		identity.Write(machineID)
	}

	if hostname, err := os.Hostname(); err == nil {
		identity.WriteString(hostname)
	}

	identity.WriteString(fmt.Sprintf("%d", os.Getuid()))
	identity.WriteString(salt)

	hash := sha256.Sum256([]byte(identity.String()))
	copy(key[:], hash[:])

	return key, nil
}

// Seal encrypts plaintext. The random nonce is prepended to the output.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}

	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open decrypts data produced by Seal.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrEncryption
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrEncryption
	}

	return plaintext, nil
}

// Dir stores one file per entry name. With a Sealer the files are encrypted
// and carry the .enc extension, otherwise .json.
type Dir struct {
	path   string
	sealer *Sealer
}

// NewDir creates the directory if needed. A nil sealer stores plaintext.
func NewDir(path string, sealer *Sealer) (*Dir, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	return &Dir{path: path, sealer: sealer}, nil
}

// Path returns the directory path.
func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) ext() string {
	if d.sealer != nil {
		return ".enc"
	}
	return ".json"
}

func (d *Dir) entryPath(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(d.path, name+d.ext()), nil
}

// Write stores data under name. The file is written to a temporary path and
// renamed so readers never observe a partial write.
func (d *Dir) Write(name string, data []byte) error {
	path, err := d.entryPath(name)
	if err != nil {
		return err
	}

	if d.sealer != nil {
		data, err = d.sealer.Seal(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt %s: %w", name, err)
		}
	}

	tmp, err := os.CreateTemp(d.path, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	logging.Debugf("Stored entry %s in %s", name, d.path)
	return nil
}

// Read returns the data stored under name or ErrNotFound.
func (d *Dir) Read(name string) ([]byte, error) {
	path, err := d.entryPath(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	if d.sealer != nil {
		data, err = d.sealer.Open(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt %s: %w", name, err)
		}
	}

	return data, nil
}

// Remove deletes the entry. Removing a missing entry returns ErrNotFound.
func (d *Dir) Remove(name string) error {
	path, err := d.entryPath(name)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}

	logging.Debugf("Removed entry %s from %s", name, d.path)
	return nil
}

// List returns the names of all entries written with the current mode.
func (d *Dir) List() ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", d.path, err)
	}

	ext := d.ext()
	names := []string{}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if name, ok := strings.CutSuffix(entry.Name(), ext); ok {
			names = append(names, name)
		}
	}

	return names, nil
}

// Exists reports whether an entry is stored under name.
func (d *Dir) Exists(name string) bool {
	path, err := d.entryPath(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}
