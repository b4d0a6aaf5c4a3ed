package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/seji7/trpgweb/crypto"
)

// fileRecord is the on-disk layout. When KeyID is set both tokens are sealed.
type fileRecord struct {
	Profile      string `json:"profile"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	KeyID        string `json:"keyId,omitempty"`
}

// FilePersister keeps the credential in a JSON file, optionally sealed.
type FilePersister struct {
	Path    string
	Profile string
	Sealer  crypto.Sealer // nil stores plaintext
}

// Load implements Persister. A missing file means no stored session.
func (f *FilePersister) Load(_ context.Context) (Credential, error) {
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Credential{}, nil
	}
	if err != nil {
		return Credential{}, err
	}
	var rec fileRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return Credential{}, fmt.Errorf("decode %s: %w", f.Path, err)
	}
	if rec.Profile != "" && rec.Profile != f.Profile {
		return Credential{}, nil
	}
	if rec.KeyID == "" {
		return Credential{AccessToken: rec.AccessToken, RefreshToken: rec.RefreshToken}, nil
	}
	if f.Sealer == nil {
		return Credential{}, fmt.Errorf("session file is sealed (key %s) but no encryption key is configured", rec.KeyID)
	}
	at, err := crypto.OpenString(f.Sealer, rec.AccessToken, f.Profile)
	if err != nil {
		return Credential{}, fmt.Errorf("open access token: %w", err)
	}
	rt, err := crypto.OpenString(f.Sealer, rec.RefreshToken, f.Profile)
	if err != nil {
		return Credential{}, fmt.Errorf("open refresh token: %w", err)
	}
	return Credential{AccessToken: at, RefreshToken: rt}, nil
}

// Save implements Persister. The file is replaced atomically with mode 0600.
func (f *FilePersister) Save(_ context.Context, c Credential) error {
	rec := fileRecord{Profile: f.Profile, AccessToken: c.AccessToken, RefreshToken: c.RefreshToken}
	if f.Sealer != nil {
		var err error
		if rec.AccessToken, err = crypto.SealString(f.Sealer, c.AccessToken, f.Profile); err != nil {
			return err
		}
		if rec.RefreshToken, err = crypto.SealString(f.Sealer, c.RefreshToken, f.Profile); err != nil {
			return err
		}
		rec.KeyID = f.Sealer.KeyID()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".session-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}

// Clear implements Persister.
func (f *FilePersister) Clear(_ context.Context) error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
