package migration

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type versionFile struct {
	SchemaVersion int `toml:"schema_version"`
}

// FileVersionStore keeps the schema version in a small TOML file next to
// the database.
type FileVersionStore struct {
	Path string
}

// Load returns 0 when the file does not exist yet.
func (f FileVersionStore) Load() (int, error) {
	var v versionFile
	if _, err := toml.DecodeFile(f.Path, &v); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	return v.SchemaVersion, nil
}

// Save writes the version atomically via a temp file and rename.
func (f FileVersionStore) Save(version int) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0700); err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(file).Encode(versionFile{SchemaVersion: version})
	if closeErr := file.Close(); closeErr != nil && encErr == nil {
		encErr = closeErr
	}
	if encErr != nil {
		_ = os.Remove(tmp)
		return encErr
	}
	return os.Rename(tmp, f.Path)
}
