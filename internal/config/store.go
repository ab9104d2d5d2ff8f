package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// kvStore is a flat key/value document. Settings and secrets each live in
// one.
type kvStore interface {
	// Get returns the value as text: strings unquoted, anything else as
	// its JSON encoding. Missing, null and empty values report ok=false.
	Get(key string) (string, bool, error)
	Set(key string, value any) error
	Delete(key string) error
}

// jsonFile is a kvStore kept as one indented JSON object, readable only by
// the owner. Every call rereads the file.
type jsonFile struct {
	path string
}

func newJSONFile(path string) *jsonFile {
	return &jsonFile{path: path}
}

func (f *jsonFile) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}
	doc := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", f.path, err)
	}
	return doc, nil
}

func (f *jsonFile) write(doc map[string]json.RawMessage) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	// Replace atomically.
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".kbchat-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

func (f *jsonFile) Get(key string) (string, bool, error) {
	doc, err := f.read()
	if err != nil {
		return "", false, err
	}
	raw, ok := doc[key]
	if !ok {
		return "", false, nil
	}
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		return "", false, nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, s != "", nil
	}
	return string(raw), true, nil
}

func (f *jsonFile) Set(key string, value any) error {
	return f.update(func(doc map[string]json.RawMessage) error {
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		doc[key] = raw
		return nil
	})
}

func (f *jsonFile) Delete(key string) error {
	return f.update(func(doc map[string]json.RawMessage) error {
		delete(doc, key)
		return nil
	})
}

func (f *jsonFile) update(fn func(map[string]json.RawMessage) error) error {
	doc, err := f.read()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return f.write(doc)
}
