package kvstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// File 把所有键保存在一个 YAML 文档中，每次写入整体替换文件。
type File struct {
	path string

	mu   sync.Mutex
	data map[string]string
}

var _ Store = (*File)(nil)

// NewFile 打开或创建 YAML 存储文件。
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("kv file path is required")
	}
	f := &File{path: path, data: make(map[string]string)}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, eris.Wrapf(err, "read kv file %s", path)
	}
	if len(raw) == 0 {
		return f, nil
	}
	if err := yaml.Unmarshal(raw, &f.data); err != nil {
		return nil, eris.Wrapf(err, "parse kv file %s", path)
	}
	if f.data == nil {
		f.data = make(map[string]string)
	}
	return f, nil
}

func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *File) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.data[key]
	f.data[key] = value
	if err := f.flush(); err != nil {
		if had {
			f.data[key] = prev
		} else {
			delete(f.data, key)
		}
		return err
	}
	return nil
}

func (f *File) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.data[key]
	if !had {
		return nil
	}
	delete(f.data, key)
	if err := f.flush(); err != nil {
		f.data[key] = prev
		return err
	}
	return nil
}

// flush 先写临时文件再 rename，避免写到一半的文档。
func (f *File) flush() error {
	raw, err := yaml.Marshal(f.data)
	if err != nil {
		return eris.Wrap(err, "encode kv document")
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return eris.Wrapf(err, "create kv dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".kv-*.yaml")
	if err != nil {
		return eris.Wrap(err, "create temp kv file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "write temp kv file")
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "chmod temp kv file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "close temp kv file")
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return eris.Wrapf(err, "replace kv file %s", f.path)
	}
	return nil
}
