package registry

import (
	"context"
	"fmt"
	"measurecore/pkg/domain"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// LoadDir reads every *.yaml / *.yml file in dir, one product per file, and
// returns a registry holding them. Files are decoded in parallel; the first
// decode or validation error aborts the load.
func LoadDir(ctx context.Context, dir string) (*Memory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	products := make([]domain.Product, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, err := DecodeFile(path)
			if err != nil {
				return err
			}
			products[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	reg := &Memory{products: make(map[string]domain.Product, len(products))}
	for i, p := range products {
		if err := reg.Register(p); err != nil {
			return nil, fmt.Errorf("%s: %w", files[i], err)
		}
	}
	return reg, nil
}

// DecodeFile parses a single product schema. Unknown fields are rejected.
func DecodeFile(path string) (domain.Product, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.Product{}, err
	}
	defer func() { _ = f.Close() }()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var p domain.Product
	if err := dec.Decode(&p); err != nil {
		return domain.Product{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return p, nil
}
