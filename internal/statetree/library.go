package statetree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Library holds the named assets available to entities. It is not safe for
// concurrent use; load and reload from the game loop goroutine.
type Library struct {
	registry *TaskRegistry
	assets   map[string]*Asset
	log      *zap.Logger
}

func NewLibrary(reg *TaskRegistry, log *zap.Logger) *Library {
	return &Library{
		registry: reg,
		assets:   make(map[string]*Asset, 16),
		log:      log,
	}
}

// Get returns the asset registered under name.
func (l *Library) Get(name string) (*Asset, bool) {
	a, ok := l.assets[name]
	return a, ok
}

// Add links a and stores it under its name, replacing any previous asset.
// The asset is stored even when linking fails so entities referencing it see
// it as not ready.
func (l *Library) Add(a *Asset) error {
	err := a.Link(l.registry)
	l.assets[a.Name()] = a
	return err
}

func (l *Library) Len() int { return len(l.assets) }

// Names returns the asset names in sorted order.
func (l *Library) Names() []string {
	out := make([]string, 0, len(l.assets))
	for name := range l.assets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type parsedFile struct {
	path  string
	asset *Asset
}

// LoadDir parses every .yaml/.yml file in dir concurrently and installs the
// results. Assets whose source digest is unchanged keep their existing
// pointer, so only real edits look like an asset swap to entities. The names
// of new or replaced assets are returned.
func (l *Library) LoadDir(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read asset dir %s: %w", dir, err)
	}
	var paths []string
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}

	parsed := make([]parsedFile, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read asset %s: %w", path, err)
			}
			base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			a, err := Parse(base, raw)
			if err != nil {
				return err
			}
			parsed[i] = parsedFile{path: path, asset: a}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byName := make(map[string]string, len(parsed))
	for _, p := range parsed {
		if prev, dup := byName[p.asset.Name()]; dup {
			return nil, fmt.Errorf("asset %q defined in both %s and %s", p.asset.Name(), prev, p.path)
		}
		byName[p.asset.Name()] = p.path
	}

	var changed []string
	for _, p := range parsed {
		name := p.asset.Name()
		if cur, ok := l.assets[name]; ok && cur.Digest() == p.asset.Digest() {
			continue
		}
		if err := l.Add(p.asset); err != nil {
			l.log.Warn("state tree asset failed to link",
				zap.String("asset", name),
				zap.String("file", p.path),
				zap.Error(err))
		} else {
			l.log.Debug("loaded state tree asset",
				zap.String("asset", name),
				zap.String("file", p.path))
		}
		changed = append(changed, name)
	}
	sort.Strings(changed)
	return changed, nil
}
