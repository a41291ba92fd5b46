package bugmon

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type manifestYaml struct {
	Branches map[string][]manifestBuildYaml `yaml:"branches"`
}

type manifestBuildYaml struct {
	Revision  string    `yaml:"revision"`
	Timestamp time.Time `yaml:"timestamp"`
	Artifact  string    `yaml:"artifact"`
}

// A ManifestResolver resolves builds from a static yaml manifest enumerating
// the available builds per branch. Resolved handles are indexed once at load
// time; lookups afterwards are read-only, so the resolver is safe for
// concurrent use across bug workers.
type ManifestResolver struct {
	mu       sync.RWMutex
	branches map[string][]BuildHandle
}

// GetResolverFromManifest reads a build manifest in yaml format from a reader
// and initializes the corresponding resolver.
func GetResolverFromManifest(r io.Reader) (*ManifestResolver, error) {
	var manifest manifestYaml
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&manifest); err != nil {
		return nil, err
	}

	resolver := &ManifestResolver{branches: make(map[string][]BuildHandle)}
	for branch, builds := range manifest.Branches {
		handles := make([]BuildHandle, 0, len(builds))
		for _, build := range builds {
			handles = append(handles, BuildHandle{
				Branch:    branch,
				Revision:  build.Revision,
				Timestamp: build.Timestamp,
				Artifact:  build.Artifact,
			})
		}
		sort.Slice(handles, func(i, j int) bool {
			return handles[i].Timestamp.Before(handles[j].Timestamp)
		})
		resolver.branches[branch] = handles
	}

	return resolver, nil
}

// AddBuild registers an additional build, keeping the branch ordered.
func (m *ManifestResolver) AddBuild(build BuildHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.branches == nil {
		m.branches = make(map[string][]BuildHandle)
	}
	handles := append(m.branches[build.Branch], build)
	sort.Slice(handles, func(i, j int) bool {
		return handles[i].Timestamp.Before(handles[j].Timestamp)
	})
	m.branches[build.Branch] = handles
}

type manifestSequence struct {
	builds []BuildHandle
	next   int
}

func (s *manifestSequence) Next(ctx context.Context) (BuildHandle, error) {
	if err := ctx.Err(); err != nil {
		return BuildHandle{}, err
	}
	if s.next >= len(s.builds) {
		return BuildHandle{}, ErrEndOfBuilds
	}
	build := s.builds[s.next]
	s.next++
	return build, nil
}

// Builds returns a fresh sequence over the branch's builds, oldest first.
func (m *ManifestResolver) Builds(ctx context.Context, branch string) (BuildSequence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	builds, ok := m.branches[branch]
	if !ok {
		return nil, fmt.Errorf("unknown branch %s: %w", branch, ErrBuildUnavailable)
	}
	return &manifestSequence{builds: builds}, nil
}

// Resolve returns the build at the given revision. The pseudo-revision
// "latest" resolves to the branch tip, and a date of the form 2006-01-02
// resolves to the first build on or after that date.
func (m *ManifestResolver) Resolve(ctx context.Context, branch, revision string) (BuildHandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	builds, ok := m.branches[branch]
	if !ok || len(builds) == 0 {
		return BuildHandle{}, fmt.Errorf("unknown branch %s: %w", branch, ErrBuildUnavailable)
	}

	if revision == TipRevision {
		return builds[len(builds)-1], nil
	}

	if date, err := time.Parse("2006-01-02", revision); err == nil {
		for _, build := range builds {
			if !build.Timestamp.Before(date) {
				return build, nil
			}
		}
		return BuildHandle{}, fmt.Errorf("no build on branch %s after %s: %w", branch, revision, ErrBuildUnavailable)
	}

	for _, build := range builds {
		if build.Revision == revision {
			return build, nil
		}
	}
	return BuildHandle{}, fmt.Errorf("revision %s not on branch %s: %w", revision, branch, ErrBuildUnavailable)
}
