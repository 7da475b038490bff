package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/camden-git/datasetcurator/utils"
)

var (
	ErrUnknownProvider = errors.New("unknown annotation provider")
	ErrProviderExists  = errors.New("annotation provider already registered")
)

// ProviderRegistry maps provider names to implementations.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

// Register adds p under name. Names are case-insensitive.
func (r *ProviderRegistry) Register(name string, p Provider) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || p == nil {
		return fmt.Errorf("invalid provider registration '%s'", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[key]; ok {
		return fmt.Errorf("%w: %s", ErrProviderExists, key)
	}
	r.providers[key] = p
	return nil
}

func (r *ProviderRegistry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *ProviderRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SidecarProviderName is the registry name of SidecarProvider.
const SidecarProviderName = "sidecar"

// SidecarProvider annotates images from the <name>.txt and <name>.caption
// files next to their original file. Every requested model receives the same
// result; an image without sidecars yields ErrNoResult for each model.
type SidecarProvider struct{}

func (SidecarProvider) Annotate(ctx context.Context, images []ProviderImage, modelNames []string, _ Credentials) (map[string]map[string]ModelResult, error) {
	out := make(map[string]map[string]ModelResult, len(images))
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result := sidecarResult(img)
		perModel := make(map[string]ModelResult, len(modelNames))
		for _, name := range modelNames {
			perModel[name] = result
		}
		out[img.Identity] = perModel
	}
	return out, nil
}

func sidecarResult(img ProviderImage) ModelResult {
	source := img.Source
	if source == "" {
		source = img.Path
	}
	sc, err := utils.ReadSidecars(filepath.FromSlash(source))
	if err != nil {
		return ModelResult{Err: err}
	}
	if !sc.HasTags && !sc.HasCaption {
		return ModelResult{Err: fmt.Errorf("%w: no sidecar files for %s", ErrNoResult, source)}
	}
	var r ModelResult
	r.Tags = sc.Tags
	if sc.HasCaption && sc.Caption != "" {
		caption := sc.Caption
		r.Caption = &caption
	}
	return r
}
