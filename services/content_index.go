package services

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/camden-git/datasetcurator/media"
	"github.com/camden-git/datasetcurator/repository"
)

// ContentIndex is the deduplication authority: it fingerprints pixel content
// and maps fingerprints to registered image ids. Matching is exact equality;
// near-duplicates (crops, heavy recompression) are not detected.
type ContentIndex struct {
	fingerprinter media.Fingerprinter
	images        repository.ImageRepositoryInterface
}

// NewContentIndex creates a new content index
func NewContentIndex(fingerprinter media.Fingerprinter, images repository.ImageRepositoryInterface) *ContentIndex {
	return &ContentIndex{fingerprinter: fingerprinter, images: images}
}

// Algorithm names the fingerprint function in use
func (c *ContentIndex) Algorithm() string {
	return c.fingerprinter.Name()
}

// Fingerprint computes the content fingerprint of decoded pixels.
func (c *ContentIndex) Fingerprint(img image.Image) (media.Fingerprint, error) {
	fp, err := c.fingerprinter.Fingerprint(img)
	if err != nil {
		return 0, fmt.Errorf("failed to fingerprint image: %w", err)
	}
	return fp, nil
}

// FindByFingerprint returns the id of the image already registered with fp.
func (c *ContentIndex) FindByFingerprint(ctx context.Context, fp media.Fingerprint) (uint, bool, error) {
	img, err := c.images.GetByFingerprint(ctx, fp.String())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return img.ID, true, nil
}

// FindBatch maps every registered fingerprint among fps to its image id.
func (c *ContentIndex) FindBatch(ctx context.Context, fps []media.Fingerprint) (map[media.Fingerprint]uint, error) {
	keys := make([]string, len(fps))
	for i, fp := range fps {
		keys[i] = fp.String()
	}
	found, err := c.images.FindFingerprintsBatch(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[media.Fingerprint]uint, len(found))
	for key, id := range found {
		fp, err := media.ParseFingerprint(key)
		if err != nil {
			return nil, err
		}
		out[fp] = id
	}
	return out, nil
}
