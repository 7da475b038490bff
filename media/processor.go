package media

import (
	"fmt"
	"image"
	"io"
	"log/slog"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

const (
	DerivedJpegQuality = 95

	jpegExtension = ".jpg"
	pngExtension  = ".png"
)

// Processor encodes normalized images and hands them to a Store.
type Processor struct {
	store  Store
	logger *slog.Logger
}

func NewProcessor(store Store, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: store, logger: logger.With("component", "media.processor")}
}

// Store returns the underlying asset store
func (p *Processor) Store() Store {
	return p.store
}

// EncodedAsset describes a saved derived image.
type EncodedAsset struct {
	RelativePath string
	ColorFormat  string
	Extension    string
}

// SaveDerived encodes img (PNG when it carries alpha, JPEG otherwise) under a
// random filename inside the resolution's subdirectory.
func (p *Processor) SaveDerived(img image.Image, hasAlpha bool, resolutionTag string) (EncodedAsset, error) {
	format, ext, colorFormat := imaging.JPEG, jpegExtension, ColorFormatRGB
	if hasAlpha {
		format, ext, colorFormat = imaging.PNG, pngExtension, ColorFormatRGBA
	}

	reader, writer := io.Pipe()
	go func() {
		var err error
		if format == imaging.JPEG {
			err = imaging.Encode(writer, img, format, imaging.JPEGQuality(DerivedJpegQuality))
		} else {
			err = imaging.Encode(writer, img, format)
		}
		if err != nil {
			writer.CloseWithError(fmt.Errorf("derived image encoding failed: %w", err))
			return
		}
		writer.Close()
	}()

	assetUUID, err := uuid.NewRandom()
	if err != nil {
		reader.CloseWithError(err)
		return EncodedAsset{}, fmt.Errorf("failed to generate UUID for derived image: %w", err)
	}

	savedRelPath, err := p.store.Save(AssetTypeDerived, resolutionTag, assetUUID.String()+ext, reader)
	// unblock the encoder if Save returned before draining the pipe
	reader.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return EncodedAsset{}, fmt.Errorf("failed to save derived image via store: %w", err)
	}

	p.logger.Debug("saved derived image", "path", savedRelPath, "resolution", resolutionTag)
	return EncodedAsset{RelativePath: savedRelPath, ColorFormat: colorFormat, Extension: ext}, nil
}
