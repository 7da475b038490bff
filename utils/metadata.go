package utils

import (
	"os"

	"github.com/rwcarlsen/goexif/exif"
)

// ReadTakenAt returns the EXIF capture time of filePath as a Unix timestamp.
// Files without EXIF data, or without a usable date, yield nil.
func ReadTakenAt(filePath string) *int64 {
	file, err := os.Open(filePath)
	if err != nil {
		return nil
	}
	defer file.Close()

	exifData, err := exif.Decode(file)
	if err != nil {
		// not necessarily an error, most PNGs simply lack EXIF
		return nil
	}

	dt, err := exifData.DateTime()
	if err != nil {
		return nil
	}
	ts := dt.Unix()
	return &ts
}
