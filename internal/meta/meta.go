package meta

import (
	"bytes"
	"image"
	_ "image/jpeg"
	"log"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"

	"geovisio/internal/models"
)

// Record holds everything extracted from an uploaded picture file.
type Record struct {
	Ts          time.Time
	Lat         float64
	Lon         float64
	Heading     *int
	Type        string
	Make        string
	Model       string
	FocalLength float64
	Width       int
	Height      int

	// Exif is only populated when asked for, with every tag value
	// coerced to a NUL-free string.
	Exif map[string]string
}

// Read extracts the metadata record from a picture byte stream.
// Failure to obtain the minimal (ts, lat, lon) tuple is a
// models.MetadataReadingError, anything optional is best-effort.
func Read(data []byte, keepFullExif bool) (*Record, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &models.MetadataReadingError{Details: "Picture file is corrupted or not a supported image"}
	}

	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &models.MetadataReadingError{Details: "No EXIF tags in picture: " + err.Error()}
	}

	ts, err := x.DateTime()
	if err != nil {
		return nil, &models.MetadataReadingError{Details: "No valid date in picture EXIF tags"}
	}

	lat, lon, err := x.LatLong()
	if err != nil || math.IsNaN(lat) || math.IsNaN(lon) {
		return nil, &models.MetadataReadingError{Details: "Broken GPS coordinates in picture EXIF tags"}
	}

	r := &Record{
		Ts:     ts.UTC(),
		Lat:    lat,
		Lon:    lon,
		Type:   pictureType(data, cfg),
		Width:  cfg.Width,
		Height: cfg.Height,
	}

	if tag, err := x.Get(exif.GPSImgDirection); err == nil {
		if num, den, err := tag.Rat2(0); err == nil && den != 0 {
			h := int(math.Round(float64(num)/float64(den))) % 360
			r.Heading = &h
		}
	}
	if tag, err := x.Get(exif.Make); err == nil {
		if s, err := tag.StringVal(); err == nil {
			r.Make = cleanString(s)
		}
	}
	if tag, err := x.Get(exif.Model); err == nil {
		if s, err := tag.StringVal(); err == nil {
			r.Model = cleanString(s)
		}
	}
	if tag, err := x.Get(exif.FocalLength); err == nil {
		if num, den, err := tag.Rat2(0); err == nil && den != 0 {
			r.FocalLength = float64(num) / float64(den)
		}
	}

	if keepFullExif {
		r.Exif = collectExif(x)
	}

	return r, nil
}

// Orientation returns the EXIF orientation (1-8) of a picture, or 1 when
// it cannot be determined. Used to rotate originals before derivative
// generation, blurred pictures come back from the blur API already rotated.
func Orientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	o, err := tag.Int(0)
	if err != nil || o < 1 || o > 8 {
		return 1
	}
	return o
}

// pictureType decides between flat and equirectangular projections. 360°
// cameras declare themselves through the XMP GPano packet, which goexif
// does not parse, so the packet is searched in the raw bytes.
func pictureType(data []byte, cfg image.Config) string {
	if bytes.Contains(data, []byte("ProjectionType")) && bytes.Contains(data, []byte("equirectangular")) {
		return models.TypeEquirectangular
	}
	// full equirectangular frames are exactly twice as wide as high
	if cfg.Height > 0 && cfg.Width == cfg.Height*2 && bytes.Contains(data, []byte("GPano")) {
		return models.TypeEquirectangular
	}
	return models.TypeFlat
}

type exifWalker struct {
	tags map[string]string
}

func (w *exifWalker) Walk(name exif.FieldName, tag *tiff.Tag) error {
	defer func() {
		// a malformed tag must never abort the whole walk
		if rec := recover(); rec != nil {
			log.Printf("meta: can't read EXIF tag %s: %v", name, rec)
		}
	}()

	if s, err := tag.StringVal(); err == nil {
		w.tags[string(name)] = cleanString(s)
		return nil
	}
	w.tags[string(name)] = cleanString(tag.String())
	return nil
}

func collectExif(x *exif.Exif) map[string]string {
	w := &exifWalker{tags: map[string]string{}}
	x.Walk(w)
	return w.tags
}

func cleanString(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return strings.ReplaceAll(s, "\x00", "")
}
