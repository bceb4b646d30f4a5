package derivates

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"geovisio/internal/imagefs"
	"geovisio/internal/models"
)

// Derivative geometry constants. The SD width matches what web viewers
// stream by default, thumbnails stay small enough for map popups.
const (
	sdWidth        = 2048
	flatThumbWidth = 500

	thumbQuality = 75
	sdQuality    = 75
	tileQuality  = 95
)

// TileGrid computes the tile layout of an equirectangular picture from
// its pixel width. Columns are restricted to what panorama viewers
// support, rows are always half the columns.
func TileGrid(width int) (cols, rows int) {
	possibleCols := []int{4, 8, 16, 32, 64}
	ideal := (width / 512 / 2) * 2
	cols = possibleCols[0]
	for _, c := range possibleCols {
		if ideal >= c {
			cols = c
		}
	}
	return cols, cols / 2
}

// ApplyOrientation rotates or flips an image according to its EXIF
// orientation value (1-8).
func ApplyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// CreateThumb writes the thumbnail of a picture. Equirectangular images
// are cropped to their center of interest, flat images simply scaled down.
func CreateThumb(fs *imagefs.Store, img image.Image, outPath, picType string) error {
	const op = "derivates.CreateThumb"

	var thumb image.Image
	if picType == models.TypeEquirectangular {
		thumb = imaging.Crop(imaging.Resize(img, 2000, 1000, imaging.Hamming), image.Rect(750, 350, 1250, 650))
	} else {
		thumb = imaging.Resize(img, flatThumbWidth, 0, imaging.Hamming)
	}
	if err := writeJPEG(fs, outPath, thumb, thumbQuality); err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

// CreateSD writes the standard definition version of a picture.
func CreateSD(fs *imagefs.Store, img image.Image, outPath string) error {
	const op = "derivates.CreateSD"

	sd := imaging.Resize(img, sdWidth, 0, imaging.Hamming)
	if err := writeJPEG(fs, outPath, sd, sdQuality); err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

// CreateTiles splits an equirectangular picture into a cols x rows
// pyramid, one <col>_<row>.jpg per tile, 0_0 being top-left.
func CreateTiles(fs *imagefs.Store, img image.Image, tileDir string, cols, rows int) error {
	const op = "derivates.CreateTiles"

	bounds := img.Bounds()
	colWidth := bounds.Dx() / cols
	rowHeight := bounds.Dy() / rows

	for col := 0; col < cols; col++ {
		for row := 0; row < rows; row++ {
			rect := image.Rect(colWidth*col, rowHeight*row, colWidth*(col+1), rowHeight*(row+1))
			tile := imaging.Crop(img, rect)
			tilePath := fmt.Sprintf("%s/%d_%d.jpg", tileDir, col, row)
			if err := writeJPEG(fs, tilePath, tile, tileQuality); err != nil {
				return fmt.Errorf("%s: %v", op, err)
			}
		}
	}
	return nil
}

// Generate produces every derivative of a picture: thumbnail (unless
// already done), SD version, and the tile pyramid for equirectangular
// pictures.
func Generate(fs *imagefs.Store, img image.Image, outFolder, picType string, skipThumbnail bool) error {
	const op = "derivates.Generate"

	if !skipThumbnail {
		if err := CreateThumb(fs, img, outFolder+"/thumb.jpg", picType); err != nil {
			return fmt.Errorf("%s: %v", op, err)
		}
	}
	if err := CreateSD(fs, img, outFolder+"/sd.jpg"); err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}

	if picType == models.TypeEquirectangular {
		tileDir := outFolder + "/tiles"
		if err := fs.MakeDirs(tileDir); err != nil {
			return fmt.Errorf("%s: %v", op, err)
		}
		cols, rows := TileGrid(img.Bounds().Dx())
		if err := CreateTiles(fs, img, tileDir, cols, rows); err != nil {
			return fmt.Errorf("%s: %v", op, err)
		}
	}
	return nil
}

func writeJPEG(fs *imagefs.Store, path string, img image.Image, quality int) error {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return err
	}
	return fs.Write(path, &buf)
}
