package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"path"

	"github.com/disintegration/imaging"

	"geovisio/internal/derivates"
	"geovisio/internal/imagefs"
	"geovisio/internal/meta"
	"geovisio/internal/models"
)

// processPicture drives a claimed picture through the preparing statuses:
// blur when needed, then thumbnail and, with the PREPROCESS strategy, SD
// and tiles. Blur failures and cooperative interruption are recoverable,
// everything else flags the picture broken.
func (w *Worker) processPicture(ctx context.Context, claim Claim) error {
	pic := claim.Picture()

	if err := claim.StartProcess(ctx); err != nil {
		return err
	}

	skipBlur := pic.IsBlurred || w.blur == nil
	srcFS := w.fses.Tmp
	if skipBlur {
		srcFS = w.fses.Permanent
	}

	hdPath := imagefs.HDPicturePath(pic.ID)
	f, err := srcFS.Open(hdPath)
	if err != nil {
		return fmt.Errorf("opening original picture: %v", err)
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("reading original picture: %v", err)
	}

	folder := imagefs.PictureFolderPath(pic.ID)
	if err := w.fses.Derivates.MakeDirs(folder); err != nil {
		return err
	}

	var img image.Image
	if !skipBlur {
		if w.Stopped() {
			return models.Recoverable(errors.New("worker interrupted before blurring"))
		}
		if err := claim.SetStatus(ctx, models.StatusPreparingBlur); err != nil {
			return err
		}
		img, err = w.blur.Blur(ctx, bytes.NewReader(data), w.fses.Permanent, hdPath)
		if err != nil {
			return models.Recoverable(fmt.Errorf("Blur API failure: %v", err))
		}

		// the permanent store now holds the blurred version, drop the
		// unblurred original and its emptied directory fan
		if err := w.fses.Tmp.RemoveFile(hdPath); err != nil {
			return err
		}
		w.fses.Tmp.PruneEmptyDirs(path.Dir(hdPath))
	} else {
		img, err = imaging.Decode(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("decoding picture: %v", err)
		}
		// pictures from the blur API are already rotated, raw ones not
		img = derivates.ApplyOrientation(img, meta.Orientation(data))
	}

	if err := claim.SetStatus(ctx, models.StatusPreparingDerivates); err != nil {
		return err
	}

	picType := pictureType(claim.Metadata())
	if err := derivates.CreateThumb(w.fses.Derivates, img, folder+"/thumb.jpg", picType); err != nil {
		return err
	}
	if w.strategy == models.StrategyPreprocess {
		if err := derivates.Generate(w.fses.Derivates, img, folder, picType, true); err != nil {
			return err
		}
	}

	return claim.SetStatus(ctx, models.StatusReady)
}

// deletePicture removes every artifact of a picture. The database row is
// removed by the claim finalization, in the same transaction as the
// queue entry.
func (w *Worker) deletePicture(ctx context.Context, claim Claim) error {
	return imagefs.RemoveAllFiles(w.fses, claim.Picture().ID)
}

func pictureType(metadata map[string]interface{}) string {
	if t, ok := metadata["type"].(string); ok && t != "" {
		return t
	}
	return models.TypeFlat
}
