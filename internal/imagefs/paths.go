package imagefs

import (
	"fmt"
	"path"

	"github.com/google/uuid"
)

// HDPicturePath returns the path of a picture original inside the
// permanent (or temporary) store. Directories are fanned out on the
// first four byte pairs of the picture id to keep them small.
func HDPicturePath(picID uuid.UUID) string {
	return PictureFolderPath(picID) + ".jpg"
}

// PictureFolderPath returns the derivates directory of a picture,
// shaped like the original's path so both trees prune the same way.
func PictureFolderPath(picID uuid.UUID) string {
	id := picID.String()
	return fmt.Sprintf("/%s/%s/%s/%s/%s", id[0:2], id[2:4], id[4:6], id[6:8], id[9:])
}

// Filenames known to live in a picture's derivates folder. The webp and
// mask entries are only produced by older versions, they are kept so
// deletion cleans legacy instances too.
var derivateFiles = []string{
	"thumb.jpg",
	"sd.jpg",
	"blurred.jpg",
	"blurred.webp",
	"thumb.webp",
	"sd.webp",
	"progressive.jpg",
	"blur_mask.png",
}

// RemoveAllFiles deletes every artifact of a picture from all three
// stores and prunes the emptied directory fan.
func RemoveAllFiles(fses *Filesystems, picID uuid.UUID) error {
	const op = "imagefs.RemoveAllFiles"

	folder := PictureFolderPath(picID)

	if err := fses.Derivates.RemoveTree(folder + "/tiles"); err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	for _, name := range derivateFiles {
		if err := fses.Derivates.RemoveFile(folder + "/" + name); err != nil {
			return fmt.Errorf("%s: %v", op, err)
		}
	}
	fses.Derivates.PruneEmptyDirs(folder)

	hdPath := HDPicturePath(picID)
	for _, store := range []*Store{fses.Permanent, fses.Tmp} {
		if err := store.RemoveFile(hdPath); err != nil {
			return fmt.Errorf("%s: %v", op, err)
		}
		store.PruneEmptyDirs(path.Dir(hdPath))
	}
	return nil
}
