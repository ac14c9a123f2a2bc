package sender

import (
	"path/filepath"

	"go.uber.org/zap"

	"github.com/route-beacon/edge-ingester/internal/record"
	"github.com/route-beacon/edge-ingester/internal/router"
)

// localImagePathKey stashes the original on-disk image location in the
// record's generic field map before prepare rewrites ImagePathName to
// the remote directory. Kept distinct from the ImagePathName/
// ImageFileName struct fields so a retried (already-prepared) record
// can still locate its source file for a re-attempted upload.
const localImagePathKey = "_local_image_path"

// wantsObjectID reports the data types that preserve unique_key_plain as object_id before
// unique_key is overwritten with the camera-scoped hash, per spec §4.5.
func wantsObjectID(dt record.DataType) bool {
	switch dt {
	case record.TypeVehicle2K, record.TypeVehicleRaw4K, record.TypeMerge:
		return true
	default:
		return false
	}
}

// prepare performs the sender's one-shot per-record transform: camera
// id substitution, raw-4K lane offset, unique_key hashing, and image
// path/filename rewriting to their remote form. Not idempotent (a second
// call adds the lane offset and hashes the filenames again) — callers
// must only invoke it once per record (guarded by rec.Prepared).
func (s *Sender) prepare(rec *record.Record, cameraID string, laneOffset int64) {
	if rec.Get("camera_id") == record.Null {
		rec.SetString("camera_id", cameraID)
	}
	if rec.DataType == record.TypeVehicleRaw4K {
		rec.SetInt("lane", rec.GetInt("lane")+laneOffset)
	}

	if wantsObjectID(rec.DataType) {
		rec.ObjectID = rec.UniqueKeyPlain
	}
	rec.UniqueKey = router.HashUniqueKey(cameraID, rec.UniqueKeyPlain)

	if rec.ImageFileName != "" {
		rec.SetString(localImagePathKey, filepath.Join(rec.ImagePathName, rec.ImageFileName))
		if dir, err := s.remoteDir(rec.DataType, cameraID, rec.ImageFileName); err == nil {
			category := categoryForDataType(rec.DataType)
			rec.ImageFileName = hashedFilename(category, rec.ImageFileName)
			rec.ImagePathName = dir
		} else {
			s.logger.Warn("sender: could not derive remote path, leaving image fields local",
				zap.Error(err))
		}
	}
	category := categoryForDataType(rec.DataType)
	if rec.CarImageFileName != "" {
		rec.CarImageFileName = hashedFilename(category, rec.CarImageFileName)
	}
	if rec.PlateImageFileName != "" {
		rec.PlateImageFileName = hashedFilename(category, rec.PlateImageFileName)
	}

	rec.Prepared = true
}
