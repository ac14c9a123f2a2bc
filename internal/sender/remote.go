package sender

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/route-beacon/edge-ingester/internal/record"
)

// Remote-directory categories from spec §4.5: vehicle images get
// hour/minute granularity, queue/plate and incident images do not.
const (
	categoryVehicle  = 10
	categoryQueue    = 20
	categoryIncident = 30

	// localOffsetSeconds is the fixed +09:00 (KST) offset applied to the
	// UTC timestamp embedded in the original image filename before the
	// remote directory's year/month/day[/hour/minute] is derived.
	localOffsetSeconds = 9 * 3600
)

func categoryForDataType(dt record.DataType) int {
	switch dt {
	case record.TypeIncidentStart, record.TypeIncidentEnd:
		return categoryIncident
	case record.TypeVehicle2K, record.TypeVehicle4K, record.TypeVehicleRaw4K, record.TypeMerge:
		return categoryVehicle
	default:
		return categoryQueue
	}
}

func (s *Sender) basePath(dt record.DataType) string {
	switch dt {
	case record.TypeVehicle2K:
		return s.bases.CarImagePath2K
	case record.TypeVehicle4K, record.TypeVehicleRaw4K, record.TypeMerge:
		return s.bases.CarImagePath4K
	case record.TypeIncidentStart, record.TypeIncidentEnd:
		return s.bases.AbnormalImagePath
	default:
		return s.bases.QueueImagePath
	}
}

// timestampPattern finds the trailing run-of-digits token embedded in a
// filename like "CAR123_sedan_2_1731234567.jpg" — the final underscore-
// delimited numeric field is always the capture timestamp.
var timestampPattern = regexp.MustCompile(`(\d{9,})`)

func extractTimestamp(filename string) (int64, bool) {
	matches := timestampPattern.FindAllString(filename, -1)
	if len(matches) == 0 {
		return 0, false
	}
	last := matches[len(matches)-1]
	v, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// remoteDir computes {base}/{cameraID}/{year}/{month}/{day}[/hour/minute]
// per spec §4.5, deriving year/month/day/hour/minute from the timestamp
// embedded in originalFilename, shifted by the fixed local offset.
func (s *Sender) remoteDir(dt record.DataType, cameraID, originalFilename string) (string, error) {
	ts, ok := extractTimestamp(originalFilename)
	if !ok {
		return "", fmt.Errorf("sender: no timestamp found in filename %q", originalFilename)
	}
	t := time.Unix(ts+localOffsetSeconds, 0).UTC()
	category := categoryForDataType(dt)
	dir := fmt.Sprintf("%s/%s/%04d/%02d/%02d", s.basePath(dt), cameraID, t.Year(), t.Month(), t.Day())
	if category == categoryVehicle {
		dir = fmt.Sprintf("%s/%02d/%02d", dir, t.Hour(), t.Minute())
	}
	return dir, nil
}

// hashedFilename rewrites an original image filename into the
// category-prefixed, MD5-hashed form the structured insert payload and
// remote object store use in place of the original name.
func hashedFilename(category int, original string) string {
	sum := md5.Sum([]byte(original))
	return fmt.Sprintf("%d_%s.jpg", category, hex.EncodeToString(sum[:]))
}
