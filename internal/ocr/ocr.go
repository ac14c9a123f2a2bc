// Package ocr implements the plate-detection and OCR stage: for each
// raw 4K vehicle crossing it discovers candidate images on disk, runs
// plate detection and character OCR over each, and keeps the
// highest-confidence result.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/edge-ingester/internal/metrics"
	"github.com/route-beacon/edge-ingester/internal/record"
)

const (
	// NPlate is the sentinel plate text for "no plate region found".
	NPlate = "N_PLATE"
	// NOCR is the sentinel plate text for "plate region found but no
	// characters recognized".
	NOCR = "N_OCR"
	// NImage is the sentinel path/filename for "no candidate image".
	NImage = "N_IMAGE"

	motorcycleClass = "MOTOR"

	detectScoreThreshold     = 0.5
	detectIoUThreshold       = 0.4
	twoLineVarianceThreshold = 10.0
	sameLineSnapPx           = 9.0
)

// BoundingBox is a detector output: a pixel-space box with confidence.
type BoundingBox struct {
	X, Y, W, H int
	Confidence float64
}

// CharDetection is one recognized-character box plus its class id.
type CharDetection struct {
	Box     BoundingBox
	ClassID int
}

// PlateDetector locates the plate region within a vehicle image.
type PlateDetector interface {
	Detect(img image.Image) ([]BoundingBox, error)
}

// PlateOCR recognizes individual characters within a plate crop.
type PlateOCR interface {
	Detect(img image.Image) ([]CharDetection, error)
}

// Stage wires the two external model collaborators into the
// best-of-N selection and plate-text reconstruction algorithm.
type Stage struct {
	logger   *zap.Logger
	detector PlateDetector
	ocrModel PlateOCR
	classMap map[int]string
}

// NewStage constructs a Stage. classMap maps a character class id
// greater than 9 to its textual glyph; ids 0-9 render as their decimal
// digit regardless of the map's contents.
func NewStage(logger *zap.Logger, detector PlateDetector, ocrModel PlateOCR, classMap map[int]string) *Stage {
	return &Stage{logger: logger, detector: detector, ocrModel: ocrModel, classMap: classMap}
}

// WarmUp runs two throwaway inferences against zero-filled images on
// each model, absorbing first-call initialization cost before traffic
// arrives.
func (s *Stage) WarmUp() {
	s.logger.Debug("ocr: model warm-up start")
	for i := 0; i < 2; i++ {
		plateDummy := image.NewRGBA(image.Rect(0, 0, 416, 416))
		if _, err := s.detector.Detect(plateDummy); err != nil {
			s.logger.Warn("ocr: plate detector warm-up call failed", zap.Error(err))
		}
		ocrDummy := image.NewRGBA(image.Rect(0, 0, 256, 256))
		if _, err := s.ocrModel.Detect(ocrDummy); err != nil {
			s.logger.Warn("ocr: OCR model warm-up call failed", zap.Error(err))
		}
	}
	s.logger.Debug("ocr: model warm-up finished")
}

// Run blocks on ocrCh, processing one record at a time, and forwards
// every processed record to serverCh. A panic during a single
// record's processing is recovered and logged; the loop continues.
func (s *Stage) Run(ctx context.Context, ocrCh <-chan *record.Record, serverCh chan<- *record.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ocrCh:
			if !ok {
				return
			}
			s.safeProcess(rec, serverCh)
		}
	}
}

func (s *Stage) safeProcess(rec *record.Record, serverCh chan<- *record.Record) {
	start := time.Now()
	result := "plate_found"
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("ocr: panic recovered", zap.Any("panic", p))
			result = "error"
		}
		metrics.OCRDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}()

	out := s.process(rec)
	if out.Get("plate_detected") == "N" {
		result = "no_plate"
	}

	select {
	case serverCh <- out:
	default:
		s.logger.Warn("ocr: server queue full, dropping record", zap.String("unique_key_plain", out.UniqueKeyPlain))
	}
}

// process is the per-record best-of-N selection described in spec
// §4.4, grounded on lp_detector.py's main_loop body.
func (s *Stage) process(rec *record.Record) *record.Record {
	candidates := s.listCandidates(rec)
	metrics.OCRCandidatesConsidered.WithLabelValues().Observe(float64(len(candidates)))

	if len(candidates) == 0 {
		rec.SetString("plate_num", NPlate)
		rec.SetString("plate_detected", "N")
		rec.ImagePathName = NImage
		rec.CarImageFileName = NImage
		rec.PlateImageFileName = NImage
		s.logger.Error("ocr: no candidate images", zap.String("unique_key_plain", rec.UniqueKeyPlain))
		return rec
	}

	isMotorcycle := rec.Get("class") == motorcycleClass

	var bestScore float64
	var bestPlateNum string
	var bestPlateImg, bestCarImg image.Image

	for _, path := range candidates {
		img, err := s.loadAndRemove(path)
		if err != nil {
			s.logger.Error("ocr: image load failed", zap.String("unique_key_plain", rec.UniqueKeyPlain), zap.Error(err))
			continue
		}

		if isMotorcycle {
			if bestCarImg == nil {
				bestCarImg = img
				bestPlateNum = NPlate
			}
			continue
		}

		plateImg, err := s.detectPlateCrop(img)
		if err != nil {
			s.logger.Error("ocr: plate detect failed", zap.Error(err))
			continue
		}
		plateText, ocrConf := s.ocrPlate(plateImg)
		if ocrConf > bestScore {
			bestScore = ocrConf
			bestPlateImg = plateImg
			bestCarImg = img
			bestPlateNum = plateText
		}
	}

	if bestCarImg != nil {
		if bestPlateNum == NPlate {
			rec.SetString("plate_detected", "N")
		} else {
			rec.SetString("plate_detected", "Y")
		}
		rec.SetString("plate_num", bestPlateNum)
		rec.CarImageFileName = fmt.Sprintf("%s_%s_%s_%s.jpg",
			rec.Get("car_id_4k"), rec.Get("class"), rec.Get("lane"), rec.Get("stop_pass_time"))
		rec.PlateImageFileName = fmt.Sprintf("%s.jpg", rec.Get("car_id_4k"))

		if buf, err := encodeJPEG(bestCarImg); err != nil {
			s.logger.Error("ocr: car image encode failed", zap.Error(err))
		} else {
			rec.ImageBytes4K = buf
		}
		if bestPlateImg != nil {
			if buf, err := encodeJPEG(bestPlateImg); err != nil {
				s.logger.Error("ocr: plate image encode failed", zap.Error(err))
			} else {
				rec.ImageBytesPlate4K = buf
			}
		}
	}

	s.logger.Info("ocr: processed record",
		zap.String("unique_key_plain", rec.UniqueKeyPlain),
		zap.String("plate_num", rec.Get("plate_num")))
	return rec
}

// listCandidates enumerates the image directory for files matching
// "{car_id_4k}_*" (spec §4.4.1).
func (s *Stage) listCandidates(rec *record.Record) []string {
	dir := strings.TrimRight(rec.ImagePathName, "/\\")
	prefix := rec.Get("car_id_4k") + "_"

	entries, err := os.ReadDir(dir)
	if err != nil {
		s.logger.Error("ocr: reading image directory failed", zap.String("dir", dir), zap.Error(err))
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out
}

func (s *Stage) loadAndRemove(path string) (image.Image, error) {
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("ocr: failed to remove source image", zap.String("path", path), zap.Error(err))
		}
	}()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

// detectPlateCrop runs the plate detector, keeps the single
// highest-confidence surviving box after NMS, and returns a
// square-padded crop of it.
func (s *Stage) detectPlateCrop(img image.Image) (image.Image, error) {
	boxes, err := s.detector.Detect(img)
	if err != nil {
		return nil, err
	}
	if len(boxes) == 0 {
		return nil, nil
	}
	kept := nmsIndices(boxes, detectScoreThreshold, detectIoUThreshold)
	if len(kept) == 0 {
		return nil, nil
	}
	b := boxes[kept[0]]
	x := b.X
	if x < 0 {
		x = 0
	}
	rect := image.Rect(x, b.Y, x+b.W, b.Y+b.H)
	return padSquare(cropImage(img, rect)), nil
}

// ocrPlate runs character detection over a plate crop and reconstructs
// the plate text, handling both single-row and two-row layouts. Ported
// from lp_detector.py's _ocr_plate.
func (s *Stage) ocrPlate(plateImg image.Image) (string, float64) {
	if plateImg == nil {
		return NPlate, 0.1
	}

	chars, err := s.ocrModel.Detect(plateImg)
	if err != nil {
		s.logger.Error("ocr: character detection failed", zap.Error(err))
		return NOCR, 0.1
	}
	boxes := make([]BoundingBox, len(chars))
	for i, c := range chars {
		boxes[i] = c.Box
	}
	kept := nmsIndices(boxes, detectScoreThreshold, detectIoUThreshold)
	if len(kept) == 0 {
		return NOCR, 0.1
	}

	cs := make([]CharDetection, len(kept))
	xs := make([]float64, len(kept))
	ys := make([]float64, len(kept))
	for i, idx := range kept {
		cs[i] = chars[idx]
		xs[i] = float64(chars[idx].Box.X)
		ys[i] = float64(chars[idx].Box.Y)
	}

	slope, intercept := linearRegression(xs, ys)
	predicted := make([]float64, len(cs))
	var sumSq float64
	for i := range cs {
		predicted[i] = slope*xs[i] + intercept
		d := predicted[i] - ys[i]
		sumSq += d * d
	}
	variance := sumSq / float64(len(cs))

	// Sum confidences and snap near-equal rows together in the same
	// pass, mirroring the python implementation's single combined loop
	// (later snaps can affect comparisons for later i).
	var conf float64
	for i := range cs {
		conf += cs[i].Box.Confidence
		for j := range cs {
			if i != j && math.Abs(ys[i]-ys[j]) < sameLineSnapPx {
				ys[j] = ys[i]
			}
		}
	}

	var ordered []CharDetection
	if variance >= twoLineVarianceThreshold {
		ordered = reorderTwoLine(cs, xs, ys, predicted, slope)
	} else {
		idx := make([]int, len(cs))
		for i := range idx {
			idx[i] = i
		}
		sort.Slice(idx, func(a, b int) bool { return xs[idx[a]] < xs[idx[b]] })
		ordered = make([]CharDetection, len(cs))
		for i, k := range idx {
			ordered[i] = cs[k]
		}
	}

	var sb strings.Builder
	for _, c := range ordered {
		sb.WriteString(s.classText(c.ClassID))
	}
	return sb.String(), conf
}

func (s *Stage) classText(classID int) string {
	if classID > 9 {
		if t, ok := s.classMap[classID]; ok {
			return t
		}
		return "?"
	}
	return strconv.Itoa(classID)
}

// reorderTwoLine partitions characters into upper/lower rows by the
// regression line, recomputes a centroid bisector with the same
// slope, re-partitions against it, sorts each row by x, and
// concatenates upper-then-lower.
func reorderTwoLine(cs []CharDetection, xs, ys, predicted []float64, slope float64) []CharDetection {
	var zip1, zip2 []int
	for i := range cs {
		if ys[i] < predicted[i] {
			zip1 = append(zip1, i)
		} else {
			zip2 = append(zip2, i)
		}
	}
	if len(zip1) == 0 || len(zip2) == 0 {
		idx := make([]int, len(cs))
		for i := range idx {
			idx[i] = i
		}
		sort.Slice(idx, func(a, b int) bool { return xs[idx[a]] < xs[idx[b]] })
		out := make([]CharDetection, len(cs))
		for i, k := range idx {
			out[i] = cs[k]
		}
		return out
	}

	ux, uy := centroid(xs, ys, zip1)
	dx, dy := centroid(xs, ys, zip2)
	centerX := (ux + dx) / 2
	centerY := (uy + dy) / 2
	intercept := centerY - slope*centerX

	var upper, down []int
	for i := range cs {
		if ys[i] < slope*xs[i]+intercept {
			upper = append(upper, i)
		} else {
			down = append(down, i)
		}
	}
	sort.Slice(upper, func(a, b int) bool { return xs[upper[a]] < xs[upper[b]] })
	sort.Slice(down, func(a, b int) bool { return xs[down[a]] < xs[down[b]] })

	out := make([]CharDetection, 0, len(cs))
	for _, i := range upper {
		out = append(out, cs[i])
	}
	for _, i := range down {
		out = append(out, cs[i])
	}
	return out
}

func centroid(xs, ys []float64, idx []int) (x, y float64) {
	for _, i := range idx {
		x += xs[i]
		y += ys[i]
	}
	n := float64(len(idx))
	return x / n, y / n
}

// linearRegression fits y = slope*x + intercept by ordinary least
// squares.
func linearRegression(xs, ys []float64) (slope, intercept float64) {
	n := float64(len(xs))
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

// nmsIndices runs greedy non-max suppression: boxes below
// scoreThreshold are dropped, survivors are visited score-descending,
// and any box whose IoU with an already-kept box exceeds iouThreshold
// is suppressed.
func nmsIndices(boxes []BoundingBox, scoreThreshold, iouThreshold float64) []int {
	type scored struct {
		idx   int
		score float64
	}
	var candidates []scored
	for i, b := range boxes {
		if b.Confidence >= scoreThreshold {
			candidates = append(candidates, scored{i, b.Confidence})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	var kept []int
	for _, c := range candidates {
		keep := true
		for _, k := range kept {
			if iou(boxes[c.idx], boxes[k]) > iouThreshold {
				keep = false
				break
			}
		}
		if keep {
			kept = append(kept, c.idx)
		}
	}
	return kept
}

func iou(a, b BoundingBox) float64 {
	ax2, ay2 := a.X+a.W, a.Y+a.H
	bx2, by2 := b.X+b.W, b.Y+b.H
	ix1, iy1 := maxInt(a.X, b.X), maxInt(a.Y, b.Y)
	ix2, iy2 := minInt(ax2, bx2), minInt(ay2, by2)
	iw, ih := ix2-ix1, iy2-iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := float64(iw * ih)
	union := float64(a.W*a.H+b.W*b.H) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func cropImage(img image.Image, rect image.Rectangle) image.Image {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		rect = img.Bounds()
	}
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst
}

// padSquare pads an image to a square with black borders, the shape
// the OCR model expects.
func padSquare(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	size := w
	if h > size {
		size = h
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.Black}, image.Point{}, draw.Src)
	offX, offY := (size-w)/2, (size-h)/2
	draw.Draw(dst, image.Rect(offX, offY, offX+w, offY+h), img, b.Min, draw.Src)
	return dst
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
