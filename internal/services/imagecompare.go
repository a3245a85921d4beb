package services

import (
	"context"
	"fmt"
	"image"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gocv.io/x/gocv"

	"github.com/tcgwallet/backend/internal/metrics"
)

const (
	// compareSize is the square resolution both images are normalized to
	// before comparison. 512 keeps enough print detail for feature matching.
	compareSize = 512

	// orbMaxFeatures caps keypoint detection per image.
	orbMaxFeatures = 2000

	// ratioTestThreshold rejects a descriptor match unless the best distance
	// is below this fraction of the second best. Slightly more lenient than
	// the usual 0.75 because we compare photos against clean digital scans.
	ratioTestThreshold = 0.80

	imageDownloadTimeout = 15 * time.Second
	downloadCacheSize    = 256
)

// Sub-score weights for the final visual blend. Feature matching dominates
// because it is the most robust signal when comparing a handheld photo
// against a clean reference image.
const (
	featureWeight   = 0.40
	histogramWeight = 0.20
	templateWeight  = 0.15
	edgeWeight      = 0.15
	ssimWeight      = 0.10
)

// ImageRef points at an image by local path, remote URL, or raw bytes.
// Exactly one field should be set; Bytes wins if several are.
type ImageRef struct {
	Path  string
	URL   string
	Bytes []byte
}

// ImageCompareService computes a visual similarity score between two card
// images using an ensemble of five techniques. Every failure mode (download,
// decode, degenerate input) degrades to a 0.0 score; the service never
// returns an error or panics to its caller.
type ImageCompareService struct {
	client *http.Client
	cache  *lru.Cache[string, []byte] // URL -> downloaded image bytes
}

// NewImageCompareService creates an image comparison service with a bounded
// download timeout and an LRU cache for reference images, so re-scoring the
// same popular cards doesn't re-download them.
func NewImageCompareService() *ImageCompareService {
	cache, err := lru.New[string, []byte](downloadCacheSize)
	if err != nil {
		// Only happens for a non-positive size; run without a cache.
		log.Printf("Warning: failed to create image cache: %v", err)
	}
	return &ImageCompareService{
		client: &http.Client{
			Timeout: imageDownloadTimeout,
		},
		cache: cache,
	}
}

// ImageSimilarity returns a similarity score in [0,1] between the two image
// references, 1.0 meaning identical. Returns 0.0 when either image cannot be
// resolved or decoded.
func (s *ImageCompareService) ImageSimilarity(ctx context.Context, a, b ImageRef) (score float64) {
	start := time.Now()
	failed := false
	defer func() {
		// OpenCV aborts with a panic on some malformed inputs; a broken
		// comparison scores zero instead of taking down the request.
		if r := recover(); r != nil {
			log.Printf("Image comparison panic recovered: %v", r)
			score = 0.0
			failed = true
		}
		// A completed comparison counts as "ok" even when the images share
		// nothing; only resolve/decode/panic paths are failures.
		status := "ok"
		if failed {
			status = "failed"
		}
		metrics.ImageComparisonsTotal.WithLabelValues(status).Inc()
		metrics.ImageComparisonDuration.Observe(time.Since(start).Seconds())
	}()

	bytesA, err := s.resolveImage(ctx, a)
	if err != nil {
		log.Printf("Failed to resolve first image: %v", err)
		failed = true
		return 0.0
	}
	bytesB, err := s.resolveImage(ctx, b)
	if err != nil {
		log.Printf("Failed to resolve second image: %v", err)
		failed = true
		return 0.0
	}

	imgA, err := decodeAndResize(bytesA)
	if err != nil {
		log.Printf("Failed to decode first image: %v", err)
		failed = true
		return 0.0
	}
	defer imgA.Close()

	imgB, err := decodeAndResize(bytesB)
	if err != nil {
		log.Printf("Failed to decode second image: %v", err)
		failed = true
		return 0.0
	}
	defer imgB.Close()

	grayA := gocv.NewMat()
	defer grayA.Close()
	grayB := gocv.NewMat()
	defer grayB.Close()
	gocv.CvtColor(imgA, &grayA, gocv.ColorBGRToGray)
	gocv.CvtColor(imgB, &grayB, gocv.ColorBGRToGray)

	featureScore := featureSimilarity(grayA, grayB)
	histogramScore := histogramSimilarity(imgA, imgB)
	ssimScore := grayscaleSSIM(grayA, grayB)
	templateScore := templateSimilarity(grayA, grayB)
	edgeScore := edgeSimilarity(grayA, grayB)

	combined := featureWeight*featureScore +
		histogramWeight*histogramScore +
		templateWeight*templateScore +
		edgeWeight*edgeScore +
		ssimWeight*ssimScore

	log.Printf("Image similarity: feature=%.4f histogram=%.4f ssim=%.4f template=%.4f edge=%.4f combined=%.4f",
		featureScore, histogramScore, ssimScore, templateScore, edgeScore, combined)

	return clamp01(combined)
}

// resolveImage turns an ImageRef into raw image bytes.
func (s *ImageCompareService) resolveImage(ctx context.Context, ref ImageRef) ([]byte, error) {
	switch {
	case len(ref.Bytes) > 0:
		return ref.Bytes, nil
	case ref.URL != "" && strings.HasPrefix(ref.URL, "http"):
		return s.downloadImage(ctx, ref.URL)
	case ref.Path != "":
		data, err := os.ReadFile(ref.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read image file %s: %w", ref.Path, err)
		}
		return data, nil
	case ref.URL != "":
		// A non-http "URL" is treated as a path, matching how catalog rows
		// sometimes store relative image locations.
		data, err := os.ReadFile(ref.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to read image file %s: %w", ref.URL, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("empty image reference")
	}
}

func (s *ImageCompareService) downloadImage(ctx context.Context, url string) ([]byte, error) {
	if s.cache != nil {
		if data, ok := s.cache.Get(url); ok {
			metrics.ImageDownloadsTotal.WithLabelValues("hit").Inc()
			return data, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, imageDownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		metrics.ImageDownloadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.ImageDownloadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to download image from %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.ImageDownloadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("image download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ImageDownloadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to read image body: %w", err)
	}

	if s.cache != nil {
		s.cache.Add(url, data)
	}
	metrics.ImageDownloadsTotal.WithLabelValues("miss").Inc()
	return data, nil
}

// decodeAndResize decodes image bytes and normalizes them to the fixed
// comparison resolution so aspect and scale differences don't matter.
func decodeAndResize(data []byte) (gocv.Mat, error) {
	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("failed to decode image: %w", err)
	}
	if img.Empty() {
		img.Close()
		return gocv.Mat{}, fmt.Errorf("decoded image is empty")
	}

	resized := gocv.NewMat()
	gocv.Resize(img, &resized, image.Pt(compareSize, compareSize), 0, 0, gocv.InterpolationLinear)
	img.Close()
	return resized, nil
}

// featureSimilarity scores the two grayscale images by ORB keypoint matching
// with a nearest/second-nearest ratio test. Cards with abundant matched
// print detail score higher than cards with sparse matches.
func featureSimilarity(gray1, gray2 gocv.Mat) float64 {
	orb := gocv.NewORBWithParams(
		orbMaxFeatures,           // nFeatures
		1.2,                      // scaleFactor
		8,                        // nLevels
		15,                       // edgeThreshold
		0,                        // firstLevel
		2,                        // WTA_K
		gocv.ORBScoreTypeHarris,  // scoreType
		31,                       // patchSize
		20,                       // fastThreshold
	)
	defer orb.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	kp1, des1 := orb.DetectAndCompute(gray1, mask)
	defer des1.Close()
	kp2, des2 := orb.DetectAndCompute(gray2, mask)
	defer des2.Close()

	if des1.Empty() || des2.Empty() || len(kp1) < 5 || len(kp2) < 5 {
		return 0.0
	}

	bf := gocv.NewBFMatcherWithParams(gocv.NormHamming, false)
	defer bf.Close()

	matches := bf.KnnMatch(des1, des2, 2)

	goodMatches := 0
	totalDistance := 0.0
	for _, pair := range matches {
		if len(pair) != 2 {
			continue
		}
		if pair[0].Distance < ratioTestThreshold*pair[1].Distance {
			goodMatches++
			totalDistance += pair[0].Distance
		}
	}

	if goodMatches == 0 {
		return 0.0
	}

	totalFeatures := len(kp1)
	if len(kp2) > totalFeatures {
		totalFeatures = len(kp2)
	}
	matchRatio := float64(goodMatches) / float64(totalFeatures)

	avgDistance := totalDistance / float64(goodMatches)
	const maxDistance = 100.0 // typical upper bound for ORB Hamming distances
	distanceScore := (maxDistance - avgDistance) / maxDistance
	if distanceScore < 0 {
		distanceScore = 0
	}

	// Tiered scoring: abundant matches are rewarded over sparse ones.
	var featureScore float64
	switch {
	case goodMatches >= 20:
		featureScore = (matchRatio*3.0)*0.7 + distanceScore*0.3
	case goodMatches >= 10:
		featureScore = (matchRatio*2.0)*0.7 + distanceScore*0.3
	default:
		featureScore = (matchRatio*1.5)*0.6 + distanceScore*0.4
	}

	if featureScore > 1.0 {
		featureScore = 1.0
	}
	return featureScore
}

// histogramSimilarity compares per-channel color distributions using a
// chi-square distance mapped through a negative exponential.
func histogramSimilarity(img1, img2 gocv.Mat) float64 {
	channels1 := gocv.Split(img1)
	channels2 := gocv.Split(img2)
	defer func() {
		for i := range channels1 {
			channels1[i].Close()
		}
		for i := range channels2 {
			channels2[i].Close()
		}
	}()

	if len(channels1) != 3 || len(channels2) != 3 {
		return 0.0
	}

	total := 0.0
	for c := 0; c < 3; c++ {
		h1 := normalizedHistogram(channels1[c])
		h2 := normalizedHistogram(channels2[c])
		if h1 == nil || h2 == nil {
			return 0.0
		}
		total += math.Exp(-chiSquareDistance(h1, h2))
	}

	return clamp01(total / 3.0)
}

// normalizedHistogram computes a 256-bin histogram for one channel,
// normalized to sum to 1. Returns nil for a degenerate (all-zero) histogram.
func normalizedHistogram(channel gocv.Mat) []float64 {
	hist := gocv.NewMat()
	defer hist.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	gocv.CalcHist([]gocv.Mat{channel}, []int{0}, mask, &hist, []int{256}, []float64{0, 256}, false)

	values := make([]float64, 256)
	sum := 0.0
	for i := 0; i < 256; i++ {
		v := float64(hist.GetFloatAt(i, 0))
		values[i] = v
		sum += v
	}
	if sum == 0 {
		return nil
	}
	for i := range values {
		values[i] /= sum
	}
	return values
}

func chiSquareDistance(h1, h2 []float64) float64 {
	const eps = 1e-10
	d := 0.0
	for i := range h1 {
		diff := h1[i] - h2[i]
		d += (diff * diff) / (h1[i] + h2[i] + eps)
	}
	return 0.5 * d
}

// templateSimilarity runs normalized cross-correlation between the two
// images at several scales and keeps the best score across scales and
// correlation metrics.
func templateSimilarity(gray1, gray2 gocv.Mat) float64 {
	maxScore := 0.0
	methods := []gocv.TemplateMatchMode{gocv.TmCcoeffNormed, gocv.TmCcorrNormed}

	sameSize := gray1.Rows() == gray2.Rows() && gray1.Cols() == gray2.Cols()

	for _, method := range methods {
		if sameSize {
			if score, ok := matchTemplateScore(gray2, gray1, method); ok && score > maxScore {
				maxScore = score
			}
			continue
		}

		// Use the smaller image as template and try a few scales to tolerate
		// minor scale mismatch.
		template, source := gray1, gray2
		if gray1.Rows()*gray1.Cols() > gray2.Rows()*gray2.Cols() {
			template, source = gray2, gray1
		}

		for _, scale := range []float64{1.0, 0.8, 1.2} {
			scaled := template
			var owned bool
			if scale != 1.0 {
				w := int(float64(template.Cols()) * scale)
				h := int(float64(template.Rows()) * scale)
				if w <= 0 || h <= 0 || w > source.Cols() || h > source.Rows() {
					continue
				}
				m := gocv.NewMat()
				gocv.Resize(template, &m, image.Pt(w, h), 0, 0, gocv.InterpolationLinear)
				scaled = m
				owned = true
			}

			if scaled.Rows() <= source.Rows() && scaled.Cols() <= source.Cols() {
				if score, ok := matchTemplateScore(source, scaled, method); ok && score > maxScore {
					maxScore = score
				}
			}
			if owned {
				scaled.Close()
			}
		}
	}

	return clamp01(maxScore)
}

func matchTemplateScore(source, template gocv.Mat, method gocv.TemplateMatchMode) (float64, bool) {
	result := gocv.NewMat()
	defer result.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	gocv.MatchTemplate(source, template, &result, method, mask)
	if result.Empty() {
		return 0, false
	}
	_, maxVal, _, _ := gocv.MinMaxLoc(result)
	return float64(maxVal), true
}

// edgeSimilarity blurs, edge-detects, and compares both structure and
// edge-pixel density of the two edge maps.
func edgeSimilarity(gray1, gray2 gocv.Mat) float64 {
	blurred1 := gocv.NewMat()
	defer blurred1.Close()
	blurred2 := gocv.NewMat()
	defer blurred2.Close()
	gocv.GaussianBlur(gray1, &blurred1, image.Pt(5, 5), 0, 0, gocv.BorderDefault)
	gocv.GaussianBlur(gray2, &blurred2, image.Pt(5, 5), 0, 0, gocv.BorderDefault)

	edges1 := gocv.NewMat()
	defer edges1.Close()
	edges2 := gocv.NewMat()
	defer edges2.Close()
	gocv.Canny(blurred1, &edges1, 50, 150)
	gocv.Canny(blurred2, &edges2, 50, 150)

	size1 := edges1.Rows() * edges1.Cols()
	size2 := edges2.Rows() * edges2.Cols()
	if size1 == 0 || size2 == 0 {
		return 0.0
	}

	density1 := float64(gocv.CountNonZero(edges1)) / float64(size1)
	density2 := float64(gocv.CountNonZero(edges2)) / float64(size2)

	maxDensity := math.Max(math.Max(density1, density2), 0.01)
	densitySimilarity := 1.0 - math.Abs(density1-density2)/maxDensity

	edgeSSIM := grayscaleSSIM(edges1, edges2)

	return clamp01(0.4*densitySimilarity + 0.6*edgeSSIM)
}

// grayscaleSSIM computes the mean structural similarity over 8x8 windows of
// the two single-channel images and rescales it from SSIM's native [-1,1]
// range to [0,1]. Returns 0.0 for mismatched or empty inputs.
func grayscaleSSIM(gray1, gray2 gocv.Mat) float64 {
	if gray1.Empty() || gray2.Empty() ||
		gray1.Rows() != gray2.Rows() || gray1.Cols() != gray2.Cols() {
		return 0.0
	}

	rows, cols := gray1.Rows(), gray1.Cols()
	a, err := gray1.DataPtrUint8()
	if err != nil {
		a = gray1.ToBytes()
	}
	b, err := gray2.DataPtrUint8()
	if err != nil {
		b = gray2.ToBytes()
	}
	if len(a) < rows*cols || len(b) < rows*cols {
		return 0.0
	}

	ssim := meanSSIM(a, b, cols, rows)
	return clamp01((ssim + 1.0) / 2.0)
}

// meanSSIM computes mean SSIM over non-overlapping 8x8 windows of two
// row-major grayscale byte images.
func meanSSIM(a, b []byte, width, height int) float64 {
	const window = 8
	const (
		c1 = (0.01 * 255) * (0.01 * 255)
		c2 = (0.03 * 255) * (0.03 * 255)
	)

	var total float64
	var windows int

	for y := 0; y+window <= height; y += window {
		for x := 0; x+window <= width; x += window {
			var sumA, sumB float64
			for wy := 0; wy < window; wy++ {
				row := (y + wy) * width
				for wx := 0; wx < window; wx++ {
					sumA += float64(a[row+x+wx])
					sumB += float64(b[row+x+wx])
				}
			}
			n := float64(window * window)
			meanA := sumA / n
			meanB := sumB / n

			var varA, varB, cov float64
			for wy := 0; wy < window; wy++ {
				row := (y + wy) * width
				for wx := 0; wx < window; wx++ {
					da := float64(a[row+x+wx]) - meanA
					db := float64(b[row+x+wx]) - meanB
					varA += da * da
					varB += db * db
					cov += da * db
				}
			}
			varA /= n - 1
			varB /= n - 1
			cov /= n - 1

			num := (2*meanA*meanB + c1) * (2*cov + c2)
			den := (meanA*meanA + meanB*meanB + c1) * (varA + varB + c2)
			total += num / den
			windows++
		}
	}

	if windows == 0 {
		return 0.0
	}
	return total / float64(windows)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
