package adapters

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"

	"genforge/internal/core"
)

// MaxReferenceBytes caps the size of a fetched reference image. Vendors with
// inline encoding reject oversized payloads anyway, so fail early.
const MaxReferenceBytes = 10 << 20

// FetchReference loads a reference image from an http(s) or file:// URL and
// returns its bytes and detected MIME type.
func FetchReference(ctx context.Context, client *http.Client, rawURL string) ([]byte, string, error) {
	if strings.HasPrefix(rawURL, "file://") {
		data, err := os.ReadFile(strings.TrimPrefix(rawURL, "file://"))
		if err != nil {
			return nil, "", core.NewInvalidRequestError("reference image unreadable", err)
		}
		if len(data) > MaxReferenceBytes {
			return nil, "", core.NewInvalidRequestError("reference image exceeds size limit", nil)
		}
		return data, http.DetectContentType(data), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", core.NewInvalidRequestError("invalid reference image url", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch reference image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch reference image: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxReferenceBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read reference image: %w", err)
	}
	if len(data) > MaxReferenceBytes {
		return nil, "", core.NewInvalidRequestError("reference image exceeds size limit", nil)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}

// DataURL encodes image bytes as an inline base64 data URL.
func DataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// EnsureMinPixels scales dimensions up isotropically until width*height
// clears the vendor's pixel-area floor. Aspect ratio is preserved within
// rounding. Dimensions already at or above the floor pass through unchanged.
func EnsureMinPixels(width, height, minPixels int) (int, int) {
	if width <= 0 || height <= 0 || width*height >= minPixels {
		return width, height
	}
	scale := math.Sqrt(float64(minPixels) / float64(width*height))
	w := int(math.Ceil(float64(width) * scale))
	h := int(math.Ceil(float64(height) * scale))
	for w*h < minPixels {
		w++
		h++
	}
	return w, h
}

// SnapAspectRatio maps requested dimensions to the nearest token in a
// vendor's closed aspect-ratio set. Tokens look like "16:9". Requested
// ratios are never passed through verbatim.
func SnapAspectRatio(width, height int, supported []string) string {
	if len(supported) == 0 {
		return ""
	}
	if width <= 0 || height <= 0 {
		return supported[0]
	}

	requested := float64(width) / float64(height)
	best := supported[0]
	bestDiff := math.Inf(1)
	for _, token := range supported {
		r, ok := parseRatioToken(token)
		if !ok {
			continue
		}
		// Compare in log space so 1:2 and 2:1 are equally far from 1:1.
		diff := math.Abs(math.Log(requested) - math.Log(r))
		if diff < bestDiff {
			bestDiff = diff
			best = token
		}
	}
	return best
}

func parseRatioToken(token string) (float64, bool) {
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	w, errW := strconv.ParseFloat(parts[0], 64)
	h, errH := strconv.ParseFloat(parts[1], 64)
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 0, false
	}
	return w / h, true
}
