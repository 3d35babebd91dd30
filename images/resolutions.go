package images

import (
	"fmt"
	"math"
	"sort"
)

// AspectRatio represents an aspect ratio by name (e.g., "4:3").
type AspectRatio string

// Aspect ratios produced by phone and compact cameras.
const (
	AspectRatio43  AspectRatio = "4:3"
	AspectRatio169 AspectRatio = "16:9"
	AspectRatio11  AspectRatio = "1:1"
)

// ResolutionType names a photo resolution.
type ResolutionType string

// Resolutions a field photo of a crop typically arrives in.
const (
	ResolutionTypeVGA    ResolutionType = "VGA"
	ResolutionTypeSquare ResolutionType = "Square 1080"
	ResolutionTypeHD     ResolutionType = "HD 720p"
	ResolutionTypeFHD    ResolutionType = "Full HD 1080p"
	ResolutionType5MP    ResolutionType = "5MP (4:3)"
	ResolutionType8MP    ResolutionType = "8MP (4:3)"
	ResolutionType12MP   ResolutionType = "12MP (4:3)"
)

// ResolutionPixels describes the exact dimensions of a resolution.
type ResolutionPixels struct {
	Width  int `json:"width"  yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Resolution describes a source image size.
type Resolution struct {
	Name        ResolutionType   `json:"name"        yaml:"name"`
	AspectRatio AspectRatio      `json:"aspectRatio" yaml:"aspectRatio"`
	Pixels      ResolutionPixels `json:"pixels"      yaml:"pixels"`
}

// NewResolution returns an ad hoc resolution named after its dimensions.
func NewResolution(width, height int) Resolution {
	return Resolution{
		Name:   ResolutionType(fmt.Sprintf("%dx%d", width, height)),
		Pixels: ResolutionPixels{Width: width, Height: height},
	}
}

// GetMegaPixels returns the pixel count in megapixels rounded to two decimals
// (e.g., 2.07 for 1080p).
func (r Resolution) GetMegaPixels() float64 {
	if r.Pixels.Width <= 0 || r.Pixels.Height <= 0 {
		return 0.0
	}
	mp := float64(r.Pixels.Width*r.Pixels.Height) / 1_000_000.0
	return math.Round(mp*100) / 100
}

// String returns a human-readable summary of the resolution.
func (r Resolution) String() string {
	return fmt.Sprintf("%s (%dx%d, %.2fMP)", r.Name, r.Pixels.Width, r.Pixels.Height, r.GetMegaPixels())
}

var resolutions = map[ResolutionType]Resolution{
	ResolutionTypeVGA: {
		Name:        ResolutionTypeVGA,
		AspectRatio: AspectRatio43,
		Pixels:      ResolutionPixels{Width: 640, Height: 480},
	},
	ResolutionTypeSquare: {
		Name:        ResolutionTypeSquare,
		AspectRatio: AspectRatio11,
		Pixels:      ResolutionPixels{Width: 1080, Height: 1080},
	},
	ResolutionTypeHD: {
		Name:        ResolutionTypeHD,
		AspectRatio: AspectRatio169,
		Pixels:      ResolutionPixels{Width: 1280, Height: 720},
	},
	ResolutionTypeFHD: {
		Name:        ResolutionTypeFHD,
		AspectRatio: AspectRatio169,
		Pixels:      ResolutionPixels{Width: 1920, Height: 1080},
	},
	ResolutionType5MP: {
		Name:        ResolutionType5MP,
		AspectRatio: AspectRatio43,
		Pixels:      ResolutionPixels{Width: 2592, Height: 1944},
	},
	ResolutionType8MP: {
		Name:        ResolutionType8MP,
		AspectRatio: AspectRatio43,
		Pixels:      ResolutionPixels{Width: 3264, Height: 2448},
	},
	ResolutionType12MP: {
		Name:        ResolutionType12MP,
		AspectRatio: AspectRatio43,
		Pixels:      ResolutionPixels{Width: 4032, Height: 3024},
	},
}

// GetAllResolutions returns every defined resolution, smallest first.
func GetAllResolutions() []Resolution {
	all := make([]Resolution, 0, len(resolutions))
	for _, res := range resolutions {
		all = append(all, res)
	}
	sort.Slice(all, func(i, j int) bool {
		pi := all[i].Pixels.Width * all[i].Pixels.Height
		pj := all[j].Pixels.Width * all[j].Pixels.Height
		if pi != pj {
			return pi < pj
		}
		return all[i].Name < all[j].Name
	})
	return all
}

// GetResolutionByType retrieves a specific resolution by its type.
func GetResolutionByType(t ResolutionType) (Resolution, bool) {
	res, ok := resolutions[t]
	return res, ok
}

// GetHighestResolutionUnderDimensions returns the largest defined resolution
// that fits within width×height.
//
// Arguments:
//   - width: The maximum width.
//   - height: The maximum height.
//
// Returns:
//   - Resolution: The largest fitting resolution.
//   - bool: False if none fits.
func GetHighestResolutionUnderDimensions(width, height int) (Resolution, bool) {
	var highest Resolution
	var found bool

	for _, res := range GetAllResolutions() {
		if res.Pixels.Width <= width && res.Pixels.Height <= height {
			if !found || res.GetMegaPixels() >= highest.GetMegaPixels() {
				highest = res
				found = true
			}
		}
	}
	return highest, found
}
