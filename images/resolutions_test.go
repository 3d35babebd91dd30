package images

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolutionGetMegaPixels(t *testing.T) {
	testCases := []struct {
		name     string
		res      Resolution
		expected float64
	}{
		{name: "Full HD", res: resolutions[ResolutionTypeFHD], expected: 2.07},
		{name: "12MP", res: resolutions[ResolutionType12MP], expected: 12.19},
		{name: "VGA", res: resolutions[ResolutionTypeVGA], expected: 0.31},
		{name: "Zero Width", res: NewResolution(0, 1080), expected: 0},
		{name: "Negative Height", res: NewResolution(1920, -1), expected: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.res.GetMegaPixels())
		})
	}
}

func TestGetAllResolutionsSorted(t *testing.T) {
	all := GetAllResolutions()
	require.Len(t, all, len(resolutions))
	assert.Equal(t, ResolutionTypeVGA, all[0].Name)
	assert.Equal(t, ResolutionType12MP, all[len(all)-1].Name)
	for i := 1; i < len(all); i++ {
		assert.LessOrEqual(t,
			all[i-1].Pixels.Width*all[i-1].Pixels.Height,
			all[i].Pixels.Width*all[i].Pixels.Height)
	}
}

func TestGetResolutionByType(t *testing.T) {
	res, ok := GetResolutionByType(ResolutionTypeHD)
	require.True(t, ok)
	assert.Equal(t, 1280, res.Pixels.Width)
	assert.Equal(t, 720, res.Pixels.Height)

	_, ok = GetResolutionByType("nope")
	assert.False(t, ok)
}

func TestGetHighestResolutionUnderDimensions(t *testing.T) {
	res, ok := GetHighestResolutionUnderDimensions(2000, 2000)
	require.True(t, ok)
	assert.Equal(t, ResolutionTypeFHD, res.Name)

	res, ok = GetHighestResolutionUnderDimensions(1100, 1100)
	require.True(t, ok)
	assert.Equal(t, ResolutionTypeSquare, res.Name)

	_, ok = GetHighestResolutionUnderDimensions(100, 100)
	assert.False(t, ok)
}

func TestResolutionString(t *testing.T) {
	assert.Equal(t, "640x480 (640x480, 0.31MP)", NewResolution(640, 480).String())
}
