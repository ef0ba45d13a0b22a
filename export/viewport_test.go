package export

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlanViewportDeviceScale(t *testing.T) {
	plan := PlanViewport(
		Dimensions{Width: 1080, Height: 1920},
		&Dimensions{Width: 540, Height: 960},
		"device",
	)
	require.Equal(t, 540, plan.PageWidth)
	require.Equal(t, 960, plan.PageHeight)
	require.InDelta(t, 2.0, plan.DeviceScale, 0.0001)
	require.False(t, plan.NeedsScale)
	require.Equal(t, 1080, plan.OutputWidth)
	require.Equal(t, 1920, plan.OutputHeight)
}

func TestPlanViewportFallsBackWhenScaleFactorsDisagree(t *testing.T) {
	// x scale 2.0, y scale 2.5: outside the 2% agreement window
	plan := PlanViewport(
		Dimensions{Width: 1080, Height: 1920},
		&Dimensions{Width: 540, Height: 768},
		"device",
	)
	require.Equal(t, 1080, plan.PageWidth)
	require.Equal(t, 1920, plan.PageHeight)
	require.Equal(t, 1.0, plan.DeviceScale)
}

func TestPlanViewportFallsBackWhenPreviewLarger(t *testing.T) {
	plan := PlanViewport(
		Dimensions{Width: 1080, Height: 1920},
		&Dimensions{Width: 2160, Height: 3840},
		"device",
	)
	require.Equal(t, 1080, plan.PageWidth)
	require.Equal(t, 1.0, plan.DeviceScale)
}

func TestPlanViewportCSSModeIgnoresPreview(t *testing.T) {
	plan := PlanViewport(
		Dimensions{Width: 1080, Height: 1920},
		&Dimensions{Width: 540, Height: 960},
		"css",
	)
	require.Equal(t, 1080, plan.PageWidth)
	require.Equal(t, 1920, plan.PageHeight)
	require.Equal(t, 1.0, plan.DeviceScale)
}

func TestPlanViewportRoundsDownToEven(t *testing.T) {
	plan := PlanViewport(Dimensions{Width: 1081, Height: 1919}, nil, "css")
	require.Equal(t, 1080, plan.PageWidth)
	require.Equal(t, 1918, plan.PageHeight)
}
