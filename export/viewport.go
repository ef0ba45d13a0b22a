package export

import "math"

// ViewportPlan is the resolved geometry for one export: the page the browser
// renders at, the device scale applied to captures, and whether the encoder
// still needs a scale filter to reach the output dimensions.
type ViewportPlan struct {
	PageWidth    int
	PageHeight   int
	DeviceScale  float64
	OutputWidth  int
	OutputHeight int
	NeedsScale   bool
}

// deviceScaleTolerance is how far apart the x and y scale factors may be
// before device scaling would visibly distort the frame.
const deviceScaleTolerance = 0.02

func evenDown(v int) int {
	if v < 2 {
		return 2
	}
	return v - v%2
}

// PlanViewport decides between device-scale and css rendering. Device scale
// only applies when explicitly enabled, the preview fits inside the output on
// both axes, and the two scale factors agree within tolerance; anything else
// falls back to rendering at output size.
func PlanViewport(output Dimensions, preview *Dimensions, renderMode string) ViewportPlan {
	out := Dimensions{Width: evenDown(output.Width), Height: evenDown(output.Height)}

	if renderMode == "device" && preview != nil && preview.Width > 0 && preview.Height > 0 {
		prev := Dimensions{Width: evenDown(preview.Width), Height: evenDown(preview.Height)}
		if prev.Width <= out.Width && prev.Height <= out.Height {
			scaleX := float64(out.Width) / float64(prev.Width)
			scaleY := float64(out.Height) / float64(prev.Height)
			if math.Abs(scaleX-scaleY) <= deviceScaleTolerance*math.Max(scaleX, scaleY) {
				return ViewportPlan{
					PageWidth:    prev.Width,
					PageHeight:   prev.Height,
					DeviceScale:  scaleX,
					OutputWidth:  out.Width,
					OutputHeight: out.Height,
					NeedsScale:   false,
				}
			}
		}
	}

	return ViewportPlan{
		PageWidth:    out.Width,
		PageHeight:   out.Height,
		DeviceScale:  1,
		OutputWidth:  out.Width,
		OutputHeight: out.Height,
		// page and output match exactly in css mode, the scale filter is
		// only a safety net for captures that come back off-size
		NeedsScale: false,
	}
}
