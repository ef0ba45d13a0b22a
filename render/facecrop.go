package render

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/autoclip/autoclip-worker/subprocess"
)

// FaceCropper reframes a clip around the detected speaker. The helper is a
// black box with an argv contract: input path, output path, crop mode. A
// non-zero exit or a missing output file both count as failure.
type FaceCropper interface {
	Crop(ctx context.Context, inputPath, outputPath, mode string) error
}

// PythonFaceCrop shells out to the face-detection script.
type PythonFaceCrop struct {
	PythonPath string
	ScriptPath string
}

const faceCropTimeout = 10 * time.Minute

func (f *PythonFaceCrop) Crop(ctx context.Context, inputPath, outputPath, mode string) error {
	ctx, cancel := context.WithTimeout(ctx, faceCropTimeout)
	defer cancel()

	_, err := subprocess.Run(ctx, "face crop", f.PythonPath, f.ScriptPath, inputPath, outputPath, mode)
	if err != nil {
		return err
	}
	if st, statErr := os.Stat(outputPath); statErr != nil || st.Size() == 0 {
		return fmt.Errorf("face crop produced no output for %s", inputPath)
	}
	return nil
}
