package toolserver

import (
	"slices"
	"strings"
)

// guides are the workflow outlines served by the analysis_guide prompt.
var guides = map[string]string{
	"brain_extraction": `Brain extraction is the first step of most structural analyses.

1. Start from a T1-weighted anatomical volume in the session workspace.
2. Run brain-extraction with fractional_intensity between 0.3 and 0.7.
3. Inspect the extracted volume and the mask before going further.
4. Use the extracted volume as input to the next step.

A lower fractional_intensity (around 0.3) keeps more tissue; a higher one
(around 0.7) strips more aggressively. 0.5 suits most scans.`,

	"preprocessing": `Standard T1 preprocessing:

1. brain-extraction on the raw T1 volume.
2. tissue-segmentation on the extracted brain.
3. linear-registration of the extracted brain to a template such as MNI152.
4. Check the output of every step before starting the next one.

The result is ready for group-level statistics.`,

	"diffusion": `Diffusion MRI workflow:

1. Preprocess the DWI series (denoising, motion and eddy-current correction).
2. Estimate the response function.
3. Run fiber-orientation-estimation on the DWI volume and the response file.
4. Generate tractography from the orientation distributions.
5. Build the connectome.

The DWI data must carry b-values and gradient directions.`,
}

// guide returns the outline for analysisType, or a message listing the
// known types.
func guide(analysisType string) (string, bool) {
	g, ok := guides[analysisType]
	if ok {
		return g, true
	}
	types := make([]string, 0, len(guides))
	for k := range guides {
		types = append(types, k)
	}
	slices.Sort(types)
	return "Unknown analysis type. Available types: " + strings.Join(types, ", "), false
}
