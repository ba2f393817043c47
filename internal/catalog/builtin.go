package catalog

import "time"

// ContainerWorkspace is where the session workspace is mounted inside every
// tool container. It is also the container's working directory.
const ContainerWorkspace = "/workspace"

// ContainerInputs is the parent directory of read-only input mounts.
const ContainerInputs = "/inputs"

var fslEnv = map[string]string{"FSLOUTPUTTYPE": "NIFTI_GZ"}

var builtins = [numTools]func() *Definition{
	BrainExtraction: func() *Definition {
		return &Definition{
			ID:          BrainExtraction,
			Description: "Skull-strip a T1-weighted volume with FSL BET.",
			Params: []ParamSpec{
				{Name: "input_file", Type: TypeFile, Required: true, Description: "T1-weighted input volume (NIfTI)."},
				{Name: "output_prefix", Type: TypeString, Default: "brain_extracted", SafeName: true, Description: "Prefix of the output files inside the workspace."},
				{Name: "fractional_intensity", Type: TypeFloat, Default: 0.5, Min: ptr(0), Max: ptr(1), Description: "Fractional intensity threshold; smaller values give larger brain estimates."},
				{Name: "generate_binary_mask", Type: TypeBool, Default: true, Description: "Also write a binary brain mask."},
			},
			Image: "brainlife/fsl:6.0.4-patched2",
			Command: []Token{
				Arg("bet"), Arg("{input_file}"), Arg("{output_prefix}"),
				Arg("-f"), Arg("{fractional_intensity}"),
				Flag("generate_binary_mask", "-m"),
			},
			Env: fslEnv,
			Outputs: []OutputSpec{
				{Pattern: "{output_prefix}.nii.gz", Description: "extracted brain volume"},
				{Pattern: "{output_prefix}_mask.nii.gz", Description: "binary brain mask", When: "generate_binary_mask"},
			},
			Timeout: 10 * time.Minute,
		}
	},
	TissueSegmentation: func() *Definition {
		return &Definition{
			ID:          TissueSegmentation,
			Description: "Segment a brain-extracted volume into tissue classes with FSL FAST.",
			Params: []ParamSpec{
				{Name: "input_file", Type: TypeFile, Required: true, Description: "Brain-extracted T1-weighted volume."},
				{Name: "output_prefix", Type: TypeString, Default: "segmented", SafeName: true, Description: "Prefix of the output files inside the workspace."},
				{Name: "tissue_classes", Type: TypeInt, Default: 3, Min: ptr(2), Description: "Number of tissue classes."},
			},
			Image: "brainlife/fsl:6.0.4-patched2",
			Command: []Token{
				Arg("fast"), Arg("-t"), Arg("1"),
				Arg("-n"), Arg("{tissue_classes}"),
				Arg("-o"), Arg("{output_prefix}"),
				Arg("{input_file}"),
			},
			Env: fslEnv,
			Outputs: []OutputSpec{
				{Pattern: "{output_prefix}_seg.nii.gz", Description: "hard segmentation"},
				{Pattern: "{output_prefix}_pve_{i}.nii.gz", Description: "partial volume estimate", Repeat: "tissue_classes"},
			},
			Timeout: 30 * time.Minute,
		}
	},
	LinearRegistration: func() *Definition {
		return &Definition{
			ID:          LinearRegistration,
			Description: "Register a volume to a reference with FSL FLIRT.",
			Params: []ParamSpec{
				{Name: "input_file", Type: TypeFile, Required: true, Description: "Volume to register."},
				{Name: "reference_file", Type: TypeFile, Required: true, Description: "Reference volume defining the target space."},
				{Name: "output_file", Type: TypeString, Default: "registered.nii.gz", SafeName: true, Description: "Registered volume name inside the workspace."},
				{Name: "output_matrix", Type: TypeString, Default: "registered.mat", SafeName: true, Description: "Affine matrix name inside the workspace."},
				{Name: "dof", Type: TypeInt, Default: 12, Enum: []string{"6", "9", "12"}, Description: "Degrees of freedom of the transform."},
				{Name: "cost", Type: TypeEnum, Default: "corratio", Enum: []string{"corratio", "mutualinfo", "normcorr", "normmi", "leastsq"}, Description: "Cost function."},
			},
			Image: "brainlife/fsl:6.0.4-patched2",
			Command: []Token{
				Arg("flirt"),
				Arg("-in"), Arg("{input_file}"),
				Arg("-ref"), Arg("{reference_file}"),
				Arg("-out"), Arg("{output_file}"),
				Arg("-omat"), Arg("{output_matrix}"),
				Arg("-dof"), Arg("{dof}"),
				Arg("-cost"), Arg("{cost}"),
			},
			Env: fslEnv,
			Outputs: []OutputSpec{
				{Pattern: "{output_file}", Description: "registered volume"},
				{Pattern: "{output_matrix}", Description: "affine transform", Optional: true},
			},
			Timeout: 30 * time.Minute,
		}
	},
	FiberOrientationEstimation: func() *Definition {
		return &Definition{
			ID:          FiberOrientationEstimation,
			Description: "Estimate fibre orientation distributions with MRtrix3 dwi2fod.",
			Params: []ParamSpec{
				{Name: "dwi_file", Type: TypeFile, Required: true, Description: "Diffusion-weighted volume."},
				{Name: "response_file", Type: TypeFile, Required: true, Description: "Response function text file."},
				{Name: "output_fod", Type: TypeString, Default: "wmfod.mif", SafeName: true, Description: "Output FOD image name inside the workspace."},
				{Name: "algorithm", Type: TypeEnum, Default: "csd", Enum: []string{"csd", "msmt_csd"}, Description: "Deconvolution algorithm."},
			},
			Image: "mrtrix3/mrtrix3:3.0.4",
			Command: []Token{
				Arg("dwi2fod"), Arg("{algorithm}"),
				Arg("{dwi_file}"), Arg("{response_file}"), Arg("{output_fod}"),
			},
			Outputs: []OutputSpec{
				{Pattern: "{output_fod}", Description: "orientation distribution volume"},
			},
			Timeout: time.Hour,
		}
	},
	CorticalReconstruction: func() *Definition {
		return &Definition{
			ID:          CorticalReconstruction,
			Description: "Run the full FreeSurfer recon-all cortical reconstruction.",
			Params: []ParamSpec{
				{Name: "input_file", Type: TypeFile, Required: true, Description: "T1-weighted input volume."},
				{Name: "subject_id", Type: TypeString, Required: true, SafeName: true, Description: "Subject identifier; names the output directory."},
				{Name: "threads", Type: TypeInt, Default: 1, Min: ptr(1), Max: ptr(64), Description: "OpenMP thread count."},
			},
			Image: "freesurfer/freesurfer:7.4.1",
			Command: []Token{
				Arg("recon-all"),
				Arg("-i"), Arg("{input_file}"),
				Arg("-s"), Arg("{subject_id}"),
				Arg("-sd"), Arg(ContainerWorkspace),
				Arg("-openmp"), Arg("{threads}"),
				Arg("-all"),
			},
			Env: map[string]string{"SUBJECTS_DIR": ContainerWorkspace},
			Outputs: []OutputSpec{
				{Pattern: "{subject_id}", Description: "subject directory", Dir: true},
				{Pattern: "{subject_id}/mri/brain.mgz", Description: "skull-stripped volume"},
				{Pattern: "{subject_id}/mri/aseg.mgz", Description: "subcortical segmentation"},
				{Pattern: "{subject_id}/surf/lh.pial", Description: "left pial surface"},
				{Pattern: "{subject_id}/surf/rh.pial", Description: "right pial surface"},
				{Pattern: "{subject_id}/surf/lh.white", Description: "left white surface"},
				{Pattern: "{subject_id}/surf/rh.white", Description: "right white surface"},
			},
			Timeout: 24 * time.Hour,
		}
	},
}
