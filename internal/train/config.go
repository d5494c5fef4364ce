package train

// Config is the full configuration of a fine-tuning run.
//
// It is persisted verbatim in the run log and in every checkpoint, so a saved
// model carries the settings that produced it.
type Config struct {
	// TrainPath and EvalPath are the roots of the training and held-out
	// image directories.
	TrainPath string `json:"train_path"`
	EvalPath  string `json:"eval_path"`

	// Epochs to run. BatchSize is the mini-batch size of both loops.
	Epochs    int `json:"epochs"`
	BatchSize int `json:"batch_size"`

	// ImageSize is the side of the (square) grid the images are subsampled to.
	ImageSize int `json:"image_size"`

	// LearningRate applies to the readout head, BackboneRate to the
	// pretrained trunk. Momentum is shared.
	LearningRate float64 `json:"learning_rate"`
	BackboneRate float64 `json:"backbone_rate"`
	Momentum     float64 `json:"momentum"`

	// LRDecayEvery is the decay interval in epochs (<= 0 means never decay)
	// and LRDecayFactor the multiplier applied at each interval.
	LRDecayEvery  int     `json:"lr_decay_every"`
	LRDecayFactor float64 `json:"lr_decay_factor"`

	// Model is the free-form hyperparameter configuration string given to
	// the model (see internal/parameters).
	Model string `json:"model"`

	// SavePrefix is where run artifacts go: "<prefix>.json" holds the error
	// history, "<prefix>.ckpt" the best checkpoint.
	SavePrefix string `json:"save_prefix"`

	// Progress enables a per-batch progress bar on stderr.
	Progress bool `json:"progress"`
}
