package data

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FolderOptions configure NewImageFolder.
type FolderOptions struct {
	// Size is the side of the square grid each image is subsampled to, so
	// every example has Size*Size features.
	Size int

	BatchSize int

	// Shuffle draws a new example order per pass from Seed.
	Shuffle bool
	Seed    uint64
}

// NewImageFolder loads a directory-per-class image tree into an in-memory
// dataset: every sub-directory of root is one class (sorted by name, so class
// indices are stable across the train and eval trees), and every .jpg/.jpeg/
// .png file below it one example.
//
// Images are decoded, grid-subsampled to Size x Size grayscale intensities
// and normalized to zero mean and unit variance over the whole dataset.
// Undecodable files abort the load; a run with corrupt inputs should fail
// loudly rather than train on a silently smaller dataset.
func NewImageFolder(root string, opts FolderOptions) (*InMemory, error) {
	if opts.Size <= 0 {
		return nil, errors.Errorf("image size must be positive, got %d", opts.Size)
	}
	classes, err := listClasses(root)
	if err != nil {
		return nil, err
	}

	var features [][]float32
	var labels []int32
	for classIdx, class := range classes {
		classDir := filepath.Join(root, class)
		err := filepath.WalkDir(classDir, func(path string, entry os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if entry.IsDir() || !isImageFile(path) {
				return nil
			}
			row, err := loadImageFeatures(path, opts.Size)
			if err != nil {
				return err
			}
			features = append(features, row)
			labels = append(labels, int32(classIdx))
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load class %q from %s", class, classDir)
		}
	}
	if len(features) == 0 {
		return nil, errors.Errorf("no images found under %s", root)
	}
	normalize(features)
	klog.V(1).Infof("Loaded %d images in %d classes from %s", len(features), len(classes), root)
	return NewInMemory(root, features, labels, opts.BatchSize, opts.Shuffle, opts.Seed)
}

// NumClasses returns how many class sub-directories root has. The model's
// output width must match it.
func NumClasses(root string) (int, error) {
	classes, err := listClasses(root)
	if err != nil {
		return 0, err
	}
	return len(classes), nil
}

func listClasses(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list dataset root %s", root)
	}
	var classes []string
	for _, entry := range entries {
		if entry.IsDir() {
			classes = append(classes, entry.Name())
		}
	}
	if len(classes) == 0 {
		return nil, errors.Errorf("dataset root %s has no class directories", root)
	}
	slices.Sort(classes)
	return classes, nil
}

func isImageFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// loadImageFeatures decodes one image and subsamples it on a size x size grid
// of grayscale intensities in [0, 1].
func loadImageFeatures(path string, size int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %s", path)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %s", path)
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.Errorf("image %s is empty", path)
	}
	features := make([]float32, size*size)
	for gy := 0; gy < size; gy++ {
		for gx := 0; gx < size; gx++ {
			px := bounds.Min.X + gx*width/size
			py := bounds.Min.Y + gy*height/size
			r, g, b, _ := img.At(px, py).RGBA()
			features[gy*size+gx] = float32(r+g+b) / (3 * 65535)
		}
	}
	return features, nil
}

// normalize shifts and scales all features to zero mean and unit variance.
func normalize(features [][]float32) {
	var sum, sumSq float32
	var count int
	for _, row := range features {
		for _, v := range row {
			sum += v
			sumSq += v * v
		}
		count += len(row)
	}
	mean := sum / float32(count)
	variance := sumSq/float32(count) - mean*mean
	stddev := math32.Sqrt(math32.Max(variance, 1e-12))
	for _, row := range features {
		for ii := range row {
			row[ii] = (row[ii] - mean) / stddev
		}
	}
}
