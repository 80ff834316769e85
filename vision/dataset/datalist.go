package dataset

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

// DatalistEntry describes one sample in a decathlon-style datalist. Image is
// a path, Label is either an integer class or a path to a label mask, and
// Modality indexes the acquisition modality the sample came from.
type DatalistEntry struct {
	Image    string `json:"image"`
	Label    string `json:"label"`
	Modality int    `json:"modality"`
}

// Datalist holds the training and validation splits of a dataset manifest
type Datalist struct {
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Training    []DatalistEntry `json:"training"`
	Validation  []DatalistEntry `json:"validation,omitempty"`
}

// LoadDatalist reads a datalist manifest from a JSON file. Relative image and
// label paths are resolved against the manifest's directory.
func LoadDatalist(path string) (*Datalist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read datalist: %w", err)
	}

	var dl Datalist
	if err := json.Unmarshal(data, &dl); err != nil {
		return nil, fmt.Errorf("failed to parse datalist: %w", err)
	}
	if len(dl.Training) == 0 {
		return nil, fmt.Errorf("datalist %s has no training entries", path)
	}

	base := filepath.Dir(path)
	resolve := func(entries []DatalistEntry) {
		for i := range entries {
			if entries[i].Image != "" && !filepath.IsAbs(entries[i].Image) {
				entries[i].Image = filepath.Join(base, entries[i].Image)
			}
			if looksLikePath(entries[i].Label) && !filepath.IsAbs(entries[i].Label) {
				entries[i].Label = filepath.Join(base, entries[i].Label)
			}
		}
	}
	resolve(dl.Training)
	resolve(dl.Validation)

	return &dl, nil
}

// SaveDatalist writes a datalist manifest as indented JSON
func SaveDatalist(dl *Datalist, path string) error {
	data, err := json.MarshalIndent(dl, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode datalist: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write datalist: %w", err)
	}
	return nil
}

// looksLikePath reports whether a label value names a file rather than an
// integer class.
func looksLikePath(label string) bool {
	return strings.ContainsAny(label, "/\\.")
}

// Split carves a validation split out of the training entries when the
// manifest does not already carry one. The split is deterministic for a given
// seed; valRatio is the fraction moved to validation.
func (dl *Datalist) Split(valRatio float64, seed int64) {
	if len(dl.Validation) > 0 || valRatio <= 0 {
		return
	}
	if valRatio >= 1 {
		valRatio = 0.5
	}

	n := len(dl.Training)
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(n, func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})

	valSize := int(float64(n) * valRatio)
	training := make([]DatalistEntry, 0, n-valSize)
	validation := make([]DatalistEntry, 0, valSize)
	for i, idx := range indices {
		if i < valSize {
			validation = append(validation, dl.Training[idx])
		} else {
			training = append(training, dl.Training[idx])
		}
	}
	dl.Training = training
	dl.Validation = validation
}

// ModalityDistribution returns the number of training entries per modality
func (dl *Datalist) ModalityDistribution() map[int]int {
	dist := make(map[int]int)
	for _, e := range dl.Training {
		dist[e.Modality]++
	}
	return dist
}

// ModalityFolderDataset discovers samples from a directory tree laid out as
// root/<modality>/<class>/file. Modalities and classes are indexed in sorted
// directory order, so indices are stable across runs.
type ModalityFolderDataset struct {
	imagePaths    []string
	labels        []int
	modalities    []int
	classNames    []string
	classToIdx    map[string]int
	modalityNames []string
	modalityToIdx map[string]int
}

// NewModalityFolderDataset scans the directory tree for images with the given
// extensions, defaulting to png and jpeg.
func NewModalityFolderDataset(root string, extensions []string) (*ModalityFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = []string{".png", ".jpg", ".jpeg"}
	}

	d := &ModalityFolderDataset{
		classToIdx:    make(map[string]int),
		modalityToIdx: make(map[string]int),
	}

	modalityDirs, err := filepath.Glob(filepath.Join(root, "*"))
	if err != nil {
		return nil, fmt.Errorf("failed to list modalities: %w", err)
	}

	for _, modalityPath := range modalityDirs {
		info, err := os.Stat(modalityPath)
		if err != nil || !info.IsDir() {
			continue
		}
		modalityName := filepath.Base(modalityPath)
		modalityIdx, ok := d.modalityToIdx[modalityName]
		if !ok {
			modalityIdx = len(d.modalityNames)
			d.modalityNames = append(d.modalityNames, modalityName)
			d.modalityToIdx[modalityName] = modalityIdx
		}

		classDirs, err := filepath.Glob(filepath.Join(modalityPath, "*"))
		if err != nil {
			continue
		}
		for _, classPath := range classDirs {
			info, err := os.Stat(classPath)
			if err != nil || !info.IsDir() {
				continue
			}
			className := filepath.Base(classPath)
			classIdx, ok := d.classToIdx[className]
			if !ok {
				classIdx = len(d.classNames)
				d.classNames = append(d.classNames, className)
				d.classToIdx[className] = classIdx
			}

			for _, ext := range extensions {
				files, err := filepath.Glob(filepath.Join(classPath, "*"+ext))
				if err != nil {
					continue
				}
				for _, file := range files {
					d.imagePaths = append(d.imagePaths, file)
					d.labels = append(d.labels, classIdx)
					d.modalities = append(d.modalities, modalityIdx)
				}
			}
		}
	}

	if len(d.imagePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}

	return d, nil
}

// Len returns the number of items in the dataset
func (d *ModalityFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path, class label and modality at the given index
func (d *ModalityFolderDataset) GetItem(index int) (string, int, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], d.modalities[index], nil
}

// NumClasses returns the number of classes
func (d *ModalityFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names
func (d *ModalityFolderDataset) ClassNames() []string {
	return d.classNames
}

// NumModalities returns the number of modalities
func (d *ModalityFolderDataset) NumModalities() int {
	return len(d.modalityNames)
}

// ModalityNames returns the list of modality directory names
func (d *ModalityFolderDataset) ModalityNames() []string {
	return d.modalityNames
}

// Distribution returns the sample count per modality per class
func (d *ModalityFolderDataset) Distribution() map[string]map[string]int {
	dist := make(map[string]map[string]int)
	for i, label := range d.labels {
		modalityName := d.modalityNames[d.modalities[i]]
		if dist[modalityName] == nil {
			dist[modalityName] = make(map[string]int)
		}
		dist[modalityName][d.classNames[label]]++
	}
	return dist
}

// Entries converts the dataset to datalist entries, one per sample
func (d *ModalityFolderDataset) Entries() []DatalistEntry {
	entries := make([]DatalistEntry, len(d.imagePaths))
	for i := range d.imagePaths {
		entries[i] = DatalistEntry{
			Image:    d.imagePaths[i],
			Label:    fmt.Sprintf("%d", d.labels[i]),
			Modality: d.modalities[i],
		}
	}
	return entries
}

// Split splits the dataset into train and validation sets, deterministic for
// a given seed.
func (d *ModalityFolderDataset) Split(trainRatio float64, seed int64) (*ModalityFolderDataset, *ModalityFolderDataset) {
	n := len(d.imagePaths)
	trainSize := int(float64(n) * trainRatio)

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(n, func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})

	return d.Subset(indices[:trainSize]), d.Subset(indices[trainSize:])
}

// Subset creates a subset of the dataset with the specified indices
func (d *ModalityFolderDataset) Subset(indices []int) *ModalityFolderDataset {
	subset := &ModalityFolderDataset{
		imagePaths:    make([]string, len(indices)),
		labels:        make([]int, len(indices)),
		modalities:    make([]int, len(indices)),
		classNames:    d.classNames,
		classToIdx:    d.classToIdx,
		modalityNames: d.modalityNames,
		modalityToIdx: d.modalityToIdx,
	}
	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.labels[i] = d.labels[idx]
		subset.modalities[i] = d.modalities[idx]
	}
	return subset
}

// String returns a string representation of the dataset
func (d *ModalityFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ModalityFolderDataset: %d samples, %d modalities, %d classes\n",
		len(d.imagePaths), len(d.modalityNames), len(d.classNames)))
	dist := d.Distribution()
	for _, modalityName := range d.modalityNames {
		sb.WriteString(fmt.Sprintf("  %s:\n", modalityName))
		for _, className := range d.classNames {
			if count, ok := dist[modalityName][className]; ok {
				sb.WriteString(fmt.Sprintf("    %s: %d samples\n", className, count))
			}
		}
	}
	return sb.String()
}
