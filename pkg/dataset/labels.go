package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// BuildLabelMaps derives the label vocabulary from the TRAIN split
// only. Purely numeric, non-negative labels are identity-mapped so
// class ids stay stable across corpora; otherwise labels are sorted
// strings assigned sequential ids.
func BuildLabelMaps(examples []Example) (map[string]int, []string, error) {
	if len(examples) == 0 {
		return nil, nil, fmt.Errorf("cannot build label maps from empty split")
	}

	unique := map[string]struct{}{}
	for _, ex := range examples {
		if ex.Label == "" {
			return nil, nil, fmt.Errorf("example with empty label")
		}
		unique[ex.Label] = struct{}{}
	}

	numeric := true
	maxID := -1
	for label := range unique {
		v, err := strconv.Atoi(label)
		if err != nil || v < 0 {
			numeric = false
			break
		}
		if v > maxID {
			maxID = v
		}
	}

	if numeric {
		id2label := make([]string, maxID+1)
		label2id := make(map[string]int, maxID+1)
		for i := 0; i <= maxID; i++ {
			name := strconv.Itoa(i)
			id2label[i] = name
			label2id[name] = i
		}
		return label2id, id2label, nil
	}

	id2label := make([]string, 0, len(unique))
	for label := range unique {
		id2label = append(id2label, label)
	}
	sort.Strings(id2label)
	label2id := make(map[string]int, len(id2label))
	for i, label := range id2label {
		label2id[label] = i
	}
	return label2id, id2label, nil
}

// ApplyLabelMap maps example labels to class ids. Labels absent from
// the map (e.g. a class only present in the validation split) are an
// error rather than a silent skip.
func ApplyLabelMap(examples []Example, label2id map[string]int) ([]int, error) {
	ids := make([]int, len(examples))
	for i, ex := range examples {
		id, ok := label2id[ex.Label]
		if !ok {
			return nil, fmt.Errorf("label %q not present in training label map", ex.Label)
		}
		ids[i] = id
	}
	return ids, nil
}

// SaveLabelMaps writes label2id.json and id2label.json into dir.
func SaveLabelMaps(dir string, label2id map[string]int, id2label []string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	forward, err := json.MarshalIndent(label2id, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "label2id.json"), forward, 0o644); err != nil {
		return err
	}
	reverse := make(map[string]string, len(id2label))
	for i, label := range id2label {
		reverse[strconv.Itoa(i)] = label
	}
	backward, err := json.MarshalIndent(reverse, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "id2label.json"), backward, 0o644)
}
