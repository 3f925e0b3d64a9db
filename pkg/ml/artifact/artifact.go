// Package artifact persists fitted pipelines as content-addressed files and
// keeps a registry naming the current best one.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/pipeline"
	"github.com/Wykoo/mini-warehouse-ml/pkg/models"
	"github.com/pkg/errors"
)

const (
	filePrefix = "best_model_"
	fileExt    = ".msgpack"
	hashExt    = ".sha256"
)

// Artifact describes one persisted pipeline.
type Artifact struct {
	RunID     string    `yaml:"run_id" json:"run_id"`
	ModelName string    `yaml:"model_name" json:"model_name"`
	File      string    `yaml:"file" json:"file"` // relative to the artifact directory
	SHA256    string    `yaml:"sha256" json:"sha256"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
}

// FileName is the artifact file name for a family and run.
func FileName(modelName, runID string) string {
	return filePrefix + modelName + "_" + runID + fileExt
}

// HashFile returns the hex-encoded SHA-256 digest of the file content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Write serializes p into dir, then writes the digest next to it.
func Write(dir, runID string, p *pipeline.Pipeline, now time.Time) (Artifact, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, errors.Wrap(err, "create artifact directory")
	}
	data, err := p.Marshal()
	if err != nil {
		return Artifact{}, err
	}
	name := FileName(p.Family(), runID)
	path := filepath.Join(dir, name)
	if err := writeAtomic(path, data); err != nil {
		return Artifact{}, errors.Wrapf(err, "write artifact %s", name)
	}
	sum, err := HashFile(path)
	if err != nil {
		return Artifact{}, err
	}
	if err := writeAtomic(path+hashExt, []byte(sum+"\n")); err != nil {
		return Artifact{}, errors.Wrap(err, "write artifact hash")
	}
	return Artifact{RunID: runID, ModelName: p.Family(), File: name, SHA256: sum, CreatedAt: now.UTC()}, nil
}

// Remove deletes an artifact file and its digest. Missing files are ignored.
func Remove(dir string, a Artifact) error {
	path := filepath.Join(dir, a.File)
	for _, p := range []string{path, path + hashExt} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove %s", p)
		}
	}
	return nil
}

// Open loads the artifact's pipeline after checking its content hash.
func Open(dir string, a Artifact) (*pipeline.Pipeline, error) {
	path := filepath.Join(dir, a.File)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(models.ErrMissingInput, "artifact file %s", path)
	}
	if err != nil {
		return nil, err
	}
	if a.SHA256 != "" {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != a.SHA256 {
			return nil, errors.Errorf("artifact %s hash mismatch: recorded %s, file %s", a.File, a.SHA256, got)
		}
	}
	return pipeline.Unmarshal(data)
}

// parseName recovers the model name and run id from an artifact file name.
func parseName(name string) (model, runID string, ok bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
		return "", "", false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt)
	// run ids look like 20250101_060000, so the family is everything before
	// the second-to-last underscore.
	parts := strings.Split(rest, "_")
	if len(parts) < 3 {
		return rest, "", true
	}
	return strings.Join(parts[:len(parts)-2], "_"), strings.Join(parts[len(parts)-2:], "_"), true
}

func readHash(path string) string {
	data, err := os.ReadFile(path + hashExt)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
