package inbox

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/bnema/restora/internal/domain"
)

// errIncomplete marks a file that is probably still being written.
var errIncomplete = errors.New("job file is empty or truncated")

func supported(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// parseJobs decodes a job description file: either one parameter object or
// a document with a "jobs" list. Every entry starts from the defaults.
func parseJobs(path string, data []byte) ([]domain.Params, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errIncomplete
	}
	var (
		params []domain.Params
		err    error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		params, err = parseJSON(data)
	} else {
		params, err = parseYAML(data)
	}
	if err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return nil, errors.New("no jobs in file")
	}
	for i := range params {
		params[i].Normalize()
	}
	return params, nil
}

func parseJSON(data []byte) ([]domain.Params, error) {
	if !json.Valid(data) {
		return nil, errors.Mark(errors.New("invalid JSON"), errIncomplete)
	}
	var doc struct {
		Jobs []json.RawMessage `json:"jobs"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "decode job file")
	}
	if doc.Jobs == nil {
		p, err := domain.ParseParams(data)
		if err != nil {
			return nil, err
		}
		return []domain.Params{p}, nil
	}

	out := make([]domain.Params, 0, len(doc.Jobs))
	for i, raw := range doc.Jobs {
		p, err := domain.ParseParams(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "jobs[%d]", i)
		}
		out = append(out, p)
	}
	return out, nil
}

func parseYAML(data []byte) ([]domain.Params, error) {
	var doc struct {
		Jobs []yaml.Node `yaml:"jobs"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode job file"), errIncomplete)
	}
	if doc.Jobs == nil {
		p := domain.DefaultParams()
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, errors.Wrapf(domain.ErrInvalidParams, "decode parameters: %v", err)
		}
		return []domain.Params{p}, nil
	}

	out := make([]domain.Params, 0, len(doc.Jobs))
	for i := range doc.Jobs {
		p := domain.DefaultParams()
		if err := doc.Jobs[i].Decode(&p); err != nil {
			return nil, errors.Wrapf(domain.ErrInvalidParams, "jobs[%d]: decode parameters: %v", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}
