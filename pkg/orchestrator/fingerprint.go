package orchestrator

import (
	"path/filepath"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/loykin/stagebuild/pkg/artifact"
	"github.com/loykin/stagebuild/pkg/builderr"
	"github.com/loykin/stagebuild/pkg/env"
	"github.com/loykin/stagebuild/pkg/stage"
)

const fingerprintVersion = "stagebuild/stage/v2"

// fingerprint is the expected stage fingerprint for this run. Every
// dependency must already be terminal and in r.fps.
func (r *run) fingerprint(s *stage.Stage) (string, error) {
	h := artifact.NewHasher().Field(fingerprintVersion)
	h.Field(s.Name).Field(s.Command).Field(strconv.FormatBool(s.Shell))
	h.Field(s.WorkDir).Field(s.OutputDir)

	outputs := append([]string(nil), s.Outputs...)
	sort.Strings(outputs)
	h.Fields(outputs...)

	h.Field(env.New(s.Env).WithPaths(s.Paths).Canonical())
	h.Field(r.o.baseEnv(s).Canonical())

	h.Field(strconv.Itoa(len(s.Inputs)))
	for _, ref := range s.Inputs {
		h.Field(ref.String())
		if ref.External {
			sum, err := r.external(s.Name, ref)
			if err != nil {
				return "", err
			}
			h.Field(sum)
			continue
		}
		a, err := r.o.store.Get(ref.Stage, ref.Name)
		if err != nil {
			return "", builderr.UnresolvedInput(s.Name, ref.String(), err)
		}
		h.Field(a.Fingerprint)
	}

	deps := s.Dependencies()
	h.Field(strconv.Itoa(len(deps)))
	for _, d := range deps {
		h.Field(d).Field(r.fps[d])
	}
	return h.Sum(), nil
}

// external returns the path and content digest of an external input,
// measured once per run. Excluded paths are left out of directory hashes.
func (r *run) external(stageName string, ref stage.Ref) (string, error) {
	if sum, ok := r.externals[ref.Name]; ok {
		return sum, nil
	}
	p, ok := r.o.opts.Externals[ref.Name]
	if !ok {
		return "", builderr.UnresolvedInput(stageName, ref.String(), errors.New("external not declared"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", builderr.UnresolvedInput(stageName, ref.String(), err)
	}
	exclude := append([]string{filepath.Join(abs, ".git")}, r.o.opts.Exclude...)
	content, err := artifact.HashPathExcluding(abs, exclude...)
	if err != nil {
		return "", builderr.UnresolvedInput(stageName, ref.String(), err)
	}
	sum := artifact.NewHasher().Field(abs).Field(content).Sum()
	r.externals[ref.Name] = sum
	return sum, nil
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
