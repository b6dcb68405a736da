package script

import (
	"github.com/voxelbench/voxelbench/pkg/build"
	"github.com/voxelbench/voxelbench/pkg/pipeline"
	"github.com/voxelbench/voxelbench/pkg/template"
)

// Validator checks a decoded build script against a template's constraints
// before anything touches a sandbox. All rejections are permanent: the
// script itself is wrong, not the infrastructure.
type Validator struct {
	// MaxCommands caps script length; zero means no cap.
	MaxCommands int
}

// Validate decodes the build code as a command list and checks every
// command's blocks and coordinates. Returns the decoded list so the
// building stage can reuse it.
func (v *Validator) Validate(code string, tmpl *template.Template) (build.CommandList, error) {
	list, err := build.DecodeCommandList([]byte(code))
	if err != nil {
		return nil, pipeline.Permanentf("decode command list: %v", err)
	}
	if len(list) == 0 {
		return nil, pipeline.Permanentf("command list is empty")
	}
	if v.MaxCommands > 0 && len(list) > v.MaxCommands {
		return nil, pipeline.Permanentf("command list has %d commands, limit is %d", len(list), v.MaxCommands)
	}

	for i, cmd := range list {
		if err := cmd.Validate(); err != nil {
			return nil, pipeline.Permanentf("command %d: %v", i, err)
		}
		if !tmpl.BlockAllowed(cmd.Block) {
			return nil, pipeline.Permanentf("command %d: block %q is not in the allowed palette", i, cmd.Block)
		}
		lo, hi := cmd.Bounds()
		if !tmpl.Bounds.Empty && !tmpl.Bounds.Contains(build.Box(lo, hi)) {
			return nil, pipeline.Permanentf("command %d: placement %s is outside the legal build region %s",
				i, build.Box(lo, hi), tmpl.Bounds)
		}
	}

	return list, nil
}
